// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilian/saga-orchestrator/pkg/saga"
)

// storeFactory returns a fresh, empty store; the suite closes it.
type storeFactory func(t *testing.T) saga.Store

var suiteEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newInstance(id string, status saga.SagaStatus, offset time.Duration) *saga.SagaInstance {
	created := suiteEpoch.Add(offset)
	return &saga.SagaInstance{
		ID:         id,
		Name:       "version-rollback",
		Status:     status,
		TotalSteps: 3,
		Params:     saga.MustParams(map[string]string{"targetId": id}),
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func newDeadLetter(id, sagaID string, kind saga.DeadLetterKind, offset time.Duration) *saga.DeadLetterEntry {
	created := suiteEpoch.Add(offset)
	return &saga.DeadLetterEntry{
		ID:           id,
		SagaID:       sagaID,
		SagaName:     "version-rollback",
		StepIndex:    1,
		StepName:     "switch_version",
		Kind:         kind,
		ErrorMessage: "downstream unavailable",
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

// runStoreSuite exercises the saga.Store contract against one backend.
func runStoreSuite(t *testing.T, factory storeFactory) {
	t.Run("instances", func(t *testing.T) { testInstances(t, factory(t)) })
	t.Run("list and count", func(t *testing.T) { testListInstances(t, factory(t)) })
	t.Run("checkpoints", func(t *testing.T) { testCheckpoints(t, factory(t)) })
	t.Run("dead letters", func(t *testing.T) { testDeadLetters(t, factory(t)) })
	t.Run("closed", func(t *testing.T) { testClosed(t, factory(t)) })
}

func testInstances(t *testing.T, store saga.Store) {
	defer store.Close()
	ctx := context.Background()

	inst := newInstance("s-1", saga.StatusRunning, 0)
	require.NoError(t, store.CreateInstance(ctx, inst))
	assert.Error(t, store.CreateInstance(ctx, inst), "duplicate IDs are rejected")

	got, err := store.GetInstance(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "version-rollback", got.Name)
	assert.Equal(t, saga.StatusRunning, got.Status)
	assert.JSONEq(t, `{"targetId":"s-1"}`, string(got.Params))
	assert.True(t, got.CreatedAt.Equal(inst.CreatedAt))

	got.Status = saga.StatusPartial
	got.CurrentStepIndex = 2
	got.LastError = "boom"
	got.UpdatedAt = suiteEpoch.Add(time.Minute)
	got.CreatedAt = suiteEpoch.Add(time.Hour)
	require.NoError(t, store.UpdateInstance(ctx, got))

	again, err := store.GetInstance(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusPartial, again.Status)
	assert.Equal(t, 2, again.CurrentStepIndex)
	assert.Equal(t, "boom", again.LastError)
	assert.True(t, again.CreatedAt.Equal(inst.CreatedAt), "created_at is immutable")

	_, err = store.GetInstance(ctx, "missing")
	assert.True(t, saga.IsNotFound(err))
	err = store.UpdateInstance(ctx, newInstance("missing", saga.StatusRunning, 0))
	assert.True(t, saga.IsNotFound(err))
}

func testListInstances(t *testing.T, store saga.Store) {
	defer store.Close()
	ctx := context.Background()

	statuses := []saga.SagaStatus{
		saga.StatusCompleted, saga.StatusRunning, saga.StatusPartial,
		saga.StatusRunning, saga.StatusFailed, saga.StatusCompensated,
	}
	// insert out of creation order to exercise the index
	for i := len(statuses) - 1; i >= 0; i-- {
		inst := newInstance(fmt.Sprintf("s-%d", i), statuses[i], time.Duration(i)*time.Second)
		require.NoError(t, store.CreateInstance(ctx, inst))
	}

	all, err := store.ListInstances(ctx, saga.SagaFilter{})
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i, inst := range all {
		assert.Equal(t, fmt.Sprintf("s-%d", i), inst.ID)
	}

	page, err := store.ListInstances(ctx, saga.SagaFilter{Limit: 2, Offset: 3})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "s-3", page[0].ID)
	assert.Equal(t, "s-4", page[1].ID)

	running, err := store.ListInstances(ctx, saga.SagaFilter{Statuses: []saga.SagaStatus{saga.StatusRunning}})
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "s-1", running[0].ID)
	assert.Equal(t, "s-3", running[1].ID)

	tail, err := store.ListInstances(ctx, saga.SagaFilter{Offset: 5})
	require.NoError(t, err)
	assert.Len(t, tail, 1)

	none, err := store.ListInstances(ctx, saga.SagaFilter{Name: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[saga.StatusRunning])
	assert.Equal(t, 1, counts[saga.StatusCompleted])
	assert.Equal(t, 1, counts[saga.StatusPartial])
	assert.Equal(t, 0, counts[saga.StatusCompensating])

	moved, err := store.GetInstance(ctx, "s-1")
	require.NoError(t, err)
	moved.Status = saga.StatusCompleted
	require.NoError(t, store.UpdateInstance(ctx, moved))
	counts, err = store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[saga.StatusRunning])
	assert.Equal(t, 2, counts[saga.StatusCompleted])
}

func testCheckpoints(t *testing.T, store saga.Store) {
	defer store.Close()
	ctx := context.Background()

	done := suiteEpoch.Add(time.Second)
	for _, idx := range []int{2, 0, 1} {
		require.NoError(t, store.WriteCheckpoint(ctx, &saga.StepCheckpoint{
			SagaID:    "s-1",
			StepIndex: idx,
			StepName:  fmt.Sprintf("step-%d", idx),
			Outcome:   saga.OutcomePending,
			Attempts:  1,
			UpdatedAt: suiteEpoch,
		}))
	}

	require.NoError(t, store.WriteCheckpoint(ctx, &saga.StepCheckpoint{
		SagaID:      "s-1",
		StepIndex:   0,
		StepName:    "step-0",
		Outcome:     saga.OutcomeSucceeded,
		Attempts:    2,
		LastError:   "first attempt timed out",
		CompletedAt: &done,
		UpdatedAt:   done,
	}))

	cps, err := store.ReadCheckpoints(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, cps, 3)
	for i, cp := range cps {
		assert.Equal(t, i, cp.StepIndex)
	}
	assert.Equal(t, saga.OutcomeSucceeded, cps[0].Outcome)
	assert.Equal(t, 2, cps[0].Attempts)
	require.NotNil(t, cps[0].CompletedAt)
	assert.True(t, cps[0].CompletedAt.Equal(done))
	assert.Nil(t, cps[0].CompensatedAt)
	assert.Equal(t, saga.OutcomePending, cps[1].Outcome)

	empty, err := store.ReadCheckpoints(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testDeadLetters(t *testing.T, store saga.Store) {
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.PushDeadLetter(ctx, newDeadLetter("d-2", "s-2", saga.DeadLetterCompensation, 2*time.Second)))
	require.NoError(t, store.PushDeadLetter(ctx, newDeadLetter("d-1", "s-1", saga.DeadLetterForward, time.Second)))
	require.NoError(t, store.PushDeadLetter(ctx, newDeadLetter("d-3", "s-1", saga.DeadLetterForward, 3*time.Second)))
	assert.Error(t, store.PushDeadLetter(ctx, newDeadLetter("d-1", "s-1", saga.DeadLetterForward, 0)))

	all, err := store.ListDeadLetters(ctx, saga.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"d-1", "d-2", "d-3"}, []string{all[0].ID, all[1].ID, all[2].ID})

	bySaga, err := store.ListDeadLetters(ctx, saga.DeadLetterFilter{SagaID: "s-1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, bySaga, 1)
	assert.Equal(t, "d-3", bySaga[0].ID)

	n, err := store.CountDeadLetters(ctx, saga.DeadLetterFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = store.CountDeadLetters(ctx, saga.DeadLetterFilter{Kind: saga.DeadLetterCompensation})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err := store.GetDeadLetter(ctx, "d-1")
	require.NoError(t, err)
	entry.RetryCount = 1
	entry.ErrorMessage = "still unavailable"
	entry.UpdatedAt = suiteEpoch.Add(time.Minute)
	require.NoError(t, store.UpdateDeadLetter(ctx, entry))

	entry, err = store.GetDeadLetter(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, "still unavailable", entry.ErrorMessage)

	require.NoError(t, store.DeleteDeadLetter(ctx, "d-1"))
	_, err = store.GetDeadLetter(ctx, "d-1")
	assert.True(t, saga.IsNotFound(err))
	assert.True(t, saga.IsNotFound(store.DeleteDeadLetter(ctx, "d-1")))
	assert.True(t, saga.IsNotFound(store.UpdateDeadLetter(ctx, entry)))

	n, err = store.CountDeadLetters(ctx, saga.DeadLetterFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testClosed(t *testing.T, store saga.Store) {
	ctx := context.Background()
	require.NoError(t, store.Close())

	_, err := store.GetInstance(ctx, "s-1")
	assert.ErrorIs(t, err, ErrStorageClosed)
	assert.ErrorIs(t, store.WriteCheckpoint(ctx, &saga.StepCheckpoint{SagaID: "s-1"}), ErrStorageClosed)
	_, err = store.ListDeadLetters(ctx, saga.DeadLetterFilter{})
	assert.ErrorIs(t, err, ErrStorageClosed)
}
