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

package coordinator

import (
	"context"
	"sync"
)

type phase int

const (
	phaseForward phase = iota
	phaseCompensate
)

func (p phase) String() string {
	if p == phaseCompensate {
		return "compensate"
	}
	return "forward"
}

// workUnit asks a worker to run one step of one saga. For compensation
// units, stepIndex is the step to undo, or -1 when nothing is left.
// failures counts consecutive storage failures of this dispatch.
type workUnit struct {
	sagaID    string
	phase     phase
	stepIndex int
	failures  int
}

// workQueue is an unbounded FIFO shared by the workers.
type workQueue struct {
	mu     sync.Mutex
	items  []workUnit
	closed bool

	// notify holds at most one wake-up; done is closed by close
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newWorkQueue() *workQueue {
	return &workQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push appends u. It reports false once the queue is closed.
func (q *workQueue) push(u workUnit) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, u)
	q.mu.Unlock()

	q.signal()
	return true
}

func (q *workQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a unit is available. It reports false when the queue is
// closed or ctx ends; units still queued at that point are abandoned.
func (q *workQueue) pop(ctx context.Context) (workUnit, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return workUnit{}, false
		}
		if len(q.items) > 0 {
			u := q.items[0]
			q.items[0] = workUnit{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// pass the wake-up on to another idle worker
				q.signal()
			}
			return u, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return workUnit{}, false
		}
	}
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *workQueue) close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.items = nil
		q.mu.Unlock()
		close(q.done)
	})
}
