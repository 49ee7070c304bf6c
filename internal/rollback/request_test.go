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

package rollback

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilian/saga-orchestrator/pkg/saga"
)

func validRequest() *Request {
	return &Request{
		TriggerID:   "alert-17",
		TargetType:  TargetConfig,
		TargetID:    "cfg-9",
		FromVersion: "v2.0.0",
		ToVersion:   "v1.9.0",
		Reason:      "error rate regression",
	}
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Request)
		wantErr string
	}{
		{name: "valid", mutate: func(r *Request) {}},
		{name: "trigger is optional", mutate: func(r *Request) { r.TriggerID = "" }},
		{name: "missing target type", mutate: func(r *Request) { r.TargetType = "" }, wantErr: "targetType: is required"},
		{name: "unknown target type", mutate: func(r *Request) { r.TargetType = "dashboard" }, wantErr: "targetType: must be one of [rule model config firmware]"},
		{name: "blank target id", mutate: func(r *Request) { r.TargetID = "   " }, wantErr: "targetId: must not be blank"},
		{name: "missing from version", mutate: func(r *Request) { r.FromVersion = "" }, wantErr: "fromVersion: is required"},
		{name: "same versions", mutate: func(r *Request) { r.ToVersion = r.FromVersion }, wantErr: "toVersion: must differ from fromVersion"},
		{name: "reason too long", mutate: func(r *Request) { r.Reason = strings.Repeat("x", 1025) }, wantErr: "reason: must be at most 1024 characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)

			err := req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, saga.IsValidation(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRequest_ValidateReportsEveryField(t *testing.T) {
	err := (&Request{}).Validate()
	require.Error(t, err)
	for _, field := range []string{"targetType", "targetId", "fromVersion", "toVersion"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestRequest_Target(t *testing.T) {
	target := validRequest().Target()
	assert.Equal(t, Target{Type: TargetConfig, ID: "cfg-9"}, target)
	assert.Equal(t, "config/cfg-9", target.String())
}
