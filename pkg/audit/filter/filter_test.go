// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/telekom/gateway-audit/pkg/audit"
	"github.com/telekom/gateway-audit/pkg/policy"
)

type fakeFinder struct {
	id    string
	found bool
	err   error
}

func (f fakeFinder) FindPolicyByName(context.Context, string) (string, bool, error) {
	return "", false, nil
}

func (f fakeFinder) FindPolicyByTag(_ context.Context, tag policy.Tag) (string, bool, error) {
	if tag != policy.TagMessageFilter {
		return "", false, nil
	}
	return f.id, f.found, f.err
}

type fakeExecutor struct {
	fn    func(ctx context.Context, in policy.Bindings) (policy.Result, error)
	calls []policy.Bindings
}

func (e *fakeExecutor) Execute(ctx context.Context, _ string, in policy.Bindings) (policy.Result, error) {
	e.calls = append(e.calls, in)
	return e.fn(ctx, in)
}

func outputs(b policy.Bindings) func(context.Context, policy.Bindings) (policy.Result, error) {
	return func(context.Context, policy.Bindings) (policy.Result, error) {
		return policy.Result{Status: policy.StatusOK, Outputs: b}, nil
	}
}

func messageRecord() *audit.Record {
	return audit.NewMessageRecord("node-1", audit.LevelInfo, "orders", "processed", audit.MessageFields{
		ServiceID:       "svc-1",
		Status:          1,
		RequestContent:  audit.String("old request"),
		ResponseContent: audit.String("old response"),
	})
}

func newFilter(finder policy.Finder, exec policy.Executor) *Filter {
	return New(finder, exec, 0, zap.NewNop().Sugar())
}

func TestFilterRecord_NoPolicyLeavesContent(t *testing.T) {
	exec := &fakeExecutor{fn: outputs(nil)}
	rec := messageRecord()

	res := newFilter(fakeFinder{}, exec).FilterRecord(context.Background(), rec, Text("req"), Text("resp"))
	assert.Equal(t, OutcomeNoPolicy, res.Outcome)
	assert.Empty(t, exec.calls)
	assert.Equal(t, "old request", audit.Deref(rec.MessageFields.RequestContent))
	assert.Equal(t, "old response", audit.Deref(rec.MessageFields.ResponseContent))
}

func TestFilterRecord_AppliesOutputs(t *testing.T) {
	tests := []struct {
		name     string
		outputs  policy.Bindings
		wantReq  *string
		wantResp *string
	}{
		{
			name:     "both replaced",
			outputs:  policy.Bindings{"request": "R", "response": "S"},
			wantReq:  audit.String("R"),
			wantResp: audit.String("S"),
		},
		{
			name:     "explicit null removes",
			outputs:  policy.Bindings{"request": nil, "response": "S"},
			wantReq:  nil,
			wantResp: audit.String("S"),
		},
		{
			name:     "missing output keeps field",
			outputs:  policy.Bindings{"response": ""},
			wantReq:  audit.String("old request"),
			wantResp: audit.String(""),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := messageRecord()
			exec := &fakeExecutor{fn: outputs(tt.outputs)}

			res := newFilter(fakeFinder{id: "amf", found: true}, exec).FilterRecord(context.Background(), rec, Text("live req"), Text("live resp"))
			require.Equal(t, OutcomeApplied, res.Outcome)
			assert.Equal(t, "amf", res.PolicyID)
			assert.Equal(t, tt.wantReq, rec.MessageFields.RequestContent)
			assert.Equal(t, tt.wantResp, rec.MessageFields.ResponseContent)

			require.Len(t, exec.calls, 1)
			assert.Equal(t, "live req", exec.calls[0][BindingRequest])
			assert.Equal(t, "live resp", exec.calls[0][BindingResponse])
		})
	}
}

func TestFilterRecord_FailsClosed(t *testing.T) {
	tests := []struct {
		name     string
		finder   fakeFinder
		exec     func(context.Context, policy.Bindings) (policy.Result, error)
		request  Content
		response Content
		snapshot bool
	}{
		{
			name:   "policy error",
			finder: fakeFinder{id: "amf", found: true},
			exec: func(context.Context, policy.Bindings) (policy.Result, error) {
				return policy.Result{}, errors.New("boom")
			},
			request: Text("r"), response: Text("s"), snapshot: true,
		},
		{
			name:   "non-success status",
			finder: fakeFinder{id: "amf", found: true},
			exec: func(context.Context, policy.Bindings) (policy.Result, error) {
				return policy.Result{Status: policy.StatusFailed, Outputs: policy.Bindings{"request": "partial"}}, nil
			},
			request: Text("r"), response: Text("s"), snapshot: true,
		},
		{
			name:   "lookup error",
			finder: fakeFinder{err: errors.New("registry down")},
			exec:   outputs(nil),
			request: Text("r"), response: Text("s"), snapshot: true,
		},
		{
			name:    "request unreadable",
			finder:  fakeFinder{id: "amf", found: true},
			exec:    outputs(policy.Bindings{"request": "x"}),
			request: Unreadable(errors.New("stream consumed")), response: Text("s"), snapshot: true,
		},
		{
			name:    "response unreadable without snapshot",
			finder:  fakeFinder{id: "amf", found: true},
			exec:    outputs(policy.Bindings{"request": "x"}),
			request: Text("r"), response: Unreadable(errors.New("stream consumed")),
		},
		{
			name:    "output of wrong type",
			finder:  fakeFinder{id: "amf", found: true},
			exec:    outputs(policy.Bindings{"request": "ok", "response": map[string]any{"a": 1}}),
			request: Text("r"), response: Text("s"), snapshot: true,
		},
		{
			name:   "timeout",
			finder: fakeFinder{id: "amf", found: true},
			exec: func(ctx context.Context, _ policy.Bindings) (policy.Result, error) {
				<-ctx.Done()
				return policy.Result{}, ctx.Err()
			},
			request: Text("r"), response: Text("s"), snapshot: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := messageRecord()
			if !tt.snapshot {
				rec.MessageFields.ResponseContent = nil
			}
			f := New(tt.finder, &fakeExecutor{fn: tt.exec}, 20*time.Millisecond, zap.NewNop().Sugar())

			res := f.FilterRecord(context.Background(), rec, tt.request, tt.response)
			assert.Equal(t, OutcomeFailedClosed, res.Outcome)
			assert.Error(t, res.Err)
			assert.Nil(t, rec.MessageFields.RequestContent)
			assert.Nil(t, rec.MessageFields.ResponseContent)
		})
	}
}

func TestFilterRecord_UnreadableResponseUsesSnapshot(t *testing.T) {
	rec := messageRecord()
	rec.MessageFields.ResponseContent = audit.String("<fault>captured</fault>")
	exec := &fakeExecutor{fn: outputs(policy.Bindings{})}

	res := newFilter(fakeFinder{id: "amf", found: true}, exec).FilterRecord(context.Background(), rec, Text("r"), Unreadable(errors.New("gone")))
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.Len(t, exec.calls, 1)
	assert.Equal(t, "<fault>captured</fault>", exec.calls[0][BindingResponse])
	assert.Equal(t, "<fault>captured</fault>", audit.Deref(rec.MessageFields.ResponseContent))
}

func TestFilterRecord_NilContentBindsNull(t *testing.T) {
	rec := messageRecord()
	rec.MessageFields.ResponseContent = nil
	exec := &fakeExecutor{fn: outputs(policy.Bindings{})}

	res := newFilter(fakeFinder{id: "amf", found: true}, exec).FilterRecord(context.Background(), rec, nil, nil)
	require.Equal(t, OutcomeApplied, res.Outcome)
	v, present := exec.calls[0][BindingRequest]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestFilterRecord_SkipsNonMessageAndSignedRecords(t *testing.T) {
	exec := &fakeExecutor{fn: outputs(nil)}
	f := newFilter(fakeFinder{id: "amf", found: true}, exec)

	sys := audit.NewSystemRecord("node-1", audit.LevelInfo, "gateway", "start", "started")
	assert.Equal(t, OutcomeSkipped, f.FilterRecord(context.Background(), sys, Text("r"), Text("s")).Outcome)

	signed := messageRecord()
	signed.MarkSigned()
	res := f.FilterRecord(context.Background(), signed, Text("r"), Text("s"))
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.ErrorIs(t, res.Err, audit.ErrAlreadySigned)
	assert.Equal(t, "old request", audit.Deref(signed.MessageFields.RequestContent))
	assert.Empty(t, exec.calls)
}

func TestFilterRecord_WithRegoPolicy(t *testing.T) {
	reg := policy.NewRegistry()
	require.NoError(t, reg.Put(policy.Policy{
		ID:  "amf",
		Tag: policy.TagMessageFilter,
		Module: `package audit.filter

request := regex.replace(input.request, "\"password\":\"[^\"]*\"", "\"password\":\"***\"")

response := null if contains(input.response, "secret")
`,
	}))
	engine := policy.NewEngine(reg, nil, zap.NewNop().Sugar())
	f := New(reg, engine, time.Second, zap.NewNop().Sugar())

	rec := messageRecord()
	res := f.FilterRecord(context.Background(), rec,
		Reader(strings.NewReader(`{"user":"bob","password":"hunter2"}`)),
		Text("top secret"))
	require.Equal(t, OutcomeApplied, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, `{"user":"bob","password":"***"}`, audit.Deref(rec.MessageFields.RequestContent))
	assert.Nil(t, rec.MessageFields.ResponseContent)
}
