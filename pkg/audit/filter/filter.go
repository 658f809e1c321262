// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package filter applies the audit message filter policy to the request and
// response content of message records before they are signed.
//
// The filter fails closed: when content cannot be read or the policy does not
// succeed, both content fields are removed from the record. Failures are
// never returned to the caller.
package filter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/telekom/gateway-audit/pkg/audit"
	"github.com/telekom/gateway-audit/pkg/metrics"
	"github.com/telekom/gateway-audit/pkg/policy"
)

// Policy input and output variable names.
const (
	BindingRequest  = "request"
	BindingResponse = "response"
)

// DefaultTimeout bounds a filter policy execution.
const DefaultTimeout = 5 * time.Second

// Content is live message content that may fail to read, such as a streamed
// body that was already consumed.
type Content interface {
	ReadContent() (string, error)
}

type textContent string

func (c textContent) ReadContent() (string, error) { return string(c), nil }

// Text returns content that always reads as s.
func Text(s string) Content { return textContent(s) }

type readerContent struct{ r io.Reader }

func (c readerContent) ReadContent() (string, error) {
	b, err := io.ReadAll(c.r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Reader returns content read from r on first use.
func Reader(r io.Reader) Content { return readerContent{r: r} }

type unreadable struct{ err error }

func (c unreadable) ReadContent() (string, error) { return "", c.err }

// Unreadable returns content that fails with err.
func Unreadable(err error) Content { return unreadable{err: err} }

// Outcome classifies what FilterRecord did.
type Outcome string

const (
	// OutcomeNoPolicy means no filter policy is configured; content is untouched.
	OutcomeNoPolicy Outcome = "no-policy"
	// OutcomeSkipped means the record carries no message content to filter.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeApplied means the policy ran and its outputs were applied.
	OutcomeApplied Outcome = "applied"
	// OutcomeFailedClosed means both content fields were removed.
	OutcomeFailedClosed Outcome = "failed-closed"
)

// Result reports the outcome of a filter run for logging and self-audit.
type Result struct {
	Outcome  Outcome
	PolicyID string
	// Err is the failure that caused OutcomeFailedClosed.
	Err error
}

// Filter runs the policy tagged audit-message-filter.
type Filter struct {
	finder  policy.Finder
	exec    policy.Executor
	timeout time.Duration
	log     *zap.SugaredLogger
}

// New creates a filter. A non-positive timeout selects DefaultTimeout.
func New(finder policy.Finder, exec policy.Executor, timeout time.Duration, log *zap.SugaredLogger) *Filter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Filter{finder: finder, exec: exec, timeout: timeout, log: log}
}

// FilterRecord rewrites the content fields of rec with the filter policy's
// outputs. A present output replaces the field, an output bound to null
// removes it, and a missing output leaves the field as it is. request and
// response may be nil when there is no live content.
func (f *Filter) FilterRecord(ctx context.Context, rec *audit.Record, request, response Content) Result {
	ctx, span := otel.Tracer("gateway-audit/filter").Start(ctx, "filter.FilterRecord")
	defer span.End()

	res := f.filter(ctx, rec, request, response)
	span.SetAttributes(attribute.String("filter.outcome", string(res.Outcome)))
	metrics.AuditFilterResults.WithLabelValues(string(res.Outcome)).Inc()
	return res
}

func (f *Filter) filter(ctx context.Context, rec *audit.Record, request, response Content) Result {
	if rec.MessageFields == nil {
		return Result{Outcome: OutcomeSkipped}
	}
	if rec.Signed() {
		return Result{Outcome: OutcomeSkipped, Err: audit.ErrAlreadySigned}
	}

	id, found, err := f.finder.FindPolicyByTag(ctx, policy.TagMessageFilter)
	if err != nil {
		return f.failClosed(rec, "", fmt.Errorf("looking up filter policy: %w", err))
	}
	if !found {
		return Result{Outcome: OutcomeNoPolicy}
	}

	req, err := read(request)
	if err != nil {
		return f.failClosed(rec, id, fmt.Errorf("reading request content: %w", err))
	}
	if response == nil && rec.MessageFields.ResponseContent != nil {
		response = Text(*rec.MessageFields.ResponseContent)
	}
	resp, err := read(response)
	if err != nil {
		if rec.MessageFields.ResponseContent == nil {
			return f.failClosed(rec, id, fmt.Errorf("reading response content: %w", err))
		}
		f.log.Debugw("Response unreadable, filtering the captured response instead", "record", rec.ID, "error", err)
		resp = *rec.MessageFields.ResponseContent
	}

	execCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	out, err := f.exec.Execute(execCtx, id, policy.Bindings{
		BindingRequest:  req,
		BindingResponse: resp,
	})
	if err != nil {
		return f.failClosed(rec, id, fmt.Errorf("executing filter policy %s: %w", id, err))
	}
	if !out.OK() {
		return f.failClosed(rec, id, fmt.Errorf("filter policy %s failed: %s", id, out.Reason))
	}

	newReq, err := output(out.Outputs, BindingRequest, rec.MessageFields.RequestContent)
	if err != nil {
		return f.failClosed(rec, id, err)
	}
	newResp, err := output(out.Outputs, BindingResponse, rec.MessageFields.ResponseContent)
	if err != nil {
		return f.failClosed(rec, id, err)
	}
	if err := rec.SetContent(newReq, newResp); err != nil {
		return f.failClosed(rec, id, err)
	}
	return Result{Outcome: OutcomeApplied, PolicyID: id}
}

// read returns nil when there is no content, so the policy sees null.
func read(c Content) (any, error) {
	if c == nil {
		return nil, nil
	}
	s, err := c.ReadContent()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func output(outputs policy.Bindings, name string, current *string) (*string, error) {
	v, present := outputs[name]
	if !present {
		return current, nil
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return &t, nil
	}
	return nil, fmt.Errorf("filter output %q is %T, want string or null", name, v)
}

func (f *Filter) failClosed(rec *audit.Record, policyID string, err error) Result {
	if serr := rec.SetContent(nil, nil); serr != nil {
		err = errors.Join(err, serr)
	}
	f.log.Warnw("Audit message filter failed, content removed", "record", rec.ID, "policy", policyID, "error", err)
	return Result{Outcome: OutcomeFailedClosed, PolicyID: policyID, Err: err}
}
