// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/telekom/gateway-audit/pkg/audit"
)

// RecordBinding is the input key under which the router passes the record
// itself. It is not part of the Rego input; sink policies see the record
// through the "audit" variable tree instead.
const RecordBinding = "audit.record"

// DefaultSinkModule delivers every record to the policy's sinks.
const DefaultSinkModule = `package audit.sink

default allow := true

default deliver := true
`

// SinkLookup resolves the delivery targets named by sink policies.
type SinkLookup interface {
	Get(name string) (audit.Sink, bool)
}

// Engine executes registry policies with OPA. Each policy's module is compiled
// once per revision; its package document is the output of an execution.
//
// A document with allow == false is a failed execution. For audit-sink
// policies the engine then hands the record to the policy's sinks unless the
// document sets deliver == false; a sink error fails the execution.
type Engine struct {
	registry *Registry
	sinks    SinkLookup
	log      *zap.SugaredLogger

	mu       sync.Mutex
	compiled map[string]compiledPolicy
}

type compiledPolicy struct {
	revision uint64
	query    rego.PreparedEvalQuery
}

// NewEngine creates an engine over the given registry. sinks may be nil when
// no audit-sink policy delivers anywhere.
func NewEngine(registry *Registry, sinks SinkLookup, log *zap.SugaredLogger) *Engine {
	return &Engine{
		registry: registry,
		sinks:    sinks,
		log:      log,
		compiled: make(map[string]compiledPolicy),
	}
}

// Compile parses and prepares a policy module. It is used to validate policies
// before they are registered.
func Compile(ctx context.Context, p Policy) (rego.PreparedEvalQuery, error) {
	module, err := ast.ParseModule(p.ID+".rego", p.Module)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("parsing policy %s: %w", p.ID, err)
	}
	query := module.Package.Path.String()
	pq, err := rego.New(
		rego.Query(query),
		rego.Module(p.ID+".rego", p.Module),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("preparing policy %s: %w", p.ID, err)
	}
	return pq, nil
}

func (e *Engine) prepared(ctx context.Context, p Policy) (rego.PreparedEvalQuery, error) {
	e.mu.Lock()
	c, ok := e.compiled[p.ID]
	e.mu.Unlock()
	if ok && c.revision == p.revision {
		return c.query, nil
	}

	pq, err := Compile(ctx, p)
	if err != nil {
		return rego.PreparedEvalQuery{}, err
	}
	e.mu.Lock()
	e.compiled[p.ID] = compiledPolicy{revision: p.revision, query: pq}
	e.mu.Unlock()
	return pq, nil
}

// Execute implements Executor.
func (e *Engine) Execute(ctx context.Context, policyID string, in Bindings) (Result, error) {
	ctx, span := otel.Tracer("gateway-audit/policy").Start(ctx, "policy.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("policy.id", policyID))

	p, ok := e.registry.Get(policyID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, policyID)
	}
	span.SetAttributes(attribute.String("policy.tag", string(p.Tag)))

	pq, err := e.prepared(ctx, p)
	if err != nil {
		return Result{}, err
	}

	input := make(map[string]any, len(in))
	for k, v := range in {
		if k == RecordBinding {
			continue
		}
		input[k] = v
	}

	rs, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Result{}, fmt.Errorf("evaluating policy %s: %w", policyID, err)
	}

	res := Result{Status: StatusOK, Outputs: Bindings{}}
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		if doc, ok := rs[0].Expressions[0].Value.(map[string]any); ok {
			res.Outputs = doc
		}
	}
	if allow, ok := res.Outputs["allow"].(bool); ok && !allow {
		res.Status = StatusFailed
		res.Reason = reason(res.Outputs)
		return res, nil
	}

	if p.Tag == TagAuditSink && len(p.Sinks) > 0 {
		if deliver, ok := res.Outputs["deliver"].(bool); ok && !deliver {
			return res, nil
		}
		if err := e.deliver(ctx, p, in); err != nil {
			res.Status = StatusFailed
			res.Reason = err.Error()
		}
	}
	return res, nil
}

func (e *Engine) deliver(ctx context.Context, p Policy, in Bindings) error {
	rec, ok := in[RecordBinding].(*audit.Record)
	if !ok || rec == nil {
		return fmt.Errorf("sink policy %s executed without a record", p.ID)
	}
	if e.sinks == nil {
		return fmt.Errorf("sink policy %s has targets but no sinks are configured", p.ID)
	}
	for _, name := range p.Sinks {
		sink, ok := e.sinks.Get(name)
		if !ok {
			return fmt.Errorf("sink %q referenced by policy %s is not configured", name, p.ID)
		}
		if err := sink.Write(ctx, rec); err != nil {
			e.log.Warnw("Audit sink rejected record", "policy", p.ID, "sink", name, "record", rec.ID, "error", err)
			return fmt.Errorf("sink %s: %w", name, err)
		}
	}
	return nil
}

func reason(doc Bindings) string {
	if r, ok := doc["reason"].(string); ok {
		return r
	}
	switch d := doc["deny"].(type) {
	case []any:
		parts := make([]string, 0, len(d))
		for _, v := range d {
			parts = append(parts, fmt.Sprint(v))
		}
		return strings.Join(parts, "; ")
	case string:
		return d
	}
	return "policy returned allow = false"
}
