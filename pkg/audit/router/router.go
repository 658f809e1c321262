// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package router decides where a signed audit record goes: to the external
// sink selected by the cluster's sink policy, to internal storage, or both.
//
// Records routed before the service has started are queued and delivered in
// order when Open is called.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/telekom/gateway-audit/pkg/audit"
	"github.com/telekom/gateway-audit/pkg/metrics"
	"github.com/telekom/gateway-audit/pkg/policy"
	"github.com/telekom/gateway-audit/pkg/properties"
)

// Outcome is the result of routing one record.
type Outcome string

const (
	// DeliveredExternal means the sink policy accepted the record.
	DeliveredExternal Outcome = "delivered-external"
	// NotConfigured means no sink policy is set; the record went to internal storage.
	NotConfigured Outcome = "not-configured"
	// Queued means the router is not open yet.
	Queued Outcome = "queued"
	// ServerError means the sink policy could not be resolved or did not succeed.
	ServerError Outcome = "server-error"
)

// DefaultPolicyTimeout bounds a sink policy execution.
const DefaultPolicyTimeout = 10 * time.Second

// Persister is internal audit storage.
type Persister interface {
	StoreRecord(ctx context.Context, rec *audit.Record) error
}

// Stage names the step of routing that failed.
type Stage string

const (
	StageProperties Stage = "properties"
	StageLookup     Stage = "lookup"
	StageExecute    Stage = "execute"
	StageStore      Stage = "store"
)

// Failure describes a routing problem handed to the failure callback.
type Failure struct {
	Stage    Stage
	PolicyID string
	Record   *audit.Record
	Err      error
}

// FailureFunc is called synchronously for every routing failure. It must not
// call back into the router.
type FailureFunc func(ctx context.Context, f Failure)

// Options configure a Router.
type Options struct {
	PolicyTimeout time.Duration
	OnFailure     FailureFunc
}

// Router routes records. It starts closed.
type Router struct {
	props   properties.Getter
	finder  policy.Finder
	exec    policy.Executor
	store   Persister
	log     *zap.SugaredLogger
	timeout time.Duration
	failed  FailureFunc

	// gate makes Open exclusive with respect to RouteRecord so that the queue
	// is drained before any new record is routed.
	gate sync.RWMutex

	mu    sync.Mutex
	open  bool
	queue []*audit.Record
}

// New creates a closed router.
func New(props properties.Getter, finder policy.Finder, exec policy.Executor, store Persister, log *zap.SugaredLogger, opts Options) *Router {
	r := &Router{
		props:   props,
		finder:  finder,
		exec:    exec,
		store:   store,
		log:     log,
		timeout: opts.PolicyTimeout,
		failed:  opts.OnFailure,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultPolicyTimeout
	}
	return r
}

// RouteRecord queues rec while the router is closed and routes it otherwise.
func (r *Router) RouteRecord(ctx context.Context, rec *audit.Record) Outcome {
	r.gate.RLock()
	defer r.gate.RUnlock()

	r.mu.Lock()
	if !r.open {
		r.queue = append(r.queue, rec)
		metrics.AuditRecordsQueued.Set(float64(len(r.queue)))
		r.mu.Unlock()
		metrics.AuditRecordsRouted.WithLabelValues(string(Queued)).Inc()
		return Queued
	}
	r.mu.Unlock()

	return r.route(ctx, rec)
}

// Open routes the queued records in the order they arrived and switches the
// router to immediate routing. Only the first call has an effect; it returns
// the outcomes of the drained records, later calls return nil.
func (r *Router) Open(ctx context.Context) []Outcome {
	r.gate.Lock()
	defer r.gate.Unlock()

	r.mu.Lock()
	if r.open {
		r.mu.Unlock()
		return nil
	}
	queue := r.queue
	r.queue = nil
	r.open = true
	r.mu.Unlock()
	metrics.AuditRecordsQueued.Set(0)

	r.log.Infow("Audit router open", "queued", len(queue))
	outcomes := make([]Outcome, 0, len(queue))
	for _, rec := range queue {
		outcomes = append(outcomes, r.route(ctx, rec))
	}
	return outcomes
}

// IsOpen reports whether Open has been called.
func (r *Router) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// IsInternalAuditEnabled reports whether records currently reach internal
// storage: when no sink policy is set, or when the fallback flag is set. It is
// true when the properties cannot be read.
func (r *Router) IsInternalAuditEnabled(ctx context.Context) bool {
	sink, found, err := r.props.Get(ctx, properties.SinkPolicy)
	if err != nil || !properties.Configured(sink, found) {
		return true
	}
	return r.fallback(ctx)
}

func (r *Router) fallback(ctx context.Context) bool {
	v, found, err := r.props.Get(ctx, properties.AlwaysSaveInternal)
	if err != nil {
		r.log.Warnw("Cannot read audit fallback property, assuming false", "error", err)
		return false
	}
	return properties.Flag(v, found)
}

func (r *Router) route(ctx context.Context, rec *audit.Record) Outcome {
	ctx, span := otel.Tracer("gateway-audit/router").Start(ctx, "router.RouteRecord")
	defer span.End()
	span.SetAttributes(attribute.String("audit.record.id", rec.ID))

	outcome := r.routeOnce(ctx, rec)
	span.SetAttributes(attribute.String("audit.route.outcome", string(outcome)))
	metrics.AuditRecordsRouted.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (r *Router) routeOnce(ctx context.Context, rec *audit.Record) Outcome {
	sinkID, found, err := r.props.Get(ctx, properties.SinkPolicy)
	if err != nil {
		// without the sink property the record would be lost, keep it
		r.fail(ctx, Failure{Stage: StageProperties, Record: rec, Err: err})
		r.storeInternal(ctx, rec, "")
		return ServerError
	}
	if !properties.Configured(sinkID, found) {
		r.storeInternal(ctx, rec, "")
		return NotConfigured
	}

	fallback := r.fallback(ctx)

	id, found, err := r.finder.FindPolicyByName(ctx, sinkID)
	if err == nil && !found {
		err = fmt.Errorf("%w: %s", policy.ErrPolicyNotFound, sinkID)
	}
	if err != nil {
		r.fail(ctx, Failure{Stage: StageLookup, PolicyID: sinkID, Record: rec, Err: err})
		if fallback {
			r.storeInternal(ctx, rec, sinkID)
		}
		return ServerError
	}

	if err := r.execute(ctx, id, rec); err != nil {
		r.fail(ctx, Failure{Stage: StageExecute, PolicyID: id, Record: rec, Err: err})
		if fallback {
			r.storeInternal(ctx, rec, id)
		}
		return ServerError
	}
	if fallback {
		r.storeInternal(ctx, rec, id)
	}
	return DeliveredExternal
}

func (r *Router) execute(ctx context.Context, id string, rec *audit.Record) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	in := policy.Bindings(audit.Bindings(rec))
	in[policy.RecordBinding] = rec

	start := time.Now()
	res, err := r.exec.Execute(ctx, id, in)
	status := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case err != nil:
		status = "error"
	case !res.OK():
		status = "failed"
	}
	metrics.AuditSinkPolicyDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("executing sink policy %s: %w", id, err)
	}
	if !res.OK() {
		return fmt.Errorf("sink policy %s failed: %s", id, res.Reason)
	}
	return nil
}

func (r *Router) storeInternal(ctx context.Context, rec *audit.Record, policyID string) {
	if policyID != "" {
		metrics.AuditFallbackStores.Inc()
	}
	if err := r.store.StoreRecord(ctx, rec); err != nil {
		r.fail(ctx, Failure{Stage: StageStore, PolicyID: policyID, Record: rec, Err: err})
	}
}

func (r *Router) fail(ctx context.Context, f Failure) {
	r.log.Warnw("Audit routing failed", "stage", f.Stage, "policy", f.PolicyID, "record", f.Record.ID, "error", f.Err)
	if r.failed != nil {
		r.failed(ctx, f)
	}
}
