// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package pipeline finishes audit records: it attaches accumulated details,
// filters message content, signs the record and routes it. Everything runs on
// the caller's goroutine; failures are absorbed and audited, never returned to
// the operation that produced the record.
package pipeline

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
	"github.com/telekom/gateway-audit/pkg/audit/cluster"
	"github.com/telekom/gateway-audit/pkg/audit/filter"
	"github.com/telekom/gateway-audit/pkg/audit/router"
	"github.com/telekom/gateway-audit/pkg/audit/signer"
	"github.com/telekom/gateway-audit/pkg/metrics"
	"github.com/telekom/gateway-audit/pkg/policy"
	"github.com/telekom/gateway-audit/pkg/properties"
	"github.com/telekom/gateway-audit/pkg/ratelimit"
	"github.com/telekom/gateway-audit/pkg/store"
)

// Components of the system records the pipeline writes about itself.
const (
	ComponentPipeline   = "audit-pipeline"
	ComponentProperties = "audit-properties"
)

// Message ids of the details attached to self-audit records.
const (
	MessageRoutingFailed = 9001
	MessageFilterFailed  = 9002
	MessageSigningFailed = 9003
)

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Properties properties.Store
	Finder     policy.Finder
	Executor   policy.Executor
	Store      store.RecordStore
	// Signer may be nil, in which case records are routed unsigned.
	Signer *signer.Signer
}

// Options tune a Pipeline.
type Options struct {
	NodeID        string
	PolicyTimeout time.Duration
	FilterTimeout time.Duration
	// FailureAudit limits how many self-audit records are written per
	// failure stage.
	FailureAudit ratelimit.Config
}

// Pipeline is the audit pipeline of one node.
type Pipeline struct {
	nodeID  string
	props   properties.Store
	store   store.RecordStore
	signer  *signer.Signer
	filter  *filter.Filter
	router  *router.Router
	tracker *cluster.Tracker
	limiter *ratelimit.Limiter
	log     *zap.SugaredLogger
}

// New wires a pipeline. Its router starts closed; call Start once the node is
// ready to deliver records.
func New(deps Deps, opts Options, log *zap.SugaredLogger) (*Pipeline, error) {
	if deps.Properties == nil || deps.Finder == nil || deps.Executor == nil || deps.Store == nil {
		return nil, errors.New("pipeline requires properties, policy finder, policy executor and record store")
	}
	if opts.NodeID == "" {
		return nil, errors.New("pipeline requires a node id")
	}
	if opts.FailureAudit.Rate <= 0 {
		opts.FailureAudit = ratelimit.DefaultSelfAuditConfig()
	}

	p := &Pipeline{
		nodeID:  opts.NodeID,
		props:   deps.Properties,
		store:   deps.Store,
		signer:  deps.Signer,
		tracker: cluster.NewTracker(),
		limiter: ratelimit.New(opts.FailureAudit),
		log:     log,
	}
	p.filter = filter.New(deps.Finder, deps.Executor, opts.FilterTimeout, log.Named("filter"))
	p.router = router.New(deps.Properties, deps.Finder, deps.Executor, deps.Store, log.Named("router"), router.Options{
		PolicyTimeout: opts.PolicyTimeout,
		OnFailure:     p.routingFailed,
	})
	return p, nil
}

// Router returns the pipeline's router.
func (p *Pipeline) Router() *router.Router { return p.router }

// Tracker returns the pipeline's property tracker.
func (p *Pipeline) Tracker() *cluster.Tracker { return p.tracker }

// NodeID returns the node id stamped on records the pipeline creates.
func (p *Pipeline) NodeID() string { return p.nodeID }

// Start seeds the property tracker with the current values and opens the
// router, delivering the records produced so far.
func (p *Pipeline) Start(ctx context.Context) error {
	values, err := p.props.List(ctx)
	if err != nil {
		return fmt.Errorf("loading audit properties: %w", err)
	}
	p.tracker.Load(values)
	p.publishInternalState()
	outcomes := p.router.Open(ctx)
	p.log.Infow("Audit pipeline started", "node", p.nodeID, "drained", len(outcomes),
		"internalAudit", p.tracker.InternalAuditEnabled())
	return nil
}

// Watch narrates property changes made anywhere in the cluster until ctx is
// done. Once the subscription is live it re-reads the properties, so changes
// made between Start and the subscription are narrated too.
func (p *Pipeline) Watch(ctx context.Context) error {
	var mu sync.Mutex
	err := p.props.Watch(ctx, func(c properties.Change) {
		mu.Lock()
		defer mu.Unlock()
		p.HandlePropertyChange(ctx, c)
	}, func() {
		mu.Lock()
		defer mu.Unlock()
		p.resync(ctx)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// resync feeds the current value of every tracked property through the
// tracker. Values the tracker already holds produce no events.
func (p *Pipeline) resync(ctx context.Context) {
	values, err := p.props.List(ctx)
	if err != nil {
		p.log.Warnw("Failed to re-read audit properties after subscribing", "error", err)
		return
	}
	for _, name := range []string{properties.SinkPolicy, properties.AlwaysSaveInternal} {
		v, found := values[name]
		p.HandlePropertyChange(ctx, properties.Change{Name: name, Value: v, Deleted: !found})
	}
}

// Close releases the pipeline's background resources.
func (p *Pipeline) Close() {
	p.limiter.Stop()
}

// Finish attaches the details accumulated in scope, filters the content of
// message records, signs the record and routes it. scope, request and
// response may be nil.
func (p *Pipeline) Finish(ctx context.Context, scope *audit.Context, rec *audit.Record, request, response filter.Content) router.Outcome {
	ctx, span := otel.Tracer("gateway-audit/pipeline").Start(ctx, "pipeline.Finish")
	defer span.End()
	span.SetAttributes(
		attribute.String("audit.record.id", rec.ID),
		attribute.String("audit.record.type", string(rec.Category)),
	)

	if scope != nil {
		scope.Flush(rec)
	}

	if rec.MessageFields != nil {
		res := p.filter.FilterRecord(ctx, rec, request, response)
		if res.Outcome == filter.OutcomeFailedClosed {
			p.selfAudit(ctx, "filter", MessageFilterFailed, rec.ID, res.PolicyID, res.Err)
		}
	}

	if p.signer != nil {
		if err := p.signer.Sign(rec); err != nil {
			// an unsigned record is still better than a lost one
			p.log.Errorw("Failed to sign audit record", "record", rec.ID, "error", err)
			p.selfAudit(ctx, "sign", MessageSigningFailed, rec.ID, "", err)
		}
	}

	outcome := p.router.RouteRecord(ctx, rec)
	span.SetAttributes(attribute.String("audit.route.outcome", string(outcome)))
	return outcome
}

// EmitSystem finishes a system record for component and action.
func (p *Pipeline) EmitSystem(ctx context.Context, level audit.Level, component, action, message string, details ...audit.Detail) router.Outcome {
	rec := audit.NewSystemRecord(p.nodeID, level, component, action, message)
	var scope *audit.Context
	if len(details) > 0 {
		scope = audit.NewContext()
		for _, d := range details {
			scope.AddDetail(d, component)
		}
	}
	return p.Finish(ctx, scope, rec, nil, nil)
}

// HandlePropertyChange applies a property change to the tracker and emits a
// system record for each narrative it produces.
func (p *Pipeline) HandlePropertyChange(ctx context.Context, c properties.Change) []cluster.NarrativeEvent {
	events := p.tracker.ObservePropertyChange(c.Name, c.Value, !c.Deleted)
	for _, e := range events {
		p.log.Infow("Audit property transition", "event", e.Event, "property", e.Property)
		p.EmitSystem(ctx, e.Level, ComponentProperties, string(e.Event), e.Message)
	}
	if len(events) > 0 {
		p.publishInternalState()
	}
	return events
}

func (p *Pipeline) publishInternalState() {
	v := 0.0
	if p.tracker.InternalAuditEnabled() {
		v = 1
	}
	metrics.AuditInternalEnabled.Set(v)
}

func (p *Pipeline) routingFailed(ctx context.Context, f router.Failure) {
	p.selfAudit(ctx, "route-"+string(f.Stage), MessageRoutingFailed, f.Record.ID, f.PolicyID, f.Err)
}

// selfAudit records a pipeline failure. The record is written straight to
// internal storage: routing it would recurse into the router that may have
// reported the failure.
func (p *Pipeline) selfAudit(ctx context.Context, stage string, messageID int, recordID, policyID string, cause error) {
	if !p.limiter.Allow(stage) {
		metrics.AuditSelfFailures.WithLabelValues(stage, "suppressed").Inc()
		return
	}

	rec := audit.NewSystemRecord(p.nodeID, audit.LevelWarning, ComponentPipeline, "failure",
		fmt.Sprintf("Audit %s failed for record %s", stage, recordID))
	detail := audit.Detail{
		MessageID: messageID,
		Level:     audit.LevelWarning,
		Params:    []string{stage, recordID, policyID},
	}
	if cause != nil {
		detail.Cause = cause.Error()
	}
	scope := audit.NewContext()
	scope.AddDetail(detail, ComponentPipeline)
	scope.Flush(rec)

	if p.signer != nil {
		if err := p.signer.Sign(rec); err != nil {
			p.log.Warnw("Failed to sign self-audit record", "record", rec.ID, "error", err)
		}
	}
	if err := p.store.StoreRecord(ctx, rec); err != nil {
		metrics.AuditSelfFailures.WithLabelValues(stage, "error").Inc()
		p.log.Errorw("Failed to store self-audit record", "stage", stage, "record", recordID, "error", err)
		return
	}
	metrics.AuditSelfFailures.WithLabelValues(stage, "written").Inc()
}
