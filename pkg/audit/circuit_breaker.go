/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/gateway-audit/pkg/metrics"
)

// CircuitState is the state of a sink's circuit breaker.
type CircuitState int32

const (
	// CircuitClosed lets writes through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects writes until the open timeout has elapsed.
	CircuitOpen
	// CircuitHalfOpen lets a limited number of probe writes through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes that closes it again.
	// Default: 2
	SuccessThreshold int

	// OpenTimeout is how long the circuit stays open before probing.
	// Default: 30s
	OpenTimeout time.Duration

	// HalfOpenMaxRequests bounds concurrent probes while half-open.
	// Default: 1
	HalfOpenMaxRequests int

	// OnStateChange is called after every transition.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// ErrCircuitOpen is returned when a write is rejected by an open circuit.
// A rejected write counts as a failed delivery for the sink policy.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops hammering an external sink that keeps failing. The
// rejection is immediate, so a dead sink turns into a fast server-error
// routing outcome instead of a timeout per record.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     CircuitState
	fails     int
	successes int
	probes    int
	changed   time.Time
	lastErr   error
	rejected  int64
}

// NewCircuitBreaker creates a circuit breaker for the named sink.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}

	cb := &CircuitBreaker{
		name:    name,
		config:  cfg,
		logger:  logger.Named("circuit-breaker").With(zap.String("sink", name)),
		now:     time.Now,
		changed: time.Now(),
	}
	metrics.AuditCircuitBreakerState.WithLabelValues(name).Set(float64(CircuitClosed))
	return cb
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.admit() {
		metrics.AuditCircuitBreakerRejections.WithLabelValues(cb.name).Inc()
		return ErrCircuitOpen
	}

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.probes > 0 {
		cb.probes--
	}
	if err != nil {
		cb.onFailureLocked(err)
		return err
	}
	cb.onSuccessLocked()
	return nil
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.changed) < cb.config.OpenTimeout {
			cb.rejected++
			return false
		}
		cb.transitionLocked(CircuitHalfOpen)
		cb.probes = 1
		return true
	case CircuitHalfOpen:
		if cb.probes >= cb.config.HalfOpenMaxRequests {
			cb.rejected++
			return false
		}
		cb.probes++
		return true
	}
	return false
}

func (cb *CircuitBreaker) onSuccessLocked() {
	cb.fails = 0
	cb.successes++
	if cb.state == CircuitHalfOpen && cb.successes >= cb.config.SuccessThreshold {
		cb.transitionLocked(CircuitClosed)
	}
}

func (cb *CircuitBreaker) onFailureLocked(err error) {
	cb.lastErr = err
	cb.successes = 0
	cb.fails++
	switch cb.state {
	case CircuitClosed:
		if cb.fails >= cb.config.FailureThreshold {
			cb.transitionLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionLocked(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.changed = cb.now()
	cb.fails = 0
	cb.successes = 0
	cb.probes = 0

	cb.logger.Info("circuit breaker state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	metrics.AuditCircuitBreakerState.WithLabelValues(cb.name).Set(float64(to))

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats is a point-in-time view of a breaker.
type CircuitBreakerStats struct {
	State           CircuitState
	Failures        int
	Rejected        int64
	LastStateChange time.Time
	LastError       error
}

// Stats returns the current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:           cb.state,
		Failures:        cb.fails,
		Rejected:        cb.rejected,
		LastStateChange: cb.changed,
		LastError:       cb.lastErr,
	}
}

// Reset closes the circuit and clears the failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(CircuitClosed)
	cb.fails = 0
	cb.lastErr = nil
}

// CircuitBreakerSink wraps a Sink with circuit breaker protection.
type CircuitBreakerSink struct {
	sink    Sink
	breaker *CircuitBreaker
}

// NewCircuitBreakerSink wraps a sink with circuit breaker protection.
func NewCircuitBreakerSink(sink Sink, cfg CircuitBreakerConfig, logger *zap.Logger) *CircuitBreakerSink {
	return &CircuitBreakerSink{
		sink:    sink,
		breaker: NewCircuitBreaker(sink.Name(), cfg, logger),
	}
}

// Write delivers the record unless the circuit is open.
func (s *CircuitBreakerSink) Write(ctx context.Context, rec *Record) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.sink.Write(ctx, rec)
	})
}

// WriteBatch delivers the records as one protected call.
func (s *CircuitBreakerSink) WriteBatch(ctx context.Context, recs []*Record) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := WriteAll(ctx, s.sink, recs)
		return err
	})
}

// Close closes the underlying sink.
func (s *CircuitBreakerSink) Close() error {
	return s.sink.Close()
}

// Name returns the wrapped sink's name.
func (s *CircuitBreakerSink) Name() string {
	return s.sink.Name()
}

// Breaker exposes the breaker for health reporting.
func (s *CircuitBreakerSink) Breaker() *CircuitBreaker {
	return s.breaker
}
