// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/gateway-audit/pkg/metrics"
)

// SinkType selects the implementation of a configured sink.
type SinkType string

const (
	SinkTypeLog     SinkType = "log"
	SinkTypeKafka   SinkType = "kafka"
	SinkTypeWebhook SinkType = "webhook"
)

// SinkSpec is the configuration of one named delivery target.
type SinkSpec struct {
	Name string   `yaml:"name"`
	Type SinkType `yaml:"type"`

	Kafka   *KafkaSpec   `yaml:"kafka,omitempty"`
	Webhook *WebhookSpec `yaml:"webhook,omitempty"`

	// CircuitBreaker overrides the breaker settings of network sinks.
	CircuitBreaker *CircuitBreakerSpec `yaml:"circuitBreaker,omitempty"`
}

// KafkaSpec configures a Kafka sink. Certificate and key fields are file paths.
type KafkaSpec struct {
	Brokers     []string      `yaml:"brokers"`
	Topic       string        `yaml:"topic"`
	Compression string        `yaml:"compression"`
	Timeout     time.Duration `yaml:"timeout"`
	TLS         *struct {
		CAFile             string `yaml:"caFile"`
		CertFile           string `yaml:"certFile"`
		KeyFile            string `yaml:"keyFile"`
		InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	} `yaml:"tls,omitempty"`
	SASL *struct {
		Mechanism string `yaml:"mechanism"`
		Username  string `yaml:"username"`
		// PasswordEnv names the environment variable holding the password.
		PasswordEnv string `yaml:"passwordEnv"`
	} `yaml:"sasl,omitempty"`
}

// WebhookSpec configures a webhook sink.
type WebhookSpec struct {
	URL      string            `yaml:"url"`
	BatchURL string            `yaml:"batchURL"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// CircuitBreakerSpec overrides CircuitBreakerConfig defaults.
type CircuitBreakerSpec struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	SuccessThreshold int           `yaml:"successThreshold"`
	OpenTimeout      time.Duration `yaml:"openTimeout"`
}

// SinkHealth describes the state of one registered sink.
type SinkHealth struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	CircuitState string `json:"circuitState,omitempty"`
	Healthy      bool   `json:"healthy"`
	LastError    string `json:"lastError,omitempty"`
}

// SinkRegistry holds the named sinks that sink policies deliver to. It is
// rebuilt as a whole on configuration reload.
type SinkRegistry struct {
	mu     sync.RWMutex
	sinks  map[string]Sink
	types  map[string]SinkType
	logger *zap.Logger
}

// NewSinkRegistry creates an empty registry.
func NewSinkRegistry(logger *zap.Logger) *SinkRegistry {
	return &SinkRegistry{
		sinks:  make(map[string]Sink),
		types:  make(map[string]SinkType),
		logger: logger.Named("sink-registry"),
	}
}

// Register adds or replaces a sink under its own name.
func (r *SinkRegistry) Register(sink Sink, typ SinkType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sinks[sink.Name()]; ok {
		_ = old.Close()
	}
	r.sinks[sink.Name()] = sink
	r.types[sink.Name()] = typ
}

// Get returns the named sink.
func (r *SinkRegistry) Get(name string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[name]
	return s, ok
}

// Reload closes every registered sink and builds the given specs. A spec that
// fails to build is logged and skipped; the remaining sinks are still usable.
func (r *SinkRegistry) Reload(specs []SinkSpec) error {
	built := make(map[string]Sink, len(specs))
	types := make(map[string]SinkType, len(specs))
	var firstErr error
	for _, spec := range specs {
		sink, err := BuildSink(spec, r.logger)
		if err != nil {
			r.logger.Error("failed to build audit sink, skipping",
				zap.String("name", spec.Name),
				zap.String("type", string(spec.Type)),
				zap.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		built[spec.Name] = sink
		types[spec.Name] = spec.Type
	}

	r.mu.Lock()
	old := r.sinks
	r.sinks = built
	r.types = types
	r.mu.Unlock()

	for _, s := range old {
		_ = s.Close()
	}

	status := "success"
	if firstErr != nil {
		status = "error"
	}
	metrics.AuditConfigReloads.WithLabelValues(status).Inc()
	r.logger.Info("audit sinks configured", zap.Int("sinks", len(built)))
	return firstErr
}

// Health reports the state of every registered sink, sorted by name.
func (r *SinkRegistry) Health() []SinkHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SinkHealth, 0, len(r.sinks))
	for name, s := range r.sinks {
		h := SinkHealth{Name: name, Type: string(r.types[name]), Healthy: true}
		if cb, ok := s.(*CircuitBreakerSink); ok {
			stats := cb.Breaker().Stats()
			h.CircuitState = stats.State.String()
			h.Healthy = stats.State == CircuitClosed
			if stats.LastError != nil {
				h.LastError = stats.LastError.Error()
			}
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close closes all sinks.
func (r *SinkRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lastErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			lastErr = err
		}
	}
	r.sinks = make(map[string]Sink)
	r.types = make(map[string]SinkType)
	return lastErr
}

// BuildSink constructs the sink described by spec. Network sinks are wrapped
// in a circuit breaker.
func BuildSink(spec SinkSpec, logger *zap.Logger) (Sink, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("sink of type %q has no name", spec.Type)
	}
	switch spec.Type {
	case SinkTypeLog:
		return &namedLogSink{LogSink: NewLogSink(logger), name: spec.Name}, nil
	case SinkTypeKafka:
		sink, err := buildKafkaSink(spec, logger)
		if err != nil {
			return nil, err
		}
		return NewCircuitBreakerSink(sink, circuitConfig(spec), logger), nil
	case SinkTypeWebhook:
		if spec.Webhook == nil || spec.Webhook.URL == "" {
			return nil, fmt.Errorf("webhook sink %q requires a url", spec.Name)
		}
		sink := NewWebhookSink(WebhookSinkConfig{
			Name:     spec.Name,
			URL:      spec.Webhook.URL,
			BatchURL: spec.Webhook.BatchURL,
			Headers:  spec.Webhook.Headers,
			Timeout:  spec.Webhook.Timeout,
		}, logger)
		return NewCircuitBreakerSink(sink, circuitConfig(spec), logger), nil
	default:
		return nil, fmt.Errorf("unknown sink type %q", spec.Type)
	}
}

func buildKafkaSink(spec SinkSpec, logger *zap.Logger) (*KafkaSink, error) {
	k := spec.Kafka
	if k == nil {
		return nil, fmt.Errorf("kafka sink %q requires kafka settings", spec.Name)
	}
	cfg := KafkaSinkConfig{
		Name:             spec.Name,
		Brokers:          k.Brokers,
		Topic:            k.Topic,
		WriteTimeout:     k.Timeout,
		CompressionCodec: k.Compression,
	}
	if k.TLS != nil {
		tlsCfg := &KafkaTLSConfig{Enabled: true, InsecureSkipVerify: k.TLS.InsecureSkipVerify}
		var err error
		if tlsCfg.CACert, err = readOptional(k.TLS.CAFile); err != nil {
			return nil, err
		}
		if tlsCfg.ClientCert, err = readOptional(k.TLS.CertFile); err != nil {
			return nil, err
		}
		if tlsCfg.ClientKey, err = readOptional(k.TLS.KeyFile); err != nil {
			return nil, err
		}
		cfg.TLS = tlsCfg
	}
	if k.SASL != nil {
		cfg.SASL = &KafkaSASLConfig{
			Mechanism: k.SASL.Mechanism,
			Username:  k.SASL.Username,
			Password:  os.Getenv(k.SASL.PasswordEnv),
		}
	}
	return NewKafkaSink(cfg, logger)
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return b, nil
}

func circuitConfig(spec SinkSpec) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if cb := spec.CircuitBreaker; cb != nil {
		if cb.FailureThreshold > 0 {
			cfg.FailureThreshold = cb.FailureThreshold
		}
		if cb.SuccessThreshold > 0 {
			cfg.SuccessThreshold = cb.SuccessThreshold
		}
		if cb.OpenTimeout > 0 {
			cfg.OpenTimeout = cb.OpenTimeout
		}
	}
	return cfg
}

// namedLogSink lets several log sinks coexist under different names.
type namedLogSink struct {
	*LogSink
	name string
}

func (s *namedLogSink) Name() string { return s.name }
