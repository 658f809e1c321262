// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBuildSink(t *testing.T) {
	logger := zaptest.NewLogger(t)
	tests := []struct {
		name    string
		spec    SinkSpec
		wantErr string
		check   func(t *testing.T, s Sink)
	}{
		{
			name: "log",
			spec: SinkSpec{Name: "audit-log", Type: SinkTypeLog},
			check: func(t *testing.T, s Sink) {
				assert.Equal(t, "audit-log", s.Name())
			},
		},
		{
			name: "webhook is breaker protected",
			spec: SinkSpec{Name: "siem", Type: SinkTypeWebhook, Webhook: &WebhookSpec{URL: "http://127.0.0.1:1/audit"}},
			check: func(t *testing.T, s Sink) {
				cb, ok := s.(*CircuitBreakerSink)
				require.True(t, ok)
				assert.Equal(t, "siem", cb.Name())
			},
		},
		{
			name: "kafka",
			spec: SinkSpec{
				Name: "stream", Type: SinkTypeKafka,
				Kafka:          &KafkaSpec{Brokers: []string{"localhost:9092"}, Topic: "audit"},
				CircuitBreaker: &CircuitBreakerSpec{FailureThreshold: 2},
			},
			check: func(t *testing.T, s Sink) {
				_, ok := s.(*CircuitBreakerSink)
				assert.True(t, ok)
			},
		},
		{name: "no name", spec: SinkSpec{Type: SinkTypeLog}, wantErr: "no name"},
		{name: "webhook without url", spec: SinkSpec{Name: "w", Type: SinkTypeWebhook}, wantErr: "requires a url"},
		{name: "kafka without settings", spec: SinkSpec{Name: "k", Type: SinkTypeKafka}, wantErr: "requires kafka settings"},
		{name: "unknown", spec: SinkSpec{Name: "x", Type: "syslog"}, wantErr: "unknown sink type"},
		{
			name: "missing tls file",
			spec: func() SinkSpec {
				s := SinkSpec{Name: "k", Type: SinkTypeKafka, Kafka: &KafkaSpec{Brokers: []string{"b:9092"}, Topic: "t"}}
				s.Kafka.TLS = &struct {
					CAFile             string `yaml:"caFile"`
					CertFile           string `yaml:"certFile"`
					KeyFile            string `yaml:"keyFile"`
					InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
				}{CAFile: "/does/not/exist.pem"}
				return s
			}(),
			wantErr: "exist.pem",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := BuildSink(tt.spec, logger)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			tt.check(t, s)
		})
	}
}

func TestCircuitConfig(t *testing.T) {
	def := DefaultCircuitBreakerConfig()
	assert.Equal(t, def, circuitConfig(SinkSpec{}))

	cfg := circuitConfig(SinkSpec{CircuitBreaker: &CircuitBreakerSpec{SuccessThreshold: 4, OpenTimeout: time.Minute}})
	assert.Equal(t, def.FailureThreshold, cfg.FailureThreshold)
	assert.Equal(t, 4, cfg.SuccessThreshold)
	assert.Equal(t, time.Minute, cfg.OpenTimeout)
}

func TestReadOptional(t *testing.T) {
	b, err := readOptional("")
	require.NoError(t, err)
	assert.Nil(t, b)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("pem"), 0o600))
	b, err = readOptional(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("pem"), b)
}

func TestSinkRegistryReload(t *testing.T) {
	reg := NewSinkRegistry(zaptest.NewLogger(t))
	t.Cleanup(func() { _ = reg.Close() })

	err := reg.Reload([]SinkSpec{
		{Name: "log", Type: SinkTypeLog},
		{Name: "broken", Type: SinkTypeWebhook},
	})
	assert.Error(t, err, "the first build error is reported")

	_, ok := reg.Get("log")
	assert.True(t, ok)
	_, ok = reg.Get("broken")
	assert.False(t, ok, "a sink that fails to build is skipped")

	old := &mockSink{name: "manual"}
	reg.Register(old, SinkTypeLog)
	require.NoError(t, reg.Reload([]SinkSpec{{Name: "other", Type: SinkTypeLog}}))
	assert.True(t, old.closed, "reload closes the previous sinks")
	_, ok = reg.Get("log")
	assert.False(t, ok)
}

func TestSinkRegistryRegisterReplaces(t *testing.T) {
	reg := NewSinkRegistry(zaptest.NewLogger(t))
	first := &mockSink{name: "s"}
	second := &mockSink{name: "s"}
	reg.Register(first, SinkTypeLog)
	reg.Register(second, SinkTypeLog)

	got, ok := reg.Get("s")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.True(t, first.closed)

	require.NoError(t, reg.Close())
	assert.True(t, second.closed)
	_, ok = reg.Get("s")
	assert.False(t, ok)
}

func TestSinkRegistryHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	reg := NewSinkRegistry(zaptest.NewLogger(t))
	t.Cleanup(func() { _ = reg.Close() })
	require.NoError(t, reg.Reload([]SinkSpec{
		{Name: "b-log", Type: SinkTypeLog},
		{
			Name: "a-hook", Type: SinkTypeWebhook,
			Webhook:        &WebhookSpec{URL: srv.URL},
			CircuitBreaker: &CircuitBreakerSpec{FailureThreshold: 1, OpenTimeout: time.Hour},
		},
	}))

	hook, ok := reg.Get("a-hook")
	require.True(t, ok)
	assert.Error(t, hook.Write(context.Background(), &Record{ID: "r1"}))
	assert.True(t, errors.Is(hook.Write(context.Background(), &Record{ID: "r2"}), ErrCircuitOpen))

	health := reg.Health()
	require.Len(t, health, 2)
	assert.Equal(t, "a-hook", health[0].Name)
	assert.Equal(t, "open", health[0].CircuitState)
	assert.False(t, health[0].Healthy)
	assert.Contains(t, health[0].LastError, "502")

	assert.Equal(t, "b-log", health[1].Name)
	assert.True(t, health[1].Healthy)
	assert.Empty(t, health[1].CircuitState)
}
