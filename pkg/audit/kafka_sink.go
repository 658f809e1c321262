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
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"go.uber.org/zap"

	"github.com/telekom/gateway-audit/pkg/metrics"
)

// KafkaSinkConfig configures a KafkaSink.
type KafkaSinkConfig struct {
	Name    string
	Brokers []string
	Topic   string

	TLS  *KafkaTLSConfig
	SASL *KafkaSASLConfig

	// BatchTimeout bounds how long the writer waits to fill a batch.
	// Default: 10ms, since every write is synchronous.
	BatchTimeout time.Duration

	// WriteTimeout is the timeout for writing messages.
	// Default: 10 seconds
	WriteTimeout time.Duration

	// RequiredAcks: -1 all replicas, 1 leader only. Zero means -1.
	RequiredAcks int

	// CompressionCodec is one of "none", "gzip", "snappy", "lz4", "zstd".
	// Default: "snappy"
	CompressionCodec string
}

// KafkaTLSConfig holds TLS configuration for Kafka connections.
type KafkaTLSConfig struct {
	Enabled            bool
	CACert             []byte
	ClientCert         []byte
	ClientKey          []byte
	InsecureSkipVerify bool
}

// KafkaSASLConfig holds SASL authentication configuration.
type KafkaSASLConfig struct {
	// Mechanism is one of "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"
	Mechanism string
	Username  string
	Password  string
}

// KafkaSink publishes audit records to a Kafka topic. Writes are always
// synchronous: a nil error means the broker acknowledged the record, which is
// what a sink policy reports as delivered.
type KafkaSink struct {
	name   string
	writer *kafka.Writer
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewKafkaSink creates a new KafkaSink.
func NewKafkaSink(cfg KafkaSinkConfig, logger *zap.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	transport := &kafka.Transport{}
	if cfg.TLS != nil && cfg.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		transport.TLS = tlsConfig
	}
	if cfg.SASL != nil && cfg.SASL.Mechanism != "" {
		mechanism, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			return nil, fmt.Errorf("failed to build SASL mechanism: %w", err)
		}
		transport.SASL = mechanism
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = -1
	}

	var compression kafka.Compression
	switch cfg.CompressionCodec {
	case "none":
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "snappy", "":
		compression = kafka.Snappy
	default:
		return nil, fmt.Errorf("unknown compression codec %q", cfg.CompressionCodec)
	}

	name := cfg.Name
	if name == "" {
		name = "kafka"
	}

	sink := &KafkaSink{
		name: name,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           batchTimeout,
			WriteTimeout:           writeTimeout,
			RequiredAcks:           kafka.RequiredAcks(requiredAcks),
			Compression:            compression,
			Transport:              transport,
			AllowAutoTopicCreation: false,
		},
		logger: logger.Named("kafka-audit"),
	}
	metrics.AuditSinkConnected.WithLabelValues(name).Set(1)

	sink.logger.Info("Kafka audit sink created",
		zap.String("name", name),
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.Bool("tls_enabled", cfg.TLS != nil && cfg.TLS.Enabled),
		zap.Bool("sasl_enabled", cfg.SASL != nil && cfg.SASL.Mechanism != ""))

	return sink, nil
}

// Write publishes the record keyed by its id, so all copies of one record land
// on the same partition.
func (s *KafkaSink) Write(ctx context.Context, rec *Record) error {
	msg, err := recordMessage(rec)
	if err != nil {
		metrics.AuditSinkErrors.WithLabelValues(s.name, "serialization").Inc()
		return err
	}
	return s.write(ctx, msg)
}

// WriteBatch publishes several records in a single produce request.
func (s *KafkaSink) WriteBatch(ctx context.Context, recs []*Record) error {
	msgs := make([]kafka.Message, 0, len(recs))
	for _, rec := range recs {
		msg, err := recordMessage(rec)
		if err != nil {
			metrics.AuditSinkErrors.WithLabelValues(s.name, "serialization").Inc()
			return err
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}
	return s.write(ctx, msgs...)
}

func (s *KafkaSink) write(ctx context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		metrics.AuditSinkErrors.WithLabelValues(s.name, "closed").Inc()
		return errors.New("kafka sink is closed")
	}

	start := time.Now()
	err := s.writer.WriteMessages(ctx, msgs...)
	metrics.AuditSinkLatency.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	if err != nil {
		errorType := classifyKafkaError(err)
		metrics.AuditSinkErrors.WithLabelValues(s.name, errorType).Inc()
		metrics.AuditSinkConnected.WithLabelValues(s.name).Set(0)
		s.logger.Warn("failed to write audit records to Kafka",
			zap.String("error", err.Error()),
			zap.String("error_type", errorType),
			zap.Int("records", len(msgs)))
		return fmt.Errorf("failed to write to Kafka (%s): %w", errorType, err)
	}
	metrics.AuditSinkConnected.WithLabelValues(s.name).Set(1)
	return nil
}

func recordMessage(rec *Record) (kafka.Message, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal audit record: %w", err)
	}
	headers := []kafka.Header{
		{Key: "audit-type", Value: []byte(rec.Category)},
		{Key: "audit-level", Value: []byte(rec.Level.String())},
		{Key: "node-id", Value: []byte(rec.NodeID)},
		{Key: "time", Value: []byte(rec.Time.Format(time.RFC3339Nano))},
	}
	if len(rec.Signature) > 0 {
		headers = append(headers, kafka.Header{Key: "signed", Value: []byte("true")})
	}
	return kafka.Message{Key: []byte(rec.ID), Value: value, Headers: headers}, nil
}

// Close flushes and closes the Kafka writer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	metrics.AuditSinkConnected.WithLabelValues(s.name).Set(0)
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka writer: %w", err)
	}
	return nil
}

// Name returns the sink identifier.
func (s *KafkaSink) Name() string {
	return s.name
}

// Stats returns writer statistics.
func (s *KafkaSink) Stats() kafka.WriterStats {
	return s.writer.Stats()
}

// classifyKafkaError buckets errors into a small label set for metrics.
func classifyKafkaError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "SASL") || strings.Contains(msg, "authentication"):
		return "auth"
	case strings.Contains(msg, "TLS") || strings.Contains(msg, "certificate"):
		return "tls"
	case strings.Contains(msg, "connection refused"):
		return "network"
	case strings.Contains(msg, "broker") || strings.Contains(msg, "leader"):
		return "broker"
	case strings.Contains(msg, "topic"):
		return "topic"
	default:
		return "other"
	}
}

func buildTLSConfig(cfg *KafkaTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // test clusters only
	}
	if len(cfg.CACert) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(cfg.CACert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	if len(cfg.ClientCert) > 0 && len(cfg.ClientKey) > 0 {
		cert, err := tls.X509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func buildSASLMechanism(cfg *KafkaSASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "PLAIN":
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.Mechanism)
	}
}
