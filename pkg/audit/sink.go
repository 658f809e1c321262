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
	"encoding/base64"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/telekom/gateway-audit/pkg/version"
)

// Sink is a delivery target for audit records. Sink policies name the sinks a
// record is handed to; a nil error means the target accepted the record.
type Sink interface {
	// Write sends an audit record to the sink.
	Write(ctx context.Context, rec *Record) error

	// Close releases any resources held by the sink.
	Close() error

	// Name returns the sink's identifier.
	Name() string
}

// BatchSink is implemented by sinks that can deliver several records at once.
type BatchSink interface {
	Sink
	WriteBatch(ctx context.Context, recs []*Record) error
}

// LogSink writes audit records to a structured logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a new LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

// Write logs the audit record.
func (s *LogSink) Write(_ context.Context, rec *Record) error {
	fields := []zap.Field{
		zap.String("record_id", rec.ID),
		zap.String("node_id", rec.NodeID),
		zap.String("category", string(rec.Category)),
		zap.String("level", rec.Level.String()),
		zap.Time("time", rec.Time),
		zap.String("name", rec.Name),
		zap.String("message", rec.Message),
	}

	if rec.IPAddress != "" {
		fields = append(fields, zap.String("ip_address", rec.IPAddress))
	}
	if rec.UserName != nil {
		fields = append(fields, zap.String("user_name", *rec.UserName))
	}
	if rec.UserID != nil {
		fields = append(fields, zap.String("user_id", *rec.UserID))
	}
	switch {
	case rec.MessageFields != nil:
		fields = append(fields,
			zap.String("service_id", rec.MessageFields.ServiceID),
			zap.Int("status", rec.MessageFields.Status),
			zap.Int("response_status", rec.MessageFields.ResponseStatus),
			zap.Duration("routing_latency", rec.MessageFields.RoutingLatency))
	case rec.AdminFields != nil:
		fields = append(fields,
			zap.String("entity_id", rec.AdminFields.EntityID),
			zap.String("action", rec.AdminFields.Action))
	case rec.SystemFields != nil:
		fields = append(fields,
			zap.String("component", rec.SystemFields.Component),
			zap.String("action", rec.SystemFields.Action))
	}
	if len(rec.Details) > 0 {
		fields = append(fields, zap.Int("details", len(rec.Details)))
	}
	if len(rec.Signature) > 0 {
		fields = append(fields, zap.String("signature", base64.StdEncoding.EncodeToString(rec.Signature)))
	}

	s.logger.Info("audit_record", fields...)
	return nil
}

// Close is a no-op for LogSink.
func (s *LogSink) Close() error {
	return nil
}

// Name returns the sink identifier.
func (s *LogSink) Name() string {
	return "log"
}

// WebhookSink sends audit records to an external HTTP endpoint.
// It supports both single-record and batch writes.
type WebhookSink struct {
	name           string
	url            string
	batchURL       string // Optional: separate URL for batch requests
	client         *resty.Client
	logger         *zap.Logger
	recordsWritten atomic.Int64
	recordsFailed  atomic.Int64
	batchesWritten atomic.Int64
}

// WebhookSinkConfig configures a WebhookSink.
type WebhookSinkConfig struct {
	Name     string
	URL      string
	BatchURL string // Optional: separate endpoint for batch writes (e.g., /records/batch)
	Headers  map[string]string
	Timeout  time.Duration
}

// NewWebhookSink creates a new WebhookSink.
func NewWebhookSink(cfg WebhookSinkConfig, logger *zap.Logger) *WebhookSink {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	batchURL := cfg.BatchURL
	if batchURL == "" {
		batchURL = cfg.URL // Use same URL for batch if not specified
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", version.UserAgent()).
		SetHeaders(cfg.Headers)

	sink := &WebhookSink{
		name:     cfg.Name,
		url:      cfg.URL,
		batchURL: batchURL,
		client:   client,
		logger:   logger.Named("webhook-sink"),
	}

	sink.logger.Info("Webhook audit sink created",
		zap.String("name", cfg.Name),
		zap.String("url", cfg.URL),
		zap.String("batchURL", batchURL),
		zap.Duration("timeout", timeout))

	return sink
}

// Write sends the audit record to the webhook.
func (s *WebhookSink) Write(ctx context.Context, rec *Record) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(rec).
		Post(s.url)
	if err != nil {
		s.recordsFailed.Add(1)
		s.logger.Debug("webhook request failed",
			zap.String("url", s.url),
			zap.String("record_id", rec.ID),
			zap.String("error", err.Error()))
		return fmt.Errorf("failed to send audit record to %s: %w", s.url, err)
	}

	if resp.StatusCode() >= 400 {
		s.recordsFailed.Add(1)
		s.logger.Debug("webhook returned error",
			zap.String("url", s.url),
			zap.String("record_id", rec.ID),
			zap.Int("status_code", resp.StatusCode()))
		return fmt.Errorf("webhook %s returned error status: %d", s.url, resp.StatusCode())
	}

	s.recordsWritten.Add(1)
	s.logger.Debug("webhook record sent successfully", zap.String("record_id", rec.ID))
	return nil
}

// WriteBatch sends multiple audit records to the webhook in a single request.
func (s *WebhookSink) WriteBatch(ctx context.Context, recs []*Record) error {
	if len(recs) == 0 {
		return nil
	}

	batchPayload := struct {
		Records []*Record `json:"records"`
		Count   int       `json:"count"`
	}{
		Records: recs,
		Count:   len(recs),
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("X-Batch-Size", fmt.Sprintf("%d", len(recs))).
		SetBody(batchPayload).
		Post(s.batchURL)
	if err != nil {
		s.recordsFailed.Add(int64(len(recs)))
		s.logger.Debug("webhook batch request failed",
			zap.String("url", s.batchURL),
			zap.Int("batch_size", len(recs)),
			zap.String("error", err.Error()))
		return fmt.Errorf("failed to send audit batch to %s: %w", s.batchURL, err)
	}

	if resp.StatusCode() >= 400 {
		s.recordsFailed.Add(int64(len(recs)))
		s.logger.Debug("webhook batch returned error",
			zap.String("url", s.batchURL),
			zap.Int("batch_size", len(recs)),
			zap.Int("status_code", resp.StatusCode()))
		return fmt.Errorf("webhook %s returned error status: %d", s.batchURL, resp.StatusCode())
	}

	s.recordsWritten.Add(int64(len(recs)))
	s.batchesWritten.Add(1)
	return nil
}

// Stats returns the webhook sink statistics.
func (s *WebhookSink) Stats() (written, failed, batches int64) {
	return s.recordsWritten.Load(), s.recordsFailed.Load(), s.batchesWritten.Load()
}

// Close is a no-op for WebhookSink.
func (s *WebhookSink) Close() error {
	s.logger.Info("closing webhook audit sink",
		zap.String("name", s.name),
		zap.Int64("records_written", s.recordsWritten.Load()),
		zap.Int64("records_failed", s.recordsFailed.Load()),
		zap.Int64("batches_written", s.batchesWritten.Load()))
	return nil
}

// Name returns the sink identifier.
func (s *WebhookSink) Name() string {
	if s.name != "" {
		return s.name
	}
	return "webhook"
}

// WriteAll delivers recs to sink, in one request when the sink supports
// batches and one record at a time otherwise. It stops at the first error and
// returns the number of records that were accepted before it.
func WriteAll(ctx context.Context, sink Sink, recs []*Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	if b, ok := sink.(BatchSink); ok {
		if err := b.WriteBatch(ctx, recs); err != nil {
			return 0, err
		}
		return len(recs), nil
	}
	for i, rec := range recs {
		if err := sink.Write(ctx, rec); err != nil {
			return i, err
		}
	}
	return len(recs), nil
}
