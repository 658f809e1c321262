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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogSinkWrite(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	rec := NewMessageRecord("node-a", LevelInfo, "orders", "processed", MessageFields{ServiceID: "svc-1", ResponseStatus: 200})
	rec.UserName = String("alice")
	rec.Signature = []byte("sig")
	require.NoError(t, sink.Write(context.Background(), rec))

	entries := logs.FilterMessage("audit_record").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, rec.ID, fields["record_id"])
	assert.Equal(t, "svc-1", fields["service_id"])
	assert.Equal(t, "alice", fields["user_name"])
	assert.NotEmpty(t, fields["signature"])
	assert.Equal(t, "log", sink.Name())
	assert.NoError(t, sink.Close())
}

type webhookServer struct {
	*httptest.Server
	mu       sync.Mutex
	single   []Record
	batches  int
	headers  http.Header
	failWith int
}

func newWebhookServer(t *testing.T) *webhookServer {
	ws := &webhookServer{}
	ws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		ws.headers = r.Header.Clone()
		if ws.failWith != 0 {
			w.WriteHeader(ws.failWith)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if strings.HasSuffix(r.URL.Path, "/batch") {
			var payload struct {
				Records []Record `json:"records"`
				Count   int      `json:"count"`
			}
			if err := json.Unmarshal(body, &payload); err != nil || payload.Count != len(payload.Records) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			ws.batches++
			ws.single = append(ws.single, payload.Records...)
		} else {
			var rec Record
			if err := json.Unmarshal(body, &rec); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			ws.single = append(ws.single, rec)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(ws.Close)
	return ws
}

func TestWebhookSinkWrite(t *testing.T) {
	ws := newWebhookServer(t)
	sink := NewWebhookSink(WebhookSinkConfig{
		Name:    "siem",
		URL:     ws.URL + "/records",
		Headers: map[string]string{"Authorization": "Bearer token"},
		Timeout: time.Second,
	}, zaptest.NewLogger(t))

	rec := NewSystemRecord("node-a", LevelInfo, "audit-properties", "SinkEnabled", "enabled")
	require.NoError(t, sink.Write(context.Background(), rec))

	ws.mu.Lock()
	require.Len(t, ws.single, 1)
	assert.Equal(t, rec.ID, ws.single[0].ID)
	assert.Equal(t, "Bearer token", ws.headers.Get("Authorization"))
	assert.True(t, strings.HasPrefix(ws.headers.Get("User-Agent"), "gateway-audit/"))
	ws.mu.Unlock()

	written, failed, _ := sink.Stats()
	assert.Equal(t, int64(1), written)
	assert.Zero(t, failed)
	assert.Equal(t, "siem", sink.Name())
}

func TestWebhookSinkErrorStatus(t *testing.T) {
	ws := newWebhookServer(t)
	ws.failWith = http.StatusServiceUnavailable
	sink := NewWebhookSink(WebhookSinkConfig{URL: ws.URL}, zaptest.NewLogger(t))

	err := sink.Write(context.Background(), &Record{ID: "r1"})
	assert.ErrorContains(t, err, "503")
	_, failed, _ := sink.Stats()
	assert.Equal(t, int64(1), failed)
	assert.Equal(t, "webhook", sink.Name())
}

func TestWebhookSinkUnreachable(t *testing.T) {
	ws := newWebhookServer(t)
	url := ws.URL
	ws.Close()

	sink := NewWebhookSink(WebhookSinkConfig{URL: url, Timeout: 200 * time.Millisecond}, zaptest.NewLogger(t))
	assert.Error(t, sink.Write(context.Background(), &Record{ID: "r1"}))
}

func TestWebhookSinkBatch(t *testing.T) {
	ws := newWebhookServer(t)
	sink := NewWebhookSink(WebhookSinkConfig{URL: ws.URL + "/records", BatchURL: ws.URL + "/records/batch"}, zaptest.NewLogger(t))

	recs := []*Record{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	n, err := WriteAll(context.Background(), sink, recs)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ws.mu.Lock()
	assert.Equal(t, 1, ws.batches)
	assert.Len(t, ws.single, 3)
	assert.Equal(t, "3", ws.headers.Get("X-Batch-Size"))
	ws.mu.Unlock()

	require.NoError(t, sink.WriteBatch(context.Background(), nil))
}

func TestWriteAll(t *testing.T) {
	recs := []*Record{{ID: "a"}, {ID: "b"}}

	plain := &mockSink{}
	n, err := WriteAll(context.Background(), plain, recs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, plain.records(), 2)

	failing := &mockSink{err: errors.New("down")}
	n, err = WriteAll(context.Background(), failing, recs)
	assert.Error(t, err)
	assert.Zero(t, n)

	batch := &mockBatchSink{}
	n, err = WriteAll(context.Background(), batch, recs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, batch.batches)

	n, err = WriteAll(context.Background(), plain, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}
