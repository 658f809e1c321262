package api

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/telekom/gateway-audit/pkg/audit"
	"github.com/telekom/gateway-audit/pkg/audit/signer"
	"github.com/telekom/gateway-audit/pkg/config"
	"github.com/telekom/gateway-audit/pkg/pipeline"
	"github.com/telekom/gateway-audit/pkg/policy"
	"github.com/telekom/gateway-audit/pkg/properties"
	"github.com/telekom/gateway-audit/pkg/ratelimit"
	"github.com/telekom/gateway-audit/pkg/store"
)

type recordingSink struct {
	mu   sync.Mutex
	name string
	recs []*audit.Record
	err  error
}

func (s *recordingSink) Write(_ context.Context, rec *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recs = append(s.recs, rec)
	return nil
}

func (s *recordingSink) Close() error { return nil }
func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type fixture struct {
	server *Server
	props  *properties.MemoryStore
	store  *store.MemoryStore
	signer *signer.Signer
	sinks  *audit.SinkRegistry
	siem   *recordingSink
	p      *pipeline.Pipeline
}

func newTestSigner(t *testing.T) *signer.Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "audit-api-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	s, err := signer.New(key, cert)
	require.NoError(t, err)
	return s
}

func newFixture(t *testing.T, withSigner bool, serverCfg config.Server) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	zl := zaptest.NewLogger(t)
	log := zl.Sugar()

	f := &fixture{
		props: properties.NewMemoryStore(),
		store: store.NewMemoryStore(),
		sinks: audit.NewSinkRegistry(zl),
		siem:  &recordingSink{name: "siem"},
	}
	if withSigner {
		f.signer = newTestSigner(t)
	}
	f.sinks.Register(f.siem, audit.SinkTypeWebhook)
	t.Cleanup(func() { _ = f.sinks.Close() })

	registry := policy.NewRegistry()
	require.NoError(t, registry.Put(policy.Policy{
		ID: "to-siem", Tag: policy.TagAuditSink, Module: policy.DefaultSinkModule, Sinks: []string{"siem"},
	}))

	p, err := pipeline.New(pipeline.Deps{
		Properties: f.props,
		Finder:     registry,
		Executor:   policy.NewEngine(registry, f.sinks, log),
		Store:      f.store,
		Signer:     f.signer,
	}, pipeline.Options{NodeID: "node-api"}, log)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	require.NoError(t, p.Start(context.Background()))
	f.p = p

	f.server = NewServer(zl, serverCfg, true)
	t.Cleanup(f.server.Close)
	require.NoError(t, f.server.RegisterAll([]APIController{
		NewRecordController(f.store, f.signer, "node-api", log),
		NewPropertyController(f.props, p, log),
		NewSinkController(f.sinks, f.store, p, log),
		NewStatusController(p),
	}))
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) seed(t *testing.T, sign bool, recs ...*audit.Record) {
	t.Helper()
	for _, rec := range recs {
		if sign {
			require.NoError(t, f.signer.Sign(rec))
		}
		require.NoError(t, f.store.StoreRecord(context.Background(), rec))
	}
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestProbes(t *testing.T) {
	f := newFixture(t, false, config.Server{})

	w := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.server.AddReadinessCheck("store", func(context.Context) error { return errors.New("db down") })
	w = f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "db down")

	w = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "audit_")

	w = f.do(t, http.MethodGet, "/api/buildinfo", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "goVersion")
}

func TestPropertyLifecycle(t *testing.T) {
	f := newFixture(t, true, config.Server{})

	w := f.do(t, http.MethodPut, "/api/properties/"+properties.AlwaysSaveInternal, strings.NewReader(`{"value":"true"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var prop Property
	decodeJSON(t, w, &prop)
	assert.True(t, prop.Tracked)
	assert.Equal(t, "true", prop.Value)

	w = f.do(t, http.MethodGet, "/api/properties/"+properties.AlwaysSaveInternal, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/properties", nil)
	var all map[string]string
	decodeJSON(t, w, &all)
	assert.Equal(t, map[string]string{properties.AlwaysSaveInternal: "true"}, all)

	w = f.do(t, http.MethodDelete, "/api/properties/"+properties.AlwaysSaveInternal, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodGet, "/api/properties/"+properties.AlwaysSaveInternal, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// with no sink configured both admin records land in internal storage
	recs, err := f.store.Find(context.Background(), store.Criteria{Category: audit.CategoryAdmin})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, actionUpdate, recs[0].AdminFields.Action)
	assert.Equal(t, actionDelete, recs[1].AdminFields.Action)
	assert.NotEmpty(t, recs[0].Signature)
}

func TestPropertySinkRoutesAdminRecordsExternally(t *testing.T) {
	f := newFixture(t, false, config.Server{})

	w := f.do(t, http.MethodPut, "/api/properties/"+properties.SinkPolicy, strings.NewReader(`{"value":"to-siem"}`))
	require.Equal(t, http.StatusOK, w.Code)

	// the record about the change itself already sees the new sink
	assert.Equal(t, 1, f.siem.count())
	recs, err := f.store.Find(context.Background(), store.Criteria{Category: audit.CategoryAdmin})
	require.NoError(t, err)
	assert.Empty(t, recs)

	w = f.do(t, http.MethodGet, "/api/status", nil)
	var st Status
	decodeJSON(t, w, &st)
	assert.True(t, st.RouterOpen)
	assert.False(t, st.InternalAudit)
	assert.Equal(t, "node-api", st.NodeID)
}

func TestPropertyBadRequest(t *testing.T) {
	f := newFixture(t, false, config.Server{})
	for _, body := range []string{`not json`, `{}`, `{"value": 3}`} {
		w := f.do(t, http.MethodPut, "/api/properties/x", strings.NewReader(body))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func systemRecord(at time.Time, action string) *audit.Record {
	rec := audit.NewSystemRecord("node-api", audit.LevelInfo, "audit-properties", action, "m")
	rec.Time = at
	return rec
}

func TestRecordFindAndGet(t *testing.T) {
	f := newFixture(t, false, config.Server{})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a, b := systemRecord(base, "SinkEnabled"), systemRecord(base.Add(time.Hour), "SinkDisabled")
	f.seed(t, false, a, b)

	w := f.do(t, http.MethodGet, "/api/records?category=system&from="+base.Add(time.Minute).Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var found struct {
		Records []audit.Record `json:"records"`
		Count   int            `json:"count"`
	}
	decodeJSON(t, w, &found)
	require.Equal(t, 1, found.Count)
	assert.Equal(t, b.ID, found.Records[0].ID)

	w = f.do(t, http.MethodGet, "/api/records/"+a.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got audit.Record
	decodeJSON(t, w, &got)
	assert.Equal(t, "SinkEnabled", got.SystemFields.Action)

	w = f.do(t, http.MethodGet, "/api/records/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	for _, q := range []string{"level=LOUD", "category=trace", "limit=-1", "from=yesterday"} {
		w = f.do(t, http.MethodGet, "/api/records?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestRecordVerify(t *testing.T) {
	f := newFixture(t, true, config.Server{})
	signed := systemRecord(time.Now().UTC().Truncate(time.Millisecond), "SinkEnabled")
	unsigned := systemRecord(time.Now().UTC().Truncate(time.Millisecond), "SinkDisabled")
	f.seed(t, true, signed)
	f.seed(t, false, unsigned)

	var res VerifyResult
	w := f.do(t, http.MethodGet, "/api/records/"+signed.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &res)
	assert.True(t, res.Valid)
	assert.Equal(t, signer.AlgorithmCurrent, res.Algorithm)

	w = f.do(t, http.MethodGet, "/api/records/"+signed.ID+"/verify?algorithm=legacy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &res)
	assert.False(t, res.Valid)

	w = f.do(t, http.MethodGet, "/api/records/"+unsigned.ID+"/verify", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	w = f.do(t, http.MethodGet, "/api/records/"+signed.ID+"/verify?algorithm=md5", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/api/records/missing/verify", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecordVerifyWithoutSigner(t *testing.T) {
	f := newFixture(t, false, config.Server{})
	w := f.do(t, http.MethodGet, "/api/records/any/verify", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestExportRoundTrip(t *testing.T) {
	f := newFixture(t, true, config.Server{})
	f.seed(t, true,
		systemRecord(time.Now().UTC().Truncate(time.Millisecond), "SinkEnabled"),
		systemRecord(time.Now().UTC().Truncate(time.Millisecond), "FallbackEnabled"),
	)

	w := f.do(t, http.MethodGet, "/api/records/export?category=system", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "audit-node-api-")
	assert.NotEmpty(t, w.Header().Get("X-Audit-Export-SHA256"))
	archive := w.Body.Bytes()

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	assert.Len(t, zr.File, 2)

	w = f.do(t, http.MethodPost, "/api/records/export/verify", bytes.NewReader(archive))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"records":2`)

	w = f.do(t, http.MethodPost, "/api/records/export/verify", strings.NewReader("not a zip"))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSinkHealthAndReplay(t *testing.T) {
	f := newFixture(t, false, config.Server{})
	now := time.Now().UTC().Truncate(time.Millisecond)
	f.seed(t, false, systemRecord(now, "SinkEnabled"), systemRecord(now, "SinkDisabled"))

	w := f.do(t, http.MethodGet, "/api/sinks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health []audit.SinkHealth
	decodeJSON(t, w, &health)
	require.Len(t, health, 1)
	assert.Equal(t, "siem", health[0].Name)

	w = f.do(t, http.MethodPost, "/api/sinks/siem/replay?category=system", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"delivered":2,"total":2}`, w.Body.String())
	assert.Equal(t, 2, f.siem.count())

	f.siem.err = errors.New("siem offline")
	w = f.do(t, http.MethodPost, "/api/sinks/siem/replay?category=system", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = f.do(t, http.MethodPost, "/api/sinks/unknown/replay", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// each replay is itself audited
	recs, err := f.store.Find(context.Background(), store.Criteria{Category: audit.CategoryAdmin})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestAPIRateLimiting(t *testing.T) {
	f := newFixture(t, false, config.Server{RateLimit: ratelimit.Config{
		Rate: 0.001, Burst: 2, CleanupInterval: time.Minute, MaxAge: time.Minute,
	}})

	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodGet, "/api/status", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w := f.do(t, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// probes stay reachable
	w = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListenShutsDownOnCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewServer(zaptest.NewLogger(t), config.Server{ListenAddress: "127.0.0.1:0", ShutdownTimeout: time.Second}, false)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}
