package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestDefaultConfigs(t *testing.T) {
	t.Run("DefaultAPIConfig", func(t *testing.T) {
		cfg := DefaultAPIConfig()
		assert.Equal(t, float64(20), cfg.Rate)
		assert.Equal(t, 50, cfg.Burst)
		assert.Equal(t, time.Minute, cfg.CleanupInterval)
		assert.Equal(t, 5*time.Minute, cfg.MaxAge)
	})

	t.Run("DefaultSelfAuditConfig", func(t *testing.T) {
		cfg := DefaultSelfAuditConfig()
		assert.Equal(t, float64(1), cfg.Rate)
		assert.Equal(t, 10, cfg.Burst)
	})
}

func TestNew(t *testing.T) {
	t.Run("keeps explicit config", func(t *testing.T) {
		rl := New(Config{Rate: 10, Burst: 20, CleanupInterval: time.Second, MaxAge: time.Minute})
		defer rl.Stop()

		assert.Equal(t, float64(10), rl.Config().Rate)
		assert.Equal(t, 20, rl.Config().Burst)
	})

	t.Run("sets defaults for zero durations", func(t *testing.T) {
		rl := New(Config{Rate: 10, Burst: 20})
		defer rl.Stop()

		assert.Equal(t, time.Minute, rl.Config().CleanupInterval)
		assert.Equal(t, 5*time.Minute, rl.Config().MaxAge)
	})
}

func TestAllow(t *testing.T) {
	t.Run("allows burst then rejects", func(t *testing.T) {
		rl := New(Config{Rate: 1, Burst: 3})
		defer rl.Stop()

		for i := 0; i < 3; i++ {
			assert.True(t, rl.Allow("execute"), "event %d should be allowed", i)
		}
		assert.False(t, rl.Allow("execute"))
	})

	t.Run("keys are independent", func(t *testing.T) {
		rl := New(Config{Rate: 1, Burst: 1})
		defer rl.Stop()

		assert.True(t, rl.Allow("lookup"))
		assert.False(t, rl.Allow("lookup"))
		assert.True(t, rl.Allow("store"))
		assert.Equal(t, 2, rl.Len())
	})

	t.Run("concurrent use", func(t *testing.T) {
		rl := New(Config{Rate: 1, Burst: 100})
		defer rl.Stop()

		var wg sync.WaitGroup
		var mu sync.Mutex
		allowed := 0
		for i := 0; i < 200; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if rl.Allow("k") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		// the bucket refills slowly, so only a handful above the burst
		assert.GreaterOrEqual(t, allowed, 100)
		assert.Less(t, allowed, 110)
	})
}

func TestCleanupStaleEntries(t *testing.T) {
	rl := New(Config{Rate: 1, Burst: 1, CleanupInterval: time.Hour, MaxAge: time.Millisecond})
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	require.Equal(t, 2, rl.Len())

	time.Sleep(5 * time.Millisecond)
	rl.cleanupStaleEntries()
	assert.Equal(t, 0, rl.Len())
}

func TestStopIsIdempotent(t *testing.T) {
	rl := New(DefaultAPIConfig())
	rl.Stop()
	assert.NotPanics(t, rl.Stop)
}

func TestMiddleware(t *testing.T) {
	rl := New(Config{Rate: 1, Burst: 2})
	defer rl.Stop()

	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1234"))
}
