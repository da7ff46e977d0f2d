package server

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpload_RateLimitIgnoresForwardedFor(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.RateLimitPerMinute = 1 })

	var codes []int
	for i := range 4 {
		h := http.Header{"X-Forwarded-For": {fmt.Sprintf("198.51.100.%d", i+1)}}
		resp, _ := f.uploadWithHeader(t, h, nil, "limon.jpg", jpeg(10))
		codes = append(codes, resp.StatusCode)
	}

	assert.Equal(t, []int{http.StatusCreated, http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
	assert.Equal(t, 1, f.api.ObjectCount())
}

func TestUpload_RateLimitTrustedProxy(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RateLimitPerMinute = 1
		o.TrustProxy = true
	})

	first := http.Header{"X-Forwarded-For": {"198.51.100.1, 10.0.0.1"}}
	second := http.Header{"X-Forwarded-For": {"198.51.100.2"}}

	resp, _ := f.uploadWithHeader(t, first, nil, "a.jpg", jpeg(10))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.uploadWithHeader(t, second, nil, "b.jpg", jpeg(10))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.uploadWithHeader(t, first, nil, "c.jpg", jpeg(10))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "close", resp.Header.Get("Connection"))
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestLimiterStore_Take(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newLimiterStore(1, time.Hour, clock.Now)

	_, ok := l.take("10.0.0.1")
	require.True(t, ok)

	wait, ok := l.take("10.0.0.1")
	require.False(t, ok)
	assert.InDelta(t, time.Minute.Seconds(), wait.Seconds(), 0.001)

	// A refused request does not push the next token further out.
	clock.Advance(30 * time.Second)
	wait, ok = l.take("10.0.0.1")
	require.False(t, ok)
	assert.InDelta(t, 30, wait.Seconds(), 0.001)

	clock.Advance(30 * time.Second)
	_, ok = l.take("10.0.0.1")
	assert.True(t, ok)

	_, ok = l.take("10.0.0.2")
	assert.True(t, ok)
}

func TestLimiterStore_EvictsIdleBuckets(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newLimiterStore(10, time.Minute, clock.Now)

	l.take("idle")
	clock.Advance(45 * time.Second)
	l.take("busy")
	assert.Equal(t, 2, l.size())

	clock.Advance(30 * time.Second)
	l.take("busy")

	assert.Equal(t, 1, l.size())
	_, kept := l.buckets["busy"]
	assert.True(t, kept)

	// Sweeps run at most once per ttl.
	clock.Advance(10 * time.Second)
	l.take("other")
	assert.Equal(t, 2, l.size())
}

func TestSecurityHeaders(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.srv.URL + HealthPath)
	require.NoError(t, err)
	resp.Body.Close()
	for _, kv := range securityHeaders {
		assert.Equal(t, kv[1], resp.Header.Get(kv[0]), kv[0])
	}

	resp, _ = f.upload(t, nil, "x.jpg", []byte{0, 0, 0, 0, 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "SAMEORIGIN", resp.Header.Get("X-Frame-Options"))
}

func preflight(t *testing.T, f *fixture, origin string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+UploadPath, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestCORS_Preflight(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.CORSOrigin = "https://frutas.example, https://admin.frutas.example" })

	resp := preflight(t, f, "https://admin.frutas.example")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://admin.frutas.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, corsMethods, resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "content-type", resp.Header.Get("Access-Control-Allow-Headers"))
	assert.Contains(t, resp.Header.Values("Vary"), "Origin")

	resp = preflight(t, f, "https://evil.example")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Zero(t, f.api.ObjectCount())
}

func TestCORS_SimpleRequest(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.CORSOrigin = "https://frutas.example" })

	h := http.Header{"Origin": {"https://frutas.example"}}
	resp, raw := f.uploadWithHeader(t, h, nil, "mango.jpg", jpeg(10))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	assert.Equal(t, "https://frutas.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
}

func TestCORS_Disabled(t *testing.T) {
	f := newFixture(t, nil)

	resp := preflight(t, f, "https://frutas.example")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestNewCORSPolicy(t *testing.T) {
	assert.Nil(t, newCORSPolicy(""))
	assert.Nil(t, newCORSPolicy(" , "))

	p := newCORSPolicy("*")
	require.NotNil(t, p)
	assert.True(t, p.allows("https://any.example"))
	assert.False(t, p.allows(""))
}
