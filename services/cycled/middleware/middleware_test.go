package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cycleswap/services/cycled/auth"
)

func ok(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"commit": {RequestsPerMinute: 1, Burst: 1}}, nil, nil)
	handler := limiter.Middleware("commit")(http.HandlerFunc(ok))

	req := httptest.NewRequest(http.MethodPost, "/v1/proposals/p/accept", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterKeysBySubject(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"commit": {RequestsPerMinute: 1, Burst: 1}}, nil, nil)
	handler := limiter.Middleware("commit")(http.HandlerFunc(ok))

	for _, subject := range []string{"alice", "bob"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/proposals/p/accept", nil)
		req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{Subject: subject}))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		require.Equal(t, http.StatusOK, res.Code, subject)
	}

	unlimited := limiter.Middleware("reads")(http.HandlerFunc(ok))
	for i := 0; i < 3; i++ {
		res := httptest.NewRecorder()
		unlimited.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/commits/c", nil))
		require.Equal(t, http.StatusOK, res.Code)
	}
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(map[string]RateLimit{"x": {RequestsPerMinute: 60, Burst: 1}}, nil, nil)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("x")(http.HandlerFunc(ok))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, 1, limiter.size())

	now = now.Add(time.Hour)
	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.Header.Set("X-Real-IP", "10.0.0.9")
	handler.ServeHTTP(httptest.NewRecorder(), other)
	require.Equal(t, 1, limiter.size())
}

func TestCorrelationEchoesOrMints(t *testing.T) {
	var seen string
	handler := Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationHeader, "corr-1")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, "corr-1", seen)
	require.Equal(t, "corr-1", res.Header().Get(CorrelationHeader))

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Len(t, res.Header().Get(CorrelationHeader), 36)
	require.Equal(t, seen, res.Header().Get(CorrelationHeader))
}

func TestObservabilityCountsRequests(t *testing.T) {
	obs := NewObservability(ObservabilityConfig{}, nil)
	handler := obs.Middleware("commits.get")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/commits/x", nil))

	res := httptest.NewRecorder()
	MetricsHandler(obs.Registry()).ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.True(t, strings.Contains(res.Body.String(),
		`cycled_http_requests_total{method="GET",route="commits.get",status="404"} 1`))
}
