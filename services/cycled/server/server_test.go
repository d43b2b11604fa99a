package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"cycleswap/services/cycled/auth"
	"cycleswap/services/cycled/commit"
	"cycleswap/services/cycled/events"
	"cycleswap/services/cycled/idempotency"
	"cycleswap/services/cycled/intents"
	"cycleswap/services/cycled/matching"
	cyclemw "cycleswap/services/cycled/middleware"
	"cycleswap/services/cycled/models"
	"cycleswap/services/cycled/settlement"
	"cycleswap/services/cycled/store/storetest"
	"cycleswap/services/cycled/sweeper"
	"cycleswap/services/cycled/swaperr"
)

const testSecret = "cycled-test-secret"

var t0 = time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, limit cyclemw.RateLimit) http.Handler {
	t.Helper()
	st := storetest.Open(t)
	ledger := idempotency.NewLedger(time.Hour)
	recorder := events.NewRecorder()
	pool := intents.NewPool(st, nil)
	matcher := matching.NewService(st, ledger, nil, matching.DefaultConfig(), nil)
	commits := commit.NewService(st, ledger, recorder, nil)
	settle := settlement.NewService(st, ledger, recorder, commits, nil)
	clock := func() time.Time { return t0 }
	pool.SetNowFunc(clock)
	matcher.SetNowFunc(clock)
	commits.SetNowFunc(clock)
	settle.SetNowFunc(clock)
	sw := sweeper.New(st, commits, settle, ledger, time.Minute, nil)
	sw.SetNowFunc(clock)

	srv := New(Config{
		Pool:          pool,
		Matching:      matcher,
		Commits:       commits,
		Settlement:    settle,
		Feed:          events.NewFeed(st),
		Sweeper:       sw,
		Health:        st,
		Auth:          auth.Config{HMACSecret: testSecret},
		RateLimit:     limit,
		DepositWindow: time.Hour,
		Now:           clock,
	})
	return srv.Handler()
}

func token(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type call struct {
	method string
	path   string
	token  string
	key    string
	body   any
}

func do(t *testing.T, h http.Handler, c call) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.key != "" {
		req.Header.Set(IdempotencyHeader, c.key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) swaperr.Code {
	t.Helper()
	return decodeBody[errorBody](t, rec).Error.Code
}

func intentBody(offer, want string) map[string]any {
	return map[string]any{
		"offer": []map[string]any{{"id": "asset-" + offer, "category": offer, "value_usd": 100}},
		"want":  map[string]any{"category": want},
	}
}

// matchPair posts a two party swap, runs matching and returns the proposal id.
func matchPair(t *testing.T, h http.Handler, alice, bob, ops string) string {
	t.Helper()
	rec := do(t, h, call{method: http.MethodPut, path: "/v1/intents/ia", token: alice, body: intentBody("X", "Y")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, call{method: http.MethodPut, path: "/v1/intents/ib", token: bob, body: intentBody("Y", "X")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, call{method: http.MethodPost, path: "/v1/matching/runs", token: ops, key: "run-1", body: map[string]any{"now": t0}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decodeBody[matching.RunView](t, rec)
	require.Len(t, run.Proposals, 1)
	return run.Proposals[0].ID
}

func TestTwoPartySwapOverHTTP(t *testing.T) {
	h := newTestServer(t, cyclemw.RateLimit{})
	alice := token(t, "alice")
	bob := token(t, "bob")
	ops := token(t, "ops", auth.ScopeOperator)
	cycle := matchPair(t, h, alice, bob, ops)

	for _, who := range []string{alice, bob} {
		rec := do(t, h, call{method: http.MethodPost, path: "/v1/proposals/" + cycle + "/accept", token: who, key: "accept", body: map[string]any{"occurred_at": t0}})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := do(t, h, call{method: http.MethodGet, path: "/v1/commits/" + commit.IDFor(cycle), token: bob})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decodeBody[commit.View](t, rec)
	require.Equal(t, models.PhaseReady, view.Commit.Phase)
	require.Len(t, view.Reservations, 2)

	rec = do(t, h, call{method: http.MethodPost, path: "/v1/settlements/" + cycle + "/start", token: alice, key: "start"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decodeBody[settlement.View](t, rec)
	require.Equal(t, models.SettlementEscrowPending, started.Timeline.State)
	require.True(t, started.Timeline.DepositDeadline.Equal(t0.Add(time.Hour)))

	for _, who := range []string{alice, bob} {
		rec = do(t, h, call{method: http.MethodPost, path: "/v1/settlements/" + cycle + "/deposits", token: who, key: "deposit"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec = do(t, h, call{method: http.MethodGet, path: "/v1/settlements/" + cycle, token: alice})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, models.SettlementEscrowReady, decodeBody[settlement.View](t, rec).Timeline.State)

	rec = do(t, h, call{method: http.MethodPost, path: "/v1/settlements/" + cycle + "/begin-execution", token: ops, key: "execute"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, call{method: http.MethodPost, path: "/v1/settlements/" + cycle + "/complete", token: ops, key: "complete"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decodeBody[settlement.View](t, rec)
	require.Equal(t, models.SettlementCompleted, done.Timeline.State)
	require.NotNil(t, done.Receipt)

	rec = do(t, h, call{method: http.MethodGet, path: "/v1/receipts/" + cycle, token: bob})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decodeBody[models.Receipt](t, rec)
	require.Equal(t, models.SettlementCompleted, receipt.FinalState)
	require.ElementsMatch(t, []string{"ia", "ib"}, []string(receipt.IntentIDs))

	rec = do(t, h, call{method: http.MethodGet, path: "/v1/receipts/" + cycle, token: token(t, "mallory")})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, swaperr.CodeForbidden, errorCode(t, rec))
}

func TestAnswerRequiresIdempotencyKey(t *testing.T) {
	h := newTestServer(t, cyclemw.RateLimit{})
	alice := token(t, "alice")
	cycle := matchPair(t, h, alice, token(t, "bob"), token(t, "ops", auth.ScopeOperator))

	rec := do(t, h, call{method: http.MethodPost, path: "/v1/proposals/" + cycle + "/accept", token: alice})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, swaperr.CodeValidation, errorCode(t, rec))
}

func TestReusedKeyWithDifferentPayloadConflicts(t *testing.T) {
	h := newTestServer(t, cyclemw.RateLimit{})
	alice := token(t, "alice")
	cycle := matchPair(t, h, alice, token(t, "bob"), token(t, "ops", auth.ScopeOperator))
	path := "/v1/proposals/" + cycle + "/accept"

	first := do(t, h, call{method: http.MethodPost, path: path, token: alice, key: "accept", body: map[string]any{"occurred_at": t0}})
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	replay := do(t, h, call{method: http.MethodPost, path: path, token: alice, key: "accept", body: map[string]any{"occurred_at": t0}})
	require.Equal(t, http.StatusOK, replay.Code)
	require.JSONEq(t, first.Body.String(), replay.Body.String())

	rec := do(t, h, call{method: http.MethodPost, path: path, token: alice, key: "accept", body: map[string]any{"occurred_at": t0.Add(time.Minute)}})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, swaperr.CodeIdempotencyMismatch, errorCode(t, rec))
}

func TestEventFeedIsOperatorOnly(t *testing.T) {
	h := newTestServer(t, cyclemw.RateLimit{})
	alice := token(t, "alice")
	ops := token(t, "ops", auth.ScopeOperator)
	cycle := matchPair(t, h, alice, token(t, "bob"), ops)
	rec := do(t, h, call{method: http.MethodPost, path: "/v1/proposals/" + cycle + "/accept", token: alice, key: "accept"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, call{method: http.MethodGet, path: "/v1/events", token: alice})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, call{method: http.MethodGet, path: "/v1/events?after=0&limit=100", token: ops})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decodeBody[struct {
		Events []models.Event `json:"events"`
		Next   int64          `json:"next"`
	}](t, rec)
	require.NotEmpty(t, page.Events)
	require.Equal(t, page.Events[len(page.Events)-1].Sequence, page.Next)

	rec = do(t, h, call{method: http.MethodGet, path: "/v1/events?after=-1", token: ops})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSweepEndpoint(t *testing.T) {
	h := newTestServer(t, cyclemw.RateLimit{})
	rec := do(t, h, call{method: http.MethodPost, path: "/v1/ops/sweep", token: token(t, "alice")})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, call{method: http.MethodPost, path: "/v1/ops/sweep", token: token(t, "ops", auth.ScopeOperator), body: map[string]any{"now": t0}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[sweeper.Report](t, rec)
	require.True(t, report.Now.Equal(t0))
	require.Empty(t, report.ExpiredCommits)
}

func TestUnauthenticatedRequestsCarryCorrelationID(t *testing.T) {
	h := newTestServer(t, cyclemw.RateLimit{})
	req := httptest.NewRequest(http.MethodGet, "/v1/intents/ia", nil)
	req.Header.Set(cyclemw.CorrelationHeader, "corr-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody[errorBody](t, rec)
	require.Equal(t, swaperr.CodeUnauthorized, body.Error.Code)
	require.Equal(t, "corr-123", body.CorrelationID)
	require.Equal(t, "corr-123", rec.Header().Get(cyclemw.CorrelationHeader))
}

func TestWritesAreRateLimited(t *testing.T) {
	h := newTestServer(t, cyclemw.RateLimit{RequestsPerMinute: 1, Burst: 1})
	alice := token(t, "alice")

	rec := do(t, h, call{method: http.MethodPut, path: "/v1/intents/ia", token: alice, body: intentBody("X", "Y")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, call{method: http.MethodPut, path: "/v1/intents/ib", token: alice, body: intentBody("Y", "X")})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, swaperr.CodeRateLimited, errorCode(t, rec))
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(t, cyclemw.RateLimit{})
	rec := do(t, h, call{method: http.MethodGet, path: "/healthz"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, h, call{method: http.MethodGet, path: "/v1/intents/missing", token: token(t, "alice")})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, call{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `cycled_http_requests_total{method="GET",route="intents.get",status="404"} 1`)
}
