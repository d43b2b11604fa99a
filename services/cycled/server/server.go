// Package server binds the cycle services to JSON over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cycleswap/services/cycled/auth"
	"cycleswap/services/cycled/commit"
	"cycleswap/services/cycled/events"
	"cycleswap/services/cycled/intents"
	"cycleswap/services/cycled/matching"
	cyclemw "cycleswap/services/cycled/middleware"
	"cycleswap/services/cycled/settlement"
	"cycleswap/services/cycled/sweeper"
	"cycleswap/services/cycled/swaperr"
)

// IdempotencyHeader names the per-request idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config captures the dependencies of the HTTP API.
type Config struct {
	Pool          *intents.Pool
	Matching      *matching.Service
	Commits       *commit.Service
	Settlement    *settlement.Service
	Feed          *events.Feed
	Sweeper       *sweeper.Sweeper
	Health        Pinger
	Auth          auth.Config
	RateLimit     cyclemw.RateLimit
	DepositWindow time.Duration
	LogRequests   bool
	Gatherers     []prometheus.Gatherer
	Logger        *slog.Logger
	Now           func() time.Time
}

// Server is the cycled HTTP API.
type Server struct {
	pool          *intents.Pool
	matching      *matching.Service
	commits       *commit.Service
	settlement    *settlement.Service
	feed          *events.Feed
	sweeper       *sweeper.Sweeper
	health        Pinger
	depositWindow time.Duration
	logger        *slog.Logger
	now           func() time.Time

	authn   *auth.Authenticator
	limiter *cyclemw.RateLimiter
	obs     *cyclemw.Observability
	router  http.Handler
}

// New constructs the router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		pool:          cfg.Pool,
		matching:      cfg.Matching,
		commits:       cfg.Commits,
		settlement:    cfg.Settlement,
		feed:          cfg.Feed,
		sweeper:       cfg.Sweeper,
		health:        cfg.Health,
		depositWindow: cfg.DepositWindow,
		logger:        logger,
		now:           now,
	}
	s.authn = auth.NewAuthenticator(cfg.Auth, logger, s.authError)
	limits := map[string]cyclemw.RateLimit{}
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limits["write"] = cfg.RateLimit
		limits["read"] = cyclemw.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute * 4, Burst: cfg.RateLimit.Burst * 4}
	}
	s.limiter = cyclemw.NewRateLimiter(limits, logger, func(w http.ResponseWriter, r *http.Request) {
		s.writeCode(w, r, http.StatusTooManyRequests, swaperr.CodeRateLimited, "rate limit exceeded")
	})
	s.obs = cyclemw.NewObservability(cyclemw.ObservabilityConfig{LogRequests: cfg.LogRequests}, logger)
	gatherers := append([]prometheus.Gatherer{s.obs.Registry()}, cfg.Gatherers...)
	s.router = otelhttp.NewHandler(s.buildRouter(gatherers), "cycled")
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(gatherers []prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(cyclemw.Correlation)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", cyclemw.MetricsHandler(gatherers...))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authn.Middleware)

		write := func(route string) chi.Router {
			return v1.With(s.obs.Middleware(route), s.limiter.Middleware("write"))
		}
		read := func(route string) chi.Router {
			return v1.With(s.obs.Middleware(route), s.limiter.Middleware("read"))
		}

		write("intents.put").Put("/intents/{id}", s.handlePutIntent)
		write("intents.cancel").Post("/intents/{id}/cancel", s.handleCancelIntent)
		read("intents.get").Get("/intents/{id}", s.handleGetIntent)

		write("matching.run").Post("/matching/runs", s.handleRun)
		read("matching.get").Get("/matching/runs/{id}", s.handleGetRun)

		read("proposals.get").Get("/proposals/{id}", s.handleGetProposal)
		write("proposals.accept").Post("/proposals/{id}/accept", s.handleAnswer(s.commits.Accept))
		write("proposals.decline").Post("/proposals/{id}/decline", s.handleAnswer(s.commits.Decline))
		read("commits.get").Get("/commits/{id}", s.handleGetCommit)

		write("settlements.start").Post("/settlements/{cycle}/start", s.handleStart)
		write("settlements.deposit").Post("/settlements/{cycle}/deposits", s.handleDeposit)
		write("settlements.execute").Post("/settlements/{cycle}/begin-execution", s.handleTransition(s.settlement.BeginExecution))
		write("settlements.complete").Post("/settlements/{cycle}/complete", s.handleTransition(s.settlement.Complete))
		write("settlements.expire").Post("/settlements/{cycle}/expire-deposit-window", s.handleTransition(s.settlement.ExpireDepositWindow))
		read("settlements.get").Get("/settlements/{cycle}", s.handleGetTimeline)
		read("receipts.get").Get("/receipts/{cycle}", s.handleGetReceipt)

		read("events.list").Get("/events", s.handleEvents)
		write("ops.sweep").Post("/ops/sweep", s.handleSweep)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Error("health check failed", slog.Any("error", err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
