package routes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"milestonemarket/core/events"
	"milestonemarket/core/market"
	"milestonemarket/gateway/middleware"
	"milestonemarket/services/indexer"
	"milestonemarket/services/webhooks"
)

// EventIndex answers historical event queries.
type EventIndex interface {
	Query(ctx context.Context, f indexer.Filter) ([]indexer.Event, error)
	ExportParquet(ctx context.Context, w io.Writer, f indexer.Filter) (int, error)
}

// EventFeed provides the replay backlog and live tail for event streams.
type EventFeed interface {
	Range(after uint64, limit int) ([]events.Record, error)
	Subscribe() (<-chan events.Record, func())
}

type Config struct {
	Market        *market.Market
	Index         EventIndex
	Feed          EventFeed
	Webhooks      *webhooks.Store
	Logger        *slog.Logger
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
}

type server struct {
	market *market.Market
	index  EventIndex
	feed   EventFeed
	hooks  *webhooks.Store
	logger *slog.Logger
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Market == nil {
		return nil, errors.New("routes: market required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{market: cfg.Market, index: cfg.Index, feed: cfg.Feed, hooks: cfg.Webhooks, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORS))
	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware)
	}
	authn := cfg.Authenticator
	if authn == nil {
		authn = middleware.NewAuthenticator(middleware.AuthConfig{}, logger)
	}
	r.Use(authn.Middleware())
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Middleware)
	}

	r.Get("/healthz", s.health)
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/registry", s.getRegistry)
		v1.Put("/registry/lock-policy", s.setLockPolicy)
		v1.Put("/registry/fee-policy", s.setFeePolicy)
		v1.Put("/registry/operators/{address}", s.setOperator)

		v1.Get("/escrows", s.listEscrows)
		v1.Post("/escrows", s.createEscrow)
		v1.Get("/originators/{address}/positions", s.listPositions)
		v1.Route("/escrows/{escrow}", func(er chi.Router) {
			er.Get("/", s.getEscrow)
			er.Delete("/", s.destroyEscrow)
			er.Get("/counts/{state}", s.countByState)
			er.Get("/milestones", s.listMilestones)
			er.Post("/milestones", s.createMilestone)
			er.Get("/milestones/{index}", s.getMilestone)
			er.Put("/milestones/{index}", s.updateMilestone)
			er.Post("/milestones/{index}/{action}", s.milestoneAction)
		})

		v1.Get("/locks", s.listLocks)
		v1.Get("/locks/{id}", s.getLock)

		v1.Get("/tokens", s.listTokens)
		v1.Get("/tokens/{token}/balances/{address}", s.getBalance)
		v1.Get("/tokens/{token}/allowances/{owner}/{spender}", s.getAllowance)
		v1.Post("/tokens/{token}/mint", s.mint)
		v1.Post("/tokens/{token}/approve", s.approve)
		v1.Post("/tokens/{token}/transfer", s.transfer)

		v1.Get("/events", s.listEvents)
		v1.Get("/events/stream", s.streamEvents)
		v1.Get("/events/export", s.exportEvents)

		v1.Get("/webhooks", s.listWebhooks)
		v1.Post("/webhooks", s.createWebhook)
		v1.Delete("/webhooks/{id}", s.deleteWebhook)
		v1.Get("/webhooks/{id}/attempts", s.listWebhookAttempts)

		v1.Get("/clock", s.getClock)
		v1.Post("/clock/advance", s.advanceClock)
	})
	return r, nil
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.market.CheckConsistency(); err != nil {
		s.logger.Error("registry indexes inconsistent", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
