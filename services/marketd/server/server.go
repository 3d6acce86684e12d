// Package server exposes the marketplace over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"nftmarket/services/marketd/market"
	mw "nftmarket/services/marketd/middleware"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Market        *market.Service
	DB            *gorm.DB
	Auth          *mw.Authenticator
	RateLimit     mw.RateLimit
	CORS          mw.CORSConfig
	Observability mw.ObservabilityConfig
	Logger        *slog.Logger
	// StreamPoll is how often the activity stream checks for new events.
	StreamPoll time.Duration
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	market *market.Service
	db     *gorm.DB
	logger *slog.Logger

	streamPoll time.Duration
	router     http.Handler
}

// New constructs the router with authentication, throttling and idempotency.
func New(cfg Config) (*Server, error) {
	if cfg.Market == nil {
		return nil, errors.New("server: market service is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("server: authenticator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StreamPoll <= 0 {
		cfg.StreamPoll = defaultStreamPoll
	}
	srv := &Server{
		market:     cfg.Market,
		db:         cfg.DB,
		logger:     cfg.Logger,
		streamPoll: cfg.StreamPoll,
	}
	srv.router = srv.buildRouter(cfg)
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	obs := mw.NewObservability(cfg.Observability, s.logger)
	limiter := mw.NewRateLimiter(cfg.RateLimit)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(obs.Middleware)
	r.Use(mw.CORS(cfg.CORS))

	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/marketplace", func(api chi.Router) {
		api.Use(cfg.Auth.Middleware)
		api.Use(limiter.Middleware)
		if s.db != nil {
			api.Use(mw.Idempotency(s.db, s.logger))
		}

		api.Route("/listings", func(l chi.Router) {
			l.Post("/", s.CreateListing)
			l.Get("/", s.ActiveListings)
			l.Get("/user", s.UserListings)
			l.Get("/price-range", s.ListingsByPriceRange)
			l.Get("/rarity/{tier}", s.ListingsByRarity)
			l.Get("/sorted-by-rarity", s.ListingsSortedByRarity)
			l.Get("/{id}", s.GetListing)
			l.Post("/{id}/cancel", s.CancelListing)
			l.Post("/{id}/buy", s.BuyNow)
			l.Get("/{id}/offers", s.ListingOffers)
		})
		api.Route("/offers", func(o chi.Router) {
			o.Post("/", s.MakeOffer)
			o.Get("/", s.UserOffers)
			o.Post("/{id}/accept", s.AcceptOffer)
			o.Post("/{id}/reject", s.RejectOffer)
			o.Post("/{id}/cancel", s.CancelOffer)
		})
		api.Route("/orders", func(o chi.Router) {
			o.Get("/", s.UserOrders)
			o.Get("/{id}", s.GetOrder)
			o.With(mw.RequirePrivileged).Post("/{id}/status", s.UpdateOrderStatus)
		})
		api.Route("/collections", func(c chi.Router) {
			c.Post("/", s.CreateCollection)
			c.Get("/{id}/stats", s.CollectionStats)
			c.Get("/{id}/listings", s.CollectionListings)
		})
		api.Get("/nfts/{id}/valuation", s.Valuation)
		api.Get("/nfts/{id}/price-suggestion", s.PriceSuggestion)
		api.Get("/events/stream", s.ActivityStream)
	})

	return otelhttp.NewHandler(r, "marketd")
}

// Health reports liveness and, when a database is configured, reachability.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			s.logger.Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
