// Package server exposes the marketplace HTTP API.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"skinmarket/auth"
	"skinmarket/catalog"
	"skinmarket/deposits"
	"skinmarket/identity"
	"skinmarket/listings"
	mktmw "skinmarket/middleware"
	"skinmarket/observability"
	"skinmarket/orders"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB             *gorm.DB
	Registry       *listings.Registry
	Engine         *orders.Engine
	Deposits       *deposits.Processor
	Identity       *identity.Resolver
	Catalog        *catalog.Client
	Verifier       *auth.Verifier
	PlatformWallet string
	WebhookAPIKey  string
	OpsAPIKey      string
	Logger         *slog.Logger
	Now            func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db             *gorm.DB
	registry       *listings.Registry
	engine         *orders.Engine
	deposits       *deposits.Processor
	identity       *identity.Resolver
	catalog        *catalog.Client
	verifier       *auth.Verifier
	platformWallet string
	webhookAPIKey  string
	opsAPIKey      string
	logger         *slog.Logger
	metrics        *observability.MarketMetrics
	now            func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router with authentication and
// idempotency support.
func New(cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	srv := &Server{
		db:             cfg.DB,
		registry:       cfg.Registry,
		engine:         cfg.Engine,
		deposits:       cfg.Deposits,
		identity:       cfg.Identity,
		catalog:        cfg.Catalog,
		verifier:       cfg.Verifier,
		platformWallet: cfg.PlatformWallet,
		webhookAPIKey:  cfg.WebhookAPIKey,
		opsAPIKey:      cfg.OpsAPIKey,
		logger:         cfg.Logger,
		metrics:        observability.Metrics(),
		now:            cfg.Now,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(func(next http.Handler) http.Handler { return mktmw.WithIdempotency(s.db, next) })
		api.Use(s.verifier.Authenticate)

		api.Get("/listings", s.BrowseListings)
		api.Post("/listings", s.CreateListing)
		api.Get("/listings/{id}", s.GetListing)
		api.Post("/listings/{id}/cancel", s.CancelListing)
		api.Post("/listings/{id}/purchase", s.PurchaseListing)

		api.Get("/my/listings", s.MyListings)
		api.Get("/inventory", s.Inventory)

		api.Get("/orders", s.MyOrders)
		api.Get("/orders/{id}", s.GetOrder)
		api.Post("/orders/{id}/sent", s.MarkOrderSent)
		api.Post("/orders/{id}/confirm", s.ConfirmOrder)
		api.Post("/orders/{id}/dispute", s.DisputeOrder)

		api.Get("/deposits", s.RecentDeposits)
		api.Get("/deposits/instructions", s.DepositInstructions)

		api.Get("/profile", s.GetProfile)
		api.Put("/profile", s.UpdateProfile)
	})

	r.Route("/webhooks", func(hooks chi.Router) {
		hooks.Use(auth.RequireAPIKey(s.webhookAPIKey))
		hooks.Post("/deposits", s.DepositWebhook)
	})

	r.Route("/ops", func(ops chi.Router) {
		ops.Use(auth.RequireAPIKey(s.opsAPIKey))
		ops.Post("/orders/{id}/force-complete", s.ForceCompleteOrder)
		ops.Post("/orders/{id}/resolve", s.ResolveOrder)
	})

	return r
}
