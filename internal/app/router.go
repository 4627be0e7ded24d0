package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vaxinv/vaxinv/internal/coldchain"
	"github.com/vaxinv/vaxinv/internal/dashboard"
	"github.com/vaxinv/vaxinv/internal/inventory"
	"github.com/vaxinv/vaxinv/internal/observability"
	"github.com/vaxinv/vaxinv/internal/vaccines"
	"github.com/vaxinv/vaxinv/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics

	InventoryHandler *inventory.Handler
	ColdchainHandler *coldchain.Handler
	DashboardHandler *dashboard.Handler
	VaccinesHandler  *vaccines.Handler
	JobHandler       *jobs.Handler
}

// NewRouter constructs the chi.Router with the service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/inventory", params.InventoryHandler.MountRoutes)
	if params.ColdchainHandler != nil {
		r.Route("/coldchain", params.ColdchainHandler.MountRoutes)
	}
	if params.DashboardHandler != nil {
		r.Route("/dashboard", params.DashboardHandler.MountRoutes)
	}
	if params.VaccinesHandler != nil {
		r.Route("/vaccines", params.VaccinesHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}

// NewAPIRouter wires the handlers for services and builds the router.
func NewAPIRouter(logger *slog.Logger, cfg *Config, svc *Services, metrics *observability.Metrics, jobHandler *jobs.Handler) http.Handler {
	return NewRouter(RouterParams{
		Logger:           logger,
		Config:           cfg,
		Metrics:          metrics,
		InventoryHandler: inventory.NewHandler(logger, svc.Inventory),
		ColdchainHandler: coldchain.NewHandler(logger, svc.Coldchain),
		DashboardHandler: dashboard.NewHandler(logger, svc.Dashboard),
		VaccinesHandler:  vaccines.NewHandler(logger, svc.Vaccines),
		JobHandler:       jobHandler,
	})
}
