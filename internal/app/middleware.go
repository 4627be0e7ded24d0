package app

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/vaxinv/vaxinv/internal/observability"
	"github.com/vaxinv/vaxinv/internal/platform/httpx"
	"github.com/vaxinv/vaxinv/internal/shared"
)

// Headers set by the authenticating proxy in front of the service.
const (
	HeaderActorID    = "X-Actor-ID"
	HeaderLocationID = "X-Location-ID"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
}

// ActorMiddleware places the upstream-authenticated actor into the request
// context. Requests without the headers pass through anonymously and are
// turned away by the handlers that need an actor; malformed ids are rejected.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawActor := r.Header.Get(HeaderActorID)
		rawLocation := r.Header.Get(HeaderLocationID)
		if rawActor == "" && rawLocation == "" {
			next.ServeHTTP(w, r)
			return
		}
		actorID, err := strconv.ParseInt(rawActor, 10, 64)
		if err != nil || actorID < 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", HeaderActorID+" must be an integer")
			return
		}
		locationID, err := strconv.ParseInt(rawLocation, 10, 64)
		if err != nil || locationID <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", HeaderLocationID+" must be a positive integer")
			return
		}
		ctx := shared.ContextWithActor(r.Context(), shared.Actor{UserID: actorID, LocationID: locationID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// MiddlewareStack installs the service middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'",
		SSLRedirect:           cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:         !cfg.Config.IsProduction(),
	})

	timeout := 30 * time.Second
	perMinute := 120
	if cfg.Config != nil {
		if cfg.Config.AppRequestTimeout > 0 {
			timeout = cfg.Config.AppRequestTimeout
		}
		if cfg.Config.RateLimitPerMinute > 0 {
			perMinute = cfg.Config.RateLimitPerMinute
		}
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
		httprate.Limit(perMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
		ActorMiddleware,
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, cfg.Metrics.Middleware)
	}
	return middlewares
}
