package rest

import (
	"net/http"
	"time"

	"github.com/followlytics/follower-service/internal/domain"
	"github.com/followlytics/follower-service/internal/metrics"
	"github.com/followlytics/follower-service/internal/security"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterDeps struct {
	Cache     domain.CacheRepository
	Handler   *Handler
	Verifier  security.AccessTokenVerifier
	JWTIssuer string

	// Rate limiting; zero values fall back to 100 req/min.
	RateLimitDisabled bool
	RateLimit         int
	RateLimitWindow   time.Duration
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Cache == nil {
		panic("rest.NewRouter: nil cache")
	}
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Verifier == nil {
		panic("rest.NewRouter: nil verifier")
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(HTTPLogger)

	// Panic recovery
	r.Use(middleware.Recoverer)

	// Cross-cutting
	if !d.RateLimitDisabled {
		r.Use(RateLimitMiddleware(d.Cache, d.RateLimit, d.RateLimitWindow))
	}
	r.Use(SecurityHeaders)

	// Outside auth: probes and scrapers don't carry tokens.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(d.Verifier, AuthOptions{ExpectedIssuer: d.JWTIssuer}))

		// target lifecycle
		r.Post("/targets", d.Handler.RegisterTarget)
		r.Delete("/targets/{target}", d.Handler.ArchiveTarget)

		// scans
		r.Post("/targets/{target}/scans", d.Handler.RunScan)

		// reads
		r.Get("/targets/{target}/followers", d.Handler.Followers)
		r.Get("/targets/{target}/unfollowers", d.Handler.Unfollowers)
		r.Get("/targets/{target}/events", d.Handler.Events)
		r.Get("/targets/{target}/stats", d.Handler.Stats)
	})

	return r
}
