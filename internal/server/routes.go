package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/marcogenualdo/session-sync/internal/handlers"
	"github.com/marcogenualdo/session-sync/internal/middleware"
	"github.com/marcogenualdo/session-sync/internal/proxy"
	"github.com/marcogenualdo/session-sync/pkg/security"
)

func (s *Server) setupRoutes() (http.Handler, error) {
	r := chi.NewRouter()

	r.Use(
		chimw.RequestID,
		middleware.Logging(s.logger),
		middleware.Recovery(s.logger),
		s.metrics.Instrument,
		addSecurityHeaders(s.cfg.Server.CookieSecure),
		middleware.CORS(s.cfg.Server.CORSAllowedOrigins, s.cfg.CSRF.HeaderName),
	)

	csrfMiddleware := middleware.NewCSRFMiddleware(s.cfg.CSRF, s.cfg.Server.CookieName, s.cache, s.logger)
	authMiddleware := middleware.NewAuthMiddleware(s.cfg.Server.CookieName, s.sessions, s.logger)
	authMiddleware.OnRotate(security.CookiePolicy{
		Domain:   s.cfg.Server.CookieDomain,
		Secure:   s.cfg.Server.CookieSecure,
		SameSite: s.cfg.Server.CookieSameSite,
	}, csrfMiddleware.Rebind)
	rateLimiter := middleware.NewRateLimiter(s.cfg.RateLimit, s.cache, s.logger)

	healthHandler := handlers.NewHealthHandler(s.cfg, s.cache, s.users, s.version, s.logger)
	csrfHandler := handlers.NewCSRFHandler(s.cfg, csrfMiddleware, s.sessions, s.logger)
	sessionHandler := handlers.NewSessionHandler(s.cfg, s.sessions, csrfMiddleware, s.users, s.metrics, s.logger)
	meHandler := handlers.NewMeHandler(s.users, s.logger)
	logoutHandler := handlers.NewLogoutHandler(s.cfg, s.sessions, csrfMiddleware, s.metrics, s.logger)

	r.Get("/health", healthHandler.ServeHTTP)
	r.Get("/health/db", healthHandler.ServeDB)
	r.Handle("/metrics", s.metrics.Handler())

	r.Get("/csrf-token", csrfHandler.ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		// Establishment is exempt from CSRF: the IdP token in the body is the
		// proof, and concurrent establishers would race on the shared cookie.
		// Only establishment is rate limited.
		r.With(rateLimiter.Limit).Post("/session", sessionHandler.ServeHTTP)
		r.With(authMiddleware.RequireSession).Get("/me", meHandler.ServeHTTP)
		r.With(csrfMiddleware.ValidateCSRF).Post("/logout", logoutHandler.ServeHTTP)
	})

	r.With(authMiddleware.RequireSession).Get("/users/me", meHandler.Profile)

	if s.cfg.Backend.URL != "" {
		reverseProxy, err := proxy.NewReverseProxy(s.cfg.Backend, s.cfg.Server.CookieName, s.cfg.CSRF.CookieName, s.logger)
		if err != nil {
			return nil, err
		}
		r.With(authMiddleware.RequireSession, csrfMiddleware.ValidateCSRF).Handle("/api/*", reverseProxy)
	}

	return r, nil
}

func addSecurityHeaders(hsts bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			if hsts {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

			next.ServeHTTP(w, r)
		})
	}
}
