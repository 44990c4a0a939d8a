package proxy

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/marcogenualdo/session-sync/internal/config"
	"github.com/marcogenualdo/session-sync/internal/httpx"
	"github.com/marcogenualdo/session-sync/internal/middleware"
	"github.com/marcogenualdo/session-sync/pkg/security"
)

// ReverseProxy forwards authenticated first-party API calls to the upstream
// backend. The session and CSRF cookies never leave this process.
type ReverseProxy struct {
	proxy         *httputil.ReverseProxy
	cfg           config.BackendConfig
	sessionCookie string
	csrfCookie    string
	logger        *slog.Logger
}

func NewReverseProxy(cfg config.BackendConfig, sessionCookie, csrfCookie string, logger *slog.Logger) (*ReverseProxy, error) {
	backendURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}

	proxy := httputil.NewSingleHostReverseProxy(backendURL)

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		if !cfg.PreserveHost {
			req.Host = backendURL.Host
		}
	}

	proxy.Transport = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConnsPerHost:   16,
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("proxy error",
			"error", err,
			"backend", backendURL.String(),
			"path", r.URL.Path,
		)
		httpx.WriteError(w, httpx.ErrBadGateway)
	}

	return &ReverseProxy{
		proxy:         proxy,
		cfg:           cfg,
		sessionCookie: sessionCookie,
		csrfCookie:    csrfCookie,
		logger:        logger,
	}, nil
}

func (rp *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		rp.logger.Error("no session in context")
		httpx.WriteError(w, httpx.ErrUnauthorized)
		return
	}

	out := r.Clone(r.Context())
	InjectHeaders(out, session)
	stripCookies(out, rp.sessionCookie, rp.csrfCookie)

	rp.logger.Debug("proxying request",
		"path", r.URL.Path,
		"backend", rp.cfg.URL,
		"session_id", security.TokenPrefix(session.ID),
	)

	rp.proxy.ServeHTTP(w, out)
}
