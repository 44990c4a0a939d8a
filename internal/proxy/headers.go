package proxy

import (
	"net/http"
	"strings"

	"github.com/marcogenualdo/session-sync/internal/auth"
)

const (
	HeaderUserID    = "X-Auth-User-Id"
	HeaderEmail     = "X-Auth-Email"
	HeaderName      = "X-Auth-Name"
	HeaderFactors   = "X-Auth-Factors"
	HeaderSessionID = "X-Auth-Session-Id"
)

// InjectHeaders replaces any client-supplied identity headers with values
// from the verified session.
func InjectHeaders(req *http.Request, session *auth.Session) {
	for name := range req.Header {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), "X-Auth-") {
			req.Header.Del(name)
		}
	}

	req.Header.Set(HeaderUserID, session.Identity.UserID)
	req.Header.Set(HeaderEmail, session.Identity.PrimaryEmail())
	req.Header.Set(HeaderSessionID, session.ID)
	if session.Identity.Name != "" {
		req.Header.Set(HeaderName, session.Identity.Name)
	}
	if len(session.Identity.Factors) > 0 {
		req.Header.Set(HeaderFactors, strings.Join(session.Identity.Factors, ","))
	}
}

// stripCookies drops the named cookies from req, keeping the rest.
func stripCookies(req *http.Request, names ...string) {
	cookies := req.Cookies()
	req.Header.Del("Cookie")
	for _, c := range cookies {
		drop := false
		for _, n := range names {
			if c.Name == n {
				drop = true
				break
			}
		}
		if !drop {
			req.AddCookie(c)
		}
	}
}
