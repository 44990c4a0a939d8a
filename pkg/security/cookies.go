package security

import (
	"net/http"
	"strings"
	"time"
)

// CookiePolicy holds the attributes shared by every cookie the backend issues.
type CookiePolicy struct {
	Domain   string
	Secure   bool
	SameSite string
}

func (p CookiePolicy) sameSite() http.SameSite {
	switch strings.ToLower(p.SameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// CreateSessionCookie builds the HTTP-only cookie carrying the backend session ID.
func CreateSessionCookie(p CookiePolicy, name, sessionID string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    sessionID,
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   int(maxAge.Seconds()),
		Secure:   p.Secure,
		HttpOnly: true,
		SameSite: p.sameSite(),
	}
}

// CreateCSRFCookie builds the script-readable half of the double-submit pair.
func CreateCSRFCookie(p CookiePolicy, name, token string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    token,
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   int(maxAge.Seconds()),
		Secure:   p.Secure,
		HttpOnly: false,
		SameSite: p.sameSite(),
	}
}

func ClearCookie(p CookiePolicy, name string, httpOnly bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   -1,
		Secure:   p.Secure,
		HttpOnly: httpOnly,
		SameSite: p.sameSite(),
	}
}

func GetCookieValue(req *http.Request, name string) string {
	cookie, err := req.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
