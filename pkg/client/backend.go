package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

type BackendOptions struct {
	// HTTPClient is used as-is when set; it should carry a cookie jar.
	HTTPClient *http.Client
	// Timeout for each backend call. Defaults to 10 seconds.
	Timeout time.Duration
	// CSRFCookieName defaults to "csrftoken".
	CSRFCookieName string
	// CSRFHeaderName defaults to "x-csrftoken".
	CSRFHeaderName string
	Logger         *slog.Logger
}

type User struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
}

type MeResponse struct {
	User          User `json:"user"`
	Authenticated bool `json:"authenticated"`
}

type EstablishResponse struct {
	Success   bool   `json:"success"`
	User      User   `json:"user"`
	CSRFToken string `json:"csrf_token"`
}

// BackendClient talks to the first-party backend. Cookies live in the
// client's jar and are shared by every call, like a browser's cookie store.
type BackendClient struct {
	baseURL    *url.URL
	http       *http.Client
	csrfCookie string
	csrfHeader string
	logger     *slog.Logger
}

func NewBackendClient(baseURL string, opts BackendOptions) (*BackendClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend url: %q", baseURL)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.CSRFCookieName == "" {
		opts.CSRFCookieName = "csrftoken"
	}
	if opts.CSRFHeaderName == "" {
		opts.CSRFHeaderName = "x-csrftoken"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Jar: jar, Timeout: opts.Timeout}
	}

	return &BackendClient{
		baseURL:    u,
		http:       httpClient,
		csrfCookie: opts.CSRFCookieName,
		csrfHeader: opts.CSRFHeaderName,
		logger:     opts.Logger,
	}, nil
}

// Me is the session probe. A missing or dead backend session yields a
// *StatusError with code 401.
func (c *BackendClient) Me(ctx context.Context) (*MeResponse, error) {
	var me MeResponse
	if err := c.doJSON(ctx, http.MethodGet, "/auth/me", nil, nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// Establish exchanges an IdP session token for a backend session cookie.
func (c *BackendClient) Establish(ctx context.Context, sessionToken string) (*EstablishResponse, error) {
	body := map[string]string{"session_token": sessionToken}
	var resp EstablishResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/session", body, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchCSRFToken asks the backend for a fresh token. The token is read from
// the JSON body; if the body is malformed it falls back to the Set-Cookie
// header of the same response, never to a previously stored cookie.
func (c *BackendClient) FetchCSRFToken(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/csrf-token", nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Method: http.MethodGet, Path: "/csrf-token", StatusCode: resp.StatusCode}
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err == nil && body.Token != "" {
		return body.Token, nil
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == c.csrfCookie && cookie.Value != "" {
			c.logger.Debug("CSRF token body unreadable, using response cookie")
			return cookie.Value, nil
		}
	}

	return "", fmt.Errorf("%w: no token in response", ErrCSRF)
}

// Logout fetches a fresh CSRF token and ends the backend session.
func (c *BackendClient) Logout(ctx context.Context) error {
	token, err := c.FetchCSRFToken(ctx)
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set(c.csrfHeader, token)
	err = c.doJSON(ctx, http.MethodPost, "/auth/logout", nil, headers, nil)
	if isStatus(err, http.StatusForbidden) {
		return fmt.Errorf("%w: %v", ErrCSRF, err)
	}
	return err
}

// Do sends an authenticated request to path. State-changing methods get a
// freshly fetched CSRF token.
func (c *BackendClient) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	var headers http.Header
	if method != http.MethodGet && method != http.MethodHead && method != http.MethodOptions {
		token, err := c.FetchCSRFToken(ctx)
		if err != nil {
			return nil, err
		}
		headers = http.Header{}
		headers.Set(c.csrfHeader, token)
	}
	return c.do(ctx, method, path, body, headers)
}

func (c *BackendClient) do(ctx context.Context, method, path string, body io.Reader, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return c.http.Do(req)
}

func (c *BackendClient) doJSON(ctx context.Context, method, path string, in any, headers http.Header, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, path, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
