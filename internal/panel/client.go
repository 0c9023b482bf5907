package panel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/panelwarden/panelwarden/internal/metrics"
	"github.com/rs/zerolog"
)

// ClientConfig holds parameters for constructing a panel HTTP client.
type ClientConfig struct {
	BaseURL      string
	Username     string
	Password     string
	Token        string
	VerifyTLS    bool
	CACertPath   string
	Timeout      time.Duration
	Debug        bool
	ReauthMinGap time.Duration
}

// httpClient implements Client using direct HTTPS calls to the panel API.
type httpClient struct {
	cfg     ClientConfig
	http    *http.Client
	session *sessionManager
	log     zerolog.Logger
}

// NewClient constructs a new panel Client and performs initial login.
func NewClient(ctx context.Context, cfg ClientConfig, log zerolog.Logger) (Client, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: !cfg.VerifyTLS, //nolint:gosec // user-opted-in
	}
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA cert %s: %w", cfg.CACertPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no valid certificates in %s", cfg.CACertPath)
		}
		tlsCfg.RootCAs = pool
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	hc := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}

	c := &httpClient{
		cfg:  cfg,
		http: hc,
		log:  log,
	}

	authCfg := AuthConfig{
		BaseURL:       cfg.BaseURL,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Token:         cfg.Token,
		ReauthTimeout: cfg.Timeout,
		ReauthMinGap:  cfg.ReauthMinGap,
	}
	c.session = newSessionManager(authCfg, hc, log)

	if err := c.session.EnsureAuth(ctx); err != nil {
		return nil, fmt.Errorf("initial login: %w", err)
	}
	return c, nil
}

// apiDo executes an HTTP request, handling auth, metrics, and typed error translation.
func (c *httpClient) apiDo(ctx context.Context, req *http.Request, endpoint string) (*http.Response, error) {
	start := time.Now()
	c.session.SetAuthHeader(req)

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("panel api request")
	}

	resp, err := c.http.Do(req.WithContext(ctx))
	elapsed := time.Since(start)

	if err != nil {
		if c.cfg.Debug {
			c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
				Err(err).Dur("elapsed", elapsed).Msg("panel api request failed")
		}
		metrics.PanelCalls.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}

	statusLabel := fmt.Sprintf("%dxx", resp.StatusCode/100)
	metrics.PanelCalls.WithLabelValues(endpoint, statusLabel).Inc()
	metrics.PanelDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
			Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("panel api response")
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		_ = resp.Body.Close()
		return nil, &ErrUnauthorized{Msg: "HTTP 401"}
	case http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, &ErrNotFound{}
	case http.StatusTooManyRequests:
		retryAfter := 10 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if d, err := time.ParseDuration(ra + "s"); err == nil {
				retryAfter = d
			}
		}
		_ = resp.Body.Close()
		return nil, &ErrRateLimit{RetryAfter: retryAfter}
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("panel returned HTTP %d for %s", resp.StatusCode, endpoint)
	}
	return resp, nil
}

// withReauth executes fn, and on ErrUnauthorized calls EnsureAuth then retries once.
func (c *httpClient) withReauth(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	var unauthorized *ErrUnauthorized
	if !errors.As(err, &unauthorized) {
		return err
	}
	if authErr := c.session.EnsureAuth(ctx); authErr != nil {
		return fmt.Errorf("re-auth failed: %w", authErr)
	}
	return fn()
}

// apiResponse is the panel's envelope for list endpoints.
type apiResponse struct {
	Response []json.RawMessage `json:"response"`
}

// ListAccounts fetches all accounts for a squad. Records the panel sends
// without a usable email are skipped (they cannot be joined locally).
func (c *httpClient) ListAccounts(ctx context.Context, squadID string) ([]Account, error) {
	endpoint := "list-accounts"
	reqURL := c.cfg.BaseURL + "/api/squads/" + url.PathEscape(squadID) + "/accounts"

	var accounts []Account
	err := c.withReauth(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.apiDo(ctx, req, endpoint)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var body apiResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		accounts = accounts[:0]
		skipped := 0
		for _, raw := range body.Response {
			acct, ok := parseAccount(raw)
			if !ok {
				skipped++
				continue
			}
			accounts = append(accounts, acct)
		}
		if skipped > 0 {
			c.log.Warn().Str("squad", squadID).Int("skipped", skipped).
				Msg("panel returned accounts without usable email")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// DeleteAccount removes an account from the panel by email. A missing
// account is treated as success: the desired state is already reached.
func (c *httpClient) DeleteAccount(ctx context.Context, squadID, email string) error {
	endpoint := "delete-account"
	reqURL := c.cfg.BaseURL + "/api/squads/" + url.PathEscape(squadID) +
		"/accounts/" + url.PathEscape(email)

	err := c.withReauth(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.apiDo(ctx, req, endpoint)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		return nil
	})
	var notFound *ErrNotFound
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

// Ping verifies the panel is reachable.
func (c *httpClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/system/health", nil)
	if err != nil {
		return err
	}
	return c.withReauth(ctx, func() error {
		resp, err := c.apiDo(ctx, req, "ping")
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		return nil
	})
}

// Close is a no-op for stateless HTTP clients (tokens expire server-side).
func (c *httpClient) Close() error {
	return nil
}
