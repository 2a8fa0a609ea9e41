package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/logger"
)

const (
	defaultTokenLifetime = time.Hour
	defaultExpiryMargin  = 60 * time.Second
	defaultHTTPTimeout   = 30 * time.Second
	maxErrorBody         = 512
	flightKey            = "token"
)

// ClientCredentialsConfig configures an OAuth2 client-credentials exchange.
type ClientCredentialsConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
	// ExpiryMargin is subtracted from the reported lifetime.
	ExpiryMargin time.Duration
	HTTPClient   *http.Client
	// Now overrides the clock in tests.
	Now func() time.Time
}

// ClientCredentials exchanges a client id and secret for bearer tokens and caches the
// result until it expires or is invalidated. Concurrent exchanges collapse into one.
type ClientCredentials struct {
	cfg    ClientCredentialsConfig
	client *http.Client
	now    func() time.Time
	log    logger.Logger

	mu     sync.Mutex
	cached Token

	group     singleflight.Group
	exchanges atomic.Int64
}

// NewClientCredentials returns a client-credentials provider.
func NewClientCredentials(cfg ClientCredentialsConfig, log logger.Logger) *ClientCredentials {
	if cfg.ExpiryMargin <= 0 {
		cfg.ExpiryMargin = defaultExpiryMargin
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &ClientCredentials{cfg: cfg, client: client, now: now, log: log}
}

// Exchanges returns how many token exchanges have succeeded.
func (c *ClientCredentials) Exchanges() int64 {
	return c.exchanges.Load()
}

// Token returns the cached token or performs a fresh exchange.
func (c *ClientCredentials) Token(ctx context.Context) (Token, error) {
	if tok, ok := c.cachedToken(); ok {
		return tok, nil
	}

	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		// A flight that finished just before this one may have filled the cache.
		if tok, ok := c.cachedToken(); ok {
			return tok, nil
		}

		tok, exchangeErr := c.exchange(ctx)
		if exchangeErr != nil {
			return Token{}, exchangeErr
		}

		c.mu.Lock()
		c.cached = tok
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return Token{}, err
	}

	tok, _ := v.(Token)
	return tok, nil
}

// Invalidate drops the cached token if it is still rejected.
func (c *ClientCredentials) Invalidate(rejected Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached.Value == rejected.Value {
		c.cached = Token{}
	}
}

func (c *ClientCredentials) cachedToken() (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached.Valid(c.now()) {
		return c.cached, true
	}
	return Token{}, false
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *ClientCredentials) exchange(ctx context.Context) (Token, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	if c.cfg.Scope != "" {
		form.Set("scope", c.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("%w: build token request: %w", ErrAuthFailure, err)
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: token request: %w", ErrAuthFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Token{}, fmt.Errorf("%w: token endpoint returned %d: %s",
			ErrAuthFailure, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&tr); decodeErr != nil {
		return Token{}, fmt.Errorf("%w: decode token response: %w", ErrAuthFailure, decodeErr)
	}
	if tr.AccessToken == "" {
		return Token{}, fmt.Errorf("%w: token response has no access_token", ErrAuthFailure)
	}

	now := c.now()
	tok := Token{Value: tr.AccessToken, ExpiresAt: c.expiry(now, tr)}
	c.exchanges.Add(1)

	c.log.Debug("Exchanged client credentials for token",
		logger.Time("expires_at", tok.ExpiresAt),
		logger.Int64("exchanges", c.exchanges.Load()),
	)

	return tok, nil
}

// expiry picks expires_in, then the JWT exp claim, then the default lifetime, and
// subtracts the safety margin.
func (c *ClientCredentials) expiry(now time.Time, tr tokenResponse) time.Time {
	var expiresAt time.Time
	switch {
	case tr.ExpiresIn > 0:
		expiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	default:
		if exp, ok := jwtExpiry(tr.AccessToken); ok {
			expiresAt = exp
		} else {
			expiresAt = now.Add(defaultTokenLifetime)
		}
	}

	withMargin := expiresAt.Add(-c.cfg.ExpiryMargin)
	if !withMargin.After(now) {
		// Lifetime shorter than the margin: use half of what is left.
		return now.Add(expiresAt.Sub(now) / 2)
	}
	return withMargin
}

// jwtExpiry reads the exp claim without verifying the signature. The token is only
// inspected for its lifetime; the upstream verifies it.
func jwtExpiry(raw string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
