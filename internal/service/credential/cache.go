package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ordergate/internal/domain"
	"ordergate/internal/store"
)

var credLog = logrus.WithField("component", "credential")

type TokenStore interface {
	SaveBrokerToken(ctx context.Context, token domain.BrokerToken) error
	LoadBrokerToken(ctx context.Context, provider string) (domain.BrokerToken, error)
}

type Fetcher interface {
	RequestToken(ctx context.Context) (TokenResponse, error)
}

// TokenCache hands out a broker access token and renews it skew ahead of
// expiry. One instance per broker connection; it is safe for concurrent use
// and fetches at most once at a time.
type TokenCache struct {
	provider string
	fetcher  Fetcher
	store    TokenStore
	skew     time.Duration
	now      func() time.Time

	mu    sync.Mutex
	token domain.BrokerToken
	// stale is set by Reset so the persisted copy is not reused.
	stale bool
}

func NewTokenCache(provider string, fetcher Fetcher, st TokenStore, skew time.Duration) *TokenCache {
	return &TokenCache{
		provider: provider,
		fetcher:  fetcher,
		store:    st,
		skew:     skew,
		now:      time.Now,
	}
}

func (c *TokenCache) fresh(t domain.BrokerToken) bool {
	return t.AccessToken != "" && c.now().Add(c.skew).Before(t.ExpiresAt)
}

// Token returns a token that stays valid for at least the skew, loading the
// persisted one or fetching a new one when needed.
func (c *TokenCache) Token(ctx context.Context) (domain.BrokerToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fresh(c.token) {
		return c.token, nil
	}
	if c.store != nil && c.token.AccessToken == "" && !c.stale {
		saved, err := c.store.LoadBrokerToken(ctx, c.provider)
		switch {
		case err == nil && c.fresh(saved):
			c.token = saved
			return saved, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			credLog.WithError(err).Warn("load persisted token failed")
		}
	}
	return c.refreshLocked(ctx)
}

// Authorization returns the value for an Authorization header.
func (c *TokenCache) Authorization(ctx context.Context) (string, error) {
	t, err := c.Token(ctx)
	if err != nil {
		return "", err
	}
	return t.TokenType + " " + t.AccessToken, nil
}

func (c *TokenCache) refreshLocked(ctx context.Context) (domain.BrokerToken, error) {
	resp, err := c.fetcher.RequestToken(ctx)
	if err != nil {
		return domain.BrokerToken{}, fmt.Errorf("refresh %s token: %w", c.provider, err)
	}
	now := c.now().UTC()
	c.token = domain.BrokerToken{
		Provider:    c.provider,
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
	c.stale = false
	if c.store != nil {
		if err := c.store.SaveBrokerToken(ctx, c.token); err != nil {
			credLog.WithError(err).Warn("persist token failed")
		}
	}
	credLog.WithFields(logrus.Fields{"provider": c.provider, "expires_at": c.token.ExpiresAt}).Info("broker token refreshed")
	return c.token, nil
}

// Reset drops the cached token so the next call fetches a new one. Used
// after the broker rejects the current token.
func (c *TokenCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = domain.BrokerToken{}
	c.stale = true
}

// Run keeps the token fresh until ctx is cancelled.
func (c *TokenCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.Token(ctx); err != nil && ctx.Err() == nil {
			credLog.WithError(err).Warn("background token refresh failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
