// Package account owns the pool: account state, credential resolution,
// project discovery and strategy-driven selection.
package account

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/poemonsense/cloudcode-relay/internal/auth"
	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/store"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

type cachedToken struct {
	Token    string
	CachedAt time.Time
}

// Credentials resolves access tokens for accounts with a per-email cache
// (5-minute TTL) and single-flight refresh: concurrent misses for the same
// account coalesce onto one outbound call.
type Credentials struct {
	mu    sync.RWMutex
	cache map[string]*cachedToken
	group singleflight.Group
}

// NewCredentials creates an empty credentials resolver.
func NewCredentials() *Credentials {
	return &Credentials{cache: make(map[string]*cachedToken)}
}

func tokenTTL() time.Duration {
	return time.Duration(config.TokenRefreshIntervalMs) * time.Millisecond
}

// GetAccessToken returns a cached token when fresh, otherwise refreshes.
func (c *Credentials) GetAccessToken(ctx context.Context, acc *store.Account) (string, error) {
	if acc == nil {
		return "", fmt.Errorf("account is nil")
	}

	c.mu.RLock()
	cached, ok := c.cache[acc.Email]
	c.mu.RUnlock()
	if ok && time.Since(cached.CachedAt) < tokenTTL() {
		return cached.Token, nil
	}

	result, err, _ := c.group.Do(acc.Email, func() (any, error) {
		// Re-check under single-flight: a concurrent caller may have
		// refreshed while we queued.
		c.mu.RLock()
		cached, ok := c.cache[acc.Email]
		c.mu.RUnlock()
		if ok && time.Since(cached.CachedAt) < tokenTTL() {
			return cached.Token, nil
		}

		token, err := c.freshToken(ctx, acc)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.cache[acc.Email] = &cachedToken{Token: token, CachedAt: time.Now()}
		c.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Credentials) freshToken(ctx context.Context, acc *store.Account) (string, error) {
	switch acc.Source {
	case store.SourceOAuth:
		if acc.RefreshToken == "" {
			return "", fmt.Errorf("no refresh token for account %s", acc.Email)
		}
		utils.Debug("[Credentials] Refreshing OAuth token for %s", utils.MaskEmail(acc.Email))
		result, err := auth.RefreshAccessToken(ctx, acc.RefreshToken)
		if err != nil {
			return "", err
		}
		utils.Success("[Credentials] Refreshed OAuth token for %s", utils.MaskEmail(acc.Email))
		return result.AccessToken, nil

	case store.SourceManual:
		if acc.APIKey != "" {
			return acc.APIKey, nil
		}
		return "", fmt.Errorf("no API key for manual account %s", acc.Email)

	case store.SourceDatabase:
		data, err := auth.GetAuthStatus("")
		if err != nil {
			return "", fmt.Errorf("local-db token extraction failed: %w", err)
		}
		return data.APIKey, nil

	default:
		return "", fmt.Errorf("unknown account source: %s", acc.Source)
	}
}

// ClearCache drops every cached token.
func (c *Credentials) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*cachedToken)
}

// ClearCacheFor drops the cached token for one account.
func (c *Credentials) ClearCacheFor(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, email)
}

// IsPermanentAuthError reports whether a refresh failure means the
// credential is dead (as opposed to a transient network problem).
func IsPermanentAuthError(err error) bool {
	if err == nil {
		return false
	}
	if utils.IsNetworkError(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "token refresh failed") ||
		strings.Contains(msg, "token has been expired or revoked") ||
		strings.Contains(msg, "invalid_client")
}
