package account

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/poemonsense/cloudcode-relay/internal/auth"
	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/store"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// Projects resolves the managed project id for each account. Entries have
// no TTL; they are invalidated on 401 or explicit clears.
type Projects struct {
	mu    sync.RWMutex
	cache map[string]string
	group singleflight.Group
}

// NewProjects creates an empty project resolver.
func NewProjects() *Projects {
	return &Projects{cache: make(map[string]string)}
}

// resolve returns the project id for an account, in priority order:
// cache, the composite token's managed project id, loadCodeAssist
// discovery (persisting the result back into the composite token),
// onboarding, the account's own project id, the fixed default.
// onSave is invoked when the account record changed and should be
// persisted; onTierDetected delivers a blocking tier fetch result.
func (p *Projects) resolve(ctx context.Context, acc *store.Account, token string,
	onSave func(), onTierDetected func(*auth.SubscriptionInfo)) string {

	p.mu.RLock()
	cached, ok := p.cache[acc.Email]
	p.mu.RUnlock()
	if ok && cached != "" {
		return cached
	}

	result, _, _ := p.group.Do(acc.Email, func() (any, error) {
		return p.resolveSlow(ctx, acc, token, onSave, onTierDetected), nil
	})
	return result.(string)
}

func (p *Projects) resolveSlow(ctx context.Context, acc *store.Account, token string,
	onSave func(), onTierDetected func(*auth.SubscriptionInfo)) string {

	// Only OAuth accounts carry composite tokens and go through discovery.
	if acc.Source != store.SourceOAuth {
		projectID := acc.ProjectID
		if projectID == "" {
			projectID = config.DefaultProjectID
		}
		p.put(acc.Email, projectID)
		return projectID
	}

	parts := auth.ParseRefreshParts(acc.RefreshToken)

	// A managed project already recorded in the composite token wins. If
	// the subscription tier is still unknown, fetch it now so selection
	// and status reporting have it.
	if parts.ManagedProjectID != "" {
		if tierUnknown(acc) && onTierDetected != nil {
			if info, err := auth.GetSubscriptionInfo(ctx, token); err == nil {
				onTierDetected(info)
			}
		}
		p.put(acc.Email, parts.ManagedProjectID)
		return parts.ManagedProjectID
	}

	// Discover through loadCodeAssist / onboarding.
	discovered, err := auth.DiscoverProjectID(ctx, token)
	if err == nil && discovered != "" {
		// Persist the managed project into the composite token so the next
		// start skips discovery.
		parts.ManagedProjectID = discovered
		acc.RefreshToken = auth.FormatRefreshParts(parts)
		if onSave != nil {
			onSave()
		}
		utils.Success("[Projects] Discovered managed project for %s: %s",
			utils.MaskEmail(acc.Email), discovered)
		p.put(acc.Email, discovered)
		return discovered
	}

	// Fall back to whatever project id we already know.
	if parts.ProjectID != "" {
		p.put(acc.Email, parts.ProjectID)
		return parts.ProjectID
	}
	if acc.ProjectID != "" {
		p.put(acc.Email, acc.ProjectID)
		return acc.ProjectID
	}

	utils.Warn("[Projects] No project resolved for %s, using default", utils.MaskEmail(acc.Email))
	return config.DefaultProjectID
}

func tierUnknown(acc *store.Account) bool {
	return acc.Subscription == nil || acc.Subscription.Tier == "" || acc.Subscription.Tier == "unknown"
}

func (p *Projects) put(email, projectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[email] = projectID
}

// ClearCache drops every cached project id.
func (p *Projects) ClearCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]string)
}

// ClearCacheFor drops the cached project id for one account.
func (p *Projects) ClearCacheFor(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, email)
}
