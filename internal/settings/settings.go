package settings

import (
	"context"
	"log"
	"time"

	"farmapos/backend/internal/cache"
	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
)

const cacheKey = "pharmacy-settings"

// Provider supplies the pharmacy policy document to the sale engine and the
// reclaimer.
type Provider interface {
	GetSettings(ctx context.Context) (domain.PharmacySettings, error)
}

// Static returns a fixed settings value. Used by tests and single-tenant
// deployments configured purely through the environment.
type Static struct {
	Settings domain.PharmacySettings
}

func (p Static) GetSettings(_ context.Context) (domain.PharmacySettings, error) {
	return p.Settings.Normalized(), nil
}

// StoreProvider reads settings from the repository through a cache. Cache
// failures degrade to a direct read; they never fail the caller.
type StoreProvider struct {
	repo  store.Repository
	cache cache.SettingsCache
	ttl   time.Duration
}

func NewStoreProvider(repo store.Repository, settingsCache cache.SettingsCache, ttl time.Duration) *StoreProvider {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &StoreProvider{repo: repo, cache: settingsCache, ttl: ttl}
}

func (p *StoreProvider) GetSettings(ctx context.Context) (domain.PharmacySettings, error) {
	cached, ok, err := p.cache.Get(ctx, cacheKey)
	if err != nil {
		log.Printf("[settings] WARN: cache read failed, falling back to store: %v", err)
	}
	if ok && cached != nil {
		return cached.Normalized(), nil
	}

	settings, err := p.repo.GetPharmacySettings(ctx)
	if err != nil {
		return domain.PharmacySettings{}, err
	}
	settings = settings.Normalized()

	if err := p.cache.Set(ctx, cacheKey, &settings, p.ttl); err != nil {
		log.Printf("[settings] WARN: cache write failed: %v", err)
	}
	return settings, nil
}

// UpdateSettings persists new settings and drops the cached copy so the next
// read observes them.
func (p *StoreProvider) UpdateSettings(ctx context.Context, settings domain.PharmacySettings) (domain.PharmacySettings, error) {
	saved, err := p.repo.UpdatePharmacySettings(ctx, settings.Normalized())
	if err != nil {
		return domain.PharmacySettings{}, err
	}
	if err := p.cache.Invalidate(ctx, cacheKey); err != nil {
		log.Printf("[settings] WARN: cache invalidation failed: %v", err)
	}
	return saved, nil
}
