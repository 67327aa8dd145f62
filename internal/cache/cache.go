package cache

import (
	"context"
	"time"

	"farmapos/backend/internal/domain"
)

// SettingsCache fronts the pharmacy settings document, which is read on every
// sale and every reclaim sweep.
type SettingsCache interface {
	Get(ctx context.Context, key string) (*domain.PharmacySettings, bool, error)
	Set(ctx context.Context, key string, value *domain.PharmacySettings, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopSettingsCache struct{}

func (NoopSettingsCache) Get(_ context.Context, _ string) (*domain.PharmacySettings, bool, error) {
	return nil, false, nil
}

func (NoopSettingsCache) Set(_ context.Context, _ string, _ *domain.PharmacySettings, _ time.Duration) error {
	return nil
}

func (NoopSettingsCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
