package reclaim

import (
	"context"
	"errors"
	"log"
	"time"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/settings"
	"farmapos/backend/internal/store"
)

// sweepBatchLimit caps how many expired sales one sweep touches. Anything
// beyond the cap is picked up by the next tick.
const sweepBatchLimit = 200

// IsSaleExpired reports whether a held sale has outlived the short code
// window at the given instant. Finalized sales and sales without a short code
// never expire.
func IsSaleExpired(sale domain.Sale, pharmacySettings domain.PharmacySettings, now time.Time) bool {
	if !sale.Held() {
		return false
	}
	return now.Sub(sale.CreatedAt) > pharmacySettings.ExpiryWindow()
}

// Reclaimer restores stock reserved by held sales whose short code expired.
// A sweep restores each line at most once and deletes a sale only after every
// line is back in stock, so a crashed or partially failed sweep can simply be
// rerun.
type Reclaimer struct {
	repo     store.Repository
	settings settings.Provider
}

func New(repo store.Repository, settingsProvider settings.Provider) *Reclaimer {
	return &Reclaimer{repo: repo, settings: settingsProvider}
}

// Sweep processes the current batch of expired held sales and returns how
// many were fully cleaned up.
func (r *Reclaimer) Sweep(ctx context.Context) (int, error) {
	pharmacySettings, err := r.settings.GetSettings(ctx)
	if err != nil {
		return 0, err
	}
	if !pharmacySettings.RequireShortCode {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-pharmacySettings.ExpiryWindow())
	expired, err := r.repo.ListExpiredHeldSales(ctx, cutoff, sweepBatchLimit)
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, sale := range expired {
		if r.reclaimSale(ctx, sale) {
			cleaned++
		}
	}
	if cleaned > 0 {
		log.Printf("[reclaim] cleaned up %d expired held sale(s)", cleaned)
	}
	return cleaned, nil
}

// reclaimSale restores every unrestored line of one sale, then deletes it.
// A line that fails to restore leaves the sale in place for the next sweep;
// lines already restored are skipped by the store, so retries are exact.
func (r *Reclaimer) reclaimSale(ctx context.Context, sale domain.Sale) bool {
	allRestored := true
	for lineNo, item := range sale.Items {
		if item.Restored {
			continue
		}
		err := r.repo.RestoreSaleItem(ctx, sale.ID, lineNo)
		if errors.Is(err, store.ErrNotFound) {
			// Sale finalized or vanished between listing and restore, or the
			// drug row is gone. Either way this sale cannot be reclaimed now.
			log.Printf("[reclaim] WARN: skipping line %d of sale %s: %v", lineNo, sale.ID, err)
			allRestored = false
			continue
		}
		if err != nil {
			log.Printf("[reclaim] WARN: restore failed for line %d of sale %s: %v", lineNo, sale.ID, err)
			allRestored = false
		}
	}
	if !allRestored {
		return false
	}

	err := r.repo.DeleteReclaimedSale(ctx, sale.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Another sweep got there first.
		return false
	}
	if err != nil {
		log.Printf("[reclaim] WARN: delete failed for sale %s: %v", sale.ID, err)
		return false
	}
	return true
}

// Stats reports the currently expired held sales without touching them.
func (r *Reclaimer) Stats(ctx context.Context) (domain.ExpiredSaleStats, error) {
	pharmacySettings, err := r.settings.GetSettings(ctx)
	if err != nil {
		return domain.ExpiredSaleStats{}, err
	}
	if !pharmacySettings.RequireShortCode {
		return domain.ExpiredSaleStats{}, nil
	}
	cutoff := time.Now().UTC().Add(-pharmacySettings.ExpiryWindow())
	return r.repo.ExpiredSaleStats(ctx, cutoff)
}

// Run sweeps on the given interval until the context is cancelled.
func (r *Reclaimer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				log.Printf("[reclaim] WARN: sweep failed: %v", err)
			}
		}
	}
}
