package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/deal_escrow/repository"
)

// Reaper periodically expires proposed and accepted deals whose window has
// closed. Deals that have reached payment are never touched.
type Reaper struct {
	deals    *repository.DealRepository
	svc      *DealService
	interval time.Duration
	batch    int
	log      *zap.Logger
}

func NewReaper(deals *repository.DealRepository, svc *DealService, interval time.Duration, batch int, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{deals: deals, svc: svc, interval: interval, batch: batch, log: log.Named("reaper")}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("reaper started", zap.Duration("interval", r.interval))
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep expires every due deal, one transaction per deal. A deal that fails
// to expire is logged and left for the next sweep.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		due, err := r.deals.ListExpirable(ctx, r.svc.now().UTC(), r.batch)
		if err != nil {
			return total, err
		}

		expired, failed := 0, 0
		for _, d := range due {
			ok, err := r.svc.Expire(ctx, d.ID)
			if err != nil {
				if ctx.Err() != nil {
					return total, ctx.Err()
				}
				failed++
				r.log.Warn("expire deal", zap.String("deal_id", d.ID), zap.Error(err))
				continue
			}
			if ok {
				expired++
			}
		}
		total += expired

		// A short page is the last one; a page of failures would repeat forever.
		if len(due) < r.batch || expired == 0 {
			break
		}
	}
	if total > 0 {
		r.log.Info("expired deals", zap.Int("count", total))
	}
	return total, nil
}
