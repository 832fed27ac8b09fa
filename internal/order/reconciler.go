package order

import (
	"context"
	"time"

	"banyco-be/internal/logger"

	"go.uber.org/zap"
)

const (
	DefaultReconcileGrace = 5 * time.Minute
	DefaultReconcileBatch = 100
)

// Reconciler periodically polls ZaloPay for transactions whose callback
// never arrived.
type Reconciler struct {
	svc      Service
	interval time.Duration
	grace    time.Duration
	batch    int
}

func NewReconciler(svc Service, interval time.Duration) *Reconciler {
	return &Reconciler{
		svc:      svc,
		interval: interval,
		grace:    DefaultReconcileGrace,
		batch:    DefaultReconcileBatch,
	}
}

// Run blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	log := logger.L().With(zap.String("component", "reconciler"))
	log.Info("reconciler started",
		zap.Duration("interval", r.interval),
		zap.Duration("grace", r.grace),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.tick(ctx, log)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context, log *zap.Logger) {
	if _, err := r.svc.ReconcilePending(ctx, r.grace, r.batch); err != nil && ctx.Err() == nil {
		log.Error("reconcile pass failed", zap.Error(err))
	}
}
