package files

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"courier/cmd/internal/apperr"
	"courier/cmd/internal/metrics"
)

const defaultBatch = 50

// Report summarises one reconciliation pass.
type Report struct {
	Imported  int
	Duplicate int
	Rejected  int
	Failed    int
	Remaining int
}

// Reconciler moves pending fallback records into the primary store.
type Reconciler struct {
	store    Store
	fallback Fallback
	log      *slog.Logger
	metrics  *metrics.Metrics
	batch    int
	now      func() time.Time
}

type ReconcilerOption func(*Reconciler)

func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

func WithReconcilerMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func WithBatchSize(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.batch = n
		}
	}
}

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func NewReconciler(store Store, fb Fallback, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:    store,
		fallback: fb,
		log:      slog.Default(),
		batch:    defaultBatch,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RunOnce imports one batch. It stops early when the primary store is
// still unreachable; the remaining records stay pending.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var rep Report

	pending, err := r.fallback.List(ctx, r.batch)
	if err != nil {
		return rep, err
	}

	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		inserted, err := r.store.Import(ctx, p.Envelope, r.now().UTC())
		switch {
		case err == nil:
			if rmErr := r.fallback.Remove(ctx, p.Envelope.ID); rmErr != nil {
				r.log.Error("files.reconcile.remove_failed", "file_id", p.Envelope.ID, "backend", r.fallback.Name(), "err", rmErr)
			}
			if inserted {
				rep.Imported++
				r.metrics.Reconciled("imported")
				r.log.Info("files.reconcile.imported", "file_id", p.Envelope.ID, "owner_id", p.Envelope.OwnerID)
			} else {
				rep.Duplicate++
				r.metrics.Reconciled("duplicate")
			}

		case errors.Is(err, apperr.ErrTransient):
			rep.Failed++
			r.metrics.Reconciled("deferred")
			r.refreshGauge(ctx, &rep)
			return rep, err

		case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrValidation):
			reason := apperr.Message(err)
			if reason == "" {
				reason = err.Error()
			}
			if rjErr := r.fallback.Reject(ctx, p.Envelope.ID, reason); rjErr != nil {
				r.log.Error("files.reconcile.reject_failed", "file_id", p.Envelope.ID, "err", rjErr)
				rep.Failed++
				continue
			}
			rep.Rejected++
			r.metrics.Reconciled("rejected")
			r.log.Warn("files.reconcile.rejected", "file_id", p.Envelope.ID, "owner_id", p.Envelope.OwnerID, "reason", reason)

		default:
			rep.Failed++
			r.metrics.Reconciled("failed")
			r.log.Error("files.reconcile.failed", "file_id", p.Envelope.ID, "err", err)
		}
	}

	r.refreshGauge(ctx, &rep)
	return rep, nil
}

// Run calls RunOnce every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		rep, err := r.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.log.Warn("files.reconcile.pass", "err", err, "remaining", rep.Remaining)
		case rep.Imported+rep.Rejected+rep.Failed > 0:
			r.log.Info("files.reconcile.pass",
				"imported", rep.Imported,
				"duplicate", rep.Duplicate,
				"rejected", rep.Rejected,
				"failed", rep.Failed,
				"remaining", rep.Remaining,
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (r *Reconciler) refreshGauge(ctx context.Context, rep *Report) {
	n, err := r.fallback.Count(ctx)
	if err != nil {
		r.log.Warn("files.reconcile.count_failed", "backend", r.fallback.Name(), "err", err)
		return
	}
	rep.Remaining = n
	r.metrics.SetFallbackPending(n)
}
