// Package recon retries ledger mirror writes that failed after their
// authoritative database write succeeded. Items come off the
// reconciliation table, never inline fire-and-forget calls.
package recon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bodasure/internal/claims"
	"bodasure/internal/ledger"
	"bodasure/internal/metrics"
	"bodasure/internal/policy"
	"bodasure/internal/repo"
)

// Config holds worker tuning knobs.
type Config struct {
	Interval   time.Duration
	MaxTries   int
	BatchLimit int
}

// Worker drains pending reconciliation items on a timer.
type Worker struct {
	store    repo.Store
	policies *policy.Service
	claims   *claims.Service
	ledger   ledger.Writer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cfg      Config
}

// New creates the reconciliation worker.
func New(store repo.Store, policies *policy.Service, claimSvc *claims.Service, ledgerWriter ledger.Writer, logger *slog.Logger, metricRegistry *metrics.Metrics, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 10
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	return &Worker{
		store:    store,
		policies: policies,
		claims:   claimSvc,
		ledger:   ledgerWriter,
		logger:   logger.With("component", "recon"),
		metrics:  metricRegistry,
		cfg:      cfg,
	}
}

// Run loops until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("reconciliation pass failed", "error", err)
			}
		}
	}
}

// RunOnce processes one batch of pending items. Items that exceed the retry
// budget are marked failed and left for operator attention.
func (w *Worker) RunOnce(ctx context.Context) error {
	items, err := w.store.ListPendingReconItems(ctx, w.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list pending items: %w", err)
	}

	for _, item := range items {
		err := w.retry(ctx, item)
		if err == nil {
			if resolveErr := w.store.ResolveReconItem(ctx, item.ID); resolveErr != nil {
				w.logger.Error("failed resolving reconciliation item", "error", resolveErr, "item_id", item.ID)
				continue
			}
			if w.metrics != nil {
				w.metrics.ReconRetries.WithLabelValues("resolved").Inc()
			}
			w.logger.Info("reconciliation item resolved", "kind", item.Kind, "target_id", item.TargetID)
			continue
		}

		exhausted := item.Attempts+1 >= w.cfg.MaxTries
		if bumpErr := w.store.BumpReconItem(ctx, item.ID, err.Error(), exhausted); bumpErr != nil {
			w.logger.Error("failed bumping reconciliation item", "error", bumpErr, "item_id", item.ID)
			continue
		}
		if w.metrics != nil {
			if exhausted {
				w.metrics.ReconRetries.WithLabelValues("exhausted").Inc()
			} else {
				w.metrics.ReconRetries.WithLabelValues("retry_failed").Inc()
			}
		}
		if exhausted {
			w.logger.Error("reconciliation item exhausted retries",
				"kind", item.Kind, "target_id", item.TargetID, "attempts", item.Attempts+1, "error", err)
		} else {
			w.logger.Warn("reconciliation retry failed",
				"kind", item.Kind, "target_id", item.TargetID, "attempts", item.Attempts+1, "error", err)
		}
	}
	return nil
}

func (w *Worker) retry(ctx context.Context, item repo.ReconciliationItem) error {
	switch item.Kind {
	case repo.ReconPolicyRegister:
		return w.policies.RetryLedger(ctx, item.TargetID)
	case repo.ReconPolicyStatus:
		pol, err := w.store.GetPolicyByID(ctx, item.TargetID)
		if err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
		if pol.LedgerID == nil {
			return fmt.Errorf("policy %s has no ledger reference yet", pol.PolicyNumber)
		}
		return w.ledger.UpdatePolicyStatus(ctx, *pol.LedgerID, pol.Status)
	case repo.ReconClaimPayout:
		return w.claims.RetryPayout(ctx, item.TargetID)
	case repo.ReconClaimSubmit, repo.ReconClaimApprove, repo.ReconClaimReject, repo.ReconClaimPaid:
		return w.claims.RetryLedger(ctx, item.TargetID, item.Kind)
	default:
		return fmt.Errorf("unknown reconciliation kind %q", item.Kind)
	}
}
