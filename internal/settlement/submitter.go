package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chainvenue/core/internal/config"
	"github.com/chainvenue/core/internal/ledger"
	"github.com/chainvenue/core/internal/store"
	"github.com/chainvenue/core/pkg/errs"
	"github.com/chainvenue/core/pkg/metrics"
	"github.com/chainvenue/core/pkg/models"
)

// QueueStore is the settlement queue surface the submitter drains.
type QueueStore interface {
	DueItems(ctx context.Context, now time.Time, limit int) ([]models.SettlementQueueItem, error)
	RequeueStalled(ctx context.Context, before time.Time) (int64, error)
	CountOpenItems(ctx context.Context) (int64, error)
	MarkItemProcessing(ctx context.Context, id uuid.UUID) error
	MarkItemSubmitted(ctx context.Context, id uuid.UUID, attempts int) error
	MarkItemConfirmed(ctx context.Context, id uuid.UUID, attempts int) error
	MarkItemRetry(ctx context.Context, id uuid.UUID, attempts int, lastErr string, retryAfter time.Time) error
	MarkItemFailed(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error
	UpdateBatchStatus(ctx context.Context, id uuid.UUID, status models.BatchStatus) error
	MarkBatchCompleted(ctx context.Context, id uuid.UUID, txHash string) error
	MarkBatchRetrying(ctx context.Context, id uuid.UUID) error
}

// MatchSettler finalizes the matches covered by a queue item.
type MatchSettler interface {
	MarkSettled(ctx context.Context, ids []uuid.UUID, txHash string) error
	MarkFailed(ctx context.Context, ids []uuid.UUID) error
}

// LedgerSubmitter submits settlement batches to the ledger.
type LedgerSubmitter interface {
	SubmitSettlement(ctx context.Context, payload ledger.SettlementPayload) (string, error)
	WaitForConfirmation(ctx context.Context, txHash string) error
}

// Submitter drains due settlement queue items: submits each batch to the
// ledger, confirms it, and advances the retry/backoff state machine on
// failure.
type Submitter struct {
	queue   QueueStore
	matches MatchSettler
	ledger  LedgerSubmitter
	cfg     config.WorkerConfig
	logger  *zap.Logger
}

// NewSubmitter creates a settlement submitter.
func NewSubmitter(queue QueueStore, matches MatchSettler, ledgerClient LedgerSubmitter, cfg config.WorkerConfig, logger *zap.Logger) *Submitter {
	return &Submitter{
		queue:   queue,
		matches: matches,
		ledger:  ledgerClient,
		cfg:     cfg,
		logger:  logger.Named("settlement-submitter"),
	}
}

// Drain processes up to the configured batch size of due items. A failing
// item never blocks the rest of the cycle. Returns the number of items
// confirmed.
func (s *Submitter) Drain(ctx context.Context) (int, error) {
	if s.cfg.StalledAfter > 0 {
		cutoff := time.Now().UTC().Add(-s.cfg.StalledAfter)
		if n, err := s.queue.RequeueStalled(ctx, cutoff); err != nil {
			s.logger.Warn("stalled item recovery failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Warn("requeued settlement items orphaned in flight", zap.Int64("count", n))
		}
	}

	items, err := s.queue.DueItems(ctx, time.Now().UTC(), s.cfg.SettlementBatchSize)
	if err != nil {
		return 0, err
	}
	if depth, derr := s.queue.CountOpenItems(ctx); derr == nil {
		metrics.SettlementQueueDepth.Set(float64(depth))
	}

	confirmed := 0
	for i := range items {
		if err := s.processItem(ctx, &items[i]); err != nil {
			s.logger.Error("settlement item did not confirm",
				zap.String("item_id", items[i].ID.String()), zap.Error(err))
			continue
		}
		confirmed++
	}
	return confirmed, nil
}

// processItem runs one attempt of one queue item. The allocate-then-transfer
// submission and its confirmation form a unit: any failure routes to the
// retry/backoff path, never to a partially confirmed state.
func (s *Submitter) processItem(ctx context.Context, item *models.SettlementQueueItem) error {
	if err := s.queue.MarkItemProcessing(ctx, item.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Already advanced past queued, nothing to do.
			return nil
		}
		return err
	}
	if err := s.queue.UpdateBatchStatus(ctx, item.BatchID, models.BatchProcessing); err != nil {
		s.logger.Warn("batch status update failed", zap.Error(err))
	}

	attempts := item.Attempts + 1

	var payload ledger.SettlementPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return s.fail(ctx, item, attempts, fmt.Errorf("decode payload: %w", err))
	}

	txHash, err := s.ledger.SubmitSettlement(ctx, payload)
	if err != nil {
		return s.fail(ctx, item, attempts, err)
	}
	if err := s.queue.MarkItemSubmitted(ctx, item.ID, attempts); err != nil {
		s.logger.Warn("item submitted-state update failed", zap.Error(err))
	}
	if err := s.ledger.WaitForConfirmation(ctx, txHash); err != nil {
		return s.fail(ctx, item, attempts, err)
	}

	if err := s.queue.MarkItemConfirmed(ctx, item.ID, attempts); err != nil {
		return err
	}
	if err := s.matches.MarkSettled(ctx, item.MatchIDs, txHash); err != nil {
		return err
	}
	if err := s.queue.MarkBatchCompleted(ctx, item.BatchID, txHash); err != nil {
		return err
	}
	metrics.SettlementAttempts.WithLabelValues("confirmed").Inc()
	s.logger.Info("settlement confirmed",
		zap.String("item_id", item.ID.String()),
		zap.String("batch_id", item.BatchID.String()),
		zap.String("tx_hash", txHash),
		zap.Int("attempts", attempts))
	return nil
}

// fail advances the retry state machine after a failed attempt: linear
// backoff until max attempts, then terminal failure of the item, its batch
// and its matches.
func (s *Submitter) fail(ctx context.Context, item *models.SettlementQueueItem, attempts int, cause error) error {
	if attempts < item.MaxAttempts {
		retryAfter := time.Now().UTC().Add(time.Duration(attempts) * s.cfg.RetryBackoff)
		if err := s.queue.MarkItemRetry(ctx, item.ID, attempts, cause.Error(), retryAfter); err != nil {
			return err
		}
		if err := s.queue.MarkBatchRetrying(ctx, item.BatchID); err != nil {
			s.logger.Warn("batch retry-state update failed", zap.Error(err))
		}
		metrics.SettlementAttempts.WithLabelValues("retry").Inc()
		s.logger.Warn("settlement attempt failed, scheduled retry",
			zap.String("item_id", item.ID.String()),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", item.MaxAttempts),
			zap.Time("retry_after", retryAfter),
			zap.Error(cause))
		return fmt.Errorf("attempt %d/%d failed: %w", attempts, item.MaxAttempts, cause)
	}

	if err := s.queue.MarkItemFailed(ctx, item.ID, attempts, cause.Error()); err != nil {
		return err
	}
	if err := s.matches.MarkFailed(ctx, item.MatchIDs); err != nil {
		s.logger.Error("failed to mark matches failed", zap.Error(err))
	}
	if err := s.queue.UpdateBatchStatus(ctx, item.BatchID, models.BatchFailed); err != nil {
		s.logger.Error("failed to mark batch failed", zap.Error(err))
	}
	metrics.SettlementAttempts.WithLabelValues("failed").Inc()
	terminal := &errs.TerminalSettlementError{ItemID: item.ID.String(), Attempts: attempts, Err: cause}
	s.logger.Error("settlement failed terminally, operator intervention required",
		zap.String("item_id", item.ID.String()),
		zap.String("batch_id", item.BatchID.String()),
		zap.Error(terminal))
	return terminal
}
