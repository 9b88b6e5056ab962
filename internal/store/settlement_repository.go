package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chainvenue/core/pkg/models"
)

// SettlementRepository persists settlement batches and the queue the
// submitter drains.
type SettlementRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSettlementRepository creates a GORM-backed settlement repository.
func NewSettlementRepository(db *gorm.DB, logger *zap.Logger) *SettlementRepository {
	return &SettlementRepository{db: db, logger: logger.Named("settlement-store")}
}

// CreateBatchWithItem inserts a batch and its queue item and claims the
// covered matches (pending to settling) in one transaction. If any match was
// claimed concurrently the whole transaction rolls back with ErrConflict, so
// a match can never be referenced by two durable queue items.
func (r *SettlementRepository) CreateBatchWithItem(ctx context.Context, batch *models.SettlementBatch, item *models.SettlementQueueItem, matchIDs []uuid.UUID) error {
	now := time.Now().UTC()
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if batch.Status == "" {
		batch.Status = models.BatchPending
	}
	batch.CreatedAt = now
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.BatchID = batch.ID
	if item.Status == "" {
		item.Status = models.ItemQueued
	}
	item.CreatedAt = now

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(matchIDs) > 0 {
			res := tx.Model(&models.Match{}).
				Where("id IN ? AND settlement_status = ?", matchIDs, models.SettlementPending).
				Updates(map[string]interface{}{
					"settlement_status": models.SettlementSettling,
					"batch_id":          batch.ID,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != int64(len(matchIDs)) {
				return ErrConflict
			}
		}
		if err := tx.Create(batch).Error; err != nil {
			return err
		}
		return tx.Create(item).Error
	})
	if errors.Is(err, ErrConflict) {
		return ErrConflict
	}
	if err != nil {
		r.logger.Error("failed to create settlement batch",
			zap.Error(err), zap.String("market", batch.Market))
		return fmt.Errorf("create settlement batch: %w", err)
	}
	return nil
}

// DueItems returns up to limit queue items eligible for submission: queued
// items plus retry-pending items whose retry-after time has passed, ordered
// by batch priority then item age.
func (r *SettlementRepository) DueItems(ctx context.Context, now time.Time, limit int) ([]models.SettlementQueueItem, error) {
	var items []models.SettlementQueueItem
	q := r.db.WithContext(ctx).
		Model(&models.SettlementQueueItem{}).
		Joins("JOIN settlement_batches ON settlement_batches.id = settlement_queue_items.batch_id").
		Where("settlement_queue_items.status IN ?", []models.QueueItemStatus{models.ItemQueued, models.ItemRetryPending}).
		Where("settlement_queue_items.retry_after IS NULL OR settlement_queue_items.retry_after <= ?", now).
		Order("settlement_batches.priority desc, settlement_queue_items.created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("query due settlement items: %w", err)
	}
	return items, nil
}

// CountOpenItems counts items still awaiting a final outcome.
func (r *SettlementRepository) CountOpenItems(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.SettlementQueueItem{}).
		Where("status IN ?", []models.QueueItemStatus{models.ItemQueued, models.ItemRetryPending, models.ItemProcessing}).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count open settlement items: %w", err)
	}
	return n, nil
}

// GetItem fetches one queue item.
func (r *SettlementRepository) GetItem(ctx context.Context, id uuid.UUID) (*models.SettlementQueueItem, error) {
	var item models.SettlementQueueItem
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement item %s: %w", id, err)
	}
	return &item, nil
}

// GetBatch fetches one settlement batch.
func (r *SettlementRepository) GetBatch(ctx context.Context, id uuid.UUID) (*models.SettlementBatch, error) {
	var batch models.SettlementBatch
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement batch %s: %w", id, err)
	}
	return &batch, nil
}

// MarkItemProcessing claims a due item. Items already past the queued or
// retry-pending states are not reclaimed; the conditional update keeps
// confirmed and failed items out of later drain cycles even if a stale
// snapshot handed them to the submitter.
func (r *SettlementRepository) MarkItemProcessing(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Model(&models.SettlementQueueItem{}).
		Where("id = ? AND status IN ?", id, []models.QueueItemStatus{models.ItemQueued, models.ItemRetryPending}).
		Updates(map[string]interface{}{
			"status":     models.ItemProcessing,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("mark item processing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// MarkItemSubmitted records a submitted ledger transaction awaiting
// confirmation.
func (r *SettlementRepository) MarkItemSubmitted(ctx context.Context, id uuid.UUID, attempts int) error {
	return r.updateItem(ctx, id, map[string]interface{}{
		"status":   models.ItemSubmitted,
		"attempts": attempts,
	})
}

// MarkItemConfirmed finalizes a successfully settled item.
func (r *SettlementRepository) MarkItemConfirmed(ctx context.Context, id uuid.UUID, attempts int) error {
	return r.updateItem(ctx, id, map[string]interface{}{
		"status":   models.ItemConfirmed,
		"attempts": attempts,
	})
}

// MarkItemRetry schedules a failed item for another attempt.
func (r *SettlementRepository) MarkItemRetry(ctx context.Context, id uuid.UUID, attempts int, lastErr string, retryAfter time.Time) error {
	return r.updateItem(ctx, id, map[string]interface{}{
		"status":      models.ItemRetryPending,
		"attempts":    attempts,
		"last_error":  lastErr,
		"error_count": gorm.Expr("error_count + 1"),
		"retry_after": retryAfter,
	})
}

// MarkItemFailed moves an item to its terminal failed state.
func (r *SettlementRepository) MarkItemFailed(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error {
	return r.updateItem(ctx, id, map[string]interface{}{
		"status":      models.ItemFailed,
		"attempts":    attempts,
		"last_error":  lastErr,
		"error_count": gorm.Expr("error_count + 1"),
	})
}

// RequeueStalled returns items stuck in processing or submitted since before
// the cutoff to retry_pending. Such items were orphaned by a crash between
// claim and confirmation; the attempt is counted because the submission may
// have landed. Returns the number of items recovered.
func (r *SettlementRepository) RequeueStalled(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.SettlementQueueItem{}).
		Where("status IN ? AND updated_at <= ?",
			[]models.QueueItemStatus{models.ItemProcessing, models.ItemSubmitted}, before).
		Updates(map[string]interface{}{
			"status":     models.ItemRetryPending,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": "interrupted before confirmation",
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("requeue stalled settlement items: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *SettlementRepository) updateItem(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now().UTC()
	err := r.db.WithContext(ctx).
		Model(&models.SettlementQueueItem{}).
		Where("id = ?", id).
		Updates(fields).Error
	if err != nil {
		return fmt.Errorf("update settlement item %s: %w", id, err)
	}
	return nil
}

// UpdateBatchStatus sets the batch status.
func (r *SettlementRepository) UpdateBatchStatus(ctx context.Context, id uuid.UUID, status models.BatchStatus) error {
	return r.updateBatch(ctx, id, map[string]interface{}{"status": status})
}

// MarkBatchCompleted finalizes a batch with its ledger transaction hash.
func (r *SettlementRepository) MarkBatchCompleted(ctx context.Context, id uuid.UUID, txHash string) error {
	return r.updateBatch(ctx, id, map[string]interface{}{
		"status":  models.BatchCompleted,
		"tx_hash": txHash,
	})
}

// MarkBatchRetrying bumps the retry counter and parks the batch until the
// queue item comes due again.
func (r *SettlementRepository) MarkBatchRetrying(ctx context.Context, id uuid.UUID) error {
	return r.updateBatch(ctx, id, map[string]interface{}{
		"status":      models.BatchRetrying,
		"retry_count": gorm.Expr("retry_count + 1"),
	})
}

func (r *SettlementRepository) updateBatch(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now().UTC()
	err := r.db.WithContext(ctx).
		Model(&models.SettlementBatch{}).
		Where("id = ?", id).
		Updates(fields).Error
	if err != nil {
		return fmt.Errorf("update settlement batch %s: %w", id, err)
	}
	return nil
}
