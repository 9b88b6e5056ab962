package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chainvenue/core/pkg/models"
)

// MatchRepository persists matches and their settlement state.
type MatchRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewMatchRepository creates a GORM-backed match repository.
func NewMatchRepository(db *gorm.DB, logger *zap.Logger) *MatchRepository {
	return &MatchRepository{db: db, logger: logger.Named("match-store")}
}

// CreateMatches inserts a batch of matches with settlement status pending.
func (r *MatchRepository) CreateMatches(ctx context.Context, matches []*models.Match) error {
	if len(matches) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, m := range matches {
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if m.SettlementStatus == "" {
			m.SettlementStatus = models.SettlementPending
		}
	}
	if err := r.db.WithContext(ctx).Create(matches).Error; err != nil {
		r.logger.Error("failed to create matches", zap.Error(err), zap.Int("count", len(matches)))
		return fmt.Errorf("create matches: %w", err)
	}
	return nil
}

// QueryPendingMatches returns up to limit matches awaiting settlement, oldest
// first.
func (r *MatchRepository) QueryPendingMatches(ctx context.Context, limit int) ([]models.Match, error) {
	var matches []models.Match
	q := r.db.WithContext(ctx).
		Where("settlement_status = ?", models.SettlementPending).
		Order("created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&matches).Error; err != nil {
		return nil, fmt.Errorf("query pending matches: %w", err)
	}
	return matches, nil
}

// GetMatches fetches matches by id.
func (r *MatchRepository) GetMatches(ctx context.Context, ids []uuid.UUID) ([]models.Match, error) {
	var matches []models.Match
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&matches).Error; err != nil {
		return nil, fmt.Errorf("get matches: %w", err)
	}
	return matches, nil
}

// MarkSettled records the confirmed ledger transaction on the matches.
func (r *MatchRepository) MarkSettled(ctx context.Context, ids []uuid.UUID, txHash string) error {
	err := r.db.WithContext(ctx).
		Model(&models.Match{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"settlement_status": models.SettlementSettled,
			"tx_hash":           txHash,
		}).Error
	if err != nil {
		return fmt.Errorf("mark matches settled: %w", err)
	}
	return nil
}

// MarkFailed moves matches to the terminal failed settlement state.
func (r *MatchRepository) MarkFailed(ctx context.Context, ids []uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Model(&models.Match{}).
		Where("id IN ?", ids).
		Update("settlement_status", models.SettlementFailed).Error
	if err != nil {
		return fmt.Errorf("mark matches failed: %w", err)
	}
	return nil
}
