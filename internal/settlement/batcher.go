// Package settlement turns pending matches into durable per-market batches
// and drains them against the ledger with retry-safe, partial-failure
// tolerant processing.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainvenue/core/internal/config"
	"github.com/chainvenue/core/internal/ledger"
	"github.com/chainvenue/core/internal/store"
	"github.com/chainvenue/core/pkg/models"
)

// MatchStore is the match persistence surface the batcher consumes.
type MatchStore interface {
	QueryPendingMatches(ctx context.Context, limit int) ([]models.Match, error)
}

// OrderReader resolves the orders referenced by a match.
type OrderReader interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
}

// BatchStore persists batches and their queue items, claiming the covered
// matches in the same transaction.
type BatchStore interface {
	CreateBatchWithItem(ctx context.Context, batch *models.SettlementBatch, item *models.SettlementQueueItem, matchIDs []uuid.UUID) error
}

// Batcher groups pending matches by market into settlement batches. One
// ledger transaction per market amortizes the fixed per-transaction overhead
// across every match of that market.
type Batcher struct {
	matches MatchStore
	orders  OrderReader
	batches BatchStore
	cfg     config.WorkerConfig
	logger  *zap.Logger
}

// NewBatcher creates a settlement batcher.
func NewBatcher(matches MatchStore, orders OrderReader, batches BatchStore, cfg config.WorkerConfig, logger *zap.Logger) *Batcher {
	return &Batcher{
		matches: matches,
		orders:  orders,
		batches: batches,
		cfg:     cfg,
		logger:  logger.Named("settlement-batcher"),
	}
}

// BatchPending scans unsettled matches, creates one batch plus one queue item
// per market, and moves the covered matches to settling. A failing market
// group is logged and skipped so the other groups still batch this tick.
// Returns the number of batches created.
func (b *Batcher) BatchPending(ctx context.Context) (int, error) {
	pending, err := b.matches.QueryPendingMatches(ctx, b.cfg.MatchQueryLimit)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	byMarket := map[string][]models.Match{}
	for _, m := range pending {
		byMarket[m.Market] = append(byMarket[m.Market], m)
	}

	created := 0
	for market, group := range byMarket {
		if err := b.batchMarket(ctx, market, group); err != nil {
			b.logger.Error("failed to batch market, will retry next tick",
				zap.String("market", market), zap.Int("matches", len(group)), zap.Error(err))
			continue
		}
		created++
	}
	return created, nil
}

func (b *Batcher) batchMarket(ctx context.Context, market string, group []models.Match) error {
	batchID := uuid.New()

	var (
		matchIDs  []uuid.UUID
		transfers []ledger.Transfer
		traders   = map[string]bool{}
		notional  = decimal.Zero
	)
	for _, m := range group {
		transfer, err := b.transferFor(ctx, &m)
		if err != nil {
			// Unresolvable references exclude the single match, not the batch.
			b.logger.Warn("excluding match from batch",
				zap.String("match_id", m.ID.String()), zap.Error(err))
			continue
		}
		matchIDs = append(matchIDs, m.ID)
		transfers = append(transfers, *transfer)
		traders[transfer.From] = true
		traders[transfer.To] = true
		notional = notional.Add(transfer.Amount)
	}
	if len(matchIDs) == 0 {
		return fmt.Errorf("no settleable matches in group of %d", len(group))
	}

	payload, err := json.Marshal(ledger.SettlementPayload{
		BatchID:   batchID.String(),
		Market:    market,
		Transfers: transfers,
	})
	if err != nil {
		return fmt.Errorf("encode settlement payload: %w", err)
	}

	batch := &models.SettlementBatch{
		ID:            batchID,
		Market:        market,
		TradeCount:    len(matchIDs),
		Status:        models.BatchPending,
		EstimatedCost: notional,
	}
	item := &models.SettlementQueueItem{
		SettlementType: "trade",
		MatchIDs:       matchIDs,
		Traders:        traderList(traders),
		Payload:        payload,
		MaxAttempts:    b.cfg.MaxAttempts,
		Status:         models.ItemQueued,
	}
	if err := b.batches.CreateBatchWithItem(ctx, batch, item, matchIDs); err != nil {
		if errors.Is(err, store.ErrConflict) {
			b.logger.Debug("matches claimed concurrently, skipping group",
				zap.String("market", market))
		}
		return err
	}

	b.logger.Info("settlement batch created",
		zap.String("batch_id", batchID.String()),
		zap.String("market", market),
		zap.Int("matches", len(matchIDs)),
		zap.String("notional", notional.String()))
	return nil
}

// transferFor builds the single settlement leg of a match: the buyer pays the
// seller the flat notional, quantity times price.
func (b *Batcher) transferFor(ctx context.Context, m *models.Match) (*ledger.Transfer, error) {
	buy, err := b.orders.GetOrder(ctx, m.BuyOrderID)
	if err != nil {
		return nil, err
	}
	sell, err := b.orders.GetOrder(ctx, m.SellOrderID)
	if err != nil {
		return nil, err
	}
	if buy == nil || sell == nil {
		return nil, fmt.Errorf("match %s references missing order", m.ID)
	}
	return &ledger.Transfer{
		From:   buy.Trader,
		To:     sell.Trader,
		Amount: m.Quantity.Mul(m.Price),
	}, nil
}

func traderList(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}
