package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chainvenue/core/pkg/errs"
	"github.com/chainvenue/core/pkg/models"
)

// OrderRepository persists orders.
type OrderRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewOrderRepository creates a GORM-backed order repository.
func NewOrderRepository(db *gorm.DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{db: db, logger: logger.Named("order-store")}
}

// CreateOrder inserts a new order row.
func (r *OrderRepository) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		r.logger.Error("failed to create order", zap.Error(err), zap.String("order_id", order.ID.String()))
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetOrder fetches an order by local id. Returns (nil, nil) when absent.
func (r *OrderRepository) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return &order, nil
}

// GetOrderByExternalID fetches the local mirror of a ledger order. Returns
// (nil, nil) when the order was never hydrated.
func (r *OrderRepository) GetOrderByExternalID(ctx context.Context, externalID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order by external id %s: %w", externalID, err)
	}
	return &order, nil
}

// UpsertExternalOrder inserts a hydrated ledger mirror. The caller derives the
// primary key deterministically from the external id, so concurrent resolvers
// racing on the same external order converge on one row: the conflict policy
// keeps the first insert and the method re-reads the surviving row.
func (r *OrderRepository) UpsertExternalOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(order).Error
	if err != nil {
		return nil, fmt.Errorf("upsert external order: %w", err)
	}
	return r.GetOrder(ctx, order.ID)
}

// UpdateOrderFill advances an order's fill state with a conditional update on
// the previously observed filled quantity. A concurrent matcher that consumed
// the same capacity first makes the update match zero rows, surfaced as
// errs.ErrStaleFill so the caller skips the candidate.
func (r *OrderRepository) UpdateOrderFill(ctx context.Context, id uuid.UUID, prevFilled, newFilled decimal.Decimal, status models.OrderStatus) error {
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND filled = ?", id, prevFilled).
		Updates(map[string]interface{}{
			"filled":     newFilled,
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update order fill %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.ErrStaleFill
	}
	return nil
}

// QueryRestingOrders returns open orders of one market and side in arrival
// order, oldest first.
func (r *OrderRepository) QueryRestingOrders(ctx context.Context, market string, side models.OrderSide) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("market = ? AND side = ? AND status IN ?", market, side, models.RestingStatuses).
		Where("filled < quantity").
		Order("created_at asc").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("query resting orders %s/%s: %w", market, side, err)
	}
	return orders, nil
}

// OpenMarkets lists the markets that currently hold resting orders, used by
// the retroactive sweep.
func (r *OrderRepository) OpenMarkets(ctx context.Context) ([]string, error) {
	var markets []string
	err := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Distinct("market").
		Where("status IN ?", models.RestingStatuses).
		Pluck("market", &markets).Error
	if err != nil {
		return nil, fmt.Errorf("list open markets: %w", err)
	}
	return markets, nil
}
