package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chainvenue/core/internal/ledger"
	"github.com/chainvenue/core/pkg/errs"
	"github.com/chainvenue/core/pkg/models"
)

// OrderStore is the subset of the order store the resolver needs.
type OrderStore interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	UpsertExternalOrder(ctx context.Context, order *models.Order) (*models.Order, error)
}

// LedgerReader reads single orders from the ledger.
type LedgerReader interface {
	GetOrderByExternalID(ctx context.Context, externalID string) (*ledger.ExternalOrder, error)
}

// Resolver maps order references onto local order rows.
type Resolver struct {
	orders OrderStore
	ledger LedgerReader
	logger *zap.Logger
}

// NewResolver creates a resolver over the given store and ledger reader.
func NewResolver(orders OrderStore, ledgerReader LedgerReader, logger *zap.Logger) *Resolver {
	return &Resolver{orders: orders, ledger: ledgerReader, logger: logger.Named("identity")}
}

// Resolve maps ref, either a local uuid or a ledger order hash, to a local
// order id, hydrating a mirror row on first reference. Returns
// errs.ErrUnresolvableOrder when no such order exists anywhere; that is
// recoverable at the granularity of the single match being processed.
func (r *Resolver) Resolve(ctx context.Context, ref string) (uuid.UUID, error) {
	if !IsExternalRef(ref) {
		id, err := uuid.Parse(ref)
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: malformed reference %q", errs.ErrUnresolvableOrder, ref)
		}
		order, err := r.orders.GetOrder(ctx, id)
		if err != nil {
			return uuid.Nil, err
		}
		if order == nil {
			return uuid.Nil, fmt.Errorf("%w: unknown local order %s", errs.ErrUnresolvableOrder, id)
		}
		return id, nil
	}

	localID := LocalOrderID(ref)
	if existing, err := r.orders.GetOrder(ctx, localID); err != nil {
		return uuid.Nil, err
	} else if existing != nil {
		return localID, nil
	}

	ext, err := r.ledger.GetOrderByExternalID(ctx, ref)
	if err != nil {
		return uuid.Nil, err
	}
	if ext == nil || ext.Trader == "" {
		return uuid.Nil, fmt.Errorf("%w: ledger holds no order %s", errs.ErrUnresolvableOrder, ref)
	}

	order, err := r.Hydrate(ctx, ext)
	if err != nil {
		return uuid.Nil, err
	}
	return order.ID, nil
}

// Hydrate creates (or finds) the local mirror of an external order the caller
// already holds. Concurrent hydrations of the same order converge on one row
// through the deterministic primary key and the store's conflict-safe upsert.
func (r *Resolver) Hydrate(ctx context.Context, ext *ledger.ExternalOrder) (*models.Order, error) {
	localID := LocalOrderID(ext.Hash)
	if existing, err := r.orders.GetOrder(ctx, localID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	externalID := ext.Hash
	mirror := &models.Order{
		ID:          localID,
		ExternalID:  &externalID,
		Market:      ext.Market,
		Trader:      ext.Trader,
		Side:        ext.Side,
		Type:        models.TypeLimit,
		Quantity:    ext.Quantity,
		Price:       ext.Price,
		Filled:      ext.Filled,
		TimeInForce: "GTC",
		CreatedAt:   ext.CreatedAt,
	}
	if !ext.Price.Valid {
		mirror.Type = models.TypeMarket
	}
	mirror.Status = mirror.StatusForFill(ext.Filled)

	stored, err := r.orders.UpsertExternalOrder(ctx, mirror)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: mirror row for %s vanished after upsert", errs.ErrUnresolvableOrder, ext.Hash)
	}

	r.logger.Debug("hydrated external order",
		zap.String("external_id", ext.Hash),
		zap.String("local_id", stored.ID.String()),
		zap.String("market", ext.Market))
	return stored, nil
}
