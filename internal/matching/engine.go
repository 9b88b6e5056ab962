// Package matching implements the event-driven matching engine and the
// retroactive sweep over the two liquidity sources: the local order store and
// orders resting directly on the ledger.
package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainvenue/core/internal/ledger"
	"github.com/chainvenue/core/pkg/errs"
	"github.com/chainvenue/core/pkg/metrics"
	"github.com/chainvenue/core/pkg/models"
)

// OrderStore is the order persistence surface the engine consumes.
type OrderStore interface {
	QueryRestingOrders(ctx context.Context, market string, side models.OrderSide) ([]models.Order, error)
	UpdateOrderFill(ctx context.Context, id uuid.UUID, prevFilled, newFilled decimal.Decimal, status models.OrderStatus) error
}

// MatchStore persists produced matches.
type MatchStore interface {
	CreateMatches(ctx context.Context, matches []*models.Match) error
}

// LedgerSource reads externally resting liquidity and reference prices.
type LedgerSource interface {
	GetActiveOrders(ctx context.Context, market string, side models.OrderSide) ([]ledger.ExternalOrder, error)
	GetReferencePrice(ctx context.Context, market string) (decimal.Decimal, error)
}

// Hydrator mirrors an external order into local storage on first reference.
type Hydrator interface {
	Hydrate(ctx context.Context, ext *ledger.ExternalOrder) (*models.Order, error)
}

// EventPublisher emits matches to the trade feed. Implementations must not
// fail the matching path; publish errors are theirs to log.
type EventPublisher interface {
	PublishMatches(ctx context.Context, matches []*models.Match)
}

// Engine matches freshly submitted orders against resting liquidity from
// both sources using price-time priority.
type Engine struct {
	orders     OrderStore
	matches    MatchStore
	ledger     LedgerSource
	hydrator   Hydrator
	events     EventPublisher
	settleHint func()
	logger     *zap.Logger
}

// NewEngine creates a matching engine. events may be nil.
func NewEngine(orders OrderStore, matches MatchStore, ledgerSource LedgerSource, hydrator Hydrator, events EventPublisher, logger *zap.Logger) *Engine {
	return &Engine{
		orders:   orders,
		matches:  matches,
		ledger:   ledgerSource,
		hydrator: hydrator,
		events:   events,
		logger:   logger.Named("matching"),
	}
}

// SetSettleHint installs a fire-and-forget callback invoked after matches are
// recorded, typically the settlement worker's manual trigger.
func (e *Engine) SetSettleHint(hint func()) { e.settleHint = hint }

// Match runs one incoming order against the merged resting liquidity of its
// market. The order must already be persisted locally. Every consumed
// counter-order has its fill state advanced synchronously; for external
// counter-orders the fill lands on the hydrated mirror, so capacity consumed
// here is never re-offered to a later order. Returns the updated incoming
// order and the matches produced, in priority order.
func (e *Engine) Match(ctx context.Context, order *models.Order) (*models.Order, []*models.Match, error) {
	if err := models.ValidateOrder(order); err != nil {
		return nil, nil, err
	}
	start := time.Now()
	defer func() {
		metrics.MatchLatency.Observe(time.Since(start).Seconds())
		metrics.OrdersMatched.WithLabelValues(string(order.Side)).Inc()
	}()

	cands, err := e.collectCandidates(ctx, order)
	if err != nil {
		return nil, nil, err
	}
	sortCandidates(cands, order.Side)

	startFilled := order.Filled
	remaining := order.Remaining()
	var produced []*models.Match

	for _, cand := range cands {
		if !remaining.IsPositive() {
			break
		}
		if !cand.remaining.IsPositive() {
			continue
		}
		if !priceCompatible(order, cand.price()) {
			// Candidates are sorted best price first, so for a limit taker
			// every later candidate is incompatible too; unpriced ones
			// sort ahead and were already visited.
			break
		}

		matchQty := decimal.Min(remaining, cand.remaining)
		price, err := e.matchPrice(ctx, order, cand)
		if err != nil {
			if errors.Is(err, errs.ErrNoReferencePrice) {
				e.logger.Warn("skipping pairing with no reference price",
					zap.String("market", order.Market), zap.String("order_id", order.ID.String()))
				continue
			}
			e.logger.Warn("skipping candidate after price lookup failure", zap.Error(err))
			continue
		}

		counterID, ok := e.consumeCandidate(ctx, cand, matchQty)
		if !ok {
			continue
		}

		m := &models.Match{
			ID:       uuid.New(),
			Market:   order.Market,
			Quantity: matchQty,
			Price:    price,
		}
		if order.Side == models.SideBuy {
			m.BuyOrderID, m.SellOrderID = order.ID, counterID
		} else {
			m.BuyOrderID, m.SellOrderID = counterID, order.ID
		}
		produced = append(produced, m)
		remaining = remaining.Sub(matchQty)
		cand.remaining = cand.remaining.Sub(matchQty)
	}

	newFilled := order.Quantity.Sub(remaining)
	if newFilled.GreaterThan(startFilled) {
		status := order.StatusForFill(newFilled)
		if err := e.orders.UpdateOrderFill(ctx, order.ID, startFilled, newFilled, status); err != nil {
			return nil, nil, fmt.Errorf("persist incoming fill: %w", err)
		}
		order.Filled = newFilled
		order.Status = status
	}

	if len(produced) > 0 {
		if err := e.matches.CreateMatches(ctx, produced); err != nil {
			return nil, nil, err
		}
		metrics.MatchesProduced.WithLabelValues("live").Add(float64(len(produced)))
		if e.events != nil {
			e.events.PublishMatches(ctx, produced)
		}
		if e.settleHint != nil {
			e.settleHint()
		}
	}
	return order, produced, nil
}

// collectCandidates merges resting orders from the store and the ledger for
// the opposite side of the incoming order. A ledger read failure degrades to
// local-only liquidity rather than failing the call.
func (e *Engine) collectCandidates(ctx context.Context, order *models.Order) ([]*candidate, error) {
	opposite := order.Side.Opposite()

	local, err := e.orders.QueryRestingOrders(ctx, order.Market, opposite)
	if err != nil {
		return nil, errs.Transient("matching.resting_orders", err)
	}

	external, err := e.ledger.GetActiveOrders(ctx, order.Market, opposite)
	if err != nil {
		e.logger.Warn("ledger liquidity unavailable, matching against local orders only",
			zap.String("market", order.Market), zap.Error(err))
		external = nil
	}

	mirrored := map[string]bool{}
	cands := make([]*candidate, 0, len(local)+len(external))
	for i := range local {
		o := &local[i]
		if o.ID == order.ID {
			continue
		}
		if o.IsExternal() {
			mirrored[*o.ExternalID] = true
		}
		cands = append(cands, newLocalCandidate(o))
	}
	for i := range external {
		ext := &external[i]
		// A hydrated mirror already represents this liquidity locally.
		if mirrored[ext.Hash] {
			continue
		}
		cands = append(cands, newExternalCandidate(ext))
	}
	return cands, nil
}

// matchPrice picks the execution price for one pairing: the resting order's
// price when it has one, else the taker's limit price, else the ledger's
// reference price.
func (e *Engine) matchPrice(ctx context.Context, order *models.Order, cand *candidate) (decimal.Decimal, error) {
	if p := cand.price(); p.Valid {
		return p.Decimal, nil
	}
	if order.Price.Valid {
		return order.Price.Decimal, nil
	}
	return e.ledger.GetReferencePrice(ctx, order.Market)
}

// consumeCandidate advances the counter-order's state for a fill of qty and
// returns its local order id. Local candidates get a conditional fill update;
// losing that race skips the candidate. External candidates are hydrated and
// the fill recorded on the mirror, so locally consumed ledger capacity stays
// consumed even though the ledger itself still reports the order active.
func (e *Engine) consumeCandidate(ctx context.Context, cand *candidate, qty decimal.Decimal) (uuid.UUID, bool) {
	if cand.isLocal() {
		o := cand.local
		newFilled := o.Filled.Add(qty)
		if err := e.orders.UpdateOrderFill(ctx, o.ID, o.Filled, newFilled, o.StatusForFill(newFilled)); err != nil {
			if errors.Is(err, errs.ErrStaleFill) {
				e.logger.Debug("candidate consumed concurrently, skipping",
					zap.String("order_id", o.ID.String()))
			} else {
				e.logger.Warn("candidate fill update failed, skipping",
					zap.String("order_id", o.ID.String()), zap.Error(err))
			}
			return uuid.Nil, false
		}
		o.Filled = newFilled
		o.Status = o.StatusForFill(newFilled)
		return o.ID, true
	}

	mirror, err := e.hydrator.Hydrate(ctx, cand.external)
	if err != nil {
		e.logger.Warn("external candidate unresolvable, skipping",
			zap.String("external_id", cand.external.Hash), zap.Error(err))
		return uuid.Nil, false
	}
	// The mirror tracks how much of this ledger order was consumed locally;
	// an earlier match may have used it up already.
	if mirror.Remaining().LessThan(qty) {
		e.logger.Debug("mirror capacity exhausted, skipping",
			zap.String("external_id", cand.external.Hash))
		return uuid.Nil, false
	}
	newFilled := mirror.Filled.Add(qty)
	if err := e.orders.UpdateOrderFill(ctx, mirror.ID, mirror.Filled, newFilled, mirror.StatusForFill(newFilled)); err != nil {
		e.logger.Debug("mirror consumed concurrently, skipping",
			zap.String("external_id", cand.external.Hash), zap.Error(err))
		return uuid.Nil, false
	}
	return mirror.ID, true
}
