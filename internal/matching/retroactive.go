package matching

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainvenue/core/internal/ledger"
	"github.com/chainvenue/core/pkg/errs"
	"github.com/chainvenue/core/pkg/metrics"
	"github.com/chainvenue/core/pkg/models"
)

// RetroactiveMatcher periodically sweeps a market for crossable pairs the
// event-driven engine could not have seen: an order placed directly on the
// ledger never passes through Match, so it can rest crossed against local
// liquidity until a sweep picks the pair up. Running the sweep less often
// degrades fill latency, not correctness.
type RetroactiveMatcher struct {
	orders   OrderStore
	matches  MatchStore
	ledger   LedgerSource
	hydrator Hydrator
	events   EventPublisher
	logger   *zap.Logger
}

// NewRetroactiveMatcher creates a sweep matcher. events may be nil.
func NewRetroactiveMatcher(orders OrderStore, matches MatchStore, ledgerSource LedgerSource, hydrator Hydrator, events EventPublisher, logger *zap.Logger) *RetroactiveMatcher {
	return &RetroactiveMatcher{
		orders:   orders,
		matches:  matches,
		ledger:   ledgerSource,
		hydrator: hydrator,
		events:   events,
		logger:   logger.Named("retro-matching"),
	}
}

// Sweep checks both directions, external buys against local sells and local
// buys against external sells, matching greedily in stable order. In-memory
// remaining trackers keep one sweep from double-counting capacity across
// pairs.
func (m *RetroactiveMatcher) Sweep(ctx context.Context, market string) ([]*models.Match, error) {
	localBuys, err := m.localResting(ctx, market, models.SideBuy)
	if err != nil {
		return nil, err
	}
	localSells, err := m.localResting(ctx, market, models.SideSell)
	if err != nil {
		return nil, err
	}
	extBuys, err := m.ledger.GetActiveOrders(ctx, market, models.SideBuy)
	if err != nil {
		return nil, errs.Transient("sweep.ledger_buys", err)
	}
	extSells, err := m.ledger.GetActiveOrders(ctx, market, models.SideSell)
	if err != nil {
		return nil, errs.Transient("sweep.ledger_sells", err)
	}

	var produced []*models.Match
	produced = append(produced, m.cross(ctx, market, toExternalCandidates(extBuys), toLocalCandidates(localSells))...)
	produced = append(produced, m.cross(ctx, market, toLocalCandidates(localBuys), toExternalCandidates(extSells))...)

	if len(produced) > 0 {
		if err := m.matches.CreateMatches(ctx, produced); err != nil {
			return nil, err
		}
		metrics.MatchesProduced.WithLabelValues("retroactive").Add(float64(len(produced)))
		if m.events != nil {
			m.events.PublishMatches(ctx, produced)
		}
		m.logger.Info("retroactive sweep produced matches",
			zap.String("market", market), zap.Int("count", len(produced)))
	}
	return produced, nil
}

// cross greedily pairs every buy against every sell with compatible prices
// until one side is exhausted.
func (m *RetroactiveMatcher) cross(ctx context.Context, market string, buys, sells []*candidate) []*models.Match {
	var produced []*models.Match
	for _, buy := range buys {
		if !buy.remaining.IsPositive() {
			continue
		}
		for _, sell := range sells {
			if !buy.remaining.IsPositive() {
				break
			}
			if !sell.remaining.IsPositive() {
				continue
			}
			if buy.trader() == sell.trader() {
				continue
			}
			if !crossable(buy.price(), sell.price()) {
				continue
			}

			qty := decimal.Min(buy.remaining, sell.remaining)
			price, err := m.pairPrice(ctx, market, buy, sell)
			if err != nil {
				if errors.Is(err, errs.ErrNoReferencePrice) {
					continue
				}
				m.logger.Warn("sweep price lookup failed, skipping pair", zap.Error(err))
				continue
			}

			// Claim the external side's mirror first; if that fails the
			// local side is untouched.
			first, second := buy, sell
			if buy.isLocal() {
				first, second = sell, buy
			}
			firstID, ok := m.settleSide(ctx, first, qty)
			if !ok {
				continue
			}
			secondID, ok := m.settleSide(ctx, second, qty)
			if !ok {
				continue
			}
			buyID, sellID := firstID, secondID
			if buy.isLocal() {
				buyID, sellID = secondID, firstID
			}

			produced = append(produced, &models.Match{
				ID:          uuid.New(),
				Market:      market,
				BuyOrderID:  buyID,
				SellOrderID: sellID,
				Quantity:    qty,
				Price:       price,
			})
			buy.remaining = buy.remaining.Sub(qty)
			sell.remaining = sell.remaining.Sub(qty)
		}
	}
	return produced
}

// pairPrice prices a retroactive pairing from the sell side when quoted, else
// the buy side, else the ledger reference price.
func (m *RetroactiveMatcher) pairPrice(ctx context.Context, market string, buy, sell *candidate) (decimal.Decimal, error) {
	if p := sell.price(); p.Valid {
		return p.Decimal, nil
	}
	if p := buy.price(); p.Valid {
		return p.Decimal, nil
	}
	return m.ledger.GetReferencePrice(ctx, market)
}

// settleSide advances one side of a pairing with a conditional fill update.
// For external orders the fill is recorded on the hydrated mirror, keeping
// capacity consumed by one sweep from being re-offered by the next.
func (m *RetroactiveMatcher) settleSide(ctx context.Context, cand *candidate, qty decimal.Decimal) (uuid.UUID, bool) {
	if cand.isLocal() {
		o := cand.local
		newFilled := o.Filled.Add(qty)
		if err := m.orders.UpdateOrderFill(ctx, o.ID, o.Filled, newFilled, o.StatusForFill(newFilled)); err != nil {
			m.logger.Debug("sweep lost fill race, skipping order",
				zap.String("order_id", o.ID.String()), zap.Error(err))
			return uuid.Nil, false
		}
		o.Filled = newFilled
		o.Status = o.StatusForFill(newFilled)
		return o.ID, true
	}
	mirror, err := m.hydrator.Hydrate(ctx, cand.external)
	if err != nil {
		m.logger.Warn("sweep could not resolve external order, skipping",
			zap.String("external_id", cand.external.Hash), zap.Error(err))
		return uuid.Nil, false
	}
	if mirror.Remaining().LessThan(qty) {
		m.logger.Debug("mirror capacity exhausted, skipping",
			zap.String("external_id", cand.external.Hash))
		return uuid.Nil, false
	}
	newFilled := mirror.Filled.Add(qty)
	if err := m.orders.UpdateOrderFill(ctx, mirror.ID, mirror.Filled, newFilled, mirror.StatusForFill(newFilled)); err != nil {
		m.logger.Debug("sweep lost mirror fill race, skipping",
			zap.String("external_id", cand.external.Hash), zap.Error(err))
		return uuid.Nil, false
	}
	return mirror.ID, true
}

// localResting returns locally originated resting orders; hydrated ledger
// mirrors are excluded since the same liquidity arrives via the ledger reads.
func (m *RetroactiveMatcher) localResting(ctx context.Context, market string, side models.OrderSide) ([]models.Order, error) {
	orders, err := m.orders.QueryRestingOrders(ctx, market, side)
	if err != nil {
		return nil, errs.Transient("sweep.resting_orders", err)
	}
	kept := orders[:0]
	for _, o := range orders {
		if !o.IsExternal() {
			kept = append(kept, o)
		}
	}
	return kept, nil
}

func toLocalCandidates(orders []models.Order) []*candidate {
	out := make([]*candidate, 0, len(orders))
	for i := range orders {
		out = append(out, newLocalCandidate(&orders[i]))
	}
	return out
}

func toExternalCandidates(orders []ledger.ExternalOrder) []*candidate {
	out := make([]*candidate, 0, len(orders))
	for i := range orders {
		out = append(out, newExternalCandidate(&orders[i]))
	}
	return out
}
