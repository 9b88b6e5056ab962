package matching

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainvenue/core/internal/ledger"
	"github.com/chainvenue/core/pkg/models"
)

// candidate is one resting counter-order, normalized across the two liquidity
// sources. Only the source-specific field for its origin is set; consumers
// outside this file never branch on origin except through these accessors.
type candidate struct {
	local     *models.Order
	external  *ledger.ExternalOrder
	remaining decimal.Decimal
}

func newLocalCandidate(o *models.Order) *candidate {
	return &candidate{local: o, remaining: o.Remaining()}
}

func newExternalCandidate(o *ledger.ExternalOrder) *candidate {
	return &candidate{external: o, remaining: o.Remaining()}
}

func (c *candidate) isLocal() bool { return c.local != nil }

func (c *candidate) price() decimal.NullDecimal {
	if c.local != nil {
		return c.local.Price
	}
	return c.external.Price
}

func (c *candidate) createdAt() time.Time {
	if c.local != nil {
		return c.local.CreatedAt
	}
	return c.external.CreatedAt
}

func (c *candidate) trader() string {
	if c.local != nil {
		return c.local.Trader
	}
	return c.external.Trader
}

// sortCandidates orders the merged candidate list by price-time priority for
// an incoming order of the given side: unpriced (market) orders first by age,
// then priced orders best-price-first (ascending for a buy taker, descending
// for a sell taker), ties broken by age.
func sortCandidates(cands []*candidate, incomingSide models.OrderSide) {
	sort.SliceStable(cands, func(i, j int) bool {
		pi, pj := cands[i].price(), cands[j].price()
		switch {
		case !pi.Valid && !pj.Valid:
			return cands[i].createdAt().Before(cands[j].createdAt())
		case !pi.Valid:
			return true
		case !pj.Valid:
			return false
		}
		if !pi.Decimal.Equal(pj.Decimal) {
			if incomingSide == models.SideBuy {
				return pi.Decimal.LessThan(pj.Decimal)
			}
			return pi.Decimal.GreaterThan(pj.Decimal)
		}
		return cands[i].createdAt().Before(cands[j].createdAt())
	})
}

// priceCompatible reports whether a limit taker may cross the candidate. A
// market taker and an unpriced candidate are always compatible.
func priceCompatible(incoming *models.Order, candPrice decimal.NullDecimal) bool {
	if incoming.Type == models.TypeMarket || !incoming.Price.Valid || !candPrice.Valid {
		return true
	}
	if incoming.Side == models.SideBuy {
		return incoming.Price.Decimal.GreaterThanOrEqual(candPrice.Decimal)
	}
	return incoming.Price.Decimal.LessThanOrEqual(candPrice.Decimal)
}

// crossable reports whether a buy/sell pair may trade against each other,
// used by the retroactive sweep where neither side is the taker.
func crossable(buyPrice, sellPrice decimal.NullDecimal) bool {
	if !buyPrice.Valid || !sellPrice.Valid {
		return true
	}
	return buyPrice.Decimal.GreaterThanOrEqual(sellPrice.Decimal)
}
