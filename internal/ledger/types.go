// Package ledger talks to the on-chain venue contract: it reads externally
// resting orders and market statistics and submits settlement transactions.
package ledger

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainvenue/core/pkg/models"
)

// ledgerDecimals is the fixed-point scale used by the venue contract for
// prices and quantities.
const ledgerDecimals = 18

// ExternalOrder is an order resting directly on the ledger, decoded and
// normalized into the core's numeric encoding. A zero on-chain price marks a
// market order.
type ExternalOrder struct {
	Hash      string
	Market    string
	Trader    string
	Side      models.OrderSide
	Price     decimal.NullDecimal
	Quantity  decimal.Decimal
	Filled    decimal.Decimal
	CreatedAt time.Time
}

// Remaining returns the unfilled quantity.
func (o *ExternalOrder) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Transfer is one leg of a settlement: a flat notional amount moved between
// two traders.
type Transfer struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// SettlementPayload is the batch content submitted to the venue contract in
// one allocate-then-transfer sequence.
type SettlementPayload struct {
	BatchID   string     `json:"batch_id"`
	Market    string     `json:"market"`
	Transfers []Transfer `json:"transfers"`
}

// FromLedgerUnits converts a fixed-point contract amount to a decimal.
func FromLedgerUnits(x *big.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x, -ledgerDecimals)
}

// ToLedgerUnits converts a decimal to the contract's fixed-point encoding.
func ToLedgerUnits(d decimal.Decimal) *big.Int {
	return d.Shift(ledgerDecimals).Truncate(0).BigInt()
}
