package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainvenue/core/pkg/errs"
)

func validOrder() *Order {
	return &Order{
		ID:       uuid.New(),
		Market:   "ETH-USD",
		Trader:   "0x00000000000000000000000000000000000000a1",
		Side:     SideBuy,
		Type:     TypeLimit,
		Quantity: decimal.NewFromInt(5),
		Price:    decimal.NewNullDecimal(decimal.NewFromInt(100)),
		Status:   OrderPending,
	}
}

func TestValidateOrder(t *testing.T) {
	require.NoError(t, ValidateOrder(validOrder()))

	market := validOrder()
	market.Type = TypeMarket
	market.Price = decimal.NullDecimal{}
	require.NoError(t, ValidateOrder(market))
}

func TestValidateOrderRejections(t *testing.T) {
	cases := map[string]func(o *Order){
		"zero quantity":     func(o *Order) { o.Quantity = decimal.Zero },
		"negative quantity": func(o *Order) { o.Quantity = decimal.NewFromInt(-1) },
		"limit without price": func(o *Order) {
			o.Price = decimal.NullDecimal{}
		},
		"limit with zero price": func(o *Order) {
			o.Price = decimal.NewNullDecimal(decimal.Zero)
		},
		"market with price": func(o *Order) {
			o.Type = TypeMarket
		},
		"filled beyond quantity": func(o *Order) {
			o.Filled = decimal.NewFromInt(6)
		},
		"negative fill": func(o *Order) {
			o.Filled = decimal.NewFromInt(-1)
		},
		"missing market": func(o *Order) { o.Market = "" },
		"bad side":       func(o *Order) { o.Side = "long" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			o := validOrder()
			mutate(o)
			err := ValidateOrder(o)
			require.Error(t, err)
			assert.True(t, errs.IsValidation(err))
		})
	}
}

func TestStatusForFill(t *testing.T) {
	o := validOrder()
	assert.Equal(t, OrderPending, o.StatusForFill(decimal.Zero))
	assert.Equal(t, OrderPartiallyFilled, o.StatusForFill(decimal.NewFromInt(3)))
	assert.Equal(t, OrderFilled, o.StatusForFill(decimal.NewFromInt(5)))
}

func TestOppositeSide(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}
