package matching

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainvenue/core/internal/identity"
	"github.com/chainvenue/core/pkg/models"
)

func TestSweepCrossesExternalSellAgainstLocalBuy(t *testing.T) {
	env := newMatchEnv(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	hash := extHash(0x11)
	env.chain.addActive(extLimit(hash, "0xext", "ETH-USD", models.SideSell, 10, 3, base))
	buy := env.seed(t, testLimit("0xb1", "ETH-USD", models.SideBuy, 10, 3, base.Add(time.Second)))

	produced, err := env.retro.Sweep(ctx, "ETH-USD")
	require.NoError(t, err)
	require.Len(t, produced, 1)
	assert.True(t, produced[0].Quantity.Equal(decimal.NewFromInt(3)))
	assert.True(t, produced[0].Price.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, buy.ID, produced[0].BuyOrderID)
	assert.Equal(t, identity.LocalOrderID(hash), produced[0].SellOrderID)

	buyAfter, err := env.orders.GetOrder(ctx, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, buyAfter.Status)

	mirror, err := env.orders.GetOrderByExternalID(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, mirror)
	assert.True(t, mirror.Filled.Equal(decimal.NewFromInt(3)), "mirror carries the locally consumed capacity")
	assert.Equal(t, models.OrderFilled, mirror.Status)
}

func TestSweepDoesNotReofferConsumedExternalCapacity(t *testing.T) {
	env := newMatchEnv(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	hash := extHash(0x77)
	env.chain.addActive(extLimit(hash, "0xext", "ETH-USD", models.SideSell, 10, 3, base))
	first := env.seed(t, testLimit("0xb1", "ETH-USD", models.SideBuy, 10, 3, base.Add(time.Second)))
	second := env.seed(t, testLimit("0xb2", "ETH-USD", models.SideBuy, 10, 3, base.Add(2*time.Second)))

	produced, err := env.retro.Sweep(ctx, "ETH-USD")
	require.NoError(t, err)
	require.Len(t, produced, 1)
	assert.Equal(t, first.ID, produced[0].BuyOrderID)

	// The ledger snapshot still shows the sell at full size on the next
	// sweep; its capacity is spent and the remaining buy must stay open.
	produced, err = env.retro.Sweep(ctx, "ETH-USD")
	require.NoError(t, err)
	assert.Empty(t, produced)

	secondAfter, err := env.orders.GetOrder(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, secondAfter.Filled.IsZero())
	assert.Equal(t, models.OrderPending, secondAfter.Status)
}

func TestSweepSkipsNonCrossingPrices(t *testing.T) {
	env := newMatchEnv(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	env.chain.addActive(extLimit(extHash(0x22), "0xext", "ETH-USD", models.SideSell, 20, 3, base))
	buy := env.seed(t, testLimit("0xb1", "ETH-USD", models.SideBuy, 10, 3, base.Add(time.Second)))

	produced, err := env.retro.Sweep(ctx, "ETH-USD")
	require.NoError(t, err)
	assert.Empty(t, produced)

	buyAfter, err := env.orders.GetOrder(ctx, buy.ID)
	require.NoError(t, err)
	assert.True(t, buyAfter.Filled.IsZero())
}

func TestSweepSkipsSelfCrossing(t *testing.T) {
	env := newMatchEnv(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	env.chain.addActive(extLimit(extHash(0x33), "0xsame", "ETH-USD", models.SideSell, 10, 3, base))
	env.seed(t, testLimit("0xsame", "ETH-USD", models.SideBuy, 10, 3, base.Add(time.Second)))

	produced, err := env.retro.Sweep(ctx, "ETH-USD")
	require.NoError(t, err)
	assert.Empty(t, produced, "a trader must not trade against itself")
}

func TestSweepIgnoresHydratedMirrorsOnLocalSide(t *testing.T) {
	env := newMatchEnv(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	hashBuy := extHash(0x44)
	hashSell := extHash(0x55)
	extBuy := extLimit(hashBuy, "0xbuyer", "ETH-USD", models.SideBuy, 10, 3, base)
	extSell := extLimit(hashSell, "0xseller", "ETH-USD", models.SideSell, 10, 3, base)
	env.chain.addActive(extBuy)
	env.chain.addActive(extSell)

	// A prior match hydrated mirrors of both; the sweep must pair each order
	// once, through its ledger-side copy, not again through the mirror.
	resolver := identity.NewResolver(env.orders, env.chain, zap.NewNop())
	_, err := resolver.Hydrate(ctx, &extBuy)
	require.NoError(t, err)
	_, err = resolver.Hydrate(ctx, &extSell)
	require.NoError(t, err)

	produced, err := env.retro.Sweep(ctx, "ETH-USD")
	require.NoError(t, err)
	assert.Empty(t, produced, "two external orders settle on the ledger, not here")
}

func TestSweepCapsPairAtRemainingCapacity(t *testing.T) {
	env := newMatchEnv(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	env.chain.addActive(extLimit(extHash(0x66), "0xext", "ETH-USD", models.SideSell, 10, 2, base))
	buy := env.seed(t, testLimit("0xb1", "ETH-USD", models.SideBuy, 10, 5, base.Add(time.Second)))
	buy.Filled = decimal.NewFromInt(4)
	require.NoError(t, env.db.Save(buy).Error)

	produced, err := env.retro.Sweep(ctx, "ETH-USD")
	require.NoError(t, err)
	require.Len(t, produced, 1)
	assert.True(t, produced[0].Quantity.Equal(decimal.NewFromInt(1)), "bounded by the buy's remaining 1")

	buyAfter, err := env.orders.GetOrder(ctx, buy.ID)
	require.NoError(t, err)
	assert.True(t, buyAfter.Filled.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, models.OrderFilled, buyAfter.Status)
}
