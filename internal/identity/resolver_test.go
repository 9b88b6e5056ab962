package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chainvenue/core/internal/ledger"
	"github.com/chainvenue/core/internal/store"
	"github.com/chainvenue/core/pkg/errs"
	"github.com/chainvenue/core/pkg/models"
)

type fakeLedgerReader struct {
	orders map[string]ledger.ExternalOrder
	reads  atomic.Int64
}

func (f *fakeLedgerReader) GetOrderByExternalID(_ context.Context, externalID string) (*ledger.ExternalOrder, error) {
	f.reads.Add(1)
	if o, ok := f.orders[externalID]; ok {
		return &o, nil
	}
	return nil, nil
}

func newResolverEnv(t *testing.T) (*store.OrderRepository, *fakeLedgerReader, *Resolver) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.Migrate(db))

	orders := store.NewOrderRepository(db, zap.NewNop())
	reader := &fakeLedgerReader{orders: map[string]ledger.ExternalOrder{}}
	return orders, reader, NewResolver(orders, reader, zap.NewNop())
}

func ledgerOrder(hash string) ledger.ExternalOrder {
	return ledger.ExternalOrder{
		Hash:      hash,
		Market:    "ETH-USD",
		Trader:    "0x00000000000000000000000000000000000000d4",
		Side:      models.SideSell,
		Price:     decimal.NewNullDecimal(decimal.NewFromInt(10)),
		Quantity:  decimal.NewFromInt(3),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestLocalOrderIDDeterministic(t *testing.T) {
	hash := "0x" + strings.Repeat("ab", 32)
	assert.Equal(t, LocalOrderID(hash), LocalOrderID(hash))
	assert.Equal(t, LocalOrderID(hash), LocalOrderID(strings.ToUpper(hash)), "hex case must not change identity")
	assert.NotEqual(t, LocalOrderID(hash), LocalOrderID("0x"+strings.Repeat("cd", 32)))
}

func TestIsExternalRef(t *testing.T) {
	assert.True(t, IsExternalRef("0x"+strings.Repeat("ab", 32)))
	assert.False(t, IsExternalRef(uuid.NewString()))
}

func TestResolveLocalOrder(t *testing.T) {
	orders, _, resolver := newResolverEnv(t)
	ctx := context.Background()

	order := &models.Order{
		ID:       uuid.New(),
		Market:   "ETH-USD",
		Trader:   "0xa1",
		Side:     models.SideBuy,
		Type:     models.TypeLimit,
		Quantity: decimal.NewFromInt(1),
		Price:    decimal.NewNullDecimal(decimal.NewFromInt(5)),
		Status:   models.OrderPending,
	}
	require.NoError(t, orders.CreateOrder(ctx, order))

	got, err := resolver.Resolve(ctx, order.ID.String())
	require.NoError(t, err)
	assert.Equal(t, order.ID, got)

	_, err = resolver.Resolve(ctx, uuid.NewString())
	assert.ErrorIs(t, err, errs.ErrUnresolvableOrder)
}

func TestResolveHydratesExternalOrderOnce(t *testing.T) {
	orders, reader, resolver := newResolverEnv(t)
	ctx := context.Background()

	hash := "0x" + strings.Repeat("ef", 32)
	ext := ledgerOrder(hash)
	reader.orders[hash] = ext

	first, err := resolver.Resolve(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, LocalOrderID(hash), first)

	mirror, err := orders.GetOrderByExternalID(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, mirror)
	assert.Equal(t, ext.Trader, mirror.Trader)
	assert.Equal(t, models.TypeLimit, mirror.Type)
	assert.True(t, mirror.Quantity.Equal(ext.Quantity))

	// The second resolve is served by the mirror, not the ledger.
	before := reader.reads.Load()
	second, err := resolver.Resolve(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, before, reader.reads.Load())
}

func TestResolveUnknownExternalOrder(t *testing.T) {
	_, _, resolver := newResolverEnv(t)
	_, err := resolver.Resolve(context.Background(), "0x"+strings.Repeat("00", 32))
	assert.ErrorIs(t, err, errs.ErrUnresolvableOrder)
}

func TestConcurrentHydrationConverges(t *testing.T) {
	orders, reader, resolver := newResolverEnv(t)
	ctx := context.Background()

	hash := "0x" + strings.Repeat("1f", 32)
	reader.orders[hash] = ledgerOrder(hash)

	const workers = 8
	ids := make([]uuid.UUID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := resolver.Resolve(ctx, hash)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	mirror, err := orders.GetOrderByExternalID(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, mirror)
	assert.Equal(t, LocalOrderID(hash), mirror.ID)
}

func TestHydrateMarketOrderWithoutPrice(t *testing.T) {
	_, _, resolver := newResolverEnv(t)
	ctx := context.Background()

	hash := "0x" + strings.Repeat("2e", 32)
	ext := ledgerOrder(hash)
	ext.Price = decimal.NullDecimal{}

	mirror, err := resolver.Hydrate(ctx, &ext)
	require.NoError(t, err)
	assert.Equal(t, models.TypeMarket, mirror.Type)
	assert.False(t, mirror.Price.Valid)
}
