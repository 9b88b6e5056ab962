package ledger

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainvenue/core/pkg/errs"
	"github.com/chainvenue/core/pkg/models"
)

// fakeBackend answers contract calls from a canned function and records sent
// transactions.
type fakeBackend struct {
	callFn   func(data []byte) ([]byte, error)
	sent     []*ethtypes.Transaction
	receipts map[common.Hash]*ethtypes.Receipt
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return f.callFn(call.Data)
}

func (f *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func newTestClient(t *testing.T, eth backend) *Client {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(venueABI))
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &Client{
		eth:            eth,
		venueABI:       parsed,
		venue:          common.HexToAddress("0x0000000000000000000000000000000000000001"),
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:        big.NewInt(1337),
		gasLimit:       1_500_000,
		callTimeout:    time.Second,
		confirmTimeout: 5 * time.Second,
		logger:         zap.NewNop(),
	}
}

func units(n int64) *big.Int {
	return ToLedgerUnits(decimal.NewFromInt(n))
}

func statsBackend(t *testing.T, c *Client, last, bid, ask int64) *fakeBackend {
	t.Helper()
	return &fakeBackend{callFn: func(_ []byte) ([]byte, error) {
		out, err := c.venueABI.Methods["getMarketStats"].Outputs.Pack(units(last), units(bid), units(ask))
		require.NoError(t, err)
		return out, nil
	}}
}

func TestGetReferencePriceLastTrade(t *testing.T) {
	c := newTestClient(t, nil)
	c.eth = statsBackend(t, c, 100, 99, 101)

	price, err := c.GetReferencePrice(context.Background(), "ETH-USD")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(100)))
}

func TestGetReferencePriceMidpoint(t *testing.T) {
	c := newTestClient(t, nil)
	c.eth = statsBackend(t, c, 0, 10, 20)

	price, err := c.GetReferencePrice(context.Background(), "ETH-USD")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(15)))
}

func TestGetReferencePriceSingleSidedQuote(t *testing.T) {
	c := newTestClient(t, nil)
	c.eth = statsBackend(t, c, 0, 0, 20)

	price, err := c.GetReferencePrice(context.Background(), "ETH-USD")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(20)))
}

func TestGetReferencePriceEmptyMarket(t *testing.T) {
	c := newTestClient(t, nil)
	c.eth = statsBackend(t, c, 0, 0, 0)

	_, err := c.GetReferencePrice(context.Background(), "ETH-USD")
	assert.ErrorIs(t, err, errs.ErrNoReferencePrice)
}

func TestGetOrderByExternalID(t *testing.T) {
	c := newTestClient(t, nil)
	hash := crypto.Keccak256Hash([]byte("order-1"))
	trader := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	createdAt := time.Now().UTC().Truncate(time.Second)

	c.eth = &fakeBackend{callFn: func(_ []byte) ([]byte, error) {
		return c.venueABI.Methods["getOrder"].Outputs.Pack(chainOrder{
			OrderHash: hash,
			Market:    "ETH-USD",
			Trader:    trader,
			Side:      1,
			Price:     units(10),
			Quantity:  units(3),
			Filled:    units(1),
			CreatedAt: big.NewInt(createdAt.Unix()),
		})
	}}

	order, err := c.GetOrderByExternalID(context.Background(), hash.Hex())
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, hash.Hex(), order.Hash)
	assert.Equal(t, "ETH-USD", order.Market)
	assert.Equal(t, trader.Hex(), order.Trader)
	assert.Equal(t, models.SideSell, order.Side)
	require.True(t, order.Price.Valid)
	assert.True(t, order.Price.Decimal.Equal(decimal.NewFromInt(10)))
	assert.True(t, order.Quantity.Equal(decimal.NewFromInt(3)))
	assert.True(t, order.Remaining().Equal(decimal.NewFromInt(2)))
	assert.Equal(t, createdAt, order.CreatedAt)
}

func TestGetOrderByExternalIDEmptySlot(t *testing.T) {
	c := newTestClient(t, nil)
	c.eth = &fakeBackend{callFn: func(_ []byte) ([]byte, error) {
		return c.venueABI.Methods["getOrder"].Outputs.Pack(chainOrder{
			Price:     big.NewInt(0),
			Quantity:  big.NewInt(0),
			Filled:    big.NewInt(0),
			CreatedAt: big.NewInt(0),
		})
	}}

	order, err := c.GetOrderByExternalID(context.Background(), crypto.Keccak256Hash([]byte("missing")).Hex())
	require.NoError(t, err)
	assert.Nil(t, order)
}

func TestGetActiveOrdersSkipsEmptySlotsAndZeroPrices(t *testing.T) {
	c := newTestClient(t, nil)
	trader := common.HexToAddress("0x00000000000000000000000000000000000000b2")

	c.eth = &fakeBackend{callFn: func(_ []byte) ([]byte, error) {
		return c.venueABI.Methods["getActiveOrders"].Outputs.Pack([]chainOrder{
			{
				OrderHash: crypto.Keccak256Hash([]byte("a")),
				Trader:    trader,
				Price:     big.NewInt(0), // zero on-chain price marks a market order
				Quantity:  units(5),
				Filled:    big.NewInt(0),
				CreatedAt: big.NewInt(time.Now().Unix()),
			},
			{
				Price:     big.NewInt(0),
				Quantity:  big.NewInt(0),
				Filled:    big.NewInt(0),
				CreatedAt: big.NewInt(0),
			},
		})
	}}

	orders, err := c.GetActiveOrders(context.Background(), "ETH-USD", models.SideBuy)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "ETH-USD", orders[0].Market, "market comes from the query, not the tuple")
	assert.False(t, orders[0].Price.Valid)
}

func TestSubmitSettlementLocksThenSettles(t *testing.T) {
	eth := &fakeBackend{}
	c := newTestClient(t, eth)

	payer := "0x00000000000000000000000000000000000000c3"
	payload := SettlementPayload{
		BatchID: "batch-1",
		Market:  "ETH-USD",
		Transfers: []Transfer{
			{From: payer, To: "0x00000000000000000000000000000000000000d4", Amount: decimal.NewFromInt(10)},
			{From: payer, To: "0x00000000000000000000000000000000000000e5", Amount: decimal.NewFromInt(20)},
		},
	}

	txHash, err := c.SubmitSettlement(context.Background(), payload)
	require.NoError(t, err)
	require.Len(t, eth.sent, 2)
	assert.Equal(t, eth.sent[1].Hash().Hex(), txHash)

	lock := c.venueABI.Methods["lockFunds"]
	assert.Equal(t, lock.ID, eth.sent[0].Data()[:4])
	args, err := lock.Inputs.Unpack(eth.sent[0].Data()[4:])
	require.NoError(t, err)
	traders := args[0].([]common.Address)
	amounts := args[1].([]*big.Int)
	require.Len(t, traders, 1, "per-payer amounts are aggregated")
	assert.Equal(t, common.HexToAddress(payer), traders[0])
	assert.Zero(t, amounts[0].Cmp(units(30)))

	settle := c.venueABI.Methods["settleTrades"]
	assert.Equal(t, settle.ID, eth.sent[1].Data()[:4])
}

func TestSubmitSettlementRejectsEmptyPayload(t *testing.T) {
	c := newTestClient(t, &fakeBackend{})
	_, err := c.SubmitSettlement(context.Background(), SettlementPayload{BatchID: "empty"})
	assert.Error(t, err)
}

func TestWaitForConfirmation(t *testing.T) {
	eth := &fakeBackend{receipts: map[common.Hash]*ethtypes.Receipt{}}
	c := newTestClient(t, eth)

	good := common.HexToHash("0x01")
	bad := common.HexToHash("0x02")
	eth.receipts[good] = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful}
	eth.receipts[bad] = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed}

	require.NoError(t, c.WaitForConfirmation(context.Background(), good.Hex()))
	err := c.WaitForConfirmation(context.Background(), bad.Hex())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reverted")
}

func TestLedgerUnitConversion(t *testing.T) {
	d := decimal.RequireFromString("1.5")
	assert.Zero(t, ToLedgerUnits(d).Cmp(big.NewInt(1_500_000_000_000_000_000)))
	assert.True(t, FromLedgerUnits(ToLedgerUnits(d)).Equal(d))
	assert.True(t, FromLedgerUnits(nil).IsZero())
}
