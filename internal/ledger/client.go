package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainvenue/core/internal/config"
	"github.com/chainvenue/core/pkg/errs"
	"github.com/chainvenue/core/pkg/models"
)

const (
	refPriceCacheTTL = 2 * time.Second
	receiptPollEvery = 2 * time.Second
)

// zeroAddress marks an unset trader in contract storage.
var zeroAddress = common.Address{}

// backend is the subset of ethclient.Client the venue client uses.
type backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// Client reads and writes the on-chain venue contract.
type Client struct {
	eth            backend
	venueABI       abi.ABI
	venue          common.Address
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	gasLimit       uint64
	callTimeout    time.Duration
	confirmTimeout time.Duration
	cache          *redis.Client
	logger         *zap.Logger
}

// chainOrder mirrors the contract's order tuple layout.
type chainOrder struct {
	OrderHash [32]byte
	Market    string
	Trader    common.Address
	Side      uint8
	Price     *big.Int
	Quantity  *big.Int
	Filled    *big.Int
	CreatedAt *big.Int
}

// New connects to the configured RPC endpoint. The redis cache is optional;
// pass nil to disable reference price caching.
func New(cfg config.LedgerConfig, cache *redis.Client, logger *zap.Logger) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(venueABI))
	if err != nil {
		return nil, fmt.Errorf("parse venue abi: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse settlement key: %w", err)
	}

	return &Client{
		eth:            eth,
		venueABI:       parsed,
		venue:          common.HexToAddress(cfg.VenueContract),
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		gasLimit:       cfg.GasLimit,
		callTimeout:    cfg.CallTimeout,
		confirmTimeout: cfg.ConfirmTimeout,
		cache:          cache,
		logger:         logger.Named("ledger"),
	}, nil
}

// MarketID derives the bytes32 market identifier the contract indexes by.
func MarketID(market string) common.Hash {
	return crypto.Keccak256Hash([]byte(market))
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	data, err := c.venueABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.venue, Data: data}, nil)
	if err != nil {
		return nil, errs.Transient("ledger."+method, err)
	}
	return out, nil
}

// GetOrderByExternalID reads one order by its ledger hash. Returns (nil, nil)
// when the contract holds no such order or the slot is empty.
func (c *Client) GetOrderByExternalID(ctx context.Context, externalID string) (*ExternalOrder, error) {
	out, err := c.call(ctx, "getOrder", common.HexToHash(externalID))
	if err != nil {
		return nil, err
	}
	vals, err := c.venueABI.Unpack("getOrder", out)
	if err != nil {
		return nil, fmt.Errorf("decode getOrder: %w", err)
	}
	raw := *abi.ConvertType(vals[0], new(chainOrder)).(*chainOrder)
	if raw.Trader == zeroAddress {
		return nil, nil
	}
	order := c.normalize(raw, "")
	return &order, nil
}

// GetActiveOrders reads the externally resting orders of a market and side.
func (c *Client) GetActiveOrders(ctx context.Context, market string, side models.OrderSide) ([]ExternalOrder, error) {
	out, err := c.call(ctx, "getActiveOrders", MarketID(market), sideCode(side))
	if err != nil {
		return nil, err
	}
	var raw []chainOrder
	if err := c.venueABI.UnpackIntoInterface(&raw, "getActiveOrders", out); err != nil {
		return nil, fmt.Errorf("decode getActiveOrders: %w", err)
	}
	orders := make([]ExternalOrder, 0, len(raw))
	for _, r := range raw {
		if r.Trader == zeroAddress {
			continue
		}
		orders = append(orders, c.normalize(r, market))
	}
	return orders, nil
}

// GetReferencePrice returns the market's last trade price, else the bid/ask
// midpoint, else whichever side is quoted. errs.ErrNoReferencePrice when the
// market has never traded and carries no quotes.
func (c *Client) GetReferencePrice(ctx context.Context, market string) (decimal.Decimal, error) {
	if c.cache != nil {
		if cached, err := c.cache.Get(ctx, refPriceKey(market)).Result(); err == nil {
			if d, perr := decimal.NewFromString(cached); perr == nil {
				return d, nil
			}
		}
	}

	out, err := c.call(ctx, "getMarketStats", MarketID(market))
	if err != nil {
		return decimal.Zero, err
	}
	var stats struct {
		LastPrice *big.Int
		BestBid   *big.Int
		BestAsk   *big.Int
	}
	if err := c.venueABI.UnpackIntoInterface(&stats, "getMarketStats", out); err != nil {
		return decimal.Zero, fmt.Errorf("decode getMarketStats: %w", err)
	}

	last := FromLedgerUnits(stats.LastPrice)
	bid := FromLedgerUnits(stats.BestBid)
	ask := FromLedgerUnits(stats.BestAsk)

	var price decimal.Decimal
	switch {
	case last.IsPositive():
		price = last
	case bid.IsPositive() && ask.IsPositive():
		price = bid.Add(ask).Div(decimal.NewFromInt(2))
	case bid.IsPositive():
		price = bid
	case ask.IsPositive():
		price = ask
	default:
		return decimal.Zero, errs.ErrNoReferencePrice
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, refPriceKey(market), price.String(), refPriceCacheTTL).Err(); err != nil {
			c.logger.Debug("reference price cache write failed", zap.Error(err))
		}
	}
	return price, nil
}

// SubmitSettlement submits one batch as an allocate-then-transfer sequence.
// The two transactions form a unit: a failure anywhere leaves the batch
// unsettled and the caller retries the whole item. Amounts are flat notional
// (quantity times price) per transfer leg.
func (c *Client) SubmitSettlement(ctx context.Context, payload SettlementPayload) (string, error) {
	if len(payload.Transfers) == 0 {
		return "", fmt.Errorf("empty settlement payload for batch %s", payload.BatchID)
	}

	// Step 1: lock the paying side's funds.
	locked := map[common.Address]*big.Int{}
	for _, t := range payload.Transfers {
		from := common.HexToAddress(t.From)
		amount := ToLedgerUnits(t.Amount)
		if prev, ok := locked[from]; ok {
			locked[from] = new(big.Int).Add(prev, amount)
		} else {
			locked[from] = amount
		}
	}
	traders := make([]common.Address, 0, len(locked))
	amounts := make([]*big.Int, 0, len(locked))
	for trader, amount := range locked {
		traders = append(traders, trader)
		amounts = append(amounts, amount)
	}
	if _, err := c.sendTx(ctx, "lockFunds", traders, amounts); err != nil {
		return "", err
	}

	// Step 2: move the notional between the matched traders.
	from := make([]common.Address, len(payload.Transfers))
	to := make([]common.Address, len(payload.Transfers))
	legs := make([]*big.Int, len(payload.Transfers))
	for i, t := range payload.Transfers {
		from[i] = common.HexToAddress(t.From)
		to[i] = common.HexToAddress(t.To)
		legs[i] = ToLedgerUnits(t.Amount)
	}
	batchID := crypto.Keccak256Hash([]byte(payload.BatchID))
	tx, err := c.sendTx(ctx, "settleTrades", batchID, from, to, legs)
	if err != nil {
		return "", err
	}

	c.logger.Info("settlement submitted",
		zap.String("batch_id", payload.BatchID),
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.Int("transfers", len(payload.Transfers)))
	return tx.Hash().Hex(), nil
}

// WaitForConfirmation polls for the transaction receipt within the confirm
// timeout. A reverted transaction is an error.
func (c *Client) WaitForConfirmation(ctx context.Context, txHash string) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptPollEvery)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return fmt.Errorf("settlement transaction %s reverted", txHash)
			}
			return nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return errs.Transient("ledger.receipt", err)
		}
		select {
		case <-ctx.Done():
			return errs.Transient("ledger.confirm", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) sendTx(ctx context.Context, method string, args ...interface{}) (*ethtypes.Transaction, error) {
	data, err := c.venueABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, errs.Transient("ledger.nonce", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errs.Transient("ledger.gasprice", err)
	}

	tx := ethtypes.NewTransaction(nonce, c.venue, big.NewInt(0), c.gasLimit, gasPrice, data)
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", method, err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, errs.Transient("ledger."+method, err)
	}
	return signed, nil
}

func (c *Client) normalize(raw chainOrder, market string) ExternalOrder {
	if market == "" {
		market = raw.Market
	}
	order := ExternalOrder{
		Hash:      common.Hash(raw.OrderHash).Hex(),
		Market:    market,
		Trader:    raw.Trader.Hex(),
		Side:      sideFromCode(raw.Side),
		Quantity:  FromLedgerUnits(raw.Quantity),
		Filled:    FromLedgerUnits(raw.Filled),
		CreatedAt: time.Unix(raw.CreatedAt.Int64(), 0).UTC(),
	}
	if price := FromLedgerUnits(raw.Price); price.IsPositive() {
		order.Price = decimal.NewNullDecimal(price)
	}
	return order
}

func sideCode(side models.OrderSide) uint8 {
	if side == models.SideSell {
		return 1
	}
	return 0
}

func sideFromCode(code uint8) models.OrderSide {
	if code == 1 {
		return models.SideSell
	}
	return models.SideBuy
}

func refPriceKey(market string) string {
	return "chainvenue:refprice:" + market
}
