// Package models contains the shared data model for the matching and
// settlement core: orders, matches, settlement batches and queue items.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Opposite returns the counter side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes market and limit orders.
type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
)

// RestingStatuses are the order states still eligible for matching.
var RestingStatuses = []OrderStatus{OrderPending, OrderPartiallyFilled}

// SettlementStatus tracks a match through the settlement pipeline.
type SettlementStatus string

const (
	SettlementPending  SettlementStatus = "pending"
	SettlementSettling SettlementStatus = "settling"
	SettlementSettled  SettlementStatus = "settled"
	SettlementFailed   SettlementStatus = "failed"
)

// BatchStatus is the lifecycle state of a settlement batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
	BatchRetrying   BatchStatus = "retrying"
)

// QueueItemStatus is the lifecycle state of a settlement queue item.
type QueueItemStatus string

const (
	ItemQueued       QueueItemStatus = "queued"
	ItemProcessing   QueueItemStatus = "processing"
	ItemSubmitted    QueueItemStatus = "submitted"
	ItemConfirmed    QueueItemStatus = "confirmed"
	ItemFailed       QueueItemStatus = "failed"
	ItemRetryPending QueueItemStatus = "retry_pending"
)

// Order is a standing intent to trade. Orders created through the local
// submission path have no ExternalID; orders hydrated from the ledger carry
// the ledger order hash and a deterministic local ID derived from it.
type Order struct {
	ID          uuid.UUID           `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	ExternalID  *string             `json:"external_id,omitempty" gorm:"uniqueIndex" validate:"omitempty,len=66"`
	Market      string              `json:"market" gorm:"index:idx_orders_resting" validate:"required"`
	Trader      string              `json:"trader" gorm:"index" validate:"required"`
	Side        OrderSide           `json:"side" gorm:"index:idx_orders_resting" validate:"required,oneof=buy sell"`
	Type        OrderType           `json:"type" validate:"required,oneof=market limit"`
	Quantity    decimal.Decimal     `json:"quantity" gorm:"type:decimal(36,18)" validate:"required"`
	Price       decimal.NullDecimal `json:"price,omitempty" gorm:"type:decimal(36,18)"`
	Filled      decimal.Decimal     `json:"filled" gorm:"type:decimal(36,18)"`
	Status      OrderStatus         `json:"status" gorm:"index:idx_orders_resting" validate:"required,oneof=pending partially_filled filled cancelled"`
	TimeInForce string              `json:"time_in_force" gorm:"default:GTC" validate:"omitempty,oneof=GTC IOC FOK"`
	CreatedAt   time.Time           `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// IsExternal reports whether the order is a hydrated ledger mirror.
func (o *Order) IsExternal() bool {
	return o.ExternalID != nil && *o.ExternalID != ""
}

// StatusForFill returns the status an order should carry once its filled
// quantity reaches filled.
func (o *Order) StatusForFill(filled decimal.Decimal) OrderStatus {
	switch {
	case filled.GreaterThanOrEqual(o.Quantity):
		return OrderFilled
	case filled.IsPositive():
		return OrderPartiallyFilled
	default:
		return OrderPending
	}
}

// Match records one crossing between a buy and a sell order. Both sides
// reference local order rows; externally sourced orders are hydrated into a
// local mirror before a match against them is recorded.
type Match struct {
	ID               uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid"`
	Market           string           `json:"market" gorm:"index"`
	BuyOrderID       uuid.UUID        `json:"buy_order_id" gorm:"type:uuid;index"`
	SellOrderID      uuid.UUID        `json:"sell_order_id" gorm:"type:uuid;index"`
	Quantity         decimal.Decimal  `json:"quantity" gorm:"type:decimal(36,18)"`
	Price            decimal.Decimal  `json:"price" gorm:"type:decimal(36,18)"`
	SettlementStatus SettlementStatus `json:"settlement_status" gorm:"index;default:pending"`
	BatchID          *uuid.UUID       `json:"batch_id,omitempty" gorm:"type:uuid;index"`
	TxHash           *string          `json:"tx_hash,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// SettlementBatch groups the pending matches of one market into a single
// ledger transaction.
type SettlementBatch struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Market        string          `json:"market" gorm:"index"`
	TradeCount    int             `json:"trade_count"`
	Priority      int             `json:"priority" gorm:"index"`
	Status        BatchStatus     `json:"status" gorm:"index;default:pending"`
	EstimatedCost decimal.Decimal `json:"estimated_cost" gorm:"type:decimal(36,18)"`
	TxHash        *string         `json:"tx_hash,omitempty"`
	RetryCount    int             `json:"retry_count"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// UUIDList is a JSON-encoded list of UUIDs stored in a text column.
type UUIDList []uuid.UUID

// Value implements driver.Valuer.
func (l UUIDList) Value() (driver.Value, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *UUIDList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	}
	return fmt.Errorf("uuid list: unsupported source type %T", src)
}

// StringList is a JSON-encoded list of strings stored in a text column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	}
	return fmt.Errorf("string list: unsupported source type %T", src)
}

// SettlementQueueItem is the durable work item the submitter drains. One item
// is created atomically with its batch.
type SettlementQueueItem struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	BatchID        uuid.UUID       `json:"batch_id" gorm:"type:uuid;index"`
	SettlementType string          `json:"settlement_type" gorm:"default:trade"`
	MatchIDs       UUIDList        `json:"match_ids" gorm:"type:text"`
	Traders        StringList      `json:"traders" gorm:"type:text"`
	Payload        json.RawMessage `json:"payload" gorm:"type:text"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Status         QueueItemStatus `json:"status" gorm:"index;default:queued"`
	LastError      string          `json:"last_error,omitempty"`
	ErrorCount     int             `json:"error_count"`
	RetryAfter     *time.Time      `json:"retry_after,omitempty" gorm:"index"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
