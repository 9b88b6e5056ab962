// Package events publishes match events to the trade feed. Publishing is
// strictly fire-and-forget: a broker outage degrades the feed, never the
// matching path.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/chainvenue/core/internal/config"
	"github.com/chainvenue/core/pkg/models"
)

// matchEvent is the wire shape published per match.
type matchEvent struct {
	MatchID     string    `json:"match_id"`
	Market      string    `json:"market"`
	BuyOrderID  string    `json:"buy_order_id"`
	SellOrderID string    `json:"sell_order_id"`
	Quantity    string    `json:"quantity"`
	Price       string    `json:"price"`
	MatchedAt   time.Time `json:"matched_at"`
}

// KafkaPublisher writes match events to a kafka topic.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher for the configured brokers and topic.
func NewKafkaPublisher(cfg config.KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TradeTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &KafkaPublisher{writer: writer, logger: logger.Named("events")}
}

// PublishMatches emits one event per match, keyed by market so one market's
// trades stay ordered within a partition.
func (p *KafkaPublisher) PublishMatches(ctx context.Context, matches []*models.Match) {
	msgs := make([]kafka.Message, 0, len(matches))
	for _, m := range matches {
		body, err := json.Marshal(matchEvent{
			MatchID:     m.ID.String(),
			Market:      m.Market,
			BuyOrderID:  m.BuyOrderID.String(),
			SellOrderID: m.SellOrderID.String(),
			Quantity:    m.Quantity.String(),
			Price:       m.Price.String(),
			MatchedAt:   m.CreatedAt,
		})
		if err != nil {
			p.logger.Error("failed to encode match event", zap.Error(err))
			continue
		}
		msgs = append(msgs, kafka.Message{Key: []byte(m.Market), Value: body})
	}
	if len(msgs) == 0 {
		return
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Warn("trade feed publish failed", zap.Int("events", len(msgs)), zap.Error(err))
	}
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
