package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/custody/libs/kafka"
	"github.com/AfshinJalili/custody/services/wallet/internal/ledger"
	"github.com/AfshinJalili/custody/services/wallet/internal/storage"
	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
)

const (
	AdjustmentsTopic     = "wallet.adjustments"
	BalanceAdjustedTopic = "wallet.balance.adjusted"
)

type AdjustmentRequestedEvent struct {
	kafka.Envelope
	UserID        string         `json:"user_id"`
	Currency      string         `json:"currency"`
	Delta         string         `json:"delta"`
	TxHash        string         `json:"tx_hash,omitempty"`
	FromAddress   string         `json:"from_address,omitempty"`
	ToAddress     string         `json:"to_address,omitempty"`
	Fee           string         `json:"fee,omitempty"`
	Status        string         `json:"status,omitempty"`
	Type          string         `json:"type,omitempty"`
	Confirmations int            `json:"confirmations,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type BalanceAdjustedEvent struct {
	kafka.Envelope
	WalletID      string `json:"wallet_id"`
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	Currency      string `json:"currency"`
	Delta         string `json:"delta"`
	Balance       string `json:"balance"`
	AdjustedAt    string `json:"adjusted_at"`
}

type Adjuster interface {
	Adjust(ctx context.Context, userID, currency string, delta decimal.Decimal, opts ledger.AdjustOptions) (ledger.AdjustResult, error)
}

type Metrics interface {
	IncEvent(status string)
}

type AdjustmentConsumer struct {
	ledger   Adjuster
	producer kafka.Publisher
	topic    string
	logger   *slog.Logger
	metrics  Metrics
}

// NewAdjustmentConsumer publishes balance changes to topic, or to
// BalanceAdjustedTopic when topic is empty.
func NewAdjustmentConsumer(ledger Adjuster, producer kafka.Publisher, topic string, logger *slog.Logger, metrics Metrics) *AdjustmentConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(topic) == "" {
		topic = BalanceAdjustedTopic
	}
	return &AdjustmentConsumer{
		ledger:   ledger,
		producer: producer,
		topic:    topic,
		logger:   logger,
		metrics:  metrics,
	}
}

// HandleMessage applies one adjustment request. Malformed or rejected events
// are returned as DLQ errors; storage failures are returned as-is so the
// message is retried.
func (c *AdjustmentConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		c.inc("invalid")
		return kafka.DLQ(fmt.Errorf("empty kafka message"), kafka.ReasonInvalidEvent)
	}
	var event AdjustmentRequestedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.inc("invalid")
		return kafka.DLQ(fmt.Errorf("decode %s: %w", kafka.EventTypeAdjustmentRequested, err), kafka.ReasonInvalidEvent)
	}
	delta, opts, err := event.parse()
	if err != nil {
		c.inc("invalid")
		return kafka.DLQ(err, kafka.ReasonInvalidEvent)
	}

	res, err := c.ledger.Adjust(ctx, event.UserID, event.Currency, delta, opts)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrEventProcessed):
			c.inc("duplicate")
			c.logger.Info("adjustment event already applied", "event_id", event.EventID)
			return nil
		case errors.Is(err, storage.ErrDuplicateTxHash):
			c.inc("duplicate")
			c.logger.Info("adjustment already processed", "event_id", event.EventID, "tx_hash", event.TxHash)
			return nil
		case errors.Is(err, ledger.ErrInvalidArgument):
			c.inc("invalid")
			return kafka.DLQ(err, kafka.ReasonInvalidEvent)
		default:
			c.inc("error")
			return fmt.Errorf("apply adjustment %s: %w", event.EventID, err)
		}
	}
	c.inc("applied")

	return c.publishAdjusted(ctx, event, delta, res)
}

func (e *AdjustmentRequestedEvent) parse() (decimal.Decimal, ledger.AdjustOptions, error) {
	if err := e.Envelope.Validate(); err != nil {
		return decimal.Zero, ledger.AdjustOptions{}, err
	}
	if e.EventType != kafka.EventTypeAdjustmentRequested {
		return decimal.Zero, ledger.AdjustOptions{}, fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.Delta) == "" {
		return decimal.Zero, ledger.AdjustOptions{}, fmt.Errorf("delta is required")
	}
	delta, err := decimal.NewFromString(strings.TrimSpace(e.Delta))
	if err != nil {
		return decimal.Zero, ledger.AdjustOptions{}, fmt.Errorf("delta must be decimal")
	}

	fee := decimal.Zero
	if strings.TrimSpace(e.Fee) != "" {
		fee, err = decimal.NewFromString(strings.TrimSpace(e.Fee))
		if err != nil {
			return decimal.Zero, ledger.AdjustOptions{}, fmt.Errorf("fee must be decimal")
		}
	}

	metadata := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	metadata["event_id"] = e.EventID

	return delta, ledger.AdjustOptions{
		EventID:       e.EventID,
		TxHash:        e.TxHash,
		FromAddress:   e.FromAddress,
		ToAddress:     e.ToAddress,
		Fee:           fee,
		Status:        e.Status,
		Type:          e.Type,
		Confirmations: e.Confirmations,
		Metadata:      metadata,
		Timestamp:     e.Timestamp,
	}, nil
}

func (c *AdjustmentConsumer) publishAdjusted(ctx context.Context, event AdjustmentRequestedEvent, delta decimal.Decimal, res ledger.AdjustResult) error {
	if c.producer == nil {
		return nil
	}
	correlationID := strings.TrimSpace(event.CorrelationID)
	if correlationID == "" {
		correlationID = event.EventID
	}
	eventID := kafka.DeterministicEventID(kafka.EventTypeBalanceAdjusted, res.TransactionID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, kafka.EventTypeBalanceAdjusted, 1, correlationID)
	if err != nil {
		return err
	}
	out := BalanceAdjustedEvent{
		Envelope:      env,
		WalletID:      res.WalletID.String(),
		TransactionID: res.TransactionID.String(),
		UserID:        strings.TrimSpace(event.UserID),
		Currency:      ledger.NormalizeCurrency(event.Currency),
		Delta:         delta.String(),
		Balance:       res.Balance.String(),
		AdjustedAt:    env.Timestamp.Format(time.RFC3339Nano),
	}
	if _, _, err := c.producer.PublishJSON(ctx, c.topic, res.WalletID.String(), out); err != nil {
		// The adjustment is already committed; publish failures are not retried.
		c.logger.Error("publish balance adjusted failed", "event_id", event.EventID, "wallet_id", res.WalletID.String(), "error", err)
		c.inc("publish_failed")
	}
	return nil
}

func (c *AdjustmentConsumer) inc(status string) {
	if c.metrics == nil {
		return
	}
	c.metrics.IncEvent(status)
}
