package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"github.com/itsknk/referral-system-assesment/internal/storage"
	"github.com/itsknk/referral-system-assesment/libs/kafka"
)

const (
	// TopicTradeFees carries executed-trade fee events from the trading stack.
	TopicTradeFees = "trades.fees"

	tradeFeeEventType = "trades.fee.charged"
)

// TradeFeeEvent is one fee-generating trade reported by the upstream
// exchange. Amounts travel as decimal strings.
type TradeFeeEvent struct {
	kafka.Envelope
	TradeID    string `json:"trade_id"`
	Chain      string `json:"chain"`
	TraderID   int64  `json:"trader_id"`
	FeeToken   string `json:"fee_token"`
	FeeAmount  string `json:"fee_amount"`
	ExecutedAt string `json:"executed_at"`
}

func (e *TradeFeeEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != tradeFeeEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.TradeID) == "" {
		return fmt.Errorf("trade_id is required")
	}
	if strings.TrimSpace(e.Chain) == "" {
		return fmt.Errorf("chain is required")
	}
	if e.TraderID <= 0 {
		return fmt.Errorf("trader_id is required")
	}
	if strings.TrimSpace(e.FeeToken) == "" {
		return fmt.Errorf("fee_token is required")
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(e.FeeAmount))
	if err != nil {
		return fmt.Errorf("fee_amount must be decimal")
	}
	if amount.IsNegative() {
		return fmt.Errorf("fee_amount must be non-negative")
	}
	if strings.TrimSpace(e.ExecutedAt) != "" {
		if _, err := time.Parse(time.RFC3339, strings.TrimSpace(e.ExecutedAt)); err != nil {
			return fmt.Errorf("executed_at must be RFC3339")
		}
	}
	return nil
}

type TradeIngester interface {
	IngestTrade(ctx context.Context, req storage.IngestRequest) (*storage.IngestResult, error)
}

type TradeConsumer struct {
	ingester TradeIngester
	logger   *slog.Logger
}

func NewTradeConsumer(ingester TradeIngester, logger *slog.Logger) *TradeConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TradeConsumer{
		ingester: ingester,
		logger:   logger,
	}
}

// HandleMessage decodes one trades.fees event and drives trade ingestion.
// Malformed payloads are permanent failures and go to the DLQ; user and
// treasury lookups that fail are treated the same way since replaying the
// message cannot fix the data. Everything else is retryable.
func (c *TradeConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "empty_message")
	}
	var event TradeFeeEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode %s: %w", TopicTradeFees, err), "decode_failed")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_event")
	}

	fee, err := decimal.NewFromString(strings.TrimSpace(event.FeeAmount))
	if err != nil {
		return kafka.DLQ(fmt.Errorf("fee_amount must be decimal: %w", err), "invalid_event")
	}
	executedAt := time.Now().UTC()
	if ts := strings.TrimSpace(event.ExecutedAt); ts != "" {
		executedAt, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return kafka.DLQ(fmt.Errorf("executed_at must be RFC3339: %w", err), "invalid_event")
		}
	}

	result, err := c.ingester.IngestTrade(ctx, storage.IngestRequest{
		TradeID:    event.TradeID,
		Chain:      event.Chain,
		TraderID:   event.TraderID,
		FeeToken:   event.FeeToken,
		FeeAmount:  fee,
		ExecutedAt: executedAt,
	})
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) || errors.Is(err, storage.ErrTreasuryNotConfigured) {
			c.logger.Warn("trade fee event references unknown data", "trade_id", event.TradeID, "trader_id", event.TraderID, "error", err)
			return kafka.DLQ(err, "unknown_reference")
		}
		return fmt.Errorf("ingest trade %s/%s: %w", event.TradeID, event.Chain, err)
	}

	if result.Status == storage.IngestDuplicate {
		c.logger.Info("trade fee event already ingested", "trade_id", event.TradeID, "chain", event.Chain, "event_id", event.EventID)
		return nil
	}

	c.logger.Info("trade fee ingested",
		"trade_id", event.TradeID,
		"chain", event.Chain,
		"trader_id", event.TraderID,
		"entries", len(result.Entries),
		"event_id", event.EventID,
	)
	return nil
}
