// Package notify tells the outside world that a sale has committed. Delivery
// is best effort: callers log failures and carry on.
package notify

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nithinbarath/billing-system/internal/domain"
)

const EventInvoiceCreated = "invoice.created"

type Notifier interface {
	InvoiceCreated(ctx context.Context, invoice domain.Invoice) error
}

// Event is the payload published for each committed invoice.
type Event struct {
	Type            string        `json:"type"`
	InvoiceID       string        `json:"invoice_id"`
	CustomerEmail   string        `json:"customer_email"`
	RoundedNetPrice int64         `json:"rounded_net_price"`
	ChangeGiven     map[int64]int `json:"change_denominations"`
	CreatedAt       time.Time     `json:"created_at"`
}

func NewEvent(invoice domain.Invoice) Event {
	return Event{
		Type:            EventInvoiceCreated,
		InvoiceID:       invoice.ID,
		CustomerEmail:   invoice.CustomerEmail,
		RoundedNetPrice: invoice.RoundedNetPrice,
		ChangeGiven:     invoice.ChangeDenominations,
		CreatedAt:       invoice.CreatedAt,
	}
}

type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) InvoiceCreated(_ context.Context, invoice domain.Invoice) error {
	n.logger.Info("invoice ready for customer",
		zap.String("invoice_id", invoice.ID),
		zap.String("customer_email", invoice.CustomerEmail),
		zap.Int64("rounded_net_price", invoice.RoundedNetPrice),
	)
	return nil
}

// RedisNotifier publishes an Event as JSON on a pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) InvoiceCreated(ctx context.Context, invoice domain.Invoice) error {
	payload, err := json.Marshal(NewEvent(invoice))
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}
