package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/nithinbarath/billing-system/internal/domain"
)

const invoiceKeyPrefix = "billing:invoice:"

type RedisInvoiceCache struct {
	client *redis.Client
}

// NewRedisClient opens the client shared by the invoice cache and the
// notifier.
func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisInvoiceCache(client *redis.Client) *RedisInvoiceCache {
	return &RedisInvoiceCache{client: client}
}

func (c *RedisInvoiceCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisInvoiceCache) Get(ctx context.Context, id string) (*domain.Invoice, bool, error) {
	val, err := c.client.Get(ctx, InvoiceKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var invoice domain.Invoice
	if err := json.Unmarshal([]byte(val), &invoice); err != nil {
		return nil, false, err
	}
	return &invoice, true, nil
}

func (c *RedisInvoiceCache) Set(ctx context.Context, invoice *domain.Invoice, ttl time.Duration) error {
	if invoice == nil || invoice.ID == "" {
		return nil
	}
	payload, err := json.Marshal(invoice)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, InvoiceKey(invoice.ID), payload, ttl).Err()
}

func InvoiceKey(id string) string {
	return invoiceKeyPrefix + id
}
