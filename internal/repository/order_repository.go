package repository

import (
	"context"
	"errors"

	"tradeloop/engine/internal/model"
	"tradeloop/engine/pkg/redis"

	redislib "github.com/redis/go-redis/v9"
)

type OrderRepository struct {
	redis *redis.Client
}

func NewOrderRepository(redisClient *redis.Client) *OrderRepository {
	return &OrderRepository{redis: redisClient}
}

// Save persists an order and indexes it by bot, scored by creation time
func (r *OrderRepository) Save(ctx context.Context, order *model.Order) error {
	if err := r.redis.SetJSON(ctx, redis.OrderKey(order.ID), order, 0); err != nil {
		return err
	}
	return r.redis.ZAdd(ctx, redis.BotOrdersKey(order.BotID), redislib.Z{
		Score:  float64(order.CreatedAt.UnixMilli()),
		Member: order.ID,
	})
}

// GetByID retrieves an order
func (r *OrderRepository) GetByID(ctx context.Context, orderID string) (*model.Order, error) {
	var order model.Order
	err := r.redis.GetJSON(ctx, redis.OrderKey(orderID), &order)
	if err != nil {
		if errors.Is(err, redislib.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// ListRecentByBot retrieves the most recent orders for a bot, newest first
func (r *OrderRepository) ListRecentByBot(ctx context.Context, botID int64, limit int) ([]*model.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := r.redis.ZRevRange(ctx, redis.BotOrdersKey(botID), 0, int64(limit-1))
	if err != nil {
		return nil, err
	}

	orders := make([]*model.Order, 0, len(ids))
	for _, id := range ids {
		order, err := r.GetByID(ctx, id)
		if err == nil {
			orders = append(orders, order)
		}
	}
	return orders, nil
}
