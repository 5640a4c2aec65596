package repository

import (
	"context"
	"errors"
	"time"

	"tradeloop/engine/internal/model"
	"tradeloop/engine/pkg/redis"

	redislib "github.com/redis/go-redis/v9"
)

type PositionRepository struct {
	redis *redis.Client
}

func NewPositionRepository(redisClient *redis.Client) *PositionRepository {
	return &PositionRepository{redis: redisClient}
}

// Save persists a position snapshot and indexes it by scope
func (r *PositionRepository) Save(ctx context.Context, pos *model.Position) error {
	pos.UpdatedAt = time.Now()
	key := redis.PositionKey(pos.UserID, pos.MarketType, pos.Mode, pos.Symbol)
	if err := r.redis.SetJSON(ctx, key, pos, 0); err != nil {
		return err
	}
	return r.redis.SAdd(ctx, redis.PositionScopeKey(pos.UserID, pos.MarketType, pos.Mode), pos.Symbol)
}

// Get retrieves one position
func (r *PositionRepository) Get(ctx context.Context, userID, market, mode, symbol string) (*model.Position, error) {
	var pos model.Position
	err := r.redis.GetJSON(ctx, redis.PositionKey(userID, market, mode, symbol), &pos)
	if err != nil {
		if errors.Is(err, redislib.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pos, nil
}

// ListByScope retrieves all positions for a (user, market, mode) scope
func (r *PositionRepository) ListByScope(ctx context.Context, userID, market, mode string) ([]*model.Position, error) {
	symbols, err := r.redis.SMembers(ctx, redis.PositionScopeKey(userID, market, mode))
	if err != nil {
		return nil, err
	}

	positions := make([]*model.Position, 0, len(symbols))
	for _, symbol := range symbols {
		pos, err := r.Get(ctx, userID, market, mode, symbol)
		if err == nil {
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

// Delete removes a position and its scope index entry
func (r *PositionRepository) Delete(ctx context.Context, userID, market, mode, symbol string) error {
	if err := r.redis.Del(ctx, redis.PositionKey(userID, market, mode, symbol)); err != nil {
		return err
	}
	return r.redis.SRem(ctx, redis.PositionScopeKey(userID, market, mode), symbol)
}
