// Package repository provides data access for the engine on top of Redis.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"tradeloop/engine/internal/model"
	"tradeloop/engine/pkg/redis"

	redislib "github.com/redis/go-redis/v9"
)

var (
	// ErrSlotTaken means an active bot already occupies the
	// (user, market) slot.
	ErrSlotTaken = errors.New("bot slot already taken")
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

type BotRepository struct {
	redis *redis.Client
}

func NewBotRepository(redisClient *redis.Client) *BotRepository {
	return &BotRepository{redis: redisClient}
}

// Create persists a new bot instance and claims the (user, market)
// slot atomically. Returns ErrSlotTaken if an active instance already
// holds the slot.
func (r *BotRepository) Create(ctx context.Context, bot *model.BotInstance) error {
	if bot.ID == 0 {
		id, err := r.redis.Incr(ctx, "sequences:bot_id")
		if err != nil {
			return err
		}
		bot.ID = id
	}

	bot.CreatedAt = time.Now()
	bot.UpdatedAt = bot.CreatedAt

	botIDStr := strconv.FormatInt(bot.ID, 10)

	// The slot key is the uniqueness constraint on (user, market)
	acquired, err := r.redis.SetNX(ctx, redis.BotSlotKey(bot.UserID, bot.MarketType), botIDStr, 0)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrSlotTaken
	}

	if err := r.redis.SetJSON(ctx, redis.BotKey(botIDStr), bot, 0); err != nil {
		// Roll the slot back so a failed write does not wedge the pair
		r.redis.Del(ctx, redis.BotSlotKey(bot.UserID, bot.MarketType))
		return err
	}

	if err := r.redis.SAdd(ctx, redis.UserBotsKey(bot.UserID), botIDStr); err != nil {
		return err
	}
	return r.redis.SAdd(ctx, redis.BotsByStateKey(bot.State), botIDStr)
}

// GetByID retrieves a bot by ID
func (r *BotRepository) GetByID(ctx context.Context, botID int64) (*model.BotInstance, error) {
	var bot model.BotInstance
	err := r.redis.GetJSON(ctx, redis.BotKey(strconv.FormatInt(botID, 10)), &bot)
	if err != nil {
		if errors.Is(err, redislib.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &bot, nil
}

// GetActive retrieves the bot currently holding the (user, market)
// slot, if any.
func (r *BotRepository) GetActive(ctx context.Context, userID, market string) (*model.BotInstance, error) {
	idStr, err := r.redis.Get(ctx, redis.BotSlotKey(userID, market))
	if err != nil {
		if errors.Is(err, redislib.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt slot value %q: %w", idStr, err)
	}
	return r.GetByID(ctx, id)
}

// Update persists a bot, maintaining the state index when oldState is set
func (r *BotRepository) Update(ctx context.Context, bot *model.BotInstance, oldState string) error {
	bot.UpdatedAt = time.Now()
	botIDStr := strconv.FormatInt(bot.ID, 10)

	if err := r.redis.SetJSON(ctx, redis.BotKey(botIDStr), bot, 0); err != nil {
		return err
	}

	if oldState != "" && oldState != bot.State {
		r.redis.SRem(ctx, redis.BotsByStateKey(oldState), botIDStr)
		if err := r.redis.SAdd(ctx, redis.BotsByStateKey(bot.State), botIDStr); err != nil {
			return err
		}
	}

	return nil
}

// ReleaseSlot frees the (user, market) slot after a terminal transition
func (r *BotRepository) ReleaseSlot(ctx context.Context, userID, market string) error {
	return r.redis.Del(ctx, redis.BotSlotKey(userID, market))
}

// ListByStates retrieves all bots currently in any of the given states
func (r *BotRepository) ListByStates(ctx context.Context, states ...string) ([]*model.BotInstance, error) {
	var bots []*model.BotInstance
	for _, state := range states {
		ids, err := r.redis.SMembers(ctx, redis.BotsByStateKey(state))
		if err != nil {
			return nil, err
		}
		for _, idStr := range ids {
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				continue
			}
			bot, err := r.GetByID(ctx, id)
			if err != nil {
				continue
			}
			bots = append(bots, bot)
		}
	}
	return bots, nil
}

// ListByUser retrieves all bots for a user
func (r *BotRepository) ListByUser(ctx context.Context, userID string) ([]*model.BotInstance, error) {
	ids, err := r.redis.SMembers(ctx, redis.UserBotsKey(userID))
	if err != nil {
		return nil, err
	}

	bots := make([]*model.BotInstance, 0, len(ids))
	for _, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		bot, err := r.GetByID(ctx, id)
		if err == nil {
			bots = append(bots, bot)
		}
	}
	return bots, nil
}
