package service

import (
	"context"

	"tradeloop/engine/internal/model"
)

// Narrow store interfaces consumed by the services. The Redis-backed
// repositories implement them; tests substitute in-memory fakes.

// BotStore persists bot instances and owns the (user, market)
// uniqueness slot.
type BotStore interface {
	Create(ctx context.Context, bot *model.BotInstance) error
	GetByID(ctx context.Context, botID int64) (*model.BotInstance, error)
	GetActive(ctx context.Context, userID, market string) (*model.BotInstance, error)
	Update(ctx context.Context, bot *model.BotInstance, oldState string) error
	ReleaseSlot(ctx context.Context, userID, market string) error
	ListByStates(ctx context.Context, states ...string) ([]*model.BotInstance, error)
	ListByUser(ctx context.Context, userID string) ([]*model.BotInstance, error)
}

// PositionStore persists position snapshots
type PositionStore interface {
	Save(ctx context.Context, pos *model.Position) error
	ListByScope(ctx context.Context, userID, market, mode string) ([]*model.Position, error)
}

// OrderStore persists the order audit trail
type OrderStore interface {
	Save(ctx context.Context, order *model.Order) error
	GetByID(ctx context.Context, orderID string) (*model.Order, error)
	ListRecentByBot(ctx context.Context, botID int64, limit int) ([]*model.Order, error)
}

// CredentialStore persists exchange credentials
type CredentialStore interface {
	Save(ctx context.Context, cred *model.ExchangeCredential) error
	Get(ctx context.Context, userID, exchange string) (*model.ExchangeCredential, error)
	ListByUser(ctx context.Context, userID string) ([]*model.ExchangeCredential, error)
	Delete(ctx context.Context, userID, exchange string) error
}

// Notifier pushes bot events to the web layer. Nil-safe at the call
// sites so the engine can run headless.
type Notifier interface {
	NotifyBotUpdate(ctx context.Context, userID string, payload model.WSBotUpdatePayload)
	NotifyPositionUpdate(ctx context.Context, userID string, payload model.WSPositionUpdatePayload)
}
