package service

import (
	"context"
	"encoding/json"

	"tradeloop/engine/internal/model"
	"tradeloop/engine/pkg/logger"
	"tradeloop/engine/pkg/redis"
)

// NotificationService publishes engine events to Redis, where the
// WebSocket hub bridges them to connected clients. Publishing through
// Redis keeps pushes working when the engine runs as multiple replicas.
type NotificationService struct {
	redis *redis.Client
	log   *logger.Logger
}

func NewNotificationService(redisClient *redis.Client) *NotificationService {
	return &NotificationService{
		redis: redisClient,
		log:   logger.GetLogger(),
	}
}

// NotifyUser sends a message to a specific user's connections
func (s *NotificationService) NotifyUser(ctx context.Context, userID string, msgType model.WSMessageType, payload interface{}) {
	data, err := json.Marshal(model.WSMessage{Type: msgType, Payload: payload})
	if err != nil {
		s.log.Errorf("Failed to marshal notification: %v", err)
		return
	}

	channel := redis.UserChannel(userID)
	if err := s.redis.Publish(ctx, channel, data); err != nil {
		s.log.Errorf("Failed to publish notification to channel %s: %v", channel, err)
	}
}

// NotifyBotUpdate sends a bot lifecycle or P&L update to its owner
func (s *NotificationService) NotifyBotUpdate(ctx context.Context, userID string, payload model.WSBotUpdatePayload) {
	s.NotifyUser(ctx, userID, model.WSTypeBotUpdate, payload)
}

// NotifyPositionUpdate sends a position change to its owner
func (s *NotificationService) NotifyPositionUpdate(ctx context.Context, userID string, payload model.WSPositionUpdatePayload) {
	s.NotifyUser(ctx, userID, model.WSTypePositionUpdate, payload)
}
