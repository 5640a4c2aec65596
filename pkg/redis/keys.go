package redis

import "fmt"

// Redis key patterns for the engine
// Following the pattern: entity:id or entity:id:attribute

// Bot instance keys
func BotKey(botID string) string {
	return fmt.Sprintf("bot:%s", botID)
}

// BotSlotKey is the uniqueness slot for the active bot of a (user, market)
// pair. The key holds the bot ID and is acquired with SETNX.
func BotSlotKey(userID, market string) string {
	return fmt.Sprintf("bot_slot:%s:%s", userID, market)
}

func UserBotsKey(userID string) string {
	return fmt.Sprintf("user_bots:%s", userID)
}

func BotsByStateKey(state string) string {
	return fmt.Sprintf("bots_by_state:%s", state)
}

// Position keys
func PositionKey(userID, market, mode, symbol string) string {
	return fmt.Sprintf("position:%s:%s:%s:%s", userID, market, mode, symbol)
}

func PositionScopeKey(userID, market, mode string) string {
	return fmt.Sprintf("positions:%s:%s:%s", userID, market, mode)
}

// Order keys
func OrderKey(orderID string) string {
	return fmt.Sprintf("order:%s", orderID)
}

func BotOrdersKey(botID int64) string {
	return fmt.Sprintf("bot_orders:%d", botID)
}

// Exchange credential keys
func CredentialKey(userID, exchange string) string {
	return fmt.Sprintf("credential:%s:%s", userID, exchange)
}

func UserCredentialsKey(userID string) string {
	return fmt.Sprintf("user_credentials:%s", userID)
}

// Rate limiting keys
func RateLimitKey(identifier, action string) string {
	return fmt.Sprintf("rate_limit:%s:%s", action, identifier)
}

// Pub/Sub channels
const channelUserPrefix = "channel:user:"

// UserChannel returns a user-specific pub/sub channel
func UserChannel(userID string) string {
	return channelUserPrefix + userID
}

// UserChannelPattern matches all user-specific channels
func UserChannelPattern() string {
	return channelUserPrefix + "*"
}

// UserChannelPrefix returns the prefix shared by user channels
func UserChannelPrefix() string {
	return channelUserPrefix
}
