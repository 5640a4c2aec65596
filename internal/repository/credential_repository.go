package repository

import (
	"context"
	"errors"
	"time"

	"tradeloop/engine/internal/model"
	"tradeloop/engine/pkg/redis"

	redislib "github.com/redis/go-redis/v9"
)

type CredentialRepository struct {
	redis *redis.Client
}

func NewCredentialRepository(redisClient *redis.Client) *CredentialRepository {
	return &CredentialRepository{redis: redisClient}
}

// Save persists a credential (secrets already encrypted by the caller)
func (r *CredentialRepository) Save(ctx context.Context, cred *model.ExchangeCredential) error {
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	cred.UpdatedAt = time.Now()

	if err := r.redis.SetJSON(ctx, redis.CredentialKey(cred.UserID, cred.Exchange), cred, 0); err != nil {
		return err
	}
	return r.redis.SAdd(ctx, redis.UserCredentialsKey(cred.UserID), cred.Exchange)
}

// Get retrieves a credential for one user and exchange
func (r *CredentialRepository) Get(ctx context.Context, userID, exchange string) (*model.ExchangeCredential, error) {
	var cred model.ExchangeCredential
	err := r.redis.GetJSON(ctx, redis.CredentialKey(userID, exchange), &cred)
	if err != nil {
		if errors.Is(err, redislib.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cred, nil
}

// ListByUser retrieves all credentials for a user
func (r *CredentialRepository) ListByUser(ctx context.Context, userID string) ([]*model.ExchangeCredential, error) {
	exchanges, err := r.redis.SMembers(ctx, redis.UserCredentialsKey(userID))
	if err != nil {
		return nil, err
	}

	creds := make([]*model.ExchangeCredential, 0, len(exchanges))
	for _, exchange := range exchanges {
		cred, err := r.Get(ctx, userID, exchange)
		if err == nil {
			creds = append(creds, cred)
		}
	}
	return creds, nil
}

// Delete removes a credential
func (r *CredentialRepository) Delete(ctx context.Context, userID, exchange string) error {
	if err := r.redis.Del(ctx, redis.CredentialKey(userID, exchange)); err != nil {
		return err
	}
	return r.redis.SRem(ctx, redis.UserCredentialsKey(userID), exchange)
}
