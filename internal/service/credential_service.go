package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tradeloop/engine/internal/config"
	"tradeloop/engine/internal/exchange"
	"tradeloop/engine/internal/model"
	"tradeloop/engine/internal/repository"
	"tradeloop/engine/internal/util"
	"tradeloop/engine/pkg/crypto"
	"tradeloop/engine/pkg/logger"
)

// CredentialService stores exchange API credentials encrypted at rest
// and builds live connectors from them.
type CredentialService struct {
	store     CredentialStore
	encryptor *crypto.Encryptor
	exchanges config.ExchangeConfig
	log       *logger.Logger
}

func NewCredentialService(store CredentialStore, encryptor *crypto.Encryptor, exchanges config.ExchangeConfig) *CredentialService {
	return &CredentialService{
		store:     store,
		encryptor: encryptor,
		exchanges: exchanges,
		log:       logger.GetLogger().WithField("component", "credential_service"),
	}
}

// Save encrypts and stores a credential set. Status starts as
// disconnected until a verification succeeds.
func (s *CredentialService) Save(ctx context.Context, userID string, req *model.CredentialRequest) (*model.CredentialView, error) {
	encKey, err := s.encryptor.Encrypt(req.APIKey)
	if err != nil {
		return nil, util.ErrInternalServer("Failed to encrypt credentials")
	}
	encSecret, err := s.encryptor.Encrypt(req.APISecret)
	if err != nil {
		return nil, util.ErrInternalServer("Failed to encrypt credentials")
	}

	cred := &model.ExchangeCredential{
		UserID:    userID,
		Exchange:  req.Exchange,
		APIKey:    encKey,
		APISecret: encSecret,
		Status:    model.CredentialStatusDisconnected,
	}
	if err := s.store.Save(ctx, cred); err != nil {
		return nil, util.ErrPersistence("Failed to store credentials", err)
	}

	s.log.Infof("Credentials stored for user %s on %s", userID, req.Exchange)
	view := cred.View()
	return &view, nil
}

// List returns API-safe credential views for a user
func (s *CredentialService) List(ctx context.Context, userID string) ([]model.CredentialView, error) {
	creds, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, util.ErrPersistence("Failed to list credentials", err)
	}

	views := make([]model.CredentialView, 0, len(creds))
	for _, cred := range creds {
		views = append(views, cred.View())
	}
	return views, nil
}

// Delete removes a stored credential
func (s *CredentialService) Delete(ctx context.Context, userID, exchangeName string) error {
	if _, err := s.store.Get(ctx, userID, exchangeName); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return util.ErrNotFound("Credential not found")
		}
		return util.ErrPersistence("Failed to load credential", err)
	}
	if err := s.store.Delete(ctx, userID, exchangeName); err != nil {
		return util.ErrPersistence("Failed to delete credential", err)
	}
	return nil
}

// Connector builds a live connector from the user's stored credentials
// for the given exchange.
func (s *CredentialService) Connector(ctx context.Context, userID, exchangeName string) (exchange.Connector, error) {
	cred, err := s.store.Get(ctx, userID, exchangeName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, util.ErrAuth("No credentials stored for " + exchangeName)
		}
		return nil, util.ErrPersistence("Failed to load credential", err)
	}

	apiKey, err := s.encryptor.Decrypt(cred.APIKey)
	if err != nil {
		return nil, util.ErrInternalServer("Failed to decrypt credentials")
	}
	apiSecret, err := s.encryptor.Decrypt(cred.APISecret)
	if err != nil {
		return nil, util.ErrInternalServer("Failed to decrypt credentials")
	}

	switch exchangeName {
	case model.ExchangeBinance:
		return exchange.NewBinanceConnector(apiKey, apiSecret, s.exchanges.BinanceAPIURL), nil
	case model.ExchangeKite:
		return exchange.NewKiteConnector(s.exchanges.BrokerAPIURL, apiKey, apiSecret), nil
	}
	return nil, util.ErrBadRequest("Unsupported exchange: " + exchangeName)
}

// Verify performs a live balance fetch to validate stored credentials,
// updating the stored connection status either way.
func (s *CredentialService) Verify(ctx context.Context, userID, exchangeName string) error {
	conn, err := s.Connector(ctx, userID, exchangeName)
	if err != nil {
		return err
	}

	_, err = conn.FetchBalances(ctx)
	if err != nil {
		if exchange.IsAuthError(err) {
			s.MarkError(ctx, userID, exchangeName, err.Error())
			return util.ErrAuth("Exchange rejected the stored credentials")
		}
		return util.WrapError(http.StatusBadGateway, util.ErrCodeAuth, "Exchange verification failed", err)
	}

	now := time.Now()
	if cred, getErr := s.store.Get(ctx, userID, exchangeName); getErr == nil {
		cred.Status = model.CredentialStatusConnected
		cred.LastConnected = &now
		cred.ErrorMessage = ""
		if saveErr := s.store.Save(ctx, cred); saveErr != nil {
			s.log.Warnf("Failed to persist credential status for user %s: %v", userID, saveErr)
		}
	}
	return nil
}

// MarkError records a credential failure observed by a running bot
func (s *CredentialService) MarkError(ctx context.Context, userID, exchangeName, message string) {
	cred, err := s.store.Get(ctx, userID, exchangeName)
	if err != nil {
		return
	}
	cred.Status = model.CredentialStatusError
	cred.ErrorMessage = message
	if err := s.store.Save(ctx, cred); err != nil {
		s.log.Warnf("Failed to persist credential error for user %s: %v", userID, err)
	}
}
