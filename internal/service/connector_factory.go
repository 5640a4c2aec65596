package service

import (
	"context"

	"tradeloop/engine/internal/exchange"
	"tradeloop/engine/internal/model"
)

// Virtual starting balance when a paper bot does not cap its position
const defaultPaperBalance = 100000

// ConnectorFactory resolves the exchange connector for a bot. Paper
// bots get a simulated connector seeded from the bot config; live bots
// get a real connector built from stored credentials.
type ConnectorFactory interface {
	Connector(ctx context.Context, bot *model.BotInstance) (exchange.Connector, error)
}

type credentialConnectorFactory struct {
	creds *CredentialService
}

func NewConnectorFactory(creds *CredentialService) ConnectorFactory {
	return &credentialConnectorFactory{creds: creds}
}

func (f *credentialConnectorFactory) Connector(ctx context.Context, bot *model.BotInstance) (exchange.Connector, error) {
	if bot.Mode == model.ModePaper {
		balance := bot.Config.MaxPositionQuote
		if balance <= 0 {
			balance = defaultPaperBalance
		}
		seed := map[string]float64{bot.Config.Symbol: bot.Config.ReferencePrice}
		return exchange.NewPaperConnector("paper", quoteAssetFor(bot.MarketType), balance, seed), nil
	}
	return f.creds.Connector(ctx, bot.UserID, model.ExchangeForMarket(bot.MarketType))
}

func quoteAssetFor(market string) string {
	if market == model.MarketStock {
		return "INR"
	}
	return "USDT"
}
