package strategy

import (
	"testing"

	"tradeloop/engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryKnowsAllStrategies(t *testing.T) {
	assert.Equal(t, []string{"breakout", "dca", "grid", "mean_reversion", "momentum"}, Names())

	for _, name := range Names() {
		s, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}

	_, err := New("martingale")
	assert.Error(t, err)
}

func TestDCABuysEachStepDown(t *testing.T) {
	s := &DCAStrategy{}
	cfg := model.StrategyConfig{
		ReferencePrice:     100,
		GridLevels:         5,
		GridSpacingPercent: 2,
		OrderSizeQuote:     50,
	}

	// 4% below reference crosses steps 1 and 2
	intents := s.Evaluate(Input{Price: 96, Config: cfg, EmittedLevels: map[int]string{}})
	require.Len(t, intents, 2)
	assert.Equal(t, -1, intents[0].Level)
	assert.Equal(t, -2, intents[1].Level)
	for _, in := range intents {
		assert.Equal(t, model.OrderSideBuy, in.Side)
	}

	// Filled steps are skipped on replay
	intents = s.Evaluate(Input{Price: 96, Config: cfg, EmittedLevels: map[int]string{-1: "a", -2: "b"}})
	assert.Empty(t, intents)
}

func TestMeanReversionRoundTrip(t *testing.T) {
	s := &MeanReversionStrategy{}
	cfg := model.StrategyConfig{
		ReferencePrice:     100,
		GridSpacingPercent: 5,
		OrderSizeQuote:     200,
	}

	buy := s.Evaluate(Input{Price: 94, Config: cfg})
	require.Len(t, buy, 1)
	assert.Equal(t, model.OrderSideBuy, buy[0].Side)

	// Holding a position suppresses further entries
	assert.Empty(t, s.Evaluate(Input{Price: 94, Position: model.Position{Quantity: 1}, Config: cfg}))

	sell := s.Evaluate(Input{Price: 106, Position: model.Position{Quantity: 1.5}, Config: cfg})
	require.Len(t, sell, 1)
	assert.Equal(t, model.OrderSideSell, sell[0].Side)
	assert.Equal(t, 1.5, sell[0].Quantity)

	// Inside the band nothing happens
	assert.Empty(t, s.Evaluate(Input{Price: 100, Config: cfg}))
}

func TestMomentumUsesTickOverTickChange(t *testing.T) {
	s := &MomentumStrategy{}
	cfg := model.StrategyConfig{GridSpacingPercent: 1, OrderSizeQuote: 100}

	buy := s.Evaluate(Input{Price: 102, PrevPrice: 100, Config: cfg})
	require.Len(t, buy, 1)
	assert.Equal(t, model.OrderSideBuy, buy[0].Side)

	sell := s.Evaluate(Input{Price: 98, PrevPrice: 100, Position: model.Position{Quantity: 2}, Config: cfg})
	require.Len(t, sell, 1)
	assert.Equal(t, model.OrderSideSell, sell[0].Side)
	assert.Equal(t, 2.0, sell[0].Quantity)

	// No previous price means no signal
	assert.Empty(t, s.Evaluate(Input{Price: 102, Config: cfg}))
}

func TestBreakoutEntryAndStop(t *testing.T) {
	s := &BreakoutStrategy{}
	cfg := model.StrategyConfig{
		ReferencePrice:     50,
		GridSpacingPercent: 4,
		OrderSizeQuote:     100,
	}

	buy := s.Evaluate(Input{Price: 52, Config: cfg})
	require.Len(t, buy, 1)
	assert.Equal(t, model.OrderSideBuy, buy[0].Side)

	stop := s.Evaluate(Input{Price: 48, Position: model.Position{Quantity: 3}, Config: cfg})
	require.Len(t, stop, 1)
	assert.Equal(t, model.OrderSideSell, stop[0].Side)
	assert.Equal(t, 3.0, stop[0].Quantity)

	assert.Empty(t, s.Evaluate(Input{Price: 50, Config: cfg}))
}
