package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"tradeloop/engine/internal/config"
	"tradeloop/engine/internal/exchange"
	"tradeloop/engine/internal/model"
	"tradeloop/engine/internal/util"
	"tradeloop/engine/pkg/crypto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	manager   *BotManager
	bots      *fakeBotStore
	orders    *fakeOrderStore
	positions *fakePositionStore
	creds     *fakeCredentialStore
	notifier  *fakeNotifier
}

func newTestEnv(t *testing.T, factory ConnectorFactory) *testEnv {
	t.Helper()

	engineCfg := config.EngineConfig{
		TickInterval:        20 * time.Millisecond,
		MaxTickFailures:     1,
		StopTimeout:         2 * time.Second,
		HeartbeatStaleAfter: 10 * time.Minute,
	}

	bots := newFakeBotStore()
	orders := newFakeOrderStore()
	positions := newFakePositionStore()
	credStore := newFakeCredentialStore()

	encryptor, err := crypto.NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	credService := NewCredentialService(credStore, encryptor, config.ExchangeConfig{})

	portfolio := NewPortfolioTracker(positions)
	notifier := &fakeNotifier{}
	manager := NewBotManager(engineCfg, bots, orders, portfolio, credService, factory, notifier)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})

	return &testEnv{manager: manager, bots: bots, orders: orders, positions: positions, creds: credStore, notifier: notifier}
}

func paperStartReq() *model.StartBotRequest {
	return &model.StartBotRequest{
		Strategy: "grid",
		Mode:     model.ModePaper,
		Config: model.StrategyConfig{
			Symbol:             "BTCUSDT",
			ReferencePrice:     30000,
			GridLevels:         8,
			GridSpacingPercent: 1.5,
			OrderSizeQuote:     175,
		},
	}
}

func TestStartStopLifecycle(t *testing.T) {
	conn := &scriptedConnector{price: 30000}
	env := newTestEnv(t, &fixedFactory{conn: conn})
	ctx := context.Background()

	bot, err := env.manager.Start(ctx, "alice", model.MarketCrypto, paperStartReq())
	require.NoError(t, err)
	assert.Equal(t, model.BotStateRunning, bot.State)
	assert.True(t, env.bots.slotHeld("alice", model.MarketCrypto))
	assert.Equal(t, 1, env.manager.ActiveCount())

	stopped, err := env.manager.Stop(ctx, "alice", model.MarketCrypto)
	require.NoError(t, err)
	assert.Equal(t, model.BotStateStopped, stopped.State)
	assert.NotNil(t, stopped.StoppedAt)
	assert.False(t, env.bots.slotHeld("alice", model.MarketCrypto))
	assert.Equal(t, 0, env.manager.ActiveCount())
}

func TestStartRejectsSecondBotForSlot(t *testing.T) {
	conn := &scriptedConnector{price: 30000}
	env := newTestEnv(t, &fixedFactory{conn: conn})
	ctx := context.Background()

	_, err := env.manager.Start(ctx, "alice", model.MarketCrypto, paperStartReq())
	require.NoError(t, err)

	_, err = env.manager.Start(ctx, "alice", model.MarketCrypto, paperStartReq())
	require.Error(t, err)
	appErr := util.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, util.ErrCodeAlreadyRunning, appErr.Code)
	assert.Equal(t, 409, appErr.StatusCode)

	// A different market for the same user is an independent slot
	stockReq := paperStartReq()
	stockReq.Config.Symbol = "RELIANCE"
	_, err = env.manager.Start(ctx, "alice", model.MarketStock, stockReq)
	require.NoError(t, err)
	assert.Equal(t, 2, env.manager.ActiveCount())
}

func TestConcurrentStartOnlyOneWins(t *testing.T) {
	conn := &scriptedConnector{price: 30000}
	env := newTestEnv(t, &fixedFactory{conn: conn})

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = env.manager.Start(context.Background(), "alice", model.MarketCrypto, paperStartReq())
		}(i)
	}
	wg.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else if appErr := util.GetAppError(err); appErr != nil && appErr.Code == util.ErrCodeAlreadyRunning {
			conflicted++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
	assert.Equal(t, 1, env.manager.ActiveCount())
}

func TestLifecycleOpsWithoutBot(t *testing.T) {
	env := newTestEnv(t, &fixedFactory{conn: &scriptedConnector{price: 30000}})
	ctx := context.Background()

	for _, op := range []func(context.Context, string, string) (*model.BotInstance, error){
		env.manager.Stop, env.manager.Pause, env.manager.Resume,
	} {
		_, err := op(ctx, "alice", model.MarketCrypto)
		require.Error(t, err)
		appErr := util.GetAppError(err)
		require.NotNil(t, appErr)
		assert.Equal(t, util.ErrCodeNotRunning, appErr.Code)
		assert.Equal(t, 404, appErr.StatusCode)
	}

	_, err := env.manager.Status(ctx, "alice", model.MarketCrypto)
	appErr := util.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, util.ErrCodeNotRunning, appErr.Code)
}

func TestPauseResume(t *testing.T) {
	conn := &scriptedConnector{price: 30000}
	env := newTestEnv(t, &fixedFactory{conn: conn})
	ctx := context.Background()

	_, err := env.manager.Start(ctx, "alice", model.MarketCrypto, paperStartReq())
	require.NoError(t, err)

	paused, err := env.manager.Pause(ctx, "alice", model.MarketCrypto)
	require.NoError(t, err)
	assert.Equal(t, model.BotStatePaused, paused.State)

	// Pausing twice is rejected
	_, err = env.manager.Pause(ctx, "alice", model.MarketCrypto)
	require.Error(t, err)

	// Status still answers while paused
	status, err := env.manager.Status(ctx, "alice", model.MarketCrypto)
	require.NoError(t, err)
	assert.Equal(t, model.BotStatePaused, status.State)

	resumed, err := env.manager.Resume(ctx, "alice", model.MarketCrypto)
	require.NoError(t, err)
	assert.Equal(t, model.BotStateRunning, resumed.State)

	_, err = env.manager.Resume(ctx, "alice", model.MarketCrypto)
	require.Error(t, err)

	// Stop works from the running state after a pause cycle
	stopped, err := env.manager.Stop(ctx, "alice", model.MarketCrypto)
	require.NoError(t, err)
	assert.Equal(t, model.BotStateStopped, stopped.State)
}

func TestTickPlacesGridBuyOnce(t *testing.T) {
	conn := &scriptedConnector{price: 29550} // exactly grid level -1
	env := newTestEnv(t, &fixedFactory{conn: conn})
	ctx := context.Background()

	bot, err := env.manager.Start(ctx, "alice", model.MarketCrypto, paperStartReq())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return conn.placedCount() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	// The occupied level must not re-emit on subsequent ticks
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, conn.placedCount())
	assert.Equal(t, 1, env.orders.countByStatus(bot.ID, model.OrderStatusFilled))

	require.Eventually(t, func() bool {
		perf, err := env.manager.Performance(ctx, "alice", model.MarketCrypto)
		return err == nil && perf.TotalTrades == 1
	}, 3*time.Second, 10*time.Millisecond)

	perf, err := env.manager.Performance(ctx, "alice", model.MarketCrypto)
	require.NoError(t, err)
	require.Len(t, perf.Positions, 1)
	assert.InDelta(t, 175.0/29550, perf.Positions[0].Quantity, 1e-7)
	require.Len(t, perf.RecentOrders, 1)
	assert.Equal(t, -1, perf.RecentOrders[0].GridLevel)
}

func TestAuthErrorFailsOnlyThatBot(t *testing.T) {
	aliceConn := &scriptedConnector{price: 30000}
	bobConn := &scriptedConnector{price: 30000}
	factory := &perUserFactory{conns: map[string]exchange.Connector{
		"alice": aliceConn,
		"bob":   bobConn,
	}}
	env := newTestEnv(t, factory)
	ctx := context.Background()

	require.NoError(t, env.creds.Save(ctx, &model.ExchangeCredential{
		UserID:   "alice",
		Exchange: model.ExchangeBinance,
		Status:   model.CredentialStatusConnected,
	}))

	aliceBot, err := env.manager.Start(ctx, "alice", model.MarketCrypto, paperStartReq())
	require.NoError(t, err)
	bobBot, err := env.manager.Start(ctx, "bob", model.MarketCrypto, paperStartReq())
	require.NoError(t, err)

	aliceConn.setTickerErr(&exchange.AuthError{Exchange: model.ExchangeBinance, Err: errors.New("invalid key")})

	require.Eventually(t, func() bool {
		return env.bots.state(aliceBot.ID) == model.BotStateError
	}, 3*time.Second, 10*time.Millisecond)

	assert.False(t, env.bots.slotHeld("alice", model.MarketCrypto))

	cred, err := env.creds.Get(ctx, "alice", model.ExchangeBinance)
	require.NoError(t, err)
	assert.Equal(t, model.CredentialStatusError, cred.Status)

	// Bob's bot keeps running
	assert.Equal(t, model.BotStateRunning, env.bots.state(bobBot.ID))
	assert.Equal(t, 1, env.manager.ActiveCount())
}

func TestConsecutiveFailuresErrorTheBot(t *testing.T) {
	conn := &scriptedConnector{price: 30000}
	env := newTestEnv(t, &fixedFactory{conn: conn})
	ctx := context.Background()

	bot, err := env.manager.Start(ctx, "alice", model.MarketCrypto, paperStartReq())
	require.NoError(t, err)

	conn.setTickerErr(&exchange.TransientError{Op: "fetch ticker", Err: errors.New("connection refused")})

	require.Eventually(t, func() bool {
		return env.bots.state(bot.ID) == model.BotStateError
	}, 10*time.Second, 20*time.Millisecond)

	assert.False(t, env.bots.slotHeld("alice", model.MarketCrypto))
	assert.Equal(t, 0, env.manager.ActiveCount())
}

func TestRestoreRelaunchesPersistedBots(t *testing.T) {
	conn := &scriptedConnector{price: 30000}
	env := newTestEnv(t, &fixedFactory{conn: conn})
	ctx := context.Background()

	fresh := time.Now().Add(-time.Minute)
	stale := time.Now().Add(-30 * time.Minute)

	running := &model.BotInstance{
		UserID:        "alice",
		MarketType:    model.MarketCrypto,
		State:         model.BotStateRunning,
		StrategyName:  "grid",
		Mode:          model.ModePaper,
		Config:        paperStartReq().Config,
		EmittedLevels: map[int]string{},
		LastHeartbeat: &fresh,
	}
	require.NoError(t, env.bots.Create(ctx, running))
	env.bots.Update(ctx, running, "")

	staleBot := &model.BotInstance{
		UserID:        "bob",
		MarketType:    model.MarketCrypto,
		State:         model.BotStateRunning,
		StrategyName:  "grid",
		Mode:          model.ModePaper,
		Config:        paperStartReq().Config,
		EmittedLevels: map[int]string{},
		LastHeartbeat: &stale,
	}
	require.NoError(t, env.bots.Create(ctx, staleBot))

	interrupted := &model.BotInstance{
		UserID:       "carol",
		MarketType:   model.MarketCrypto,
		State:        model.BotStateStarting,
		StrategyName: "grid",
		Mode:         model.ModePaper,
		Config:       paperStartReq().Config,
	}
	require.NoError(t, env.bots.Create(ctx, interrupted))

	require.NoError(t, env.manager.Restore(ctx))

	assert.Equal(t, model.BotStateRunning, env.bots.state(running.ID))
	assert.Equal(t, model.BotStatePaused, env.bots.state(staleBot.ID))
	assert.Equal(t, model.BotStateStopped, env.bots.state(interrupted.ID))
	assert.False(t, env.bots.slotHeld("carol", model.MarketCrypto))
	assert.Equal(t, 2, env.manager.ActiveCount())

	// Restored-paused bots accept Resume like any paused bot
	resumed, err := env.manager.Resume(ctx, "bob", model.MarketCrypto)
	require.NoError(t, err)
	assert.Equal(t, model.BotStateRunning, resumed.State)
}

func TestRestoredBotTicksAfterStorageRoundTrip(t *testing.T) {
	conn := &scriptedConnector{price: 29550} // grid level -1
	env := newTestEnv(t, &fixedFactory{conn: conn})
	ctx := context.Background()

	fresh := time.Now().Add(-time.Minute)
	bot := &model.BotInstance{
		UserID:        "alice",
		MarketType:    model.MarketCrypto,
		State:         model.BotStateRunning,
		StrategyName:  "grid",
		Mode:          model.ModePaper,
		Config:        paperStartReq().Config,
		EmittedLevels: map[int]string{},
		LastHeartbeat: &fresh,
	}
	require.NoError(t, env.bots.Create(ctx, bot))

	// The repository stores bots as JSON; a level map that never saw an
	// order is dropped by omitempty and unmarshals as nil
	data, err := json.Marshal(bot)
	require.NoError(t, err)
	var persisted model.BotInstance
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Nil(t, persisted.EmittedLevels)
	require.NoError(t, env.bots.Update(ctx, &persisted, ""))

	require.NoError(t, env.manager.Restore(ctx))

	// The first level crossing after restore must place an order, not
	// crash the loop
	require.Eventually(t, func() bool {
		return conn.placedCount() >= 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.BotStateRunning, env.bots.state(bot.ID))
	assert.Equal(t, 1, env.manager.ActiveCount())
}

func TestFilledOrderReappliedAfterStoreFailure(t *testing.T) {
	conn := &scriptedConnector{price: 29550}
	env := newTestEnv(t, &fixedFactory{conn: conn})
	ctx := context.Background()

	env.positions.setSaveErr(errors.New("redis: connection pool timeout"))

	bot, err := env.manager.Start(ctx, "alice", model.MarketCrypto, paperStartReq())
	require.NoError(t, err)

	// The exchange confirmed the fill but the portfolio write failed;
	// the journal must keep the order pending, not filled
	require.Eventually(t, func() bool {
		return env.orders.countByStatus(bot.ID, model.OrderStatusPending) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.orders.countByStatus(bot.ID, model.OrderStatusFilled))

	env.positions.setSaveErr(nil)

	// Reconciliation re-drives the fill once the store recovers
	require.Eventually(t, func() bool {
		return env.orders.countByStatus(bot.ID, model.OrderStatusFilled) == 1
	}, 3*time.Second, 10*time.Millisecond)

	perf, err := env.manager.Performance(ctx, "alice", model.MarketCrypto)
	require.NoError(t, err)
	assert.Equal(t, 1, perf.TotalTrades)
	require.Len(t, perf.Positions, 1)
	assert.InDelta(t, 175.0/29550, perf.Positions[0].Quantity, 1e-7)

	require.Eventually(t, func() bool {
		return env.notifier.positionUpdateCount() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	// The level stayed occupied through the retry, so no duplicate order
	conn.setPrice(29600)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, conn.placedCount())
}

func TestStartCreateFailureDoesNotHoldSlot(t *testing.T) {
	env := newTestEnv(t, &fixedFactory{conn: &scriptedConnector{price: 30000}})
	ctx := context.Background()

	env.bots.setCreateErr(errors.New("redis: i/o timeout"))
	_, err := env.manager.Start(ctx, "alice", model.MarketCrypto, paperStartReq())
	require.Error(t, err)
	assert.Equal(t, util.ErrCodePersistence, util.GetAppError(err).Code)
	assert.False(t, env.bots.slotHeld("alice", model.MarketCrypto))
	assert.Equal(t, 0, env.manager.ActiveCount())

	env.bots.setCreateErr(nil)
	_, err = env.manager.Start(ctx, "alice", model.MarketCrypto, paperStartReq())
	require.NoError(t, err)
}

func TestStartRunningPersistFailureReleasesSlot(t *testing.T) {
	env := newTestEnv(t, &fixedFactory{conn: &scriptedConnector{price: 30000}})
	ctx := context.Background()

	env.bots.setUpdateErr(errors.New("redis: connection refused"))
	_, err := env.manager.Start(ctx, "alice", model.MarketCrypto, paperStartReq())
	require.Error(t, err)
	assert.Equal(t, util.ErrCodePersistence, util.GetAppError(err).Code)
	assert.False(t, env.bots.slotHeld("alice", model.MarketCrypto))
	assert.Equal(t, 0, env.manager.ActiveCount())

	// The slot is usable again once the store recovers
	env.bots.setUpdateErr(nil)
	bot, err := env.manager.Start(ctx, "alice", model.MarketCrypto, paperStartReq())
	require.NoError(t, err)
	assert.Equal(t, model.BotStateRunning, bot.State)
}

func TestStartConnectorFailureReleasesSlot(t *testing.T) {
	env := newTestEnv(t, &fixedFactory{err: errors.New("broker gateway offline")})
	ctx := context.Background()

	_, err := env.manager.Start(ctx, "alice", model.MarketCrypto, paperStartReq())
	require.Error(t, err)
	assert.False(t, env.bots.slotHeld("alice", model.MarketCrypto))
	assert.Equal(t, 0, env.manager.ActiveCount())
}

func TestStartValidation(t *testing.T) {
	env := newTestEnv(t, &fixedFactory{conn: &scriptedConnector{price: 30000}})
	ctx := context.Background()

	req := paperStartReq()
	req.Strategy = "martingale"
	_, err := env.manager.Start(ctx, "alice", model.MarketCrypto, req)
	require.Error(t, err)
	assert.Equal(t, util.ErrCodeStrategy, util.GetAppError(err).Code)

	_, err = env.manager.Start(ctx, "alice", "forex", paperStartReq())
	require.Error(t, err)
	assert.Equal(t, util.ErrCodeBadRequest, util.GetAppError(err).Code)
}

// perUserFactory routes each user to their own connector
type perUserFactory struct {
	conns map[string]exchange.Connector
}

func (f *perUserFactory) Connector(ctx context.Context, bot *model.BotInstance) (exchange.Connector, error) {
	conn, ok := f.conns[bot.UserID]
	if !ok {
		return nil, errors.New("no connector for user")
	}
	return conn, nil
}
