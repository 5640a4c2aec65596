// Package service implements the engine's business logic: bot
// lifecycle orchestration, portfolio tracking, credential handling,
// and event notification.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradeloop/engine/internal/config"
	"tradeloop/engine/internal/exchange"
	"tradeloop/engine/internal/model"
	"tradeloop/engine/internal/repository"
	"tradeloop/engine/internal/strategy"
	"tradeloop/engine/internal/util"
	"tradeloop/engine/pkg/logger"

	"github.com/google/uuid"
)

const retryBase = 500 * time.Millisecond

// BotManager orchestrates all bot instances. Lifecycle operations are
// serialized per slot through the store's uniqueness constraint; ticks
// run on per-bot goroutines and never hold the manager lock across
// network calls.
type BotManager struct {
	engineCfg config.EngineConfig
	bots      BotStore
	orders    OrderStore
	portfolio *PortfolioTracker
	creds     *CredentialService
	factory   ConnectorFactory
	notifier  Notifier
	log       *logger.Logger

	mu        sync.RWMutex
	instances map[string]*botRuntime
}

// botRuntime is the in-process state of one live bot
type botRuntime struct {
	mu        sync.Mutex
	bot       *model.BotInstance
	strat     strategy.Strategy
	conn      exchange.Connector
	interval  time.Duration
	ticker    *time.Ticker
	paused    bool
	prevPrice float64

	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	cancelled atomic.Bool
}

func (rt *botRuntime) signalStop() {
	rt.stopOnce.Do(func() { close(rt.stop) })
}

func NewBotManager(
	engineCfg config.EngineConfig,
	bots BotStore,
	orders OrderStore,
	portfolio *PortfolioTracker,
	creds *CredentialService,
	factory ConnectorFactory,
	notifier Notifier,
) *BotManager {
	return &BotManager{
		engineCfg: engineCfg,
		bots:      bots,
		orders:    orders,
		portfolio: portfolio,
		creds:     creds,
		factory:   factory,
		notifier:  notifier,
		log:       logger.GetLogger().WithField("component", "bot_manager"),
		instances: make(map[string]*botRuntime),
	}
}

// Start creates and launches a bot for the (user, market) slot.
// Returns ErrCodeAlreadyRunning if an active bot holds the slot.
func (m *BotManager) Start(ctx context.Context, userID, market string, req *model.StartBotRequest) (*model.BotInstance, error) {
	if !model.ValidMarket(market) {
		return nil, util.ErrBadRequest("Unknown market type: " + market)
	}

	strat, err := strategy.New(req.Strategy)
	if err != nil {
		return nil, util.NewAppError(400, util.ErrCodeStrategy, err.Error())
	}

	bot := &model.BotInstance{
		UserID:        userID,
		MarketType:    market,
		State:         model.BotStateStarting,
		StrategyName:  req.Strategy,
		Mode:          req.Mode,
		Config:        req.Config,
		EmittedLevels: make(map[int]string),
	}

	if err := m.bots.Create(ctx, bot); err != nil {
		if errors.Is(err, repository.ErrSlotTaken) {
			return nil, util.ErrAlreadyRunning("An active bot already exists for this market")
		}
		return nil, util.ErrPersistence("Failed to create bot", err)
	}

	if bot.Mode == model.ModeLive {
		if err := m.creds.Verify(ctx, userID, model.ExchangeForMarket(market)); err != nil {
			m.abortStart(ctx, bot, model.BotStateStarting, "credential verification failed: "+err.Error())
			return nil, err
		}
	}

	conn, err := m.factory.Connector(ctx, bot)
	if err != nil {
		m.abortStart(ctx, bot, model.BotStateStarting, "connector setup failed: "+err.Error())
		return nil, err
	}

	now := time.Now()
	bot.State = model.BotStateRunning
	bot.StartedAt = &now
	bot.LastHeartbeat = &now
	if err := m.bots.Update(ctx, bot, model.BotStateStarting); err != nil {
		m.abortStart(ctx, bot, model.BotStateStarting, "failed to persist running state")
		return nil, util.ErrPersistence("Failed to persist bot state", err)
	}

	rt := m.newRuntime(bot, strat, conn)
	m.register(rt)
	go m.runLoop(rt)

	m.log.Infof("Bot %d started: user=%s market=%s strategy=%s mode=%s", bot.ID, userID, market, req.Strategy, req.Mode)
	m.notifyBot(bot)

	copied := *bot
	return &copied, nil
}

// abortStart tears down a half-created bot so the slot is freed.
// old is the last state that actually persisted.
func (m *BotManager) abortStart(ctx context.Context, bot *model.BotInstance, old, reason string) {
	bot.State = model.BotStateStopped
	bot.ErrorMessage = reason
	if err := m.bots.Update(ctx, bot, old); err != nil {
		m.log.Error("Failed to persist aborted bot", err)
	}
	if err := m.bots.ReleaseSlot(ctx, bot.UserID, bot.MarketType); err != nil {
		m.log.Error("Failed to release bot slot", err)
	}
	m.log.Warnf("Bot %d start aborted: %s", bot.ID, reason)
}

// Stop requests shutdown of the active bot and waits for its loop to
// drain. A loop that does not exit within the stop timeout is forced
// into the error state.
func (m *BotManager) Stop(ctx context.Context, userID, market string) (*model.BotInstance, error) {
	rt := m.runtime(userID, market)
	if rt == nil {
		return nil, util.ErrNotRunning("No active bot for this market")
	}

	rt.mu.Lock()
	if !rt.bot.Active() || rt.bot.State == model.BotStateStopping {
		rt.mu.Unlock()
		return nil, util.ErrNotRunning("No active bot for this market")
	}
	old := rt.bot.State
	rt.bot.State = model.BotStateStopping
	copied := *rt.bot
	rt.mu.Unlock()

	if err := m.bots.Update(ctx, &copied, old); err != nil {
		rt.mu.Lock()
		rt.bot.State = old
		rt.mu.Unlock()
		return nil, util.ErrPersistence("Failed to persist bot state", err)
	}

	rt.cancelled.Store(true)
	rt.signalStop()
	rt.ticker.Stop()

	select {
	case <-rt.done:
	case <-time.After(m.engineCfg.StopTimeout):
		return nil, m.forceError(ctx, rt, "bot loop did not stop within timeout")
	case <-ctx.Done():
		return nil, m.forceError(ctx, rt, "stop cancelled before loop drained")
	}

	now := time.Now()
	rt.mu.Lock()
	rt.bot.State = model.BotStateStopped
	rt.bot.StoppedAt = &now
	copied = *rt.bot
	rt.mu.Unlock()

	if err := m.bots.Update(ctx, &copied, model.BotStateStopping); err != nil {
		return nil, util.ErrPersistence("Failed to persist stopped state", err)
	}
	if err := m.bots.ReleaseSlot(ctx, userID, market); err != nil {
		m.log.Error("Failed to release bot slot", err)
	}
	m.deregister(copied.SlotID())

	m.log.Infof("Bot %d stopped: user=%s market=%s", copied.ID, userID, market)
	m.notifyBot(&copied)
	return &copied, nil
}

func (m *BotManager) forceError(ctx context.Context, rt *botRuntime, reason string) error {
	now := time.Now()
	rt.mu.Lock()
	rt.bot.State = model.BotStateError
	rt.bot.ErrorMessage = reason
	rt.bot.StoppedAt = &now
	copied := *rt.bot
	rt.mu.Unlock()

	if err := m.bots.Update(ctx, &copied, model.BotStateStopping); err != nil {
		m.log.Error("Failed to persist errored bot", err)
	}
	if err := m.bots.ReleaseSlot(ctx, copied.UserID, copied.MarketType); err != nil {
		m.log.Error("Failed to release bot slot", err)
	}
	m.deregister(copied.SlotID())
	m.notifyBot(&copied)
	return util.ErrInternalServer("Bot failed to stop: " + reason)
}

// Pause suspends tick scheduling. An in-flight tick is allowed to
// finish; no new ticks begin until Resume.
func (m *BotManager) Pause(ctx context.Context, userID, market string) (*model.BotInstance, error) {
	rt := m.runtime(userID, market)
	if rt == nil {
		return nil, util.ErrNotRunning("No active bot for this market")
	}

	rt.mu.Lock()
	if rt.bot.State != model.BotStateRunning {
		state := rt.bot.State
		rt.mu.Unlock()
		return nil, util.ErrBadRequest("Bot is not running (state: " + state + ")")
	}
	rt.bot.State = model.BotStatePausing
	copied := *rt.bot
	rt.mu.Unlock()

	if err := m.bots.Update(ctx, &copied, model.BotStateRunning); err != nil {
		rt.mu.Lock()
		rt.bot.State = model.BotStateRunning
		rt.mu.Unlock()
		return nil, util.ErrPersistence("Failed to persist bot state", err)
	}

	rt.mu.Lock()
	rt.ticker.Stop()
	rt.paused = true
	rt.bot.State = model.BotStatePaused
	copied = *rt.bot
	rt.mu.Unlock()

	if err := m.bots.Update(ctx, &copied, model.BotStatePausing); err != nil {
		return nil, util.ErrPersistence("Failed to persist paused state", err)
	}

	m.log.Infof("Bot %d paused: user=%s market=%s", copied.ID, userID, market)
	m.notifyBot(&copied)
	return &copied, nil
}

// Resume restarts tick scheduling for a paused bot
func (m *BotManager) Resume(ctx context.Context, userID, market string) (*model.BotInstance, error) {
	rt := m.runtime(userID, market)
	if rt == nil {
		return nil, util.ErrNotRunning("No active bot for this market")
	}

	rt.mu.Lock()
	if rt.bot.State != model.BotStatePaused {
		state := rt.bot.State
		rt.mu.Unlock()
		return nil, util.ErrBadRequest("Bot is not paused (state: " + state + ")")
	}
	rt.bot.State = model.BotStateRunning
	copied := *rt.bot
	rt.mu.Unlock()

	if err := m.bots.Update(ctx, &copied, model.BotStatePaused); err != nil {
		rt.mu.Lock()
		rt.bot.State = model.BotStatePaused
		rt.mu.Unlock()
		return nil, util.ErrPersistence("Failed to persist bot state", err)
	}

	rt.mu.Lock()
	rt.paused = false
	rt.ticker.Reset(rt.interval)
	rt.mu.Unlock()

	m.log.Infof("Bot %d resumed: user=%s market=%s", copied.ID, userID, market)
	m.notifyBot(&copied)
	return &copied, nil
}

// Status returns a lifecycle snapshot for the active bot. It reads
// only persisted state and the portfolio cache, so it never blocks on
// a tick in progress.
func (m *BotManager) Status(ctx context.Context, userID, market string) (*model.BotStatus, error) {
	bot, err := m.bots.GetActive(ctx, userID, market)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, util.ErrNotRunning("No active bot for this market")
		}
		return nil, util.ErrPersistence("Failed to load bot", err)
	}

	_, unrealized := m.portfolio.TotalPnL(userID, market, bot.Mode)
	open := 0
	for _, pos := range m.portfolio.Snapshot(userID, market, bot.Mode) {
		if pos.Quantity != 0 {
			open++
		}
	}

	var uptime int64
	if bot.StartedAt != nil {
		uptime = int64(time.Since(*bot.StartedAt).Seconds())
	}

	return &model.BotStatus{
		BotID:         bot.ID,
		MarketType:    bot.MarketType,
		State:         bot.State,
		StrategyName:  bot.StrategyName,
		Mode:          bot.Mode,
		UptimeSec:     uptime,
		LastHeartbeat: bot.LastHeartbeat,
		RealizedPnL:   bot.RealizedPnL,
		UnrealizedPnL: unrealized,
		OpenPositions: open,
		ErrorMessage:  bot.ErrorMessage,
	}, nil
}

// Performance returns trade statistics, positions, and recent orders
// for the active bot.
func (m *BotManager) Performance(ctx context.Context, userID, market string) (*model.BotPerformance, error) {
	bot, err := m.bots.GetActive(ctx, userID, market)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, util.ErrNotRunning("No active bot for this market")
		}
		return nil, util.ErrPersistence("Failed to load bot", err)
	}

	orders, err := m.orders.ListRecentByBot(ctx, bot.ID, 50)
	if err != nil {
		return nil, util.ErrPersistence("Failed to load orders", err)
	}

	_, unrealized := m.portfolio.TotalPnL(userID, market, bot.Mode)
	return &model.BotPerformance{
		BotID:         bot.ID,
		MarketType:    bot.MarketType,
		StrategyName:  bot.StrategyName,
		Mode:          bot.Mode,
		TotalTrades:   bot.TotalTrades,
		WinningTrades: bot.WinningTrades,
		WinRate:       bot.WinRate(),
		RealizedPnL:   bot.RealizedPnL,
		UnrealizedPnL: unrealized,
		DailyPnL:      bot.DailyPnL,
		Positions:     m.portfolio.Snapshot(userID, market, bot.Mode),
		RecentOrders:  orders,
	}, nil
}

// List returns all bot records for a user, active and terminal
func (m *BotManager) List(ctx context.Context, userID string) ([]*model.BotInstance, error) {
	bots, err := m.bots.ListByUser(ctx, userID)
	if err != nil {
		return nil, util.ErrPersistence("Failed to list bots", err)
	}
	return bots, nil
}

// Restore relaunches bots persisted as active by a previous process.
// Bots whose heartbeat is stale come back paused so the operator can
// inspect them before trading resumes. Bots caught mid-transition by
// the crash are finalized as stopped.
func (m *BotManager) Restore(ctx context.Context) error {
	bots, err := m.bots.ListByStates(ctx,
		model.BotStateRunning, model.BotStatePaused, model.BotStatePausing,
		model.BotStateStarting, model.BotStateStopping)
	if err != nil {
		return util.ErrPersistence("Failed to list restorable bots", err)
	}

	restored := 0
	for _, bot := range bots {
		old := bot.State

		switch old {
		case model.BotStateStarting, model.BotStateStopping:
			bot.State = model.BotStateStopped
			bot.ErrorMessage = "interrupted during " + old
			if err := m.bots.Update(ctx, bot, old); err != nil {
				m.log.Error("Failed to finalize interrupted bot", err)
			}
			m.bots.ReleaseSlot(ctx, bot.UserID, bot.MarketType)
			continue
		}

		target := model.BotStateRunning
		if old == model.BotStatePaused || old == model.BotStatePausing {
			target = model.BotStatePaused
		} else if bot.LastHeartbeat == nil || time.Since(*bot.LastHeartbeat) > m.engineCfg.HeartbeatStaleAfter {
			m.log.Warnf("Bot %d heartbeat stale, restoring paused", bot.ID)
			target = model.BotStatePaused
		}

		if err := m.portfolio.LoadScope(ctx, bot.UserID, bot.MarketType, bot.Mode); err != nil {
			m.log.Error("Failed to load positions during restore", err)
		}

		strat, err := strategy.New(bot.StrategyName)
		if err != nil {
			m.restoreFailed(ctx, bot, old, "unknown strategy "+bot.StrategyName)
			continue
		}
		conn, err := m.factory.Connector(ctx, bot)
		if err != nil {
			m.restoreFailed(ctx, bot, old, "connector setup failed: "+err.Error())
			continue
		}

		now := time.Now()
		bot.State = target
		bot.LastHeartbeat = &now
		if err := m.bots.Update(ctx, bot, old); err != nil {
			m.log.Error("Failed to persist restored bot", err)
			continue
		}

		rt := m.newRuntime(bot, strat, conn)
		if target == model.BotStatePaused {
			rt.ticker.Stop()
			rt.paused = true
		}
		m.register(rt)
		go m.runLoop(rt)
		restored++
	}

	m.log.Infof("Restore complete: %d bot(s) relaunched", restored)
	return nil
}

func (m *BotManager) restoreFailed(ctx context.Context, bot *model.BotInstance, old, reason string) {
	bot.State = model.BotStateError
	bot.ErrorMessage = reason
	if err := m.bots.Update(ctx, bot, old); err != nil {
		m.log.Error("Failed to persist restore failure", err)
	}
	m.bots.ReleaseSlot(ctx, bot.UserID, bot.MarketType)
	m.log.Warnf("Bot %d not restored: %s", bot.ID, reason)
}

// Shutdown drains all bot loops without changing persisted states, so
// the next process restores them where they left off.
func (m *BotManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	runtimes := make([]*botRuntime, 0, len(m.instances))
	for _, rt := range m.instances {
		runtimes = append(runtimes, rt)
	}
	m.instances = make(map[string]*botRuntime)
	m.mu.Unlock()

	for _, rt := range runtimes {
		rt.cancelled.Store(true)
		rt.signalStop()
		rt.ticker.Stop()
	}
	for _, rt := range runtimes {
		select {
		case <-rt.done:
		case <-ctx.Done():
			m.log.Warn("Shutdown deadline reached before all bot loops drained")
			return
		}
	}
	m.log.Info("All bot loops drained")
}

func (m *BotManager) newRuntime(bot *model.BotInstance, strat strategy.Strategy, conn exchange.Connector) *botRuntime {
	interval := m.engineCfg.TickInterval
	if bot.Config.TickIntervalSec > 0 {
		interval = time.Duration(bot.Config.TickIntervalSec) * time.Second
	}
	// A bot that never emitted a level round-trips through JSON with a
	// nil map (omitempty drops it)
	if bot.EmittedLevels == nil {
		bot.EmittedLevels = make(map[int]string)
	}
	return &botRuntime{
		bot:       bot,
		strat:     strat,
		conn:      conn,
		interval:  interval,
		ticker:    time.NewTicker(interval),
		prevPrice: bot.Config.ReferencePrice,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (m *BotManager) register(rt *botRuntime) {
	m.mu.Lock()
	m.instances[rt.bot.SlotID()] = rt
	m.mu.Unlock()
}

func (m *BotManager) deregister(slotID string) {
	m.mu.Lock()
	delete(m.instances, slotID)
	m.mu.Unlock()
}

func (m *BotManager) runtime(userID, market string) *botRuntime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instances[userID+":"+market]
}

// ActiveCount reports how many bot loops are registered
func (m *BotManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}

func (m *BotManager) notifyBot(bot *model.BotInstance) {
	if m.notifier == nil {
		return
	}
	m.notifier.NotifyBotUpdate(context.Background(), bot.UserID, model.WSBotUpdatePayload{
		BotID:       bot.ID,
		MarketType:  bot.MarketType,
		State:       bot.State,
		TotalTrades: bot.TotalTrades,
		WinRate:     bot.WinRate(),
		RealizedPnL: bot.RealizedPnL,
		DailyPnL:    bot.DailyPnL,
		Error:       bot.ErrorMessage,
	})
}

func newClientOrderID(botID int64, side string) string {
	return fmt.Sprintf("bot%d-%s-%s", botID, side, uuid.New().String()[:8])
}
