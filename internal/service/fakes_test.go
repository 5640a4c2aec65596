package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeloop/engine/internal/exchange"
	"tradeloop/engine/internal/model"
	"tradeloop/engine/internal/repository"
)

// In-memory store fakes mirroring the Redis repositories' semantics.

type fakeBotStore struct {
	sync.Mutex
	seq       int64
	bots      map[int64]*model.BotInstance
	slots     map[string]int64
	createErr error
	updateErr error
}

func newFakeBotStore() *fakeBotStore {
	return &fakeBotStore{
		bots:  make(map[int64]*model.BotInstance),
		slots: make(map[string]int64),
	}
}

func copyBot(bot *model.BotInstance) *model.BotInstance {
	copied := *bot
	if bot.EmittedLevels != nil {
		copied.EmittedLevels = make(map[int]string, len(bot.EmittedLevels))
		for k, v := range bot.EmittedLevels {
			copied.EmittedLevels[k] = v
		}
	}
	return &copied
}

func (s *fakeBotStore) Create(ctx context.Context, bot *model.BotInstance) error {
	s.Lock()
	defer s.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	slot := bot.UserID + ":" + bot.MarketType
	if _, taken := s.slots[slot]; taken {
		return repository.ErrSlotTaken
	}
	s.seq++
	bot.ID = s.seq
	bot.CreatedAt = time.Now()
	bot.UpdatedAt = bot.CreatedAt
	s.slots[slot] = bot.ID
	s.bots[bot.ID] = copyBot(bot)
	return nil
}

func (s *fakeBotStore) GetByID(ctx context.Context, botID int64) (*model.BotInstance, error) {
	s.Lock()
	defer s.Unlock()
	bot, ok := s.bots[botID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyBot(bot), nil
}

func (s *fakeBotStore) GetActive(ctx context.Context, userID, market string) (*model.BotInstance, error) {
	s.Lock()
	defer s.Unlock()
	id, ok := s.slots[userID+":"+market]
	if !ok {
		return nil, repository.ErrNotFound
	}
	bot, ok := s.bots[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyBot(bot), nil
}

func (s *fakeBotStore) Update(ctx context.Context, bot *model.BotInstance, oldState string) error {
	s.Lock()
	defer s.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	bot.UpdatedAt = time.Now()
	s.bots[bot.ID] = copyBot(bot)
	return nil
}

func (s *fakeBotStore) ReleaseSlot(ctx context.Context, userID, market string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.slots, userID+":"+market)
	return nil
}

func (s *fakeBotStore) ListByStates(ctx context.Context, states ...string) ([]*model.BotInstance, error) {
	s.Lock()
	defer s.Unlock()
	var out []*model.BotInstance
	for _, bot := range s.bots {
		for _, state := range states {
			if bot.State == state {
				out = append(out, copyBot(bot))
				break
			}
		}
	}
	return out, nil
}

func (s *fakeBotStore) ListByUser(ctx context.Context, userID string) ([]*model.BotInstance, error) {
	s.Lock()
	defer s.Unlock()
	var out []*model.BotInstance
	for _, bot := range s.bots {
		if bot.UserID == userID {
			out = append(out, copyBot(bot))
		}
	}
	return out, nil
}

func (s *fakeBotStore) state(botID int64) string {
	s.Lock()
	defer s.Unlock()
	if bot, ok := s.bots[botID]; ok {
		return bot.State
	}
	return ""
}

func (s *fakeBotStore) slotHeld(userID, market string) bool {
	s.Lock()
	defer s.Unlock()
	_, held := s.slots[userID+":"+market]
	return held
}

func (s *fakeBotStore) setCreateErr(err error) {
	s.Lock()
	defer s.Unlock()
	s.createErr = err
}

func (s *fakeBotStore) setUpdateErr(err error) {
	s.Lock()
	defer s.Unlock()
	s.updateErr = err
}

type fakePositionStore struct {
	sync.Mutex
	positions map[string]*model.Position
	saveErr   error
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{positions: make(map[string]*model.Position)}
}

func (s *fakePositionStore) Save(ctx context.Context, pos *model.Position) error {
	s.Lock()
	defer s.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	copied := *pos
	s.positions[pos.Key()] = &copied
	return nil
}

func (s *fakePositionStore) setSaveErr(err error) {
	s.Lock()
	defer s.Unlock()
	s.saveErr = err
}

func (s *fakePositionStore) ListByScope(ctx context.Context, userID, market, mode string) ([]*model.Position, error) {
	s.Lock()
	defer s.Unlock()
	var out []*model.Position
	for _, pos := range s.positions {
		if pos.UserID == userID && pos.MarketType == market && pos.Mode == mode {
			copied := *pos
			out = append(out, &copied)
		}
	}
	return out, nil
}

type fakeOrderStore struct {
	sync.Mutex
	orders map[string]*model.Order
	byBot  map[int64][]string
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{
		orders: make(map[string]*model.Order),
		byBot:  make(map[int64][]string),
	}
}

func (s *fakeOrderStore) Save(ctx context.Context, order *model.Order) error {
	s.Lock()
	defer s.Unlock()
	if _, seen := s.orders[order.ID]; !seen {
		s.byBot[order.BotID] = append(s.byBot[order.BotID], order.ID)
	}
	copied := *order
	s.orders[order.ID] = &copied
	return nil
}

func (s *fakeOrderStore) GetByID(ctx context.Context, orderID string) (*model.Order, error) {
	s.Lock()
	defer s.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *order
	return &copied, nil
}

func (s *fakeOrderStore) ListRecentByBot(ctx context.Context, botID int64, limit int) ([]*model.Order, error) {
	s.Lock()
	defer s.Unlock()
	ids := s.byBot[botID]
	var out []*model.Order
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		copied := *s.orders[ids[i]]
		out = append(out, &copied)
	}
	return out, nil
}

func (s *fakeOrderStore) countByStatus(botID int64, status string) int {
	s.Lock()
	defer s.Unlock()
	n := 0
	for _, id := range s.byBot[botID] {
		if s.orders[id].Status == status {
			n++
		}
	}
	return n
}

type fakeCredentialStore struct {
	sync.Mutex
	creds map[string]*model.ExchangeCredential
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{creds: make(map[string]*model.ExchangeCredential)}
}

func (s *fakeCredentialStore) Save(ctx context.Context, cred *model.ExchangeCredential) error {
	s.Lock()
	defer s.Unlock()
	copied := *cred
	s.creds[cred.UserID+":"+cred.Exchange] = &copied
	return nil
}

func (s *fakeCredentialStore) Get(ctx context.Context, userID, exchangeName string) (*model.ExchangeCredential, error) {
	s.Lock()
	defer s.Unlock()
	cred, ok := s.creds[userID+":"+exchangeName]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *cred
	return &copied, nil
}

func (s *fakeCredentialStore) ListByUser(ctx context.Context, userID string) ([]*model.ExchangeCredential, error) {
	s.Lock()
	defer s.Unlock()
	var out []*model.ExchangeCredential
	for _, cred := range s.creds {
		if cred.UserID == userID {
			copied := *cred
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeCredentialStore) Delete(ctx context.Context, userID, exchangeName string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.creds, userID+":"+exchangeName)
	return nil
}

// scriptedConnector lets tests control quotes, fills, and failures
type scriptedConnector struct {
	sync.Mutex
	price     float64
	tickerErr error
	placeErr  error
	placed    []exchange.OrderRequest
}

func (c *scriptedConnector) Name() string { return "scripted" }

func (c *scriptedConnector) setPrice(p float64) {
	c.Lock()
	defer c.Unlock()
	c.price = p
}

func (c *scriptedConnector) setTickerErr(err error) {
	c.Lock()
	defer c.Unlock()
	c.tickerErr = err
}

func (c *scriptedConnector) placedCount() int {
	c.Lock()
	defer c.Unlock()
	return len(c.placed)
}

func (c *scriptedConnector) FetchBalances(ctx context.Context) ([]exchange.Balance, error) {
	return nil, nil
}

func (c *scriptedConnector) FetchTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	c.Lock()
	defer c.Unlock()
	if c.tickerErr != nil {
		return nil, c.tickerErr
	}
	return &exchange.Ticker{Symbol: symbol, Bid: c.price, Ask: c.price, Last: c.price, Timestamp: time.Now()}, nil
}

func (c *scriptedConnector) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	c.Lock()
	defer c.Unlock()
	if c.placeErr != nil {
		return nil, c.placeErr
	}
	c.placed = append(c.placed, req)
	return &exchange.OrderResult{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: fmt.Sprintf("scripted-%d", len(c.placed)),
		Status:          model.OrderStatusFilled,
		FilledQuantity:  req.Quantity,
		FilledPrice:     req.Price,
	}, nil
}

func (c *scriptedConnector) FetchOrderStatus(ctx context.Context, symbol, clientOrderID string) (*exchange.OrderResult, error) {
	return &exchange.OrderResult{
		ClientOrderID: clientOrderID,
		Status:        model.OrderStatusFilled,
	}, nil
}

// fakeNotifier counts published events
type fakeNotifier struct {
	sync.Mutex
	botUpdates      int
	positionUpdates int
}

func (n *fakeNotifier) NotifyBotUpdate(ctx context.Context, userID string, payload model.WSBotUpdatePayload) {
	n.Lock()
	defer n.Unlock()
	n.botUpdates++
}

func (n *fakeNotifier) NotifyPositionUpdate(ctx context.Context, userID string, payload model.WSPositionUpdatePayload) {
	n.Lock()
	defer n.Unlock()
	n.positionUpdates++
}

func (n *fakeNotifier) positionUpdateCount() int {
	n.Lock()
	defer n.Unlock()
	return n.positionUpdates
}

// fixedFactory hands every bot the same connector
type fixedFactory struct {
	conn exchange.Connector
	err  error
}

func (f *fixedFactory) Connector(ctx context.Context, bot *model.BotInstance) (exchange.Connector, error) {
	return f.conn, f.err
}
