package statemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grid-trader-go/internal/models"
	"grid-trader-go/internal/persistence"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	CreateGridEvent EventType = iota
	MarketUpdateEvent
	CancelOrderEvent
	StateResetEvent
)

func (t EventType) String() string {
	switch t {
	case CreateGridEvent:
		return "create_grid"
	case MarketUpdateEvent:
		return "market_update"
	case CancelOrderEvent:
		return "cancel_order"
	case StateResetEvent:
		return "state_reset"
	}
	return "unknown"
}

// ErrStopped 状态管理器已停止后派发的事件返回此错误
var ErrStopped = errors.New("state manager stopped")

// Engine 是被状态管理器串行驱动的网格引擎, 由 grid.Manager 实现
type Engine interface {
	CreateGrid(ctx context.Context, base models.BaseTrade, history *models.Series) (string, error)
	OnMarketUpdate(ctx context.Context, bars map[string]models.Bar) error
	CancelOrder(ctx context.Context, id string) bool
	DeactivateFinished() []string
	Snapshot() *models.EngineState
	Restore(state *models.EngineState) error
}

// OrderJournal 记录订单生命周期, 由 storage.Journal 实现
type OrderJournal interface {
	UpsertOrders(orders []models.Order) error
}

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}

	reply chan Result
}

// CreateGridEventData 创建网格事件的数据
type CreateGridEventData struct {
	Base    models.BaseTrade
	History *models.Series
}

// Result 事件处理结果
type Result struct {
	GridID string // CreateGridEvent
	OK     bool   // CancelOrderEvent
	Err    error
}

// StateManager is responsible for all state mutations and persistence.
// It ensures that all engine calls are processed serially by one goroutine.
type StateManager struct {
	engine          Engine
	repo            persistence.StateRepository
	journal         OrderJournal
	eventChannel    chan NormalizedEvent
	persistenceChan chan *models.EngineState
	stopChan        chan struct{}
	eventsDone      chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *zap.Logger

	mu       sync.RWMutex
	snapshot *models.EngineState
}

// NewStateManager creates a new StateManager. repo and journal may be nil.
func NewStateManager(engine Engine, repo persistence.StateRepository, journal OrderJournal, logger *zap.Logger) *StateManager {
	return &StateManager{
		engine:          engine,
		repo:            repo,
		journal:         journal,
		eventChannel:    make(chan NormalizedEvent, 1024),    // Buffered channel
		persistenceChan: make(chan *models.EngineState, 128), // Buffered channel for state snapshots to be persisted
		stopChan:        make(chan struct{}),
		eventsDone:      make(chan struct{}),
		logger:          logger,
		snapshot:        engine.Snapshot(),
	}
}

// Recover 在启动前从仓库加载上次保存的状态
func (sm *StateManager) Recover() (bool, error) {
	if sm.repo == nil {
		return false, nil
	}
	state, err := sm.repo.LoadState()
	if err != nil {
		return false, errors.Wrap(err, "load persisted state")
	}
	if state == nil {
		sm.logger.Info("No persisted state found, starting fresh")
		return false, nil
	}
	if err := sm.engine.Restore(state); err != nil {
		return false, errors.Wrap(err, "restore persisted state")
	}
	sm.setSnapshot(sm.engine.Snapshot())
	return true, nil
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start(ctx context.Context) {
	sm.wg.Add(2)
	go sm.eventLoop(ctx)
	go sm.persistenceLoop()
	sm.logger.Info("StateManager started")
}

// Stop gracefully shuts down the StateManager. The latest queued snapshot is saved.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.logger.Info("StateManager stopped")
	})
}

// DispatchEvent sends an event to the StateManager for processing. The returned channel
// receives exactly one Result.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) <-chan Result {
	event.reply = make(chan Result, 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case <-sm.eventsDone:
		event.reply <- Result{Err: ErrStopped}
		return event.reply
	default:
	}
	select {
	case sm.eventChannel <- event:
	case <-sm.eventsDone:
		event.reply <- Result{Err: ErrStopped}
	}
	return event.reply
}

// CreateGrid dispatches a CreateGridEvent and waits for its result.
func (sm *StateManager) CreateGrid(ctx context.Context, base models.BaseTrade, history *models.Series) (string, error) {
	res, err := sm.wait(ctx, sm.DispatchEvent(NormalizedEvent{
		Type: CreateGridEvent,
		Data: CreateGridEventData{Base: base, History: history},
	}))
	if err != nil {
		return "", err
	}
	return res.GridID, res.Err
}

// MarketUpdate dispatches one bar per symbol and waits until the engine processed it.
func (sm *StateManager) MarketUpdate(ctx context.Context, bars map[string]models.Bar) error {
	res, err := sm.wait(ctx, sm.DispatchEvent(NormalizedEvent{Type: MarketUpdateEvent, Data: bars}))
	if err != nil {
		return err
	}
	return res.Err
}

// CancelOrder dispatches a CancelOrderEvent and waits for its result.
func (sm *StateManager) CancelOrder(ctx context.Context, id string) (bool, error) {
	res, err := sm.wait(ctx, sm.DispatchEvent(NormalizedEvent{Type: CancelOrderEvent, Data: id}))
	if err != nil {
		return false, err
	}
	return res.OK, res.Err
}

func (sm *StateManager) wait(ctx context.Context, ch <-chan Result) (Result, error) {
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// GetStateSnapshot returns a deep copy of the latest state for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.EngineState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.snapshot.Clone()
}

func (sm *StateManager) setSnapshot(s *models.EngineState) {
	sm.mu.Lock()
	sm.snapshot = s
	sm.mu.Unlock()
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop(ctx context.Context) {
	defer sm.wg.Done()
	defer close(sm.eventsDone)
	for {
		select {
		case event := <-sm.eventChannel:
			event.reply <- sm.processEvent(ctx, event)
		case <-ctx.Done():
			sm.drain(ctx.Err())
			return
		case <-sm.stopChan:
			sm.drain(ErrStopped)
			return
		}
	}
}

// drain answers events still queued when the loop exits.
func (sm *StateManager) drain(err error) {
	for {
		select {
		case event := <-sm.eventChannel:
			event.reply <- Result{Err: err}
		default:
			return
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case state := <-sm.persistenceChan:
			sm.persist(state)
		case <-sm.eventsDone:
			// 事件循环退出后只保存队列中最新的快照
			if last := sm.latestQueued(); last != nil {
				sm.persist(last)
			}
			return
		}
	}
}

func (sm *StateManager) latestQueued() *models.EngineState {
	var last *models.EngineState
	for {
		select {
		case state := <-sm.persistenceChan:
			last = state
		default:
			return last
		}
	}
}

func (sm *StateManager) persist(state *models.EngineState) {
	if sm.repo != nil {
		if err := sm.repo.SaveState(state); err != nil {
			sm.logger.Error("CRITICAL: Failed to save state", zap.Error(err))
		}
	}
	if sm.journal != nil {
		if err := sm.journal.UpsertOrders(state.Orders); err != nil {
			sm.logger.Error("Failed to journal orders", zap.Error(err))
		}
	}
}

// processEvent contains the logic to mutate the engine based on an event.
func (sm *StateManager) processEvent(ctx context.Context, event NormalizedEvent) Result {
	var res Result
	switch event.Type {
	case CreateGridEvent:
		data, ok := event.Data.(CreateGridEventData)
		if !ok {
			return sm.badData(event)
		}
		res.GridID, res.Err = sm.engine.CreateGrid(ctx, data.Base, data.History)
	case MarketUpdateEvent:
		bars, ok := event.Data.(map[string]models.Bar)
		if !ok {
			return sm.badData(event)
		}
		res.Err = sm.engine.OnMarketUpdate(ctx, bars)
		sm.engine.DeactivateFinished()
	case CancelOrderEvent:
		id, ok := event.Data.(string)
		if !ok {
			return sm.badData(event)
		}
		res.OK = sm.engine.CancelOrder(ctx, id)
	case StateResetEvent:
		state, ok := event.Data.(*models.EngineState)
		if !ok {
			return sm.badData(event)
		}
		if res.Err = sm.engine.Restore(state); res.Err == nil {
			sm.logger.Info("State has been reset")
		}
	default:
		return sm.badData(event)
	}

	snapshot := sm.engine.Snapshot()
	sm.setSnapshot(snapshot)

	// After processing, hand the new state to the persistence loop. Snapshots are never mutated.
	sm.persistenceChan <- snapshot
	return res
}

func (sm *StateManager) badData(event NormalizedEvent) Result {
	sm.logger.Warn("Received event with unexpected data type",
		zap.Stringer("type", event.Type), zap.String("data_type", fmt.Sprintf("%T", event.Data)))
	return Result{Err: errors.Errorf("unexpected data %T for %s event", event.Data, event.Type)}
}
