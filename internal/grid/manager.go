// Package grid orchestrates the engine: base trade -> signal router -> strategy -> risk sizing
// -> order placement, and per market update: fill/close detection -> regeneration of
// stopped-out slots under cooldown and attempt limits.
package grid

import (
	"context"
	"fmt"
	"math"
	"time"

	"grid-trader-go/internal/models"
	"grid-trader-go/internal/order"
	"grid-trader-go/internal/strategy"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RiskManager sizes orders and guards margin.
type RiskManager interface {
	CalculateLotSize(symbol string, entry, stopLoss, riskAmount, balance float64) (float64, error)
	CanOpenTrade(symbol string, lots, entry float64) (bool, error)
	DefaultRisk() float64
	Balance() float64
	UpdateBalance(balance float64)
}

// Router picks a strategy name for a base trade.
type Router interface {
	SelectModel(base models.BaseTrade, history *models.Series) (string, string)
}

// Recorder receives engine activity for metrics.
type Recorder interface {
	GridCreated(strategy string)
	OrderPlaced(strategy string)
	OrderRejected(reason string)
	OrderFilled(kind models.OrderKind)
	OrderClosed(status models.OrderStatus)
	Regeneration(outcome string)
	Balance(balance float64)
}

type nopRecorder struct{}

func (nopRecorder) GridCreated(string)             {}
func (nopRecorder) OrderPlaced(string)             {}
func (nopRecorder) OrderRejected(string)           {}
func (nopRecorder) OrderFilled(models.OrderKind)   {}
func (nopRecorder) OrderClosed(models.OrderStatus) {}
func (nopRecorder) Regeneration(string)            {}
func (nopRecorder) Balance(float64)                {}

// Regeneration outcomes reported to the Recorder.
const (
	OutcomePlaced    = "placed"
	OutcomeCooldown  = "cooldown"
	OutcomeExhausted = "exhausted"
	OutcomeZeroLot   = "zero_lot"
	OutcomeMargin    = "margin"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the time source used for grid ids and wall-clock cooldowns.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRecorder reports activity to r.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// Manager owns the active grids, per-slot cooldown markers and the regeneration queue.
// It is not safe for concurrent use.
type Manager struct {
	regen     models.RegenConfig
	recenter  models.RecenterConfig
	params    models.StrategyConfig
	risk      RiskManager
	orders    *order.Manager
	router    Router
	symbols   strategy.SymbolLookup
	logger    *zap.Logger
	now       func() time.Time
	recorder  Recorder
	grids     map[string]*models.ActiveGrid
	gridOrder []string
	cooldowns map[string]models.CooldownMark
	deferred  []string
	updateSeq int64
}

// NewManager wires the grid manager to its collaborators.
func NewManager(cfg *models.Config, risk RiskManager, orders *order.Manager, router Router,
	symbols strategy.SymbolLookup, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		regen:     cfg.Regen,
		recenter:  cfg.Recenter,
		params:    cfg.Strategies,
		risk:      risk,
		orders:    orders,
		router:    router,
		symbols:   symbols,
		logger:    logger,
		now:       time.Now,
		recorder:  nopRecorder{},
		grids:     make(map[string]*models.ActiveGrid),
		cooldowns: make(map[string]models.CooldownMark),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.regen.CooldownMode == "" {
		m.regen.CooldownMode = models.CooldownWallClock
	}
	m.logger.Info("Grid manager initialized",
		zap.String("cooldown_mode", m.regen.CooldownMode), zap.Int("cooldown_bars", m.regen.CooldownBars))
	return m
}

// CreateGrid routes the base trade to a strategy and places every spec that passes risk checks.
// It returns "" without error when no order could be placed. Configuration and base-trade
// validation errors are returned.
func (m *Manager) CreateGrid(ctx context.Context, base models.BaseTrade, history *models.Series) (string, error) {
	base.Symbol = models.NormalizeSymbol(base.Symbol)
	base = withDefaultLevels(base)
	log := m.logger.With(zap.String("symbol", base.Symbol))

	name, reason := m.router.SelectModel(base, history)
	log.Info("Strategy selected", zap.String("strategy", name), zap.String("reason", reason))

	strat, err := strategy.Build(name, base, history, strategy.Deps{
		Sizer:   m.risk,
		Symbols: m.symbols,
		Params:  m.params,
		Logger:  m.logger,
	})
	if err != nil {
		return "", errors.Wrapf(err, "build %s strategy", name)
	}
	specs, err := strat.Generate()
	if err != nil {
		return "", errors.Wrapf(err, "generate %s orders", name)
	}
	if len(specs) == 0 {
		log.Warn("Strategy generated no orders", zap.String("strategy", name))
		return "", nil
	}

	now := m.now()
	grid := &models.ActiveGrid{
		ID:        newGridID(name, base.Symbol, now),
		Strategy:  name,
		Reason:    reason,
		Base:      base,
		CreatedAt: now,
		Active:    true,
	}
	for _, spec := range specs {
		lots := spec.LotSize
		if lots <= 0 {
			lots, err = m.risk.CalculateLotSize(spec.Symbol, spec.Entry, spec.StopLoss, m.risk.DefaultRisk(), 0)
			if err != nil {
				return "", errors.Wrap(err, "size grid order")
			}
		}
		if lots <= 0 {
			log.Warn("Lot size zero, skipping spec", zap.String("tag", spec.Tag))
			m.recorder.OrderRejected(OutcomeZeroLot)
			continue
		}
		can, err := m.risk.CanOpenTrade(spec.Symbol, lots, spec.Entry)
		if err != nil {
			return "", errors.Wrap(err, "check margin")
		}
		if !can {
			log.Warn("Risk manager blocked spec", zap.String("tag", spec.Tag))
			m.recorder.OrderRejected(OutcomeMargin)
			continue
		}
		spec.LotSize = lots
		spec.GridID = grid.ID
		o, ok := m.orders.PlaceOrder(ctx, spec)
		if !ok {
			m.recorder.OrderRejected(OutcomeRejected)
			continue
		}
		grid.OrderIDs = append(grid.OrderIDs, o.ID)
		m.recorder.OrderPlaced(name)
	}
	if len(grid.OrderIDs) == 0 {
		log.Warn("No orders placed for grid", zap.String("strategy", name))
		return "", nil
	}
	m.grids[grid.ID] = grid
	m.gridOrder = append(m.gridOrder, grid.ID)
	m.recorder.GridCreated(name)
	log.Info("Grid created", zap.String("grid_id", grid.ID), zap.Int("orders", len(grid.OrderIDs)))
	return grid.ID, nil
}

// withDefaultLevels fills a missing base SL/TP at 3 ATR from the base price.
func withDefaultLevels(b models.BaseTrade) models.BaseTrade {
	if b.BasePrice <= 0 || b.ATR <= 0 {
		return b
	}
	sign := 1.0
	if b.Direction == models.DirectionSell {
		sign = -1
	}
	if b.BaseSL == 0 {
		b.BaseSL = b.BasePrice - sign*3*b.ATR
	}
	if b.BaseTP == 0 {
		b.BaseTP = b.BasePrice + sign*3*b.ATR
	}
	return b
}

func newGridID(strategyName, symbol string, at time.Time) string {
	u := uuid.New()
	return fmt.Sprintf("grid_%s_%s_%d_%s", strategyName, symbol, at.Unix(), base62.EncodeToString(u[:6]))
}

// OnMarketUpdate advances the engine by one bar: fill and close detection (or broker sync),
// balance update from realized PnL, regeneration of stopped-out slots and recenter checks.
func (m *Manager) OnMarketUpdate(ctx context.Context, bars map[string]models.Bar) error {
	m.updateSeq++

	var filled, closed []string
	if m.orders.HasBroker() {
		var err error
		filled, closed, err = m.orders.Sync(ctx)
		if err != nil {
			return errors.Wrap(err, "sync with broker")
		}
	} else {
		if len(bars) == 0 {
			return nil
		}
		filled = m.orders.CheckPendingFills(bars)
		closed = m.orders.CheckActiveCloses(bars)
	}

	for _, id := range filled {
		if o, ok := m.orders.Order(id); ok {
			m.recorder.OrderFilled(o.Kind)
		}
	}
	candidates := m.deferred
	m.deferred = nil
	for _, id := range closed {
		o, ok := m.orders.Order(id)
		if !ok {
			continue
		}
		m.recorder.OrderClosed(o.Status)
		if o.RealizedPnL != 0 {
			balance := m.risk.Balance() + o.RealizedPnL
			m.risk.UpdateBalance(balance)
			m.recorder.Balance(balance)
		}
		if o.Status == models.StatusStoppedOut {
			candidates = append(candidates, id)
		}
	}

	for _, id := range candidates {
		if m.regenerate(ctx, id) {
			m.deferred = append(m.deferred, id)
		}
	}
	m.checkRecenter(bars)
	return nil
}

// regenerate handles one stopped-out order and reports whether it must be retried later.
func (m *Manager) regenerate(ctx context.Context, id string) bool {
	o, ok := m.orders.Order(id)
	if !ok {
		return false
	}
	grid := m.grids[o.GridID]
	if grid == nil || !grid.Active {
		m.logger.Debug("Stopped order has no active grid, skipping regeneration", zap.String("order_id", id))
		return false
	}
	slot := o.SlotID
	log := m.logger.With(zap.String("slot_id", slot), zap.String("order_id", id), zap.String("grid_id", grid.ID))

	if mark, ok := m.cooldowns[slot]; ok && m.inCooldown(mark) {
		log.Debug("Slot in cooldown")
		m.recorder.Regeneration(OutcomeCooldown)
		return true
	}
	if !m.orders.NeedsRegeneration(id) {
		if m.orders.RegenerationCount(slot) >= m.orders.MaxAttempts() {
			delete(m.cooldowns, slot)
			m.recorder.Regeneration(OutcomeExhausted)
		}
		return false
	}

	attempt := m.orders.RegenerationCount(slot)
	spec, ok := m.orders.DetailsForRegeneration(id, m.regen.WidenFactor(attempt))
	if !ok {
		return false
	}
	log.Info("Attempting regeneration", zap.Int("attempt", attempt+1))
	defer m.markCooldown(slot)

	lots, err := m.risk.CalculateLotSize(spec.Symbol, spec.Entry, spec.StopLoss, m.risk.DefaultRisk(), 0)
	if err != nil {
		log.Error("Regeneration sizing failed", zap.Error(err))
		m.recorder.Regeneration(OutcomeError)
		return false
	}
	if lots <= 0 {
		log.Warn("Lot size zero for regeneration")
		m.recorder.Regeneration(OutcomeZeroLot)
		return true
	}
	can, err := m.risk.CanOpenTrade(spec.Symbol, lots, spec.Entry)
	if err != nil {
		log.Error("Regeneration margin check failed", zap.Error(err))
		m.recorder.Regeneration(OutcomeError)
		return false
	}
	if !can {
		log.Warn("Risk manager blocked regeneration")
		m.recorder.Regeneration(OutcomeMargin)
		return true
	}
	spec.LotSize = lots
	placed, ok := m.orders.PlaceOrder(ctx, spec)
	if !ok {
		log.Error("Failed to place regeneration order")
		m.recorder.Regeneration(OutcomeRejected)
		return true
	}
	grid.OrderIDs = append(grid.OrderIDs, placed.ID)
	m.recorder.OrderPlaced(grid.Strategy)
	m.recorder.Regeneration(OutcomePlaced)
	log.Info("Slot regenerated", zap.String("new_order_id", placed.ID), zap.Int("attempt", placed.RegenerationAttempts))
	return false
}

func (m *Manager) markCooldown(slot string) {
	m.cooldowns[slot] = models.CooldownMark{At: m.now(), Update: m.updateSeq}
}

func (m *Manager) inCooldown(mark models.CooldownMark) bool {
	if m.regen.CooldownMode == models.CooldownBarCount {
		return m.updateSeq-mark.Update < int64(m.regen.CooldownBars)
	}
	window := time.Duration(float64(m.regen.CooldownBars) * m.regen.BarDurationSec * float64(time.Second))
	return m.now().Sub(mark.At) < window
}

// checkRecenter flags grids whose base drifted too far from the latest close. Orders are left
// untouched.
func (m *Manager) checkRecenter(bars map[string]models.Bar) {
	if !m.recenter.Enabled {
		return
	}
	for _, id := range m.gridOrder {
		g := m.grids[id]
		if !g.Active || g.RecenterSuggested || g.Base.BasePrice <= 0 {
			continue
		}
		bar, ok := bars[g.Base.Symbol]
		if !ok || bar.Close <= 0 {
			continue
		}
		dev := math.Abs(bar.Close - g.Base.BasePrice)
		pct := dev / g.Base.BasePrice * 100
		byPct := m.recenter.MaxDeviationPct > 0 && pct > m.recenter.MaxDeviationPct
		byATR := m.recenter.MaxDeviationATR > 0 && g.Base.ATR > 0 && dev > g.Base.ATR*m.recenter.MaxDeviationATR
		if byPct || byATR {
			g.RecenterSuggested = true
			m.logger.Warn("Price drifted from grid base, recenter suggested",
				zap.String("grid_id", id), zap.Float64("base", g.Base.BasePrice),
				zap.Float64("close", bar.Close), zap.Float64("deviation_pct", pct))
		}
	}
}

// DeactivateFinished retires grids whose orders are all terminal with no slot left to
// regenerate. It returns the retired ids.
func (m *Manager) DeactivateFinished() []string {
	waiting := make(map[string]bool, len(m.deferred))
	for _, id := range m.deferred {
		if o, ok := m.orders.Order(id); ok {
			waiting[o.GridID] = true
		}
	}
	var retired []string
	for _, id := range m.gridOrder {
		g := m.grids[id]
		if !g.Active || waiting[id] {
			continue
		}
		finished := true
		for _, oid := range g.OrderIDs {
			o, ok := m.orders.Order(oid)
			if !ok {
				continue
			}
			if !o.Status.IsTerminal() || m.orders.NeedsRegeneration(oid) {
				finished = false
				break
			}
		}
		if finished {
			g.Active = false
			retired = append(retired, id)
			m.logger.Info("Grid finished", zap.String("grid_id", id))
		}
	}
	return retired
}

// CancelOrder cancels a pending order.
func (m *Manager) CancelOrder(ctx context.Context, id string) bool {
	return m.orders.CancelOrder(ctx, id)
}

// Grid returns a copy of the grid with id.
func (m *Manager) Grid(id string) (models.ActiveGrid, bool) {
	g, ok := m.grids[id]
	if !ok {
		return models.ActiveGrid{}, false
	}
	return copyGrid(g), true
}

// Grids returns copies of all grids in creation order.
func (m *Manager) Grids() []models.ActiveGrid {
	out := make([]models.ActiveGrid, 0, len(m.gridOrder))
	for _, id := range m.gridOrder {
		out = append(out, copyGrid(m.grids[id]))
	}
	return out
}

func copyGrid(g *models.ActiveGrid) models.ActiveGrid {
	c := *g
	c.OrderIDs = append([]string(nil), g.OrderIDs...)
	return c
}

// Orders returns copies of all orders.
func (m *Manager) Orders() []models.Order { return m.orders.Orders() }

// Order returns a copy of one order.
func (m *Manager) Order(id string) (models.Order, bool) { return m.orders.Order(id) }

// Deferred returns the stopped-out order ids waiting for a regeneration retry.
func (m *Manager) Deferred() []string { return append([]string(nil), m.deferred...) }

// Snapshot captures the complete engine state for persistence.
func (m *Manager) Snapshot() *models.EngineState {
	orders, counts := m.orders.Snapshot()
	cooldowns := make(map[string]models.CooldownMark, len(m.cooldowns))
	for k, v := range m.cooldowns {
		cooldowns[k] = v
	}
	return &models.EngineState{
		Version:            models.EngineStateVersion,
		Orders:             orders,
		RegenerationCounts: counts,
		Grids:              m.Grids(),
		Cooldowns:          cooldowns,
		Deferred:           m.Deferred(),
		UpdateSeq:          m.updateSeq,
		Balance:            m.risk.Balance(),
		LastUpdateTime:     m.now(),
	}
}

// Restore replaces the engine state with a snapshot.
func (m *Manager) Restore(state *models.EngineState) error {
	if state == nil {
		return errors.New("nil state")
	}
	if state.Version != models.EngineStateVersion {
		return errors.Errorf("unsupported state version %d", state.Version)
	}
	m.orders.Restore(state.Orders, state.RegenerationCounts)
	m.grids = make(map[string]*models.ActiveGrid, len(state.Grids))
	m.gridOrder = nil
	for i := range state.Grids {
		g := copyGrid(&state.Grids[i])
		m.grids[g.ID] = &g
		m.gridOrder = append(m.gridOrder, g.ID)
	}
	m.cooldowns = make(map[string]models.CooldownMark, len(state.Cooldowns))
	for k, v := range state.Cooldowns {
		m.cooldowns[k] = v
	}
	m.deferred = append([]string(nil), state.Deferred...)
	m.updateSeq = state.UpdateSeq
	if state.Balance > 0 {
		m.risk.UpdateBalance(state.Balance)
	}
	m.logger.Info("Engine state restored", zap.Int("grids", len(m.grids)), zap.Int64("update_seq", m.updateSeq))
	return nil
}
