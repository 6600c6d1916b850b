// Package order owns every order record and drives the lifecycle state machine:
// PENDING -> FILLED -> {STOPPED_OUT, TP_HIT, CLOSED}, or PENDING -> CANCELLED.
//
// Without a broker, fills and closes are simulated from bar ranges. With a broker attached
// (WithBroker), placement and cancellation are forwarded and Sync reconciles state against the
// broker's pending orders, positions and deal history.
//
// A Manager is not safe for concurrent use; callers serialize access through a single writer.
package order

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"grid-trader-go/internal/exchange"
	"grid-trader-go/internal/models"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNoBroker is returned by Sync when the manager simulates fills locally.
var ErrNoBroker = errors.New("no broker attached")

// SymbolLookup resolves per-symbol configuration used for price rounding.
type SymbolLookup interface {
	Lookup(symbol string) (models.SymbolConfig, bool)
}

// PnLValuer values a closed order in account currency.
type PnLValuer interface {
	ProfitFor(o *models.Order) (float64, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithBroker switches the manager to broker mode.
func WithBroker(b exchange.Broker) Option {
	return func(m *Manager) { m.broker = b }
}

// WithClock injects the time source used for lifecycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithValuer sets RealizedPnL on every closed order.
func WithValuer(v PnLValuer) Option {
	return func(m *Manager) { m.valuer = v }
}

// Manager tracks orders and regeneration counters per slot.
type Manager struct {
	logger      *zap.Logger
	maxAttempts int
	symbols     SymbolLookup
	broker      exchange.Broker
	valuer      PnLValuer
	now         func() time.Time

	orders      map[string]*models.Order
	sequence    []string
	pending     []string
	active      []string
	regenCounts map[string]int
}

// NewManager creates an order manager allowing maxAttempts regenerations per slot.
func NewManager(maxAttempts int, symbols SymbolLookup, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:      logger,
		maxAttempts: maxAttempts,
		symbols:     symbols,
		now:         time.Now,
		orders:      make(map[string]*models.Order),
		regenCounts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger.Info("Order manager initialized",
		zap.Int("max_regeneration_attempts", maxAttempts), zap.Bool("broker", m.broker != nil))
	return m
}

// HasBroker reports whether fills come from a broker instead of bar simulation.
func (m *Manager) HasBroker() bool { return m.broker != nil }

// MaxAttempts returns the regeneration limit per slot.
func (m *Manager) MaxAttempts() int { return m.maxAttempts }

// PlaceOrder validates spec and registers a new PENDING order. Invalid specs and broker
// rejections return false and leave no trace.
func (m *Manager) PlaceOrder(ctx context.Context, spec models.OrderSpec) (models.Order, bool) {
	log := m.logger.With(zap.String("symbol", spec.Symbol), zap.String("kind", string(spec.Kind)),
		zap.Float64("entry", spec.Entry))
	if !spec.Kind.Valid() {
		log.Error("Invalid order kind, order rejected")
		return models.Order{}, false
	}
	if spec.LotSize <= 0 {
		log.Warn("Invalid lot size, order rejected", zap.Float64("lots", spec.LotSize))
		return models.Order{}, false
	}
	if err := spec.Kind.CheckLevels(spec.Entry, spec.StopLoss, spec.TakeProfit); err != nil {
		log.Warn("Order rejected", zap.Error(err))
		return models.Order{}, false
	}

	id := uuid.New()
	o := &models.Order{
		ID:                id.String(),
		Symbol:            models.NormalizeSymbol(spec.Symbol),
		Kind:              spec.Kind,
		EntryPrice:        spec.Entry,
		StopLoss:          spec.StopLoss,
		TakeProfit:        spec.TakeProfit,
		LotSize:           spec.LotSize,
		Status:            models.StatusPending,
		GridID:            spec.GridID,
		SlotID:            spec.SlotID,
		Tag:               spec.Tag,
		CreatedAt:         m.now(),
		InitialStopLoss:   spec.StopLoss,
		InitialTakeProfit: spec.TakeProfit,
	}
	if o.SlotID == "" {
		if spec.IsRegeneration {
			log.Warn("Regenerated order is missing its slot link")
		}
		o.SlotID = o.ID
	}

	if m.broker != nil {
		o.ClientOrderID = base62.EncodeToString(id[:])
		ack, err := m.broker.Submit(ctx, m.tradeRequest(o))
		if err != nil {
			log.Error("Broker rejected order", zap.Error(err))
			return models.Order{}, false
		}
		o.BrokerTicket = ack.Ticket
		if o.Kind.IsMarket() {
			o.Status = models.StatusFilled
			o.FilledAt = o.CreatedAt
			o.FillPrice = ack.Price
		}
	}

	if spec.IsRegeneration && spec.SlotID != "" {
		m.regenCounts[spec.SlotID]++
		o.RegenerationAttempts = m.regenCounts[spec.SlotID]
	}

	m.orders[o.ID] = o
	m.sequence = append(m.sequence, o.ID)
	if o.Status.IsOpen() {
		m.active = append(m.active, o.ID)
	} else {
		m.pending = append(m.pending, o.ID)
	}
	log.Info("Order placed", zap.String("order_id", o.ID), zap.Float64("sl", o.StopLoss),
		zap.Float64("tp", o.TakeProfit), zap.Float64("lots", o.LotSize),
		zap.String("grid_id", o.GridID), zap.Int("regen", o.RegenerationAttempts))
	return *o, true
}

func (m *Manager) tradeRequest(o *models.Order) exchange.TradeRequest {
	req := exchange.TradeRequest{
		Action:     exchange.ActionPending,
		Symbol:     o.Symbol,
		Volume:     o.LotSize,
		Kind:       o.Kind,
		Price:      o.EntryPrice,
		StopLoss:   o.StopLoss,
		TakeProfit: o.TakeProfit,
		TimePolicy: exchange.TimePolicyGTC,
		ClientID:   o.ClientOrderID,
	}
	if o.Kind.IsMarket() {
		req.Action = exchange.ActionDeal
	}
	return req
}

// CancelOrder cancels a PENDING order. Any other state is rejected without side effects.
func (m *Manager) CancelOrder(ctx context.Context, id string) bool {
	o, ok := m.orders[id]
	if !ok {
		m.logger.Warn("Cancel for unknown order", zap.String("order_id", id))
		return false
	}
	if o.Status != models.StatusPending {
		m.logger.Warn("Only pending orders can be cancelled",
			zap.String("order_id", id), zap.String("status", string(o.Status)))
		return false
	}
	if m.broker != nil && o.BrokerTicket != 0 {
		if err := m.broker.Cancel(ctx, o.BrokerTicket); err != nil {
			m.logger.Error("Broker cancel failed", zap.String("order_id", id), zap.Error(err))
			return false
		}
	}
	o.Status = models.StatusCancelled
	o.ClosedAt = m.now()
	m.pending = remove(m.pending, id)
	m.logger.Info("Order cancelled", zap.String("order_id", id))
	return true
}

// ModifyStopLossTakeProfit changes SL and/or TP of a PENDING or FILLED order. Pending orders
// must keep their directional invariant.
func (m *Manager) ModifyStopLossTakeProfit(ctx context.Context, id string, sl, tp *float64) bool {
	o, ok := m.orders[id]
	if !ok || (o.Status != models.StatusPending && !o.Status.IsOpen()) {
		return false
	}
	if sl == nil && tp == nil {
		return false
	}
	newSL, newTP := o.StopLoss, o.TakeProfit
	if sl != nil {
		newSL = *sl
	}
	if tp != nil {
		newTP = *tp
	}
	if o.Status == models.StatusPending {
		if err := o.Kind.CheckLevels(o.EntryPrice, newSL, newTP); err != nil {
			m.logger.Warn("Modification rejected", zap.String("order_id", id), zap.Error(err))
			return false
		}
	}
	if m.broker != nil && o.BrokerTicket != 0 {
		if err := m.broker.Modify(ctx, o.BrokerTicket, newSL, newTP); err != nil {
			m.logger.Error("Broker modify failed", zap.String("order_id", id), zap.Error(err))
			return false
		}
	}
	o.StopLoss, o.TakeProfit = newSL, newTP
	m.logger.Info("Order SL/TP modified", zap.String("order_id", id),
		zap.Float64("sl", newSL), zap.Float64("tp", newTP))
	return true
}

// CheckPendingFills fills pending orders whose entry was reached within the symbol's bar.
// It returns the ids filled, in placement order.
func (m *Manager) CheckPendingFills(bars map[string]models.Bar) []string {
	var filled []string
	for _, id := range append([]string(nil), m.pending...) {
		o := m.orders[id]
		bar, ok := bars[o.Symbol]
		if !ok {
			continue
		}
		price, ok := o.Kind.FillPrice(o.EntryPrice, bar)
		if !ok {
			continue
		}
		m.markFilled(o, price, m.now())
		filled = append(filled, id)
	}
	return filled
}

// CheckActiveCloses closes open positions whose SL or TP was crossed. SL is tested first so
// a bar crossing both always stops out.
func (m *Manager) CheckActiveCloses(bars map[string]models.Bar) []string {
	var closed []string
	for _, id := range append([]string(nil), m.active...) {
		o := m.orders[id]
		if !o.IsFilled() {
			continue
		}
		bar, ok := bars[o.Symbol]
		if !ok {
			continue
		}
		status, price, ok := o.Kind.ExitFor(o.StopLoss, o.TakeProfit, bar)
		if !ok {
			continue
		}
		m.markClosed(o, status, price, m.now())
		closed = append(closed, id)
	}
	return closed
}

func (m *Manager) markFilled(o *models.Order, price float64, at time.Time) {
	o.Status = models.StatusFilled
	o.FilledAt = at
	o.FillPrice = price
	m.pending = remove(m.pending, o.ID)
	m.active = append(m.active, o.ID)
	m.logger.Info("Order filled", zap.String("order_id", o.ID), zap.String("symbol", o.Symbol),
		zap.String("kind", string(o.Kind)), zap.Float64("price", price))
}

func (m *Manager) markClosed(o *models.Order, status models.OrderStatus, price float64, at time.Time) {
	o.Status = status
	o.ClosedAt = at
	o.ClosePrice = price
	m.active = remove(m.active, o.ID)
	if m.valuer != nil {
		pnl, err := m.valuer.ProfitFor(o)
		if err != nil {
			m.logger.Error("Failed to value closed order", zap.String("order_id", o.ID), zap.Error(err))
		}
		o.RealizedPnL = pnl
	}
	m.logger.Info("Position closed", zap.String("order_id", o.ID), zap.String("symbol", o.Symbol),
		zap.String("status", string(status)), zap.Float64("price", price), zap.Float64("pnl", o.RealizedPnL))
}

// NeedsRegeneration is true only for a STOPPED_OUT order whose slot is below the attempt limit.
func (m *Manager) NeedsRegeneration(id string) bool {
	o, ok := m.orders[id]
	if !ok || o.Status != models.StatusStoppedOut {
		return false
	}
	if attempts := m.regenCounts[o.SlotID]; attempts >= m.maxAttempts {
		m.logger.Info("Slot reached max regeneration attempts",
			zap.String("slot_id", o.SlotID), zap.String("order_id", id), zap.Int("attempts", attempts))
		return false
	}
	return true
}

// DetailsForRegeneration builds the replacement spec for a stopped-out order. The entry is
// reused; SL/TP distances from entry are scaled by factor when factor > 1. A zero TP stays zero.
func (m *Manager) DetailsForRegeneration(id string, factor float64) (models.OrderSpec, bool) {
	o, ok := m.orders[id]
	if !ok || o.Status != models.StatusStoppedOut {
		return models.OrderSpec{}, false
	}
	sl, tp := o.InitialStopLoss, o.InitialTakeProfit
	if factor > 1 {
		places := int32(m.decimals(o))
		entry := decimal.NewFromFloat(o.EntryPrice)
		f := decimal.NewFromFloat(factor)
		slDist := entry.Sub(decimal.NewFromFloat(o.InitialStopLoss)).Abs().Mul(f)
		tpDist := decimal.NewFromFloat(o.InitialTakeProfit).Sub(entry).Abs().Mul(f)
		if o.Kind.IsBuy() {
			sl = entry.Sub(slDist).Round(places).InexactFloat64()
			if tp != 0 {
				tp = entry.Add(tpDist).Round(places).InexactFloat64()
			}
		} else {
			sl = entry.Add(slDist).Round(places).InexactFloat64()
			if tp != 0 {
				tp = entry.Sub(tpDist).Round(places).InexactFloat64()
			}
		}
		m.logger.Info("Widening SL/TP for regeneration", zap.String("slot_id", o.SlotID),
			zap.Float64("factor", factor), zap.Float64("sl", sl), zap.Float64("tp", tp))
	}
	return models.OrderSpec{
		Symbol:         o.Symbol,
		Kind:           o.Kind,
		Entry:          o.EntryPrice,
		StopLoss:       sl,
		TakeProfit:     tp,
		LotSize:        o.LotSize,
		Tag:            o.Tag,
		GridID:         o.GridID,
		SlotID:         o.SlotID,
		IsRegeneration: true,
	}, true
}

// decimals prefers the configured precision and falls back to the entry's own precision.
func (m *Manager) decimals(o *models.Order) int {
	if m.symbols != nil {
		if sc, ok := m.symbols.Lookup(o.Symbol); ok {
			return sc.Decimals
		}
	}
	s := strconv.FormatFloat(o.EntryPrice, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 2
}

// Sync reconciles local state with the broker. Pending orders that turned into positions are
// filled; positions gone from the broker are closed with the reason from deal history.
func (m *Manager) Sync(ctx context.Context) (filled, closed []string, err error) {
	if m.broker == nil {
		return nil, nil, ErrNoBroker
	}
	for _, symbol := range m.openSymbols() {
		f, c, err := m.syncSymbol(ctx, symbol)
		filled = append(filled, f...)
		closed = append(closed, c...)
		if err != nil {
			return filled, closed, err
		}
	}
	return filled, closed, nil
}

func (m *Manager) openSymbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range append(append([]string(nil), m.pending...), m.active...) {
		if s := m.orders[id].Symbol; !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) syncSymbol(ctx context.Context, symbol string) (filled, closed []string, err error) {
	pend, err := m.broker.PendingOrders(ctx, symbol)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "fetch pending orders for %s", symbol)
	}
	positions, err := m.broker.OpenPositions(ctx, symbol)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "fetch positions for %s", symbol)
	}
	stillPending := make(map[int64]bool, len(pend))
	for _, p := range pend {
		stillPending[p.Ticket] = true
	}
	open := make(map[int64]exchange.Position, len(positions))
	for _, p := range positions {
		open[p.Ticket] = p
	}

	for _, id := range append([]string(nil), m.pending...) {
		o := m.orders[id]
		if o.Symbol != symbol || o.BrokerTicket == 0 || stillPending[o.BrokerTicket] {
			continue
		}
		if p, ok := open[o.BrokerTicket]; ok {
			m.markFilled(o, p.OpenPrice, m.at(p.OpenTime))
			filled = append(filled, id)
			continue
		}
		deals, err := m.broker.Deals(ctx, o.BrokerTicket)
		if err != nil {
			return filled, closed, errors.Wrapf(err, "fetch deals for ticket %d", o.BrokerTicket)
		}
		in, out := splitDeals(deals)
		if in == nil {
			o.Status = models.StatusCancelled
			o.ClosedAt = m.now()
			m.pending = remove(m.pending, id)
			m.logger.Warn("Pending order removed at broker", zap.String("order_id", id), zap.Int64("ticket", o.BrokerTicket))
			continue
		}
		m.markFilled(o, in.Price, m.at(in.Time))
		filled = append(filled, id)
		if out != nil {
			m.markClosed(o, m.closeReason(o, out), out.Price, m.at(out.Time))
			closed = append(closed, id)
		}
	}

	for _, id := range append([]string(nil), m.active...) {
		o := m.orders[id]
		if o.Symbol != symbol || o.BrokerTicket == 0 {
			continue
		}
		if _, ok := open[o.BrokerTicket]; ok {
			continue
		}
		deals, err := m.broker.Deals(ctx, o.BrokerTicket)
		if err != nil {
			return filled, closed, errors.Wrapf(err, "fetch deals for ticket %d", o.BrokerTicket)
		}
		_, out := splitDeals(deals)
		if out == nil {
			m.logger.Warn("Position gone without a closing deal", zap.String("order_id", id), zap.Int64("ticket", o.BrokerTicket))
			m.markClosed(o, models.StatusClosed, 0, m.now())
		} else {
			m.markClosed(o, m.closeReason(o, out), out.Price, m.at(out.Time))
		}
		closed = append(closed, id)
	}
	return filled, closed, nil
}

func splitDeals(deals []exchange.Deal) (in, out *exchange.Deal) {
	for i := range deals {
		switch deals[i].Entry {
		case exchange.DealIn:
			if in == nil {
				in = &deals[i]
			}
		case exchange.DealOut:
			out = &deals[i]
		}
	}
	return in, out
}

// closeReason trusts the broker's reason and otherwise matches the deal price to SL or TP
// within half a point.
func (m *Manager) closeReason(o *models.Order, d *exchange.Deal) models.OrderStatus {
	switch d.Reason {
	case exchange.ReasonSL:
		return models.StatusStoppedOut
	case exchange.ReasonTP:
		return models.StatusTPHit
	}
	tolerance := math.Pow10(-m.decimals(o)) / 2
	switch {
	case o.StopLoss != 0 && math.Abs(d.Price-o.StopLoss) <= tolerance:
		return models.StatusStoppedOut
	case o.TakeProfit != 0 && math.Abs(d.Price-o.TakeProfit) <= tolerance:
		return models.StatusTPHit
	}
	return models.StatusClosed
}

func (m *Manager) at(t time.Time) time.Time {
	if t.IsZero() {
		return m.now()
	}
	return t
}

// Order returns a copy of the order with id.
func (m *Manager) Order(id string) (models.Order, bool) {
	o, ok := m.orders[id]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// Orders returns copies of all orders, terminal ones included, in placement order.
func (m *Manager) Orders() []models.Order {
	return m.collect(m.sequence)
}

// PendingOrders returns copies of orders awaiting a fill.
func (m *Manager) PendingOrders() []models.Order {
	return m.collect(m.pending)
}

// ActivePositions returns copies of filled, still open orders.
func (m *Manager) ActivePositions() []models.Order {
	return m.collect(m.active)
}

func (m *Manager) collect(ids []string) []models.Order {
	out := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.orders[id])
	}
	return out
}

// RegenerationCount returns the number of regenerations placed for slot.
func (m *Manager) RegenerationCount(slot string) int {
	return m.regenCounts[slot]
}

// Snapshot copies all orders and regeneration counters.
func (m *Manager) Snapshot() ([]models.Order, map[string]int) {
	counts := make(map[string]int, len(m.regenCounts))
	for k, v := range m.regenCounts {
		counts[k] = v
	}
	return m.Orders(), counts
}

// Restore replaces all state with a snapshot taken by Snapshot.
func (m *Manager) Restore(orders []models.Order, counts map[string]int) {
	m.orders = make(map[string]*models.Order, len(orders))
	m.sequence, m.pending, m.active = nil, nil, nil
	for i := range orders {
		o := orders[i]
		m.orders[o.ID] = &o
		m.sequence = append(m.sequence, o.ID)
		switch {
		case o.Status == models.StatusPending:
			m.pending = append(m.pending, o.ID)
		case o.Status.IsOpen():
			m.active = append(m.active, o.ID)
		}
	}
	m.regenCounts = make(map[string]int, len(counts))
	for k, v := range counts {
		m.regenCounts[k] = v
	}
	m.logger.Info("Order state restored", zap.Int("orders", len(orders)),
		zap.Int("pending", len(m.pending)), zap.Int("active", len(m.active)))
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
