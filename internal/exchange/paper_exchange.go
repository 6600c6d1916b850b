package exchange

import (
	"context"
	"sort"
	"sync"
	"time"

	"grid-trader-go/internal/models"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PaperBroker 实现了 Broker 接口, 在进程内模拟经纪商的挂单、持仓与成交历史。
// 每次 SetBar 按与引擎相同的K线规则触发挂单, 并且止损优先于止盈平仓。
type PaperBroker struct {
	mu         sync.Mutex
	logger     *zap.Logger
	nextTicket int64
	pending    map[int64]*PendingOrder
	positions  map[int64]*Position
	deals      map[int64][]Deal
	lastPrice  map[string]float64
	now        time.Time

	// 滑点率, 买入上浮卖出下调
	SlippageRate float64
}

// NewPaperBroker 创建一个新的 PaperBroker 实例。
func NewPaperBroker(logger *zap.Logger) *PaperBroker {
	return &PaperBroker{
		logger:     logger,
		nextTicket: 1,
		pending:    make(map[int64]*PendingOrder),
		positions:  make(map[int64]*Position),
		deals:      make(map[int64][]Deal),
		lastPrice:  make(map[string]float64),
	}
}

// Submit 挂单或按最新价市价成交
func (b *PaperBroker) Submit(_ context.Context, req TradeRequest) (Ack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.Volume <= 0 {
		return Ack{}, errors.Errorf("invalid volume %g", req.Volume)
	}
	symbol := models.NormalizeSymbol(req.Symbol)

	switch req.Action {
	case ActionPending:
		if req.Kind.IsMarket() {
			return Ack{}, errors.Errorf("market kind %s sent as pending order", req.Kind)
		}
		if err := req.Kind.CheckLevels(req.Price, req.StopLoss, req.TakeProfit); err != nil {
			return Ack{}, errors.Wrap(err, "rejected")
		}
		ticket := b.ticket()
		b.pending[ticket] = &PendingOrder{
			Ticket:     ticket,
			Symbol:     symbol,
			Kind:       req.Kind,
			Volume:     req.Volume,
			Price:      req.Price,
			StopLoss:   req.StopLoss,
			TakeProfit: req.TakeProfit,
		}
		b.logger.Debug("Paper pending order accepted", zap.Int64("ticket", ticket), zap.String("symbol", symbol))
		return Ack{Ticket: ticket, Price: req.Price, Volume: req.Volume}, nil

	case ActionDeal:
		if !req.Kind.IsMarket() {
			return Ack{}, errors.Errorf("pending kind %s sent as deal", req.Kind)
		}
		price := req.Price
		if price <= 0 {
			price = b.lastPrice[symbol]
		}
		if price <= 0 {
			return Ack{}, errors.Errorf("no price for %s", symbol)
		}
		ticket := b.ticket()
		price = b.open(ticket, symbol, req.Kind, req.Volume, price, req.StopLoss, req.TakeProfit)
		return Ack{Ticket: ticket, Price: price, Volume: req.Volume}, nil
	}
	return Ack{}, errors.Errorf("unsupported action %q", req.Action)
}

// Cancel 撤销挂单
func (b *PaperBroker) Cancel(_ context.Context, ticket int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[ticket]; !ok {
		return errors.Wrapf(ErrUnknownTicket, "cancel %d", ticket)
	}
	delete(b.pending, ticket)
	return nil
}

// Modify 修改挂单或持仓的止损止盈
func (b *PaperBroker) Modify(_ context.Context, ticket int64, stopLoss, takeProfit float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.pending[ticket]; ok {
		o.StopLoss, o.TakeProfit = stopLoss, takeProfit
		return nil
	}
	if p, ok := b.positions[ticket]; ok {
		p.StopLoss, p.TakeProfit = stopLoss, takeProfit
		return nil
	}
	return errors.Wrapf(ErrUnknownTicket, "modify %d", ticket)
}

// PendingOrders 返回挂单, symbol 为空时返回全部
func (b *PaperBroker) PendingOrders(_ context.Context, symbol string) ([]PendingOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	symbol = models.NormalizeSymbol(symbol)
	var out []PendingOrder
	for _, t := range sortedTickets(b.pending) {
		if o := b.pending[t]; symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out, nil
}

// OpenPositions 返回持仓, symbol 为空时返回全部
func (b *PaperBroker) OpenPositions(_ context.Context, symbol string) ([]Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	symbol = models.NormalizeSymbol(symbol)
	var out []Position
	for _, t := range sortedTickets(b.positions) {
		if p := b.positions[t]; symbol == "" || p.Symbol == symbol {
			out = append(out, *p)
		}
	}
	return out, nil
}

// Deals 返回某个 ticket 的成交历史
func (b *PaperBroker) Deals(_ context.Context, ticket int64) ([]Deal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	deals := b.deals[ticket]
	out := make([]Deal, len(deals))
	copy(out, deals)
	return out, nil
}

// SetBar 是模拟的核心: 先触发挂单, 再按止损优先检查所有持仓
func (b *PaperBroker) SetBar(symbol string, bar models.Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()

	symbol = models.NormalizeSymbol(symbol)
	b.now = bar.Time
	b.lastPrice[symbol] = bar.Close

	for _, t := range sortedTickets(b.pending) {
		o := b.pending[t]
		if o.Symbol != symbol {
			continue
		}
		price, ok := o.Kind.FillPrice(o.Price, bar)
		if !ok {
			continue
		}
		delete(b.pending, t)
		b.open(t, symbol, o.Kind, o.Volume, price, o.StopLoss, o.TakeProfit)
	}

	for _, t := range sortedTickets(b.positions) {
		p := b.positions[t]
		if p.Symbol != symbol {
			continue
		}
		status, price, ok := p.Kind.ExitFor(p.StopLoss, p.TakeProfit, bar)
		if !ok {
			continue
		}
		reason := ReasonTP
		if status == models.StatusStoppedOut {
			reason = ReasonSL
		}
		b.close(p, price, reason)
	}
}

// ClosePosition 手动按指定价格平仓
func (b *PaperBroker) ClosePosition(ticket int64, price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[ticket]
	if !ok {
		return errors.Wrapf(ErrUnknownTicket, "close %d", ticket)
	}
	b.close(p, price, ReasonClient)
	return nil
}

// open 必须在持有锁的情况下调用, 返回含滑点的成交价
func (b *PaperBroker) open(ticket int64, symbol string, kind models.OrderKind, volume, price, sl, tp float64) float64 {
	if kind.IsBuy() {
		price *= 1 + b.SlippageRate
	} else {
		price *= 1 - b.SlippageRate
	}
	b.positions[ticket] = &Position{
		Ticket:     ticket,
		Symbol:     symbol,
		Kind:       kind,
		Volume:     volume,
		OpenPrice:  price,
		OpenTime:   b.now,
		StopLoss:   sl,
		TakeProfit: tp,
	}
	b.deals[ticket] = append(b.deals[ticket], Deal{
		Ticket: ticket, Symbol: symbol, Entry: DealIn, Reason: ReasonClient,
		Price: price, Volume: volume, Time: b.now,
	})
	b.logger.Debug("Paper position opened", zap.Int64("ticket", ticket), zap.Float64("price", price))
	return price
}

// close 必须在持有锁的情况下调用
func (b *PaperBroker) close(p *Position, price float64, reason DealReason) {
	delete(b.positions, p.Ticket)
	b.deals[p.Ticket] = append(b.deals[p.Ticket], Deal{
		Ticket: p.Ticket, Symbol: p.Symbol, Entry: DealOut, Reason: reason,
		Price: price, Volume: p.Volume, Time: b.now,
	})
	b.logger.Debug("Paper position closed",
		zap.Int64("ticket", p.Ticket), zap.Float64("price", price), zap.String("reason", string(reason)))
}

func (b *PaperBroker) ticket() int64 {
	t := b.nextTicket
	b.nextTicket++
	return t
}

func sortedTickets[T any](m map[int64]T) []int64 {
	tickets := make([]int64, 0, len(m))
	for t := range m {
		tickets = append(tickets, t)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i] < tickets[j] })
	return tickets
}
