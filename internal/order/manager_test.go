package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"grid-trader-go/internal/exchange"
	"grid-trader-go/internal/models"
	"grid-trader-go/internal/risk"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSymbols = risk.Symbols{
	"EURUSD": {PipValuePerLot: 10, MinLotSize: 0.01, LotStep: 0.01, Decimals: 5},
	"USDJPY": {PipValuePerLot: 9, MinLotSize: 0.01, LotStep: 0.01, Decimals: 3},
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() func() time.Time {
	return func() time.Time { return t0 }
}

func newManager(maxAttempts int, opts ...Option) *Manager {
	opts = append([]Option{WithClock(fixedClock())}, opts...)
	return NewManager(maxAttempts, testSymbols, zap.NewNop(), opts...)
}

func place(t *testing.T, m *Manager, spec models.OrderSpec) models.Order {
	t.Helper()
	o, ok := m.PlaceOrder(context.Background(), spec)
	require.True(t, ok)
	return o
}

func bars(symbol string, high, low float64) map[string]models.Bar {
	return map[string]models.Bar{symbol: {Time: t0, High: high, Low: low, Close: (high + low) / 2}}
}

func TestPlaceOrder_Validation(t *testing.T) {
	m := newManager(3)
	cases := []struct {
		name string
		spec models.OrderSpec
		ok   bool
	}{
		{"buy valid", models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyStop, Entry: 1.1, StopLoss: 1.095, TakeProfit: 1.11, LotSize: 0.01}, true},
		{"buy without tp", models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyLimit, Entry: 1.1, StopLoss: 1.095, LotSize: 0.01}, true},
		{"buy sl above entry", models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyLimit, Entry: 1.1, StopLoss: 1.1, TakeProfit: 1.11, LotSize: 0.01}, false},
		{"buy tp below entry", models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyStop, Entry: 1.1, StopLoss: 1.09, TakeProfit: 1.1, LotSize: 0.01}, false},
		{"sell valid", models.OrderSpec{Symbol: "EURUSD", Kind: models.SellLimit, Entry: 1.1, StopLoss: 1.105, TakeProfit: 1.09, LotSize: 0.01}, true},
		{"sell sl below entry", models.OrderSpec{Symbol: "EURUSD", Kind: models.SellStop, Entry: 1.1, StopLoss: 1.099, LotSize: 0.01}, false},
		{"sell tp above entry", models.OrderSpec{Symbol: "EURUSD", Kind: models.SellStop, Entry: 1.1, StopLoss: 1.11, TakeProfit: 1.105, LotSize: 0.01}, false},
		{"zero lots", models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyStop, Entry: 1.1, StopLoss: 1.095, LotSize: 0}, false},
		{"unknown kind", models.OrderSpec{Symbol: "EURUSD", Kind: "OCO", Entry: 1.1, StopLoss: 1.095, LotSize: 0.01}, false},
	}
	accepted := 0
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, ok := m.PlaceOrder(context.Background(), tc.spec)
			assert.Equal(t, tc.ok, ok)
			if ok {
				accepted++
				assert.Equal(t, models.StatusPending, o.Status)
				assert.Equal(t, o.ID, o.SlotID)
				assert.Equal(t, t0, o.CreatedAt)
				assert.Equal(t, tc.spec.StopLoss, o.InitialStopLoss)
			}
		})
	}
	assert.Len(t, m.Orders(), accepted)
	assert.Len(t, m.PendingOrders(), accepted)
}

func TestCheckPendingFills_BuyStop(t *testing.T) {
	m := newManager(3)
	o := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyStop, Entry: 1.1000, StopLoss: 1.0950, TakeProfit: 1.1100, LotSize: 0.01})

	assert.Empty(t, m.CheckPendingFills(bars("EURUSD", 1.0999, 1.0990)))
	assert.Empty(t, m.CheckPendingFills(bars("GBPUSD", 1.2, 1.0)))

	filled := m.CheckPendingFills(bars("EURUSD", 1.1005, 1.0995))
	require.Equal(t, []string{o.ID}, filled)
	got, _ := m.Order(o.ID)
	assert.Equal(t, models.StatusFilled, got.Status)
	assert.Equal(t, 1.1000, got.FillPrice)
	assert.Equal(t, t0, got.FilledAt)
	assert.Empty(t, m.PendingOrders())
	assert.Len(t, m.ActivePositions(), 1)
}

func TestCheckPendingFills_GapFillsAtWorstPrice(t *testing.T) {
	m := newManager(3)
	bs := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyStop, Entry: 1.1000, StopLoss: 1.0950, LotSize: 0.01})
	sl := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.SellLimit, Entry: 1.1000, StopLoss: 1.1050, LotSize: 0.01})

	m.CheckPendingFills(bars("EURUSD", 1.1030, 1.1010))
	got, _ := m.Order(bs.ID)
	assert.Equal(t, 1.1010, got.FillPrice)
	got, _ = m.Order(sl.ID)
	assert.Equal(t, 1.1010, got.FillPrice)
}

func TestCheckPendingFills_SellLimitThenTakeProfit(t *testing.T) {
	m := newManager(3)
	o := place(t, m, models.OrderSpec{Symbol: "USDJPY", Kind: models.SellLimit, Entry: 130.00, StopLoss: 130.50, TakeProfit: 129.00, LotSize: 0.02})

	m.CheckPendingFills(bars("USDJPY", 130.050, 129.950))
	got, _ := m.Order(o.ID)
	require.Equal(t, models.StatusFilled, got.Status)
	assert.Equal(t, 130.00, got.FillPrice)

	closed := m.CheckActiveCloses(bars("USDJPY", 129.100, 128.950))
	require.Equal(t, []string{o.ID}, closed)
	got, _ = m.Order(o.ID)
	assert.Equal(t, models.StatusTPHit, got.Status)
	assert.Equal(t, 129.00, got.ClosePrice)
	assert.Empty(t, m.ActivePositions())
}

func TestCheckActiveCloses_StopLossWinsTies(t *testing.T) {
	m := newManager(3)
	long := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyStop, Entry: 1.1000, StopLoss: 1.0950, TakeProfit: 1.1100, LotSize: 0.01})
	short := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.SellStop, Entry: 1.1000, StopLoss: 1.1050, TakeProfit: 1.0900, LotSize: 0.01})
	m.CheckPendingFills(bars("EURUSD", 1.1000, 1.1000))

	closed := m.CheckActiveCloses(bars("EURUSD", 1.1150, 1.0900))
	assert.ElementsMatch(t, []string{long.ID, short.ID}, closed)

	got, _ := m.Order(long.ID)
	assert.Equal(t, models.StatusStoppedOut, got.Status)
	assert.Equal(t, 1.0950, got.ClosePrice)
	got, _ = m.Order(short.ID)
	assert.Equal(t, models.StatusStoppedOut, got.Status)
	assert.Equal(t, 1.1050, got.ClosePrice)
}

func TestCheckActiveCloses_PendingOrdersUntouched(t *testing.T) {
	m := newManager(3)
	o := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyStop, Entry: 1.2, StopLoss: 1.0950, LotSize: 0.01})
	assert.Empty(t, m.CheckActiveCloses(bars("EURUSD", 1.1, 1.0)))
	got, _ := m.Order(o.ID)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestMarketOrderFillsAtNextBarOpen(t *testing.T) {
	m := newManager(3)
	o := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.MarketBuy, Entry: 1.1, StopLoss: 1.09, LotSize: 0.01})
	filled := m.CheckPendingFills(map[string]models.Bar{"EURUSD": {Open: 1.1002, High: 1.1010, Low: 1.0990, Close: 1.1}})
	require.Equal(t, []string{o.ID}, filled)
	got, _ := m.Order(o.ID)
	assert.Equal(t, 1.1002, got.FillPrice)
}

func stopOut(t *testing.T, m *Manager, o models.Order) {
	t.Helper()
	m.CheckPendingFills(bars(o.Symbol, o.EntryPrice, o.EntryPrice-0.0001))
	m.CheckActiveCloses(bars(o.Symbol, o.EntryPrice+0.0001, o.StopLoss-0.0001))
	got, _ := m.Order(o.ID)
	require.Equal(t, models.StatusStoppedOut, got.Status)
}

func TestRegeneration_WidensAndCountsPerSlot(t *testing.T) {
	m := newManager(2)
	first := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyLimit, Entry: 1.0900, StopLoss: 1.0850, TakeProfit: 1.1000, LotSize: 0.03, GridID: "RegenGrid"})

	m.CheckPendingFills(bars("EURUSD", 1.0900, 1.0895))
	m.CheckActiveCloses(bars("EURUSD", 1.0860, 1.0845))
	got, _ := m.Order(first.ID)
	require.Equal(t, models.StatusStoppedOut, got.Status)
	require.True(t, m.NeedsRegeneration(first.ID))

	spec, ok := m.DetailsForRegeneration(first.ID, 1.2)
	require.True(t, ok)
	assert.Equal(t, 1.0900, spec.Entry)
	assert.Equal(t, 1.0840, spec.StopLoss)
	assert.Equal(t, 1.1020, spec.TakeProfit)
	assert.Equal(t, first.SlotID, spec.SlotID)
	assert.Equal(t, "RegenGrid", spec.GridID)
	assert.True(t, spec.IsRegeneration)

	regen1 := place(t, m, spec)
	assert.Equal(t, first.SlotID, regen1.SlotID)
	assert.Equal(t, 1, regen1.RegenerationAttempts)
	assert.Equal(t, 1.0840, regen1.InitialStopLoss)

	stopOut(t, m, regen1)
	require.True(t, m.NeedsRegeneration(regen1.ID))
	spec, ok = m.DetailsForRegeneration(regen1.ID, 1.5)
	require.True(t, ok)
	regen2 := place(t, m, spec)
	assert.Equal(t, 2, regen2.RegenerationAttempts)
	assert.Equal(t, 2, m.RegenerationCount(first.SlotID))

	stopOut(t, m, regen2)
	assert.False(t, m.NeedsRegeneration(regen2.ID))
	assert.False(t, m.NeedsRegeneration(first.ID))
}

func TestNeedsRegeneration_OnlyStoppedOut(t *testing.T) {
	m := newManager(3)
	o := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyLimit, Entry: 1.09, StopLoss: 1.085, TakeProfit: 1.1, LotSize: 0.01})
	assert.False(t, m.NeedsRegeneration(o.ID))
	assert.False(t, m.NeedsRegeneration("missing"))

	m.CheckPendingFills(bars("EURUSD", 1.09, 1.089))
	m.CheckActiveCloses(bars("EURUSD", 1.101, 1.089))
	got, _ := m.Order(o.ID)
	require.Equal(t, models.StatusTPHit, got.Status)
	assert.False(t, m.NeedsRegeneration(o.ID))
	_, ok := m.DetailsForRegeneration(o.ID, 1.2)
	assert.False(t, ok)
}

func TestDetailsForRegeneration_ZeroTakeProfitAndNoWidening(t *testing.T) {
	m := newManager(3)
	o := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.SellStop, Entry: 1.1, StopLoss: 1.105, LotSize: 0.01})
	m.CheckPendingFills(bars("EURUSD", 1.1001, 1.1))
	m.CheckActiveCloses(bars("EURUSD", 1.106, 1.1))

	spec, ok := m.DetailsForRegeneration(o.ID, 2)
	require.True(t, ok)
	assert.Equal(t, 1.11, spec.StopLoss)
	assert.Equal(t, 0.0, spec.TakeProfit)

	spec, ok = m.DetailsForRegeneration(o.ID, 1)
	require.True(t, ok)
	assert.Equal(t, 1.105, spec.StopLoss)
}

func TestCancelOrder(t *testing.T) {
	m := newManager(3)
	a := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyStop, Entry: 1.1, StopLoss: 1.095, LotSize: 0.01})
	b := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyLimit, Entry: 1.09, StopLoss: 1.085, LotSize: 0.01})

	ctx := context.Background()
	assert.True(t, m.CancelOrder(ctx, a.ID))
	got, _ := m.Order(a.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.False(t, m.CancelOrder(ctx, a.ID))
	assert.False(t, m.CancelOrder(ctx, "missing"))

	m.CheckPendingFills(bars("EURUSD", 1.091, 1.089))
	assert.False(t, m.CancelOrder(ctx, b.ID))
	got, _ = m.Order(b.ID)
	assert.Equal(t, models.StatusFilled, got.Status)
	assert.Len(t, m.Orders(), 2)
}

func TestModifyStopLossTakeProfit(t *testing.T) {
	m := newManager(3)
	ctx := context.Background()
	o := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyStop, Entry: 1.1, StopLoss: 1.095, TakeProfit: 1.11, LotSize: 0.01})

	bad := 1.2
	assert.False(t, m.ModifyStopLossTakeProfit(ctx, o.ID, &bad, nil))
	assert.False(t, m.ModifyStopLossTakeProfit(ctx, o.ID, nil, nil))

	sl, tp := 1.094, 1.12
	assert.True(t, m.ModifyStopLossTakeProfit(ctx, o.ID, &sl, &tp))
	got, _ := m.Order(o.ID)
	assert.Equal(t, 1.094, got.StopLoss)
	assert.Equal(t, 1.12, got.TakeProfit)
	assert.Equal(t, 1.095, got.InitialStopLoss)

	m.CheckPendingFills(bars("EURUSD", 1.1, 1.099))
	trail := 1.1005
	assert.True(t, m.ModifyStopLossTakeProfit(ctx, o.ID, &trail, nil))

	m.CheckActiveCloses(bars("EURUSD", 1.12, 1.1))
	assert.False(t, m.ModifyStopLossTakeProfit(ctx, o.ID, &sl, nil))
	assert.False(t, m.ModifyStopLossTakeProfit(ctx, "missing", &sl, nil))
}

func TestValuerSetsRealizedPnL(t *testing.T) {
	rm := risk.NewManager(models.DefaultConfig().Risk, testSymbols, zap.NewNop())
	m := newManager(3, WithValuer(rm))
	o := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyStop, Entry: 1.1, StopLoss: 1.095, TakeProfit: 1.11, LotSize: 0.02})
	m.CheckPendingFills(bars("EURUSD", 1.1, 1.099))
	m.CheckActiveCloses(bars("EURUSD", 1.1, 1.09))

	got, _ := m.Order(o.ID)
	assert.Equal(t, -10.0, got.RealizedPnL)
}

func TestSnapshotRestore(t *testing.T) {
	m := newManager(3)
	pending := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyStop, Entry: 1.2, StopLoss: 1.195, LotSize: 0.01})
	active := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyLimit, Entry: 1.09, StopLoss: 1.085, LotSize: 0.01})
	m.CheckPendingFills(bars("EURUSD", 1.091, 1.089))
	m.regenCounts[active.SlotID] = 1

	orders, counts := m.Snapshot()
	restored := newManager(3)
	restored.Restore(orders, counts)

	assert.Equal(t, m.Orders(), restored.Orders())
	require.Len(t, restored.PendingOrders(), 1)
	assert.Equal(t, pending.ID, restored.PendingOrders()[0].ID)
	require.Len(t, restored.ActivePositions(), 1)
	assert.Equal(t, active.ID, restored.ActivePositions()[0].ID)
	assert.Equal(t, 1, restored.RegenerationCount(active.SlotID))

	counts[active.SlotID] = 5
	assert.Equal(t, 1, restored.RegenerationCount(active.SlotID))
}

func TestSync_WithoutBroker(t *testing.T) {
	_, _, err := newManager(3).Sync(context.Background())
	assert.True(t, errors.Is(err, ErrNoBroker))
}

func TestBrokerMode_PaperRoundTrip(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaperBroker(zap.NewNop())
	m := newManager(3, WithBroker(paper))
	require.True(t, m.HasBroker())

	o := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyLimit, Entry: 1.09, StopLoss: 1.085, TakeProfit: 1.1, LotSize: 0.01})
	assert.NotZero(t, o.BrokerTicket)
	assert.NotEmpty(t, o.ClientOrderID)

	// bar simulation is not used in broker mode, the broker decides
	paper.SetBar("EURUSD", models.Bar{Time: t0, High: 1.0905, Low: 1.0895, Close: 1.09})
	filled, closed, err := m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{o.ID}, filled)
	assert.Empty(t, closed)
	got, _ := m.Order(o.ID)
	assert.Equal(t, models.StatusFilled, got.Status)
	assert.Equal(t, 1.09, got.FillPrice)

	paper.SetBar("EURUSD", models.Bar{Time: t0.Add(time.Minute), High: 1.0899, Low: 1.0840, Close: 1.0845})
	filled, closed, err = m.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, filled)
	assert.Equal(t, []string{o.ID}, closed)
	got, _ = m.Order(o.ID)
	assert.Equal(t, models.StatusStoppedOut, got.Status)
	assert.Equal(t, 1.085, got.ClosePrice)
	assert.Equal(t, t0.Add(time.Minute), got.ClosedAt)
	assert.True(t, m.NeedsRegeneration(o.ID))
}

func TestBrokerMode_FillAndCloseBetweenSyncs(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaperBroker(zap.NewNop())
	m := newManager(3, WithBroker(paper))
	o := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.SellStop, Entry: 1.1, StopLoss: 1.105, TakeProfit: 1.095, LotSize: 0.01})

	paper.SetBar("EURUSD", models.Bar{Time: t0, High: 1.1, Low: 1.0990})
	paper.SetBar("EURUSD", models.Bar{Time: t0, High: 1.0990, Low: 1.0940})
	filled, closed, err := m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{o.ID}, filled)
	assert.Equal(t, []string{o.ID}, closed)
	got, _ := m.Order(o.ID)
	assert.Equal(t, models.StatusTPHit, got.Status)
}

func TestBrokerMode_ExternalCancelAndManualClose(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaperBroker(zap.NewNop())
	m := newManager(3, WithBroker(paper))
	a := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyStop, Entry: 1.2, StopLoss: 1.19, LotSize: 0.01})
	b := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.MarketBuy, Entry: 1.1, StopLoss: 1.09, LotSize: 0.01})
	assert.Equal(t, models.StatusFilled, b.Status)
	assert.Equal(t, 1.1, b.FillPrice)

	require.NoError(t, paper.Cancel(ctx, a.BrokerTicket))
	require.NoError(t, paper.ClosePosition(b.BrokerTicket, 1.1012))

	_, closed, err := m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, closed)
	got, _ := m.Order(a.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	got, _ = m.Order(b.ID)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Equal(t, 1.1012, got.ClosePrice)
}

func TestBrokerMode_CancelForwards(t *testing.T) {
	ctx := context.Background()
	paper := exchange.NewPaperBroker(zap.NewNop())
	m := newManager(3, WithBroker(paper))
	o := place(t, m, models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyStop, Entry: 1.2, StopLoss: 1.19, LotSize: 0.01})

	require.True(t, m.CancelOrder(ctx, o.ID))
	pending, err := paper.PendingOrders(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// rejectingBroker fails every submission and records the requests it saw.
type rejectingBroker struct {
	exchange.Broker
	mu   sync.Mutex
	seen []exchange.TradeRequest
}

func (b *rejectingBroker) Submit(_ context.Context, req exchange.TradeRequest) (exchange.Ack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen = append(b.seen, req)
	return exchange.Ack{}, errors.New("market closed")
}

func TestBrokerMode_RejectionCreatesNoOrder(t *testing.T) {
	broker := &rejectingBroker{}
	m := newManager(3, WithBroker(broker))
	_, ok := m.PlaceOrder(context.Background(), models.OrderSpec{Symbol: "EURUSD", Kind: models.BuyStop, Entry: 1.2, StopLoss: 1.19, LotSize: 0.01})
	assert.False(t, ok)
	assert.Empty(t, m.Orders())

	require.Len(t, broker.seen, 1)
	assert.Equal(t, exchange.ActionPending, broker.seen[0].Action)
	assert.Equal(t, exchange.TimePolicyGTC, broker.seen[0].TimePolicy)
	assert.NotEmpty(t, broker.seen[0].ClientID)
}
