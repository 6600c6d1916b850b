package exchange

import (
	"context"
	"testing"
	"time"

	"grid-trader-go/internal/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func pendingReq(kind models.OrderKind, price, sl, tp float64) TradeRequest {
	return TradeRequest{
		Action:     ActionPending,
		Symbol:     "eurusd",
		Volume:     0.1,
		Kind:       kind,
		Price:      price,
		StopLoss:   sl,
		TakeProfit: tp,
		TimePolicy: TimePolicyGTC,
	}
}

func TestPaperBroker_PendingLifecycle(t *testing.T) {
	ctx := context.Background()
	b := NewPaperBroker(zap.NewNop())

	ack, err := b.Submit(ctx, pendingReq(models.BuyStop, 1.101, 1.1, 1.102))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ack.Ticket)

	pending, err := b.PendingOrders(ctx, "EURUSD")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "EURUSD", pending[0].Symbol)

	// 未触发
	b.SetBar("EURUSD", models.Bar{Time: time.Unix(60, 0), High: 1.1008, Low: 1.1001, Close: 1.1005})
	positions, _ := b.OpenPositions(ctx, "")
	assert.Empty(t, positions)

	b.SetBar("EURUSD", models.Bar{Time: time.Unix(120, 0), High: 1.1012, Low: 1.1005, Close: 1.101})
	pending, _ = b.PendingOrders(ctx, "")
	assert.Empty(t, pending)
	positions, _ = b.OpenPositions(ctx, "EURUSD")
	require.Len(t, positions, 1)
	assert.Equal(t, 1.101, positions[0].OpenPrice)
	assert.Equal(t, time.Unix(120, 0), positions[0].OpenTime)

	b.SetBar("EURUSD", models.Bar{Time: time.Unix(180, 0), High: 1.1025, Low: 1.1009, Close: 1.102})
	positions, _ = b.OpenPositions(ctx, "")
	assert.Empty(t, positions)

	deals, err := b.Deals(ctx, ack.Ticket)
	require.NoError(t, err)
	require.Len(t, deals, 2)
	assert.Equal(t, DealIn, deals[0].Entry)
	assert.Equal(t, DealOut, deals[1].Entry)
	assert.Equal(t, ReasonTP, deals[1].Reason)
	assert.Equal(t, 1.102, deals[1].Price)
}

func TestPaperBroker_StopLossWinsOnWideBar(t *testing.T) {
	ctx := context.Background()
	b := NewPaperBroker(zap.NewNop())
	ack, err := b.Submit(ctx, pendingReq(models.SellLimit, 1.102, 1.103, 1.1))
	require.NoError(t, err)

	b.SetBar("EURUSD", models.Bar{High: 1.1021, Low: 1.1015, Close: 1.102})
	b.SetBar("EURUSD", models.Bar{High: 1.1035, Low: 1.0995, Close: 1.1})

	deals, _ := b.Deals(ctx, ack.Ticket)
	require.Len(t, deals, 2)
	assert.Equal(t, ReasonSL, deals[1].Reason)
	assert.Equal(t, 1.103, deals[1].Price)
}

func TestPaperBroker_Rejections(t *testing.T) {
	ctx := context.Background()
	b := NewPaperBroker(zap.NewNop())

	tests := []struct {
		name string
		req  TradeRequest
	}{
		{"zero volume", TradeRequest{Action: ActionPending, Symbol: "EURUSD", Kind: models.BuyStop, Price: 1.1, StopLoss: 1.09}},
		{"market kind pending", pendingReq(models.MarketBuy, 1.1, 1.09, 0)},
		{"bad levels", pendingReq(models.BuyLimit, 1.1, 1.11, 0)},
		{"pending kind as deal", TradeRequest{Action: ActionDeal, Symbol: "EURUSD", Volume: 0.1, Kind: models.BuyLimit}},
		{"deal without price", TradeRequest{Action: ActionDeal, Symbol: "EURUSD", Volume: 0.1, Kind: models.MarketBuy}},
		{"unknown action", TradeRequest{Action: "close_by", Symbol: "EURUSD", Volume: 0.1, Kind: models.MarketBuy}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Submit(ctx, tt.req)
			assert.Error(t, err)
		})
	}

	assert.True(t, errors.Is(b.Cancel(ctx, 42), ErrUnknownTicket))
	assert.True(t, errors.Is(b.Modify(ctx, 42, 1, 2), ErrUnknownTicket))
	assert.True(t, errors.Is(b.ClosePosition(42, 1.1), ErrUnknownTicket))
}

func TestPaperBroker_MarketDealWithSlippage(t *testing.T) {
	ctx := context.Background()
	b := NewPaperBroker(zap.NewNop())
	b.SlippageRate = 0.001
	b.SetBar("EURUSD", models.Bar{High: 1.2, Low: 1.0, Close: 1.1})

	ack, err := b.Submit(ctx, TradeRequest{Action: ActionDeal, Symbol: "EURUSD", Volume: 0.2, Kind: models.MarketSell})
	require.NoError(t, err)
	assert.InDelta(t, 1.1*0.999, ack.Price, 1e-12)
	assert.Equal(t, 0.2, ack.Volume)

	require.NoError(t, b.ClosePosition(ack.Ticket, 1.095))
	deals, _ := b.Deals(ctx, ack.Ticket)
	require.Len(t, deals, 2)
	assert.Equal(t, ReasonClient, deals[1].Reason)
}

func TestPaperBroker_CancelAndModify(t *testing.T) {
	ctx := context.Background()
	b := NewPaperBroker(zap.NewNop())
	first, _ := b.Submit(ctx, pendingReq(models.BuyStop, 1.101, 1.1, 0))
	second, _ := b.Submit(ctx, pendingReq(models.SellStop, 1.099, 1.1, 0))

	require.NoError(t, b.Modify(ctx, first.Ticket, 1.0995, 1.103))
	require.NoError(t, b.Cancel(ctx, second.Ticket))

	pending, _ := b.PendingOrders(ctx, "")
	require.Len(t, pending, 1)
	assert.Equal(t, first.Ticket, pending[0].Ticket)
	assert.Equal(t, 1.0995, pending[0].StopLoss)
	assert.Equal(t, 1.103, pending[0].TakeProfit)

	b.SetBar("EURUSD", models.Bar{High: 1.1012, Low: 1.1005, Close: 1.101})
	require.NoError(t, b.Modify(ctx, first.Ticket, 1.1, 1.104))
	positions, _ := b.OpenPositions(ctx, "")
	require.Len(t, positions, 1)
	assert.Equal(t, 1.1, positions[0].StopLoss)

	// 其他品种的K线不影响持仓
	b.SetBar("USDJPY", models.Bar{High: 200, Low: 0.5, Close: 150})
	positions, _ = b.OpenPositions(ctx, "")
	assert.Len(t, positions, 1)
}
