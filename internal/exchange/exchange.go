package exchange

import (
	"context"
	"time"

	"grid-trader-go/internal/models"

	"github.com/pkg/errors"
)

// ErrUnknownTicket 经纪商找不到对应的订单或持仓
var ErrUnknownTicket = errors.New("unknown ticket")

// Action 交易请求的动作
type Action string

const (
	ActionPending Action = "pending" // 挂单
	ActionDeal    Action = "deal"    // 市价成交
	ActionRemove  Action = "remove"  // 撤销挂单
)

// TimePolicyGTC 挂单一直有效直到成交或撤销
const TimePolicyGTC = "GTC"

// TradeRequest 发送给经纪商的交易请求
type TradeRequest struct {
	Action     Action           `json:"action"`
	Symbol     string           `json:"symbol"`
	Volume     float64          `json:"volume"`
	Kind       models.OrderKind `json:"kind"`
	Price      float64          `json:"price"`
	StopLoss   float64          `json:"sl"`
	TakeProfit float64          `json:"tp"`
	TimePolicy string           `json:"time_policy"`
	ClientID   string           `json:"client_id"`
}

// Ack 经纪商对请求的确认
type Ack struct {
	Ticket int64   `json:"ticket"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// PendingOrder 经纪商侧尚未触发的挂单
type PendingOrder struct {
	Ticket     int64            `json:"ticket"`
	Symbol     string           `json:"symbol"`
	Kind       models.OrderKind `json:"kind"`
	Volume     float64          `json:"volume"`
	Price      float64          `json:"price"`
	StopLoss   float64          `json:"sl"`
	TakeProfit float64          `json:"tp"`
}

// Position 经纪商侧的持仓, Ticket 与开仓订单相同
type Position struct {
	Ticket     int64            `json:"ticket"`
	Symbol     string           `json:"symbol"`
	Kind       models.OrderKind `json:"kind"`
	Volume     float64          `json:"volume"`
	OpenPrice  float64          `json:"open_price"`
	OpenTime   time.Time        `json:"open_time"`
	StopLoss   float64          `json:"sl"`
	TakeProfit float64          `json:"tp"`
}

// DealEntry 成交方向: 开仓或平仓
type DealEntry string

const (
	DealIn  DealEntry = "in"
	DealOut DealEntry = "out"
)

// DealReason 平仓原因
type DealReason string

const (
	ReasonClient DealReason = "client"
	ReasonSL     DealReason = "sl"
	ReasonTP     DealReason = "tp"
)

// Deal 历史成交记录
type Deal struct {
	Ticket int64      `json:"ticket"`
	Symbol string     `json:"symbol"`
	Entry  DealEntry  `json:"entry"`
	Reason DealReason `json:"reason"`
	Price  float64    `json:"price"`
	Volume float64    `json:"volume"`
	Time   time.Time  `json:"time"`
}

// Broker 定义了订单管理器在经纪商模式下需要的全部方法。
// 有经纪商时, 成交与平仓以经纪商上报的挂单、持仓和成交历史为准, 不再用K线模拟。
type Broker interface {
	Submit(ctx context.Context, req TradeRequest) (Ack, error)
	Cancel(ctx context.Context, ticket int64) error
	Modify(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error
	PendingOrders(ctx context.Context, symbol string) ([]PendingOrder, error)
	OpenPositions(ctx context.Context, symbol string) ([]Position, error)
	Deals(ctx context.Context, ticket int64) ([]Deal, error)
}
