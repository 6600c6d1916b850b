package models

import (
	"fmt"
	"math"
	"time"
)

// Direction 基础交易方向
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Valid 方向是否合法
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// OrderKind 订单类型
type OrderKind string

const (
	BuyLimit   OrderKind = "BUY_LIMIT"
	SellLimit  OrderKind = "SELL_LIMIT"
	BuyStop    OrderKind = "BUY_STOP"
	SellStop   OrderKind = "SELL_STOP"
	MarketBuy  OrderKind = "MARKET_BUY"
	MarketSell OrderKind = "MARKET_SELL"
)

// Valid 是否为已知的订单类型
func (k OrderKind) Valid() bool {
	switch k {
	case BuyLimit, SellLimit, BuyStop, SellStop, MarketBuy, MarketSell:
		return true
	}
	return false
}

// IsBuy 多头类订单 (包括市价买入)
func (k OrderKind) IsBuy() bool {
	return k == BuyLimit || k == BuyStop || k == MarketBuy
}

// IsSell 空头类订单 (包括市价卖出)
func (k OrderKind) IsSell() bool {
	return k == SellLimit || k == SellStop || k == MarketSell
}

// IsMarket 市价单在下单时立即成交
func (k OrderKind) IsMarket() bool {
	return k == MarketBuy || k == MarketSell
}

// CheckLevels 校验挂单的止损止盈方向: 多单 entry > sl 且 (tp == 0 或 tp > entry), 空单相反
func (k OrderKind) CheckLevels(entry, sl, tp float64) error {
	switch {
	case k.IsBuy():
		if entry <= sl {
			return fmt.Errorf("%s stop loss %g not below entry %g", k, sl, entry)
		}
		if tp != 0 && tp <= entry {
			return fmt.Errorf("%s take profit %g not above entry %g", k, tp, entry)
		}
	case k.IsSell():
		if entry >= sl {
			return fmt.Errorf("%s stop loss %g not above entry %g", k, sl, entry)
		}
		if tp != 0 && tp >= entry {
			return fmt.Errorf("%s take profit %g not below entry %g", k, tp, entry)
		}
	default:
		return fmt.Errorf("unknown order kind %q", k)
	}
	return nil
}

// FillPrice 判断挂单在这根K线上是否成交, 成交价不优于入场价之外看到的最差价格
func (k OrderKind) FillPrice(entry float64, bar Bar) (float64, bool) {
	switch k {
	case BuyStop:
		if bar.High >= entry {
			return math.Max(entry, bar.Low), true
		}
	case SellStop:
		if bar.Low <= entry {
			return math.Min(entry, bar.High), true
		}
	case BuyLimit:
		if bar.Low <= entry {
			return math.Min(entry, bar.High), true
		}
	case SellLimit:
		if bar.High >= entry {
			return math.Max(entry, bar.Low), true
		}
	case MarketBuy, MarketSell:
		// 市价单按开盘价成交, 缺少开盘价时用收盘价
		if bar.Open > 0 {
			return bar.Open, true
		}
		if bar.Close > 0 {
			return bar.Close, true
		}
	}
	return 0, false
}

// ExitFor 检查持仓是否在这根K线上平仓. 止损先于止盈判断
func (k OrderKind) ExitFor(sl, tp float64, bar Bar) (OrderStatus, float64, bool) {
	if k.IsBuy() {
		if sl != 0 && bar.Low <= sl {
			return StatusStoppedOut, sl, true
		}
		if tp != 0 && bar.High >= tp {
			return StatusTPHit, tp, true
		}
	} else if k.IsSell() {
		if sl != 0 && bar.High >= sl {
			return StatusStoppedOut, sl, true
		}
		if tp != 0 && bar.Low <= tp {
			return StatusTPHit, tp, true
		}
	}
	return "", 0, false
}

// OrderStatus 订单生命周期状态
type OrderStatus string

const (
	StatusPending    OrderStatus = "PENDING"
	StatusActive     OrderStatus = "ACTIVE"
	StatusFilled     OrderStatus = "FILLED"
	StatusCancelled  OrderStatus = "CANCELLED"
	StatusStoppedOut OrderStatus = "STOPPED_OUT"
	StatusTPHit      OrderStatus = "TP_HIT"
	StatusClosed     OrderStatus = "CLOSED"
)

// IsTerminal 终态订单不再参与任何检查
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusCancelled, StatusStoppedOut, StatusTPHit, StatusClosed:
		return true
	}
	return false
}

// IsOpen 已成交持仓中 (ACTIVE 与 FILLED 等价)
func (s OrderStatus) IsOpen() bool {
	return s == StatusActive || s == StatusFilled
}

// Order 一笔被引擎跟踪的订单
type Order struct {
	ID                   string      `json:"id"`
	Symbol               string      `json:"symbol"`
	Kind                 OrderKind   `json:"kind"`
	EntryPrice           float64     `json:"entry_price"`
	StopLoss             float64     `json:"stop_loss"`
	TakeProfit           float64     `json:"take_profit"` // 0 表示不设止盈
	LotSize              float64     `json:"lot_size"`
	Status               OrderStatus `json:"status"`
	GridID               string      `json:"grid_id,omitempty"`
	SlotID               string      `json:"slot_id"` // 再生链的首笔订单ID
	Tag                  string      `json:"tag,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
	FilledAt             time.Time   `json:"filled_at,omitempty"`
	FillPrice            float64     `json:"fill_price,omitempty"`
	ClosedAt             time.Time   `json:"closed_at,omitempty"`
	ClosePrice           float64     `json:"close_price,omitempty"`
	RegenerationAttempts int         `json:"regeneration_attempts"`
	InitialStopLoss      float64     `json:"initial_stop_loss"`
	InitialTakeProfit    float64     `json:"initial_take_profit"`
	RealizedPnL          float64     `json:"realized_pnl"`
	BrokerTicket         int64       `json:"broker_ticket,omitempty"`
	ClientOrderID        string      `json:"client_order_id,omitempty"`
}

// IsFilled 是否已记录成交
func (o *Order) IsFilled() bool {
	return !o.FilledAt.IsZero()
}

// OrderSpec 策略生成的下单请求
type OrderSpec struct {
	Symbol     string    `json:"symbol"`
	Kind       OrderKind `json:"kind"`
	Entry      float64   `json:"entry"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	LotSize    float64   `json:"lot_size"`
	Tag        string    `json:"tag,omitempty"`

	// 再生时携带的槽位信息
	GridID         string `json:"grid_id,omitempty"`
	SlotID         string `json:"slot_id,omitempty"`
	IsRegeneration bool   `json:"is_regeneration,omitempty"`
}
