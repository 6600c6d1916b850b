package models

import "time"

// BaseTrade 网格的基础交易构想
type BaseTrade struct {
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	BasePrice float64   `json:"base_price"`
	BaseSL    float64   `json:"base_sl"`
	BaseTP    float64   `json:"base_tp"` // 0 表示不设止盈
	ATR       float64   `json:"atr"`
	BaseLots  float64   `json:"base_lots,omitempty"`
}

// ActiveGrid 一组由同一策略生成的订单
type ActiveGrid struct {
	ID                string    `json:"id"`
	Strategy          string    `json:"strategy"`
	Reason            string    `json:"reason"`
	Base              BaseTrade `json:"base"`
	OrderIDs          []string  `json:"order_ids"`
	CreatedAt         time.Time `json:"created_at"`
	Active            bool      `json:"active"`
	RecenterSuggested bool      `json:"recenter_suggested"`
}

// CooldownMark 槽位最近一次再生事件的时间
type CooldownMark struct {
	At     time.Time `json:"at"`
	Update int64     `json:"update"` // 发生时的行情更新序号
}

// EngineState 定义了需要持久化的所有关键数据
type EngineState struct {
	Version            int                     `json:"version"` // 状态模型的版本号，用于未来迁移
	Orders             []Order                 `json:"orders"`
	RegenerationCounts map[string]int          `json:"regeneration_counts"`
	Grids              []ActiveGrid            `json:"grids"`
	Cooldowns          map[string]CooldownMark `json:"cooldowns"`
	Deferred           []string                `json:"deferred"` // 等待再生的止损订单
	UpdateSeq          int64                   `json:"update_seq"`
	Balance            float64                 `json:"balance"`
	LastUpdateTime     time.Time               `json:"last_update_time"` // 状态最后更新的时间戳
}

const EngineStateVersion = 1

// Clone 深拷贝状态, 供并发读取与异步持久化使用
func (s *EngineState) Clone() *EngineState {
	if s == nil {
		return nil
	}
	c := *s
	c.Orders = append([]Order(nil), s.Orders...)
	c.Deferred = append([]string(nil), s.Deferred...)
	c.Grids = make([]ActiveGrid, len(s.Grids))
	for i, g := range s.Grids {
		g.OrderIDs = append([]string(nil), g.OrderIDs...)
		c.Grids[i] = g
	}
	c.RegenerationCounts = make(map[string]int, len(s.RegenerationCounts))
	for k, v := range s.RegenerationCounts {
		c.RegenerationCounts[k] = v
	}
	c.Cooldowns = make(map[string]CooldownMark, len(s.Cooldowns))
	for k, v := range s.Cooldowns {
		c.Cooldowns[k] = v
	}
	return &c
}
