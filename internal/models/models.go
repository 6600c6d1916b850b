package models

import (
	"fmt"
	"math"
	"strings"
)

// Config 结构体定义了引擎的所有配置参数
type Config struct {
	DBPath      string `json:"db_path" yaml:"db_path"`           // BadgerDB 状态快照目录
	JournalPath string `json:"journal_path" yaml:"journal_path"` // SQLite 订单流水文件
	APIAddr     string `json:"api_addr" yaml:"api_addr"`         // 状态接口监听地址, 为空则不启动

	Risk       RiskConfig              `json:"risk" yaml:"risk"`
	Regen      RegenConfig             `json:"regen" yaml:"regen"`
	Signal     SignalConfig            `json:"signal" yaml:"signal"`
	Strategies StrategyConfig          `json:"strategies" yaml:"strategies"`
	Recenter   RecenterConfig          `json:"recenter" yaml:"recenter"`
	Symbols    map[string]SymbolConfig `json:"symbols" yaml:"symbols"`
	Feed       FeedConfig              `json:"feed" yaml:"feed"`
	Backtest   BacktestConfig          `json:"backtest" yaml:"backtest"`
	LogConfig  LogConfig               `json:"log" yaml:"log"`
}

// RiskConfig 风控参数
type RiskConfig struct {
	DefaultRiskPerTrade  float64 `json:"default_risk_per_trade" yaml:"default_risk_per_trade"`   // 单笔订单默认风险金额 (账户货币)
	MaxAccountRiskPct    float64 `json:"max_account_risk_pct" yaml:"max_account_risk_pct"`       // 单笔风险占余额的上限百分比, 超出仅告警
	Leverage             string  `json:"leverage" yaml:"leverage"`                               // 杠杆, 格式 "1:N"
	InitialBalance       float64 `json:"initial_balance" yaml:"initial_balance"`                 // 初始账户余额
	MarginCapRatio       float64 `json:"margin_cap_ratio" yaml:"margin_cap_ratio"`               // 计算手数时保证金占余额的上限
	OpenTradeMarginRatio float64 `json:"open_trade_margin_ratio" yaml:"open_trade_margin_ratio"` // 开仓检查时保证金占余额的上限
	PipMultiplier        float64 `json:"pip_multiplier" yaml:"pip_multiplier"`                   // 普通品种 1 pip = N 个 point
}

// RegenConfig 止损后订单再生参数
type RegenConfig struct {
	MaxAttempts        int       `json:"max_attempts" yaml:"max_attempts"`
	CooldownBars       int       `json:"cooldown_bars" yaml:"cooldown_bars"`
	BarDurationSec     float64   `json:"bar_duration_sec" yaml:"bar_duration_sec"`
	CooldownMode       string    `json:"cooldown_mode" yaml:"cooldown_mode"` // "wall_clock" 或 "bar_count"
	DefaultWidenFactor float64   `json:"default_widen_factor" yaml:"default_widen_factor"`
	WidenFactors       []float64 `json:"widen_factors" yaml:"widen_factors"` // 按再生次数索引的 SL/TP 放宽系数
}

const (
	CooldownWallClock = "wall_clock"
	CooldownBarCount  = "bar_count"
)

// WidenFactor 返回第 attempt 次再生使用的放宽系数
func (c RegenConfig) WidenFactor(attempt int) float64 {
	if attempt >= 0 && attempt < len(c.WidenFactors) && c.WidenFactors[attempt] > 0 {
		return c.WidenFactors[attempt]
	}
	return c.DefaultWidenFactor
}

// SignalConfig 信号路由使用的指标周期与阈值
type SignalConfig struct {
	ATRPeriod                   int     `json:"atr_period" yaml:"atr_period"`
	ATRMedianPeriods            int     `json:"atr_median_periods" yaml:"atr_median_periods"`
	ATRHighVolFactor            float64 `json:"atr_high_vol_factor" yaml:"atr_high_vol_factor"`
	ATRLowVolFactor             float64 `json:"atr_low_vol_factor" yaml:"atr_low_vol_factor"`
	EMAShortPeriod              int     `json:"ema_short_period" yaml:"ema_short_period"`
	EMALongPeriod               int     `json:"ema_long_period" yaml:"ema_long_period"`
	ADXPeriod                   int     `json:"adx_period" yaml:"adx_period"`
	ADXTrendThreshold           float64 `json:"adx_trend_threshold" yaml:"adx_trend_threshold"`
	StrongTrendADXMargin        float64 `json:"strong_trend_adx_margin" yaml:"strong_trend_adx_margin"`
	WeakTrendEMAGap             float64 `json:"weak_trend_ema_gap" yaml:"weak_trend_ema_gap"`
	BBPeriod                    int     `json:"bb_period" yaml:"bb_period"`
	BBStdDev                    float64 `json:"bb_std_dev" yaml:"bb_std_dev"`
	BBRangeWidthThreshold       float64 `json:"bb_range_width_threshold" yaml:"bb_range_width_threshold"`
	SwingProximityATRMultiplier float64 `json:"swing_proximity_atr_multiplier" yaml:"swing_proximity_atr_multiplier"`
	SwingLookbackBars           int     `json:"swing_lookback_bars" yaml:"swing_lookback_bars"`
	SwingNBars                  int     `json:"swing_n_bars" yaml:"swing_n_bars"`
}

func (c SignalConfig) ATRColumn() string      { return fmt.Sprintf("ATR_%d", c.ATRPeriod) }
func (c SignalConfig) EMAShortColumn() string { return fmt.Sprintf("EMA_%d", c.EMAShortPeriod) }
func (c SignalConfig) EMALongColumn() string  { return fmt.Sprintf("EMA_%d", c.EMALongPeriod) }
func (c SignalConfig) ADXColumn() string      { return fmt.Sprintf("ADX_%d", c.ADXPeriod) }
func (c SignalConfig) PlusDIColumn() string   { return fmt.Sprintf("+DI_%d", c.ADXPeriod) }
func (c SignalConfig) MinusDIColumn() string  { return fmt.Sprintf("-DI_%d", c.ADXPeriod) }

// BollingerColumns 返回 upper, mid, lower 三条布林带列名
func (c SignalConfig) BollingerColumns() (string, string, string) {
	return BollingerColumnNames(c.BBPeriod, c.BBStdDev)
}

// BollingerColumnNames 例如 (20, 2) -> BB_Upper_20_2, BB_Mid_20_2, BB_Lower_20_2
func BollingerColumnNames(period int, stdDev float64) (string, string, string) {
	suffix := fmt.Sprintf("%d_%g", period, stdDev)
	return "BB_Upper_" + suffix, "BB_Mid_" + suffix, "BB_Lower_" + suffix
}

// StrategyConfig 各网格策略的参数
type StrategyConfig struct {
	Volatility VolatilityParams `json:"volatility" yaml:"volatility"`
	Static     StaticParams     `json:"static" yaml:"static"`
	Dual       DualParams       `json:"dual" yaml:"dual"`
	Pyramid    PyramidParams    `json:"pyramid" yaml:"pyramid"`
	Structure  StructureParams  `json:"structure" yaml:"structure"`
	Range      RangeParams      `json:"range" yaml:"range"`
}

type VolatilityParams struct {
	NumLevels     int     `json:"num_levels" yaml:"num_levels"`
	ATRMultiplier float64 `json:"atr_multiplier" yaml:"atr_multiplier"`
}

type StaticParams struct {
	NumGridLines        int     `json:"num_grid_lines" yaml:"num_grid_lines"`
	UseBaseTPForAll     bool    `json:"use_base_tp_for_all" yaml:"use_base_tp_for_all"`
	IndividualTPRRRatio float64 `json:"individual_tp_rr_ratio" yaml:"individual_tp_rr_ratio"`
}

type DualParams struct {
	NumBreakoutLevels     int     `json:"num_breakout_levels" yaml:"num_breakout_levels"`
	NumReversalLevels     int     `json:"num_reversal_levels" yaml:"num_reversal_levels"`
	ATRMultiplierBreakout float64 `json:"atr_multiplier_breakout" yaml:"atr_multiplier_breakout"`
	ATRMultiplierReversal float64 `json:"atr_multiplier_reversal" yaml:"atr_multiplier_reversal"`
	SLATRMultiplier       float64 `json:"sl_atr_multiplier" yaml:"sl_atr_multiplier"`
	TPATRMultiplier       float64 `json:"tp_atr_multiplier" yaml:"tp_atr_multiplier"`
}

type PyramidParams struct {
	NumLevels            int     `json:"num_levels" yaml:"num_levels"`
	ATRMultiplierSpacing float64 `json:"atr_multiplier_spacing" yaml:"atr_multiplier_spacing"`
	SLAtPreviousLevel    bool    `json:"sl_at_previous_level" yaml:"sl_at_previous_level"`
	SLATRMultiplier      float64 `json:"sl_atr_multiplier" yaml:"sl_atr_multiplier"`
	TPATRMultiplier      float64 `json:"tp_atr_multiplier" yaml:"tp_atr_multiplier"`
}

type StructureParams struct {
	NumSwingLevels           int     `json:"num_swing_levels" yaml:"num_swing_levels"`
	EntryBufferATRMultiplier float64 `json:"entry_buffer_atr_multiplier" yaml:"entry_buffer_atr_multiplier"`
	SLATRMultiplier          float64 `json:"sl_atr_multiplier" yaml:"sl_atr_multiplier"`
	TPATRMultiplier          float64 `json:"tp_atr_multiplier" yaml:"tp_atr_multiplier"`
	SwingNBars               int     `json:"swing_n_bars" yaml:"swing_n_bars"`
}

type RangeParams struct {
	NumGridLinesPerSide   int     `json:"num_grid_lines_per_side" yaml:"num_grid_lines_per_side"`
	Method                string  `json:"method" yaml:"method"` // "bollinger" 或 "recent_high_low"
	BBPeriod              int     `json:"bb_period" yaml:"bb_period"`
	BBStdDev              float64 `json:"bb_std_dev" yaml:"bb_std_dev"`
	RecentHLPeriod        int     `json:"recent_hl_period" yaml:"recent_hl_period"`
	SpacingFraction       float64 `json:"spacing_fraction" yaml:"spacing_fraction"`
	SLBufferATRMultiplier float64 `json:"sl_buffer_atr_multiplier" yaml:"sl_buffer_atr_multiplier"`
	TPTargetOtherSide     bool    `json:"tp_target_other_side" yaml:"tp_target_other_side"`
	TPATRMultiplier       float64 `json:"tp_atr_multiplier" yaml:"tp_atr_multiplier"`
}

// RecenterConfig 网格偏离检测
type RecenterConfig struct {
	Enabled         bool    `json:"enabled" yaml:"enabled"`
	MaxDeviationPct float64 `json:"max_deviation_pct" yaml:"max_deviation_pct"`
	MaxDeviationATR float64 `json:"max_deviation_atr" yaml:"max_deviation_atr"`
}

// SymbolConfig 定义了单个品种的交易参数
type SymbolConfig struct {
	PipValuePerLot                float64 `json:"pip_value_per_lot" yaml:"pip_value_per_lot"` // 每手每 pip 价值 (账户货币)
	MinLotSize                    float64 `json:"min_lot_size" yaml:"min_lot_size"`
	LotStep                       float64 `json:"lot_step" yaml:"lot_step"`
	Decimals                      int     `json:"decimals" yaml:"decimals"`       // 报价小数位
	PointValue                    float64 `json:"point_value" yaml:"point_value"` // 最小报价单位, 缺省为 10^-decimals
	ContractSize                  float64 `json:"contract_size" yaml:"contract_size"`
	IsCFDOrMetal                  bool    `json:"is_cfd_or_metal" yaml:"is_cfd_or_metal"`
	BaseCurrencyIsAccountCurrency bool    `json:"base_currency_is_account_currency" yaml:"base_currency_is_account_currency"`
}

const DefaultContractSize = 100000

// Point 返回最小报价单位
func (s SymbolConfig) Point() float64 {
	if s.PointValue > 0 {
		return s.PointValue
	}
	return math.Pow10(-s.Decimals)
}

// Contract 返回合约乘数
func (s SymbolConfig) Contract() float64 {
	if s.ContractSize > 0 {
		return s.ContractSize
	}
	return DefaultContractSize
}

// MissingFields 返回缺失 (未配置或非正) 的必填字段
func (s SymbolConfig) MissingFields() []string {
	var missing []string
	if s.PipValuePerLot <= 0 {
		missing = append(missing, "pip_value_per_lot")
	}
	if s.MinLotSize <= 0 {
		missing = append(missing, "min_lot_size")
	}
	if s.LotStep <= 0 {
		missing = append(missing, "lot_step")
	}
	if s.Decimals < 0 {
		missing = append(missing, "decimals")
	}
	return missing
}

// FeedConfig 实时K线数据流配置
type FeedConfig struct {
	WSURL           string `json:"ws_url" yaml:"ws_url"`
	Symbol          string `json:"symbol" yaml:"symbol"`
	Interval        string `json:"interval" yaml:"interval"`
	PingIntervalSec int    `json:"ping_interval_sec" yaml:"ping_interval_sec"`
	PongTimeoutSec  int    `json:"pong_timeout_sec" yaml:"pong_timeout_sec"`
}

// BacktestConfig 回测时基础交易的构造方式
type BacktestConfig struct {
	Symbol        string  `json:"symbol" yaml:"symbol"`
	Direction     string  `json:"direction" yaml:"direction"`
	WarmupBars    int     `json:"warmup_bars" yaml:"warmup_bars"`
	SLATRMultiple float64 `json:"sl_atr_multiple" yaml:"sl_atr_multiple"`
	TPATRMultiple float64 `json:"tp_atr_multiple" yaml:"tp_atr_multiple"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}

// DefaultConfig 返回一份带默认值的配置, 配置文件中的字段会覆盖这些值
func DefaultConfig() *Config {
	return &Config{
		DBPath:      "data/state",
		JournalPath: "data/journal.db",
		Risk: RiskConfig{
			DefaultRiskPerTrade:  10,
			MaxAccountRiskPct:    2,
			Leverage:             "1:100",
			InitialBalance:       10000,
			MarginCapRatio:       0.5,
			OpenTradeMarginRatio: 0.8,
			PipMultiplier:        10,
		},
		Regen: RegenConfig{
			MaxAttempts:        3,
			CooldownBars:       5,
			BarDurationSec:     60,
			CooldownMode:       CooldownWallClock,
			DefaultWidenFactor: 1.2,
			WidenFactors:       []float64{1.2, 1.5, 2.0},
		},
		Signal: SignalConfig{
			ATRPeriod:                   14,
			ATRMedianPeriods:            50,
			ATRHighVolFactor:            1.5,
			ATRLowVolFactor:             0.7,
			EMAShortPeriod:              12,
			EMALongPeriod:               26,
			ADXPeriod:                   14,
			ADXTrendThreshold:           25,
			StrongTrendADXMargin:        5,
			WeakTrendEMAGap:             0.001,
			BBPeriod:                    20,
			BBStdDev:                    2,
			BBRangeWidthThreshold:       0.03,
			SwingProximityATRMultiplier: 0.5,
			SwingLookbackBars:           50,
			SwingNBars:                  5,
		},
		Strategies: StrategyConfig{
			Volatility: VolatilityParams{NumLevels: 3, ATRMultiplier: 1.0},
			Static:     StaticParams{NumGridLines: 5, UseBaseTPForAll: true, IndividualTPRRRatio: 1.0},
			Dual: DualParams{
				NumBreakoutLevels: 2, NumReversalLevels: 2,
				ATRMultiplierBreakout: 1.0, ATRMultiplierReversal: 0.75,
				SLATRMultiplier: 1.0, TPATRMultiplier: 1.5,
			},
			Pyramid: PyramidParams{
				NumLevels: 3, ATRMultiplierSpacing: 1.0, SLAtPreviousLevel: true,
				SLATRMultiplier: 1.0, TPATRMultiplier: 2.0,
			},
			Structure: StructureParams{
				NumSwingLevels: 3, EntryBufferATRMultiplier: 0.1,
				SLATRMultiplier: 1.0, TPATRMultiplier: 1.5, SwingNBars: 5,
			},
			Range: RangeParams{
				NumGridLinesPerSide: 3, Method: "bollinger", BBPeriod: 20, BBStdDev: 2,
				RecentHLPeriod: 20, SpacingFraction: 0.2, SLBufferATRMultiplier: 0.5,
				TPTargetOtherSide: true, TPATRMultiplier: 1.5,
			},
		},
		Recenter: RecenterConfig{Enabled: true, MaxDeviationPct: 1.0, MaxDeviationATR: 2.0},
		Symbols: map[string]SymbolConfig{
			"EURUSD": {PipValuePerLot: 10, MinLotSize: 0.01, LotStep: 0.01, Decimals: 5, PointValue: 0.00001, ContractSize: 100000},
		},
		Feed: FeedConfig{
			WSURL:           "wss://stream.binance.com:9443",
			Interval:        "1m",
			PingIntervalSec: 30,
			PongTimeoutSec:  60,
		},
		Backtest: BacktestConfig{Direction: "buy", WarmupBars: 150, SLATRMultiple: 2, TPATRMultiple: 4},
		LogConfig: LogConfig{Level: "info", Output: "console", File: "logs/grid.log", MaxSize: 100, MaxBackups: 5, MaxAge: 30},
	}
}

// NormalizeSymbol 统一品种名称为大写
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
