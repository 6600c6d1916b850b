package backtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"grid-trader-go/internal/indicators"
	"grid-trader-go/internal/models"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrNotEnoughBars 数据不足以完成预热
	ErrNotEnoughBars = errors.New("not enough bars for warmup")
	// ErrNoATR 预热区间末端没有有效的 ATR
	ErrNoATR = errors.New("no valid ATR at end of warmup")
)

// Engine 回测所需的网格引擎接口, StateManager 满足该接口
type Engine interface {
	CreateGrid(ctx context.Context, base models.BaseTrade, history *models.Series) (string, error)
	MarketUpdate(ctx context.Context, bars map[string]models.Bar) error
	GetStateSnapshot() *models.EngineState
}

// Result 一次回测的结果
type Result struct {
	GridID string
	Symbol string
	Start  time.Time
	End    time.Time
	Bars   int
	State  *models.EngineState
}

// Clock 回放时钟, 返回当前回放K线的时间. 注入网格和订单管理器后冷却期按K线时间计算
type Clock struct {
	mu sync.RWMutex
	t  time.Time
}

// Now 返回当前回放时间
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t
}

// Set 推进回放时间
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Option 配置 Runner
type Option func(*Runner)

// WithClock 回放时同步推进 clock
func WithClock(c *Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// Runner 以预热区间构造基础交易并创建网格, 然后逐根回放剩余K线
type Runner struct {
	engine Engine
	cfg    *models.Config
	clock  *Clock
	logger *zap.Logger
}

// NewRunner 创建回测执行器
func NewRunner(engine Engine, cfg *models.Config, logger *zap.Logger, opts ...Option) *Runner {
	r := &Runner{engine: engine, cfg: cfg, logger: logger.Named("backtest")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) tick(t time.Time) {
	if r.clock != nil {
		r.clock.Set(t)
	}
}

// Run 执行回测. 指标只在预热区间上计算, 回放阶段不引入未来数据
func (r *Runner) Run(ctx context.Context, series *models.Series, symbol string) (*Result, error) {
	symbol = models.NormalizeSymbol(symbol)
	warmup := r.cfg.Backtest.WarmupBars
	if warmup <= 0 || series.Len() <= warmup {
		return nil, errors.Wrapf(ErrNotEnoughBars, "have %d bars, warmup %d", series.Len(), warmup)
	}

	history := models.NewSeries(append([]models.Bar(nil), series.Bars[:warmup]...))
	if err := PrepareHistory(history, r.cfg); err != nil {
		return nil, err
	}
	base, err := BuildBaseTrade(history, r.cfg, symbol)
	if err != nil {
		return nil, err
	}

	last, _ := history.Last()
	r.tick(last.Time)
	gridID, err := r.engine.CreateGrid(ctx, base, history)
	if err != nil {
		return nil, errors.Wrap(err, "create grid")
	}
	if gridID == "" {
		r.logger.Warn("No orders placed for base trade, replaying anyway", zap.Any("base", base))
	}

	replay := series.Bars[warmup:]
	r.logger.Info("Replaying bars",
		zap.String("grid", gridID),
		zap.Int("bars", len(replay)),
		zap.Time("from", replay[0].Time))

	for i, bar := range replay {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.tick(bar.Time)
		if err := r.engine.MarketUpdate(ctx, map[string]models.Bar{symbol: bar}); err != nil {
			return nil, errors.Wrapf(err, "market update at bar %d", warmup+i)
		}
	}

	return &Result{
		GridID: gridID,
		Symbol: symbol,
		Start:  replay[0].Time,
		End:    replay[len(replay)-1].Time,
		Bars:   len(replay),
		State:  r.engine.GetStateSnapshot(),
	}, nil
}

// PrepareHistory 写入信号路由所需的指标列, 并补充区间策略使用的布林带参数
func PrepareHistory(history *models.Series, cfg *models.Config) error {
	if err := indicators.Annotate(history, cfg.Signal); err != nil {
		return errors.Wrap(err, "annotate history")
	}
	rp := cfg.Strategies.Range
	if rp.BBPeriod > 0 && (rp.BBPeriod != cfg.Signal.BBPeriod || rp.BBStdDev != cfg.Signal.BBStdDev) {
		if err := indicators.AnnotateBollinger(history, rp.BBPeriod, rp.BBStdDev); err != nil {
			return errors.Wrap(err, "annotate range bollinger")
		}
	}
	return nil
}

// BuildBaseTrade 以最新收盘价为基准价, 止损止盈为 ATR 的倍数
func BuildBaseTrade(history *models.Series, cfg *models.Config, symbol string) (models.BaseTrade, error) {
	last, ok := history.Last()
	if !ok {
		return models.BaseTrade{}, ErrNotEnoughBars
	}
	direction := models.Direction(strings.ToLower(cfg.Backtest.Direction))
	if !direction.Valid() {
		return models.BaseTrade{}, errors.Errorf("invalid backtest direction %q", cfg.Backtest.Direction)
	}
	atr, ok := history.Latest(cfg.Signal.ATRColumn())
	if !ok || atr <= 0 {
		return models.BaseTrade{}, ErrNoATR
	}

	sign := 1.0
	if direction == models.DirectionSell {
		sign = -1
	}
	base := models.BaseTrade{
		Symbol:    models.NormalizeSymbol(symbol),
		Direction: direction,
		BasePrice: last.Close,
		BaseSL:    last.Close - sign*cfg.Backtest.SLATRMultiple*atr,
		ATR:       atr,
	}
	if cfg.Backtest.TPATRMultiple > 0 {
		base.BaseTP = last.Close + sign*cfg.Backtest.TPATRMultiple*atr
	}
	return base, nil
}
