// Package strategy expands a base trade into a ladder of conditional orders. Each strategy
// is built from the same validated base and is keyed by the name the signal router returns.
package strategy

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"grid-trader-go/internal/models"
	"grid-trader-go/internal/signal"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInvalidBaseTrade is returned when the base trade cannot anchor a grid.
	ErrInvalidBaseTrade = errors.New("invalid base trade")
	// ErrUnknownStrategy is returned for names missing from the registry.
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// Strategy generates order specs. Generate is idempotent.
type Strategy interface {
	Name() string
	Generate() ([]models.OrderSpec, error)
}

// Sizer converts a stop distance into a lot size.
type Sizer interface {
	CalculateLotSize(symbol string, entry, stopLoss, riskAmount, balance float64) (float64, error)
	DefaultRisk() float64
}

// SymbolLookup resolves per-symbol configuration.
type SymbolLookup interface {
	Lookup(symbol string) (models.SymbolConfig, bool)
}

// Deps bundles what every strategy constructor needs.
type Deps struct {
	Sizer   Sizer
	Symbols SymbolLookup
	Params  models.StrategyConfig
	Logger  *zap.Logger
}

type constructor func(b Base, p models.StrategyConfig) (Strategy, error)

var registry = map[string]constructor{
	signal.ModelVolatility: func(b Base, p models.StrategyConfig) (Strategy, error) { return NewVolatility(b, p.Volatility), nil },
	signal.ModelStatic:     func(b Base, p models.StrategyConfig) (Strategy, error) { return NewStatic(b, p.Static) },
	signal.ModelDual:       func(b Base, p models.StrategyConfig) (Strategy, error) { return NewDual(b, p.Dual), nil },
	signal.ModelPyramid:    func(b Base, p models.StrategyConfig) (Strategy, error) { return NewPyramid(b, p.Pyramid), nil },
	signal.ModelStructure:  func(b Base, p models.StrategyConfig) (Strategy, error) { return NewStructure(b, p.Structure), nil },
	signal.ModelRange:      func(b Base, p models.StrategyConfig) (Strategy, error) { return NewRange(b, p.Range), nil },
}

// Names lists the registered strategy names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build validates the base trade and constructs the named strategy.
func Build(name string, trade models.BaseTrade, history *models.Series, deps Deps) (Strategy, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStrategy, "strategy %q", name)
	}
	base, err := NewBase(trade, history, deps.Sizer, deps.Symbols, deps.Logger)
	if err != nil {
		return nil, err
	}
	return ctor(base, deps.Params)
}

// Base is the validated input shared by every strategy.
type Base struct {
	Trade    models.BaseTrade
	History  *models.Series
	Decimals int

	sizer  Sizer
	logger *zap.Logger
}

// NewBase validates that symbol, direction, base price, base stop and ATR are all present.
func NewBase(trade models.BaseTrade, history *models.Series, sizer Sizer, symbols SymbolLookup, logger *zap.Logger) (Base, error) {
	if trade.Symbol == "" || trade.Direction == "" || trade.BasePrice == 0 || trade.BaseSL == 0 || trade.ATR == 0 {
		return Base{}, errors.Wrap(ErrInvalidBaseTrade, "symbol, direction, base price, base stop and ATR are required")
	}
	if !trade.Direction.Valid() {
		return Base{}, errors.Wrapf(ErrInvalidBaseTrade, "direction %q", trade.Direction)
	}
	if history == nil {
		history = models.NewSeries(nil)
	}
	return Base{
		Trade:    trade,
		History:  history,
		Decimals: priceDecimals(trade, symbols),
		sizer:    sizer,
		logger:   logger.With(zap.String("symbol", trade.Symbol)),
	}, nil
}

// priceDecimals prefers the configured symbol precision and falls back to a heuristic
// from the base price and symbol family.
func priceDecimals(trade models.BaseTrade, symbols SymbolLookup) int {
	if symbols != nil {
		if sc, ok := symbols.Lookup(trade.Symbol); ok {
			return sc.Decimals
		}
	}
	upper := strings.ToUpper(trade.Symbol)
	isJPY := strings.Contains(upper, "JPY")

	decimals := 4
	s := strconv.FormatFloat(trade.BasePrice, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		decimals = len(s) - i - 1
	} else if isJPY {
		decimals = 2
	}
	switch {
	case strings.Contains(upper, "XAU") || strings.Contains(upper, "XAG"):
		return min(decimals, 2)
	case isJPY:
		return min(decimals, 3)
	}
	return min(decimals, 5)
}

func (b Base) round(v float64) float64 {
	return decimal.NewFromFloat(v).Round(int32(b.Decimals)).InexactFloat64()
}

// point is the smallest price increment at the working precision.
func (b Base) point() float64 {
	return math.Pow10(-b.Decimals)
}

func (b Base) isBuy() bool {
	return b.Trade.Direction == models.DirectionBuy
}

// lot sizes an order with the default risk budget and the current balance.
func (b Base) lot(entry, stopLoss float64) (float64, error) {
	lots, err := b.sizer.CalculateLotSize(b.Trade.Symbol, entry, stopLoss, b.sizer.DefaultRisk(), 0)
	if err != nil {
		return 0, errors.Wrapf(err, "size order at %g", entry)
	}
	return lots, nil
}

func (b Base) spec(kind models.OrderKind, entry, sl, tp, lots float64, tag string) models.OrderSpec {
	return models.OrderSpec{
		Symbol:     b.Trade.Symbol,
		Kind:       kind,
		Entry:      entry,
		StopLoss:   sl,
		TakeProfit: tp,
		LotSize:    lots,
		Tag:        tag,
	}
}

// dedupe keeps the first spec per (kind, entry).
func dedupe(specs []models.OrderSpec, logger *zap.Logger) []models.OrderSpec {
	type key struct {
		kind  models.OrderKind
		entry float64
	}
	seen := make(map[key]struct{}, len(specs))
	out := specs[:0]
	for _, s := range specs {
		k := key{s.Kind, s.Entry}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	if removed := len(specs) - len(out); removed > 0 {
		logger.Warn("Removed duplicate grid levels", zap.Int("removed", removed))
	}
	return out
}

func atLeast(v, floor float64) float64 {
	return math.Max(v, floor)
}
