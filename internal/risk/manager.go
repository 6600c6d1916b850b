package risk

import (
	"strconv"
	"strings"
	"sync"

	"grid-trader-go/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrUnknownSymbol is returned when no configuration exists for a symbol.
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrSymbolConfig is returned when a symbol lacks a required field.
	ErrSymbolConfig = errors.New("incomplete symbol configuration")
)

const defaultLeverage = 100

// SymbolProvider resolves per-symbol trading parameters.
type SymbolProvider interface {
	Lookup(symbol string) (models.SymbolConfig, bool)
}

// Symbols is a static symbol table keyed by upper-case symbol.
type Symbols map[string]models.SymbolConfig

func (s Symbols) Lookup(symbol string) (models.SymbolConfig, bool) {
	sc, ok := s[models.NormalizeSymbol(symbol)]
	return sc, ok
}

// Manager sizes orders against a risk budget and checks margin headroom.
type Manager struct {
	cfg      models.RiskConfig
	symbols  SymbolProvider
	leverage float64
	logger   *zap.Logger

	mu      sync.RWMutex
	balance float64
}

// NewManager creates a risk manager with the configured initial balance.
func NewManager(cfg models.RiskConfig, symbols SymbolProvider, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		symbols: symbols,
		logger:  logger,
		balance: cfg.InitialBalance,
	}
	m.leverage = ParseLeverage(cfg.Leverage, logger)
	return m
}

// ParseLeverage parses "1:N" into N. Malformed input logs an error and yields 100.
func ParseLeverage(s string, logger *zap.Logger) float64 {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) == 2 && strings.TrimSpace(parts[0]) == "1" {
		if n, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err == nil && n > 0 {
			return n
		}
	}
	logger.Error("Invalid leverage format, using default",
		zap.String("leverage", s), zap.Int("default", defaultLeverage))
	return defaultLeverage
}

// Leverage returns the parsed account leverage.
func (m *Manager) Leverage() float64 { return m.leverage }

// Balance returns the current account balance.
func (m *Manager) Balance() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance
}

// UpdateBalance replaces the account balance.
func (m *Manager) UpdateBalance(balance float64) {
	m.mu.Lock()
	m.balance = balance
	m.mu.Unlock()
	m.logger.Debug("Balance updated", zap.Float64("balance", balance))
}

// DefaultRisk returns the configured risk amount per order.
func (m *Manager) DefaultRisk() float64 { return m.cfg.DefaultRiskPerTrade }

// SymbolConfig returns the validated configuration for symbol.
func (m *Manager) SymbolConfig(symbol string) (models.SymbolConfig, error) {
	sc, ok := m.symbols.Lookup(symbol)
	if !ok {
		return models.SymbolConfig{}, errors.Wrapf(ErrUnknownSymbol, "symbol %s", symbol)
	}
	if missing := sc.MissingFields(); len(missing) > 0 {
		return models.SymbolConfig{}, errors.Wrapf(ErrSymbolConfig, "symbol %s missing %s", symbol, strings.Join(missing, ", "))
	}
	return sc, nil
}

// PipUnit returns the price distance of one pip for symbol.
func (m *Manager) PipUnit(symbol string) (float64, error) {
	sc, err := m.SymbolConfig(symbol)
	if err != nil {
		return 0, err
	}
	return m.pipUnit(symbol, sc).InexactFloat64(), nil
}

func (m *Manager) pipUnit(symbol string, sc models.SymbolConfig) decimal.Decimal {
	upper := strings.ToUpper(symbol)
	if strings.Contains(upper, "JPY") {
		if sc.Decimals < 1 {
			return decimal.New(1, -2)
		}
		return decimal.New(1, int32(-(sc.Decimals - 1)))
	}
	point := decimal.NewFromFloat(sc.Point())
	if sc.IsCFDOrMetal || isCFDSymbol(upper) {
		return point
	}
	multiplier := m.cfg.PipMultiplier
	if multiplier <= 0 {
		multiplier = 10
	}
	return point.Mul(decimal.NewFromFloat(multiplier))
}

func isCFDSymbol(upper string) bool {
	for _, marker := range []string{"XAU", "XAG", "OIL", "IDX"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// CalculateLotSize returns the largest lot-step multiple whose stop-loss loss fits riskAmount.
// A zero balance means the manager's current balance. Policy rejections yield 0 with a nil
// error; only configuration problems return an error.
func (m *Manager) CalculateLotSize(symbol string, entry, stopLoss, riskAmount, balance float64) (float64, error) {
	if entry == stopLoss || riskAmount <= 0 {
		return 0, nil
	}
	sc, err := m.SymbolConfig(symbol)
	if err != nil {
		return 0, err
	}
	if balance <= 0 {
		balance = m.Balance()
	}
	log := m.logger.With(zap.String("symbol", symbol), zap.Float64("entry", entry), zap.Float64("sl", stopLoss))

	distance := decimal.NewFromFloat(entry).Sub(decimal.NewFromFloat(stopLoss)).Round(int32(sc.Decimals + 1)).Abs()
	if distance.IsZero() {
		return 0, nil
	}
	pips := distance.Div(m.pipUnit(symbol, sc))
	valueAtRisk := pips.Mul(decimal.NewFromFloat(sc.PipValuePerLot))
	if !valueAtRisk.IsPositive() {
		return 0, nil
	}

	step := decimal.NewFromFloat(sc.LotStep)
	minLot := decimal.NewFromFloat(sc.MinLotSize)
	raw := decimal.NewFromFloat(riskAmount).Div(valueAtRisk)
	lots := raw.Div(step).Floor().Mul(step)
	if lots.LessThan(minLot) {
		if raw.LessThan(minLot) {
			log.Debug("Risk budget below minimum lot", zap.String("raw_lots", raw.String()))
			return 0, nil
		}
		lots = minLot
	}

	margin := m.margin(symbol, sc, lots.InexactFloat64(), entry, log)
	actualRisk := lots.Mul(valueAtRisk).InexactFloat64()
	if limit := balance * m.cfg.MaxAccountRiskPct / 100; m.cfg.MaxAccountRiskPct > 0 && actualRisk > limit {
		log.Warn("Order risk exceeds account risk limit",
			zap.Float64("risk", actualRisk), zap.Float64("limit", limit))
	}
	if margin > balance || margin > m.marginCapRatio()*balance {
		log.Warn("Required margin exceeds cap, rejecting size",
			zap.Float64("margin", margin), zap.Float64("balance", balance))
		return 0, nil
	}

	return lots.Round(stepPlaces(step)).InexactFloat64(), nil
}

// CanOpenTrade reports whether the margin for lots at entry stays under the open-trade cap.
func (m *Manager) CanOpenTrade(symbol string, lots, entry float64) (bool, error) {
	if lots <= 0 {
		return false, nil
	}
	sc, err := m.SymbolConfig(symbol)
	if err != nil {
		return false, err
	}
	balance := m.Balance()
	log := m.logger.With(zap.String("symbol", symbol))
	margin := m.margin(symbol, sc, lots, entry, log)
	ratio := m.cfg.OpenTradeMarginRatio
	if ratio <= 0 {
		ratio = 0.8
	}
	if margin > ratio*balance {
		log.Warn("Insufficient free margin",
			zap.Float64("lots", lots), zap.Float64("margin", margin), zap.Float64("balance", balance))
		return false, nil
	}
	return true, nil
}

// margin returns nominal / leverage, converting the nominal into account currency.
func (m *Manager) margin(symbol string, sc models.SymbolConfig, lots, entry float64, log *zap.Logger) float64 {
	nominal := lots * sc.Contract()
	if !sc.BaseCurrencyIsAccountCurrency {
		upper := strings.ToUpper(symbol)
		switch {
		case strings.HasPrefix(upper, "USD"):
		case strings.HasSuffix(upper, "USD"):
			nominal *= entry
		default:
			log.Warn("Cross pair margin is not converted to account currency")
		}
	}
	return nominal / m.leverage
}

func (m *Manager) marginCapRatio() float64 {
	if m.cfg.MarginCapRatio > 0 {
		return m.cfg.MarginCapRatio
	}
	return 0.5
}

// ProfitFor values a closed order's realized move in account currency.
func (m *Manager) ProfitFor(o *models.Order) (float64, error) {
	if !o.IsFilled() || o.ClosePrice == 0 {
		return 0, nil
	}
	sc, err := m.SymbolConfig(o.Symbol)
	if err != nil {
		return 0, err
	}
	move := decimal.NewFromFloat(o.ClosePrice).Sub(decimal.NewFromFloat(o.FillPrice))
	if o.Kind.IsSell() {
		move = move.Neg()
	}
	pnl := move.Div(m.pipUnit(o.Symbol, sc)).
		Mul(decimal.NewFromFloat(sc.PipValuePerLot)).
		Mul(decimal.NewFromFloat(o.LotSize))
	return pnl.Round(2).InexactFloat64(), nil
}

func stepPlaces(step decimal.Decimal) int32 {
	if exp := step.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}
