// Package signal classifies market conditions from an indicator-annotated series and picks
// the grid strategy that fits them.
package signal

import (
	"fmt"
	"math"

	"grid-trader-go/internal/indicators"
	"grid-trader-go/internal/models"

	"go.uber.org/zap"
)

// Strategy names returned by the router; they key the strategy registry.
const (
	ModelVolatility = "volatility"
	ModelStatic     = "static"
	ModelDual       = "dual"
	ModelPyramid    = "pyramid"
	ModelStructure  = "structure"
	ModelRange      = "range"
)

type Volatility string

const (
	VolUnknown Volatility = ""
	VolHigh    Volatility = "HIGH"
	VolNormal  Volatility = "NORMAL"
	VolLow     Volatility = "LOW"
)

type Trend string

const (
	TrendUnknown  Trend = ""
	TrendUp       Trend = "UP"
	TrendDown     Trend = "DOWN"
	TrendWeakUp   Trend = "WEAK_UP"
	TrendWeakDown Trend = "WEAK_DOWN"
	TrendNone     Trend = "NONE"
)

// Evaluation is the per-call classification of the latest bar. Nil pointers mean the
// signal could not be evaluated.
type Evaluation struct {
	Volatility    Volatility
	Trend         Trend
	ADX           *float64
	Ranging       *bool
	NearSwingHigh *float64
	NearSwingLow  *float64
}

// Router evaluates volatility, trend, range and structure signals.
type Router struct {
	cfg    models.SignalConfig
	logger *zap.Logger
}

func NewRouter(cfg models.SignalConfig, logger *zap.Logger) *Router {
	return &Router{cfg: cfg, logger: logger}
}

// SelectModel returns the strategy name and a human-readable reason. It is total: every
// input, including an empty history, maps to a strategy.
func (r *Router) SelectModel(base models.BaseTrade, history *models.Series) (string, string) {
	ev := r.Evaluate(base, history)
	summary := ev.String()
	r.logger.Info("Signal evaluation",
		zap.String("symbol", base.Symbol), zap.String("evaluation", summary))

	ranging := ev.Ranging != nil && *ev.Ranging
	strongTrend := (ev.Trend == TrendUp || ev.Trend == TrendDown) &&
		ev.ADX != nil && *ev.ADX > r.cfg.ADXTrendThreshold+r.cfg.StrongTrendADXMargin

	switch {
	case ranging:
		return ModelRange, "Ranging (BB width narrow). " + summary
	case ev.NearSwingHigh != nil && base.Direction == models.DirectionSell:
		return ModelStructure, fmt.Sprintf("Near resistance (%g). %s", *ev.NearSwingHigh, summary)
	case ev.NearSwingLow != nil && base.Direction == models.DirectionBuy:
		return ModelStructure, fmt.Sprintf("Near support (%g). %s", *ev.NearSwingLow, summary)
	case strongTrend && ev.Volatility == VolHigh:
		return ModelVolatility, fmt.Sprintf("Strong trend (%s) with high volatility. %s", ev.Trend, summary)
	case strongTrend:
		return ModelPyramid, fmt.Sprintf("Strong trend (%s). %s", ev.Trend, summary)
	case ev.Volatility != VolHigh &&
		((ev.Trend == TrendWeakUp && base.Direction == models.DirectionBuy) ||
			(ev.Trend == TrendWeakDown && base.Direction == models.DirectionSell)):
		return ModelStatic, fmt.Sprintf("Weak trend (%s) matching base direction. %s", ev.Trend, summary)
	case ev.Volatility == VolHigh:
		return ModelVolatility, "High volatility. " + summary
	case ev.Volatility == VolLow && !ranging:
		return ModelDual, "Low volatility, potential breakout. " + summary
	case base.Direction.Valid():
		return ModelStatic, fmt.Sprintf("Default (static for %s). %s", base.Direction, summary)
	default:
		return ModelVolatility, "Default (volatility as fallback). " + summary
	}
}

// Evaluate computes every signal independently.
func (r *Router) Evaluate(base models.BaseTrade, history *models.Series) Evaluation {
	ev := Evaluation{
		Volatility: r.volatility(base, history),
	}
	ev.Trend, ev.ADX = r.trend(history)
	ev.Ranging = r.ranging(history)
	ev.NearSwingHigh, ev.NearSwingLow = r.structure(base, history)
	return ev
}

// available reports whether every column exists and is non-NaN on the latest bar.
func (r *Router) available(history *models.Series, columns ...string) bool {
	if history.Len() == 0 {
		return false
	}
	for _, name := range columns {
		if _, ok := history.Latest(name); !ok {
			r.logger.Debug("Signal input unavailable", zap.String("column", name))
			return false
		}
	}
	return true
}

func (r *Router) volatility(base models.BaseTrade, history *models.Series) Volatility {
	atrCol := r.cfg.ATRColumn()
	if !r.available(history, atrCol) {
		return VolUnknown
	}
	lookback := r.cfg.ATRMedianPeriods
	if history.Len() < lookback {
		if base.ATR > 0 {
			return VolNormal
		}
		return VolUnknown
	}
	values, _ := history.Column(atrCol)
	minPeriods := lookback / 2
	if minPeriods < 1 {
		minPeriods = 1
	}
	medians := indicators.RollingMedian(values, lookback, minPeriods)
	median := medians[len(medians)-1]
	if math.IsNaN(median) || median == 0 {
		return VolNormal
	}
	switch {
	case base.ATR > median*r.cfg.ATRHighVolFactor:
		return VolHigh
	case base.ATR < median*r.cfg.ATRLowVolFactor:
		return VolLow
	}
	return VolNormal
}

func (r *Router) trend(history *models.Series) (Trend, *float64) {
	shortCol, longCol := r.cfg.EMAShortColumn(), r.cfg.EMALongColumn()
	adxCol, plusCol, minusCol := r.cfg.ADXColumn(), r.cfg.PlusDIColumn(), r.cfg.MinusDIColumn()
	if !r.available(history, shortCol, longCol, adxCol, plusCol, minusCol, models.ColumnClose) {
		return TrendUnknown, nil
	}
	short, _ := history.Latest(shortCol)
	long, _ := history.Latest(longCol)
	adx, _ := history.Latest(adxCol)
	plusDI, _ := history.Latest(plusCol)
	minusDI, _ := history.Latest(minusCol)

	if adx > r.cfg.ADXTrendThreshold {
		switch {
		case short > long && plusDI > minusDI:
			return TrendUp, &adx
		case short < long && minusDI > plusDI:
			return TrendDown, &adx
		}
	}

	shortSeries, _ := history.Column(shortCol)
	prev := math.NaN()
	if len(shortSeries) > 1 {
		prev = shortSeries[len(shortSeries)-2]
	}
	gap := r.cfg.WeakTrendEMAGap
	switch {
	case short > long && long != 0 && (short-long)/long > gap && (math.IsNaN(prev) || short > prev):
		return TrendWeakUp, &adx
	case short < long && short != 0 && (long-short)/short > gap && (math.IsNaN(prev) || short < prev):
		return TrendWeakDown, &adx
	}
	return TrendNone, &adx
}

func (r *Router) ranging(history *models.Series) *bool {
	upperCol, midCol, lowerCol := r.cfg.BollingerColumns()
	if !r.available(history, upperCol, midCol, lowerCol) {
		return nil
	}
	upper, _ := history.Latest(upperCol)
	mid, _ := history.Latest(midCol)
	lower, _ := history.Latest(lowerCol)
	if mid == 0 {
		return nil
	}
	ranging := (upper-lower)/mid < r.cfg.BBRangeWidthThreshold
	return &ranging
}

func (r *Router) structure(base models.BaseTrade, history *models.Series) (*float64, *float64) {
	if !r.available(history, models.ColumnHigh, models.ColumnLow) {
		return nil, nil
	}
	recent := history.Tail(r.cfg.SwingLookbackBars)
	highs, _ := recent.Column(models.ColumnHigh)
	lows, _ := recent.Column(models.ColumnLow)

	// markers are computed over the full history so edge bars of the window still qualify
	swingHigh, ok := history.Flags(models.ColumnSwingHigh)
	if !ok {
		full, _ := history.Column(models.ColumnHigh)
		swingHigh = indicators.SwingHighs(full, r.cfg.SwingNBars)
	}
	swingLow, ok := history.Flags(models.ColumnSwingLow)
	if !ok {
		full, _ := history.Column(models.ColumnLow)
		swingLow = indicators.SwingLows(full, r.cfg.SwingNBars)
	}
	offset := history.Len() - recent.Len()

	var nearestHigh, nearestLow *float64
	for i := range highs {
		if swingHigh[offset+i] && highs[i] > base.BasePrice && (nearestHigh == nil || highs[i] < *nearestHigh) {
			v := highs[i]
			nearestHigh = &v
		}
		if swingLow[offset+i] && lows[i] < base.BasePrice && (nearestLow == nil || lows[i] > *nearestLow) {
			v := lows[i]
			nearestLow = &v
		}
	}

	proximity := base.ATR * r.cfg.SwingProximityATRMultiplier
	if nearestHigh != nil && math.Abs(*nearestHigh-base.BasePrice) >= proximity {
		nearestHigh = nil
	}
	if nearestLow != nil && math.Abs(base.BasePrice-*nearestLow) >= proximity {
		nearestLow = nil
	}
	return nearestHigh, nearestLow
}

// String renders the evaluation as used in router reasons.
func (e Evaluation) String() string {
	vol := string(e.Volatility)
	if vol == "" {
		vol = "unknown"
	}
	trend := string(e.Trend)
	if trend == "" {
		trend = "unknown"
	}
	adx := "N/A"
	if e.ADX != nil {
		adx = fmt.Sprintf("%.0f", *e.ADX)
	}
	ranging := "unknown"
	if e.Ranging != nil {
		ranging = fmt.Sprintf("%t", *e.Ranging)
	}
	return fmt.Sprintf("Vol:%s, Trend:%s(ADX:%s), Range:%s, NearSH:%s, NearSL:%s",
		vol, trend, adx, ranging, optional(e.NearSwingHigh), optional(e.NearSwingLow))
}

func optional(v *float64) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprintf("%g", *v)
}
