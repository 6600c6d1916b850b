package strategy

import (
	"fmt"
	"math"

	"grid-trader-go/internal/indicators"
	"grid-trader-go/internal/models"
	"grid-trader-go/internal/signal"

	"go.uber.org/zap"
)

const (
	RangeBollinger     = "bollinger"
	RangeRecentHighLow = "recent_high_low"
)

// Range places sell limits from the top of a consolidation zone and buy limits from the
// bottom, with stops just outside the zone.
type Range struct {
	Base
	lines           int
	method          string
	bbPeriod        int
	bbStdDev        float64
	hlPeriod        int
	spacingFraction float64
	slBuffer        float64
	tpOtherSide     bool
	tpMult          float64
}

func NewRange(b Base, p models.RangeParams) *Range {
	return &Range{
		Base:            b,
		lines:           max(1, p.NumGridLinesPerSide),
		method:          p.Method,
		bbPeriod:        p.BBPeriod,
		bbStdDev:        p.BBStdDev,
		hlPeriod:        p.RecentHLPeriod,
		spacingFraction: math.Max(0.05, math.Min(0.5, p.SpacingFraction)),
		slBuffer:        b.Trade.ATR * atLeast(p.SLBufferATRMultiplier, 0.1),
		tpOtherSide:     p.TPTargetOtherSide,
		tpMult:          atLeast(p.TPATRMultiplier, 0.1),
	}
}

func (r *Range) Name() string { return signal.ModelRange }

// zone returns the (low, high) consolidation bounds on the latest bar.
func (r *Range) zone() (float64, float64, bool) {
	if r.History.Len() == 0 {
		return 0, 0, false
	}
	var low, high float64
	switch r.method {
	case RangeBollinger:
		upperCol, _, lowerCol := models.BollingerColumnNames(r.bbPeriod, r.bbStdDev)
		u, uok := r.History.Latest(upperCol)
		l, lok := r.History.Latest(lowerCol)
		if !uok || !lok {
			closes, _ := r.History.Column(models.ColumnClose)
			bands := indicators.Bollinger(closes, r.bbPeriod, r.bbStdDev)
			u, l = bands.Upper[len(closes)-1], bands.Lower[len(closes)-1]
			if math.IsNaN(u) || math.IsNaN(l) {
				r.logger.Warn("Not enough history for Bollinger range", zap.Int("bars", r.History.Len()))
				return 0, 0, false
			}
		}
		low, high = l, u
	case RangeRecentHighLow:
		if r.History.Len() < r.hlPeriod {
			return 0, 0, false
		}
		recent := r.History.Tail(r.hlPeriod)
		highs, _ := recent.Column(models.ColumnHigh)
		lows, _ := recent.Column(models.ColumnLow)
		high, low = math.Inf(-1), math.Inf(1)
		for i := range highs {
			high = math.Max(high, highs[i])
			low = math.Min(low, lows[i])
		}
	default:
		r.logger.Error("Unknown range method", zap.String("method", r.method))
		return 0, 0, false
	}

	if low >= high {
		minWidth := r.Trade.ATR * 0.5
		if r.Trade.ATR <= 0 || high-low >= minWidth {
			return 0, 0, false
		}
		mid := (high + low) / 2
		r.logger.Warn("Inverted range, widening around midpoint", zap.Float64("mid", mid))
		high, low = mid+minWidth/2, mid-minWidth/2
	}
	return low, high, true
}

func (r *Range) Generate() ([]models.OrderSpec, error) {
	low, high, ok := r.zone()
	if !ok {
		return nil, nil
	}
	point := r.point()
	width := high - low
	if width < 2*point {
		r.logger.Warn("Range too narrow", zap.Float64("width", width))
		return nil, nil
	}
	spacing := width * r.spacingFraction
	if spacing < point {
		return nil, nil
	}
	atr := r.Trade.ATR
	sym := r.Trade.Symbol

	var specs []models.OrderSpec
	for i := 0; i < r.lines; i++ {
		entry := r.round(high - float64(i)*spacing)
		if entry <= low+spacing/2 {
			break
		}
		sl := r.round(high + r.slBuffer)
		tp := r.round(low)
		if !r.tpOtherSide {
			tp = r.round(entry - atr*r.tpMult)
		}
		if entry >= sl || entry <= tp {
			continue
		}
		lots, err := r.lot(entry, sl)
		if err != nil {
			return nil, err
		}
		if lots > 0 {
			specs = append(specs, r.spec(models.SellLimit, entry, sl, tp, lots, fmt.Sprintf("RG_%s_SLIM_%d", sym, i)))
		}
	}
	for i := 0; i < r.lines; i++ {
		entry := r.round(low + float64(i)*spacing)
		if entry >= high-spacing/2 {
			break
		}
		sl := r.round(low - r.slBuffer)
		tp := r.round(high)
		if !r.tpOtherSide {
			tp = r.round(entry + atr*r.tpMult)
		}
		if entry <= sl || entry >= tp {
			continue
		}
		lots, err := r.lot(entry, sl)
		if err != nil {
			return nil, err
		}
		if lots > 0 {
			specs = append(specs, r.spec(models.BuyLimit, entry, sl, tp, lots, fmt.Sprintf("RG_%s_BLIM_%d", sym, i)))
		}
	}
	return dedupe(specs, r.logger), nil
}
