package strategy

import (
	"fmt"

	"grid-trader-go/internal/models"
	"grid-trader-go/internal/signal"

	"go.uber.org/zap"
)

// Pyramid adds same-direction stops as price moves in favour of the base trade. The chain
// ends at the first level that is invalid or cannot be sized.
type Pyramid struct {
	Base
	levels       int
	spacingMult  float64
	slAtPrevious bool
	slMult       float64
	tpMult       float64
}

func NewPyramid(b Base, p models.PyramidParams) *Pyramid {
	return &Pyramid{
		Base:         b,
		levels:       max(1, p.NumLevels),
		spacingMult:  atLeast(p.ATRMultiplierSpacing, 0.1),
		slAtPrevious: p.SLAtPreviousLevel,
		slMult:       atLeast(p.SLATRMultiplier, 0.1),
		tpMult:       atLeast(p.TPATRMultiplier, 0.1),
	}
}

func (p *Pyramid) Name() string { return signal.ModelPyramid }

func (p *Pyramid) Generate() ([]models.OrderSpec, error) {
	atr := p.Trade.ATR
	if atr <= 0 {
		return nil, nil
	}
	spacing := atr * p.spacingMult
	if spacing < p.point()/2 {
		p.logger.Warn("Pyramid spacing below half a point", zap.Float64("spacing", spacing))
		return nil, nil
	}
	tpDist, slDist := atr*p.tpMult, atr*p.slMult

	kind, sign := models.BuyStop, 1.0
	if !p.isBuy() {
		kind, sign = models.SellStop, -1.0
	}

	var specs []models.OrderSpec
	last := p.Trade.BasePrice
	for i := 1; i <= p.levels; i++ {
		entry := p.round(last + sign*spacing)
		sl := p.round(entry - sign*slDist)
		if p.slAtPrevious {
			sl = p.round(last)
		}
		tp := p.round(entry + sign*tpDist)

		if (sign > 0 && (entry <= sl || entry >= tp)) || (sign < 0 && (entry >= sl || entry <= tp)) {
			p.logger.Warn("Pyramid level invalid, stopping chain", zap.Int("level", i), zap.Float64("entry", entry))
			break
		}
		lots, err := p.lot(entry, sl)
		if err != nil {
			return nil, err
		}
		if lots <= 0 {
			p.logger.Warn("Pyramid level cannot be sized, stopping chain", zap.Int("level", i))
			break
		}
		specs = append(specs, p.spec(kind, entry, sl, tp, lots, fmt.Sprintf("PG_%s_%s_%d", p.Trade.Symbol, kind, i)))
		last = entry
	}
	return dedupe(specs, p.logger), nil
}
