package strategy

import (
	"fmt"

	"grid-trader-go/internal/models"
	"grid-trader-go/internal/signal"

	"go.uber.org/zap"
)

// Volatility places a channel of breakout stops spaced by ATR on both sides of the base.
type Volatility struct {
	Base
	levels     int
	multiplier float64
}

func NewVolatility(b Base, p models.VolatilityParams) *Volatility {
	return &Volatility{
		Base:       b,
		levels:     max(1, p.NumLevels),
		multiplier: atLeast(p.ATRMultiplier, 0.1),
	}
}

func (v *Volatility) Name() string { return signal.ModelVolatility }

func (v *Volatility) Generate() ([]models.OrderSpec, error) {
	if v.Trade.ATR <= 0 {
		v.logger.Warn("ATR is not positive, no volatility grid", zap.Float64("atr", v.Trade.ATR))
		return nil, nil
	}
	spacing := v.Trade.ATR * v.multiplier
	sym := v.Trade.Symbol

	var specs []models.OrderSpec
	for i := 1; i <= v.levels; i++ {
		offset := float64(i) * spacing

		entry := v.round(v.Trade.BasePrice + offset)
		sl, tp := v.round(entry-spacing), v.round(entry+spacing)
		lots, err := v.lot(entry, sl)
		if err != nil {
			return nil, err
		}
		if lots > 0 {
			specs = append(specs, v.spec(models.BuyStop, entry, sl, tp, lots, fmt.Sprintf("VG_%s_%s_%d", sym, models.BuyStop, i)))
		}

		entry = v.round(v.Trade.BasePrice - offset)
		sl, tp = v.round(entry+spacing), v.round(entry-spacing)
		lots, err = v.lot(entry, sl)
		if err != nil {
			return nil, err
		}
		if lots > 0 {
			specs = append(specs, v.spec(models.SellStop, entry, sl, tp, lots, fmt.Sprintf("VG_%s_%s_%d", sym, models.SellStop, i)))
		}
	}
	return dedupe(specs, v.logger), nil
}
