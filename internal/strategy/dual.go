package strategy

import (
	"fmt"

	"grid-trader-go/internal/models"
	"grid-trader-go/internal/signal"
)

// Dual combines breakout stops with reversal limits around the base price.
type Dual struct {
	Base
	breakoutLevels int
	reversalLevels int
	breakoutMult   float64
	reversalMult   float64
	slMult         float64
	tpMult         float64
}

func NewDual(b Base, p models.DualParams) *Dual {
	return &Dual{
		Base:           b,
		breakoutLevels: max(0, p.NumBreakoutLevels),
		reversalLevels: max(0, p.NumReversalLevels),
		breakoutMult:   atLeast(p.ATRMultiplierBreakout, 0.1),
		reversalMult:   atLeast(p.ATRMultiplierReversal, 0.1),
		slMult:         atLeast(p.SLATRMultiplier, 0.1),
		tpMult:         atLeast(p.TPATRMultiplier, 0.1),
	}
}

func (d *Dual) Name() string { return signal.ModelDual }

func (d *Dual) Generate() ([]models.OrderSpec, error) {
	atr := d.Trade.ATR
	if atr <= 0 {
		return nil, nil
	}
	slDist, tpDist := atr*d.slMult, atr*d.tpMult

	var specs []models.OrderSpec
	add := func(kind models.OrderKind, entry float64, tag string) error {
		var sl, tp float64
		if kind.IsBuy() {
			sl, tp = d.round(entry-slDist), d.round(entry+tpDist)
			if entry <= sl || entry >= tp {
				return nil
			}
		} else {
			sl, tp = d.round(entry+slDist), d.round(entry-tpDist)
			if entry >= sl || entry <= tp {
				return nil
			}
		}
		lots, err := d.lot(entry, sl)
		if err != nil {
			return err
		}
		if lots > 0 {
			specs = append(specs, d.spec(kind, entry, sl, tp, lots, tag))
		}
		return nil
	}

	sym := d.Trade.Symbol
	spacing := atr * d.breakoutMult
	for i := 1; i <= d.breakoutLevels; i++ {
		offset := float64(i) * spacing
		if err := add(models.BuyStop, d.round(d.Trade.BasePrice+offset), fmt.Sprintf("DG_%s_BS_%d", sym, i)); err != nil {
			return nil, err
		}
		if err := add(models.SellStop, d.round(d.Trade.BasePrice-offset), fmt.Sprintf("DG_%s_SS_%d", sym, i)); err != nil {
			return nil, err
		}
	}

	spacing = atr * d.reversalMult
	for i := 1; i <= d.reversalLevels; i++ {
		offset := float64(i) * spacing
		if err := add(models.SellLimit, d.round(d.Trade.BasePrice+offset), fmt.Sprintf("DG_%s_SLIM_%d", sym, i)); err != nil {
			return nil, err
		}
		if err := add(models.BuyLimit, d.round(d.Trade.BasePrice-offset), fmt.Sprintf("DG_%s_BLIM_%d", sym, i)); err != nil {
			return nil, err
		}
	}
	return dedupe(specs, d.logger), nil
}
