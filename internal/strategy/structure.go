package strategy

import (
	"fmt"
	"sort"

	"grid-trader-go/internal/indicators"
	"grid-trader-go/internal/models"
	"grid-trader-go/internal/signal"
)

// Structure aligns entries to the most recent swing highs and lows: breakouts beyond swings
// in the trade direction, pullback limits at swings against it.
type Structure struct {
	Base
	levels  int
	buffer  float64
	slMult  float64
	tpMult  float64
	swingsN int
}

func NewStructure(b Base, p models.StructureParams) *Structure {
	return &Structure{
		Base:    b,
		levels:  max(1, p.NumSwingLevels),
		buffer:  atLeast(p.EntryBufferATRMultiplier, 0) * b.Trade.ATR,
		slMult:  atLeast(p.SLATRMultiplier, 0.1),
		tpMult:  atLeast(p.TPATRMultiplier, 0.1),
		swingsN: max(1, p.SwingNBars),
	}
}

func (s *Structure) Name() string { return signal.ModelStructure }

// recentSwings returns the prices of the last n marked bars, oldest first.
func (s *Structure) recentSwings(flagName, priceColumn string, detect func([]float64, int) []bool) []float64 {
	prices, _ := s.History.Column(priceColumn)
	flags, ok := s.History.Flags(flagName)
	if !ok {
		flags = detect(prices, s.swingsN)
	}
	var out []float64
	for i, marked := range flags {
		if marked {
			out = append(out, prices[i])
		}
	}
	if len(out) > s.levels {
		out = out[len(out)-s.levels:]
	}
	return out
}

func uniqueSorted(values []float64, descending bool) []float64 {
	seen := make(map[float64]struct{}, len(values))
	var out []float64
	for _, v := range values {
		if _, dup := seen[v]; !dup {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	if descending {
		sort.Sort(sort.Reverse(sort.Float64Slice(out)))
	}
	return out
}

func (s *Structure) Generate() ([]models.OrderSpec, error) {
	atr := s.Trade.ATR
	if atr <= 0 || s.History.Len() == 0 {
		return nil, nil
	}
	highs := uniqueSorted(s.recentSwings(models.ColumnSwingHigh, models.ColumnHigh, indicators.SwingHighs), false)
	lows := uniqueSorted(s.recentSwings(models.ColumnSwingLow, models.ColumnLow, indicators.SwingLows), true)
	slDist, tpDist := atr*s.slMult, atr*s.tpMult
	base := s.Trade.BasePrice
	sym := s.Trade.Symbol

	processed := make(map[float64]struct{})
	var specs []models.OrderSpec
	add := func(kind models.OrderKind, entry float64, tag string) error {
		if _, done := processed[entry]; done {
			return nil
		}
		var sl, tp float64
		if kind.IsBuy() {
			sl, tp = s.round(entry-slDist), s.round(entry+tpDist)
			if entry <= sl || entry >= tp {
				return nil
			}
		} else {
			sl, tp = s.round(entry+slDist), s.round(entry-tpDist)
			if entry >= sl || entry <= tp {
				return nil
			}
		}
		lots, err := s.lot(entry, sl)
		if err != nil {
			return err
		}
		if lots > 0 {
			specs = append(specs, s.spec(kind, entry, sl, tp, lots, tag))
			processed[entry] = struct{}{}
		}
		return nil
	}

	if s.isBuy() {
		for _, h := range highs {
			if h <= base {
				continue
			}
			if err := add(models.BuyStop, s.round(h+s.buffer), fmt.Sprintf("STG_%s_BS_SH@%.*f", sym, s.Decimals, h)); err != nil {
				return nil, err
			}
		}
		for _, l := range lows {
			if l >= base {
				continue
			}
			if err := add(models.BuyLimit, s.round(l-s.buffer), fmt.Sprintf("STG_%s_BL_SL@%.*f", sym, s.Decimals, l)); err != nil {
				return nil, err
			}
		}
	} else {
		for _, l := range lows {
			if l >= base {
				continue
			}
			if err := add(models.SellStop, s.round(l-s.buffer), fmt.Sprintf("STG_%s_SS_SL@%.*f", sym, s.Decimals, l)); err != nil {
				return nil, err
			}
		}
		for _, h := range highs {
			if h <= base {
				continue
			}
			if err := add(models.SellLimit, s.round(h+s.buffer), fmt.Sprintf("STG_%s_SLIM_SH@%.*f", sym, s.Decimals, h)); err != nil {
				return nil, err
			}
		}
	}
	return dedupe(specs, s.logger), nil
}
