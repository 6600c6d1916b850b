package strategy

import (
	"fmt"
	"math"

	"grid-trader-go/internal/models"
	"grid-trader-go/internal/signal"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Static ladders limit orders evenly between the base price and the base stop. Every order
// shares the base stop.
type Static struct {
	Base
	lines     int
	useBaseTP bool
	rrRatio   float64
}

// NewStatic fails when the base price sits on the wrong side of the base stop.
func NewStatic(b Base, p models.StaticParams) (*Static, error) {
	t := b.Trade
	if (b.isBuy() && t.BasePrice <= t.BaseSL) || (!b.isBuy() && t.BasePrice >= t.BaseSL) {
		return nil, errors.Wrapf(ErrInvalidBaseTrade, "static %s: base price %g against stop %g", t.Direction, t.BasePrice, t.BaseSL)
	}
	return &Static{
		Base:      b,
		lines:     max(1, p.NumGridLines),
		useBaseTP: p.UseBaseTPForAll,
		rrRatio:   atLeast(p.IndividualTPRRRatio, 0.1),
	}, nil
}

func (s *Static) Name() string { return signal.ModelStatic }

func (s *Static) Generate() ([]models.OrderSpec, error) {
	t := s.Trade
	total := math.Abs(t.BasePrice - t.BaseSL)
	if total <= 0 {
		return nil, nil
	}
	spacing := total / float64(s.lines+1)
	if spacing < s.point()/2 {
		s.logger.Warn("Static grid spacing below half a point", zap.Float64("spacing", spacing))
		return nil, nil
	}

	kind, sign := models.BuyLimit, -1.0
	if !s.isBuy() {
		kind, sign = models.SellLimit, 1.0
	}

	var specs []models.OrderSpec
	for i := 1; i <= s.lines; i++ {
		entry := s.round(t.BasePrice + sign*float64(i)*spacing)
		// entries must stay strictly between the base price and the base stop
		if sign < 0 && (entry <= t.BaseSL || entry >= t.BasePrice) {
			continue
		}
		if sign > 0 && (entry >= t.BaseSL || entry <= t.BasePrice) {
			continue
		}

		tp := t.BaseTP
		if !s.useBaseTP {
			tp = s.round(entry - sign*math.Abs(entry-t.BaseSL)*s.rrRatio)
		}
		if tp != 0 && ((sign < 0 && tp <= entry) || (sign > 0 && tp >= entry)) {
			s.logger.Debug("Static level has take-profit on the wrong side", zap.Float64("entry", entry), zap.Float64("tp", tp))
			continue
		}

		lots, err := s.lot(entry, t.BaseSL)
		if err != nil {
			return nil, err
		}
		if lots > 0 {
			specs = append(specs, s.spec(kind, entry, t.BaseSL, tp, lots, fmt.Sprintf("SG_%s_%s_%d", t.Symbol, kind, i)))
		}
	}
	return dedupe(specs, s.logger), nil
}
