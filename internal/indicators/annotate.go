package indicators

import (
	"grid-trader-go/internal/models"
)

// Annotate writes ATR, EMA, ADX/DI, Bollinger and swing columns onto the series using the
// column names the signal router reads. Existing columns are overwritten.
func Annotate(s *models.Series, cfg models.SignalConfig) error {
	high, _ := s.Column(models.ColumnHigh)
	low, _ := s.Column(models.ColumnLow)
	closes, _ := s.Column(models.ColumnClose)

	if err := s.SetColumn(cfg.ATRColumn(), ATR(high, low, closes, cfg.ATRPeriod)); err != nil {
		return err
	}
	if err := s.SetColumn(cfg.EMAShortColumn(), EMA(closes, cfg.EMAShortPeriod)); err != nil {
		return err
	}
	if err := s.SetColumn(cfg.EMALongColumn(), EMA(closes, cfg.EMALongPeriod)); err != nil {
		return err
	}

	adx := ADX(high, low, closes, cfg.ADXPeriod)
	for name, col := range map[string][]float64{
		cfg.ADXColumn():     adx.ADX,
		cfg.PlusDIColumn():  adx.PlusDI,
		cfg.MinusDIColumn(): adx.MinusDI,
	} {
		if err := s.SetColumn(name, col); err != nil {
			return err
		}
	}

	if err := AnnotateBollinger(s, cfg.BBPeriod, cfg.BBStdDev); err != nil {
		return err
	}
	return AnnotateSwings(s, cfg.SwingNBars)
}

// AnnotateBollinger writes the three band columns for (period, k).
func AnnotateBollinger(s *models.Series, period int, k float64) error {
	closes, _ := s.Column(models.ColumnClose)
	bands := Bollinger(closes, period, k)
	upper, mid, lower := models.BollingerColumnNames(period, k)
	if err := s.SetColumn(upper, bands.Upper); err != nil {
		return err
	}
	if err := s.SetColumn(mid, bands.Mid); err != nil {
		return err
	}
	return s.SetColumn(lower, bands.Lower)
}

// AnnotateSwings writes the SwingHigh and SwingLow marker columns.
func AnnotateSwings(s *models.Series, n int) error {
	high, _ := s.Column(models.ColumnHigh)
	low, _ := s.Column(models.ColumnLow)
	if err := s.SetFlags(models.ColumnSwingHigh, SwingHighs(high, n)); err != nil {
		return err
	}
	return s.SetFlags(models.ColumnSwingLow, SwingLows(low, n))
}
