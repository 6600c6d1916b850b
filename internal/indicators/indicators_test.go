package indicators

import (
	"math"
	"testing"
	"time"

	"grid-trader-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEMA_NonAdjusted(t *testing.T) {
	// span 3 -> alpha 0.5
	got := EMA([]float64{1, 2, 3, 4}, 3)
	assert.InDeltaSlice(t, []float64{1, 1.5, 2.25, 3.125}, got, 1e-12)
}

func TestEWM_SkipsLeadingNaN(t *testing.T) {
	got := EWM([]float64{math.NaN(), 2, 4}, 0.5)
	assert.True(t, math.IsNaN(got[0]))
	assert.InDelta(t, 2, got[1], 1e-12)
	assert.InDelta(t, 3, got[2], 1e-12)
}

func TestTrueRangeAndATR(t *testing.T) {
	high := []float64{10, 12, 11}
	low := []float64{9, 10, 8}
	closes := []float64{9.5, 11, 9}
	tr := TrueRange(high, low, closes)
	assert.InDeltaSlice(t, []float64{1, 2.5, 3}, tr, 1e-12)

	atr := ATR(high, low, closes, 2)
	// alpha 0.5: 1, 1.75, 2.375
	assert.InDeltaSlice(t, []float64{1, 1.75, 2.375}, atr, 1e-12)
}

func TestADX_TrendingUp(t *testing.T) {
	n := 60
	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		base := 100 + float64(i)
		high[i], low[i], closes[i] = base+1, base-1, base+0.5
	}
	res := ADX(high, low, closes, 14)
	last := n - 1
	assert.Greater(t, res.PlusDI[last], res.MinusDI[last])
	assert.Greater(t, res.ADX[last], 25.0)
}

func TestADX_FlatMarketIsZero(t *testing.T) {
	high := []float64{1, 1, 1, 1}
	low := []float64{1, 1, 1, 1}
	res := ADX(high, low, high, 3)
	for _, v := range res.ADX {
		assert.Zero(t, v)
	}
}

func TestBollinger_SampleStd(t *testing.T) {
	b := Bollinger([]float64{1, 2, 3, 4}, 3, 2)
	assert.True(t, math.IsNaN(b.Mid[0]))
	assert.True(t, math.IsNaN(b.Mid[1]))
	assert.InDelta(t, 2, b.Mid[2], 1e-12)
	// sample std of {1,2,3} is 1
	assert.InDelta(t, 4, b.Upper[2], 1e-12)
	assert.InDelta(t, 0, b.Lower[2], 1e-12)
	assert.InDelta(t, 3, b.Mid[3], 1e-12)
}

func TestSwings(t *testing.T) {
	high := []float64{1, 2, 3, 2, 1}
	low := []float64{5, 4, 3, 4, 5}

	assert.Equal(t, []bool{false, false, true, false, false}, SwingHighs(high, 1))
	assert.Equal(t, []bool{false, false, true, false, false}, SwingLows(low, 1))
	assert.Equal(t, []bool{false, false, true, false, false}, SwingHighs(high, 2))
	assert.NotContains(t, SwingHighs(high, 3), true, "not enough bars on either side")

	// equal neighbours do not qualify
	assert.NotContains(t, SwingHighs([]float64{1, 3, 3, 1}, 1), true)
}

func TestRollingMedian(t *testing.T) {
	got := RollingMedian([]float64{5, 1, 3, 2, 4}, 3, 2)
	assert.True(t, math.IsNaN(got[0]), "below min periods")
	assert.InDelta(t, 3, got[1], 1e-12)
	assert.InDelta(t, 3, got[2], 1e-12)
	assert.InDelta(t, 2, got[3], 1e-12)
	assert.InDelta(t, 3, got[4], 1e-12)
}

func TestAnnotate_WritesRouterColumns(t *testing.T) {
	bars := make([]models.Bar, 40)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		p := 1.1 + 0.001*math.Sin(float64(i)/3)
		bars[i] = models.Bar{Time: start.Add(time.Duration(i) * time.Minute), Open: p, High: p + 0.0005, Low: p - 0.0005, Close: p}
	}
	s := models.NewSeries(bars)
	cfg := models.DefaultConfig().Signal
	require.NoError(t, Annotate(s, cfg))

	for _, name := range []string{"ATR_14", "EMA_12", "EMA_26", "ADX_14", "+DI_14", "-DI_14", "BB_Upper_20_2", "BB_Mid_20_2", "BB_Lower_20_2"} {
		col, ok := s.Column(name)
		require.True(t, ok, name)
		assert.Len(t, col, len(bars))
		_, ok = s.Latest(name)
		assert.True(t, ok, "%s has a value on the last bar", name)
	}
	_, ok := s.Flags(models.ColumnSwingHigh)
	assert.True(t, ok)
	_, ok = s.Flags(models.ColumnSwingLow)
	assert.True(t, ok)
}
