package signal

import (
	"testing"
	"time"

	"grid-trader-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flatSeries builds n identical bars with constant indicator columns.
func flatSeries(t *testing.T, n int, price float64, columns map[string]float64) *models.Series {
	t.Helper()
	bars := make([]models.Bar, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = models.Bar{Time: start.Add(time.Duration(i) * time.Hour), Open: price, High: price + 0.0005, Low: price - 0.0005, Close: price}
	}
	s := models.NewSeries(bars)
	for name, v := range columns {
		col := make([]float64, n)
		for i := range col {
			col[i] = v
		}
		require.NoError(t, s.SetColumn(name, col))
	}
	return s
}

func trendColumns(adx, emaShort, emaLong, plusDI, minusDI float64) map[string]float64 {
	return map[string]float64{
		"ATR_14": 0.001,
		"EMA_12": emaShort,
		"EMA_26": emaLong,
		"ADX_14": adx,
		"+DI_14": plusDI,
		"-DI_14": minusDI,
	}
}

func newRouter() *Router {
	return NewRouter(models.DefaultConfig().Signal, zap.NewNop())
}

func buyBase() models.BaseTrade {
	return models.BaseTrade{Symbol: "EURUSD", Direction: models.DirectionBuy, BasePrice: 1.1, BaseSL: 1.09, ATR: 0.001}
}

func TestSelectModel_StrongUptrendNormalVolatilityIsPyramid(t *testing.T) {
	s := flatSeries(t, 60, 1.1, trendColumns(35, 1.102, 1.100, 30, 15))
	name, reason := newRouter().SelectModel(buyBase(), s)
	assert.Equal(t, ModelPyramid, name)
	assert.Contains(t, reason, "Strong trend (UP)")
	assert.Contains(t, reason, "Vol:NORMAL, Trend:UP(ADX:35), Range:unknown")
}

func TestSelectModel_StrongTrendHighVolatilityIsVolatility(t *testing.T) {
	s := flatSeries(t, 60, 1.1, trendColumns(35, 1.102, 1.100, 30, 15))
	base := buyBase()
	base.ATR = 0.002 // twice the median ATR
	name, _ := newRouter().SelectModel(base, s)
	assert.Equal(t, ModelVolatility, name)
}

func TestSelectModel_RangingWins(t *testing.T) {
	cols := trendColumns(35, 1.102, 1.100, 30, 15)
	cols["BB_Upper_20_2"] = 1.101
	cols["BB_Mid_20_2"] = 1.100
	cols["BB_Lower_20_2"] = 1.099
	s := flatSeries(t, 60, 1.1, cols)
	name, reason := newRouter().SelectModel(buyBase(), s)
	assert.Equal(t, ModelRange, name)
	assert.Contains(t, reason, "Range:true")
}

func TestSelectModel_NearSupportBuyIsStructure(t *testing.T) {
	s := flatSeries(t, 60, 1.1, trendColumns(10, 1.1, 1.1, 20, 20))
	// a single isolated dip just below the base price
	s.Bars[50].Low = 1.0998
	lows := make([]bool, s.Len())
	lows[50] = true
	require.NoError(t, s.SetFlags(models.ColumnSwingLow, lows))
	require.NoError(t, s.SetFlags(models.ColumnSwingHigh, make([]bool, s.Len())))

	ev := newRouter().Evaluate(buyBase(), s)
	require.NotNil(t, ev.NearSwingLow)
	assert.InDelta(t, 1.0998, *ev.NearSwingLow, 1e-12)
	assert.Nil(t, ev.NearSwingHigh)

	name, _ := newRouter().SelectModel(buyBase(), s)
	assert.Equal(t, ModelStructure, name)

	sell := buyBase()
	sell.Direction = models.DirectionSell
	sell.BaseSL = 1.11
	name, _ = newRouter().SelectModel(sell, s)
	assert.NotEqual(t, ModelStructure, name, "support does not trigger structure for sells")
}

func TestSelectModel_SwingOutsideProximityIgnored(t *testing.T) {
	s := flatSeries(t, 60, 1.1, trendColumns(10, 1.1, 1.1, 20, 20))
	s.Bars[50].Low = 1.0990 // 1 ATR away, proximity is 0.5 ATR
	lows := make([]bool, s.Len())
	lows[50] = true
	require.NoError(t, s.SetFlags(models.ColumnSwingLow, lows))

	ev := newRouter().Evaluate(buyBase(), s)
	assert.Nil(t, ev.NearSwingLow)
}

func TestSelectModel_WeakUptrendBuyIsStatic(t *testing.T) {
	s := flatSeries(t, 60, 1.1, trendColumns(15, 1.1030, 1.1000, 20, 20))
	// rising short EMA on the last bar
	short, _ := s.Column("EMA_12")
	short[len(short)-2] = 1.1020
	name, reason := newRouter().SelectModel(buyBase(), s)
	assert.Equal(t, ModelStatic, name)
	assert.Contains(t, reason, "Weak trend (WEAK_UP)")
}

func TestEvaluate_WeakTrendNeedsSlope(t *testing.T) {
	s := flatSeries(t, 60, 1.1, trendColumns(15, 1.1030, 1.1000, 20, 20))
	ev := newRouter().Evaluate(buyBase(), s)
	assert.Equal(t, TrendNone, ev.Trend, "flat short EMA is not a weak trend")
}

func TestSelectModel_LowVolatilityIsDual(t *testing.T) {
	s := flatSeries(t, 60, 1.1, trendColumns(10, 1.1, 1.1, 20, 20))
	base := buyBase()
	base.ATR = 0.0005
	name, _ := newRouter().SelectModel(base, s)
	assert.Equal(t, ModelDual, name)
}

func TestSelectModel_EmptyHistoryFallsBack(t *testing.T) {
	r := newRouter()

	name, reason := r.SelectModel(buyBase(), models.NewSeries(nil))
	assert.Equal(t, ModelStatic, name)
	assert.Contains(t, reason, "Vol:unknown, Trend:unknown(ADX:N/A), Range:unknown, NearSH:none, NearSL:none")

	noDirection := buyBase()
	noDirection.Direction = ""
	name, _ = r.SelectModel(noDirection, nil)
	assert.Equal(t, ModelVolatility, name)
}

func TestEvaluate_ShortHistoryVolatility(t *testing.T) {
	s := flatSeries(t, 10, 1.1, map[string]float64{"ATR_14": 0.001})
	ev := newRouter().Evaluate(buyBase(), s)
	assert.Equal(t, VolNormal, ev.Volatility)

	zeroATR := buyBase()
	zeroATR.ATR = 0
	ev = newRouter().Evaluate(zeroATR, s)
	assert.Equal(t, VolUnknown, ev.Volatility)
}
