package reporter

import (
	"bytes"
	"testing"
	"time"

	"grid-trader-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	orders := []models.Order{
		// 故意打乱平仓时间顺序
		{ID: "c", Status: models.StatusStoppedOut, RealizedPnL: -50, ClosedAt: t0.Add(3 * time.Hour)},
		{ID: "a", Status: models.StatusTPHit, RealizedPnL: 100, ClosedAt: t0.Add(time.Hour)},
		{ID: "b", Status: models.StatusStoppedOut, RealizedPnL: -100, ClosedAt: t0.Add(2 * time.Hour)},
		{ID: "d", Status: models.StatusClosed, RealizedPnL: 50, ClosedAt: t0.Add(4 * time.Hour)},
		{ID: "e", Status: models.StatusActive},
		{ID: "f", Status: models.StatusPending},
		{ID: "g", Status: models.StatusCancelled},
	}

	m := Calculate("EURUSD", 1000, orders, t0, t0.Add(5*time.Hour))

	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 2, m.LosingTrades)
	assert.Equal(t, 50.0, m.WinRate)
	assert.Equal(t, 75.0, m.AvgWin)
	assert.Equal(t, 75.0, m.AvgLoss)
	assert.Equal(t, 1.0, m.AvgProfitLoss)
	assert.Equal(t, 1000.0, m.FinalBalance)
	assert.Zero(t, m.TotalProfit)
	assert.Equal(t, 1, m.OpenPositions)
	assert.Equal(t, 2, m.StatusCounts[models.StatusStoppedOut])
	assert.Equal(t, 1, m.StatusCounts[models.StatusCancelled])

	// 曲线 1000 -> 1100 -> 1000 -> 950 -> 1000, 峰值 1100 到 950
	assert.InDelta(t, 150.0/1100*100, m.MaxDrawdown, 1e-9)
}

func TestCalculate_NoTrades(t *testing.T) {
	m := Calculate("EURUSD", 1000, nil, time.Time{}, time.Time{})
	assert.Zero(t, m.TotalTrades)
	assert.Zero(t, m.WinRate)
	assert.Zero(t, m.MaxDrawdown)
	assert.Equal(t, 1000.0, m.FinalBalance)
}

func TestCalculateMaxDrawdown(t *testing.T) {
	assert.Zero(t, calculateMaxDrawdown([]float64{100}))
	assert.InDelta(t, 0.5, calculateMaxDrawdown([]float64{100, 200, 100, 150}), 1e-12)
	assert.Zero(t, calculateMaxDrawdown([]float64{100, 110, 120}))
}

func TestRender(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := Calculate("EURUSD", 1000, []models.Order{
		{Status: models.StatusTPHit, RealizedPnL: 20, ClosedAt: t0},
	}, t0, t0.Add(time.Hour))

	var buf bytes.Buffer
	Render(&buf, m)
	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, "EURUSD")
	assert.Contains(t, out, "1020.00")
	assert.Contains(t, out, "TP_HIT")
	assert.Contains(t, out, "2024-01-01 00:00 到 2024-01-01 01:00")
}
