package reporter

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"grid-trader-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Metrics 存储计算出的所有回测性能指标
type Metrics struct {
	Symbol           string
	InitialBalance   float64
	FinalBalance     float64
	TotalProfit      float64
	ProfitPercentage float64
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64
	AvgWin           float64
	AvgLoss          float64
	AvgProfitLoss    float64 // 平均盈亏比
	MaxDrawdown      float64
	StatusCounts     map[models.OrderStatus]int
	OpenPositions    int
	StartTime        time.Time
	EndTime          time.Time
}

// Calculate 根据订单的已实现盈亏计算绩效. 只有止损、止盈和手动平仓的订单计为交易,
// 权益曲线按平仓时间累加
func Calculate(symbol string, initialBalance float64, orders []models.Order, start, end time.Time) *Metrics {
	m := &Metrics{
		Symbol:         symbol,
		InitialBalance: initialBalance,
		StatusCounts:   make(map[models.OrderStatus]int),
		StartTime:      start,
		EndTime:        end,
	}

	var trades []models.Order
	for _, o := range orders {
		m.StatusCounts[o.Status]++
		switch o.Status {
		case models.StatusStoppedOut, models.StatusTPHit, models.StatusClosed:
			trades = append(trades, o)
		case models.StatusActive, models.StatusFilled:
			m.OpenPositions++
		}
	}
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].ClosedAt.Before(trades[j].ClosedAt) })

	equityCurve := make([]float64, 0, len(trades)+1)
	equity := initialBalance
	equityCurve = append(equityCurve, equity)

	var totalProfit, totalLoss float64
	for _, trade := range trades {
		m.TotalTrades++
		if trade.RealizedPnL > 0 {
			m.WinningTrades++
			totalProfit += trade.RealizedPnL
		} else {
			m.LosingTrades++
			totalLoss += trade.RealizedPnL
		}
		equity += trade.RealizedPnL
		equityCurve = append(equityCurve, equity)
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.WinningTrades > 0 {
		m.AvgWin = totalProfit / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = math.Abs(totalLoss / float64(m.LosingTrades))
	}
	if m.AvgWin > 0 && m.AvgLoss > 0 {
		m.AvgProfitLoss = m.AvgWin / m.AvgLoss
	}

	m.FinalBalance = equity
	m.TotalProfit = m.FinalBalance - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercentage = (m.TotalProfit / m.InitialBalance) * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(equityCurve) * 100

	return m
}

// Render 以表格形式输出回测报告
func Render(w io.Writer, m *Metrics) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("回测结果报告")
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"指标", "数值"})

	t.AppendRows([]table.Row{
		{"交易对", m.Symbol},
		{"回测周期", fmt.Sprintf("%s 到 %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f", m.InitialBalance)},
		{"最终资金", fmt.Sprintf("%.2f", m.FinalBalance)},
		{"总利润", fmt.Sprintf("%.2f", m.TotalProfit)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ProfitPercentage)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"总交易次数", m.TotalTrades},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"平均盈利", fmt.Sprintf("%.2f", m.AvgWin)},
		{"平均亏损", fmt.Sprintf("%.2f", m.AvgLoss)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
		{"未平仓头寸", m.OpenPositions},
	})
	t.Render()

	if len(m.StatusCounts) == 0 {
		return
	}
	statuses := make([]string, 0, len(m.StatusCounts))
	for s := range m.StatusCounts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	st := table.NewWriter()
	st.SetOutputMirror(w)
	st.SetStyle(table.StyleLight)
	st.AppendHeader(table.Row{"订单状态", "数量"})
	for _, s := range statuses {
		st.AppendRow(table.Row{s, m.StatusCounts[models.OrderStatus(s)]})
	}
	st.Render()
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}
