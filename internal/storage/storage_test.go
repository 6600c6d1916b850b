package storage

import (
	"path/filepath"
	"testing"
	"time"

	"grid-trader-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RoundTripAndUpdate(t *testing.T) {
	j := openJournal(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	o := models.Order{
		ID: "o1", Symbol: "EURUSD", Kind: models.BuyStop, EntryPrice: 1.101, StopLoss: 1.1, TakeProfit: 1.102,
		LotSize: 0.1, Status: models.StatusPending, GridID: "g1", SlotID: "o1", Tag: "VG_EURUSD_BUY_STOP_1",
		CreatedAt: at, InitialStopLoss: 1.1, InitialTakeProfit: 1.102,
	}
	require.NoError(t, j.UpsertOrder(o))

	o.Status = models.StatusStoppedOut
	o.FilledAt, o.FillPrice = at.Add(time.Minute), 1.101
	o.ClosedAt, o.ClosePrice = at.Add(2*time.Minute), 1.1
	o.RealizedPnL = -10
	o.BrokerTicket = 7
	require.NoError(t, j.UpsertOrders([]models.Order{o}))

	got, err := j.ListOrders("g1")
	require.NoError(t, err)
	require.Len(t, got, 1)

	// 初始止损止盈不入库
	want := o
	want.InitialStopLoss, want.InitialTakeProfit = 0, 0
	assert.Equal(t, want, got[0])
}

func TestJournal_ListByGrid(t *testing.T) {
	j := openJournal(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	orders := []models.Order{
		{ID: "a", GridID: "g1", SlotID: "a", Symbol: "EURUSD", Kind: models.BuyLimit, Status: models.StatusPending, CreatedAt: at},
		{ID: "b", GridID: "g2", SlotID: "b", Symbol: "EURUSD", Kind: models.SellLimit, Status: models.StatusPending, CreatedAt: at.Add(time.Second)},
		{ID: "c", GridID: "g1", SlotID: "a", Symbol: "EURUSD", Kind: models.BuyLimit, Status: models.StatusPending, CreatedAt: at.Add(2 * time.Second), RegenerationAttempts: 1},
	}
	require.NoError(t, j.UpsertOrders(orders))
	require.NoError(t, j.UpsertOrders(nil))

	g1, err := j.ListOrders("g1")
	require.NoError(t, err)
	require.Len(t, g1, 2)
	assert.Equal(t, "a", g1[0].ID)
	assert.Equal(t, "c", g1[1].ID)
	assert.Equal(t, 1, g1[1].RegenerationAttempts)
	assert.True(t, g1[0].FilledAt.IsZero())

	all, err := j.ListOrders("")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := j.ListOrders("missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}
