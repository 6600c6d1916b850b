package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"grid-trader-go/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.GridCreated("static")
	m.OrderPlaced("static")
	m.OrderPlaced("static")
	m.OrderRejected("margin")
	m.OrderFilled(models.BuyStop)
	m.OrderClosed(models.StatusStoppedOut)
	m.Regeneration("cooldown")
	m.Regeneration("placed")
	m.Regeneration("placed")
	m.Balance(9990)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.gridsCreated.WithLabelValues("static")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersPlaced.WithLabelValues("static")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersReject.WithLabelValues("margin")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersFilled.WithLabelValues("BUY_STOP")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersClosed.WithLabelValues("STOPPED_OUT")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.regenerations.WithLabelValues("placed")))
	assert.Equal(t, 9990.0, testutil.ToFloat64(m.balance))
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.GridCreated("range")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.gridsCreated.WithLabelValues("range")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.OrderPlaced("volatility")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `grid_orders_placed_total{strategy="volatility"} 1`)
	assert.Contains(t, string(body), "grid_account_balance 0")
}
