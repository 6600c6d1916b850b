package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"grid-trader-go/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	openKline   = `{"e":"kline","E":1700000001000,"s":"EURUSD","k":{"t":1700000000000,"T":1700000059999,"s":"EURUSD","i":"1m","o":"1.1000","c":"1.1004","h":"1.1006","l":"1.0998","v":"120.5","x":false}}`
	closedKline = `{"e":"kline","E":1700000060000,"s":"EURUSD","k":{"t":1700000000000,"T":1700000059999,"s":"EURUSD","i":"1m","o":"1.1000","c":"1.1005","h":"1.1007","l":"1.0998","v":"130.5","x":true}}`
)

func TestDecodeKline(t *testing.T) {
	symbol, bar, closed, err := DecodeKline([]byte(closedKline))
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", symbol)
	assert.True(t, closed)
	assert.Equal(t, models.Bar{
		Time: time.UnixMilli(1700000000000).UTC(), Open: 1.1, High: 1.1007, Low: 1.0998, Close: 1.1005, Volume: 130.5,
	}, bar)

	_, _, closed, err = DecodeKline([]byte(openKline))
	require.NoError(t, err)
	assert.False(t, closed)

	_, _, _, err = DecodeKline([]byte(`{"e":"aggTrade","p":"1.1"}`))
	assert.Error(t, err)
	_, _, _, err = DecodeKline([]byte(`not json`))
	assert.Error(t, err)
	_, _, _, err = DecodeKline([]byte(`{"e":"kline","s":"EURUSD","k":{"o":"x"}}`))
	assert.Error(t, err)
}

func TestNewKlineStream(t *testing.T) {
	s, err := NewKlineStream(models.FeedConfig{WSURL: "wss://stream.binance.com:9443/", Symbol: "ethusdt", Interval: "5m"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "wss://stream.binance.com:9443/ws/ethusdt@kline_5m", s.URL())
	assert.Equal(t, 60*time.Second, s.pongWait)
	assert.Equal(t, 54*time.Second, s.pingPeriod)

	_, err = NewKlineStream(models.FeedConfig{WSURL: "wss://x", Interval: "1m"}, zap.NewNop())
	assert.Error(t, err)
}

func TestKlineStream_EmitsClosedBars(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range []string{openKline, `garbage`, closedKline} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s, err := NewKlineStream(models.FeedConfig{
		WSURL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbol:   "EURUSD",
		Interval: "1m",
	}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan ClosedBar, 4)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, out) }()

	select {
	case got := <-out:
		assert.Equal(t, "EURUSD", got.Symbol)
		assert.Equal(t, 1.1005, got.Bar.Close)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for closed bar")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop on cancel")
	}
	assert.Empty(t, out, "open klines are not emitted")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/ws/eurusd@kline_1m"}, paths)
}
