package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"grid-trader-go/internal/models"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ClosedBar 一根已收盘的K线
type ClosedBar struct {
	Symbol string
	Bar    models.Bar
}

// KlineStream 订阅币安 K 线 WebSocket 流, 断线后自动重连
type KlineStream struct {
	url            string
	symbol         string
	pingPeriod     time.Duration
	pongWait       time.Duration
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	logger         *zap.Logger
}

// NewKlineStream 根据配置创建 K 线流, WebSocket 地址格式为 <ws_url>/ws/<symbol>@kline_<interval>
func NewKlineStream(cfg models.FeedConfig, logger *zap.Logger) (*KlineStream, error) {
	symbol := models.NormalizeSymbol(cfg.Symbol)
	if symbol == "" || cfg.Interval == "" || cfg.WSURL == "" {
		return nil, errors.New("feed requires ws_url, symbol and interval")
	}
	pongWait := time.Duration(cfg.PongTimeoutSec) * time.Second
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	pingPeriod := time.Duration(cfg.PingIntervalSec) * time.Second
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = (pongWait * 9) / 10 // 必须小于 pongWait
	}
	return &KlineStream{
		url:            fmt.Sprintf("%s/ws/%s@kline_%s", strings.TrimRight(cfg.WSURL, "/"), strings.ToLower(symbol), cfg.Interval),
		symbol:         symbol,
		pingPeriod:     pingPeriod,
		pongWait:       pongWait,
		reconnectDelay: 5 * time.Second,
		dialer:         websocket.DefaultDialer,
		logger:         logger.With(zap.String("symbol", symbol)),
	}, nil
}

// URL 返回订阅地址
func (s *KlineStream) URL() string { return s.url }

// Run 维持连接并把收盘K线写入 out, 直到 ctx 结束
func (s *KlineStream) Run(ctx context.Context, out chan<- ClosedBar) error {
	for {
		err := s.session(ctx, out)
		if ctx.Err() != nil {
			s.logger.Info("Kline stream stopped")
			return ctx.Err()
		}
		s.logger.Warn("Kline stream disconnected, reconnecting", zap.Error(err), zap.Duration("delay", s.reconnectDelay))
		select {
		case <-time.After(s.reconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// session 处理一次连接, 阻塞直到连接断开或 ctx 结束
func (s *KlineStream) session(ctx context.Context, out chan<- ClosedBar) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return errors.Wrap(err, "dial kline stream")
	}
	defer conn.Close()
	s.logger.Info("Kline stream connected", zap.String("url", s.url))

	// 设置Pong处理器来延长读取超时
	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					s.logger.Warn("Failed to send ping", zap.Error(err))
					return
				}
			case <-ctx.Done():
				// 优雅关闭, 同时让阻塞的 ReadMessage 返回
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read kline message")
		}
		symbol, bar, closed, err := DecodeKline(message)
		if err != nil {
			s.logger.Warn("Failed to decode kline message", zap.Error(err))
			continue
		}
		if !closed {
			continue
		}
		select {
		case out <- ClosedBar{Symbol: symbol, Bar: bar}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type klineEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime int64  `json:"t"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

// DecodeKline 解析一条 kline 事件, 返回品种、K线以及是否已收盘
func DecodeKline(message []byte) (string, models.Bar, bool, error) {
	var ev klineEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		return "", models.Bar{}, false, errors.Wrap(err, "unmarshal kline event")
	}
	if ev.EventType != "kline" {
		return "", models.Bar{}, false, errors.Errorf("unexpected event type %q", ev.EventType)
	}
	k := ev.Kline
	var values [5]float64
	for i, raw := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", models.Bar{}, false, errors.Wrapf(err, "parse kline field %d", i)
		}
		values[i] = v
	}
	bar := models.Bar{
		Time:   time.UnixMilli(k.StartTime).UTC(),
		Open:   values[0],
		High:   values[1],
		Low:    values[2],
		Close:  values[3],
		Volume: values[4],
	}
	return models.NormalizeSymbol(ev.Symbol), bar, k.IsClosed, nil
}
