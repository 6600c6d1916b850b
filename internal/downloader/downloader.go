package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Header CSV 表头, 与 backtest.LoadCSV 读取的列一致
var Header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	client *binance.Client
	logger *zap.Logger
	pause  time.Duration
}

// Option 配置下载器
type Option func(*KlineDownloader)

// WithBaseURL 替换 REST 地址
func WithBaseURL(url string) Option {
	return func(d *KlineDownloader) { d.client.BaseURL = url }
}

// WithPause 设置两次请求之间的间隔
func WithPause(p time.Duration) Option {
	return func(d *KlineDownloader) { d.pause = p }
}

// NewKlineDownloader 创建一个新的下载器实例
func NewKlineDownloader(logger *zap.Logger, opts ...Option) *KlineDownloader {
	d := &KlineDownloader{
		client: binance.NewClient("", ""), // 公共接口不需要API Key
		logger: logger,
		pause:  200 * time.Millisecond, // 避免过于频繁的请求
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DownloadKlines 下载指定交易对、周期和时间范围内的K线数据并保存到CSV文件.
// 如果文件已存在，则会跳过下载，直接使用缓存。返回是否使用了缓存
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, interval, filePath string, startTime, endTime time.Time) (bool, error) {
	log := d.logger.With(zap.String("symbol", symbol), zap.String("interval", interval))
	if _, err := os.Stat(filePath); err == nil {
		log.Info("Using cached klines", zap.String("file", filePath))
		return true, nil
	}
	if !startTime.Before(endTime) {
		return false, errors.Errorf("start %s is not before end %s", startTime, endTime)
	}

	log.Info("Downloading klines",
		zap.String("start", startTime.Format("2006-01-02")), zap.String("end", endTime.Format("2006-01-02")))

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, errors.Wrapf(err, "create directory %s", dir)
	}

	// 先写临时文件, 中途失败不会留下不完整的缓存
	tmp := filePath + ".part"
	rows, err := d.write(ctx, tmp, symbol, interval, startTime, endTime, log)
	if err != nil {
		os.Remove(tmp)
		return false, err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return false, errors.Wrap(err, "finalize kline file")
	}
	log.Info("Klines downloaded", zap.String("file", filePath), zap.Int("rows", rows))
	return false, nil
}

func (d *KlineDownloader) write(ctx context.Context, path, symbol, interval string, startTime, endTime time.Time, log *zap.Logger) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrapf(err, "create file %s", path)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(Header); err != nil {
		return 0, errors.Wrap(err, "write csv header")
	}

	rows := 0
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli() - 1).
			Limit(1000). // 币安单次请求最多1000条
			Do(ctx)
		if err != nil {
			return rows, errors.Wrap(err, "fetch klines")
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			if k.OpenTime >= endTime.UnixMilli() {
				break
			}
			record := []string{
				fmt.Sprintf("%d", k.OpenTime),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				fmt.Sprintf("%d", k.CloseTime),
				k.QuoteAssetVolume,
				fmt.Sprintf("%d", k.TradeNum),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return rows, errors.Wrap(err, "write csv record")
			}
			rows++
		}

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		log.Debug("Klines downloaded up to", zap.Time("time", t))

		if d.pause > 0 {
			select {
			case <-time.After(d.pause):
			case <-ctx.Done():
				return rows, ctx.Err()
			}
		}
	}
	writer.Flush()
	return rows, errors.Wrap(writer.Error(), "flush csv")
}
