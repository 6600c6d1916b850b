package backtest

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"grid-trader-go/internal/models"

	"github.com/pkg/errors"
)

// LoadCSV 读取下载器生成的K线文件: open_time(ms), open, high, low, close, volume, ...
// 无法解析的行会被跳过并计数
func LoadCSV(path string) (*models.Series, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "open kline file %s", path)
	}
	defer file.Close()
	return ReadCSV(file)
}

// ReadCSV 从 reader 解析K线, 第一行为表头
func ReadCSV(r io.Reader) (*models.Series, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return nil, 0, errors.New("kline file is empty")
		}
		return nil, 0, errors.Wrap(err, "read csv header")
	}

	var bars []models.Bar
	skipped := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, skipped, errors.Wrap(err, "read csv record")
		}
		bar, ok := parseRecord(record)
		if !ok {
			skipped++
			continue
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return nil, skipped, errors.New("kline file has no data rows")
	}
	return models.NewSeries(bars), skipped, nil
}

func parseRecord(record []string) (models.Bar, bool) {
	if len(record) < 5 {
		return models.Bar{}, false
	}
	ms, errT := strconv.ParseInt(record[0], 10, 64)
	open, errO := strconv.ParseFloat(record[1], 64)
	high, errH := strconv.ParseFloat(record[2], 64)
	low, errL := strconv.ParseFloat(record[3], 64)
	closePrice, errC := strconv.ParseFloat(record[4], 64)
	if errT != nil || errO != nil || errH != nil || errL != nil || errC != nil {
		return models.Bar{}, false
	}
	bar := models.Bar{Time: time.UnixMilli(ms).UTC(), Open: open, High: high, Low: low, Close: closePrice}
	if len(record) > 5 {
		bar.Volume, _ = strconv.ParseFloat(record[5], 64)
	}
	return bar, true
}

// SymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/EURUSD-2024-01-01-2024-02-01.csv" -> "EURUSD"
func SymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return models.NormalizeSymbol(strings.Split(name, "-")[0])
}
