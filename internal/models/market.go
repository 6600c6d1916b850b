package models

import (
	"fmt"
	"math"
	"time"
)

// Bar 一根K线
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

const (
	ColumnOpen      = "Open"
	ColumnHigh      = "High"
	ColumnLow       = "Low"
	ColumnClose     = "Close"
	ColumnVolume    = "Volume"
	ColumnSwingHigh = "SwingHigh"
	ColumnSwingLow  = "SwingLow"
)

// Series 按时间排序的K线序列, 附带指标列 (缺失值为 NaN) 和布尔标记列
type Series struct {
	Bars    []Bar
	columns map[string][]float64
	flags   map[string][]bool
}

// NewSeries 以给定K线创建序列
func NewSeries(bars []Bar) *Series {
	return &Series{
		Bars:    bars,
		columns: make(map[string][]float64),
		flags:   make(map[string][]bool),
	}
}

// Len 返回K线数量
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Bars)
}

// SetColumn 写入指标列, 长度必须与K线一致
func (s *Series) SetColumn(name string, values []float64) error {
	if len(values) != len(s.Bars) {
		return fmt.Errorf("column %s has %d values, series has %d bars", name, len(values), len(s.Bars))
	}
	s.columns[name] = values
	return nil
}

// Column 返回指标列; 基础价格列 Open/High/Low/Close/Volume 始终可用
func (s *Series) Column(name string) ([]float64, bool) {
	if s == nil {
		return nil, false
	}
	switch name {
	case ColumnOpen, ColumnHigh, ColumnLow, ColumnClose, ColumnVolume:
		out := make([]float64, len(s.Bars))
		for i, b := range s.Bars {
			switch name {
			case ColumnOpen:
				out[i] = b.Open
			case ColumnHigh:
				out[i] = b.High
			case ColumnLow:
				out[i] = b.Low
			case ColumnClose:
				out[i] = b.Close
			default:
				out[i] = b.Volume
			}
		}
		return out, true
	}
	v, ok := s.columns[name]
	return v, ok
}

// HasColumn 指标列是否存在
func (s *Series) HasColumn(name string) bool {
	_, ok := s.Column(name)
	return ok
}

// SetFlags 写入布尔标记列
func (s *Series) SetFlags(name string, values []bool) error {
	if len(values) != len(s.Bars) {
		return fmt.Errorf("flags %s has %d values, series has %d bars", name, len(values), len(s.Bars))
	}
	s.flags[name] = values
	return nil
}

// Flags 返回布尔标记列
func (s *Series) Flags(name string) ([]bool, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.flags[name]
	return v, ok
}

// Latest 返回最新一根K线上某列的值; 列缺失或值为 NaN 时 ok 为 false
func (s *Series) Latest(name string) (float64, bool) {
	col, ok := s.Column(name)
	if !ok || len(col) == 0 {
		return 0, false
	}
	v := col[len(col)-1]
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Last 返回最新一根K线
func (s *Series) Last() (Bar, bool) {
	if s.Len() == 0 {
		return Bar{}, false
	}
	return s.Bars[len(s.Bars)-1], true
}

// Append 追加一根K线, 已有指标列补 NaN
func (s *Series) Append(bar Bar) {
	s.Bars = append(s.Bars, bar)
	for name, col := range s.columns {
		s.columns[name] = append(col, math.NaN())
	}
	for name, col := range s.flags {
		s.flags[name] = append(col, false)
	}
}

// Tail 返回最后 n 根K线的拷贝
func (s *Series) Tail(n int) *Series {
	if n > s.Len() {
		n = s.Len()
	}
	if n < 0 {
		n = 0
	}
	start := s.Len() - n
	out := NewSeries(append([]Bar(nil), s.Bars[start:]...))
	for name, col := range s.columns {
		out.columns[name] = append([]float64(nil), col[start:]...)
	}
	for name, col := range s.flags {
		out.flags[name] = append([]bool(nil), col[start:]...)
	}
	return out
}
