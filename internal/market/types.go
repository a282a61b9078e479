package market

import (
	"context"
	"time"
)

// OHLCV 表示某标的在一个时间桶内的行情。
type OHLCV struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Candle 为带时间戳的K线，用于指标计算与历史回放。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Source 统一了历史文件回放与实时行情两种来源。
// asOf 为零点时按日线取数，否则按小时线取数。
type Source interface {
	GetPrices(ctx context.Context, symbols []string, market string, asOf time.Time) (map[string]OHLCV, error)
}

// HistoryProvider 为可选扩展：提供截至 asOf 的近端K线序列，
// 供指标摘要等决策上下文使用。
type HistoryProvider interface {
	History(ctx context.Context, symbol, market string, asOf time.Time, limit int) ([]Candle, error)
}

const (
	// DateLayout 日线时间键格式。
	DateLayout = "2006-01-02"
	// HourLayout 小时线时间键格式。
	HourLayout = "2006-01-02 15:04:05"
)

// TimeKey 将 asOf 规整为数据文件使用的时间键。
func TimeKey(asOf time.Time) string {
	if isMidnight(asOf) {
		return asOf.Format(DateLayout)
	}
	return asOf.Format(HourLayout)
}

func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0
}
