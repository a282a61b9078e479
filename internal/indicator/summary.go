package indicator

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"ai-trader/internal/market"
)

// Summary 为单个标的的技术指标摘要，随行情一并提供给决策模型。
type Summary struct {
	Symbol        string  `json:"symbol"`
	Close         float64 `json:"close"`
	PreviousClose float64 `json:"previous_close"`
	ChangePercent float64 `json:"change_percent"`
	SMA20         float64 `json:"sma_20"`
	RSI14         float64 `json:"rsi_14"`
	ATR14         float64 `json:"atr_14"`
	Volume        float64 `json:"volume"`
	AvgVolume20   float64 `json:"avg_volume_20"`
}

const (
	smaPeriod = 20
	rsiPeriod = 14
	atrPeriod = 14
)

// Compute 依据K线序列计算指标摘要。样本不足时对应指标置零而非报错，
// 仅在序列为空时返回错误。
func Compute(symbol string, candles []market.Candle) (Summary, error) {
	if len(candles) == 0 {
		return Summary{}, fmt.Errorf("计算指标失败: 输入K线为空")
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	summary := Summary{
		Symbol: symbol,
		Close:  closes[len(closes)-1],
		Volume: volumes[len(volumes)-1],
	}
	if len(closes) > 1 {
		summary.PreviousClose = closes[len(closes)-2]
		if summary.PreviousClose > 0 {
			summary.ChangePercent = (summary.Close - summary.PreviousClose) / summary.PreviousClose * 100
		}
	}

	if len(closes) >= smaPeriod {
		summary.SMA20 = lastValid(talib.Sma(closes, smaPeriod))
		summary.AvgVolume20 = lastValid(talib.Sma(volumes, smaPeriod))
	}
	if len(closes) > rsiPeriod {
		summary.RSI14 = lastValid(talib.Rsi(closes, rsiPeriod))
	}
	if len(closes) > atrPeriod {
		summary.ATR14 = lastValid(talib.Atr(highs, lows, closes, atrPeriod))
	}

	return summary, nil
}

func lastValid(values []float64) float64 {
	for i := len(values) - 1; i >= 0; i-- {
		v := values[i]
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v
		}
	}
	return 0
}
