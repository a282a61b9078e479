package market

import (
	"context"
	"errors"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrDataUnavailable 表示请求的标的/时间点没有数据。
	// 调用方应将其视为"跳过本次会话"而非硬错误。
	ErrDataUnavailable = errors.New("market: 行情数据不可用")

	// ErrTimeout 表示上游行情调用超时，可在限定次数内重试。
	ErrTimeout = errors.New("market: 行情请求超时")
)

// IsRetryable 判断行情错误是否可重试（仅超时类错误可重试）。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	return errors.Is(err, context.DeadlineExceeded)
}
