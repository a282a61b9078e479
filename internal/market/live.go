package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ai-trader/internal/config"
)

type candleClient interface {
	FetchOHLCV(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error)
	LoadMarkets(params ...interface{}) (map[string]ccxt.MarketInterface, error)
}

// CryptoSource 通过 ccxt 拉取实时行情。
type CryptoSource struct {
	client  candleClient
	cfg     config.DataSourceConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewCryptoSource 创建实时行情源（默认 Binance 现货）。
func NewCryptoSource(cfg config.DataSourceConfig, logger *zap.Logger) *CryptoSource {
	client := ccxt.NewBinance(map[string]interface{}{
		"enableRateLimit": true,
	})
	return NewCryptoSourceWithClient(&client, cfg, logger)
}

// NewCryptoSourceWithClient 使用注入的客户端创建实时行情源，便于测试。
func NewCryptoSourceWithClient(client candleClient, cfg config.DataSourceConfig, logger *zap.Logger) *CryptoSource {
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &CryptoSource{
		client:  client,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger,
	}
}

var _ Source = (*CryptoSource)(nil)

// GetPrices 并发拉取各标的的最新K线并映射为 OHLCV。
// 超时错误按线性退避重试，最多 cfg.MaxAttempts 次。
// 单个标的失败只缺失该标的，全部失败才返回错误，
// 与历史行情源的语义保持一致。
func (s *CryptoSource) GetPrices(ctx context.Context, symbols []string, market string, asOf time.Time) (map[string]OHLCV, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: 标的列表为空", ErrDataUnavailable)
	}

	if err := s.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	timeframe := "1d"
	if !isMidnight(asOf) {
		timeframe = "1h"
	}

	var mu sync.Mutex
	result := make(map[string]OHLCV, len(symbols))
	failures := make(map[string]error, len(symbols))

	var group errgroup.Group
	for _, symbol := range symbols {
		group.Go(func() error {
			bar, err := s.fetchLatest(ctx, symbol, timeframe)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[symbol] = err
				return nil
			}
			result[symbol] = bar
			return nil
		})
	}
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for symbol, err := range failures {
		s.logger.Warn("标的行情缺失",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	}

	if len(result) == 0 {
		for _, err := range failures {
			if errors.Is(err, ErrTimeout) {
				return nil, fmt.Errorf("%w: 全部标的拉取超时", ErrTimeout)
			}
		}
		return nil, fmt.Errorf("%w: 全部标的均无行情", ErrDataUnavailable)
	}

	return result, nil
}

func (s *CryptoSource) fetchLatest(ctx context.Context, symbol, timeframe string) (OHLCV, error) {
	var lastErr error

	attempts := s.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return OHLCV{}, err
			}
		}

		raw, err := s.fetchWithDeadline(ctx, symbol, timeframe)
		if err == nil {
			if len(raw) == 0 {
				return OHLCV{}, fmt.Errorf("%w: symbol=%s", ErrDataUnavailable, symbol)
			}
			last := raw[len(raw)-1]
			return OHLCV{
				Open:   last.Open,
				High:   last.High,
				Low:    last.Low,
				Close:  last.Close,
				Volume: last.Volume,
			}, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return OHLCV{}, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
		}

		wait := time.Duration(attempt) * time.Second
		s.logger.Warn("行情拉取失败，准备重试",
			zap.String("symbol", symbol),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return OHLCV{}, ctx.Err()
		case <-time.After(wait):
		}
	}

	return OHLCV{}, fmt.Errorf("%w: 重试 %d 次后仍失败: %v", ErrTimeout, attempts, lastErr)
}

// fetchWithDeadline 将单次上游调用限制在配置的超时以内。
// ccxt 调用本身不接受 context，这里通过旁路通道实现截止。
func (s *CryptoSource) fetchWithDeadline(ctx context.Context, symbol, timeframe string) ([]ccxt.OHLCV, error) {
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	type fetchResult struct {
		raw []ccxt.OHLCV
		err error
	}

	done := make(chan fetchResult, 1)
	go func() {
		raw, err := s.client.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(2),
		)
		done <- fetchResult{raw: raw, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: symbol=%s timeout=%s", ErrTimeout, symbol, timeout)
	case res := <-done:
		return res.raw, res.err
	}
}

func (s *CryptoSource) ensureMarketsLoaded(ctx context.Context) error {
	if s.marketsLoaded {
		return nil
	}

	s.marketsMu.Lock()
	defer s.marketsMu.Unlock()

	if s.marketsLoaded {
		return nil
	}

	if _, err := s.client.LoadMarkets(); err != nil {
		return fmt.Errorf("加载市场元数据失败: %w", err)
	}

	s.marketsLoaded = true
	s.logger.Info("已完成市场元数据加载")
	return nil
}
