package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ai-trader/internal/config"
	"ai-trader/internal/market"
)

type orderClient interface {
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	LoadMarkets(params ...interface{}) (map[string]ccxt.MarketInterface, error)
}

// CCXT 通过交易所现货接口执行订单。
// Submit 仅提交订单，WaitForFill 轮询订单状态直至终态或确认窗口耗尽。
type CCXT struct {
	client      orderClient
	fillTimeout time.Duration
	logger      *zap.Logger

	marketsMu     sync.Mutex
	marketsLoaded bool

	ordersMu sync.Mutex
	symbols  map[string]string // order_id -> symbol，FetchOrder 需要
}

const fillPollInterval = 2 * time.Second

// NewCCXT 根据配置构建交易所券商。目前仅支持 binance 现货。
func NewCCXT(cfg config.BrokerConfig, logger *zap.Logger) (*CCXT, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name != "binance" {
		return nil, fmt.Errorf("broker: 不支持的交易所 %q", cfg.Name)
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "spot",
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinance(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &CCXT{
		client:      &ex,
		fillTimeout: cfg.FillTimeout,
		logger:      logger,
		symbols:     make(map[string]string),
	}, nil
}

var _ Broker = (*CCXT)(nil)

func (c *CCXT) ensureMarketsLoaded() error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	if _, err := c.client.LoadMarkets(); err != nil {
		return fmt.Errorf("broker: 加载市场元数据失败: %w", err)
	}

	c.marketsLoaded = true
	c.logger.Info("券商市场元数据已加载")
	return nil
}

// Submit 提交限价单。交易所明确拒单时返回 ErrOrderRejected。
func (c *CCXT) Submit(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := c.ensureMarketsLoaded(); err != nil {
		return "", err
	}

	side := "buy"
	if req.Side == SideSell {
		side = "sell"
	}

	price, _ := req.PriceHint.Float64()
	order, err := c.client.CreateLimitOrder(req.Symbol, side, float64(req.Quantity), price)
	if err != nil {
		if !market.IsRetryable(err) {
			return "", fmt.Errorf("%w: %v", ErrOrderRejected, err)
		}
		return "", fmt.Errorf("broker: 提交订单失败: %w", err)
	}

	if order.Id == nil || *order.Id == "" {
		return "", errors.New("broker: 交易所未返回订单号")
	}
	orderID := *order.Id

	c.ordersMu.Lock()
	c.symbols[orderID] = req.Symbol
	c.ordersMu.Unlock()

	c.logger.Info("订单已提交",
		zap.String("order_id", orderID),
		zap.String("agent_id", req.AgentID),
		zap.String("symbol", req.Symbol),
		zap.String("side", side),
		zap.Int64("quantity", req.Quantity),
	)
	return orderID, nil
}

// WaitForFill 轮询订单直至终态。确认窗口耗尽返回 ErrTimeout，
// 订单此时可能仍在交易所排队，必须留给对账处理。
func (c *CCXT) WaitForFill(ctx context.Context, orderID string) (Fill, error) {
	c.ordersMu.Lock()
	symbol, ok := c.symbols[orderID]
	c.ordersMu.Unlock()
	if !ok {
		return Fill{}, fmt.Errorf("%w: order_id=%s", ErrUnknownOrder, orderID)
	}

	deadline := time.Now().Add(c.fillTimeout)
	ticker := time.NewTicker(fillPollInterval)
	defer ticker.Stop()

	for {
		order, err := c.client.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(symbol))
		if err != nil {
			if !market.IsRetryable(err) {
				return Fill{}, fmt.Errorf("broker: 查询订单失败: %w", err)
			}
			c.logger.Warn("查询订单失败，继续轮询",
				zap.String("order_id", orderID),
				zap.Error(err),
			)
		} else if fill, done := convertOrder(orderID, symbol, order); done {
			if fill.Status == StatusRejected {
				return Fill{}, fmt.Errorf("%w: order_id=%s", ErrOrderRejected, orderID)
			}
			return fill, nil
		}

		if time.Now().After(deadline) {
			return Fill{}, fmt.Errorf("%w: order_id=%s", ErrTimeout, orderID)
		}

		select {
		case <-ctx.Done():
			return Fill{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status 查询订单当前状态，不等待终态。
func (c *CCXT) Status(ctx context.Context, orderID string) (OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.ordersMu.Lock()
	symbol, ok := c.symbols[orderID]
	c.ordersMu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: order_id=%s", ErrUnknownOrder, orderID)
	}

	order, err := c.client.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(symbol))
	if err != nil {
		return "", fmt.Errorf("broker: 查询订单失败: %w", err)
	}

	fill, _ := convertOrder(orderID, symbol, order)
	return fill.Status, nil
}

// Cancel 请求撤销订单。已终态订单由交易所侧拒绝。
func (c *CCXT) Cancel(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.ordersMu.Lock()
	symbol, ok := c.symbols[orderID]
	c.ordersMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: order_id=%s", ErrUnknownOrder, orderID)
	}

	if _, err := c.client.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(symbol)); err != nil {
		return fmt.Errorf("broker: 撤销订单失败: %w", err)
	}

	c.logger.Info("订单已撤销", zap.String("order_id", orderID))
	return nil
}

// Positions 返回交易所账户各币种余额视图。数量按整数截断，
// 仅供对账比对，不用于下单计算。
func (c *CCXT) Positions(ctx context.Context, agentID string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	balances, err := c.client.FetchBalance()
	if err != nil {
		return nil, fmt.Errorf("broker: 获取账户持仓失败: %w", err)
	}

	holdings := make(map[string]int64)
	for code, total := range balances.Total {
		if total == nil || *total <= 0 {
			continue
		}
		if isQuoteCurrency(code) {
			continue
		}
		holdings[code] = int64(*total)
	}
	return holdings, nil
}

// Balance 返回交易所账户的可用计价货币余额。
func (c *CCXT) Balance(ctx context.Context, agentID string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}

	balances, err := c.client.FetchBalance()
	if err != nil {
		return decimal.Zero, fmt.Errorf("broker: 获取账户余额失败: %w", err)
	}

	for _, code := range []string{"USDT", "USDC", "USD"} {
		if free, ok := balances.Free[code]; ok && free != nil {
			return decimal.NewFromFloat(*free), nil
		}
	}
	return decimal.Zero, nil
}

func isQuoteCurrency(code string) bool {
	switch code {
	case "USDT", "USDC", "USD":
		return true
	}
	return false
}

// convertOrder 把交易所订单转换为成交结果。第二个返回值表示是否已达终态。
func convertOrder(orderID, symbol string, order ccxt.Order) (Fill, bool) {
	status := ""
	if order.Status != nil {
		status = *order.Status
	}

	fill := Fill{
		OrderID:  orderID,
		Symbol:   symbol,
		FilledAt: time.Now().UTC(),
	}
	if order.Side != nil && *order.Side == "sell" {
		fill.Side = SideSell
	} else {
		fill.Side = SideBuy
	}
	if order.Filled != nil {
		fill.FilledQuantity = int64(*order.Filled)
	}
	if order.Average != nil {
		fill.AvgPrice = decimal.NewFromFloat(*order.Average)
	} else if order.Price != nil {
		fill.AvgPrice = decimal.NewFromFloat(*order.Price)
	}
	if order.Timestamp != nil {
		fill.FilledAt = time.UnixMilli(*order.Timestamp).UTC()
	}

	switch status {
	case "closed":
		fill.Status = StatusFilled
		return fill, true
	case "canceled":
		fill.Status = StatusCancelled
		return fill, true
	case "rejected":
		fill.Status = StatusRejected
		return fill, true
	case "expired":
		fill.Status = StatusExpired
		return fill, true
	default:
		if fill.FilledQuantity > 0 {
			fill.Status = StatusPartial
		} else {
			fill.Status = StatusPending
		}
		return fill, false
	}
}
