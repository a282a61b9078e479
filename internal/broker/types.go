package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrOrderRejected 表示券商明确拒绝了订单。调用方不得自动重试。
	ErrOrderRejected = errors.New("broker: 订单被拒绝")

	// ErrTimeout 表示在成交确认窗口内未收到终态。
	// 订单可能已部分或全部成交，调用方必须按失败处理并等待人工对账。
	ErrTimeout = errors.New("broker: 等待成交确认超时")

	// ErrUnknownOrder 表示订单号不存在于当前券商端。
	ErrUnknownOrder = errors.New("broker: 未知订单")
)

// Side 表示订单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus 表示订单生命周期状态。
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusExpired   OrderStatus = "EXPIRED"
)

// OrderRequest 描述一笔待提交的订单。
type OrderRequest struct {
	AgentID   string
	SessionID string
	Symbol    string
	Side      Side
	Quantity  int64
	// PriceHint 为限价参考。模拟券商按该价格即时成交。
	PriceHint decimal.Decimal
}

// Fill 为订单的最终成交结果。
type Fill struct {
	OrderID        string
	Symbol         string
	Side           Side
	Status         OrderStatus
	FilledQuantity int64
	AvgPrice       decimal.Decimal
	FilledAt       time.Time
}

// Broker 为订单执行端抽象。提交与确认分离：Submit 仅表示受理，
// WaitForFill 阻塞至订单进入终态或超出确认窗口。
// Positions 与 Balance 暴露券商侧视图，供对账路径比对账本。
type Broker interface {
	Submit(ctx context.Context, req OrderRequest) (orderID string, err error)
	Status(ctx context.Context, orderID string) (OrderStatus, error)
	WaitForFill(ctx context.Context, orderID string) (Fill, error)
	Cancel(ctx context.Context, orderID string) error
	Positions(ctx context.Context, agentID string) (map[string]int64, error)
	Balance(ctx context.Context, agentID string) (decimal.Decimal, error)
}
