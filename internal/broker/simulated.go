package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Simulated 为内存模拟券商：订单按委托价即时全额成交。
// 维护独立的现金与持仓副本，供对账路径比对账本视图。
type Simulated struct {
	logger *zap.Logger

	mu       sync.Mutex
	cash     map[string]decimal.Decimal // agent_id -> 现金
	holdings map[string]map[string]int64
	fills    map[string]Fill
	orders   map[string]string // order_id -> agent_id
}

// NewSimulated 创建模拟券商。
func NewSimulated(logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulated{
		logger:   logger,
		cash:     make(map[string]decimal.Decimal),
		holdings: make(map[string]map[string]int64),
		fills:    make(map[string]Fill),
		orders:   make(map[string]string),
	}
}

var _ Broker = (*Simulated)(nil)

// Seed 设置代理在券商侧的初始资金与持仓，供启动时与账本对齐。
func (s *Simulated) Seed(agentID string, cash decimal.Decimal, holdings map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cash[agentID] = cash
	copied := make(map[string]int64, len(holdings))
	for symbol, qty := range holdings {
		copied[symbol] = qty
	}
	s.holdings[agentID] = copied
}

// Submit 校验并即时撮合订单。资金或持仓不足时拒单。
func (s *Simulated) Submit(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Quantity <= 0 {
		return "", fmt.Errorf("%w: 委托数量非法: %d", ErrOrderRejected, req.Quantity)
	}
	if req.PriceHint.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("%w: 委托价格非法: %s", ErrOrderRejected, req.PriceHint.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cash, ok := s.cash[req.AgentID]
	if !ok {
		return "", fmt.Errorf("%w: 未知代理 %s", ErrOrderRejected, req.AgentID)
	}

	amount := req.PriceHint.Mul(decimal.NewFromInt(req.Quantity))

	switch req.Side {
	case SideBuy:
		if cash.LessThan(amount) {
			return "", fmt.Errorf("%w: 资金不足 cash=%s amount=%s", ErrOrderRejected, cash.String(), amount.String())
		}
		s.cash[req.AgentID] = cash.Sub(amount)
		if s.holdings[req.AgentID] == nil {
			s.holdings[req.AgentID] = make(map[string]int64)
		}
		s.holdings[req.AgentID][req.Symbol] += req.Quantity
	case SideSell:
		held := s.holdings[req.AgentID][req.Symbol]
		if held < req.Quantity {
			return "", fmt.Errorf("%w: 持仓不足 held=%d qty=%d", ErrOrderRejected, held, req.Quantity)
		}
		s.cash[req.AgentID] = cash.Add(amount)
		s.holdings[req.AgentID][req.Symbol] = held - req.Quantity
		if s.holdings[req.AgentID][req.Symbol] == 0 {
			delete(s.holdings[req.AgentID], req.Symbol)
		}
	default:
		return "", fmt.Errorf("%w: 订单方向非法: %q", ErrOrderRejected, req.Side)
	}

	orderID := uuid.NewString()
	s.fills[orderID] = Fill{
		OrderID:        orderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Status:         StatusFilled,
		FilledQuantity: req.Quantity,
		AvgPrice:       req.PriceHint,
		FilledAt:       time.Now().UTC(),
	}
	s.orders[orderID] = req.AgentID

	s.logger.Info("模拟订单已成交",
		zap.String("order_id", orderID),
		zap.String("agent_id", req.AgentID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("quantity", req.Quantity),
		zap.String("price", req.PriceHint.String()),
	)
	return orderID, nil
}

// WaitForFill 返回已撮合的成交结果。
func (s *Simulated) WaitForFill(ctx context.Context, orderID string) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fill, ok := s.fills[orderID]
	if !ok {
		return Fill{}, fmt.Errorf("%w: order_id=%s", ErrUnknownOrder, orderID)
	}
	return fill, nil
}

// Status 返回订单当前状态。
func (s *Simulated) Status(ctx context.Context, orderID string) (OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fill, ok := s.fills[orderID]
	if !ok {
		return "", fmt.Errorf("%w: order_id=%s", ErrUnknownOrder, orderID)
	}
	return fill.Status, nil
}

// Cancel 取消订单。模拟撮合即时成交，已终态订单无法取消。
func (s *Simulated) Cancel(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fill, ok := s.fills[orderID]
	if !ok {
		return fmt.Errorf("%w: order_id=%s", ErrUnknownOrder, orderID)
	}
	return fmt.Errorf("broker: 订单已处于终态 %s，无法取消", fill.Status)
}

// Positions 返回代理在券商侧的持仓视图。
func (s *Simulated) Positions(ctx context.Context, agentID string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, holdings := s.Snapshot(agentID)
	return holdings, nil
}

// Balance 返回代理在券商侧的可用现金。
func (s *Simulated) Balance(ctx context.Context, agentID string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}

	cash, _ := s.Snapshot(agentID)
	return cash, nil
}

// Snapshot 返回代理在券商侧的现金与持仓，供对账使用。
func (s *Simulated) Snapshot(agentID string) (decimal.Decimal, map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cash := s.cash[agentID]
	holdings := make(map[string]int64, len(s.holdings[agentID]))
	for symbol, qty := range s.holdings[agentID] {
		holdings[symbol] = qty
	}
	return cash, holdings
}
