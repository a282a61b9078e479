package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ai-trader/internal/config"
	"ai-trader/internal/ledger"
)

// 拒绝原因常量。写入账本留痕记录时原样使用。
const (
	ReasonDailyHalted      = "max_daily_loss_ratio exceeded"
	ReasonConcentration    = "max_single_position_ratio exceeded"
	ReasonInsufficientCash = "insufficient cash"
	ReasonCashReserve      = "min_cash_reserve breached"
	ReasonInsufficientQty  = "insufficient quantity"
	ReasonUnsettledQty     = "insufficient settled quantity"
	ReasonLotSize          = "quantity not a lot size multiple"
	ReasonMissingPrice     = "price unavailable"
	ReasonStopLoss         = "stop_loss triggered"
)

// Controller 对模型决策执行确定性风控评估。
// 评估不产生副作用，日度状态由 DailyTracker 单独维护。
type Controller struct {
	limits config.RiskConfig
	logger *zap.Logger
}

// NewController 创建风控控制器。limits 为该代理合并后的风控参数。
func NewController(limits config.RiskConfig, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		limits: limits,
		logger: logger,
	}
}

// Evaluate 评估一条决策。HOLD 永远通过；
// 交易决策在熔断、仓位集中度、现金下限、可卖数量等约束下判定。
func (c *Controller) Evaluate(input Input) Verdict {
	decision := input.Decision

	if decision.Action == "HOLD" {
		return Verdict{Accepted: true}
	}

	if input.Daily.Halted {
		return c.reject(input, ReasonDailyHalted)
	}

	if input.LotSize > 1 && decision.Quantity%input.LotSize != 0 {
		return c.reject(input, ReasonLotSize)
	}

	price, ok := input.Prices[decision.Symbol]
	if !ok || price.LessThanOrEqual(decimal.Zero) {
		return c.reject(input, ReasonMissingPrice)
	}

	switch decision.Action {
	case "BUY":
		return c.evaluateBuy(input, price)
	case "SELL":
		return c.evaluateSell(input)
	default:
		return c.reject(input, fmt.Sprintf("unknown action %q", decision.Action))
	}
}

func (c *Controller) evaluateBuy(input Input, price decimal.Decimal) Verdict {
	amount := price.Mul(decimal.NewFromInt(input.Decision.Quantity))
	remaining := input.Position.Cash.Sub(amount)

	if !c.limits.AllowNegativeCash {
		if remaining.LessThan(decimal.Zero) {
			return c.reject(input, ReasonInsufficientCash)
		}
		reserve := decimal.NewFromFloat(c.limits.MinCashReserve)
		if remaining.LessThan(reserve) {
			return c.reject(input, ReasonCashReserve)
		}
	}

	// 集中度按成交后的持仓市值占总资产比例计算。
	equity := input.Position.TotalValue(input.Prices)
	if equity.LessThanOrEqual(decimal.Zero) {
		return c.reject(input, "equity not positive")
	}

	currentQty := input.Position.Quantity(input.Decision.Symbol)
	resultingValue := price.Mul(decimal.NewFromInt(currentQty + input.Decision.Quantity))
	limit := equity.Mul(decimal.NewFromFloat(c.limits.MaxSinglePositionRatio))
	if resultingValue.GreaterThan(limit) {
		return c.reject(input, ReasonConcentration)
	}

	return Verdict{Accepted: true}
}

func (c *Controller) evaluateSell(input Input) Verdict {
	held := input.Position.Quantity(input.Decision.Symbol)
	if input.Decision.Quantity > held {
		return c.reject(input, ReasonInsufficientQty)
	}

	if input.TPlusOne {
		settled := input.Position.SettledQuantity(input.Decision.Symbol, input.AsOf)
		if input.Decision.Quantity > settled {
			return c.reject(input, ReasonUnsettledQty)
		}
	}

	return Verdict{Accepted: true}
}

func (c *Controller) reject(input Input, reason string) Verdict {
	c.logger.Warn("风控拒绝决策",
		zap.String("agent_id", input.Position.AgentID),
		zap.String("action", input.Decision.Action),
		zap.String("symbol", input.Decision.Symbol),
		zap.Int64("quantity", input.Decision.Quantity),
		zap.String("reason", reason),
	)
	return Verdict{Accepted: false, Reason: reason}
}

// StopLossSells 扫描持仓，返回跌破止损线的强制卖出指令。
// 止损线按批次成本价加权均价计算；T+1 市场仅卖出可结算部分。
func (c *Controller) StopLossSells(pos ledger.Position, prices map[string]decimal.Decimal, input Input) []ForcedSell {
	if !c.limits.EnableStopLoss || c.limits.StopLossRatio <= 0 {
		return nil
	}

	var sells []ForcedSell
	threshold := decimal.NewFromFloat(1 - c.limits.StopLossRatio)

	for _, symbol := range pos.Symbols() {
		price, ok := prices[symbol]
		if !ok || price.LessThanOrEqual(decimal.Zero) {
			continue
		}

		avgCost := averageCost(pos.Holdings[symbol])
		if avgCost.LessThanOrEqual(decimal.Zero) {
			continue
		}

		if price.GreaterThanOrEqual(avgCost.Mul(threshold)) {
			continue
		}

		qty := pos.Quantity(symbol)
		if input.TPlusOne {
			qty = pos.SettledQuantity(symbol, input.AsOf)
		}
		if input.LotSize > 1 {
			qty -= qty % input.LotSize
		}
		if qty <= 0 {
			continue
		}

		c.logger.Warn("触发止损强制卖出",
			zap.String("agent_id", pos.AgentID),
			zap.String("symbol", symbol),
			zap.Int64("quantity", qty),
			zap.String("price", price.String()),
			zap.String("avg_cost", avgCost.String()),
		)

		sells = append(sells, ForcedSell{
			Symbol:   symbol,
			Quantity: qty,
			Price:    price,
			Reason:   fmt.Sprintf("%s: price=%s avg_cost=%s", ReasonStopLoss, price.String(), avgCost.String()),
		})
	}

	return sells
}

func averageCost(lots []ledger.Lot) decimal.Decimal {
	var totalQty int64
	totalCost := decimal.Zero
	for _, lot := range lots {
		totalQty += lot.Quantity
		totalCost = totalCost.Add(lot.Price.Mul(decimal.NewFromInt(lot.Quantity)))
	}
	if totalQty == 0 {
		return decimal.Zero
	}
	return totalCost.Div(decimal.NewFromInt(totalQty))
}
