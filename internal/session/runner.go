package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ai-trader/internal/agent"
	"ai-trader/internal/broker"
	"ai-trader/internal/config"
	"ai-trader/internal/indicator"
	"ai-trader/internal/ledger"
	"ai-trader/internal/market"
	"ai-trader/internal/oracle"
	"ai-trader/internal/risk"
)

type decider interface {
	Decide(ctx context.Context, model string, snap oracle.Snapshot) (oracle.Decision, error)
}

type positionLedger interface {
	CurrentPosition(ctx context.Context, agentID string) (ledger.Position, error)
	Apply(ctx context.Context, input ledger.ApplyInput) (ledger.Entry, error)
}

type dailyTracker interface {
	Update(ctx context.Context, agentID, tradingDate string, equity, maxDailyLoss float64) (risk.DailyStatus, error)
}

// orderBroker 为会话路径用到的券商子集。撤单、持仓与余额查询
// 属于对账路径，会话状态机不触碰。
type orderBroker interface {
	Submit(ctx context.Context, req broker.OrderRequest) (string, error)
	WaitForFill(ctx context.Context, orderID string) (broker.Fill, error)
}

// RunnerDeps 聚合会话运行器的外部协作方。
type RunnerDeps struct {
	Source   market.Source
	History  market.HistoryProvider // 可选，缺省时不附带指标摘要
	Oracle   decider
	Tracker  dailyTracker
	Broker   orderBroker
	Ledger   positionLedger
	Sessions *Store
}

// Runner 驱动单个代理的一次决策会话走完状态机。
// 一个 Runner 服务一个代理，同一代理的会话由调度器保证串行。
type Runner struct {
	profile  agent.Profile
	agentCfg config.AgentConfig
	limits   config.RiskConfig
	ctrl     *risk.Controller
	deps     RunnerDeps
	loc      *time.Location
	logger   *zap.Logger
}

// NewRunner 创建会话运行器。limits 为该代理合并后的风控参数。
func NewRunner(profile agent.Profile, agentCfg config.AgentConfig, limits config.RiskConfig, deps RunnerDeps, logger *zap.Logger) (*Runner, error) {
	if deps.Source == nil || deps.Oracle == nil || deps.Tracker == nil ||
		deps.Broker == nil || deps.Ledger == nil || deps.Sessions == nil {
		return nil, errors.New("session: 运行器依赖不完整")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	loc, err := profile.Location()
	if err != nil {
		return nil, err
	}

	return &Runner{
		profile:  profile,
		agentCfg: agentCfg,
		limits:   limits,
		ctrl:     risk.NewController(limits, logger),
		deps:     deps,
		loc:      loc,
		logger:   logger.With(zap.String("agent_id", agentCfg.ID)),
	}, nil
}

// Run 执行一次已认领的会话。返回的 error 仅在进程必须终止时非空
// （账本写入冲突意味着审计链失效），其余失败都收敛在 Outcome 内。
func (r *Runner) Run(ctx context.Context, t Trigger) (Outcome, error) {
	outcome := Outcome{
		SessionID:   t.SessionID,
		SlotID:      t.SlotID,
		AgentID:     t.AgentID,
		ScheduledAt: t.ScheduledAt,
		Attempt:     t.Attempt,
		StartedAt:   time.Now().UTC(),
	}

	r.logger.Info("会话开始",
		zap.String("session_id", t.SessionID),
		zap.Time("scheduled_at", t.ScheduledAt),
		zap.Int("attempt", t.Attempt),
	)

	// FETCHING
	if err := r.deps.Sessions.UpdateState(ctx, t.SessionID, StateFetching); err != nil {
		return r.fail(ctx, outcome, ErrKindInternal, err)
	}

	pos, err := r.deps.Ledger.CurrentPosition(ctx, t.AgentID)
	if err != nil {
		return r.fail(ctx, outcome, ErrKindInternal, err)
	}

	universe := mergeSymbols(pos.Symbols(), r.agentCfg.Symbols)
	dataAsOf := r.profile.DataAsOf(t.ScheduledAt, r.loc)
	prices, err := r.deps.Source.GetPrices(ctx, universe, r.profile.Market, dataAsOf)
	if err != nil {
		if errors.Is(err, market.ErrDataUnavailable) {
			return r.skip(ctx, outcome, err)
		}
		if errors.Is(err, market.ErrTimeout) {
			return r.fail(ctx, outcome, ErrKindDataTimeout, err)
		}
		return r.fail(ctx, outcome, ErrKindInternal, err)
	}

	// ANALYZING：组装只读决策上下文，不向外部传递可变共享状态。
	if err := r.deps.Sessions.UpdateState(ctx, t.SessionID, StateAnalyzing); err != nil {
		return r.fail(ctx, outcome, ErrKindInternal, err)
	}

	decPrices := closePrices(prices)
	snap := r.buildSnapshot(ctx, t, dataAsOf, pos, prices)

	// DECIDING
	if err := r.deps.Sessions.UpdateState(ctx, t.SessionID, StateDeciding); err != nil {
		return r.fail(ctx, outcome, ErrKindInternal, err)
	}

	decision, err := r.decide(ctx, snap)
	if err != nil {
		switch {
		case errors.Is(err, oracle.ErrTimeout):
			return r.fail(ctx, outcome, ErrKindOracleTimeout, err)
		case errors.Is(err, oracle.ErrInvalidDecision):
			return r.fail(ctx, outcome, ErrKindInvalidDecision, err)
		default:
			return r.fail(ctx, outcome, ErrKindInternal, err)
		}
	}

	outcome.Action = decision.Action
	outcome.Symbol = decision.Symbol
	outcome.Quantity = decision.Quantity

	// 决策标的必须可定价或已持有，否则视为非法决策。
	if decision.Action != "HOLD" {
		if _, ok := prices[decision.Symbol]; !ok && pos.Quantity(decision.Symbol) == 0 {
			return r.fail(ctx, outcome, ErrKindInvalidDecision,
				fmt.Errorf("决策标的无法定价: %s", decision.Symbol))
		}
	}

	// RISK_CHECK
	if err := r.deps.Sessions.UpdateState(ctx, t.SessionID, StateRiskCheck); err != nil {
		return r.fail(ctx, outcome, ErrKindInternal, err)
	}

	tradingDate := t.ScheduledAt.In(r.loc).Format(market.DateLayout)
	equity := pos.TotalValue(decPrices)
	daily, err := r.deps.Tracker.Update(ctx, t.AgentID, tradingDate, equity.InexactFloat64(), r.limits.MaxDailyLossRatio)
	if err != nil {
		return r.fail(ctx, outcome, ErrKindInternal, err)
	}

	input := risk.Input{
		Decision: decision,
		Position: pos,
		Prices:   decPrices,
		Daily:    daily,
		AsOf:     t.ScheduledAt,
		LotSize:  r.profile.LotSize,
		TPlusOne: r.profile.TPlusOne,
	}

	// 止损强制卖出先于模型决策执行。
	for _, forced := range r.ctrl.StopLossSells(pos, decPrices, input) {
		if _, fatalErr := r.executeTrade(ctx, t, ledger.ActionSell, forced.Symbol,
			forced.Quantity, forced.Price, forced.Reason); fatalErr != nil {
			if errors.Is(fatalErr, ledger.ErrWriteConflict) {
				return outcome, fatalErr
			}
			return r.fail(ctx, outcome, errKindForBrokerError(fatalErr), fatalErr)
		}

		pos, err = r.deps.Ledger.CurrentPosition(ctx, t.AgentID)
		if err != nil {
			return r.fail(ctx, outcome, ErrKindInternal, err)
		}
		input.Position = pos
	}

	verdict := r.ctrl.Evaluate(input)
	if !verdict.Accepted {
		// 拒绝不是失败：会话以 HOLD-by-override 完成并留下审计记录。
		if _, err := r.deps.Ledger.Apply(ctx, ledger.ApplyInput{
			AgentID:   t.AgentID,
			SessionID: t.SessionID,
			Timestamp: t.ScheduledAt,
			Symbol:    decision.Symbol,
			Action:    ledger.ActionHold,
			Reason:    verdict.Reason,
		}); err != nil {
			if errors.Is(err, ledger.ErrWriteConflict) {
				return outcome, err
			}
			return r.fail(ctx, outcome, ErrKindInternal, err)
		}

		outcome.Action = string(ledger.ActionHold)
		outcome.Quantity = 0
		outcome.Reason = verdict.Reason
		return r.complete(ctx, outcome)
	}

	// EXECUTING
	if err := r.deps.Sessions.UpdateState(ctx, t.SessionID, StateExecuting); err != nil {
		return r.fail(ctx, outcome, ErrKindInternal, err)
	}

	if decision.Action == "HOLD" {
		if _, err := r.deps.Ledger.Apply(ctx, ledger.ApplyInput{
			AgentID:   t.AgentID,
			SessionID: t.SessionID,
			Timestamp: t.ScheduledAt,
			Action:    ledger.ActionHold,
			Reason:    decision.Reasoning,
		}); err != nil {
			if errors.Is(err, ledger.ErrWriteConflict) {
				return outcome, err
			}
			return r.fail(ctx, outcome, ErrKindInternal, err)
		}
		return r.complete(ctx, outcome)
	}

	action := ledger.ActionBuy
	if decision.Action == "SELL" {
		action = ledger.ActionSell
	}
	price := decimal.NewFromFloat(decision.PriceHint)

	entry, err := r.executeTrade(ctx, t, action, decision.Symbol, decision.Quantity, price, decision.Reasoning)
	if err != nil {
		if errors.Is(err, ledger.ErrWriteConflict) {
			return outcome, err
		}
		return r.fail(ctx, outcome, errKindForBrokerError(err), err)
	}

	outcome.Quantity = entry.FilledQuantity
	outcome.Price = entry.Price.String()
	return r.complete(ctx, outcome)
}

// executeTrade 提交订单、等待成交并入账。成交确认前账本不会被触碰。
func (r *Runner) executeTrade(ctx context.Context, t Trigger, action ledger.Action,
	symbol string, quantity int64, price decimal.Decimal, reason string) (ledger.Entry, error) {

	side := broker.SideBuy
	if action == ledger.ActionSell {
		side = broker.SideSell
	}

	orderID, err := r.deps.Broker.Submit(ctx, broker.OrderRequest{
		AgentID:   t.AgentID,
		SessionID: t.SessionID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		PriceHint: price,
	})
	if err != nil {
		return ledger.Entry{}, err
	}

	fill, err := r.deps.Broker.WaitForFill(ctx, orderID)
	if err != nil {
		return ledger.Entry{}, err
	}

	switch fill.Status {
	case broker.StatusFilled, broker.StatusPartial:
	case broker.StatusExpired:
		return ledger.Entry{}, fmt.Errorf("%w: order_id=%s", broker.ErrTimeout, orderID)
	default:
		return ledger.Entry{}, fmt.Errorf("%w: order_id=%s status=%s", broker.ErrOrderRejected, orderID, fill.Status)
	}

	entry, err := r.deps.Ledger.Apply(ctx, ledger.ApplyInput{
		AgentID:           t.AgentID,
		SessionID:         t.SessionID,
		Timestamp:         t.ScheduledAt,
		Symbol:            symbol,
		Action:            action,
		RequestedQuantity: quantity,
		FilledQuantity:    fill.FilledQuantity,
		Price:             fill.AvgPrice,
		Reason:            reason,
	})
	if err != nil {
		return ledger.Entry{}, err
	}

	r.logger.Info("成交已入账",
		zap.String("session_id", t.SessionID),
		zap.String("symbol", symbol),
		zap.String("action", string(action)),
		zap.Int64("filled_quantity", fill.FilledQuantity),
		zap.String("price", fill.AvgPrice.String()),
	)
	return entry, nil
}

// decide 调用决策模型，超时重试一次。
func (r *Runner) decide(ctx context.Context, snap oracle.Snapshot) (oracle.Decision, error) {
	decision, err := r.deps.Oracle.Decide(ctx, r.agentCfg.Model, snap)
	if err != nil && errors.Is(err, oracle.ErrTimeout) {
		r.logger.Warn("决策调用超时，重试一次", zap.Error(err))
		decision, err = r.deps.Oracle.Decide(ctx, r.agentCfg.Model, snap)
	}
	return decision, err
}

func (r *Runner) buildSnapshot(ctx context.Context, t Trigger, dataAsOf time.Time, pos ledger.Position, prices map[string]market.OHLCV) oracle.Snapshot {
	holdings := make([]oracle.HoldingView, 0, len(pos.Holdings))
	for _, symbol := range pos.Symbols() {
		sellable := pos.Quantity(symbol)
		if r.profile.TPlusOne {
			sellable = pos.SettledQuantity(symbol, t.ScheduledAt)
		}
		holdings = append(holdings, oracle.HoldingView{
			Symbol:   symbol,
			Quantity: pos.Quantity(symbol),
			Sellable: sellable,
			AvgCost:  averageCost(pos.Holdings[symbol]).StringFixed(4),
		})
	}

	snap := oracle.Snapshot{
		AgentID:  t.AgentID,
		Market:   r.profile.Market,
		AsOf:     t.ScheduledAt,
		Cash:     pos.Cash.StringFixed(2),
		Holdings: holdings,
		Prices:   prices,
		LotSize:  r.profile.LotSize,
		TPlusOne: r.profile.TPlusOne,
	}

	// 指标摘要尽力而为，历史数据缺失不阻断会话。
	if r.deps.History != nil {
		for symbol := range prices {
			candles, err := r.deps.History.History(ctx, symbol, r.profile.Market, dataAsOf, 60)
			if err != nil {
				r.logger.Debug("获取历史K线失败，跳过指标计算",
					zap.String("symbol", symbol), zap.Error(err))
				continue
			}
			summary, err := indicator.Compute(symbol, candles)
			if err != nil {
				continue
			}
			snap.Indicators = append(snap.Indicators, summary)
		}
	}

	return snap
}

func (r *Runner) complete(ctx context.Context, outcome Outcome) (Outcome, error) {
	outcome.State = StateCompleted
	outcome.CompletedAt = time.Now().UTC()
	if err := r.deps.Sessions.Finish(ctx, outcome.SessionID, StateCompleted, "", ""); err != nil {
		r.logger.Error("写入会话终态失败", zap.String("session_id", outcome.SessionID), zap.Error(err))
	}

	r.logger.Info("会话完成",
		zap.String("session_id", outcome.SessionID),
		zap.String("action", outcome.Action),
		zap.String("symbol", outcome.Symbol),
		zap.Int64("quantity", outcome.Quantity),
		zap.String("reason", outcome.Reason),
	)
	return outcome, nil
}

func (r *Runner) skip(ctx context.Context, outcome Outcome, cause error) (Outcome, error) {
	outcome.State = StateSkipped
	outcome.Reason = cause.Error()
	outcome.CompletedAt = time.Now().UTC()
	if err := r.deps.Sessions.Finish(ctx, outcome.SessionID, StateSkipped, "", cause.Error()); err != nil {
		r.logger.Error("写入会话终态失败", zap.String("session_id", outcome.SessionID), zap.Error(err))
	}

	r.logger.Info("会话跳过",
		zap.String("session_id", outcome.SessionID),
		zap.String("reason", cause.Error()),
	)
	return outcome, nil
}

func (r *Runner) fail(ctx context.Context, outcome Outcome, kind string, cause error) (Outcome, error) {
	outcome.State = StateFailed
	outcome.ErrorKind = kind
	outcome.Error = cause.Error()
	outcome.CompletedAt = time.Now().UTC()
	if err := r.deps.Sessions.Finish(ctx, outcome.SessionID, StateFailed, kind, cause.Error()); err != nil {
		r.logger.Error("写入会话终态失败", zap.String("session_id", outcome.SessionID), zap.Error(err))
	}

	r.logger.Error("会话失败",
		zap.String("session_id", outcome.SessionID),
		zap.String("error_kind", kind),
		zap.Error(cause),
	)
	return outcome, nil
}

func errKindForBrokerError(err error) string {
	switch {
	case errors.Is(err, broker.ErrTimeout):
		return ErrKindBrokerTimeout
	case errors.Is(err, broker.ErrOrderRejected):
		return ErrKindOrderRejected
	default:
		return ErrKindInternal
	}
}

func mergeSymbols(held, watchlist []string) []string {
	seen := make(map[string]struct{}, len(held)+len(watchlist))
	merged := make([]string, 0, len(held)+len(watchlist))
	for _, symbol := range held {
		if _, ok := seen[symbol]; !ok {
			seen[symbol] = struct{}{}
			merged = append(merged, symbol)
		}
	}
	for _, symbol := range watchlist {
		if _, ok := seen[symbol]; !ok {
			seen[symbol] = struct{}{}
			merged = append(merged, symbol)
		}
	}
	return merged
}

func closePrices(prices map[string]market.OHLCV) map[string]decimal.Decimal {
	converted := make(map[string]decimal.Decimal, len(prices))
	for symbol, bar := range prices {
		converted[symbol] = decimal.NewFromFloat(bar.Close)
	}
	return converted
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
