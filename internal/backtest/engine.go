package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ai-trader/internal/agent"
	"ai-trader/internal/broker"
	"ai-trader/internal/calendar"
	"ai-trader/internal/config"
	"ai-trader/internal/ledger"
	"ai-trader/internal/market"
	"ai-trader/internal/oracle"
	"ai-trader/internal/risk"
	"ai-trader/internal/session"
	"ai-trader/internal/store"
)

// DecisionProvider 在回测中替代真实决策模型。
// 与会话运行器的决策接口一致，可插入脚本化策略。
type DecisionProvider interface {
	Decide(ctx context.Context, model string, snap oracle.Snapshot) (oracle.Decision, error)
}

// Config 控制一次回测。
type Config struct {
	AgentID     string
	AgentType   string
	Start       time.Time // 含
	End         time.Time // 含
	InitialCash float64
	Symbols     []string
	DataDir     string
	Limits      config.RiskConfig
}

// Result 汇总回测结果。
type Result struct {
	Metrics      Metrics
	EquityCurve  []float64
	ReturnSeries []float64
	Trades       int
	FinalEquity  float64
	Outcomes     []session.Outcome
}

// Engine 用历史行情源与模拟券商完整复用会话状态机：
// 回测走的是与实盘相同的 取数→决策→风控→执行→入账 路径。
type Engine struct {
	cfg     Config
	profile agent.Profile
	loc     *time.Location

	runner   *session.Runner
	sessions *session.Store
	book     *ledger.Ledger
	source   *market.FileSource
	cal      calendar.Lookup
	logger   *zap.Logger
}

// NewEngine 构建回测引擎。st 通常为内存数据库。
func NewEngine(cfg Config, decision DecisionProvider, st *store.Store, cal calendar.Lookup, logger *zap.Logger) (*Engine, error) {
	if decision == nil {
		return nil, errors.New("backtest: decision provider 不能为空")
	}
	if cal == nil {
		return nil, errors.New("backtest: 日历不能为空")
	}
	if cfg.Start.After(cfg.End) {
		return nil, fmt.Errorf("backtest: 起始日期晚于结束日期: %s > %s",
			cfg.Start.Format(market.DateLayout), cfg.End.Format(market.DateLayout))
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	profile, err := agent.Lookup(cfg.AgentType)
	if err != nil {
		return nil, err
	}
	loc, err := profile.Location()
	if err != nil {
		return nil, err
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = profile.DefaultSymbols
	}

	source := market.NewFileSource(cfg.DataDir, logger)

	book, err := ledger.NewLedger(st, ledger.PolicyLedgerFirst, logger)
	if err != nil {
		return nil, err
	}
	tracker, err := risk.NewDailyTracker(st, logger)
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewStore(st, logger)
	if err != nil {
		return nil, err
	}

	sim := broker.NewSimulated(logger)
	initialCash := decimal.NewFromFloat(cfg.InitialCash)
	startOfRange := time.Date(cfg.Start.Year(), cfg.Start.Month(), cfg.Start.Day(), 0, 0, 0, 0, loc)
	if err := book.InitAgent(context.Background(), cfg.AgentID, initialCash, startOfRange); err != nil {
		return nil, err
	}
	sim.Seed(cfg.AgentID, initialCash, nil)

	agentCfg := config.AgentConfig{
		ID:          cfg.AgentID,
		Type:        cfg.AgentType,
		InitialCash: cfg.InitialCash,
		Symbols:     cfg.Symbols,
	}

	runner, err := session.NewRunner(profile, agentCfg, cfg.Limits, session.RunnerDeps{
		Source:   source,
		History:  source,
		Oracle:   decision,
		Tracker:  tracker,
		Broker:   sim,
		Ledger:   book,
		Sessions: sessions,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		profile:  profile,
		loc:      loc,
		runner:   runner,
		sessions: sessions,
		book:     book,
		source:   source,
		cal:      cal,
		logger:   logger,
	}, nil
}

// Run 按日期范围逐槽推进回测。
func (e *Engine) Run(ctx context.Context) (Result, error) {
	var result Result
	var lastEquity float64

	for day := e.cfg.Start; !day.After(e.cfg.End); day = day.AddDate(0, 0, 1) {
		localDay := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, e.loc)

		trading, err := e.cal.IsTradingDay(localDay, e.profile.Market)
		if err != nil || !trading {
			continue
		}

		for _, tod := range e.profile.Times {
			scheduledAt := time.Date(localDay.Year(), localDay.Month(), localDay.Day(),
				tod.Hour, tod.Minute, 0, 0, e.loc)

			t := session.NewTrigger(e.cfg.AgentID, scheduledAt, 1)
			if err := e.sessions.Claim(ctx, t); err != nil {
				continue
			}

			outcome, err := e.runner.Run(ctx, t)
			if err != nil {
				return result, fmt.Errorf("backtest: 会话出现致命错误: %w", err)
			}
			result.Outcomes = append(result.Outcomes, outcome)

			if outcome.State == session.StateCompleted &&
				(outcome.Action == string(ledger.ActionBuy) || outcome.Action == string(ledger.ActionSell)) {
				result.Trades++
			}

			equity, ok := e.markEquity(ctx, scheduledAt)
			if !ok {
				continue
			}
			if lastEquity > 0 {
				result.ReturnSeries = append(result.ReturnSeries, equity/lastEquity-1)
			}
			result.EquityCurve = append(result.EquityCurve, equity)
			lastEquity = equity
		}
	}

	if len(result.EquityCurve) > 0 {
		result.FinalEquity = result.EquityCurve[len(result.EquityCurve)-1]
	}
	result.Metrics = calculateMetrics(result.EquityCurve, result.ReturnSeries, e.stepsPerYear())

	e.logger.Info("回测完成",
		zap.String("agent_id", e.cfg.AgentID),
		zap.Int("sessions", len(result.Outcomes)),
		zap.Int("trades", result.Trades),
		zap.Float64("total_return", result.Metrics.TotalReturn),
		zap.Float64("max_drawdown", result.Metrics.MaxDrawdown),
	)
	return result, nil
}

// markEquity 以当槽行情为持仓估值，缺价标的按成本价兜底。
func (e *Engine) markEquity(ctx context.Context, asOf time.Time) (float64, bool) {
	pos, err := e.book.CurrentPosition(ctx, e.cfg.AgentID)
	if err != nil {
		return 0, false
	}

	universe := append(pos.Symbols(), e.cfg.Symbols...)
	prices := make(map[string]decimal.Decimal)
	dataAsOf := e.profile.DataAsOf(asOf, e.loc)
	if bars, err := e.source.GetPrices(ctx, universe, e.profile.Market, dataAsOf); err == nil {
		for symbol, bar := range bars {
			prices[symbol] = decimal.NewFromFloat(bar.Close)
		}
	}

	return pos.TotalValue(prices).InexactFloat64(), true
}

func (e *Engine) stepsPerYear() float64 {
	if e.profile.Frequency == "hourly" {
		return 252 * float64(len(e.profile.Times))
	}
	return 252
}
