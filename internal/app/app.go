package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ai-trader/internal/agent"
	"ai-trader/internal/alert"
	"ai-trader/internal/broker"
	"ai-trader/internal/calendar"
	"ai-trader/internal/config"
	"ai-trader/internal/ledger"
	"ai-trader/internal/market"
	"ai-trader/internal/monitor"
	"ai-trader/internal/oracle"
	"ai-trader/internal/risk"
	"ai-trader/internal/scheduler"
	"ai-trader/internal/session"
	"ai-trader/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 完成全部组件装配并驱动调度主循环直至退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("datasource_mode", a.cfg.DataSource.Mode),
		zap.String("broker_mode", a.cfg.Broker.Mode),
		zap.Int("agents", len(a.cfg.Agents)),
	)

	cal, err := calendar.New(a.cfg.Calendar, a.logger)
	if err != nil {
		return err
	}

	source, history, err := a.buildDataSource()
	if err != nil {
		return err
	}

	oracleClient, err := oracle.NewClient(a.cfg.Oracle, a.logger)
	if err != nil {
		return err
	}

	book, err := ledger.NewLedger(a.store, a.cfg.Ledger.ReconcilePolicy, a.logger)
	if err != nil {
		return err
	}

	tracker, err := risk.NewDailyTracker(a.store, a.logger)
	if err != nil {
		return err
	}

	sessions, err := session.NewStore(a.store, a.logger)
	if err != nil {
		return err
	}

	monitorSvc, err := monitor.NewService(a.store, a.logger)
	if err != nil {
		return err
	}
	if a.cfg.Monitor.Enabled {
		if err := startMonitorServer(ctx, monitorSvc, a.cfg.Monitor.Port, a.logger); err != nil {
			return err
		}
	}

	exec, err := a.buildBroker()
	if err != nil {
		return err
	}

	notifiers := []alert.Notifier{alert.NewLogNotifier(a.logger)}
	if a.cfg.Alert.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewWebhookNotifier(a.cfg.Alert, a.logger))
	}
	notifier := alert.NewMulti(a.logger, notifiers...)

	sched, err := scheduler.New(a.cfg.Scheduler, cal, sessions, monitorSvc, notifier, a.logger)
	if err != nil {
		return err
	}

	for _, agentCfg := range a.cfg.Agents {
		if !agentCfg.Enabled {
			a.logger.Info("代理未启用，跳过", zap.String("agent_id", agentCfg.ID))
			continue
		}

		profile, err := agent.Lookup(agentCfg.Type)
		if err != nil {
			return err
		}
		if len(agentCfg.Symbols) == 0 {
			agentCfg.Symbols = profile.DefaultSymbols
		}

		initialCash := decimal.NewFromFloat(agentCfg.InitialCash)
		if err := book.InitAgent(ctx, agentCfg.ID, initialCash, time.Now().UTC()); err != nil {
			return err
		}

		if err := a.seedAndReconcile(ctx, exec, book, monitorSvc, notifier, agentCfg.ID); err != nil {
			return err
		}

		runner, err := session.NewRunner(profile, agentCfg, agentCfg.MergedRisk(a.cfg.Risk), session.RunnerDeps{
			Source:   source,
			History:  history,
			Oracle:   oracleClient,
			Tracker:  tracker,
			Broker:   exec,
			Ledger:   book,
			Sessions: sessions,
		}, a.logger)
		if err != nil {
			return err
		}

		if err := sched.Register(agentCfg.ID, profile, runner); err != nil {
			return err
		}

		a.logger.Info("代理已注册",
			zap.String("agent_id", agentCfg.ID),
			zap.String("type", agentCfg.Type),
			zap.Int("symbols", len(agentCfg.Symbols)),
		)
	}

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("调度器异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

func (a *App) buildDataSource() (market.Source, market.HistoryProvider, error) {
	switch a.cfg.DataSource.Mode {
	case "historical":
		fs := market.NewFileSource(a.cfg.DataSource.DataDir, a.logger)
		return market.NewCachedSource(fs, a.cfg.DataSource.CacheTTL), fs, nil
	case "live":
		cs := market.NewCryptoSource(a.cfg.DataSource, a.logger)
		return market.NewCachedSource(cs, a.cfg.DataSource.CacheTTL), nil, nil
	default:
		return nil, nil, fmt.Errorf("datasource.mode 取值非法: %q", a.cfg.DataSource.Mode)
	}
}

func (a *App) buildBroker() (broker.Broker, error) {
	switch a.cfg.Broker.Mode {
	case "simulated":
		return broker.NewSimulated(a.logger), nil
	case "ccxt":
		return broker.NewCCXT(a.cfg.Broker, a.logger)
	default:
		return nil, fmt.Errorf("broker.mode 取值非法: %q", a.cfg.Broker.Mode)
	}
}

// seedAndReconcile 启动时把模拟券商与账本对齐，并做一次对账留痕。
func (a *App) seedAndReconcile(ctx context.Context, exec broker.Broker, book *ledger.Ledger,
	monitorSvc *monitor.Service, notifier alert.Notifier, agentID string) error {

	sim, ok := exec.(*broker.Simulated)
	if !ok {
		return nil
	}

	pos, err := book.CurrentPosition(ctx, agentID)
	if err != nil {
		return err
	}

	holdings := make(map[string]int64, len(pos.Holdings))
	for _, symbol := range pos.Symbols() {
		holdings[symbol] = pos.Quantity(symbol)
	}
	sim.Seed(agentID, pos.Cash, holdings)

	cash, brokerHoldings := sim.Snapshot(agentID)
	report, err := book.Reconcile(ctx, agentID, brokerHoldings, cash, time.Now().UTC())
	if err != nil {
		return err
	}
	if report.Mismatched {
		monitorSvc.RecordReconciliation(ctx, report)
		_ = notifier.Notify(ctx, alert.Notification{
			Severity: "warn",
			Title:    "持仓对账不一致",
			Message:  fmt.Sprintf("agent_id=%s 账本与券商持仓存在差异", agentID),
			Fields:   map[string]interface{}{"diffs": report.Diffs},
		})
	}

	return nil
}
