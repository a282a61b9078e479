package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ai-trader/internal/backtest"
	"ai-trader/internal/calendar"
	"ai-trader/internal/config"
	"ai-trader/internal/market"
	"ai-trader/internal/oracle"
	"ai-trader/internal/store"
)

// RunBacktest 用历史行情对单个代理执行回测。
// 回测使用独立的内存数据库，不触碰实盘账本。
func RunBacktest(ctx context.Context, cfg *config.Config, logger *zap.Logger, agentID string, start, end time.Time) error {
	var agentCfg *config.AgentConfig
	for i := range cfg.Agents {
		if cfg.Agents[i].ID == agentID {
			agentCfg = &cfg.Agents[i]
			break
		}
	}
	if agentCfg == nil {
		return fmt.Errorf("backtest: 配置中不存在代理 %q", agentID)
	}
	if cfg.DataSource.DataDir == "" {
		return fmt.Errorf("backtest: 需要配置 datasource.data_dir")
	}

	cal, err := calendar.New(cfg.Calendar, logger)
	if err != nil {
		return err
	}

	oracleClient, err := oracle.NewClient(cfg.Oracle, logger)
	if err != nil {
		return err
	}

	st, err := store.NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	engine, err := backtest.NewEngine(backtest.Config{
		AgentID:     agentCfg.ID,
		AgentType:   agentCfg.Type,
		Start:       start,
		End:         end,
		InitialCash: agentCfg.InitialCash,
		Symbols:     agentCfg.Symbols,
		DataDir:     cfg.DataSource.DataDir,
		Limits:      agentCfg.MergedRisk(cfg.Risk),
	}, oracleClient, st, cal, logger)
	if err != nil {
		return err
	}

	result, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	logger.Info("回测结果",
		zap.String("agent_id", agentCfg.ID),
		zap.String("start", start.Format(market.DateLayout)),
		zap.String("end", end.Format(market.DateLayout)),
		zap.Int("sessions", len(result.Outcomes)),
		zap.Int("trades", result.Trades),
		zap.Float64("final_equity", result.FinalEquity),
		zap.Float64("total_return", result.Metrics.TotalReturn),
		zap.Float64("max_drawdown", result.Metrics.MaxDrawdown),
		zap.Float64("sharpe_ratio", result.Metrics.SharpeRatio),
	)
	return nil
}
