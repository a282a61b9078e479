package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ai-trader/internal/store"
)

// DailyTracker 维护各代理的日度风控状态。
// 每个 (代理, 交易日) 一行，首次更新记下当日起始净值，
// 亏损触及上限后置 halted，当日内不再解除。
type DailyTracker struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDailyTracker 创建日度监控器并初始化表结构。
func NewDailyTracker(st *store.Store, logger *zap.Logger) (*DailyTracker, error) {
	if st == nil {
		return nil, errors.New("risk: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := &DailyTracker{
		db:     st.DB(),
		logger: logger,
	}

	if err := tracker.initSchema(); err != nil {
		return nil, err
	}

	return tracker, nil
}

func (t *DailyTracker) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_daily_metrics (
			agent_id TEXT NOT NULL,
			trading_date TEXT NOT NULL,
			start_equity REAL NOT NULL,
			current_equity REAL NOT NULL,
			halted INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (agent_id, trading_date)
		);`,
		`CREATE TABLE IF NOT EXISTS risk_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			trading_date TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_activity_agent ON risk_activity_log(agent_id, trading_date);`,
	}

	for _, stmt := range schema {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// Update 根据当前净值更新代理的当日状态，返回最新状态。
// tradingDate 由调用方按市场时区换算；maxDailyLoss 为该代理的日亏损上限。
func (t *DailyTracker) Update(ctx context.Context, agentID, tradingDate string, equity, maxDailyLoss float64) (DailyStatus, error) {
	var result DailyStatus

	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		startEquity float64
		haltedInt   int
	)

	row := tx.QueryRowContext(ctx,
		`SELECT start_equity, halted FROM risk_daily_metrics WHERE agent_id = ? AND trading_date = ?`,
		agentID, tradingDate)
	switch scanErr := row.Scan(&startEquity, &haltedInt); {
	case scanErr == nil:
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE risk_daily_metrics SET current_equity = ?, updated_at = ? WHERE agent_id = ? AND trading_date = ?`,
			equity, now, agentID, tradingDate,
		); execErr != nil {
			err = fmt.Errorf("risk: 更新日度净值失败: %w", execErr)
			return result, err
		}
	case errors.Is(scanErr, sql.ErrNoRows):
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO risk_daily_metrics (agent_id, trading_date, start_equity, current_equity, halted, updated_at)
			 VALUES (?, ?, ?, ?, 0, ?)`,
			agentID, tradingDate, equity, equity, now,
		); execErr != nil {
			err = fmt.Errorf("risk: 初始化日度净值失败: %w", execErr)
			return result, err
		}

		result = DailyStatus{
			AgentID:       agentID,
			TradingDate:   tradingDate,
			StartEquity:   equity,
			CurrentEquity: equity,
			LossPercent:   0,
			Halted:        false,
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return result, fmt.Errorf("risk: 提交事务失败: %w", commitErr)
		}

		return result, nil
	default:
		err = fmt.Errorf("risk: 查询日度净值失败: %w", scanErr)
		return result, err
	}

	lossPercent := 0.0
	if startEquity > 0 {
		lossPercent = (equity - startEquity) / startEquity
	}
	halted := haltedInt == 1

	if !halted && startEquity > 0 && maxDailyLoss > 0 && lossPercent <= -maxDailyLoss {
		halted = true
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE risk_daily_metrics SET halted = 1, updated_at = ? WHERE agent_id = ? AND trading_date = ?`,
			now, agentID, tradingDate,
		); execErr != nil {
			err = fmt.Errorf("risk: 更新熔断状态失败: %w", execErr)
			return result, err
		}

		msg := fmt.Sprintf("当日累计亏损%.2f%% 超过上限 %.2f%%，触发熔断", -lossPercent*100, maxDailyLoss*100)
		if logErr := t.logEventTx(ctx, tx, agentID, tradingDate, "daily_halt", msg, ""); logErr != nil {
			err = logErr
			return result, err
		}

		t.logger.Warn("触发日度亏损熔断",
			zap.String("agent_id", agentID),
			zap.String("trading_date", tradingDate),
			zap.Float64("loss_percent", lossPercent),
		)
	}

	result = DailyStatus{
		AgentID:       agentID,
		TradingDate:   tradingDate,
		StartEquity:   startEquity,
		CurrentEquity: equity,
		LossPercent:   lossPercent,
		Halted:        halted,
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return result, fmt.Errorf("risk: 提交事务失败: %w", commitErr)
	}

	return result, nil
}

// LogEvent 记录风控事件。
func (t *DailyTracker) LogEvent(ctx context.Context, agentID, tradingDate, eventType, message, details string) error {
	if eventType == "" {
		return errors.New("risk: eventType 不能为空")
	}

	_, err := t.db.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, agent_id, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), agentID, eventType, message, details, tradingDate,
	)
	if err != nil {
		return fmt.Errorf("risk: 写入风险事件日志失败: %w", err)
	}

	return nil
}

func (t *DailyTracker) logEventTx(ctx context.Context, tx *sql.Tx, agentID, tradingDate, eventType, message, details string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, agent_id, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), agentID, eventType, message, details, tradingDate,
	)
	if err != nil {
		return fmt.Errorf("risk: 记录风险事件失败: %w", err)
	}
	return nil
}
