package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ai-trader/internal/store"
)

var (
	// ErrSlotDone 表示该时间槽已有成功终态（COMPLETED/SKIPPED）的会话。
	ErrSlotDone = errors.New("session: 时间槽已完成")

	// ErrDuplicateSession 表示同一会话标识已被认领（重复派发）。
	ErrDuplicateSession = errors.New("session: 会话已存在")

	// ErrAgentBusy 表示该代理还有未达终态的会话。
	ErrAgentBusy = errors.New("session: 代理存在进行中的会话")

	// ErrSessionTerminal 表示会话已达终态，记录不可再变更。
	// 被强制终止的会话即便协程仍在运行，也不得改写终态记录。
	ErrSessionTerminal = errors.New("session: 会话已达终态")
)

// Store 持久化会话记录，调度幂等与单代理互斥都建立在它之上。
// 认领依赖会话标识主键：对同一标识的第二次 INSERT 必然失败，
// 进程重启后的重复派发因此天然被拒绝。
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore 创建会话存储并初始化表结构。
func NewStore(st *store.Store, logger *zap.Logger) (*Store, error) {
	if st == nil {
		return nil, errors.New("session: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{db: st.DB(), logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			slot_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			scheduled_at TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			state TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			error_kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_slot ON sessions(slot_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent_state ON sessions(agent_id, state);`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("session: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// Claim 认领一次触发：时间槽未成功、代理空闲且标识未被占用时
// 插入 IDLE 记录。三项检查与插入在同一事务内完成。
func (s *Store) Claim(ctx context.Context, t Trigger) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var done int
	row := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sessions WHERE slot_id = ? AND state IN (?, ?)`,
		t.SlotID, string(StateCompleted), string(StateSkipped))
	if scanErr := row.Scan(&done); scanErr != nil {
		err = fmt.Errorf("session: 查询时间槽状态失败: %w", scanErr)
		return err
	}
	if done > 0 {
		err = fmt.Errorf("%w: %s", ErrSlotDone, t.SlotID)
		return err
	}

	var active int
	row = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sessions WHERE agent_id = ? AND state NOT IN (?, ?, ?)`,
		t.AgentID, string(StateCompleted), string(StateFailed), string(StateSkipped))
	if scanErr := row.Scan(&active); scanErr != nil {
		err = fmt.Errorf("session: 查询代理会话失败: %w", scanErr)
		return err
	}
	if active > 0 {
		err = fmt.Errorf("%w: %s", ErrAgentBusy, t.AgentID)
		return err
	}

	if _, execErr := tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, slot_id, agent_id, scheduled_at, attempt, state, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.SlotID, t.AgentID, t.ScheduledAt.UTC().Format(time.RFC3339),
		t.Attempt, string(StateIdle), time.Now().UTC().Format(time.RFC3339),
	); execErr != nil {
		if isUniqueViolation(execErr) {
			err = fmt.Errorf("%w: %s", ErrDuplicateSession, t.SessionID)
			return err
		}
		err = fmt.Errorf("session: 写入会话记录失败: %w", execErr)
		return err
	}

	if commitErr := tx.Commit(); commitErr != nil {
		err = fmt.Errorf("session: 提交事务失败: %w", commitErr)
		return err
	}

	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// UpdateState 推进会话到下一非终态。已达终态的会话拒绝改写。
func (s *Store) UpdateState(ctx context.Context, sessionID string, state State) error {
	if state.IsTerminal() {
		return fmt.Errorf("session: 终态必须通过 Finish 写入: %s", state)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ? WHERE session_id = ? AND state NOT IN (?, ?, ?)`,
		string(state), sessionID,
		string(StateCompleted), string(StateFailed), string(StateSkipped))
	if err != nil {
		return fmt.Errorf("session: 更新会话状态失败: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.classifyMissedUpdate(ctx, sessionID)
	}
	return nil
}

// Finish 写入终态与错误信息。终态只能写入一次。
func (s *Store) Finish(ctx context.Context, sessionID string, state State, errKind, errMsg string) error {
	if !state.IsTerminal() {
		return fmt.Errorf("session: Finish 仅接受终态: %s", state)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, completed_at = ?, error_kind = ?, error = ?
		 WHERE session_id = ? AND state NOT IN (?, ?, ?)`,
		string(state), time.Now().UTC().Format(time.RFC3339), errKind, errMsg, sessionID,
		string(StateCompleted), string(StateFailed), string(StateSkipped))
	if err != nil {
		return fmt.Errorf("session: 写入会话终态失败: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.classifyMissedUpdate(ctx, sessionID)
	}
	return nil
}

// classifyMissedUpdate 区分"会话不存在"与"会话已终态"两种零更新。
func (s *Store) classifyMissedUpdate(ctx context.Context, sessionID string) error {
	var current string
	row := s.db.QueryRowContext(ctx, `SELECT state FROM sessions WHERE session_id = ?`, sessionID)
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session: 会话不存在: %s", sessionID)
		}
		return fmt.Errorf("session: 查询会话状态失败: %w", err)
	}
	return fmt.Errorf("%w: %s state=%s", ErrSessionTerminal, sessionID, current)
}

// ForceFailStale 把超过执行上限仍未达终态的会话强制置为 FAILED，
// 释放代理互斥。返回被强制终止的会话标识。
func (s *Store) ForceFailStale(ctx context.Context, ceiling time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-ceiling).Format(time.RFC3339)

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM sessions
		 WHERE state NOT IN (?, ?, ?) AND started_at < ?`,
		string(StateCompleted), string(StateFailed), string(StateSkipped), cutoff)
	if err != nil {
		return nil, fmt.Errorf("session: 查询超时会话失败: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("session: 解析会话标识失败: %w", err)
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: 遍历超时会话失败: %w", err)
	}

	for _, id := range stale {
		if err := s.Finish(ctx, id, StateFailed, ErrKindCeiling, "会话超出执行时间上限，被强制终止"); err != nil {
			return stale, err
		}
		s.logger.Error("会话超出执行上限，已强制终止", zap.String("session_id", id))
	}

	return stale, nil
}

// Record 为一条会话持久化记录。
type Record struct {
	SessionID   string
	SlotID      string
	AgentID     string
	ScheduledAt time.Time
	Attempt     int
	State       State
	StartedAt   time.Time
	CompletedAt time.Time
	ErrorKind   string
	Error       string
}

// SlotRecords 返回某时间槽的全部会话记录（按尝试序号升序）。
func (s *Store) SlotRecords(ctx context.Context, slotID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, slot_id, agent_id, scheduled_at, attempt, state, started_at, completed_at, error_kind, error
		 FROM sessions WHERE slot_id = ? ORDER BY attempt ASC`, slotID)
	if err != nil {
		return nil, fmt.Errorf("session: 查询时间槽会话失败: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []Record
	for rows.Next() {
		var (
			rec          Record
			stateStr     string
			scheduledStr string
			startedStr   string
			completedStr sql.NullString
		)
		if err := rows.Scan(&rec.SessionID, &rec.SlotID, &rec.AgentID, &scheduledStr,
			&rec.Attempt, &stateStr, &startedStr, &completedStr, &rec.ErrorKind, &rec.Error); err != nil {
			return nil, fmt.Errorf("session: 解析会话记录失败: %w", err)
		}
		rec.State = State(stateStr)
		if rec.ScheduledAt, err = time.Parse(time.RFC3339, scheduledStr); err != nil {
			return nil, fmt.Errorf("session: 解析计划时间失败: %w", err)
		}
		if rec.StartedAt, err = time.Parse(time.RFC3339, startedStr); err != nil {
			return nil, fmt.Errorf("session: 解析开始时间失败: %w", err)
		}
		if completedStr.Valid && completedStr.String != "" {
			if rec.CompletedAt, err = time.Parse(time.RFC3339, completedStr.String); err != nil {
				return nil, fmt.Errorf("session: 解析结束时间失败: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: 遍历会话记录失败: %w", err)
	}

	return records, nil
}
