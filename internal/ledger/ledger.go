package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ai-trader/internal/store"
)

var (
	// ErrWriteConflict 表示同一代理的写入未按约定串行化。
	// 该错误意味着审计链不再可信，调用方必须终止进程。
	ErrWriteConflict = errors.New("ledger: 检测到并发写入冲突")

	// ErrAgentUnknown 表示代理尚未初始化持仓。
	ErrAgentUnknown = errors.New("ledger: 代理持仓未初始化")
)

// 对账策略：账本优先保留审计记录，券商优先以对方持仓覆写。
const (
	PolicyLedgerFirst = "ledger_first"
	PolicyBrokerFirst = "broker_first"
)

// reconcileReasonPrefix 标记由对账产生的快照重置记录。
// 折叠重放遇到该前缀时以记录内快照为准，保持重放等价性。
const reconcileReasonPrefix = "reconcile:"

// Entry 为一条不可变的账本记录，持仓是其折叠结果。
type Entry struct {
	ID                int64
	AgentID           string
	SessionID         string
	Timestamp         time.Time
	Symbol            string
	Action            Action
	RequestedQuantity int64
	FilledQuantity    int64
	Price             decimal.Decimal
	ResultingCash     decimal.Decimal
	Holdings          map[string][]Lot
	Reason            string
}

// Ledger 是代理持仓的唯一事实来源。
// 同一代理的写入以键控互斥串行化，不同代理互不阻塞。
type Ledger struct {
	db     *sql.DB
	policy string
	logger *zap.Logger

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	snapMu    sync.RWMutex
	snapshots map[string]*snapshot
}

type snapshot struct {
	position    Position
	lastEntryID int64
}

// NewLedger 创建账本并初始化表结构。
func NewLedger(st *store.Store, policy string, logger *zap.Logger) (*Ledger, error) {
	if st == nil {
		return nil, errors.New("ledger: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == "" {
		policy = PolicyLedgerFirst
	}
	if policy != PolicyLedgerFirst && policy != PolicyBrokerFirst {
		return nil, fmt.Errorf("ledger: 对账策略非法: %q", policy)
	}

	l := &Ledger{
		db:        st.DB(),
		policy:    policy,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
		snapshots: make(map[string]*snapshot),
	}

	if err := l.initSchema(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			symbol TEXT NOT NULL,
			action TEXT NOT NULL,
			requested_qty INTEGER NOT NULL,
			filled_qty INTEGER NOT NULL,
			price TEXT NOT NULL,
			resulting_cash TEXT NOT NULL,
			holdings TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_agent ON ledger_entries(agent_id, id);`,
		`CREATE TABLE IF NOT EXISTS positions (
			agent_id TEXT PRIMARY KEY,
			as_of TEXT NOT NULL,
			cash TEXT NOT NULL,
			holdings TEXT NOT NULL,
			last_entry_id INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("ledger: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

func (l *Ledger) agentLock(agentID string) *sync.Mutex {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()

	mu, ok := l.locks[agentID]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[agentID] = mu
	}
	return mu
}

// InitAgent 为代理建立初始持仓（仅现金）。已存在时为幂等空操作。
func (l *Ledger) InitAgent(ctx context.Context, agentID string, initialCash decimal.Decimal, asOf time.Time) error {
	mu := l.agentLock(agentID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := l.loadSnapshot(ctx, agentID); err == nil {
		return nil
	} else if !errors.Is(err, ErrAgentUnknown) {
		return err
	}

	pos := NewPosition(agentID, initialCash, asOf)
	holdingsJSON, err := marshalHoldings(pos.Holdings)
	if err != nil {
		return err
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO positions (agent_id, as_of, cash, holdings, last_entry_id, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		agentID, asOf.UTC().Format(time.RFC3339Nano), pos.Cash.String(), holdingsJSON,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ledger: 初始化代理持仓失败: %w", err)
	}

	l.publish(agentID, &snapshot{position: pos, lastEntryID: 0})

	l.logger.Info("代理持仓已初始化",
		zap.String("agent_id", agentID),
		zap.String("cash", initialCash.String()),
	)
	return nil
}

// ApplyInput 描述一次待入账的成交或留痕记录。
type ApplyInput struct {
	AgentID           string
	SessionID         string
	Timestamp         time.Time
	Symbol            string
	Action            Action
	RequestedQuantity int64
	FilledQuantity    int64
	Price             decimal.Decimal
	Reason            string
}

// Apply 先追加账本记录、再物化持仓，两步在同一事务内完成。
// 同一代理的调用串行执行；提交成功后原子发布内存快照。
func (l *Ledger) Apply(ctx context.Context, input ApplyInput) (Entry, error) {
	if input.AgentID == "" {
		return Entry{}, errors.New("ledger: agent_id 不能为空")
	}
	if input.FilledQuantity > input.RequestedQuantity {
		return Entry{}, fmt.Errorf("ledger: 成交数量 %d 超过委托数量 %d", input.FilledQuantity, input.RequestedQuantity)
	}

	mu := l.agentLock(input.AgentID)
	mu.Lock()
	defer mu.Unlock()

	snap, err := l.loadSnapshot(ctx, input.AgentID)
	if err != nil {
		return Entry{}, err
	}

	next := applyTrade(snap.position, input.Action, input.Symbol, input.FilledQuantity, input.Price, input.Timestamp)

	entry := Entry{
		AgentID:           input.AgentID,
		SessionID:         input.SessionID,
		Timestamp:         input.Timestamp,
		Symbol:            input.Symbol,
		Action:            input.Action,
		RequestedQuantity: input.RequestedQuantity,
		FilledQuantity:    input.FilledQuantity,
		Price:             input.Price,
		ResultingCash:     next.Cash,
		Holdings:          next.Holdings,
		Reason:            input.Reason,
	}

	entryID, err := l.persist(ctx, entry, next, snap.lastEntryID)
	if err != nil {
		return Entry{}, err
	}
	entry.ID = entryID

	l.publish(input.AgentID, &snapshot{position: next, lastEntryID: entryID})
	return entry, nil
}

func (l *Ledger) persist(ctx context.Context, entry Entry, next Position, expectedLastID int64) (int64, error) {
	holdingsJSON, err := marshalHoldings(entry.Holdings)
	if err != nil {
		return 0, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ledger: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// 乐观校验：物化快照的 last_entry_id 必须与内存一致，
	// 否则说明存在绕过键控锁的写入者。
	var currentLastID int64
	row := tx.QueryRowContext(ctx, `SELECT last_entry_id FROM positions WHERE agent_id = ?`, entry.AgentID)
	if scanErr := row.Scan(&currentLastID); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			err = ErrAgentUnknown
			return 0, err
		}
		err = fmt.Errorf("ledger: 查询物化持仓失败: %w", scanErr)
		return 0, err
	}
	if currentLastID != expectedLastID {
		err = fmt.Errorf("%w: agent=%s expected=%d actual=%d", ErrWriteConflict, entry.AgentID, expectedLastID, currentLastID)
		return 0, err
	}

	result, execErr := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries
		 (agent_id, session_id, ts, symbol, action, requested_qty, filled_qty, price, resulting_cash, holdings, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.AgentID, entry.SessionID, entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.Symbol, string(entry.Action), entry.RequestedQuantity, entry.FilledQuantity,
		entry.Price.String(), entry.ResultingCash.String(), holdingsJSON, entry.Reason,
	)
	if execErr != nil {
		err = fmt.Errorf("ledger: 追加账本记录失败: %w", execErr)
		return 0, err
	}

	entryID, idErr := result.LastInsertId()
	if idErr != nil {
		err = fmt.Errorf("ledger: 获取记录序号失败: %w", idErr)
		return 0, err
	}

	if _, execErr := tx.ExecContext(ctx,
		`UPDATE positions SET as_of = ?, cash = ?, holdings = ?, last_entry_id = ?, updated_at = ?
		 WHERE agent_id = ?`,
		next.AsOf.UTC().Format(time.RFC3339Nano), next.Cash.String(), holdingsJSON, entryID,
		time.Now().UTC().Format(time.RFC3339Nano), entry.AgentID,
	); execErr != nil {
		err = fmt.Errorf("ledger: 更新物化持仓失败: %w", execErr)
		return 0, err
	}

	if commitErr := tx.Commit(); commitErr != nil {
		err = fmt.Errorf("ledger: 提交事务失败: %w", commitErr)
		return 0, err
	}

	return entryID, nil
}

// CurrentPosition 返回物化持仓快照的深拷贝，读取不阻塞写入方。
func (l *Ledger) CurrentPosition(ctx context.Context, agentID string) (Position, error) {
	l.snapMu.RLock()
	snap, ok := l.snapshots[agentID]
	l.snapMu.RUnlock()
	if ok {
		return snap.position.Clone(), nil
	}

	mu := l.agentLock(agentID)
	mu.Lock()
	defer mu.Unlock()

	loaded, err := l.loadSnapshot(ctx, agentID)
	if err != nil {
		return Position{}, err
	}
	return loaded.position.Clone(), nil
}

// loadSnapshot 读取物化检查点并折叠其后新增的记录（崩溃恢复路径）。
// 调用方必须持有该代理的键控锁。
func (l *Ledger) loadSnapshot(ctx context.Context, agentID string) (*snapshot, error) {
	l.snapMu.RLock()
	snap, ok := l.snapshots[agentID]
	l.snapMu.RUnlock()
	if ok {
		return snap, nil
	}

	var (
		asOfStr      string
		cashStr      string
		holdingsJSON string
		lastEntryID  int64
	)
	row := l.db.QueryRowContext(ctx,
		`SELECT as_of, cash, holdings, last_entry_id FROM positions WHERE agent_id = ?`, agentID)
	if err := row.Scan(&asOfStr, &cashStr, &holdingsJSON, &lastEntryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrAgentUnknown, agentID)
		}
		return nil, fmt.Errorf("ledger: 读取物化持仓失败: %w", err)
	}

	pos, err := decodePosition(agentID, asOfStr, cashStr, holdingsJSON)
	if err != nil {
		return nil, err
	}

	// 检查点之后可能还有未物化的记录（进程在两步之间崩溃不会发生，
	// 但外部工具补录时可能出现），按追加序折叠补齐。
	entries, err := l.entriesAfter(ctx, agentID, lastEntryID)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		pos = foldEntry(pos, entry)
		lastEntryID = entry.ID
	}

	snap = &snapshot{position: pos, lastEntryID: lastEntryID}
	l.publish(agentID, snap)
	return snap, nil
}

// Replay 从头折叠该代理的全部账本记录，用于审计校验。
// 结果必须与物化持仓完全一致。
func (l *Ledger) Replay(ctx context.Context, agentID string, initialCash decimal.Decimal, initialAsOf time.Time) (Position, error) {
	entries, err := l.entriesAfter(ctx, agentID, 0)
	if err != nil {
		return Position{}, err
	}

	pos := NewPosition(agentID, initialCash, initialAsOf)
	for _, entry := range entries {
		pos = foldEntry(pos, entry)
	}
	return pos, nil
}

// Entries 返回该代理按追加序排列的全部账本记录。
func (l *Ledger) Entries(ctx context.Context, agentID string) ([]Entry, error) {
	return l.entriesAfter(ctx, agentID, 0)
}

func (l *Ledger) entriesAfter(ctx context.Context, agentID string, afterID int64) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, session_id, ts, symbol, action, requested_qty, filled_qty, price, resulting_cash, holdings, reason
		 FROM ledger_entries WHERE agent_id = ? AND id > ? ORDER BY id ASC`,
		agentID, afterID,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询账本记录失败: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []Entry
	for rows.Next() {
		var (
			entry        Entry
			tsStr        string
			actionStr    string
			priceStr     string
			cashStr      string
			holdingsJSON string
		)
		if err := rows.Scan(&entry.ID, &entry.SessionID, &tsStr, &entry.Symbol, &actionStr,
			&entry.RequestedQuantity, &entry.FilledQuantity, &priceStr, &cashStr, &holdingsJSON, &entry.Reason); err != nil {
			return nil, fmt.Errorf("ledger: 解析账本记录失败: %w", err)
		}
		entry.AgentID = agentID
		entry.Action = Action(actionStr)
		entry.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("ledger: 解析记录时间失败: %w", err)
		}
		entry.Price, err = decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("ledger: 解析成交价失败: %w", err)
		}
		entry.ResultingCash, err = decimal.NewFromString(cashStr)
		if err != nil {
			return nil, fmt.Errorf("ledger: 解析现金余额失败: %w", err)
		}
		entry.Holdings, err = unmarshalHoldings(holdingsJSON)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: 遍历账本记录失败: %w", err)
	}

	return entries, nil
}

// foldEntry 将一条记录折叠到持仓上。对账重置记录直接采用记录内快照。
func foldEntry(pos Position, entry Entry) Position {
	if strings.HasPrefix(entry.Reason, reconcileReasonPrefix) {
		next := pos
		next.AsOf = entry.Timestamp
		next.Cash = entry.ResultingCash
		next.Holdings = make(map[string][]Lot, len(entry.Holdings))
		for symbol, lots := range entry.Holdings {
			copied := make([]Lot, len(lots))
			copy(copied, lots)
			next.Holdings[symbol] = copied
		}
		return next
	}
	return applyTrade(pos, entry.Action, entry.Symbol, entry.FilledQuantity, entry.Price, entry.Timestamp)
}

// ReconcileReport 汇总一次对账结果。
type ReconcileReport struct {
	AgentID    string
	Mismatched bool
	Diffs      []string
	Adopted    bool // broker_first 策略下是否已覆写账本
}

// Reconcile 比对物化持仓与券商报告的持仓。
// 发现偏差时按配置策略处理：ledger_first 仅告警，broker_first 写入
// 一条快照重置记录以券商为准。
func (l *Ledger) Reconcile(ctx context.Context, agentID string, brokerHoldings map[string]int64, brokerCash decimal.Decimal, now time.Time) (ReconcileReport, error) {
	report := ReconcileReport{AgentID: agentID}

	pos, err := l.CurrentPosition(ctx, agentID)
	if err != nil {
		return report, err
	}

	seen := make(map[string]struct{}, len(brokerHoldings))
	for symbol, brokerQty := range brokerHoldings {
		seen[symbol] = struct{}{}
		if ledgerQty := pos.Quantity(symbol); ledgerQty != brokerQty {
			report.Diffs = append(report.Diffs,
				fmt.Sprintf("%s: ledger=%d broker=%d", symbol, ledgerQty, brokerQty))
		}
	}
	for _, symbol := range pos.Symbols() {
		if _, ok := seen[symbol]; !ok {
			report.Diffs = append(report.Diffs,
				fmt.Sprintf("%s: ledger=%d broker=0", symbol, pos.Quantity(symbol)))
		}
	}
	if !pos.Cash.Equal(brokerCash) {
		report.Diffs = append(report.Diffs,
			fmt.Sprintf("cash: ledger=%s broker=%s", pos.Cash.String(), brokerCash.String()))
	}

	if len(report.Diffs) == 0 {
		return report, nil
	}
	report.Mismatched = true

	l.logger.Warn("持仓对账发现偏差",
		zap.String("agent_id", agentID),
		zap.Strings("diffs", report.Diffs),
		zap.String("policy", l.policy),
	)

	if l.policy != PolicyBrokerFirst {
		return report, nil
	}

	// broker_first：写入快照重置记录，以券商持仓覆写物化视图。
	mu := l.agentLock(agentID)
	mu.Lock()
	defer mu.Unlock()

	snap, err := l.loadSnapshot(ctx, agentID)
	if err != nil {
		return report, err
	}

	adopted := snap.position.Clone()
	adopted.AsOf = now
	adopted.Cash = brokerCash
	adopted.Holdings = make(map[string][]Lot, len(brokerHoldings))
	for symbol, qty := range brokerHoldings {
		if qty <= 0 {
			continue
		}
		adopted.Holdings[symbol] = []Lot{{Quantity: qty, Price: decimal.Zero, AcquiredAt: now}}
	}

	entry := Entry{
		AgentID:       agentID,
		SessionID:     "",
		Timestamp:     now,
		Symbol:        "",
		Action:        ActionHold,
		Price:         decimal.Zero,
		ResultingCash: adopted.Cash,
		Holdings:      adopted.Holdings,
		Reason:        reconcileReasonPrefix + strings.Join(report.Diffs, "; "),
	}

	entryID, err := l.persist(ctx, entry, adopted, snap.lastEntryID)
	if err != nil {
		return report, err
	}

	l.publish(agentID, &snapshot{position: adopted, lastEntryID: entryID})
	report.Adopted = true
	return report, nil
}

func (l *Ledger) publish(agentID string, snap *snapshot) {
	l.snapMu.Lock()
	l.snapshots[agentID] = snap
	l.snapMu.Unlock()
}

func marshalHoldings(holdings map[string][]Lot) (string, error) {
	if holdings == nil {
		holdings = make(map[string][]Lot)
	}
	data, err := json.Marshal(holdings)
	if err != nil {
		return "", fmt.Errorf("ledger: 序列化持仓失败: %w", err)
	}
	return string(data), nil
}

func unmarshalHoldings(data string) (map[string][]Lot, error) {
	holdings := make(map[string][]Lot)
	if err := json.Unmarshal([]byte(data), &holdings); err != nil {
		return nil, fmt.Errorf("ledger: 解析持仓失败: %w", err)
	}
	return holdings, nil
}

func decodePosition(agentID, asOfStr, cashStr, holdingsJSON string) (Position, error) {
	asOf, err := time.Parse(time.RFC3339Nano, asOfStr)
	if err != nil {
		return Position{}, fmt.Errorf("ledger: 解析持仓时间失败: %w", err)
	}
	cash, err := decimal.NewFromString(cashStr)
	if err != nil {
		return Position{}, fmt.Errorf("ledger: 解析现金余额失败: %w", err)
	}
	holdings, err := unmarshalHoldings(holdingsJSON)
	if err != nil {
		return Position{}, err
	}
	return Position{AgentID: agentID, AsOf: asOf, Cash: cash, Holdings: holdings}, nil
}
