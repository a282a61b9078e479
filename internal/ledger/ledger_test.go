package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ai-trader/internal/config"
	"ai-trader/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 4,
	})
	if err != nil {
		t.Fatalf("初始化测试数据库失败: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func newTestLedger(t *testing.T, policy string) *Ledger {
	t.Helper()

	l, err := NewLedger(newTestStore(t), policy, nil)
	if err != nil {
		t.Fatalf("NewLedger returned error: %v", err)
	}
	return l
}

func TestNewLedger_RejectsUnknownPolicy(t *testing.T) {
	if _, err := NewLedger(newTestStore(t), "coin_flip", nil); err == nil {
		t.Fatalf("expected error for unknown reconcile policy")
	}
}

func TestInitAgent_Idempotent(t *testing.T) {
	l := newTestLedger(t, PolicyLedgerFirst)
	ctx := context.Background()
	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	if err := l.InitAgent(ctx, "agent-1", decimal.NewFromInt(100000), asOf); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}

	if _, err := l.Apply(ctx, ApplyInput{
		AgentID:           "agent-1",
		SessionID:         "s1",
		Timestamp:         asOf,
		Symbol:            "600028",
		Action:            ActionBuy,
		RequestedQuantity: 100,
		FilledQuantity:    100,
		Price:             decimal.NewFromInt(50),
	}); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	// 第二次初始化不得覆盖已有持仓
	if err := l.InitAgent(ctx, "agent-1", decimal.NewFromInt(1), asOf); err != nil {
		t.Fatalf("second InitAgent returned error: %v", err)
	}

	pos, err := l.CurrentPosition(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CurrentPosition returned error: %v", err)
	}
	if got := pos.Cash.String(); got != "95000" {
		t.Errorf("unexpected cash: got %s want 95000", got)
	}
	if got := pos.Quantity("600028"); got != 100 {
		t.Errorf("unexpected quantity: got %d want 100", got)
	}
}

func TestApply_UnknownAgent(t *testing.T) {
	l := newTestLedger(t, PolicyLedgerFirst)

	_, err := l.Apply(context.Background(), ApplyInput{
		AgentID:           "ghost",
		Action:            ActionBuy,
		RequestedQuantity: 1,
		FilledQuantity:    1,
		Price:             decimal.NewFromInt(1),
	})
	if !errors.Is(err, ErrAgentUnknown) {
		t.Fatalf("expected ErrAgentUnknown, got %v", err)
	}
}

func TestApply_RejectsOverfill(t *testing.T) {
	l := newTestLedger(t, PolicyLedgerFirst)
	ctx := context.Background()
	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	if err := l.InitAgent(ctx, "agent-1", decimal.NewFromInt(100000), asOf); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}

	if _, err := l.Apply(ctx, ApplyInput{
		AgentID:           "agent-1",
		Action:            ActionBuy,
		RequestedQuantity: 100,
		FilledQuantity:    101,
		Price:             decimal.NewFromInt(50),
	}); err == nil {
		t.Fatalf("expected error when filled exceeds requested")
	}
}

func TestReplay_MatchesMaterializedPosition(t *testing.T) {
	l := newTestLedger(t, PolicyLedgerFirst)
	ctx := context.Background()
	initial := decimal.NewFromInt(100000)
	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	if err := l.InitAgent(ctx, "agent-1", initial, asOf); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}

	trades := []ApplyInput{
		{AgentID: "agent-1", SessionID: "s1", Timestamp: asOf.Add(1 * time.Hour), Symbol: "600028", Action: ActionBuy, RequestedQuantity: 100, FilledQuantity: 100, Price: decimal.NewFromInt(50)},
		{AgentID: "agent-1", SessionID: "s2", Timestamp: asOf.Add(2 * time.Hour), Symbol: "600030", Action: ActionBuy, RequestedQuantity: 200, FilledQuantity: 200, Price: decimal.NewFromInt(20)},
		{AgentID: "agent-1", SessionID: "s3", Timestamp: asOf.Add(3 * time.Hour), Symbol: "600028", Action: ActionSell, RequestedQuantity: 40, FilledQuantity: 40, Price: decimal.NewFromInt(55)},
		{AgentID: "agent-1", SessionID: "s4", Timestamp: asOf.Add(4 * time.Hour), Action: ActionHold, Reason: "no signal"},
	}
	for _, trade := range trades {
		if _, err := l.Apply(ctx, trade); err != nil {
			t.Fatalf("Apply(%s) returned error: %v", trade.SessionID, err)
		}
	}

	current, err := l.CurrentPosition(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CurrentPosition returned error: %v", err)
	}
	replayed, err := l.Replay(ctx, "agent-1", initial, asOf)
	if err != nil {
		t.Fatalf("Replay returned error: %v", err)
	}

	if !replayed.Cash.Equal(current.Cash) {
		t.Errorf("replay cash mismatch: replayed=%s current=%s", replayed.Cash.String(), current.Cash.String())
	}
	for _, symbol := range []string{"600028", "600030"} {
		if replayed.Quantity(symbol) != current.Quantity(symbol) {
			t.Errorf("replay quantity mismatch for %s: replayed=%d current=%d",
				symbol, replayed.Quantity(symbol), current.Quantity(symbol))
		}
	}
	// 100000 - 5000 - 4000 + 2200 = 93200
	if got := current.Cash.String(); got != "93200" {
		t.Errorf("unexpected cash: got %s want 93200", got)
	}
}

func TestApply_DetectsWriteConflict(t *testing.T) {
	st := newTestStore(t)
	l, err := NewLedger(st, PolicyLedgerFirst, nil)
	if err != nil {
		t.Fatalf("NewLedger returned error: %v", err)
	}
	ctx := context.Background()
	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	if err := l.InitAgent(ctx, "agent-1", decimal.NewFromInt(100000), asOf); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}

	// 绕过键控锁直接篡改检查点，模拟并发写入者
	if _, err := st.DB().Exec(`UPDATE positions SET last_entry_id = 99 WHERE agent_id = ?`, "agent-1"); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}

	_, err = l.Apply(ctx, ApplyInput{
		AgentID:           "agent-1",
		Action:            ActionBuy,
		Symbol:            "600028",
		RequestedQuantity: 100,
		FilledQuantity:    100,
		Price:             decimal.NewFromInt(50),
	})
	if !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("expected ErrWriteConflict, got %v", err)
	}
}

func TestCurrentPosition_RecoversFromCheckpoint(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	first, err := NewLedger(st, PolicyLedgerFirst, nil)
	if err != nil {
		t.Fatalf("NewLedger returned error: %v", err)
	}
	if err := first.InitAgent(ctx, "agent-1", decimal.NewFromInt(100000), asOf); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}
	if _, err := first.Apply(ctx, ApplyInput{
		AgentID:           "agent-1",
		SessionID:         "s1",
		Timestamp:         asOf,
		Symbol:            "600028",
		Action:            ActionBuy,
		RequestedQuantity: 100,
		FilledQuantity:    100,
		Price:             decimal.NewFromInt(50),
	}); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	// 新实例模拟进程重启，应从物化检查点恢复
	second, err := NewLedger(st, PolicyLedgerFirst, nil)
	if err != nil {
		t.Fatalf("NewLedger (restart) returned error: %v", err)
	}
	pos, err := second.CurrentPosition(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CurrentPosition returned error: %v", err)
	}
	if got := pos.Cash.String(); got != "95000" {
		t.Errorf("unexpected cash after restart: got %s want 95000", got)
	}
	if got := pos.Quantity("600028"); got != 100 {
		t.Errorf("unexpected quantity after restart: got %d want 100", got)
	}
}

func TestApply_SameAgentConcurrentWritesLoseNothing(t *testing.T) {
	l := newTestLedger(t, PolicyLedgerFirst)
	ctx := context.Background()
	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	if err := l.InitAgent(ctx, "agent-1", decimal.NewFromInt(100000), asOf); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}

	// 同一代理的并发写全部落在键控互斥上，不得丢失任何一笔
	const writers = 16
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := l.Apply(ctx, ApplyInput{
				AgentID:           "agent-1",
				Timestamp:         asOf.Add(time.Duration(n) * time.Second),
				Symbol:            "600028",
				Action:            ActionBuy,
				RequestedQuantity: 1,
				FilledQuantity:    1,
				Price:             decimal.NewFromInt(10),
			}); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent Apply returned error: %v", err)
	}

	entries, err := l.Entries(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Entries returned error: %v", err)
	}
	if len(entries) != writers {
		t.Errorf("unexpected entry count: got %d want %d", len(entries), writers)
	}

	pos, err := l.CurrentPosition(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CurrentPosition returned error: %v", err)
	}
	if got := pos.Quantity("600028"); got != writers {
		t.Errorf("unexpected quantity: got %d want %d", got, writers)
	}
	if got := pos.Cash.String(); got != "99840" {
		t.Errorf("unexpected cash: got %s want 99840", got)
	}

	// 重放必须与物化快照一致
	replayed, err := l.Replay(ctx, "agent-1", decimal.NewFromInt(100000), asOf)
	if err != nil {
		t.Fatalf("Replay returned error: %v", err)
	}
	if !replayed.Cash.Equal(pos.Cash) || replayed.Quantity("600028") != pos.Quantity("600028") {
		t.Errorf("replay mismatch: replayed=%+v materialized=%+v", replayed, pos)
	}
}

func TestApply_AgentsDoNotBlockEachOther(t *testing.T) {
	l := newTestLedger(t, PolicyLedgerFirst)
	ctx := context.Background()
	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	agents := []string{"agent-1", "agent-2"}
	for _, agentID := range agents {
		if err := l.InitAgent(ctx, agentID, decimal.NewFromInt(100000), asOf); err != nil {
			t.Fatalf("InitAgent(%s) returned error: %v", agentID, err)
		}
	}

	const rounds = 10
	var wg sync.WaitGroup
	errCh := make(chan error, len(agents)*rounds)
	for _, agentID := range agents {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if _, err := l.Apply(ctx, ApplyInput{
					AgentID:           id,
					Timestamp:         asOf.Add(time.Duration(i) * time.Minute),
					Symbol:            "600028",
					Action:            ActionBuy,
					RequestedQuantity: 1,
					FilledQuantity:    1,
					Price:             decimal.NewFromInt(10),
				}); err != nil {
					errCh <- err
				}
			}
		}(agentID)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent Apply returned error: %v", err)
	}

	for _, agentID := range agents {
		pos, err := l.CurrentPosition(ctx, agentID)
		if err != nil {
			t.Fatalf("CurrentPosition(%s) returned error: %v", agentID, err)
		}
		if got := pos.Quantity("600028"); got != rounds {
			t.Errorf("agent %s: unexpected quantity: got %d want %d", agentID, got, rounds)
		}
		if got := pos.Cash.String(); got != "99900" {
			t.Errorf("agent %s: unexpected cash: got %s want 99900", agentID, got)
		}
		entries, err := l.Entries(ctx, agentID)
		if err != nil {
			t.Fatalf("Entries(%s) returned error: %v", agentID, err)
		}
		if len(entries) != rounds {
			t.Errorf("agent %s: unexpected entry count: got %d want %d", agentID, len(entries), rounds)
		}
	}
}

func TestReconcile_NoMismatch(t *testing.T) {
	l := newTestLedger(t, PolicyLedgerFirst)
	ctx := context.Background()
	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	if err := l.InitAgent(ctx, "agent-1", decimal.NewFromInt(100000), asOf); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}

	report, err := l.Reconcile(ctx, "agent-1", nil, decimal.NewFromInt(100000), asOf)
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if report.Mismatched {
		t.Errorf("expected clean reconcile, diffs=%v", report.Diffs)
	}
}

func TestReconcile_LedgerFirstKeepsLedger(t *testing.T) {
	l := newTestLedger(t, PolicyLedgerFirst)
	ctx := context.Background()
	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	if err := l.InitAgent(ctx, "agent-1", decimal.NewFromInt(100000), asOf); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}

	report, err := l.Reconcile(ctx, "agent-1",
		map[string]int64{"600028": 500}, decimal.NewFromInt(80000), asOf)
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if !report.Mismatched {
		t.Fatalf("expected mismatch report")
	}
	if report.Adopted {
		t.Errorf("ledger_first must not adopt broker state")
	}

	pos, err := l.CurrentPosition(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CurrentPosition returned error: %v", err)
	}
	if got := pos.Cash.String(); got != "100000" {
		t.Errorf("ledger_first changed cash: got %s", got)
	}
	if got := pos.Quantity("600028"); got != 0 {
		t.Errorf("ledger_first changed holdings: got %d", got)
	}
}

func TestReconcile_BrokerFirstAdoptsAndStaysReplayable(t *testing.T) {
	l := newTestLedger(t, PolicyBrokerFirst)
	ctx := context.Background()
	initial := decimal.NewFromInt(100000)
	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	if err := l.InitAgent(ctx, "agent-1", initial, asOf); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}
	if _, err := l.Apply(ctx, ApplyInput{
		AgentID:           "agent-1",
		SessionID:         "s1",
		Timestamp:         asOf,
		Symbol:            "600028",
		Action:            ActionBuy,
		RequestedQuantity: 100,
		FilledQuantity:    100,
		Price:             decimal.NewFromInt(50),
	}); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	now := asOf.Add(24 * time.Hour)
	report, err := l.Reconcile(ctx, "agent-1",
		map[string]int64{"600028": 80}, decimal.NewFromInt(96000), now)
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if !report.Mismatched || !report.Adopted {
		t.Fatalf("expected adopted mismatch, got %+v", report)
	}

	pos, err := l.CurrentPosition(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CurrentPosition returned error: %v", err)
	}
	if got := pos.Quantity("600028"); got != 80 {
		t.Errorf("unexpected adopted quantity: got %d want 80", got)
	}
	if got := pos.Cash.String(); got != "96000" {
		t.Errorf("unexpected adopted cash: got %s want 96000", got)
	}

	// 重置记录之后重放依然与物化视图一致
	replayed, err := l.Replay(ctx, "agent-1", initial, asOf)
	if err != nil {
		t.Fatalf("Replay returned error: %v", err)
	}
	if !replayed.Cash.Equal(pos.Cash) {
		t.Errorf("replay cash mismatch after reset: replayed=%s current=%s",
			replayed.Cash.String(), pos.Cash.String())
	}
	if replayed.Quantity("600028") != pos.Quantity("600028") {
		t.Errorf("replay quantity mismatch after reset: replayed=%d current=%d",
			replayed.Quantity("600028"), pos.Quantity("600028"))
	}

	// 覆写之后仍可正常交易
	if _, err := l.Apply(ctx, ApplyInput{
		AgentID:           "agent-1",
		SessionID:         "s2",
		Timestamp:         now.Add(time.Hour),
		Symbol:            "600028",
		Action:            ActionSell,
		RequestedQuantity: 80,
		FilledQuantity:    80,
		Price:             decimal.NewFromInt(50),
	}); err != nil {
		t.Fatalf("Apply after adoption returned error: %v", err)
	}
}
