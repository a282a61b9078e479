package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ai-trader/internal/config"
	"ai-trader/internal/session"
	"ai-trader/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 4,
	})
	if err != nil {
		t.Fatalf("初始化测试数据库失败: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil)
	if err != nil {
		t.Fatalf("初始化监控服务失败: %v", err)
	}
	return svc
}

func TestRecordAndListEvents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordOutcome(ctx, session.Outcome{
		SessionID: "agent-1-20260302T0935",
		AgentID:   "agent-1",
		State:     session.StateCompleted,
		Action:    "BUY",
	})
	svc.RecordError(ctx, "数据源异常", context.DeadlineExceeded, map[string]interface{}{"agent_id": "agent-1"})

	outcomes, err := svc.ListEvents(ctx, EventSessionOutcome, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("unexpected outcome event count: %d", len(outcomes))
	}
	if outcomes[0].Type != EventSessionOutcome {
		t.Errorf("unexpected event type: %s", outcomes[0].Type)
	}
	if outcomes[0].Timestamp.IsZero() {
		t.Errorf("event timestamp not persisted")
	}

	all, err := svc.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("unexpected total event count: %d", len(all))
	}
	// 最新事件在前
	if all[0].Type != EventError {
		t.Errorf("events not ordered newest first: %s", all[0].Type)
	}
}

func TestRecord_DefaultsTimestamp(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Record(ctx, Event{Type: EventError, Payload: ErrorPayload{Message: "x", Error: "y"}}); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	events, err := svc.ListEvents(ctx, EventError, 1)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("unexpected event count: %d", len(events))
	}
	if time.Since(events[0].Timestamp) > time.Minute {
		t.Errorf("zero timestamp not defaulted: %v", events[0].Timestamp)
	}
}
