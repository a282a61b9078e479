package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ai-trader/internal/agent"
	"ai-trader/internal/broker"
	"ai-trader/internal/config"
	"ai-trader/internal/ledger"
	"ai-trader/internal/market"
	"ai-trader/internal/oracle"
	"ai-trader/internal/risk"
)

type mockSource struct {
	calls  []string
	prices map[string]market.OHLCV
	err    error
}

func (m *mockSource) GetPrices(ctx context.Context, symbols []string, mkt string, asOf time.Time) (map[string]market.OHLCV, error) {
	m.calls = append(m.calls, "GetPrices")
	if m.err != nil {
		return nil, m.err
	}
	return m.prices, nil
}

type mockOracle struct {
	calls    []string
	decision oracle.Decision
	err      error
}

func (m *mockOracle) Decide(ctx context.Context, model string, snap oracle.Snapshot) (oracle.Decision, error) {
	m.calls = append(m.calls, "Decide")
	if m.err != nil {
		return oracle.Decision{}, m.err
	}
	return m.decision, nil
}

type mockBroker struct {
	calls   []string
	waitErr error
	fill    broker.Fill
}

func (m *mockBroker) Submit(ctx context.Context, req broker.OrderRequest) (string, error) {
	m.calls = append(m.calls, "Submit")
	return "order-1", nil
}

func (m *mockBroker) WaitForFill(ctx context.Context, orderID string) (broker.Fill, error) {
	m.calls = append(m.calls, "WaitForFill")
	if m.waitErr != nil {
		return broker.Fill{}, m.waitErr
	}
	return m.fill, nil
}

func testProfile() agent.Profile {
	return agent.Profile{
		Type:      "test",
		Market:    "astock",
		Timezone:  "UTC",
		Frequency: "daily",
		Times:     []agent.TimeOfDay{{Hour: 9, Minute: 35}},
		LotSize:   1,
		TPlusOne:  false,
	}
}

type runnerFixture struct {
	runner   *Runner
	sessions *Store
	book     *ledger.Ledger
	source   *mockSource
	oracle   *mockOracle
	broker   broker.Broker
}

func newRunnerFixture(t *testing.T, profile agent.Profile, limits config.RiskConfig,
	source *mockSource, oracleMock *mockOracle, b broker.Broker) *runnerFixture {
	t.Helper()

	st := newTestStore(t)
	book, err := ledger.NewLedger(st, ledger.PolicyLedgerFirst, nil)
	if err != nil {
		t.Fatalf("NewLedger returned error: %v", err)
	}
	tracker, err := risk.NewDailyTracker(st, nil)
	if err != nil {
		t.Fatalf("NewDailyTracker returned error: %v", err)
	}
	sessions, err := NewStore(st, nil)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}

	agentCfg := config.AgentConfig{
		ID:          "agent-1",
		Type:        profile.Type,
		Model:       "test-model",
		InitialCash: 100000,
		Symbols:     []string{"600028"},
	}

	runner, err := NewRunner(profile, agentCfg, limits, RunnerDeps{
		Source:   source,
		Oracle:   oracleMock,
		Tracker:  tracker,
		Broker:   b,
		Ledger:   book,
		Sessions: sessions,
	}, nil)
	if err != nil {
		t.Fatalf("NewRunner returned error: %v", err)
	}

	return &runnerFixture{
		runner:   runner,
		sessions: sessions,
		book:     book,
		source:   source,
		oracle:   oracleMock,
		broker:   b,
	}
}

func defaultLimits() config.RiskConfig {
	return config.RiskConfig{
		MaxSinglePositionRatio: 0.30,
		MaxDailyLossRatio:      0.05,
	}
}

func claimTrigger(t *testing.T, sessions *Store, scheduledAt time.Time) Trigger {
	t.Helper()

	trigger := NewTrigger("agent-1", scheduledAt, 1)
	if err := sessions.Claim(context.Background(), trigger); err != nil {
		t.Fatalf("Claim returned error: %v", err)
	}
	return trigger
}

func TestRunnerRun_BuyCompletes(t *testing.T) {
	ctx := context.Background()
	scheduledAt := time.Date(2026, 3, 2, 9, 35, 0, 0, time.UTC)

	source := &mockSource{prices: map[string]market.OHLCV{"600028": {Close: 50}}}
	oracleMock := &mockOracle{decision: oracle.Decision{
		Symbol: "600028", Action: "BUY", Quantity: 100, PriceHint: 50, Confidence: 0.8, Reasoning: "test",
	}}
	sim := broker.NewSimulated(nil)
	sim.Seed("agent-1", decimal.NewFromInt(100000), nil)

	fx := newRunnerFixture(t, testProfile(), defaultLimits(), source, oracleMock, sim)
	if err := fx.book.InitAgent(ctx, "agent-1", decimal.NewFromInt(100000), scheduledAt.AddDate(0, 0, -1)); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}
	trigger := claimTrigger(t, fx.sessions, scheduledAt)

	outcome, err := fx.runner.Run(ctx, trigger)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if outcome.State != StateCompleted {
		t.Fatalf("unexpected state: %s (error=%s)", outcome.State, outcome.Error)
	}
	if outcome.Action != "BUY" || outcome.Symbol != "600028" || outcome.Quantity != 100 {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
	if outcome.Price != "50" {
		t.Errorf("unexpected fill price: %s", outcome.Price)
	}

	pos, err := fx.book.CurrentPosition(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CurrentPosition returned error: %v", err)
	}
	if got := pos.Cash.String(); got != "95000" {
		t.Errorf("unexpected ledger cash: got %s want 95000", got)
	}
	if got := pos.Quantity("600028"); got != 100 {
		t.Errorf("unexpected ledger quantity: got %d want 100", got)
	}

	entries, err := fx.book.Entries(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Entries returned error: %v", err)
	}
	if len(entries) != 1 || entries[0].SessionID != trigger.SessionID {
		t.Errorf("unexpected ledger entries: %+v", entries)
	}

	records, err := fx.sessions.SlotRecords(ctx, trigger.SlotID)
	if err != nil {
		t.Fatalf("SlotRecords returned error: %v", err)
	}
	if records[0].State != StateCompleted {
		t.Errorf("session record not completed: %+v", records[0])
	}
}

func TestRunnerRun_RiskRejectionCompletesAsHold(t *testing.T) {
	ctx := context.Background()
	scheduledAt := time.Date(2026, 3, 2, 9, 35, 0, 0, time.UTC)

	source := &mockSource{prices: map[string]market.OHLCV{"600028": {Close: 50}}}
	// 35000 超过 0.3×100000 的集中度上限
	oracleMock := &mockOracle{decision: oracle.Decision{
		Symbol: "600028", Action: "BUY", Quantity: 700, PriceHint: 50, Confidence: 0.9, Reasoning: "test",
	}}
	brokerMock := &mockBroker{}

	fx := newRunnerFixture(t, testProfile(), defaultLimits(), source, oracleMock, brokerMock)
	if err := fx.book.InitAgent(ctx, "agent-1", decimal.NewFromInt(100000), scheduledAt.AddDate(0, 0, -1)); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}
	trigger := claimTrigger(t, fx.sessions, scheduledAt)

	outcome, err := fx.runner.Run(ctx, trigger)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if outcome.State != StateCompleted {
		t.Fatalf("risk rejection must complete the session: %+v", outcome)
	}
	if outcome.Action != "HOLD" || outcome.Reason != risk.ReasonConcentration {
		t.Errorf("unexpected override outcome: %+v", outcome)
	}
	if len(brokerMock.calls) != 0 {
		t.Errorf("broker must not be touched on rejection: %v", brokerMock.calls)
	}

	entries, err := fx.book.Entries(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Entries returned error: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != ledger.ActionHold || entries[0].Reason != risk.ReasonConcentration {
		t.Errorf("expected single HOLD audit entry, got %+v", entries)
	}
}

func TestRunnerRun_DataUnavailableSkips(t *testing.T) {
	ctx := context.Background()
	scheduledAt := time.Date(2026, 3, 2, 9, 35, 0, 0, time.UTC)

	source := &mockSource{err: market.ErrDataUnavailable}
	oracleMock := &mockOracle{}
	brokerMock := &mockBroker{}

	fx := newRunnerFixture(t, testProfile(), defaultLimits(), source, oracleMock, brokerMock)
	if err := fx.book.InitAgent(ctx, "agent-1", decimal.NewFromInt(100000), scheduledAt.AddDate(0, 0, -1)); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}
	trigger := claimTrigger(t, fx.sessions, scheduledAt)

	outcome, err := fx.runner.Run(ctx, trigger)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if outcome.State != StateSkipped {
		t.Fatalf("expected SKIPPED, got %+v", outcome)
	}
	if len(oracleMock.calls) != 0 {
		t.Errorf("oracle must not be called: %v", oracleMock.calls)
	}
	if len(brokerMock.calls) != 0 {
		t.Errorf("broker must not be called: %v", brokerMock.calls)
	}

	entries, err := fx.book.Entries(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Entries returned error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("skipped session must not touch the ledger: %+v", entries)
	}
}

func TestRunnerRun_BrokerTimeoutFailsWithoutLedgerWrite(t *testing.T) {
	ctx := context.Background()
	scheduledAt := time.Date(2026, 3, 2, 9, 35, 0, 0, time.UTC)

	source := &mockSource{prices: map[string]market.OHLCV{"600028": {Close: 50}}}
	oracleMock := &mockOracle{decision: oracle.Decision{
		Symbol: "600028", Action: "BUY", Quantity: 100, PriceHint: 50, Confidence: 0.8, Reasoning: "test",
	}}
	brokerMock := &mockBroker{waitErr: broker.ErrTimeout}

	fx := newRunnerFixture(t, testProfile(), defaultLimits(), source, oracleMock, brokerMock)
	if err := fx.book.InitAgent(ctx, "agent-1", decimal.NewFromInt(100000), scheduledAt.AddDate(0, 0, -1)); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}
	trigger := claimTrigger(t, fx.sessions, scheduledAt)

	outcome, err := fx.runner.Run(ctx, trigger)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if outcome.State != StateFailed || outcome.ErrorKind != ErrKindBrokerTimeout {
		t.Fatalf("expected BrokerTimeout failure, got %+v", outcome)
	}

	// 成交未确认，账本不得有任何记录
	entries, err := fx.book.Entries(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Entries returned error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("unconfirmed fill must not reach the ledger: %+v", entries)
	}

	pos, err := fx.book.CurrentPosition(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CurrentPosition returned error: %v", err)
	}
	if got := pos.Cash.String(); got != "100000" {
		t.Errorf("ledger cash changed: got %s", got)
	}
}

func TestRunnerRun_RejectedFillFails(t *testing.T) {
	ctx := context.Background()
	scheduledAt := time.Date(2026, 3, 2, 9, 35, 0, 0, time.UTC)

	source := &mockSource{prices: map[string]market.OHLCV{"600028": {Close: 50}}}
	oracleMock := &mockOracle{decision: oracle.Decision{
		Symbol: "600028", Action: "BUY", Quantity: 100, PriceHint: 50, Confidence: 0.8, Reasoning: "test",
	}}
	brokerMock := &mockBroker{fill: broker.Fill{OrderID: "order-1", Status: broker.StatusRejected}}

	fx := newRunnerFixture(t, testProfile(), defaultLimits(), source, oracleMock, brokerMock)
	if err := fx.book.InitAgent(ctx, "agent-1", decimal.NewFromInt(100000), scheduledAt.AddDate(0, 0, -1)); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}
	trigger := claimTrigger(t, fx.sessions, scheduledAt)

	outcome, err := fx.runner.Run(ctx, trigger)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome.State != StateFailed || outcome.ErrorKind != ErrKindOrderRejected {
		t.Fatalf("expected OrderRejected failure, got %+v", outcome)
	}
}

func TestRunnerRun_OracleTimeoutRetriesOnce(t *testing.T) {
	ctx := context.Background()
	scheduledAt := time.Date(2026, 3, 2, 9, 35, 0, 0, time.UTC)

	source := &mockSource{prices: map[string]market.OHLCV{"600028": {Close: 50}}}
	oracleMock := &mockOracle{err: oracle.ErrTimeout}
	brokerMock := &mockBroker{}

	fx := newRunnerFixture(t, testProfile(), defaultLimits(), source, oracleMock, brokerMock)
	if err := fx.book.InitAgent(ctx, "agent-1", decimal.NewFromInt(100000), scheduledAt.AddDate(0, 0, -1)); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}
	trigger := claimTrigger(t, fx.sessions, scheduledAt)

	outcome, err := fx.runner.Run(ctx, trigger)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if outcome.State != StateFailed || outcome.ErrorKind != ErrKindOracleTimeout {
		t.Fatalf("expected OracleTimeout failure, got %+v", outcome)
	}
	if len(oracleMock.calls) != 2 {
		t.Errorf("expected one retry (2 calls), got %d", len(oracleMock.calls))
	}
}

func TestRunnerRun_UnresolvableSymbolIsInvalidDecision(t *testing.T) {
	ctx := context.Background()
	scheduledAt := time.Date(2026, 3, 2, 9, 35, 0, 0, time.UTC)

	source := &mockSource{prices: map[string]market.OHLCV{"600028": {Close: 50}}}
	oracleMock := &mockOracle{decision: oracle.Decision{
		Symbol: "999999", Action: "BUY", Quantity: 100, PriceHint: 50, Confidence: 0.8, Reasoning: "test",
	}}
	brokerMock := &mockBroker{}

	fx := newRunnerFixture(t, testProfile(), defaultLimits(), source, oracleMock, brokerMock)
	if err := fx.book.InitAgent(ctx, "agent-1", decimal.NewFromInt(100000), scheduledAt.AddDate(0, 0, -1)); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}
	trigger := claimTrigger(t, fx.sessions, scheduledAt)

	outcome, err := fx.runner.Run(ctx, trigger)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome.State != StateFailed || outcome.ErrorKind != ErrKindInvalidDecision {
		t.Fatalf("expected InvalidDecision failure, got %+v", outcome)
	}
	if len(brokerMock.calls) != 0 {
		t.Errorf("broker must not be called: %v", brokerMock.calls)
	}
}

func TestRunnerRun_StopLossSellsBeforeDecision(t *testing.T) {
	ctx := context.Background()
	day1 := time.Date(2026, 3, 2, 9, 35, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 3, 9, 35, 0, 0, time.UTC)

	source := &mockSource{prices: map[string]market.OHLCV{"600028": {Close: 40}}}
	oracleMock := &mockOracle{decision: oracle.Decision{Action: "HOLD", Reasoning: "wait"}}
	sim := broker.NewSimulated(nil)
	sim.Seed("agent-1", decimal.NewFromInt(95000), map[string]int64{"600028": 100})

	limits := defaultLimits()
	limits.EnableStopLoss = true
	limits.StopLossRatio = 0.10

	fx := newRunnerFixture(t, testProfile(), limits, source, oracleMock, sim)
	if err := fx.book.InitAgent(ctx, "agent-1", decimal.NewFromInt(100000), day1.AddDate(0, 0, -1)); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}
	// 昨日建仓：成本 50，止损线 45，现价 40 触发
	if _, err := fx.book.Apply(ctx, ledger.ApplyInput{
		AgentID: "agent-1", SessionID: "prev", Timestamp: day1,
		Symbol: "600028", Action: ledger.ActionBuy,
		RequestedQuantity: 100, FilledQuantity: 100, Price: decimal.NewFromInt(50),
	}); err != nil {
		t.Fatalf("seed Apply returned error: %v", err)
	}

	trigger := claimTrigger(t, fx.sessions, day2)
	outcome, err := fx.runner.Run(ctx, trigger)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome.State != StateCompleted {
		t.Fatalf("unexpected state: %+v", outcome)
	}

	pos, err := fx.book.CurrentPosition(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CurrentPosition returned error: %v", err)
	}
	if got := pos.Quantity("600028"); got != 0 {
		t.Errorf("stop loss did not flatten position: quantity=%d", got)
	}
	// 95000 + 100×40 = 99000
	if got := pos.Cash.String(); got != "99000" {
		t.Errorf("unexpected cash after forced sell: got %s want 99000", got)
	}

	entries, err := fx.book.Entries(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Entries returned error: %v", err)
	}
	// 建仓 + 强制卖出 + HOLD 留痕
	if len(entries) != 3 {
		t.Fatalf("unexpected entry count: got %d want 3", len(entries))
	}
	if entries[1].Action != ledger.ActionSell {
		t.Errorf("expected forced sell entry, got %+v", entries[1])
	}
}

func TestRunnerRun_WriteConflictIsFatal(t *testing.T) {
	ctx := context.Background()
	scheduledAt := time.Date(2026, 3, 2, 9, 35, 0, 0, time.UTC)

	st := newTestStore(t)
	book, err := ledger.NewLedger(st, ledger.PolicyLedgerFirst, nil)
	if err != nil {
		t.Fatalf("NewLedger returned error: %v", err)
	}
	tracker, err := risk.NewDailyTracker(st, nil)
	if err != nil {
		t.Fatalf("NewDailyTracker returned error: %v", err)
	}
	sessions, err := NewStore(st, nil)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}

	source := &mockSource{prices: map[string]market.OHLCV{"600028": {Close: 50}}}
	oracleMock := &mockOracle{decision: oracle.Decision{
		Symbol: "600028", Action: "BUY", Quantity: 100, PriceHint: 50, Confidence: 0.8, Reasoning: "test",
	}}
	sim := broker.NewSimulated(nil)
	sim.Seed("agent-1", decimal.NewFromInt(100000), nil)

	runner, err := NewRunner(testProfile(), config.AgentConfig{
		ID: "agent-1", Model: "test-model", Symbols: []string{"600028"},
	}, defaultLimits(), RunnerDeps{
		Source: source, Oracle: oracleMock, Tracker: tracker,
		Broker: sim, Ledger: book, Sessions: sessions,
	}, nil)
	if err != nil {
		t.Fatalf("NewRunner returned error: %v", err)
	}

	if err := book.InitAgent(ctx, "agent-1", decimal.NewFromInt(100000), scheduledAt.AddDate(0, 0, -1)); err != nil {
		t.Fatalf("InitAgent returned error: %v", err)
	}
	// 绕过键控锁篡改检查点，入账时必然命中写入冲突
	if _, err := st.DB().Exec(`UPDATE positions SET last_entry_id = 99 WHERE agent_id = ?`, "agent-1"); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}

	trigger := claimTrigger(t, sessions, scheduledAt)
	if _, err := runner.Run(ctx, trigger); !errors.Is(err, ledger.ErrWriteConflict) {
		t.Fatalf("expected fatal ErrWriteConflict, got %v", err)
	}
}
