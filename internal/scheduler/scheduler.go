package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"ai-trader/internal/agent"
	"ai-trader/internal/alert"
	"ai-trader/internal/calendar"
	"ai-trader/internal/config"
	"ai-trader/internal/ledger"
	"ai-trader/internal/session"
)

type runner interface {
	Run(ctx context.Context, t session.Trigger) (session.Outcome, error)
}

// OutcomeSink 接收终态会话的结构化结果。
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, outcome session.Outcome)
}

type entry struct {
	agentID string
	profile agent.Profile
	runner  runner
	loc     *time.Location
}

type pendingRetry struct {
	trigger   session.Trigger
	notBefore time.Time
}

// Scheduler 把各代理的固定触发时刻转换为会话派发。
// 派发相对主循环是即发即忘：每个会话独立 goroutine 运行，
// 单个代理的卡顿不会拖延其他代理的时间槽。
type Scheduler struct {
	cfg      config.SchedulerConfig
	cal      calendar.Lookup
	sessions *session.Store
	sink     OutcomeSink
	notifier alert.Notifier
	logger   *zap.Logger

	entries []entry

	mu      sync.Mutex
	retries []pendingRetry

	wg sync.WaitGroup

	fatalMu  sync.Mutex
	fatalErr error
}

// New 创建调度器。sink 与 notifier 可为 nil。
func New(cfg config.SchedulerConfig, cal calendar.Lookup, sessions *session.Store,
	sink OutcomeSink, notifier alert.Notifier, logger *zap.Logger) (*Scheduler, error) {
	if cal == nil {
		return nil, errors.New("scheduler: 日历不能为空")
	}
	if sessions == nil {
		return nil, errors.New("scheduler: 会话存储不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		cfg:      cfg,
		cal:      cal,
		sessions: sessions,
		sink:     sink,
		notifier: notifier,
		logger:   logger,
	}, nil
}

// Register 注册一个代理及其会话运行器。必须在 Run 之前调用。
func (s *Scheduler) Register(agentID string, profile agent.Profile, r runner) error {
	loc, err := profile.Location()
	if err != nil {
		return err
	}
	s.entries = append(s.entries, entry{
		agentID: agentID,
		profile: profile,
		runner:  r,
		loc:     loc,
	})
	return nil
}

// Run 驱动调度主循环直至 ctx 取消或发生致命错误。
// 账本写入冲突意味着审计链失效，此时停止派发并返回错误。
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.entries) == 0 {
		return errors.New("scheduler: 未注册任何代理")
	}

	s.logger.Info("调度器启动",
		zap.Int("agents", len(s.entries)),
		zap.Duration("tick_interval", s.cfg.TickInterval),
	)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("调度器退出")
			return s.fatal()
		case now := <-ticker.C:
			if err := s.fatal(); err != nil {
				s.wg.Wait()
				return err
			}
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if _, err := s.sessions.ForceFailStale(ctx, s.cfg.SessionCeiling); err != nil {
		s.logger.Error("清理超时会话失败", zap.Error(err))
	}

	for _, trigger := range s.dueRetries(now) {
		s.dispatch(ctx, trigger)
	}

	for _, e := range s.entries {
		for _, scheduledAt := range s.dueTimes(e, now) {
			if !s.isTradingDay(e, scheduledAt) {
				continue
			}
			s.dispatch(ctx, session.NewTrigger(e.agentID, scheduledAt, 1))
		}
	}
}

// dueTimes 返回该代理当前处于容忍窗口内的触发时刻。
func (s *Scheduler) dueTimes(e entry, now time.Time) []time.Time {
	local := now.In(e.loc)
	var due []time.Time
	for _, tod := range e.profile.Times {
		scheduledAt := time.Date(local.Year(), local.Month(), local.Day(),
			tod.Hour, tod.Minute, 0, 0, e.loc)
		if now.Before(scheduledAt) {
			continue
		}
		if now.Sub(scheduledAt) > s.cfg.Tolerance {
			continue
		}
		due = append(due, scheduledAt)
	}
	return due
}

// isTradingDay 查询交易日历。查询失败按非交易日处理（安全失败）。
func (s *Scheduler) isTradingDay(e entry, scheduledAt time.Time) bool {
	trading, err := s.cal.IsTradingDay(scheduledAt.In(e.loc), e.profile.Market)
	if err != nil {
		s.logger.Warn("交易日历查询失败，按非交易日处理",
			zap.String("agent_id", e.agentID),
			zap.String("market", e.profile.Market),
			zap.Error(err),
		)
		return false
	}
	if !trading {
		s.logger.Debug("非交易日，跳过触发",
			zap.String("agent_id", e.agentID),
			zap.Time("scheduled_at", scheduledAt),
		)
	}
	return trading
}

// dispatch 认领并派发一次触发。重复派发与代理互斥由会话存储裁决。
func (s *Scheduler) dispatch(ctx context.Context, t session.Trigger) {
	e, ok := s.lookup(t.AgentID)
	if !ok {
		return
	}

	if err := s.sessions.Claim(ctx, t); err != nil {
		switch {
		case errors.Is(err, session.ErrSlotDone), errors.Is(err, session.ErrDuplicateSession):
			s.logger.Debug("触发已处理，跳过派发", zap.String("session_id", t.SessionID))
		case errors.Is(err, session.ErrAgentBusy):
			s.logger.Warn("代理存在进行中的会话，跳过派发",
				zap.String("agent_id", t.AgentID),
				zap.String("session_id", t.SessionID),
			)
		default:
			s.logger.Error("认领会话失败", zap.String("session_id", t.SessionID), zap.Error(err))
		}
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		outcome, err := e.runner.Run(ctx, t)
		if err != nil {
			if errors.Is(err, ledger.ErrWriteConflict) {
				s.recordFatal(err)
			}
			s.logger.Error("会话出现致命错误",
				zap.String("session_id", t.SessionID),
				zap.Error(err),
			)
			return
		}

		s.handleOutcome(ctx, e, t, outcome)
	}()
}

func (s *Scheduler) handleOutcome(ctx context.Context, e entry, t session.Trigger, outcome session.Outcome) {
	if s.sink != nil {
		s.sink.RecordOutcome(ctx, outcome)
	}

	if outcome.State != session.StateFailed {
		return
	}

	if s.notifier != nil {
		_ = s.notifier.Notify(ctx, alert.Notification{
			Severity: "error",
			Title:    "交易会话失败",
			Message:  outcome.Error,
			Fields: map[string]interface{}{
				"session_id": outcome.SessionID,
				"agent_id":   outcome.AgentID,
				"error_kind": outcome.ErrorKind,
				"attempt":    outcome.Attempt,
			},
		})
	}

	s.maybeScheduleRetry(e, t, outcome)
}

// retryableKinds 列出允许同槽重试的失败类别。
// 订单类失败绝不自动重试，重复成交的风险不可接受。
var retryableKinds = map[string]struct{}{
	session.ErrKindDataTimeout:   {},
	session.ErrKindOracleTimeout: {},
	session.ErrKindInternal:      {},
}

func (s *Scheduler) maybeScheduleRetry(e entry, t session.Trigger, outcome session.Outcome) {
	if s.cfg.MaxRetries <= 0 || t.Attempt >= s.cfg.MaxRetries {
		return
	}
	if _, ok := retryableKinds[outcome.ErrorKind]; !ok {
		return
	}

	// 指数退避，且绝不越过下一个时间槽。
	delay := s.cfg.RetryBaseDelay << (t.Attempt - 1)
	notBefore := time.Now().Add(delay)
	if next, ok := s.nextSlotTime(e, t.ScheduledAt); ok && !notBefore.Before(next) {
		s.logger.Warn("重试将越过下一时间槽，放弃重试",
			zap.String("slot_id", t.SlotID),
			zap.Int("attempt", t.Attempt),
		)
		return
	}

	retry := session.NewTrigger(t.AgentID, t.ScheduledAt, t.Attempt+1)

	s.mu.Lock()
	s.retries = append(s.retries, pendingRetry{trigger: retry, notBefore: notBefore})
	s.mu.Unlock()

	s.logger.Info("已安排同槽重试",
		zap.String("session_id", retry.SessionID),
		zap.Int("attempt", retry.Attempt),
		zap.Duration("delay", delay),
	)
}

func (s *Scheduler) dueRetries(now time.Time) []session.Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []session.Trigger
	remaining := s.retries[:0]
	for _, r := range s.retries {
		if now.Before(r.notBefore) {
			remaining = append(remaining, r)
			continue
		}
		due = append(due, r.trigger)
	}
	s.retries = remaining
	return due
}

// nextSlotTime 返回该代理在 scheduledAt 之后最近的触发时刻。
func (s *Scheduler) nextSlotTime(e entry, scheduledAt time.Time) (time.Time, bool) {
	local := scheduledAt.In(e.loc)

	candidates := make([]time.Time, 0, len(e.profile.Times)*2)
	for _, tod := range e.profile.Times {
		sameDay := time.Date(local.Year(), local.Month(), local.Day(), tod.Hour, tod.Minute, 0, 0, e.loc)
		candidates = append(candidates, sameDay, sameDay.AddDate(0, 0, 1))
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })

	for _, c := range candidates {
		if c.After(scheduledAt) {
			return c, true
		}
	}
	return time.Time{}, false
}

func (s *Scheduler) lookup(agentID string) (entry, bool) {
	for _, e := range s.entries {
		if e.agentID == agentID {
			return e, true
		}
	}
	return entry{}, false
}

func (s *Scheduler) recordFatal(err error) {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	if s.fatalErr == nil {
		s.fatalErr = fmt.Errorf("scheduler: 检测到致命错误: %w", err)
	}
}

func (s *Scheduler) fatal() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatalErr
}
