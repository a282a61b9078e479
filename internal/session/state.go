package session

import (
	"fmt"
	"time"
)

// State 表示会话所处的阶段。
type State string

const (
	StateIdle      State = "IDLE"
	StateFetching  State = "FETCHING"
	StateAnalyzing State = "ANALYZING"
	StateDeciding  State = "DECIDING"
	StateRiskCheck State = "RISK_CHECK"
	StateExecuting State = "EXECUTING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateSkipped   State = "SKIPPED"
)

// IsTerminal 判断状态是否为终态。
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateSkipped:
		return true
	}
	return false
}

// 错误类别，写入会话记录与结果事件。
const (
	ErrKindDataTimeout     = "DataSourceTimeout"
	ErrKindOracleTimeout   = "OracleTimeout"
	ErrKindInvalidDecision = "InvalidDecision"
	ErrKindOrderRejected   = "OrderRejected"
	ErrKindBrokerTimeout   = "BrokerTimeout"
	ErrKindLedgerConflict  = "LedgerWriteConflict"
	ErrKindInternal        = "Internal"
	ErrKindCeiling         = "SessionCeilingExceeded"
)

// Trigger 描述调度器派发的一次会话触发。
type Trigger struct {
	SessionID   string
	SlotID      string
	AgentID     string
	ScheduledAt time.Time
	Attempt     int
}

// slotTimeLayout 参与会话标识推导，精确到分钟即可区分时间槽。
const slotTimeLayout = "20060102T1504"

// SlotID 由 (代理, 计划时间) 确定性推导，同一时间槽的所有尝试共享。
func SlotID(agentID string, scheduledAt time.Time) string {
	return fmt.Sprintf("%s-%s", agentID, scheduledAt.UTC().Format(slotTimeLayout))
}

// SessionID 由时间槽与尝试序号确定性推导。
// 首次尝试与槽标识一致，重试追加 -r2/-r3 后缀。
func SessionID(agentID string, scheduledAt time.Time, attempt int) string {
	slot := SlotID(agentID, scheduledAt)
	if attempt <= 1 {
		return slot
	}
	return fmt.Sprintf("%s-r%d", slot, attempt)
}

// NewTrigger 构造一次触发，标识字段由参数确定性推导。
func NewTrigger(agentID string, scheduledAt time.Time, attempt int) Trigger {
	if attempt <= 0 {
		attempt = 1
	}
	return Trigger{
		SessionID:   SessionID(agentID, scheduledAt, attempt),
		SlotID:      SlotID(agentID, scheduledAt),
		AgentID:     agentID,
		ScheduledAt: scheduledAt,
		Attempt:     attempt,
	}
}

// Outcome 为一次会话的结构化结果，终态会话必然恰好产生一条。
type Outcome struct {
	SessionID   string    `json:"session_id"`
	SlotID      string    `json:"slot_id"`
	AgentID     string    `json:"agent_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Attempt     int       `json:"attempt"`
	State       State     `json:"state"`
	Action      string    `json:"action,omitempty"`
	Symbol      string    `json:"symbol,omitempty"`
	Quantity    int64     `json:"quantity,omitempty"`
	Price       string    `json:"price,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}
