package monitor

import (
	"time"

	"ai-trader/internal/ledger"
	"ai-trader/internal/session"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventSessionOutcome EventType = "session_outcome"
	EventReconciliation EventType = "reconciliation"
	EventError          EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// SessionOutcomePayload 记录一次会话的终态结果。
type SessionOutcomePayload struct {
	Outcome session.Outcome `json:"outcome"`
}

// ReconciliationPayload 记录一次持仓对账结果。
type ReconciliationPayload struct {
	Report ledger.ReconcileReport `json:"report"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
