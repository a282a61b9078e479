package oracle

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout 表示决策调用超出时间预算。
	ErrTimeout = errors.New("oracle: 决策调用超时")

	// ErrInvalidDecision 表示模型在允许的交互轮次内未能给出合法决策。
	ErrInvalidDecision = errors.New("oracle: 模型决策非法")
)

// Decision 表示决策模型返回的交易指令。
type Decision struct {
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"` // BUY | SELL | HOLD
	Quantity   int64   `json:"quantity"`
	PriceHint  float64 `json:"price_hint"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

var validActions = map[string]struct{}{
	"BUY":  {},
	"SELL": {},
	"HOLD": {},
}

// Validate 校验决策字段合法性。HOLD 不要求交易参数。
func (d Decision) Validate() error {
	action := strings.ToUpper(strings.TrimSpace(d.Action))
	if action == "" {
		return errors.New("action 不能为空")
	}
	if _, ok := validActions[action]; !ok {
		return fmt.Errorf("action 字段取值非法: %s", d.Action)
	}

	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence 必须在 [0,1] 区间，目前为 %f", d.Confidence)
	}

	if action == "HOLD" {
		return nil
	}

	if strings.TrimSpace(d.Symbol) == "" {
		return errors.New("symbol 不能为空 (BUY/SELL)")
	}
	if d.Quantity <= 0 {
		return fmt.Errorf("quantity 必须大于0，当前为 %d", d.Quantity)
	}
	if d.PriceHint <= 0 {
		return fmt.Errorf("price_hint 必须大于0，当前为 %f", d.PriceHint)
	}
	if strings.TrimSpace(d.Reasoning) == "" {
		return errors.New("reasoning 不能为空")
	}

	return nil
}

// Normalize 返回字段规整后的副本（动作与标的统一大写去空白）。
func (d Decision) Normalize() Decision {
	d.Action = strings.ToUpper(strings.TrimSpace(d.Action))
	d.Symbol = strings.ToUpper(strings.TrimSpace(d.Symbol))
	return d
}
