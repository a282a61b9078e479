package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"ai-trader/internal/indicator"
	"ai-trader/internal/market"
)

// HoldingView 为提示词中展示的单个持仓条目。
type HoldingView struct {
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
	Sellable int64  `json:"sellable"`
	AvgCost  string `json:"avg_cost"`
}

// Snapshot 聚合一次决策所需的全部上下文。
type Snapshot struct {
	AgentID    string
	Market     string
	AsOf       time.Time
	Cash       string
	Holdings   []HoldingView
	Prices     map[string]market.OHLCV
	Indicators []indicator.Summary
	LotSize    int64
	TPlusOne   bool
}

const decisionTemplate = `
你是一个专业的投资组合交易员，管理一个 {{ .Market }} 市场的模拟账户。请根据提供的行情与账户状况，给出本轮交易决策。

决策时间: {{ .AsOf }}

账户状况：
- 可用现金: {{ .Cash }}
- 当前持仓:
{{ .HoldingsJSON }}

最新行情：
{{ .PricesJSON }}

技术指标摘要：
{{ .IndicatorsJSON }}

交易规则：
{{- if .TPlusOne }}
- 该市场实行 T+1 结算：当日买入的份额当日不可卖出，sellable 字段给出了各标的的可卖数量。
{{- end }}
{{- if gt .LotSize 1 }}
- 交易数量必须为 {{ .LotSize }} 的整数倍。
{{- end }}
- 每轮仅允许一笔交易（BUY 或 SELL），无合适机会时返回 HOLD。
- 不允许卖空，不允许融资买入。
- price_hint 请给出基于最新行情的合理限价。

请严格输出唯一的 JSON 对象，格式如下：
{
  "action": "BUY|SELL|HOLD",        // 交易动作，HOLD 表示本轮不交易
  "symbol": "...",                  // 交易标的，HOLD 时可留空
  "quantity": 0,                    // 交易数量（整数），HOLD 时填 0
  "price_hint": 0.0,                // 限价参考，HOLD 时填 0
  "confidence": 0.0-1.0,            // 决策信心度
  "reasoning": "..."               // 支撑结论的关键理由
}

注意事项：
- 卖出数量不得超过对应标的的 sellable 数量。
- 买入金额不得超过可用现金。
- 所有字段均需填写，不要输出 JSON 以外的任何内容。
`

var tmpl = template.Must(template.New("decision").Parse(decisionTemplate))

type promptContext struct {
	Market         string
	AsOf           string
	Cash           string
	HoldingsJSON   string
	PricesJSON     string
	IndicatorsJSON string
	LotSize        int64
	TPlusOne       bool
}

// BuildPrompt 将决策上下文渲染成提示词字符串。
func BuildPrompt(snap Snapshot) (string, error) {
	holdingsJSON, err := marshalIndent(snap.Holdings)
	if err != nil {
		return "", fmt.Errorf("序列化持仓失败: %w", err)
	}
	pricesJSON, err := marshalIndent(snap.Prices)
	if err != nil {
		return "", fmt.Errorf("序列化行情失败: %w", err)
	}
	indicatorsJSON, err := marshalIndent(snap.Indicators)
	if err != nil {
		return "", fmt.Errorf("序列化指标失败: %w", err)
	}

	ctx := promptContext{
		Market:         snap.Market,
		AsOf:           snap.AsOf.Format("2006-01-02 15:04:05 MST"),
		Cash:           snap.Cash,
		HoldingsJSON:   holdingsJSON,
		PricesJSON:     pricesJSON,
		IndicatorsJSON: indicatorsJSON,
		LotSize:        snap.LotSize,
		TPlusOne:       snap.TPlusOne,
	}

	var buf bytes.Buffer
	if err = tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}

	return buf.String(), nil
}

func marshalIndent(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
