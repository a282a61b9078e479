package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"ai-trader/internal/ledger"
	"ai-trader/internal/oracle"
)

// DailyStatus 表示某代理当日的风控状态。
type DailyStatus struct {
	AgentID       string
	TradingDate   string
	StartEquity   float64
	CurrentEquity float64
	LossPercent   float64
	Halted        bool
}

// Input 为一次风控评估的输入。评估是纯函数：相同输入必然得到相同结论。
type Input struct {
	Decision oracle.Decision
	Position ledger.Position
	Prices   map[string]decimal.Decimal
	Daily    DailyStatus
	AsOf     time.Time
	LotSize  int64
	TPlusOne bool
}

// Verdict 为风控评估结论。拒绝时 Reason 给出机器可读的原因。
type Verdict struct {
	Accepted bool
	Reason   string
}

// ForcedSell 为风控主动发起的止损卖出指令。
type ForcedSell struct {
	Symbol   string
	Quantity int64
	Price    decimal.Decimal
	Reason   string
}
