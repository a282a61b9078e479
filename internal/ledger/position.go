package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Action 表示账本记录的交易方向。
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Lot 表示一笔建仓批次。T+1 结算依赖每批次的取得时间，而非总量。
type Lot struct {
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	AcquiredAt time.Time       `json:"acquired_at"`
}

// Position 为某代理的物化持仓视图，由账本折叠得出。
type Position struct {
	AgentID  string           `json:"agent_id"`
	AsOf     time.Time        `json:"as_of"`
	Cash     decimal.Decimal  `json:"cash"`
	Holdings map[string][]Lot `json:"holdings"`
}

// NewPosition 创建初始持仓（仅现金）。
func NewPosition(agentID string, cash decimal.Decimal, asOf time.Time) Position {
	return Position{
		AgentID:  agentID,
		AsOf:     asOf,
		Cash:     cash,
		Holdings: make(map[string][]Lot),
	}
}

// Quantity 返回某标的的总持仓数量。
func (p Position) Quantity(symbol string) int64 {
	var total int64
	for _, lot := range p.Holdings[symbol] {
		total += lot.Quantity
	}
	return total
}

// SettledQuantity 返回截至 asOf 当日开盘前取得的可卖数量（T+1 口径）。
func (p Position) SettledQuantity(symbol string, asOf time.Time) int64 {
	dayStart := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, asOf.Location())
	var total int64
	for _, lot := range p.Holdings[symbol] {
		if lot.AcquiredAt.Before(dayStart) {
			total += lot.Quantity
		}
	}
	return total
}

// Symbols 返回当前持有的标的列表（按字典序）。
func (p Position) Symbols() []string {
	symbols := make([]string, 0, len(p.Holdings))
	for symbol, lots := range p.Holdings {
		var qty int64
		for _, lot := range lots {
			qty += lot.Quantity
		}
		if qty > 0 {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// TotalValue 按给定价格估算总资产（现金 + 持仓市值）。
// 缺价标的按成本价估值。
func (p Position) TotalValue(prices map[string]decimal.Decimal) decimal.Decimal {
	total := p.Cash
	for symbol, lots := range p.Holdings {
		price, ok := prices[symbol]
		for _, lot := range lots {
			unit := price
			if !ok {
				unit = lot.Price
			}
			total = total.Add(unit.Mul(decimal.NewFromInt(lot.Quantity)))
		}
	}
	return total
}

// Clone 返回深拷贝，供跨组件传递快照时使用。
func (p Position) Clone() Position {
	cloned := p
	cloned.Holdings = make(map[string][]Lot, len(p.Holdings))
	for symbol, lots := range p.Holdings {
		copied := make([]Lot, len(lots))
		copy(copied, lots)
		cloned.Holdings[symbol] = copied
	}
	return cloned
}

// applyTrade 将一笔成交折叠到持仓上，返回新持仓。
// 买入按批次追加；卖出按先进先出消耗批次。
func applyTrade(pos Position, action Action, symbol string, quantity int64, price decimal.Decimal, ts time.Time) Position {
	next := pos.Clone()
	next.AsOf = ts

	if quantity <= 0 || action == ActionHold {
		return next
	}

	amount := price.Mul(decimal.NewFromInt(quantity))

	switch action {
	case ActionBuy:
		next.Cash = next.Cash.Sub(amount)
		next.Holdings[symbol] = append(next.Holdings[symbol], Lot{
			Quantity:   quantity,
			Price:      price,
			AcquiredAt: ts,
		})
	case ActionSell:
		next.Cash = next.Cash.Add(amount)
		remaining := quantity
		lots := next.Holdings[symbol]
		consumed := lots[:0]
		for _, lot := range lots {
			if remaining <= 0 {
				consumed = append(consumed, lot)
				continue
			}
			if lot.Quantity <= remaining {
				remaining -= lot.Quantity
				continue
			}
			lot.Quantity -= remaining
			remaining = 0
			consumed = append(consumed, lot)
		}
		if len(consumed) == 0 {
			delete(next.Holdings, symbol)
		} else {
			next.Holdings[symbol] = consumed
		}
	}

	return next
}
