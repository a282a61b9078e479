package calendar

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"ai-trader/internal/config"
)

// Lookup 提供交易日判定。查询失败时调度方必须按非交易日处理（安全失败）。
type Lookup interface {
	IsTradingDay(date time.Time, market string) (bool, error)
}

// Calendar 基于工作日掩码与配置的休市日列表判定交易日。
// 加密货币市场全年全天可交易。
type Calendar struct {
	holidays map[string]map[string]struct{} // market -> date -> {}
	logger   *zap.Logger
}

// New 根据配置构建交易日历。休市日格式非法时返回错误而非静默忽略。
func New(cfg config.CalendarConfig, logger *zap.Logger) (*Calendar, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	holidays := make(map[string]map[string]struct{}, len(cfg.Holidays))
	for market, dates := range cfg.Holidays {
		set := make(map[string]struct{}, len(dates))
		for _, date := range dates {
			if _, err := time.Parse("2006-01-02", date); err != nil {
				return nil, fmt.Errorf("日历配置非法: market=%s date=%q: %w", market, date, err)
			}
			set[date] = struct{}{}
		}
		holidays[market] = set
	}

	return &Calendar{
		holidays: holidays,
		logger:   logger,
	}, nil
}

var _ Lookup = (*Calendar)(nil)

// IsTradingDay 判定给定日期在该市场是否为交易日。
func (c *Calendar) IsTradingDay(date time.Time, market string) (bool, error) {
	if market == "crypto" {
		return true, nil
	}

	switch date.Weekday() {
	case time.Saturday, time.Sunday:
		return false, nil
	}

	if set, ok := c.holidays[market]; ok {
		if _, holiday := set[date.Format("2006-01-02")]; holiday {
			return false, nil
		}
	}

	return true, nil
}
