package agent

import (
	"fmt"
	"time"
)

// TimeOfDay 表示一天内的触发时刻（市场当地时间）。
type TimeOfDay struct {
	Hour   int
	Minute int
}

// Profile 描述一类交易代理的市场属性与触发节奏。
// 代理配置中的 type 字段映射到注册表里的一个档案。
type Profile struct {
	Type           string
	Market         string // us | astock | crypto
	Timezone       string
	Frequency      string // daily | hourly
	Times          []TimeOfDay
	LotSize        int64
	TPlusOne       bool
	DefaultSymbols []string
}

// DataAsOf 把触发时刻换算成行情查询时点：
// 日频代理取当日零点（对应日线键），小时频保留原时刻。
func (p Profile) DataAsOf(ts time.Time, loc *time.Location) time.Time {
	if p.Frequency == "hourly" {
		return ts
	}
	local := ts.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// Location 返回档案所属市场的时区。
func (p Profile) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("agent: 加载时区失败 %q: %w", p.Timezone, err)
	}
	return loc, nil
}

// 上证50成分股子集，A股代理的默认标的池。
var astockDefaultSymbols = []string{
	"600028", "600030", "600036", "600048", "600050",
	"600089", "600104", "600111", "600196", "600276",
	"600309", "600406", "600438", "600519", "600585",
	"600690", "600809", "600887", "600893", "600900",
	"601012", "601088", "601166", "601225", "601288",
	"601318", "601398", "601601", "601628", "601633",
	"601668", "601669", "601688", "601728", "601857",
	"601888", "601899", "601919", "601988", "603259",
	"603288", "603501", "603986", "688111", "688981",
}

var usDefaultSymbols = []string{
	"AAPL", "MSFT", "GOOG", "AMZN", "NVDA",
	"META", "TSLA", "BRK.B", "JPM", "V",
}

var cryptoDefaultSymbols = []string{
	"BTC/USDT", "ETH/USDT", "BNB/USDT", "SOL/USDT", "XRP/USDT",
}

// registry 把代理类型名映射到档案。触发时刻均避开整点开盘，
// 留出行情落地时间。
var registry = map[string]Profile{
	"standard": {
		Type:           "standard",
		Market:         "us",
		Timezone:       "America/New_York",
		Frequency:      "daily",
		Times:          []TimeOfDay{{Hour: 9, Minute: 35}},
		LotSize:        1,
		TPlusOne:       false,
		DefaultSymbols: usDefaultSymbols,
	},
	"standard_hour": {
		Type:      "standard_hour",
		Market:    "us",
		Timezone:  "America/New_York",
		Frequency: "hourly",
		Times: []TimeOfDay{
			{Hour: 10, Minute: 5}, {Hour: 11, Minute: 5}, {Hour: 12, Minute: 5},
			{Hour: 13, Minute: 5}, {Hour: 14, Minute: 5}, {Hour: 15, Minute: 5},
			{Hour: 16, Minute: 5},
		},
		LotSize:        1,
		TPlusOne:       false,
		DefaultSymbols: usDefaultSymbols,
	},
	"astock": {
		Type:           "astock",
		Market:         "astock",
		Timezone:       "Asia/Shanghai",
		Frequency:      "daily",
		Times:          []TimeOfDay{{Hour: 9, Minute: 35}},
		LotSize:        100,
		TPlusOne:       true,
		DefaultSymbols: astockDefaultSymbols,
	},
	"astock_hour": {
		Type:      "astock_hour",
		Market:    "astock",
		Timezone:  "Asia/Shanghai",
		Frequency: "hourly",
		Times: []TimeOfDay{
			{Hour: 10, Minute: 35}, {Hour: 11, Minute: 35},
			{Hour: 14, Minute: 5}, {Hour: 15, Minute: 5},
		},
		LotSize:        100,
		TPlusOne:       true,
		DefaultSymbols: astockDefaultSymbols,
	},
	"crypto": {
		Type:           "crypto",
		Market:         "crypto",
		Timezone:       "UTC",
		Frequency:      "daily",
		Times:          []TimeOfDay{{Hour: 0, Minute: 5}},
		LotSize:        1,
		TPlusOne:       false,
		DefaultSymbols: cryptoDefaultSymbols,
	},
	"crypto_hour": {
		Type:           "crypto_hour",
		Market:         "crypto",
		Timezone:       "UTC",
		Frequency:      "hourly",
		Times:          hourlyTimes(0, 23, 5),
		LotSize:        1,
		TPlusOne:       false,
		DefaultSymbols: cryptoDefaultSymbols,
	},
}

func hourlyTimes(fromHour, toHour, minute int) []TimeOfDay {
	times := make([]TimeOfDay, 0, toHour-fromHour+1)
	for h := fromHour; h <= toHour; h++ {
		times = append(times, TimeOfDay{Hour: h, Minute: minute})
	}
	return times
}

// Lookup 按类型名查找档案。
func Lookup(agentType string) (Profile, error) {
	profile, ok := registry[agentType]
	if !ok {
		return Profile{}, fmt.Errorf("agent: 未知代理类型 %q", agentType)
	}
	return profile, nil
}

// Types 返回全部已注册的代理类型名。
func Types() []string {
	types := make([]string, 0, len(registry))
	for name := range registry {
		types = append(types, name)
	}
	return types
}
