package market

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileSource 从合并行情文件（merged.jsonl / merged_hourly.jsonl）回放历史数据。
// 纯本地查询，无网络、无缓存失效问题。
type FileSource struct {
	dir    string
	logger *zap.Logger

	mu     sync.Mutex
	loaded map[string]*marketData // key: market|freq
}

type marketData struct {
	// symbol -> timeKey -> bar
	bars map[string]map[string]OHLCV
	// symbol -> 升序时间键列表，用于历史序列查询
	keys map[string][]string
}

// NewFileSource 创建历史文件行情源。
func NewFileSource(dir string, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{
		dir:    dir,
		logger: logger,
		loaded: make(map[string]*marketData),
	}
}

var _ Source = (*FileSource)(nil)
var _ HistoryProvider = (*FileSource)(nil)

// GetPrices 读取指定时间点的行情；缺数据的标的不会出现在结果中。
// 全部缺失时返回 ErrDataUnavailable。
func (f *FileSource) GetPrices(ctx context.Context, symbols []string, market string, asOf time.Time) (map[string]OHLCV, error) {
	data, err := f.load(market, !isMidnight(asOf))
	if err != nil {
		return nil, err
	}

	key := TimeKey(asOf)
	hourly := !isMidnight(asOf)
	result := make(map[string]OHLCV, len(symbols))
	for _, symbol := range symbols {
		bars, ok := data.bars[symbol]
		if !ok {
			continue
		}
		lookupKey := key
		if hourly {
			// 小时频按不晚于 asOf 的当日最近一根K线取价
			lookupKey = latestKeyOnDay(data.keys[symbol], key)
			if lookupKey == "" {
				continue
			}
		}
		if bar, ok := bars[lookupKey]; ok {
			result[symbol] = bar
		}
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("%w: market=%s asOf=%s", ErrDataUnavailable, market, key)
	}

	return result, nil
}

// History 返回截至 asOf（含）的最近 limit 根K线，按时间升序。
func (f *FileSource) History(ctx context.Context, symbol, market string, asOf time.Time, limit int) ([]Candle, error) {
	if limit <= 0 {
		limit = 30
	}

	data, err := f.load(market, !isMidnight(asOf))
	if err != nil {
		return nil, err
	}

	keys, ok := data.keys[symbol]
	if !ok || len(keys) == 0 {
		return nil, fmt.Errorf("%w: symbol=%s", ErrDataUnavailable, symbol)
	}

	cutoff := TimeKey(asOf)
	// keys 为升序，找到首个大于 cutoff 的位置
	end := sort.SearchStrings(keys, cutoff)
	if end < len(keys) && keys[end] == cutoff {
		end++
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	candles := make([]Candle, 0, end-start)
	for _, key := range keys[start:end] {
		ts, err := parseTimeKey(key)
		if err != nil {
			continue
		}
		bar := data.bars[symbol][key]
		candles = append(candles, Candle{
			Timestamp: ts,
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
		})
	}

	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: symbol=%s asOf=%s", ErrDataUnavailable, symbol, cutoff)
	}

	return candles, nil
}

func (f *FileSource) load(market string, hourly bool) (*marketData, error) {
	freq := "daily"
	name := "merged.jsonl"
	if hourly {
		freq = "hourly"
		name = "merged_hourly.jsonl"
	}
	cacheKey := market + "|" + freq

	f.mu.Lock()
	defer f.mu.Unlock()

	if data, ok := f.loaded[cacheKey]; ok {
		return data, nil
	}

	path := filepath.Join(f.dir, market, name)
	data, err := parseMergedFile(path)
	if err != nil {
		return nil, err
	}

	f.logger.Info("历史行情文件加载完成",
		zap.String("path", path),
		zap.Int("symbols", len(data.bars)),
	)

	f.loaded[cacheKey] = data
	return data, nil
}

// latestKeyOnDay 返回与 cutoff 同一自然日、且不晚于 cutoff 的最大时间键。
func latestKeyOnDay(keys []string, cutoff string) string {
	idx := sort.SearchStrings(keys, cutoff)
	if idx < len(keys) && keys[idx] == cutoff {
		return cutoff
	}
	if idx == 0 {
		return ""
	}
	candidate := keys[idx-1]
	if len(cutoff) >= len(DateLayout) && strings.HasPrefix(candidate, cutoff[:len(DateLayout)]) {
		return candidate
	}
	return ""
}

// mergedBarEntry 对应合并行情文件中的一条K线，键位沿用数据文件既有命名。
type mergedBarEntry struct {
	BuyPrice  string `json:"1. buy price"`
	High      string `json:"2. high"`
	Low       string `json:"3. low"`
	SellPrice string `json:"4. sell price"`
	Volume    string `json:"5. volume"`
}

func parseMergedFile(path string) (*marketData, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: 行情文件不存在 %s", ErrDataUnavailable, path)
		}
		return nil, fmt.Errorf("打开行情文件失败: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	data := &marketData{
		bars: make(map[string]map[string]OHLCV),
		keys: make(map[string][]string),
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var raw map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}

		symbol := extractSymbol(raw)
		if symbol == "" {
			continue
		}

		bars := make(map[string]OHLCV)
		for key, value := range raw {
			if !strings.HasPrefix(key, "Time Series") {
				continue
			}
			var series map[string]mergedBarEntry
			if err := json.Unmarshal(value, &series); err != nil {
				continue
			}
			for timeKey, entry := range series {
				bars[normalizeTimeKey(timeKey)] = OHLCV{
					Open:   parsePrice(entry.BuyPrice),
					High:   parsePrice(entry.High),
					Low:    parsePrice(entry.Low),
					Close:  parsePrice(entry.SellPrice),
					Volume: parsePrice(entry.Volume),
				}
			}
		}
		if len(bars) == 0 {
			continue
		}

		keys := make([]string, 0, len(bars))
		for key := range bars {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		data.bars[symbol] = bars
		data.keys[symbol] = keys
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取行情文件失败: %w", err)
	}

	return data, nil
}

func extractSymbol(raw map[string]json.RawMessage) string {
	meta, ok := raw["Meta Data"]
	if !ok {
		return ""
	}
	var metaMap map[string]string
	if err := json.Unmarshal(meta, &metaMap); err != nil {
		return ""
	}
	return metaMap["2. Symbol"]
}

// normalizeTimeKey 将小时键中的单位数小时补零，保证字符串比较与时间序一致。
func normalizeTimeKey(key string) string {
	if !strings.Contains(key, " ") {
		return key
	}
	parts := strings.SplitN(key, " ", 2)
	clock := strings.Split(parts[1], ":")
	if len(clock) != 3 {
		return key
	}
	if len(clock[0]) == 1 {
		clock[0] = "0" + clock[0]
	}
	return parts[0] + " " + strings.Join(clock, ":")
}

func parseTimeKey(key string) (time.Time, error) {
	if strings.Contains(key, " ") {
		return time.ParseInLocation(HourLayout, key, time.UTC)
	}
	return time.ParseInLocation(DateLayout, key, time.UTC)
}

func parsePrice(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return f
}
