package market

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
)

// historicalCandle 对应持久化文件中的单根1分钟K线。
type historicalCandle struct {
	StartMin int64   `json:"start_min"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	StartTS  float64 `json:"start_ts"`
}

type historicalCandleEntry struct {
	Code    string             `json:"code"`
	Candles []historicalCandle `json:"candles"`
}

// LoadHistoricalCandles 从 JSON 文件加载历史1分钟K线，避免冷启动时
// 没有趋势数据。支持两种格式：map[code][]candle 或
// [{"code":..., "candles":[...]}, ...]。文件不存在按冷启动处理。
func (c *Cache) LoadHistoricalCandles(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Warn("历史K线文件不存在，按冷启动继续", zap.String("path", path))
			return nil
		}
		return fmt.Errorf("读取历史K线文件失败: %w", err)
	}

	entries, err := decodeCandleFile(raw)
	if err != nil {
		return fmt.Errorf("解析历史K线文件 %q 失败: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range entries {
		if entry.Code == "" || len(entry.Candles) == 0 {
			continue
		}
		byInterval := c.candles[entry.Code]
		if byInterval == nil {
			byInterval = make(map[int][]Candle, len(c.cfg.CandleIntervals))
			c.candles[entry.Code] = byInterval
		}

		ring := make([]Candle, 0, len(entry.Candles))
		for _, hc := range entry.Candles {
			ring = append(ring, Candle{
				StartMin: hc.StartMin,
				Open:     hc.Open,
				High:     hc.High,
				Low:      hc.Low,
				Close:    hc.Close,
				Volume:   hc.Volume,
				StartTS:  time.Unix(int64(hc.StartTS), 0),
			})
		}
		if len(ring) > c.cfg.MaxCandles {
			ring = ring[len(ring)-c.cfg.MaxCandles:]
		}
		byInterval[1] = ring
	}

	c.logger.Info("历史1分钟K线加载完成",
		zap.String("path", path),
		zap.Int("codes", len(entries)),
	)
	return nil
}

func decodeCandleFile(raw []byte) ([]historicalCandleEntry, error) {
	var asList []historicalCandleEntry
	if err := json.Unmarshal(raw, &asList); err == nil {
		return asList, nil
	}

	var asMap map[string][]historicalCandle
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, err
	}

	entries := make([]historicalCandleEntry, 0, len(asMap))
	for code, candles := range asMap {
		entries = append(entries, historicalCandleEntry{Code: code, Candles: candles})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Code < entries[j].Code })
	return entries, nil
}

// historicalTick 对应持久化文件中的单条历史Tick。
type historicalTick struct {
	Time       string  `json:"time"` // RFC3339
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	ExecVolume float64 `json:"exec_vol"`
	AccVolume  float64 `json:"acc_vol"`
	ChangeRate float64 `json:"change_rate"`
}

// LoadHistoricalTicks 从 JSON 文件按分钟键升序回放历史Tick，
// 走与实时行情相同的 UpdateTick 路径，K线与快照随之重建。
func (c *Cache) LoadHistoricalTicks(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Warn("历史Tick文件不存在，按冷启动继续", zap.String("path", path))
			return nil
		}
		return fmt.Errorf("读取历史Tick文件失败: %w", err)
	}

	var byMinute map[string]map[string]historicalTick
	if err := json.Unmarshal(raw, &byMinute); err != nil {
		return fmt.Errorf("解析历史Tick文件 %q 失败: %w", path, err)
	}

	keys := make([]string, 0, len(byMinute))
	for k := range byMinute {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	loaded, skipped := 0, 0
	for _, key := range keys {
		for code, ht := range byMinute[key] {
			ts, parseErr := time.Parse(time.RFC3339, ht.Time)
			if parseErr != nil {
				skipped++
				c.logger.Warn("历史Tick时间解析失败，跳过",
					zap.String("code", code),
					zap.String("time", ht.Time),
					zap.Error(parseErr),
				)
				continue
			}
			c.UpdateTick(code, Tick{
				Name:       ht.Name,
				Price:      ht.Price,
				ExecVolume: ht.ExecVolume,
				AccVolume:  ht.AccVolume,
				ChangeRate: ht.ChangeRate,
				Timestamp:  ts,
			})
			loaded++
		}
	}

	c.logger.Info("历史Tick回放完成",
		zap.String("path", path),
		zap.Int("loaded", loaded),
		zap.Int("skipped", skipped),
	)
	return nil
}
