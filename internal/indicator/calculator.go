package indicator

import (
	"fmt"
	"math"
	"sync"

	talib "github.com/markcheno/go-talib"

	"kis-scalper/internal/market"
)

// VolumeResult 保存成交量相关统计。
type VolumeResult struct {
	Current   float64
	Average20 float64
	Ratio     float64
}

// Result 为一次指标计算的汇总，供策略打分使用。
type Result struct {
	Interval      int
	Series        Series
	EMA5          float64
	EMA20         float64
	RSI           float64
	ATR           float64
	ATRRelative   float64
	Volume        VolumeResult
	Close         float64
	PreviousClose float64
	Momentum      float64 // 最近一根K线的收盘动量（百分比）
}

type cacheEntry struct {
	key    string
	result Result
}

// Calculator 提供技术指标计算并带有按 (代码, 周期) 的简单缓存。
type Calculator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{
		cache: make(map[string]cacheEntry),
	}
}

// Compute 依据给定K线计算打分所需指标。
func (c *Calculator) Compute(code string, interval int, candles []market.Candle) (Result, error) {
	if len(candles) == 0 {
		return Result{}, fmt.Errorf("计算指标失败: 输入K线为空")
	}

	series := NewSeries(candles)
	slot := fmt.Sprintf("%s:%d", code, interval)
	cacheKey := fmt.Sprintf("%s:%d:%d", slot, series.Len(), candles[len(candles)-1].StartMin)

	c.mu.Lock()
	if entry, ok := c.cache[slot]; ok && entry.key == cacheKey {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	result := c.calculate(interval, series)

	c.mu.Lock()
	c.cache[slot] = cacheEntry{key: cacheKey, result: result}
	c.mu.Unlock()

	return result, nil
}

func (c *Calculator) calculate(interval int, series Series) Result {
	closes := series.Close
	result := Result{
		Interval:      interval,
		Series:        series,
		Close:         Last(closes),
		PreviousClose: Prev(closes),
	}

	if prev := result.PreviousClose; !math.IsNaN(prev) && prev > 0 {
		result.Momentum = (result.Close - prev) / prev * 100
	}

	if series.Len() >= 5 {
		result.EMA5 = Last(talib.Ema(closes, 5))
	}
	if series.Len() >= 20 {
		result.EMA20 = Last(talib.Ema(closes, 20))
	}
	if series.Len() >= 15 {
		result.RSI = Last(talib.Rsi(closes, 14))
	}
	if series.Len() >= 15 {
		result.ATR = Last(talib.Atr(series.High, series.Low, closes, 14))
		if result.Close > 0 && !math.IsNaN(result.ATR) {
			result.ATRRelative = result.ATR / result.Close * 100
		}
	}

	result.Volume = VolumeResult{
		Current:   Last(series.Volume),
		Average20: Mean(series.Volume, 20),
	}
	if result.Volume.Average20 > 0 {
		result.Volume.Ratio = result.Volume.Current / result.Volume.Average20
	}

	return result
}
