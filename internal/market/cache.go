package market

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"kis-scalper/internal/config"
)

// Cache 维护逐笔行情的滚动窗口、各周期K线以及派生快照。
// 单一写者（行情回调）追加数据，多个策略协程并发读取；
// 全部内部状态由同一把互斥锁保护，追加、淘汰、K线更新与快照重算
// 在一个临界区内原子完成。
type Cache struct {
	mu     sync.Mutex
	cfg    config.CacheConfig
	logger *zap.Logger

	positions PositionView

	series    map[string][]Tick
	last      map[string]Tick
	tickCount int64

	candles   map[string]map[int][]Candle
	snapshots map[string]Snapshot

	now func() time.Time
}

// NewCache 创建行情缓存。positions 可为 nil，此时快照不含持仓字段。
func NewCache(cfg config.CacheConfig, positions PositionView, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Window <= 0 {
		cfg.Window = 120 * time.Second
	}
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = 2000
	}
	if len(cfg.CandleIntervals) == 0 {
		cfg.CandleIntervals = []int{1, 3, 5, 10}
	}
	if cfg.MaxCandles <= 0 {
		cfg.MaxCandles = 480
	}

	return &Cache{
		cfg:       cfg,
		logger:    logger,
		positions: positions,
		series:    make(map[string][]Tick),
		last:      make(map[string]Tick),
		candles:   make(map[string]map[int][]Candle),
		snapshots: make(map[string]Snapshot),
		now:       time.Now,
	}
}

// UpdateTick 将一条归一化 Tick 写入缓存：追加序列、按窗口与容量淘汰、
// 更新各周期K线并重算快照。时间戳为零值时取当前时间。
// 乱序时间戳按原样接受，不做重排（信任行情源按标的单调递增）。
func (c *Cache) UpdateTick(code string, tick Tick) {
	if code == "" {
		return
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = c.now()
	}
	tick.Code = code

	c.mu.Lock()
	defer c.mu.Unlock()

	dq := append(c.series[code], tick)

	cutoff := tick.Timestamp.Add(-c.cfg.Window)
	start := 0
	for start < len(dq) && dq[start].Timestamp.Before(cutoff) {
		start++
	}
	if over := len(dq) - start - c.cfg.MaxPoints; over > 0 {
		start += over
	}
	if start > 0 {
		dq = append(dq[:0:0], dq[start:]...)
	}
	c.series[code] = dq

	c.last[code] = tick
	c.tickCount++

	c.updateCandles(code, tick)
	c.updateSnapshot(code, tick)
}

// updateCandles 按每个配置周期将 Tick 聚合进当前分桶，调用方必须持锁。
func (c *Cache) updateCandles(code string, tick Tick) {
	minute := tick.Timestamp.Unix() / 60

	byInterval := c.candles[code]
	if byInterval == nil {
		byInterval = make(map[int][]Candle, len(c.cfg.CandleIntervals))
		c.candles[code] = byInterval
	}

	for _, interval := range c.cfg.CandleIntervals {
		bucket := minute / int64(interval) * int64(interval)
		ring := byInterval[interval]

		if n := len(ring); n == 0 || ring[n-1].StartMin != bucket {
			ring = append(ring, Candle{
				StartMin: bucket,
				Open:     tick.Price,
				High:     tick.Price,
				Low:      tick.Price,
				Close:    tick.Price,
				Volume:   tick.ExecVolume,
				StartTS:  tick.Timestamp,
			})
			if len(ring) > c.cfg.MaxCandles {
				ring = append(ring[:0:0], ring[len(ring)-c.cfg.MaxCandles:]...)
			}
		} else {
			cur := &ring[n-1]
			if tick.Price > cur.High {
				cur.High = tick.Price
			}
			if tick.Price < cur.Low {
				cur.Low = tick.Price
			}
			cur.Close = tick.Price
			cur.Volume += tick.ExecVolume
		}

		byInterval[interval] = ring
	}
}

// updateSnapshot 重算标的快照，调用方必须持锁。
func (c *Cache) updateSnapshot(code string, tick Tick) {
	name := tick.Name
	if name == "" {
		name = code
	}

	snap := Snapshot{
		Code:       code,
		Name:       name,
		Price:      tick.Price,
		ChangeRate: tick.ChangeRate,
		AccVolume:  tick.AccVolume,
		AskPrice1:  tick.AskPrice1,
		BidPrice1:  tick.BidPrice1,
		Trends:     make(map[int]Trend, len(c.cfg.CandleIntervals)),
		UpdatedAt:  tick.Timestamp,
	}

	if c.positions != nil {
		if entry, ok := c.positions.EntryPrice(code); ok {
			if entry > 0 && tick.Price > 0 {
				snap.Holding = true
				snap.EntryPrice = entry
				snap.ProfitRate = (tick.Price - entry) / entry * 100
			} else {
				c.logger.Warn("持仓损益无法计算，入场价或现价为0",
					zap.String("code", code),
					zap.Float64("entry", entry),
					zap.Float64("price", tick.Price),
				)
			}
		}
	}

	for _, interval := range c.cfg.CandleIntervals {
		if interval == 1 {
			continue
		}
		snap.Trends[interval] = judgeTrend(c.candles[code][interval])
	}

	c.snapshots[code] = snap
}

// judgeTrend 比较窗口内首根K线开盘价与末根收盘价，按阈值三分类。
// 不足两根K线时返回 TrendUnknown。
func judgeTrend(candles []Candle) Trend {
	if len(candles) < 2 {
		return TrendUnknown
	}
	start := candles[0].Open
	if start == 0 {
		return TrendUnknown
	}
	change := (candles[len(candles)-1].Close - start) / start
	switch {
	case change > trendThreshold:
		return TrendUp
	case change < -trendThreshold:
		return TrendDown
	default:
		return TrendFlat
	}
}

// GetRecentSeries 返回最近 window 时长内的 (时间, 价格, 成交量) 平行切片。
// 无数据时返回空切片，不报错。
func (c *Cache) GetRecentSeries(code string, window time.Duration) ([]time.Time, []float64, []float64) {
	if window < time.Second {
		window = time.Second
	}
	cutoff := c.now().Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	dq := c.series[code]
	ts := make([]time.Time, 0, len(dq))
	px := make([]float64, 0, len(dq))
	vol := make([]float64, 0, len(dq))
	for _, item := range dq {
		if !item.Timestamp.Before(cutoff) {
			ts = append(ts, item.Timestamp)
			px = append(px, item.Price)
			vol = append(vol, item.ExecVolume)
		}
	}
	return ts, px, vol
}

// GetCandles 返回某标的某周期的K线副本，内部存储不对外暴露。
func (c *Cache) GetCandles(code string, interval int) []Candle {
	c.mu.Lock()
	defer c.mu.Unlock()

	ring := c.candles[code][interval]
	if len(ring) == 0 {
		return nil
	}
	out := make([]Candle, len(ring))
	copy(out, ring)
	return out
}

// GetRecentMomentums 返回最近 count 根K线的逐根收盘动量（百分比）。
func (c *Cache) GetRecentMomentums(code string, count, interval int) []float64 {
	candles := c.GetCandles(code, interval)
	if len(candles) < 2 {
		return nil
	}
	if len(candles) > count+1 {
		candles = candles[len(candles)-(count+1):]
	}

	momentums := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev > 0 {
			momentums = append(momentums, (candles[i].Close-prev)/prev*100)
		}
	}
	return momentums
}

// GetQuote 返回标的最新快照价格。
func (c *Cache) GetQuote(code string) (float64, bool) {
	snap, ok := c.GetQuoteFull(code)
	if !ok {
		return 0, false
	}
	return snap.Price, true
}

// GetQuoteFull 返回标的最新快照副本，策略与风控统一读取该视图。
func (c *Cache) GetQuoteFull(code string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.snapshots[code]
	if !ok {
		return Snapshot{}, false
	}
	return cloneSnapshot(snap), true
}

// AllSnapshots 返回全部标的的快照副本。
func (c *Cache) AllSnapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Snapshot, 0, len(c.snapshots))
	for _, snap := range c.snapshots {
		out = append(out, cloneSnapshot(snap))
	}
	return out
}

func cloneSnapshot(snap Snapshot) Snapshot {
	trends := make(map[int]Trend, len(snap.Trends))
	for k, v := range snap.Trends {
		trends[k] = v
	}
	snap.Trends = trends
	return snap
}

// Stats 返回缓存计数信息。
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Codes:     len(c.series),
		LastCount: len(c.last),
		TickCount: c.tickCount,
	}
}

// Reset 清空全部缓存状态。
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.series = make(map[string][]Tick)
	c.last = make(map[string]Tick)
	c.snapshots = make(map[string]Snapshot)
	c.candles = make(map[string]map[int][]Candle)
	c.tickCount = 0
}
