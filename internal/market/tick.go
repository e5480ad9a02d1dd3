package market

import "time"

// Tick 代表一条归一化后的实时成交数据，写入缓存后不再修改。
type Tick struct {
	Code       string
	Name       string
	ExecTime   string // 交易所成交时刻 HHMMSS，原样保留
	Price      float64
	Change     float64
	ChangeSign string
	ChangeRate float64
	Open       float64
	High       float64
	Low        float64
	AskPrice1  float64
	BidPrice1  float64
	ExecVolume float64
	AccVolume  float64
	AccAmount  float64
	Timestamp  time.Time // 本地接收时间，零值时由缓存以当前时间补齐
}

// Candle 为单周期 OHLCV 聚合，当前分桶未封口前会被原地更新。
type Candle struct {
	StartMin int64     `json:"start_min"` // 分桶起点，自 epoch 起的分钟数
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	StartTS  time.Time `json:"-"`
}

// Trend 表示一段回看窗口内的趋势分类。
type Trend string

const (
	TrendUnknown Trend = ""
	TrendUp      Trend = "up"
	TrendDown    Trend = "down"
	TrendFlat    Trend = "flat"
)

// trendThreshold 为首尾价格相对变化的判定阈值（±0.5%）。
const trendThreshold = 0.005

// Snapshot 为单一标的的最新快照，在 UpdateTick 的同一临界区内重算，
// 读者拿到的字段彼此一致。
type Snapshot struct {
	Code       string
	Name       string
	Price      float64
	ChangeRate float64
	AccVolume  float64
	AskPrice1  float64
	BidPrice1  float64
	Holding    bool
	ProfitRate float64
	EntryPrice float64
	Trends     map[int]Trend // 周期(分钟) -> 趋势
	UpdatedAt  time.Time
}

// PositionView 是缓存对持仓信息的只读依赖，由仓位台账实现。
type PositionView interface {
	EntryPrice(code string) (float64, bool)
}

// Stats 汇总缓存内部计数，用于运行期观测。
type Stats struct {
	Codes     int
	LastCount int
	TickCount int64
}
