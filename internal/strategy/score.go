package strategy

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"kis-scalper/internal/indicator"
	"kis-scalper/internal/market"
)

// MarketData 是打分所需的行情视图，由行情缓存实现。
type MarketData interface {
	GetRecentSeries(code string, window time.Duration) ([]time.Time, []float64, []float64)
	GetCandles(code string, interval int) []market.Candle
	GetQuoteFull(code string) (market.Snapshot, bool)
}

// Scorer 基于滚动行情与技术指标为候选打分，分数恒定落在 [0, 100]。
type Scorer struct {
	data   MarketData
	calc   *indicator.Calculator
	window time.Duration
	logger *zap.Logger
}

// NewScorer 构造打分器，window 为 VWAP 与量能统计的回看窗口。
func NewScorer(data MarketData, calc *indicator.Calculator, window time.Duration, logger *zap.Logger) *Scorer {
	if calc == nil {
		calc = indicator.NewCalculator()
	}
	if window <= 0 {
		window = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{data: data, calc: calc, window: window, logger: logger}
}

// Score 为候选集逐只计算综合分并按分数降序返回。
// 综合分 = 0.4*VWAP溢价分 + 0.3*量能分 + 0.3*动量分 - 流动性惩罚。
func (s *Scorer) Score(cands []Candidate) []Candidate {
	scored := make([]Candidate, 0, len(cands))
	for _, cand := range cands {
		cand.Score = s.scoreOne(cand)
		scored = append(scored, cand)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	for i, cand := range scored {
		s.logger.Debug("候选打分",
			zap.Int("rank", i+1),
			zap.String("code", cand.Code),
			zap.Float64("score", cand.Score),
		)
	}
	return scored
}

func (s *Scorer) scoreOne(cand Candidate) float64 {
	price := cand.Price
	if snap, ok := s.data.GetQuoteFull(cand.Code); ok && snap.Price > 0 {
		price = snap.Price
	}

	_, prices, volumes := s.data.GetRecentSeries(cand.Code, s.window)
	vwapScore := scoreVWAPPremium(price, prices, volumes)

	volumeScore := 50.0
	momentumScore := 50.0
	if candles := s.data.GetCandles(cand.Code, 1); len(candles) > 0 {
		if result, err := s.calc.Compute(cand.Code, 1, candles); err == nil {
			volumeScore = scoreVolumeRatio(result.Volume.Ratio)
			momentumScore = scoreMomentum(result.Momentum)
		}
	}

	total := 0.4*vwapScore + 0.3*volumeScore + 0.3*momentumScore
	total -= liquidityPenalty(cand.SpreadPct)
	return clipScore(total)
}

// scoreVWAPPremium 给出相对 VWAP 的溢价分：贴着 VWAP 为 50 分，
// 每高出 1% 加 25 分。
func scoreVWAPPremium(price float64, prices, volumes []float64) float64 {
	vwap := weightedAverage(prices, volumes)
	if vwap <= 0 || price <= 0 {
		return 50
	}
	premiumPct := (price - vwap) / vwap * 100
	return clipScore(50 + premiumPct*25)
}

// scoreVolumeRatio 量能分：当前量/20期均量为 1 时得 50 分。
func scoreVolumeRatio(ratio float64) float64 {
	if ratio <= 0 || math.IsNaN(ratio) {
		return 50
	}
	return clipScore(25 + ratio*25)
}

// scoreMomentum 动量分：每 1% 涨幅加 25 分。
func scoreMomentum(momentum float64) float64 {
	if math.IsNaN(momentum) {
		return 50
	}
	return clipScore(50 + momentum*25)
}

// liquidityPenalty 点差超过 0.1% 的部分按每 0.01% 扣 2.5 分。
func liquidityPenalty(spreadPct float64) float64 {
	excess := spreadPct*100 - 0.1
	if excess <= 0 {
		return 0
	}
	return excess * 250
}

func weightedAverage(prices, volumes []float64) float64 {
	if len(prices) == 0 || len(prices) != len(volumes) {
		return 0
	}
	var amount, volume float64
	for i := range prices {
		amount += prices[i] * volumes[i]
		volume += volumes[i]
	}
	if volume <= 0 {
		return 0
	}
	return amount / volume
}

func clipScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
