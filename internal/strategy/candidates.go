package strategy

import (
	"strings"

	"go.uber.org/zap"

	"kis-scalper/internal/broker"
	"kis-scalper/internal/config"
	"kis-scalper/internal/market"
)

// Candidate 是筛选与打分后的买入候选。
type Candidate struct {
	Code       string
	Name       string
	Price      float64
	ChangeRate float64
	Volume     int64
	Turnover   int64
	SpreadPct  float64
	Score      float64
}

// IsETFLike 判断名称是否命中 ETF/杠杆类排除关键词。
func IsETFLike(name string, keywords []string) bool {
	upper := strings.ToUpper(name)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(upper, strings.ToUpper(kw)) {
			return true
		}
	}
	return false
}

// Screener 将成交量排行转换为候选集：关键词排除、最低成交额、
// 点差上限逐级过滤。
type Screener struct {
	cfg    config.TradingConfig
	logger *zap.Logger
}

// NewScreener 构造候选筛选器。
func NewScreener(cfg config.TradingConfig, logger *zap.Logger) *Screener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Screener{cfg: cfg, logger: logger}
}

// SpreadSource 提供买一卖一报价，用于点差过滤，由行情缓存实现。
type SpreadSource interface {
	GetQuoteFull(code string) (market.Snapshot, bool)
}

// Filter 对成交量排行应用全部过滤规则并返回候选集。
func (s *Screener) Filter(ranks []broker.VolumeRank, quotes SpreadSource) []Candidate {
	var (
		byKeyword  int
		byTurnover int
		bySpread   int
	)

	out := make([]Candidate, 0, len(ranks))
	for _, rank := range ranks {
		code := market.NormalizeCode(rank.Code)

		if IsETFLike(rank.Name, s.cfg.ExcludeKeywords) {
			byKeyword++
			continue
		}
		if rank.Turnover < s.cfg.MinTurnover {
			byTurnover++
			continue
		}

		cand := Candidate{
			Code:       code,
			Name:       rank.Name,
			Price:      rank.Price,
			ChangeRate: rank.ChangeRate,
			Volume:     rank.Volume,
			Turnover:   rank.Turnover,
		}

		if quotes != nil {
			if snap, ok := quotes.GetQuoteFull(code); ok && snap.BidPrice1 > 0 && snap.AskPrice1 > 0 {
				cand.SpreadPct = (snap.AskPrice1 - snap.BidPrice1) / snap.BidPrice1
				if s.cfg.MaxSpreadPct > 0 && cand.SpreadPct > s.cfg.MaxSpreadPct {
					bySpread++
					continue
				}
			}
		}

		out = append(out, cand)
	}

	s.logger.Info("候选过滤完成",
		zap.Int("total", len(ranks)),
		zap.Int("passed", len(out)),
		zap.Int("by_keyword", byKeyword),
		zap.Int("by_turnover", byTurnover),
		zap.Int("by_spread", bySpread),
	)
	return out
}
