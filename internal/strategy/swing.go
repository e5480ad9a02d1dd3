package strategy

import "kis-scalper/internal/broker"

// SwingCandidates 从成交量排行中截取次热门区间作为波段候选：
// 排行足够长时取 40~70 位，较短时取后 40%，并应用关键词排除。
func SwingCandidates(ranks []broker.VolumeRank, excludeKeywords []string) []broker.VolumeRank {
	var raw []broker.VolumeRank
	switch {
	case len(ranks) >= 70:
		raw = ranks[39:70]
	case len(ranks) >= 30:
		raw = ranks[int(float64(len(ranks))*0.6):]
	default:
		return nil
	}

	out := make([]broker.VolumeRank, 0, len(raw))
	for _, rank := range raw {
		if IsETFLike(rank.Name, excludeKeywords) {
			continue
		}
		out = append(out, rank)
	}
	return out
}
