package strategy

import "math"

// Allocation 表示一只候选分到的预算。
type Allocation struct {
	Candidate Candidate
	Weight    float64
	Budget    int64
	Shares    int64
}

// SoftmaxWeights 把分数向量转为预算权重：
// 分数为零的候选按 1.0 参与，z = score/tau，经数值稳定的 softmax
// 归一后裁剪到 [wMin, wMax] 并再次归一。返回值与输入同长，
// 各元素之和恒为 1（输入为空时返回 nil）。
func SoftmaxWeights(scores []float64, tau, wMin, wMax float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	if tau <= 0 {
		tau = 1
	}

	z := make([]float64, len(scores))
	maxZ := math.Inf(-1)
	for i, score := range scores {
		if score == 0 {
			score = 1.0
		}
		z[i] = score / tau
		if z[i] > maxZ {
			maxZ = z[i]
		}
	}

	weights := make([]float64, len(z))
	var sum float64
	for i, v := range z {
		weights[i] = math.Exp(v - maxZ)
		sum += weights[i]
	}
	for i := range weights {
		weights[i] /= sum
	}

	sum = 0
	for i := range weights {
		if weights[i] < wMin {
			weights[i] = wMin
		}
		if wMax > 0 && weights[i] > wMax {
			weights[i] = wMax
		}
		sum += weights[i]
	}
	for i := range weights {
		weights[i] /= sum
	}

	return weights
}

// Allocate 按 softmax 权重把可用现金分配给前 topN 只候选，
// 预算不足一股或低于 minOrderCash 的候选分到零股。
func Allocate(cands []Candidate, cash int64, topN int, tau, wMin, wMax float64, minOrderCash int64) []Allocation {
	if topN > 0 && len(cands) > topN {
		cands = cands[:topN]
	}
	if len(cands) == 0 || cash <= 0 {
		return nil
	}

	scores := make([]float64, len(cands))
	for i, cand := range cands {
		scores[i] = cand.Score
	}
	weights := SoftmaxWeights(scores, tau, wMin, wMax)

	out := make([]Allocation, 0, len(cands))
	for i, cand := range cands {
		alloc := Allocation{
			Candidate: cand,
			Weight:    weights[i],
			Budget:    int64(float64(cash) * weights[i]),
		}
		if alloc.Budget >= minOrderCash && cand.Price > 0 {
			alloc.Shares = int64(float64(alloc.Budget) / cand.Price)
		}
		out = append(out, alloc)
	}
	return out
}
