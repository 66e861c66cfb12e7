package risk

import (
	"math"
	"time"
)

// 风险评分权重，合计100
const (
	WeightSlippage          = 30.0
	WeightSize              = 20.0
	WeightConsecutiveLosses = 20.0
	WeightDrawdown          = 20.0
	WeightDailyLoss         = 10.0

	// 评分达到该值即拒绝
	MaxApprovedScore = 70.0

	// 风险等级常量
	RiskLevelLow    = "LOW"
	RiskLevelMedium = "MEDIUM"
	RiskLevelHigh   = "HIGH"

	bpsPerUnit = 10000
)

// Ratio 计算 value/limit 并限制在 [0,1]
// limit 非正时，只要 value 为正即视为满额
func Ratio(value, limit float64) float64 {
	if math.IsNaN(value) || math.IsNaN(limit) {
		return 1
	}
	if limit <= 0 {
		if value > 0 {
			return 1
		}
		return 0
	}
	return clamp(value/limit, 0, 1)
}

// ScoreInputs 评分所需的五个量
type ScoreInputs struct {
	SlippageBps       float64
	SizeSol           float64
	ConsecutiveLosses float64
	DrawdownBps       float64
	DailyLossSol      float64
}

// CalculateRiskScore 计算加权风险评分，结果在 [0,100]
func CalculateRiskScore(in ScoreInputs, params Parameters) float64 {
	score := WeightSlippage*Ratio(in.SlippageBps, float64(params.MaxSlippageBps)) +
		WeightSize*Ratio(in.SizeSol, params.MaxTradeSizeSol) +
		WeightConsecutiveLosses*Ratio(in.ConsecutiveLosses, float64(params.MaxConsecutiveLosses)) +
		WeightDrawdown*Ratio(in.DrawdownBps, float64(params.MaxDrawdownBps)) +
		WeightDailyLoss*Ratio(in.DailyLossSol, params.MaxDailyLossSol)

	if math.IsNaN(score) {
		return 100
	}
	return clamp(score, 0, 100)
}

// RiskLevelForScore 评分对应的风险等级
func RiskLevelForScore(score float64) string {
	switch {
	case score >= MaxApprovedScore:
		return RiskLevelHigh
	case score >= MaxApprovedScore/2:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// CalculateDrawdownBps 累计亏损占参考资金的基点数，盈利时为0，结果不超过 math.MaxInt32
func CalculateDrawdownBps(totalProfitLoss, referenceCapital float64) int {
	if math.IsNaN(totalProfitLoss) || totalProfitLoss >= 0 || referenceCapital <= 0 {
		return 0
	}
	bps := math.Round(math.Abs(totalProfitLoss) / referenceCapital * bpsPerUnit)
	return int(clamp(bps, 0, math.MaxInt32))
}

// IsFinite 非 NaN 且非无穷
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// SameUTCDay 按UTC日历日期比较
func SameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
