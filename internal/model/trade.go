package model

import (
	"time"
)

// 错误标签
const (
	ErrorTagSimulation = "SIMULATION_FAILED"
	ErrorTagSubmission = "SUBMISSION_FAILED"
	ErrorTagPartial    = "PARTIAL_EXECUTION"
	ErrorTagPool       = "POOL_TIMEOUT"
)

// TradeOutcome 一笔已完成交易的结果，由调用方上报
type TradeOutcome struct {
	Success    bool      `json:"success"`
	ProfitLoss float64   `json:"profit_loss"` // 带符号的盈亏（SOL）
	Timestamp  time.Time `json:"timestamp"`
	ErrorTag   string    `json:"error_tag,omitempty"`
}

// NewSuccessOutcome 成功交易结果
func NewSuccessOutcome(profit float64, ts time.Time) TradeOutcome {
	return TradeOutcome{Success: true, ProfitLoss: profit, Timestamp: ts}
}

// NewFailureOutcome 失败交易结果，loss 按绝对值记为亏损
func NewFailureOutcome(loss float64, tag string, ts time.Time) TradeOutcome {
	if loss > 0 {
		loss = -loss
	}
	return TradeOutcome{Success: false, ProfitLoss: loss, Timestamp: ts, ErrorTag: tag}
}

// Opportunity 扫描器提交的交易机会
type Opportunity struct {
	ID             string    `json:"id"`
	Description    string    `json:"description"`
	SizeSol        float64   `json:"size_sol"`        // 交易规模
	ExpectedProfit float64   `json:"expected_profit"` // 预期毛利（SOL）
	SlippageBps    int       `json:"slippage_bps"`    // 预估滑点（基点）
	InfraCost      float64   `json:"infra_cost"`      // 基础设施成本（小费、RPC等）
	ProtocolFee    float64   `json:"protocol_fee"`    // 协议手续费
	Timestamp      time.Time `json:"timestamp"`
}
