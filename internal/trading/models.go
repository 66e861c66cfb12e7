package trading

import (
	"time"

	"github.com/life2you_mini/tradecore/internal/execution"
	"github.com/life2you_mini/tradecore/internal/model"
)

// Status 单个交易机会的处理结果
type Status string

const (
	StatusSkipped  Status = "skipped"  // 预期利润低于阈值
	StatusRejected Status = "rejected" // 安全检查或风控未通过
	StatusBlocked  Status = "blocked"  // 熔断器拒绝
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
	StatusPartial  Status = "partial" // 部分步骤已上链，需要人工处理
)

// TradeOpportunity 队列中的交易机会，包含待执行的交易包
type TradeOpportunity struct {
	model.Opportunity
	Bundle execution.Bundle `json:"bundle"`
}

// ExpectedNetProfit 扣除成本和手续费后的预期净利润
func (o TradeOpportunity) ExpectedNetProfit() float64 {
	return o.ExpectedProfit - o.InfraCost - o.ProtocolFee
}

// Outcome 交易机会的处理结果
type Outcome struct {
	OpportunityID string                     `json:"opportunity_id"`
	Status        Status                     `json:"status"`
	Reason        string                     `json:"reason,omitempty"`
	RiskScore     float64                    `json:"risk_score"`
	Execution     *execution.ExecutionResult `json:"execution,omitempty"`
	Record        *model.ProfitRecord        `json:"record,omitempty"`
	Disbursement  *model.Disbursement        `json:"disbursement,omitempty"`
	ProcessedAt   time.Time                  `json:"processed_at"`
}
