package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProfitRecord 已结算交易的收益数据，创建后不可修改
type ProfitRecord struct {
	ID               string          `json:"id"`
	BundleID         string          `json:"bundle_id,omitempty"`
	Signatures       []string        `json:"signatures,omitempty"`
	GrossProfit      decimal.Decimal `json:"gross_profit"`
	InfraCost        decimal.Decimal `json:"infra_cost"`
	ProtocolFee      decimal.Decimal `json:"protocol_fee"`
	NetProfit        decimal.Decimal `json:"net_profit"`
	ExecutionLatency time.Duration   `json:"execution_latency"`
	Timestamp        time.Time       `json:"timestamp"`
}

// NewProfitRecord 创建收益记录，净利润 = 毛利 - 成本 - 手续费
func NewProfitRecord(gross, infraCost, protocolFee decimal.Decimal, latency time.Duration, ts time.Time) ProfitRecord {
	return ProfitRecord{
		ID:               uuid.NewString(),
		GrossProfit:      gross,
		InfraCost:        infraCost,
		ProtocolFee:      protocolFee,
		NetProfit:        gross.Sub(infraCost).Sub(protocolFee),
		ExecutionLatency: latency,
		Timestamp:        ts,
	}
}

// IsWin 净利润为正
func (r ProfitRecord) IsWin() bool {
	return r.NetProfit.IsPositive()
}

// SplitAllocation 一个收款方的分配
type SplitAllocation struct {
	Name        string          `json:"name"`
	Destination string          `json:"destination"`
	Percent     decimal.Decimal `json:"percent"`
	Amount      decimal.Decimal `json:"amount"`
}

// ProfitSplit 单笔净利润的确定性分配，固定三个收款方
type ProfitSplit struct {
	Total       decimal.Decimal    `json:"total"`
	Allocations [3]SplitAllocation `json:"allocations"`
}

// Sum 分配金额合计
func (s ProfitSplit) Sum() decimal.Decimal {
	sum := decimal.Zero
	for _, a := range s.Allocations {
		sum = sum.Add(a.Amount)
	}
	return sum
}

// Disbursement 一次结算动作，三笔转账必须一起执行
type Disbursement struct {
	RecordID  string             `json:"record_id"`
	Transfers [3]SplitAllocation `json:"transfers"`
	CreatedAt time.Time          `json:"created_at"`
}
