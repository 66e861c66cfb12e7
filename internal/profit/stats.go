package profit

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/life2you_mini/tradecore/internal/model"
)

// Stats 收益统计，亏损相关金额均为绝对值
type Stats struct {
	TotalTrades    int             `json:"total_trades"`
	Wins           int             `json:"wins"`
	Losses         int             `json:"losses"`
	WinRate        float64         `json:"win_rate"`
	GrossProfit    decimal.Decimal `json:"gross_profit"`
	TotalCost      decimal.Decimal `json:"total_cost"`
	TotalFees      decimal.Decimal `json:"total_fees"`
	NetProfit      decimal.Decimal `json:"net_profit"`
	TotalWins      decimal.Decimal `json:"total_wins"`
	TotalLosses    decimal.Decimal `json:"total_losses"`
	ProfitFactor   decimal.Decimal `json:"profit_factor"`
	AverageWin     decimal.Decimal `json:"average_win"`
	AverageLoss    decimal.Decimal `json:"average_loss"`
	LargestWin     decimal.Decimal `json:"largest_win"`
	LargestLoss    decimal.Decimal `json:"largest_loss"`
	AverageLatency time.Duration   `json:"average_latency"`
}

// CalculateStats 统计一组记录，盈亏按净利润判断
func CalculateStats(records []model.ProfitRecord) Stats {
	s := Stats{TotalTrades: len(records)}
	if len(records) == 0 {
		return s
	}

	var latency time.Duration
	for _, r := range records {
		s.GrossProfit = s.GrossProfit.Add(r.GrossProfit)
		s.TotalCost = s.TotalCost.Add(r.InfraCost)
		s.TotalFees = s.TotalFees.Add(r.ProtocolFee)
		s.NetProfit = s.NetProfit.Add(r.NetProfit)
		latency += r.ExecutionLatency

		switch {
		case r.NetProfit.IsPositive():
			s.Wins++
			s.TotalWins = s.TotalWins.Add(r.NetProfit)
			if r.NetProfit.GreaterThan(s.LargestWin) {
				s.LargestWin = r.NetProfit
			}
		case r.NetProfit.IsNegative():
			loss := r.NetProfit.Abs()
			s.Losses++
			s.TotalLosses = s.TotalLosses.Add(loss)
			if loss.GreaterThan(s.LargestLoss) {
				s.LargestLoss = loss
			}
		}
	}

	s.WinRate = float64(s.Wins) / float64(s.TotalTrades)
	s.AverageLatency = latency / time.Duration(len(records))
	if s.Wins > 0 {
		s.AverageWin = s.TotalWins.Div(decimal.NewFromInt(int64(s.Wins)))
	}
	if s.Losses > 0 {
		s.AverageLoss = s.TotalLosses.Div(decimal.NewFromInt(int64(s.Losses)))
		s.ProfitFactor = s.TotalWins.Div(s.TotalLosses)
	} else {
		s.ProfitFactor = s.TotalWins
	}
	return s
}
