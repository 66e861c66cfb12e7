package risk

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/tradecore/internal/observability"
)

func newTestGate(t *testing.T, params Parameters, start time.Time) (*Gate, *time.Time, *observability.RecordingSink) {
	sink := &observability.RecordingSink{}
	g := NewGate(params, 100, zaptest.NewLogger(t), sink)
	now := start
	g.now = func() time.Time { return now }
	g.metrics.LastResetAt = start
	return g, &now, sink
}

func testParameters() Parameters {
	return Parameters{
		MaxSlippageBps:       100,
		MaxDrawdownBps:       1000,
		MinProfitThreshold:   0.001,
		MaxTradeSizeSol:      10,
		MaxDailyLossSol:      2,
		MaxConsecutiveLosses: 5,
	}
}

var testStart = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestGate_EvaluateTrade(t *testing.T) {
	tests := []struct {
		name          string
		setup         func(g *Gate)
		size          float64
		profit        float64
		slippage      int
		approved      bool
		reasonContain []string
		riskLevel     string
	}{
		{
			name:      "正常交易-通过",
			size:      5,
			profit:    1,
			slippage:  50,
			approved:  true,
			riskLevel: RiskLevelLow,
		},
		{
			name:          "超过交易规模上限",
			size:          15,
			profit:        1,
			slippage:      50,
			approved:      false,
			reasonContain: []string{"交易规模"},
			riskLevel:     RiskLevelMedium,
		},
		{
			name:          "多项检查失败-原因全部列出",
			setup:         func(g *Gate) { g.TriggerEmergencyStop("测试") },
			size:          15,
			profit:        1,
			slippage:      200,
			approved:      false,
			reasonContain: []string{"紧急停止", "滑点", "交易规模"},
			riskLevel:     RiskLevelMedium,
		},
		{
			name: "检查全部通过但评分过高",
			setup: func(g *Gate) {
				for i := 0; i < 4; i++ {
					g.RecordFailure(0.2)
				}
			},
			size:          10,
			profit:        1,
			slippage:      100,
			approved:      false,
			reasonContain: []string{"风险评分"},
			riskLevel:     RiskLevelHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, _ := newTestGate(t, testParameters(), testStart)
			if tt.setup != nil {
				tt.setup(g)
			}

			a := g.EvaluateTrade(tt.size, tt.profit, tt.slippage)
			assert.Equal(t, tt.approved, a.Approved)
			assert.Equal(t, tt.riskLevel, a.RiskLevel)
			for _, s := range tt.reasonContain {
				assert.Contains(t, a.Reason, s)
			}
			if tt.approved {
				assert.Empty(t, a.Reason)
			}
		})
	}
}

func TestGate_ScoreAboveThresholdWithAllChecksPassing(t *testing.T) {
	g, _, _ := newTestGate(t, testParameters(), testStart)
	for i := 0; i < 4; i++ {
		g.RecordFailure(0.2)
	}

	a := g.EvaluateTrade(10, 1, 100)
	assert.True(t, a.Checks.All())
	// 30 + 20 + 16 + 1.6 + 4
	assert.InDelta(t, 71.6, a.RiskScore, 1e-9)
	assert.False(t, a.Approved)
}

func TestGate_RiskScoreClamped(t *testing.T) {
	g, _, _ := newTestGate(t, testParameters(), testStart)
	for i := 0; i < 20; i++ {
		g.RecordFailure(100)
	}

	inputs := []struct {
		size     float64
		slippage int
	}{
		{-100, -100},
		{math.Inf(1), math.MaxInt32},
		{math.Inf(-1), 0},
		{math.NaN(), 50},
		{1e308, 1 << 30},
		{0, 0},
	}

	for _, in := range inputs {
		a := g.EvaluateTrade(in.size, 0, in.slippage)
		assert.GreaterOrEqual(t, a.RiskScore, 0.0)
		assert.LessOrEqual(t, a.RiskScore, 100.0)
		assert.False(t, math.IsNaN(a.RiskScore))
	}
}

func TestRatio(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		limit    float64
		expected float64
	}{
		{"正常比例", 5, 10, 0.5},
		{"超过上限", 20, 10, 1},
		{"负值", -5, 10, 0},
		{"上限为0-有值", 1, 0, 1},
		{"上限为0-无值", 0, 0, 0},
		{"NaN", math.NaN(), 10, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Ratio(tt.value, tt.limit))
		})
	}
}

func TestCalculateDrawdownBps(t *testing.T) {
	assert.Equal(t, 150, CalculateDrawdownBps(-1.5, 100))
	assert.Equal(t, 0, CalculateDrawdownBps(2, 100))
	assert.Equal(t, 0, CalculateDrawdownBps(-2, 0))
	assert.Equal(t, 10000, CalculateDrawdownBps(-100, 100))
	assert.Equal(t, 0, CalculateDrawdownBps(math.NaN(), 100))
	assert.Equal(t, math.MaxInt32, CalculateDrawdownBps(-1e20, 100))
	assert.Equal(t, math.MaxInt32, CalculateDrawdownBps(math.Inf(-1), 100))
}

func TestGate_NonFiniteAmounts(t *testing.T) {
	tests := []struct {
		name   string
		record func(g *Gate)
	}{
		{name: "亏损为NaN", record: func(g *Gate) { g.RecordFailure(math.NaN()) }},
		{name: "亏损为无穷大", record: func(g *Gate) { g.RecordFailure(math.Inf(1)) }},
		{name: "盈利为NaN", record: func(g *Gate) { g.RecordSuccess(math.NaN()) }},
		{name: "盈利为负无穷", record: func(g *Gate) { g.RecordSuccess(math.Inf(-1)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, _ := newTestGate(t, testParameters(), testStart)

			tt.record(g)
			m := g.Metrics()
			assert.Equal(t, 1, m.TotalTrades)
			assert.Equal(t, 0.0, m.TotalProfitLoss)
			assert.Equal(t, 0, m.DrawdownBps)

			// 后续正常亏损仍能推动回撤
			g.RecordFailure(50)
			m = g.Metrics()
			assert.InDelta(t, -50.0, m.TotalProfitLoss, 1e-9)
			assert.Equal(t, 5000, m.DrawdownBps)
		})
	}
}

func TestGate_HugeLossBlocksOnDrawdown(t *testing.T) {
	g, _, _ := newTestGate(t, testParameters(), testStart)

	g.RecordFailure(1e20)
	g.DisableEmergencyStop()

	m := g.Metrics()
	assert.Equal(t, math.MaxInt32, m.DrawdownBps)

	assessment := g.EvaluateTrade(1, 0.05, 10)
	assert.False(t, assessment.Approved)
	assert.False(t, assessment.Checks.DrawdownOK)
}

func TestGate_RecordOutcomes(t *testing.T) {
	g, _, _ := newTestGate(t, testParameters(), testStart)

	g.RecordFailure(-0.5)
	g.RecordFailure(0.5)
	m := g.Metrics()
	assert.Equal(t, 2, m.ConsecutiveLosses)
	assert.InDelta(t, -1.0, m.TotalProfitLoss, 1e-9)
	assert.Equal(t, 100, m.DrawdownBps)

	g.RecordSuccess(1.5)
	m = g.Metrics()
	assert.Equal(t, 3, m.TotalTrades)
	assert.Equal(t, 1, m.Successes)
	assert.Equal(t, 2, m.Failures)
	assert.Equal(t, 0, m.ConsecutiveLosses)
	assert.Equal(t, 0, m.DrawdownBps)
	assert.InDelta(t, 0.5, m.DailyProfitLoss, 1e-9)
	assert.Equal(t, testStart, m.LastTradeAt)
}

func TestGate_EmergencyStopTriggers(t *testing.T) {
	tests := []struct {
		name   string
		record func(g *Gate)
	}{
		{
			name: "连续亏损达到上限",
			record: func(g *Gate) {
				for i := 0; i < 7; i++ {
					g.RecordFailure(0.01)
				}
			},
		},
		{
			name:   "当日亏损达到上限",
			record: func(g *Gate) { g.RecordFailure(-2.5) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, sink := newTestGate(t, testParameters(), testStart)
			tt.record(g)

			assert.True(t, g.Parameters().EmergencyStop)
			assert.Len(t, sink.ByKind(observability.KindEmergencyStop), 1)

			a := g.EvaluateTrade(1, 1, 10)
			assert.False(t, a.Approved)
			assert.False(t, a.Checks.EmergencyStopOff)
		})
	}
}

func TestGate_DisableEmergencyStopKeepsMetrics(t *testing.T) {
	g, _, sink := newTestGate(t, testParameters(), testStart)
	g.RecordFailure(3)
	require.True(t, g.Parameters().EmergencyStop)

	g.DisableEmergencyStop()
	g.DisableEmergencyStop()

	assert.False(t, g.Parameters().EmergencyStop)
	assert.InDelta(t, -3.0, g.Metrics().TotalProfitLoss, 1e-9)
	assert.Len(t, sink.ByKind(observability.KindEmergencyStopCleared), 1)
}

func TestGate_DailyRollover(t *testing.T) {
	start := time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)
	g, now, _ := newTestGate(t, testParameters(), start)

	g.RecordFailure(1)
	assert.False(t, g.CheckDailyRollover())

	*now = start.Add(2 * time.Minute)
	assert.True(t, g.CheckDailyRollover())

	m := g.Metrics()
	assert.Zero(t, m.DailyProfitLoss)
	assert.InDelta(t, -1.0, m.TotalProfitLoss, 1e-9)
	assert.Equal(t, *now, m.LastResetAt)
}

func TestGate_NoRolloverWithinSameDay(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 30, 0, 0, time.UTC)
	g, now, _ := newTestGate(t, testParameters(), start)

	g.RecordFailure(1)
	*now = start.Add(23 * time.Hour)
	g.RecordFailure(0.5)

	assert.InDelta(t, -1.5, g.Metrics().DailyProfitLoss, 1e-9)
}

func TestGate_UpdateParameters(t *testing.T) {
	g, _, sink := newTestGate(t, testParameters(), testStart)

	size := 20.0
	updated, err := g.UpdateParameters(ParameterUpdate{MaxTradeSizeSol: &size})
	require.NoError(t, err)
	assert.Equal(t, 20.0, updated.MaxTradeSizeSol)
	assert.Equal(t, 100, updated.MaxSlippageBps)
	assert.True(t, g.EvaluateTrade(15, 1, 10).Approved)
	assert.Len(t, sink.ByKind(observability.KindParametersUpdated), 1)

	bad := -1
	_, err = g.UpdateParameters(ParameterUpdate{MaxSlippageBps: &bad})
	assert.ErrorIs(t, err, ErrInvalidParameters)
	assert.Equal(t, 100, g.Parameters().MaxSlippageBps)
}

func TestGate_ConcurrentFailures(t *testing.T) {
	g, _, sink := newTestGate(t, testParameters(), testStart)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.RecordFailure(0.001)
		}()
	}
	wg.Wait()

	m := g.Metrics()
	assert.Equal(t, 100, m.ConsecutiveLosses)
	assert.Equal(t, 100, m.Failures)
	assert.Len(t, sink.ByKind(observability.KindEmergencyStop), 1)
}

func TestGate_Restore(t *testing.T) {
	g, _, _ := newTestGate(t, testParameters(), testStart)

	g.Restore(Snapshot{
		Parameters: Parameters{EmergencyStop: true, MaxTradeSizeSol: 999},
		Metrics: Metrics{
			TotalTrades:       10,
			TotalProfitLoss:   -2,
			ConsecutiveLosses: 2,
			DailyProfitLoss:   -0.5,
			LastResetAt:       testStart.Add(-time.Hour),
		},
	})

	m := g.Metrics()
	assert.Equal(t, 10, m.TotalTrades)
	assert.Equal(t, 200, m.DrawdownBps)
	assert.InDelta(t, -0.5, m.DailyProfitLoss, 1e-9)
	assert.True(t, g.Parameters().EmergencyStop)
	assert.Equal(t, 10.0, g.Parameters().MaxTradeSizeSol)
}
