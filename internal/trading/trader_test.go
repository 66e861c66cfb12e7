package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/tradecore/internal/breaker"
	"github.com/life2you_mini/tradecore/internal/execution"
	"github.com/life2you_mini/tradecore/internal/mocks"
	"github.com/life2you_mini/tradecore/internal/model"
	"github.com/life2you_mini/tradecore/internal/observability"
	"github.com/life2you_mini/tradecore/internal/profit"
	"github.com/life2you_mini/tradecore/internal/risk"
	"github.com/life2you_mini/tradecore/internal/storage"
)

// 32 字节全零公钥
const testSigner = "11111111111111111111111111111111"

type fixture struct {
	trader     *Trader
	gate       *risk.Gate
	breaker    *breaker.Breaker
	tracker    *profit.Tracker
	executor   *mocks.MockExecutor
	settlement *mocks.MockSettlementSink
	metrics    *observability.Metrics
}

func newFixture(t *testing.T, cfg Config, queue Queue) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	splitter, err := profit.NewSplitter([]profit.Destination{
		{Name: "treasury", Address: "addr-a", Percent: 0.5},
		{Name: "operations", Address: "addr-b", Percent: 0.3},
		{Name: "reserve", Address: "addr-c", Percent: 0.2},
	}, logger)
	require.NoError(t, err)

	settlement := &mocks.MockSettlementSink{}
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	f := &fixture{
		gate:       risk.NewGate(risk.DefaultParameters(), 100, logger, nil),
		breaker:    breaker.New(breaker.DefaultConfig(), logger, nil),
		tracker:    profit.NewTracker(100, splitter, logger, nil, profit.WithSettlement(settlement)),
		executor:   &mocks.MockExecutor{},
		settlement: settlement,
		metrics:    metrics,
	}
	f.trader = NewTrader(cfg, f.gate, f.breaker, f.executor, f.tracker, queue, logger, WithMetrics(metrics))
	return f
}

func opportunity(id string) TradeOpportunity {
	return TradeOpportunity{
		Opportunity: model.Opportunity{
			ID:             id,
			Description:    "SOL/USDC 三角套利",
			SizeSol:        1,
			ExpectedProfit: 0.05,
			SlippageBps:    10,
			InfraCost:      0.001,
			ProtocolFee:    0.001,
			Timestamp:      time.Now(),
		},
		Bundle: execution.NewBundle("arb", true, []string{testSigner},
			execution.Step{Kind: execution.StepSwap, Label: "swap-1", Payload: []byte{1}},
		),
	}
}

func TestProcess_ExecutedAndSettled(t *testing.T) {
	f := newFixture(t, Config{AutoSettle: true}, nil)
	opp := opportunity("opp-1")

	f.executor.On("ExecuteWithRetry", mock.Anything, mock.Anything).Return(&execution.ExecutionResult{
		BundleID:       opp.Bundle.ID,
		Attempt:        1,
		Success:        true,
		Signatures:     []string{"sig-1"},
		CompletedSteps: 1,
		Submitted:      true,
		Duration:       150 * time.Millisecond,
	}, nil).Once()
	f.settlement.On("Disburse", mock.Anything, mock.Anything).Return(nil).Once()

	outcome := f.trader.Process(context.Background(), opp)

	assert.Equal(t, StatusExecuted, outcome.Status)
	assert.Equal(t, "opp-1", outcome.OpportunityID)
	require.NotNil(t, outcome.Record)
	assert.True(t, outcome.Record.NetProfit.Equal(decimal.RequireFromString("0.048")))
	assert.Equal(t, opp.Bundle.ID, outcome.Record.BundleID)
	assert.Equal(t, []string{"sig-1"}, outcome.Record.Signatures)
	assert.Equal(t, 150*time.Millisecond, outcome.Record.ExecutionLatency)
	require.NotNil(t, outcome.Disbursement)
	assert.Equal(t, outcome.Record.ID, outcome.Disbursement.RecordID)

	metrics := f.gate.Metrics()
	assert.Equal(t, 1, metrics.Successes)
	assert.InDelta(t, 0.048, metrics.TotalProfitLoss, 1e-9)
	assert.InDelta(t, 0.048, f.breaker.Status().TotalProfitLoss, 1e-9)
	assert.True(t, f.tracker.NetProfit().Equal(decimal.RequireFromString("0.048")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TradeDecisions.WithLabelValues("executed")))

	f.executor.AssertExpectations(t)
	f.settlement.AssertExpectations(t)
}

func TestProcess_SettlementFailureKeepsExecution(t *testing.T) {
	f := newFixture(t, Config{AutoSettle: true}, nil)

	f.executor.On("ExecuteWithRetry", mock.Anything, mock.Anything).
		Return(&execution.ExecutionResult{Success: true, Submitted: true}, nil).Once()
	f.settlement.On("Disburse", mock.Anything, mock.Anything).Return(errors.New("出账失败")).Once()

	outcome := f.trader.Process(context.Background(), opportunity("opp-1"))

	assert.Equal(t, StatusExecuted, outcome.Status)
	assert.NotNil(t, outcome.Record)
	assert.Nil(t, outcome.Disbursement)
}

func TestProcess_NotExecuted(t *testing.T) {
	tests := []struct {
		name       string
		prepare    func(f *fixture)
		mutate     func(o *TradeOpportunity)
		wantStatus Status
		wantReason string
	}{
		{
			name:       "预期净利润低于阈值",
			mutate:     func(o *TradeOpportunity) { o.ExpectedProfit = 0.002 },
			wantStatus: StatusSkipped,
			wantReason: "低于阈值",
		},
		{
			name:       "预期利润为正无穷",
			mutate:     func(o *TradeOpportunity) { o.ExpectedProfit = math.Inf(1) },
			wantStatus: StatusRejected,
			wantReason: "expected_profit",
		},
		{
			name:       "预期利润为NaN",
			mutate:     func(o *TradeOpportunity) { o.ExpectedProfit = math.NaN() },
			wantStatus: StatusRejected,
			wantReason: "expected_profit",
		},
		{
			name:       "交易规模为正无穷",
			mutate:     func(o *TradeOpportunity) { o.SizeSol = math.Inf(1) },
			wantStatus: StatusRejected,
			wantReason: "size_sol",
		},
		{
			name:       "基础设施成本为NaN",
			mutate:     func(o *TradeOpportunity) { o.InfraCost = math.NaN() },
			wantStatus: StatusRejected,
			wantReason: "infra_cost",
		},
		{
			name:       "协议手续费为负无穷",
			mutate:     func(o *TradeOpportunity) { o.ProtocolFee = math.Inf(-1) },
			wantStatus: StatusRejected,
			wantReason: "protocol_fee",
		},
		{
			name:       "交易包没有签名者",
			mutate:     func(o *TradeOpportunity) { o.Bundle.Signers = nil },
			wantStatus: StatusRejected,
			wantReason: "签名者",
		},
		{
			name: "包含不支持的步骤",
			mutate: func(o *TradeOpportunity) {
				o.Bundle.Steps = append(o.Bundle.Steps, execution.UnsupportedStep("perp", "无指令构建器"))
			},
			wantStatus: StatusRejected,
			wantReason: "不支持",
		},
		{
			name:       "滑点超限",
			mutate:     func(o *TradeOpportunity) { o.SlippageBps = 500 },
			wantStatus: StatusRejected,
			wantReason: "滑点",
		},
		{
			name:       "紧急停止",
			prepare:    func(f *fixture) { f.gate.TriggerEmergencyStop("人工") },
			wantStatus: StatusRejected,
			wantReason: "紧急停止",
		},
		{
			name:       "熔断中",
			prepare:    func(f *fixture) { f.breaker.ForceOpen("人工熔断") },
			wantStatus: StatusBlocked,
			wantReason: "熔断",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{AutoSettle: true}, nil)
			if tt.prepare != nil {
				tt.prepare(f)
			}
			opp := opportunity("opp-x")
			if tt.mutate != nil {
				tt.mutate(&opp)
			}

			outcome := f.trader.Process(context.Background(), opp)

			assert.Equal(t, tt.wantStatus, outcome.Status)
			assert.Contains(t, outcome.Reason, tt.wantReason)
			assert.Nil(t, outcome.Execution)
			f.executor.AssertNotCalled(t, "ExecuteWithRetry", mock.Anything, mock.Anything)
			assert.Equal(t, 0, f.gate.Metrics().TotalTrades)
			assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TradeDecisions.WithLabelValues(string(tt.wantStatus))))
		})
	}
}

func TestProcess_Failures(t *testing.T) {
	tests := []struct {
		name        string
		result      *execution.ExecutionResult
		err         error
		wantStatus  Status
		wantPL      float64
		wantFailure int
	}{
		{
			name:        "模拟失败未上链不计成本",
			result:      &execution.ExecutionResult{FailedStepIndex: 0},
			err:         fmt.Errorf("%w: 第 0 步", execution.ErrSimulationFailed),
			wantStatus:  StatusFailed,
			wantPL:      0,
			wantFailure: 1,
		},
		{
			name:        "提交失败计入基础设施成本",
			result:      &execution.ExecutionResult{Submitted: true, FailedStepIndex: 0},
			err:         fmt.Errorf("%w: 超时", execution.ErrSubmissionFailed),
			wantStatus:  StatusFailed,
			wantPL:      -0.001,
			wantFailure: 1,
		},
		{
			name:        "部分执行",
			result:      &execution.ExecutionResult{Submitted: true, PartialSuccess: true, CompletedSteps: 1, FailedStepIndex: 1},
			err:         fmt.Errorf("%w: 第 1 步失败", execution.ErrPartialExecution),
			wantStatus:  StatusPartial,
			wantPL:      -0.001,
			wantFailure: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{AutoSettle: true}, nil)
			f.executor.On("ExecuteWithRetry", mock.Anything, mock.Anything).Return(tt.result, tt.err).Once()

			outcome := f.trader.Process(context.Background(), opportunity("opp-f"))

			assert.Equal(t, tt.wantStatus, outcome.Status)
			assert.Equal(t, tt.result, outcome.Execution)
			assert.Nil(t, outcome.Record)

			metrics := f.gate.Metrics()
			assert.Equal(t, tt.wantFailure, metrics.Failures)
			assert.Equal(t, 1, metrics.ConsecutiveLosses)
			assert.InDelta(t, tt.wantPL, metrics.TotalProfitLoss, 1e-9)

			status := f.breaker.Status()
			assert.Equal(t, 1, status.ConsecutiveErrors)
			assert.InDelta(t, tt.wantPL, status.TotalProfitLoss, 1e-9)
			f.settlement.AssertNotCalled(t, "Disburse", mock.Anything, mock.Anything)
		})
	}
}

func TestProcess_CanceledIsNotCounted(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.executor.On("ExecuteWithRetry", mock.Anything, mock.Anything).
		Return(&execution.ExecutionResult{}, fmt.Errorf("重试已取消: %w", context.Canceled)).Once()

	outcome := f.trader.Process(ctx, opportunity("opp-c"))

	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, 0, f.gate.Metrics().TotalTrades)
	assert.Equal(t, 0, f.breaker.Status().ConsecutiveErrors)
}

func TestProcess_CanceledDuringSubmitIsNotCounted(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	f.executor.On("ExecuteWithRetry", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(&execution.ExecutionResult{Submitted: true},
			fmt.Errorf("%w: 第 0 步 swap: %w", execution.ErrSubmissionFailed, context.Canceled)).Once()

	outcome := f.trader.Process(ctx, opportunity("opp-c"))

	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, 0, f.gate.Metrics().TotalTrades)
	assert.Equal(t, 0, f.breaker.Status().ConsecutiveErrors)
	assert.Equal(t, 0.0, f.breaker.Status().TotalProfitLoss)
}

func TestProcess_RepeatedFailuresOpenBreaker(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.executor.On("ExecuteWithRetry", mock.Anything, mock.Anything).
		Return(&execution.ExecutionResult{}, execution.ErrSubmissionFailed)

	for i := 0; i < breaker.DefaultConfig().MaxConsecutiveErrors; i++ {
		outcome := f.trader.Process(context.Background(), opportunity(fmt.Sprintf("opp-%d", i)))
		require.NotEqual(t, StatusBlocked, outcome.Status)
	}
	assert.Equal(t, breaker.StateOpen, f.breaker.State())

	outcome := f.trader.Process(context.Background(), opportunity("opp-last"))
	// 连续亏损先触发风控拒绝
	assert.Contains(t, []Status{StatusRejected, StatusBlocked}, outcome.Status)
}

func TestErrorTag(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"部分执行", execution.ErrPartialExecution, model.ErrorTagPartial},
		{"模拟失败", execution.ErrSimulationFailed, model.ErrorTagSimulation},
		{"提交失败", execution.ErrSubmissionFailed, model.ErrorTagSubmission},
		{"其他错误", errors.New("网络错误"), model.ErrorTagSubmission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorTag(tt.err))
		})
	}
}

func TestTrader_QueueWorkers(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := storage.NewRedisClient(context.Background(), storage.ClientOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	queue := storage.NewQueue(client, "test:", storage.QueueOpportunities)

	f := newFixture(t, Config{Workers: 2, PopTimeout: 100 * time.Millisecond}, queue)
	f.executor.On("ExecuteWithRetry", mock.Anything, mock.Anything).
		Return(&execution.ExecutionResult{Success: true, Submitted: true}, nil)

	ctx := context.Background()
	require.NoError(t, f.trader.Enqueue(ctx, opportunity("q-1")))
	require.NoError(t, f.trader.Enqueue(ctx, opportunity("q-2")))
	require.NoError(t, queue.Push(ctx, []byte("not-json")))

	require.NoError(t, f.trader.Start(ctx))
	assert.Error(t, f.trader.Start(ctx))

	assert.Eventually(t, func() bool {
		return len(f.tracker.Recent(10)) == 2
	}, 3*time.Second, 20*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, f.trader.Stop(stopCtx))
	require.NoError(t, f.trader.Stop(stopCtx))

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	f.executor.AssertNumberOfCalls(t, "ExecuteWithRetry", 2)
}

func TestTrader_StartWithoutQueue(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	assert.Error(t, f.trader.Start(context.Background()))
	assert.Error(t, f.trader.Enqueue(context.Background(), opportunity("x")))
}

func TestTradeOpportunity_JSONCarriesBundle(t *testing.T) {
	opp := opportunity("json-1")
	assert.InDelta(t, 0.048, opp.ExpectedNetProfit(), 1e-12)

	data, err := json.Marshal(opp)
	require.NoError(t, err)
	// 机会字段平铺在顶层，扫描器无需嵌套
	assert.Contains(t, string(data), `"size_sol":1`)

	var decoded TradeOpportunity
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "json-1", decoded.ID)
	assert.Equal(t, opp.Bundle.ID, decoded.Bundle.ID)
	require.Len(t, decoded.Bundle.Steps, 1)
	assert.Equal(t, []byte{1}, decoded.Bundle.Steps[0].Payload)
}
