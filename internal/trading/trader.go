package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/tradecore/internal/breaker"
	"github.com/life2you_mini/tradecore/internal/execution"
	"github.com/life2you_mini/tradecore/internal/model"
	"github.com/life2you_mini/tradecore/internal/observability"
	"github.com/life2you_mini/tradecore/internal/pool"
	"github.com/life2you_mini/tradecore/internal/profit"
	"github.com/life2you_mini/tradecore/internal/risk"
)

const (
	defaultPopTimeout  = 5 * time.Second
	defaultTaskTimeout = 2 * time.Minute

	// 出队出错后的等待，避免空转
	popErrorBackoff = 100 * time.Millisecond
)

// Executor 执行交易包
type Executor interface {
	ExecuteWithRetry(ctx context.Context, bundle execution.Bundle) (*execution.ExecutionResult, error)
	ValidateBundleSafety(bundle execution.Bundle) execution.SafetyReport
}

// Queue 交易机会队列
type Queue interface {
	Push(ctx context.Context, payload []byte) error
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// Config 交易流程配置
type Config struct {
	Workers     int
	PopTimeout  time.Duration
	TaskTimeout time.Duration
	AutoSettle  bool // 盈利后立即结算
}

// Option 可选项
type Option func(*Trader)

// WithMetrics 记录决策计数和风险评分
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Trader) { t.metrics = m }
}

// Trader 交易机会处理流程：安全检查 → 利润阈值 → 风控 → 熔断 → 执行 → 上报
type Trader struct {
	cfg      Config
	gate     *risk.Gate
	breaker  *breaker.Breaker
	executor Executor
	tracker  *profit.Tracker
	queue    Queue
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time

	mutex     sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
}

// NewTrader 创建交易执行器，queue 为空时只能通过 Process 直接处理
func NewTrader(
	cfg Config,
	gate *risk.Gate,
	cb *breaker.Breaker,
	executor Executor,
	tracker *profit.Tracker,
	queue Queue,
	logger *zap.Logger,
	opts ...Option,
) *Trader {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = defaultPopTimeout
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}

	t := &Trader{
		cfg:      cfg,
		gate:     gate,
		breaker:  cb,
		executor: executor,
		tracker:  tracker,
		queue:    queue,
		logger:   logger.With(zap.String("component", "trader")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Process 处理一个交易机会，门控拒绝通过 Outcome 返回而不是错误
func (t *Trader) Process(ctx context.Context, opp TradeOpportunity) Outcome {
	outcome := t.process(ctx, opp)
	outcome.OpportunityID = opp.ID
	outcome.ProcessedAt = t.now()

	if t.metrics != nil {
		t.metrics.TradeDecisions.WithLabelValues(string(outcome.Status)).Inc()
	}

	fields := []zap.Field{
		zap.String("opportunity_id", opp.ID),
		zap.String("status", string(outcome.Status)),
		zap.Float64("risk_score", outcome.RiskScore),
	}
	switch outcome.Status {
	case StatusExecuted:
		t.logger.Info("交易机会已执行", fields...)
	case StatusPartial, StatusFailed:
		t.logger.Error("交易机会执行失败", append(fields, zap.String("reason", outcome.Reason))...)
	default:
		t.logger.Info("交易机会未执行", append(fields, zap.String("reason", outcome.Reason))...)
	}
	return outcome
}

func (t *Trader) process(ctx context.Context, opp TradeOpportunity) Outcome {
	if field, ok := invalidAmount(opp.Opportunity); ok {
		return Outcome{Status: StatusRejected, Reason: fmt.Sprintf("交易机会金额无效: %s", field)}
	}

	report := t.executor.ValidateBundleSafety(opp.Bundle)
	for _, w := range report.Warnings {
		t.logger.Warn("交易包安全警告", zap.String("opportunity_id", opp.ID), zap.String("warning", w))
	}
	if !report.Valid() {
		return Outcome{Status: StatusRejected, Reason: "安全检查未通过: " + strings.Join(report.Errors, "; ")}
	}

	params := t.gate.Parameters()
	if net := opp.ExpectedNetProfit(); net < params.MinProfitThreshold {
		return Outcome{
			Status: StatusSkipped,
			Reason: fmt.Sprintf("预期净利润 %.6f 低于阈值 %.6f", net, params.MinProfitThreshold),
		}
	}

	assessment := t.gate.EvaluateTrade(opp.SizeSol, opp.ExpectedProfit, opp.SlippageBps)
	if t.metrics != nil {
		t.metrics.RiskScore.Observe(assessment.RiskScore)
	}
	if !assessment.Approved {
		return Outcome{Status: StatusRejected, Reason: assessment.Reason, RiskScore: assessment.RiskScore}
	}

	decision := t.breaker.Allow()
	if !decision.Allowed {
		return Outcome{Status: StatusBlocked, Reason: decision.Reason, RiskScore: assessment.RiskScore}
	}

	result, err := t.executor.ExecuteWithRetry(ctx, opp.Bundle)
	if err != nil {
		return t.reportFailure(ctx, opp, result, err, assessment.RiskScore)
	}
	return t.reportSuccess(ctx, opp, result, assessment.RiskScore)
}

// invalidAmount 返回第一个非有限金额字段
func invalidAmount(opp model.Opportunity) (string, bool) {
	amounts := []struct {
		name  string
		value float64
	}{
		{"size_sol", opp.SizeSol},
		{"expected_profit", opp.ExpectedProfit},
		{"infra_cost", opp.InfraCost},
		{"protocol_fee", opp.ProtocolFee},
	}
	for _, a := range amounts {
		if !risk.IsFinite(a.value) {
			return a.name, true
		}
	}
	return "", false
}

// reportSuccess 记录收益并按净利润更新风控和熔断器
func (t *Trader) reportSuccess(ctx context.Context, opp TradeOpportunity, result *execution.ExecutionResult, score float64) Outcome {
	record := model.NewProfitRecord(
		decimal.NewFromFloat(opp.ExpectedProfit),
		decimal.NewFromFloat(opp.InfraCost),
		decimal.NewFromFloat(opp.ProtocolFee),
		result.Duration,
		t.now(),
	)
	record.BundleID = result.BundleID
	record.Signatures = result.Signatures

	t.tracker.RecordTrade(ctx, record)

	net := record.NetProfit.InexactFloat64()
	if net >= 0 {
		t.gate.RecordSuccess(net)
	} else {
		t.gate.RecordFailure(net)
	}
	t.breaker.RecordTrade(model.NewSuccessOutcome(net, record.Timestamp))

	outcome := Outcome{Status: StatusExecuted, RiskScore: score, Execution: result, Record: &record}
	if t.cfg.AutoSettle && record.IsWin() {
		disbursement, err := t.tracker.Settle(ctx, record)
		if err != nil {
			// 结算失败不影响交易结果，记录由结算出口补偿
			t.logger.Error("自动结算失败", zap.String("record_id", record.ID), zap.Error(err))
		} else {
			outcome.Disbursement = disbursement
		}
	}
	return outcome
}

// reportFailure 已上链的失败按基础设施成本计亏损；调用方取消不计入熔断统计
func (t *Trader) reportFailure(ctx context.Context, opp TradeOpportunity, result *execution.ExecutionResult, err error, score float64) Outcome {
	status := StatusFailed
	if errors.Is(err, execution.ErrPartialExecution) {
		status = StatusPartial
	}
	outcome := Outcome{Status: status, Reason: err.Error(), RiskScore: score, Execution: result}

	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		t.logger.Warn("交易已取消，不计入统计", zap.String("opportunity_id", opp.ID), zap.Error(err))
		return outcome
	}

	loss := 0.0
	if result != nil && result.Submitted {
		loss = opp.InfraCost
	}

	now := t.now()
	t.breaker.RecordTrade(model.NewFailureOutcome(loss, errorTag(err), now))
	t.gate.RecordFailure(loss)
	return outcome
}

func errorTag(err error) string {
	switch {
	case errors.Is(err, execution.ErrPartialExecution):
		return model.ErrorTagPartial
	case errors.Is(err, execution.ErrSimulationFailed):
		return model.ErrorTagSimulation
	case errors.Is(err, pool.ErrPoolTimeout):
		return model.ErrorTagPool
	default:
		return model.ErrorTagSubmission
	}
}

// Enqueue 将交易机会放入队列
func (t *Trader) Enqueue(ctx context.Context, opp TradeOpportunity) error {
	if t.queue == nil {
		return fmt.Errorf("未配置交易队列")
	}
	data, err := json.Marshal(opp)
	if err != nil {
		return fmt.Errorf("序列化交易机会失败: %w", err)
	}
	return t.queue.Push(ctx, data)
}

// Start 启动队列消费协程
func (t *Trader) Start(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.isRunning {
		return fmt.Errorf("交易执行器已在运行")
	}
	if t.queue == nil {
		return fmt.Errorf("未配置交易队列")
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.isRunning = true

	t.logger.Info("启动交易执行器", zap.Int("workers", t.cfg.Workers))
	for i := 0; i < t.cfg.Workers; i++ {
		t.wg.Add(1)
		go t.processTradeOpportunities(runCtx, i)
	}
	return nil
}

// Stop 停止消费并等待处理中的任务结束，等待时间受 ctx 限制
func (t *Trader) Stop(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.isRunning {
		return nil
	}

	t.logger.Info("停止交易执行器")
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	t.isRunning = false
	select {
	case <-done:
		t.logger.Info("交易执行器已停止")
		return nil
	case <-ctx.Done():
		t.logger.Warn("交易执行器停止超时")
		return fmt.Errorf("等待交易任务结束超时: %w", ctx.Err())
	}
}

// processTradeOpportunities 消费交易机会队列
func (t *Trader) processTradeOpportunities(ctx context.Context, worker int) {
	defer t.wg.Done()

	logger := t.logger.With(zap.Int("worker", worker))
	logger.Debug("开始处理交易机会队列")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("结束交易机会处理")
			return
		default:
		}

		data, err := t.queue.Pop(ctx, t.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("从交易队列获取任务失败", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(popErrorBackoff):
			}
			continue
		}
		if data == nil {
			continue
		}

		var opp TradeOpportunity
		if err := json.Unmarshal(data, &opp); err != nil {
			logger.Error("解析交易机会失败", zap.Error(err), zap.String("data", string(data)))
			continue
		}

		// 已出队的任务在关闭时仍然处理完，避免丢失
		taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.TaskTimeout)
		t.Process(taskCtx, opp)
		cancel()
	}
}
