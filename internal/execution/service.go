// Package execution 交易包的模拟、提交、部分失败检测与重试
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/tradecore/internal/observability"
	"github.com/life2you_mini/tradecore/internal/pool"
)

const componentName = "executor"

// Config 执行与重试配置
type Config struct {
	MaxAttempts          int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay            time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay             time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	BackoffMultiplier    float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	FeeMultiplier        float64       `mapstructure:"fee_multiplier" yaml:"fee_multiplier"`
	MaxPriorityFee       uint64        `mapstructure:"max_priority_fee" yaml:"max_priority_fee"`
	ConfirmTimeout       time.Duration `mapstructure:"confirm_timeout" yaml:"confirm_timeout"`
	LargeBundleThreshold int           `mapstructure:"large_bundle_threshold" yaml:"large_bundle_threshold"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxAttempts:          3,
		BaseDelay:            500 * time.Millisecond,
		MaxDelay:             5 * time.Second,
		BackoffMultiplier:    2,
		FeeMultiplier:        2,
		MaxPriorityFee:       1_000_000,
		ConfirmTimeout:       30 * time.Second,
		LargeBundleThreshold: 5,
	}
}

// LedgerPool 提供账本句柄的连接池
type LedgerPool interface {
	Acquire(ctx context.Context) (*pool.Handle[Ledger], error)
	Release(h *pool.Handle[Ledger])
	Invalidate(h *pool.Handle[Ledger])
}

// Option 可选项
type Option func(*Service)

// WithMetrics 记录执行指标
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service 执行服务，每次尝试从连接池借出一个账本句柄
type Service struct {
	cfg     Config
	pool    LedgerPool
	logger  *zap.Logger
	sink    observability.Sink
	metrics *observability.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewService 创建执行服务
func NewService(cfg Config, ledgers LedgerPool, logger *zap.Logger, sink observability.Sink, opts ...Option) *Service {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	if cfg.FeeMultiplier < 1 {
		cfg.FeeMultiplier = 1
	}
	if sink == nil {
		sink = observability.NopSink{}
	}

	s := &Service{
		cfg:    cfg,
		pool:   ledgers,
		logger: logger.With(zap.String("component", componentName)),
		sink:   sink,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExecuteBundle 执行一次：全部步骤先模拟，全部成功后再提交
// 返回的结果总是非空，error 表示本次执行失败
func (s *Service) ExecuteBundle(ctx context.Context, bundle Bundle) (result *ExecutionResult, err error) {
	start := time.Now()
	result = newResult(bundle)
	defer func() {
		result.Duration = time.Since(start)
		if err != nil {
			result.Error = err.Error()
		}
		s.observe(result)
	}()

	if len(bundle.Steps) == 0 {
		return result, ErrEmptyBundle
	}
	for i, step := range bundle.Steps {
		if !step.Kind.Supported() {
			result.FailedStepIndex = i
			return result, fmt.Errorf("%w: 第 %d 步 %s (%s) %s", ErrUnsupportedStep, i, step.Label, step.Kind, step.UnsupportedReason)
		}
	}

	handle, err := s.pool.Acquire(ctx)
	if err != nil {
		return result, fmt.Errorf("获取账本连接失败: %w", err)
	}
	broken := false
	defer func() {
		if broken {
			s.pool.Invalidate(handle)
			return
		}
		s.pool.Release(handle)
	}()
	ledger := handle.Value

	// 1. 逐步模拟，失败后继续以便调用方看到全部结果
	firstFailure := -1
	for i, step := range bundle.Steps {
		sim, simErr := ledger.Simulate(ctx, step)
		if simErr != nil {
			if errors.Is(simErr, ErrLedgerUnavailable) {
				broken = true
			}
			sim = SimulationResult{Success: false, Error: simErr.Error()}
		}
		sim.StepIndex = i
		result.Simulations = append(result.Simulations, sim)
		if !sim.Success && firstFailure < 0 {
			firstFailure = i
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
	}

	// 2. 任一步骤模拟失败则不提交
	if firstFailure >= 0 {
		result.FailedStepIndex = firstFailure
		return result, fmt.Errorf("%w: 第 %d 步 %s: %s",
			ErrSimulationFailed, firstFailure, bundle.Steps[firstFailure].Label, result.Simulations[firstFailure].Error)
	}

	if bundle.AtomicRequired {
		err = s.submitAtomic(ctx, ledger, bundle, result, &broken)
	} else {
		err = s.submitAll(ctx, ledger, bundle, result, &broken)
	}
	return result, err
}

// submitAtomic 顺序提交，任一步骤失败即停止
// 已确认的步骤无法撤销，只输出需要人工回滚的记录
func (s *Service) submitAtomic(ctx context.Context, ledger Ledger, bundle Bundle, result *ExecutionResult, broken *bool) error {
	for i, step := range bundle.Steps {
		sig, err := s.submitStep(ctx, ledger, step, result, broken)
		if err != nil {
			result.FailedStepIndex = i
			if result.CompletedSteps == 0 {
				return fmt.Errorf("%w: 第 %d 步 %s: %w", ErrSubmissionFailed, i, step.Label, err)
			}

			result.PartialSuccess = true
			s.emitRollbackRequired(bundle, result, i, err)
			return fmt.Errorf("%w: 已完成 %d/%d 步，第 %d 步 %s 失败: %w",
				ErrPartialExecution, result.CompletedSteps, len(bundle.Steps), i, step.Label, err)
		}
		result.Signatures = append(result.Signatures, sig)
		result.CompletedSteps++
	}

	result.Success = true
	return nil
}

// submitAll 提交全部步骤，不因前面的失败而停止
func (s *Service) submitAll(ctx context.Context, ledger Ledger, bundle Bundle, result *ExecutionResult, broken *bool) error {
	var firstErr error
	for i, step := range bundle.Steps {
		if ctx.Err() != nil {
			if firstErr == nil {
				result.FailedStepIndex = i
				firstErr = ctx.Err()
			}
			break
		}
		sig, err := s.submitStep(ctx, ledger, step, result, broken)
		if err != nil {
			s.logger.Warn("步骤提交失败，继续提交后续步骤",
				zap.String("bundle_id", bundle.ID),
				zap.Int("step", i),
				zap.String("label", step.Label),
				zap.Error(err))
			if firstErr == nil {
				result.FailedStepIndex = i
				firstErr = err
			}
			continue
		}
		result.Signatures = append(result.Signatures, sig)
		result.CompletedSteps++
	}

	switch {
	case result.CompletedSteps == len(bundle.Steps):
		result.Success = true
		return nil
	case result.CompletedSteps == 0:
		return fmt.Errorf("%w: %w", ErrSubmissionFailed, firstErr)
	default:
		result.PartialSuccess = true
		return fmt.Errorf("%w: 已完成 %d/%d 步: %w", ErrPartialExecution, result.CompletedSteps, len(bundle.Steps), firstErr)
	}
}

// submitStep 提交并等待确认
func (s *Service) submitStep(ctx context.Context, ledger Ledger, step Step, result *ExecutionResult, broken *bool) (string, error) {
	sig, err := ledger.Submit(ctx, step)
	if err != nil {
		if errors.Is(err, ErrLedgerUnavailable) {
			*broken = true
		}
		return "", fmt.Errorf("提交交易失败: %w", err)
	}
	result.Submitted = true

	confirmCtx := ctx
	if s.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		confirmCtx, cancel = context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
		defer cancel()
	}

	confirmed, err := ledger.Confirm(confirmCtx, sig)
	if err != nil {
		if errors.Is(err, ErrLedgerUnavailable) {
			*broken = true
		}
		return "", fmt.Errorf("确认交易 %s 失败: %w", sig, err)
	}
	if !confirmed {
		return "", fmt.Errorf("交易 %s 未确认", sig)
	}
	return sig, nil
}

func (s *Service) emitRollbackRequired(bundle Bundle, result *ExecutionResult, failedIndex int, cause error) {
	completed := make([]string, 0, result.CompletedSteps)
	for _, step := range bundle.Steps[:result.CompletedSteps] {
		completed = append(completed, step.Label)
	}

	s.logger.Error("原子交易包部分执行，需要人工回滚",
		zap.String("bundle_id", bundle.ID),
		zap.String("description", bundle.Description),
		zap.Strings("completed_steps", completed),
		zap.Strings("signatures", result.Signatures),
		zap.Int("failed_step", failedIndex),
		zap.Error(cause))

	s.sink.Emit(observability.Event{
		Component: componentName,
		Kind:      observability.KindRollbackRequired,
		Severity:  observability.SeverityCritical,
		Reason:    fmt.Sprintf("交易包 %s 第 %d 步失败，已完成 %d 步需要回滚", bundle.ID, failedIndex, result.CompletedSteps),
		Fields: map[string]interface{}{
			"bundle_id":       bundle.ID,
			"description":     bundle.Description,
			"completed_steps": completed,
			"signatures":      append([]string(nil), result.Signatures...),
			"failed_step":     failedIndex,
			"error":           cause.Error(),
		},
		Timestamp: time.Now(),
	})
}

// ExecuteWithRetry 重复执行直到成功或达到最大次数
// 非首次尝试前按指数退避等待，并提高每个步骤的优先费；部分执行不重试
func (s *Service) ExecuteWithRetry(ctx context.Context, bundle Bundle) (*ExecutionResult, error) {
	current := bundle.clone()

	var last *ExecutionResult
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := s.backoff(attempt - 1)
			s.logger.Info("等待后重试",
				zap.String("bundle_id", bundle.ID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := s.sleep(ctx, delay); err != nil {
				return last, fmt.Errorf("重试已取消: %w", err)
			}
			current = s.escalateFees(current)
			if s.metrics != nil {
				s.metrics.RetryAttempts.Inc()
			}
		}

		result, err := s.ExecuteBundle(ctx, current)
		result.Attempt = attempt
		if err == nil {
			if attempt > 1 {
				s.logger.Info("重试成功", zap.String("bundle_id", bundle.ID), zap.Int("attempt", attempt))
			}
			return result, nil
		}

		last, lastErr = result, err
		if !Retryable(err) {
			break
		}
	}

	s.logger.Error("交易包执行失败",
		zap.String("bundle_id", bundle.ID),
		zap.Int("attempts", last.Attempt),
		zap.Error(lastErr))
	return last, lastErr
}

// Retryable 判断错误是否可以整体重试
// 部分执行重试会重复提交已确认的步骤
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPartialExecution),
		errors.Is(err, ErrEmptyBundle),
		errors.Is(err, ErrUnsupportedStep),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// backoff 第 k 次失败后的等待时间：BaseDelay × Multiplier^(k-1)，不超过 MaxDelay
func (s *Service) backoff(failedAttempt int) time.Duration {
	delay := float64(s.cfg.BaseDelay) * math.Pow(s.cfg.BackoffMultiplier, float64(failedAttempt-1))
	if s.cfg.MaxDelay > 0 && delay > float64(s.cfg.MaxDelay) {
		return s.cfg.MaxDelay
	}
	return time.Duration(delay)
}

// escalateFees 提高每个步骤的优先费
func (s *Service) escalateFees(bundle Bundle) Bundle {
	out := bundle.clone()
	for i := range out.Steps {
		fee := uint64(math.Round(float64(out.Steps[i].PriorityFee) * s.cfg.FeeMultiplier))
		if s.cfg.MaxPriorityFee > 0 && fee > s.cfg.MaxPriorityFee {
			fee = s.cfg.MaxPriorityFee
		}
		out.Steps[i].PriorityFee = fee
	}
	return out
}

func (s *Service) observe(result *ExecutionResult) {
	if s.metrics == nil {
		return
	}
	label := "success"
	switch {
	case result.PartialSuccess:
		label = "partial"
	case !result.Success:
		label = "failed"
	}
	s.metrics.BundlesExecuted.WithLabelValues(label).Inc()
	s.metrics.ExecutionLatency.Observe(result.Duration.Seconds())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
