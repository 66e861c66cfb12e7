// Package breaker 交易熔断器：异常亏损/错误模式下暂停全部交易，并通过半开状态探测恢复
package breaker

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/tradecore/internal/model"
	"github.com/life2you_mini/tradecore/internal/observability"
)

// State 熔断器状态
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

const (
	componentName = "breaker"

	// 时间窗口内保留的最大记录数
	maxHistorySize = 10000
)

// 合法的状态迁移，其余迁移只能由管理操作触发
var allowedTransitions = map[State][]State{
	StateClosed:   {StateOpen},
	StateOpen:     {StateHalfOpen},
	StateHalfOpen: {StateClosed, StateOpen},
}

// CanTransition 判断状态迁移是否合法
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Config 熔断器配置
type Config struct {
	MaxConsecutiveErrors int           // 连续错误次数上限
	MaxErrorRate         float64       // 窗口内错误率上限 (0-1)
	ErrorRateWindow      time.Duration // 错误率统计窗口
	MinSamples           int           // 计算错误率所需的最少样本数
	MaxTotalLoss         float64       // 累计亏损下限（正数，SOL）
	MaxLossPercent       float64       // 累计亏损占资金基数的百分比上限
	CapitalBase          float64       // 资金基数（SOL）
	MaxSingleTradeLoss   float64       // 单笔亏损上限（SOL）
	ResetTimeout         time.Duration // 熔断后进入半开状态前的等待时间
	HalfOpenMaxAttempts  int           // 半开状态下允许的探测次数
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveErrors: 5,
		MaxErrorRate:         0.5,
		ErrorRateWindow:      10 * time.Minute,
		MinSamples:           10,
		MaxTotalLoss:         5,
		MaxLossPercent:       10,
		CapitalBase:          100,
		MaxSingleTradeLoss:   1,
		ResetTimeout:         5 * time.Minute,
		HalfOpenMaxAttempts:  3,
	}
}

// Decision 是否放行请求
type Decision struct {
	Allowed bool   `json:"allowed"`
	State   State  `json:"state"`
	Reason  string `json:"reason,omitempty"`
}

// Status 熔断器状态快照
type Status struct {
	State             State     `json:"state"`
	ChangedAt         time.Time `json:"changed_at"`
	HalfOpenAttempts  int       `json:"half_open_attempts"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	WindowSize        int       `json:"window_size"`
	ErrorRate         float64   `json:"error_rate"`
	TotalProfitLoss   float64   `json:"total_profit_loss"`
	OpenReason        string    `json:"open_reason,omitempty"`
}

// Breaker 熔断器，所有状态修改都在互斥锁内完成
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger
	sink   observability.Sink
	now    func() time.Time

	state             State
	changedAt         time.Time
	halfOpenAttempts  int
	consecutiveErrors int
	history           []model.TradeOutcome
	totalProfitLoss   float64
	openReason        string
}

// New 创建熔断器，初始状态为 CLOSED
func New(cfg Config, logger *zap.Logger, sink observability.Sink) *Breaker {
	if cfg.HalfOpenMaxAttempts < 1 {
		cfg.HalfOpenMaxAttempts = 1
	}
	if cfg.MaxConsecutiveErrors < 1 {
		cfg.MaxConsecutiveErrors = 1
	}
	if sink == nil {
		sink = observability.NopSink{}
	}

	b := &Breaker{
		cfg:    cfg,
		logger: logger.With(zap.String("component", componentName)),
		sink:   sink,
		now:    time.Now,
		state:  StateClosed,
	}
	b.changedAt = b.now()
	return b
}

// RecordTrade 记录一笔交易结果，并检查各项熔断条件
func (b *Breaker) RecordTrade(outcome model.TradeOutcome) {
	if math.IsNaN(outcome.ProfitLoss) || math.IsInf(outcome.ProfitLoss, 0) {
		b.logger.Warn("交易盈亏无效，按0计入", zap.Float64("profit_loss", outcome.ProfitLoss))
		outcome.ProfitLoss = 0
	}

	b.mu.Lock()
	now := b.now()
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = now
	}

	b.history = append(b.history, outcome)
	b.pruneLocked(now)
	b.totalProfitLoss += outcome.ProfitLoss

	var events []observability.Event
	if outcome.Success {
		b.consecutiveErrors = 0
		if b.state == StateHalfOpen {
			events = append(events, b.transitionLocked(StateClosed, "半开探测成功", now)...)
		}
	} else {
		b.consecutiveErrors++
		if b.state == StateHalfOpen {
			events = append(events, b.openLocked("半开探测失败", nil, now)...)
		}
	}

	events = append(events, b.evaluateLocked(outcome, now)...)
	b.mu.Unlock()

	b.emit(events)
}

// evaluateLocked 依次检查五个独立的熔断条件，任一满足即熔断
func (b *Breaker) evaluateLocked(latest model.TradeOutcome, now time.Time) []observability.Event {
	if b.state == StateOpen {
		return nil
	}

	if b.consecutiveErrors >= b.cfg.MaxConsecutiveErrors {
		return b.openLocked(fmt.Sprintf("连续错误 %d 次，达到上限 %d", b.consecutiveErrors, b.cfg.MaxConsecutiveErrors),
			map[string]interface{}{
				"trigger":            "consecutive_errors",
				"consecutive_errors": b.consecutiveErrors,
				"limit":              b.cfg.MaxConsecutiveErrors,
			}, now)
	}

	if len(b.history) >= b.cfg.MinSamples {
		rate := b.errorRateLocked()
		if rate >= b.cfg.MaxErrorRate {
			return b.openLocked(fmt.Sprintf("错误率 %.2f%% 达到上限 %.2f%%", rate*100, b.cfg.MaxErrorRate*100),
				map[string]interface{}{
					"trigger":     "error_rate",
					"error_rate":  rate,
					"limit":       b.cfg.MaxErrorRate,
					"sample_size": len(b.history),
				}, now)
		}
	}

	if b.totalProfitLoss < -b.cfg.MaxTotalLoss {
		return b.openLocked(fmt.Sprintf("累计盈亏 %.4f SOL 低于下限 -%.4f SOL", b.totalProfitLoss, b.cfg.MaxTotalLoss),
			map[string]interface{}{
				"trigger":           "total_loss",
				"total_profit_loss": b.totalProfitLoss,
				"limit":             -b.cfg.MaxTotalLoss,
			}, now)
	}

	if b.totalProfitLoss < 0 && b.cfg.CapitalBase > 0 {
		lossPct := -b.totalProfitLoss / b.cfg.CapitalBase * 100
		if lossPct >= b.cfg.MaxLossPercent {
			return b.openLocked(fmt.Sprintf("亏损占资金基数 %.2f%%，达到上限 %.2f%%", lossPct, b.cfg.MaxLossPercent),
				map[string]interface{}{
					"trigger":      "loss_percent",
					"loss_percent": lossPct,
					"limit":        b.cfg.MaxLossPercent,
					"capital_base": b.cfg.CapitalBase,
				}, now)
		}
	}

	if latest.ProfitLoss < 0 && -latest.ProfitLoss > b.cfg.MaxSingleTradeLoss {
		return b.openLocked(fmt.Sprintf("单笔亏损 %.4f SOL 超过上限 %.4f SOL", -latest.ProfitLoss, b.cfg.MaxSingleTradeLoss),
			map[string]interface{}{
				"trigger":    "single_trade_loss",
				"trade_loss": -latest.ProfitLoss,
				"limit":      b.cfg.MaxSingleTradeLoss,
			}, now)
	}

	return nil
}

// AllowRequest 当前是否允许交易
func (b *Breaker) AllowRequest() bool {
	return b.Allow().Allowed
}

// Allow 判断是否放行请求
// OPEN 超过重置时间后转入 HALF_OPEN 并放行本次请求；
// HALF_OPEN 探测次数用尽后保持 HALF_OPEN 并拒绝，直到有新的交易结果上报
func (b *Breaker) Allow() Decision {
	b.mu.Lock()
	now := b.now()

	var events []observability.Event
	var decision Decision

	switch b.state {
	case StateClosed:
		decision = Decision{Allowed: true, State: StateClosed}

	case StateOpen:
		elapsed := now.Sub(b.changedAt)
		if elapsed >= b.cfg.ResetTimeout {
			events = b.transitionLocked(StateHalfOpen, "重置时间已到，开始半开探测", now)
			b.halfOpenAttempts = 1
			decision = Decision{Allowed: true, State: StateHalfOpen}
		} else {
			decision = Decision{
				Allowed: false,
				State:   StateOpen,
				Reason:  fmt.Sprintf("熔断中（%s），剩余 %s", b.openReason, (b.cfg.ResetTimeout - elapsed).Round(time.Millisecond)),
			}
		}

	case StateHalfOpen:
		if b.halfOpenAttempts < b.cfg.HalfOpenMaxAttempts {
			b.halfOpenAttempts++
			decision = Decision{Allowed: true, State: StateHalfOpen}
		} else {
			decision = Decision{
				Allowed: false,
				State:   StateHalfOpen,
				Reason:  fmt.Sprintf("半开探测次数已用尽 (%d)，等待交易结果", b.cfg.HalfOpenMaxAttempts),
			}
		}
	}
	b.mu.Unlock()

	b.emit(events)
	return decision
}

// Reset 管理操作：强制恢复为 CLOSED，保留累计盈亏
func (b *Breaker) Reset() {
	b.mu.Lock()
	now := b.now()
	var events []observability.Event
	if b.state != StateClosed {
		events = b.forceTransitionLocked(StateClosed, "手动重置", now)
	}
	b.consecutiveErrors = 0
	b.halfOpenAttempts = 0
	b.history = b.history[:0]
	b.openReason = ""
	b.mu.Unlock()

	b.logger.Info("熔断器已手动重置")
	b.emit(events)
}

// ForceOpen 管理操作：无视阈值立即熔断
func (b *Breaker) ForceOpen(reason string) {
	b.mu.Lock()
	now := b.now()
	events := b.openLocked("手动熔断: "+reason, map[string]interface{}{"trigger": "manual"}, now)
	b.mu.Unlock()

	if len(events) == 0 {
		b.logger.Info("熔断器已处于打开状态，忽略手动熔断", zap.String("reason", reason))
	}
	b.emit(events)
}

// State 当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status 当前状态快照
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		State:             b.state,
		ChangedAt:         b.changedAt,
		HalfOpenAttempts:  b.halfOpenAttempts,
		ConsecutiveErrors: b.consecutiveErrors,
		WindowSize:        len(b.history),
		ErrorRate:         b.errorRateLocked(),
		TotalProfitLoss:   b.totalProfitLoss,
		OpenReason:        b.openReason,
	}
}

// Restore 从快照恢复状态，窗口内历史不恢复
func (b *Breaker) Restore(status Status) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch status.State {
	case StateClosed, StateOpen, StateHalfOpen:
		b.state = status.State
	default:
		b.state = StateClosed
	}
	b.changedAt = status.ChangedAt
	b.halfOpenAttempts = status.HalfOpenAttempts
	b.consecutiveErrors = status.ConsecutiveErrors
	b.totalProfitLoss = status.TotalProfitLoss
	b.openReason = status.OpenReason

	b.logger.Info("熔断器状态已恢复",
		zap.String("state", string(b.state)),
		zap.Float64("total_profit_loss", b.totalProfitLoss))
}

// openLocked 打开熔断器，已打开时不做任何修改
func (b *Breaker) openLocked(reason string, fields map[string]interface{}, now time.Time) []observability.Event {
	if b.state == StateOpen {
		return nil
	}

	var events []observability.Event
	if fields != nil {
		breach := observability.Event{
			Component: componentName,
			Kind:      observability.KindThresholdBreach,
			Severity:  observability.SeverityCritical,
			Reason:    reason,
			Fields:    fields,
			Timestamp: now,
		}
		breach.Fields["total_profit_loss"] = b.totalProfitLoss
		events = append(events, breach)
	}

	b.openReason = reason
	b.halfOpenAttempts = 0
	return append(events, b.forceTransitionLocked(StateOpen, reason, now)...)
}

// transitionLocked 按合法迁移表修改状态
func (b *Breaker) transitionLocked(to State, reason string, now time.Time) []observability.Event {
	if !CanTransition(b.state, to) {
		b.logger.Error("非法的熔断器状态迁移",
			zap.String("from", string(b.state)),
			zap.String("to", string(to)))
		return nil
	}
	return b.forceTransitionLocked(to, reason, now)
}

func (b *Breaker) forceTransitionLocked(to State, reason string, now time.Time) []observability.Event {
	from := b.state
	b.state = to
	b.changedAt = now
	if to != StateHalfOpen {
		b.halfOpenAttempts = 0
	}

	severity := observability.SeverityInfo
	if to == StateOpen {
		severity = observability.SeverityCritical
	}

	return []observability.Event{{
		Component: componentName,
		Kind:      observability.KindStateTransition,
		Severity:  severity,
		Reason:    reason,
		Fields: map[string]interface{}{
			"from":               string(from),
			"to":                 string(to),
			"consecutive_errors": b.consecutiveErrors,
			"total_profit_loss":  b.totalProfitLoss,
		},
		Timestamp: now,
	}}
}

// pruneLocked 删除窗口之外的记录
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.ErrorRateWindow)
	i := 0
	for i < len(b.history) && b.history[i].Timestamp.Before(cutoff) {
		i++
	}
	if len(b.history)-i > maxHistorySize {
		i = len(b.history) - maxHistorySize
	}
	if i > 0 {
		b.history = append(b.history[:0], b.history[i:]...)
	}
}

func (b *Breaker) errorRateLocked() float64 {
	if len(b.history) == 0 {
		return 0
	}
	failures := 0
	for _, o := range b.history {
		if !o.Success {
			failures++
		}
	}
	rate := float64(failures) / float64(len(b.history))
	if math.IsNaN(rate) {
		return 0
	}
	return rate
}

func (b *Breaker) emit(events []observability.Event) {
	for _, e := range events {
		if e.Kind == observability.KindStateTransition {
			b.logger.Warn("熔断器状态变更",
				zap.Any("from", e.Fields["from"]),
				zap.Any("to", e.Fields["to"]),
				zap.String("reason", e.Reason))
		}
		b.sink.Emit(e)
	}
}
