// Package risk 交易前风控：逐笔评估交易并维护运行中的风险指标
package risk

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/tradecore/internal/observability"
)

const componentName = "risk_gate"

// ErrInvalidParameters 风控参数非法
var ErrInvalidParameters = errors.New("风控参数非法")

// Parameters 风控阈值
type Parameters struct {
	MaxSlippageBps       int     `json:"max_slippage_bps" mapstructure:"max_slippage_bps" yaml:"max_slippage_bps"`
	MaxDrawdownBps       int     `json:"max_drawdown_bps" mapstructure:"max_drawdown_bps" yaml:"max_drawdown_bps"`
	MinProfitThreshold   float64 `json:"min_profit_threshold" mapstructure:"min_profit_threshold" yaml:"min_profit_threshold"`
	MaxTradeSizeSol      float64 `json:"max_trade_size_sol" mapstructure:"max_trade_size_sol" yaml:"max_trade_size_sol"`
	MaxDailyLossSol      float64 `json:"max_daily_loss_sol" mapstructure:"max_daily_loss_sol" yaml:"max_daily_loss_sol"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses" mapstructure:"max_consecutive_losses" yaml:"max_consecutive_losses"`
	EmergencyStop        bool    `json:"emergency_stop" mapstructure:"emergency_stop" yaml:"emergency_stop"`
}

// DefaultParameters 默认风控阈值
func DefaultParameters() Parameters {
	return Parameters{
		MaxSlippageBps:       100,  // 1%
		MaxDrawdownBps:       1000, // 10%
		MinProfitThreshold:   0.001,
		MaxTradeSizeSol:      10,
		MaxDailyLossSol:      2,
		MaxConsecutiveLosses: 5,
	}
}

// Validate 校验参数
func (p Parameters) Validate() error {
	switch {
	case p.MaxSlippageBps <= 0:
		return fmt.Errorf("%w: 最大滑点必须大于0", ErrInvalidParameters)
	case p.MaxDrawdownBps <= 0:
		return fmt.Errorf("%w: 最大回撤必须大于0", ErrInvalidParameters)
	case p.MinProfitThreshold < 0:
		return fmt.Errorf("%w: 最小利润阈值不能为负", ErrInvalidParameters)
	case p.MaxTradeSizeSol <= 0:
		return fmt.Errorf("%w: 最大交易规模必须大于0", ErrInvalidParameters)
	case p.MaxDailyLossSol <= 0:
		return fmt.Errorf("%w: 每日最大亏损必须大于0", ErrInvalidParameters)
	case p.MaxConsecutiveLosses <= 0:
		return fmt.Errorf("%w: 最大连续亏损次数必须大于0", ErrInvalidParameters)
	}
	return nil
}

// ParameterUpdate 部分更新，nil 字段保持不变
type ParameterUpdate struct {
	MaxSlippageBps       *int     `json:"max_slippage_bps,omitempty"`
	MaxDrawdownBps       *int     `json:"max_drawdown_bps,omitempty"`
	MinProfitThreshold   *float64 `json:"min_profit_threshold,omitempty"`
	MaxTradeSizeSol      *float64 `json:"max_trade_size_sol,omitempty"`
	MaxDailyLossSol      *float64 `json:"max_daily_loss_sol,omitempty"`
	MaxConsecutiveLosses *int     `json:"max_consecutive_losses,omitempty"`
	EmergencyStop        *bool    `json:"emergency_stop,omitempty"`
}

func (u ParameterUpdate) apply(p Parameters) Parameters {
	if u.MaxSlippageBps != nil {
		p.MaxSlippageBps = *u.MaxSlippageBps
	}
	if u.MaxDrawdownBps != nil {
		p.MaxDrawdownBps = *u.MaxDrawdownBps
	}
	if u.MinProfitThreshold != nil {
		p.MinProfitThreshold = *u.MinProfitThreshold
	}
	if u.MaxTradeSizeSol != nil {
		p.MaxTradeSizeSol = *u.MaxTradeSizeSol
	}
	if u.MaxDailyLossSol != nil {
		p.MaxDailyLossSol = *u.MaxDailyLossSol
	}
	if u.MaxConsecutiveLosses != nil {
		p.MaxConsecutiveLosses = *u.MaxConsecutiveLosses
	}
	if u.EmergencyStop != nil {
		p.EmergencyStop = *u.EmergencyStop
	}
	return p
}

// Metrics 运行中的风险指标
type Metrics struct {
	TotalTrades       int       `json:"total_trades"`
	Successes         int       `json:"successes"`
	Failures          int       `json:"failures"`
	TotalProfitLoss   float64   `json:"total_profit_loss"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	DrawdownBps       int       `json:"drawdown_bps"`
	DailyProfitLoss   float64   `json:"daily_profit_loss"`
	LastTradeAt       time.Time `json:"last_trade_at"`
	LastResetAt       time.Time `json:"last_reset_at"`
}

// DailyLoss 当日亏损额，盈利时为0
func (m Metrics) DailyLoss() float64 {
	if m.DailyProfitLoss >= 0 {
		return 0
	}
	return -m.DailyProfitLoss
}

// Checks 六项独立检查的结果
type Checks struct {
	EmergencyStopOff    bool `json:"emergency_stop_off"`
	SlippageOK          bool `json:"slippage_ok"`
	SizeOK              bool `json:"size_ok"`
	DrawdownOK          bool `json:"drawdown_ok"`
	ConsecutiveLossesOK bool `json:"consecutive_losses_ok"`
	DailyLossOK         bool `json:"daily_loss_ok"`
}

// All 是否全部通过
func (c Checks) All() bool {
	return c.EmergencyStopOff && c.SlippageOK && c.SizeOK &&
		c.DrawdownOK && c.ConsecutiveLossesOK && c.DailyLossOK
}

// Assessment 单笔交易的评估结果，拒绝不是错误
type Assessment struct {
	Approved  bool    `json:"approved"`
	Reason    string  `json:"reason,omitempty"`
	RiskScore float64 `json:"risk_score"`
	RiskLevel string  `json:"risk_level"`
	Checks    Checks  `json:"checks"`
}

// Snapshot 风控状态快照
type Snapshot struct {
	Parameters Parameters `json:"parameters"`
	Metrics    Metrics    `json:"metrics"`
}

// Gate 交易前风控
type Gate struct {
	mu               sync.Mutex
	params           Parameters
	metrics          Metrics
	referenceCapital float64
	logger           *zap.Logger
	sink             observability.Sink
	now              func() time.Time
}

// NewGate 创建风控，referenceCapital 为回撤计算的参考资金（SOL）
func NewGate(params Parameters, referenceCapital float64, logger *zap.Logger, sink observability.Sink) *Gate {
	if sink == nil {
		sink = observability.NopSink{}
	}
	g := &Gate{
		params:           params,
		referenceCapital: referenceCapital,
		logger:           logger.With(zap.String("component", componentName)),
		sink:             sink,
		now:              time.Now,
	}
	g.metrics.LastResetAt = g.now()
	return g
}

// EvaluateTrade 评估一笔交易
func (g *Gate) EvaluateTrade(sizeSol, expectedProfit float64, slippageBps int) Assessment {
	g.mu.Lock()
	g.rolloverLocked(g.now())
	params := g.params
	metrics := g.metrics
	g.mu.Unlock()

	dailyLoss := metrics.DailyLoss()
	checks := Checks{
		EmergencyStopOff:    !params.EmergencyStop,
		SlippageOK:          slippageBps <= params.MaxSlippageBps,
		SizeOK:              !math.IsNaN(sizeSol) && sizeSol <= params.MaxTradeSizeSol,
		DrawdownOK:          metrics.DrawdownBps < params.MaxDrawdownBps,
		ConsecutiveLossesOK: metrics.ConsecutiveLosses < params.MaxConsecutiveLosses,
		DailyLossOK:         dailyLoss < params.MaxDailyLossSol,
	}

	var reasons []string
	if !checks.EmergencyStopOff {
		reasons = append(reasons, "紧急停止已启用")
	}
	if !checks.SlippageOK {
		reasons = append(reasons, fmt.Sprintf("滑点 %d bps 超过上限 %d bps", slippageBps, params.MaxSlippageBps))
	}
	if !checks.SizeOK {
		reasons = append(reasons, fmt.Sprintf("交易规模 %.4f SOL 超过上限 %.4f SOL", sizeSol, params.MaxTradeSizeSol))
	}
	if !checks.DrawdownOK {
		reasons = append(reasons, fmt.Sprintf("回撤 %d bps 达到上限 %d bps", metrics.DrawdownBps, params.MaxDrawdownBps))
	}
	if !checks.ConsecutiveLossesOK {
		reasons = append(reasons, fmt.Sprintf("连续亏损 %d 次达到上限 %d 次", metrics.ConsecutiveLosses, params.MaxConsecutiveLosses))
	}
	if !checks.DailyLossOK {
		reasons = append(reasons, fmt.Sprintf("当日亏损 %.4f SOL 达到上限 %.4f SOL", dailyLoss, params.MaxDailyLossSol))
	}

	score := CalculateRiskScore(ScoreInputs{
		SlippageBps:       float64(slippageBps),
		SizeSol:           sizeSol,
		ConsecutiveLosses: float64(metrics.ConsecutiveLosses),
		DrawdownBps:       float64(metrics.DrawdownBps),
		DailyLossSol:      dailyLoss,
	}, params)
	if score >= MaxApprovedScore {
		reasons = append(reasons, fmt.Sprintf("风险评分 %.1f 达到阈值 %.0f", score, MaxApprovedScore))
	}

	assessment := Assessment{
		Approved:  checks.All() && score < MaxApprovedScore,
		Reason:    strings.Join(reasons, "; "),
		RiskScore: score,
		RiskLevel: RiskLevelForScore(score),
		Checks:    checks,
	}

	if !assessment.Approved {
		g.logger.Info("交易未通过风控",
			zap.Float64("size_sol", sizeSol),
			zap.Float64("expected_profit", expectedProfit),
			zap.Int("slippage_bps", slippageBps),
			zap.Float64("risk_score", score),
			zap.String("reason", assessment.Reason))
	} else {
		g.logger.Debug("交易通过风控",
			zap.Float64("size_sol", sizeSol),
			zap.Float64("expected_profit", expectedProfit),
			zap.Float64("risk_score", score),
			zap.String("risk_level", assessment.RiskLevel))
	}

	return assessment
}

// RecordSuccess 记录盈利交易
func (g *Gate) RecordSuccess(profit float64) {
	profit = g.sanitizeAmount(profit)

	g.mu.Lock()
	now := g.now()
	g.rolloverLocked(now)

	g.metrics.TotalTrades++
	g.metrics.Successes++
	g.metrics.TotalProfitLoss += profit
	g.metrics.DailyProfitLoss += profit
	g.metrics.ConsecutiveLosses = 0
	g.metrics.DrawdownBps = CalculateDrawdownBps(g.metrics.TotalProfitLoss, g.referenceCapital)
	g.metrics.LastTradeAt = now

	event := g.checkEmergencyLocked(now)
	g.mu.Unlock()

	g.emit(event)
}

// RecordFailure 记录亏损交易，loss 取绝对值
func (g *Gate) RecordFailure(loss float64) {
	loss = math.Abs(g.sanitizeAmount(loss))

	g.mu.Lock()
	now := g.now()
	g.rolloverLocked(now)

	g.metrics.TotalTrades++
	g.metrics.Failures++
	g.metrics.TotalProfitLoss -= loss
	g.metrics.DailyProfitLoss -= loss
	g.metrics.ConsecutiveLosses++
	g.metrics.DrawdownBps = CalculateDrawdownBps(g.metrics.TotalProfitLoss, g.referenceCapital)
	g.metrics.LastTradeAt = now

	event := g.checkEmergencyLocked(now)
	g.mu.Unlock()

	g.emit(event)
}

// sanitizeAmount 非有限金额按0计入，交易次数照常统计
func (g *Gate) sanitizeAmount(amount float64) float64 {
	if IsFinite(amount) {
		return amount
	}
	g.logger.Warn("盈亏金额无效，按0计入", zap.Float64("amount", amount))
	return 0
}

// checkEmergencyLocked 连续亏损或当日亏损达到上限时启用紧急停止，已启用时不重复触发
func (g *Gate) checkEmergencyLocked(now time.Time) *observability.Event {
	if g.params.EmergencyStop {
		return nil
	}

	var reasons []string
	if g.params.MaxConsecutiveLosses > 0 && g.metrics.ConsecutiveLosses >= g.params.MaxConsecutiveLosses {
		reasons = append(reasons, fmt.Sprintf("连续亏损 %d 次", g.metrics.ConsecutiveLosses))
	}
	if g.params.MaxDailyLossSol > 0 && g.metrics.DailyLoss() >= g.params.MaxDailyLossSol {
		reasons = append(reasons, fmt.Sprintf("当日亏损 %.4f SOL", g.metrics.DailyLoss()))
	}
	if len(reasons) == 0 {
		return nil
	}

	g.params.EmergencyStop = true
	return &observability.Event{
		Component: componentName,
		Kind:      observability.KindEmergencyStop,
		Severity:  observability.SeverityCritical,
		Reason:    "自动紧急停止: " + strings.Join(reasons, "; "),
		Fields: map[string]interface{}{
			"consecutive_losses": g.metrics.ConsecutiveLosses,
			"daily_loss":         g.metrics.DailyLoss(),
			"drawdown_bps":       g.metrics.DrawdownBps,
			"total_profit_loss":  g.metrics.TotalProfitLoss,
		},
		Timestamp: now,
	}
}

// rolloverLocked UTC日期变化时重置当日盈亏
func (g *Gate) rolloverLocked(now time.Time) bool {
	if SameUTCDay(now, g.metrics.LastResetAt) {
		return false
	}
	g.logger.Info("UTC日期变更，重置当日盈亏",
		zap.Float64("daily_profit_loss", g.metrics.DailyProfitLoss),
		zap.Time("last_reset_at", g.metrics.LastResetAt))
	g.metrics.DailyProfitLoss = 0
	g.metrics.LastResetAt = now
	return true
}

// CheckDailyRollover 供定时任务调用，返回是否发生了重置
func (g *Gate) CheckDailyRollover() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rolloverLocked(g.now())
}

// TriggerEmergencyStop 手动启用紧急停止
func (g *Gate) TriggerEmergencyStop(reason string) {
	g.mu.Lock()
	if g.params.EmergencyStop {
		g.mu.Unlock()
		return
	}
	g.params.EmergencyStop = true
	metrics := g.metrics
	now := g.now()
	g.mu.Unlock()

	g.emit(&observability.Event{
		Component: componentName,
		Kind:      observability.KindEmergencyStop,
		Severity:  observability.SeverityCritical,
		Reason:    "手动紧急停止: " + reason,
		Fields: map[string]interface{}{
			"consecutive_losses": metrics.ConsecutiveLosses,
			"total_profit_loss":  metrics.TotalProfitLoss,
		},
		Timestamp: now,
	})
}

// DisableEmergencyStop 解除紧急停止，不清除历史指标
func (g *Gate) DisableEmergencyStop() {
	g.mu.Lock()
	if !g.params.EmergencyStop {
		g.mu.Unlock()
		return
	}
	g.params.EmergencyStop = false
	now := g.now()
	g.mu.Unlock()

	g.emit(&observability.Event{
		Component: componentName,
		Kind:      observability.KindEmergencyStopCleared,
		Severity:  observability.SeverityWarning,
		Reason:    "紧急停止已解除",
		Timestamp: now,
	})
}

// UpdateParameters 运行时部分更新参数
func (g *Gate) UpdateParameters(update ParameterUpdate) (Parameters, error) {
	g.mu.Lock()
	next := update.apply(g.params)
	if err := next.Validate(); err != nil {
		g.mu.Unlock()
		return Parameters{}, err
	}
	prev := g.params
	g.params = next
	now := g.now()
	g.mu.Unlock()

	g.emit(&observability.Event{
		Component: componentName,
		Kind:      observability.KindParametersUpdated,
		Severity:  observability.SeverityWarning,
		Reason:    "风控参数已更新",
		Fields: map[string]interface{}{
			"previous": prev,
			"current":  next,
		},
		Timestamp: now,
	})

	if prev.EmergencyStop != next.EmergencyStop {
		kind := observability.KindEmergencyStopCleared
		if next.EmergencyStop {
			kind = observability.KindEmergencyStop
		}
		g.emit(&observability.Event{
			Component: componentName,
			Kind:      kind,
			Severity:  observability.SeverityWarning,
			Reason:    "参数更新修改了紧急停止状态",
			Timestamp: now,
		})
	}

	return next, nil
}

// Parameters 当前参数
func (g *Gate) Parameters() Parameters {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.params
}

// Metrics 当前指标
func (g *Gate) Metrics() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metrics
}

// Snapshot 参数与指标快照
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{Parameters: g.params, Metrics: g.metrics}
}

// Restore 从快照恢复指标和紧急停止状态，阈值沿用当前配置
func (g *Gate) Restore(snapshot Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.metrics = snapshot.Metrics
	g.params.EmergencyStop = snapshot.Parameters.EmergencyStop
	g.metrics.DrawdownBps = CalculateDrawdownBps(g.metrics.TotalProfitLoss, g.referenceCapital)
	if g.metrics.LastResetAt.IsZero() {
		g.metrics.LastResetAt = g.now()
	}
	g.rolloverLocked(g.now())

	g.logger.Info("风控状态已恢复",
		zap.Int("total_trades", g.metrics.TotalTrades),
		zap.Float64("total_profit_loss", g.metrics.TotalProfitLoss),
		zap.Bool("emergency_stop", g.params.EmergencyStop))
}

func (g *Gate) emit(event *observability.Event) {
	if event == nil {
		return
	}
	if event.Kind == observability.KindEmergencyStop {
		g.logger.Error("紧急停止", zap.String("reason", event.Reason))
	} else {
		g.logger.Warn(event.Reason)
	}
	g.sink.Emit(*event)
}
