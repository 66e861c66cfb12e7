package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/tradecore/internal/breaker"
	"github.com/life2you_mini/tradecore/internal/observability"
	"github.com/life2you_mini/tradecore/internal/pool"
	"github.com/life2you_mini/tradecore/internal/profit"
	"github.com/life2you_mini/tradecore/internal/risk"
)

// DefaultCheckInterval 默认检查间隔
const DefaultCheckInterval = 30 * time.Second

// SnapshotStore 状态快照存储
type SnapshotStore interface {
	SaveBreakerStatus(ctx context.Context, status breaker.Status) error
	SaveRiskSnapshot(ctx context.Context, snapshot risk.Snapshot) error
}

// PoolStats 连接池统计
type PoolStats interface {
	Stats() pool.Stats
}

// StateMonitor 定期保存熔断器和风控快照、刷新指标、检查风控日切
type StateMonitor struct {
	breaker       *breaker.Breaker
	gate          *risk.Gate
	pool          PoolStats
	tracker       *profit.Tracker
	store         SnapshotStore
	metrics       *observability.Metrics
	logger        *zap.Logger
	checkInterval time.Duration
}

// NewStateMonitor 创建状态监控，store、pool、tracker、metrics 均可为空
func NewStateMonitor(
	cb *breaker.Breaker,
	gate *risk.Gate,
	poolStats PoolStats,
	tracker *profit.Tracker,
	store SnapshotStore,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *StateMonitor {
	return &StateMonitor{
		breaker:       cb,
		gate:          gate,
		pool:          poolStats,
		tracker:       tracker,
		store:         store,
		metrics:       metrics,
		logger:        logger.With(zap.String("component", "state_monitor")),
		checkInterval: DefaultCheckInterval,
	}
}

// SetCheckInterval 设置检查间隔
func (m *StateMonitor) SetCheckInterval(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	m.checkInterval = interval
}

// Start 启动监控，阻塞直到 ctx 取消；退出前再保存一次快照
func (m *StateMonitor) Start(ctx context.Context) error {
	m.logger.Info("启动状态监控", zap.Duration("interval", m.checkInterval))

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	if err := m.Check(ctx); err != nil {
		m.logger.Error("首次状态检查失败", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := m.persist(flushCtx); err != nil {
				m.logger.Error("退出前保存快照失败", zap.Error(err))
			}
			cancel()
			m.logger.Info("状态监控已停止")
			return ctx.Err()
		case <-ticker.C:
			if err := m.Check(ctx); err != nil {
				m.logger.Error("状态检查失败", zap.Error(err))
			}
		}
	}
}

// Check 执行一次检查
func (m *StateMonitor) Check(ctx context.Context) error {
	if m.gate.CheckDailyRollover() {
		m.logger.Info("风控当日统计已重置")
	}
	m.refreshGauges()
	return m.persist(ctx)
}

func (m *StateMonitor) refreshGauges() {
	if m.metrics == nil {
		return
	}

	m.metrics.BreakerState.Set(observability.BreakerStateValue(string(m.breaker.State())))
	if m.gate.Parameters().EmergencyStop {
		m.metrics.EmergencyStop.Set(1)
	} else {
		m.metrics.EmergencyStop.Set(0)
	}

	if m.pool != nil {
		stats := m.pool.Stats()
		m.metrics.PoolHandles.WithLabelValues("total").Set(float64(stats.Total))
		m.metrics.PoolHandles.WithLabelValues("in_use").Set(float64(stats.InUse))
		m.metrics.PoolHandles.WithLabelValues("idle").Set(float64(stats.Idle))
	}

	if m.tracker != nil {
		m.metrics.NetProfit.Set(m.tracker.NetProfit().InexactFloat64())
	}
}

// persist 保存快照，失败只返回错误由调用方记录
func (m *StateMonitor) persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	var errs []error
	status := m.breaker.Status()
	if err := m.store.SaveBreakerStatus(ctx, status); err != nil {
		errs = append(errs, fmt.Errorf("保存熔断器快照失败: %w", err))
	}
	if err := m.store.SaveRiskSnapshot(ctx, m.gate.Snapshot()); err != nil {
		errs = append(errs, fmt.Errorf("保存风控快照失败: %w", err))
	}

	m.logger.Debug("状态快照已保存",
		zap.String("breaker_state", string(status.State)),
		zap.Int("consecutive_errors", status.ConsecutiveErrors))
	return errors.Join(errs...)
}
