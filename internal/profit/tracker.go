// Package profit 收益账本：滚动记录、统计与利润分配结算
package profit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/tradecore/internal/model"
	"github.com/life2you_mini/tradecore/internal/observability"
)

const (
	componentName = "profit_tracker"

	DefaultMaxRecords = 10000
)

// ErrNothingToSettle 净利润不为正，无需结算
var ErrNothingToSettle = errors.New("净利润不为正，无需结算")

// RecordStore 收益记录持久化
type RecordStore interface {
	SaveRecord(ctx context.Context, record model.ProfitRecord) error
	LoadRecords(ctx context.Context, since time.Time) ([]model.ProfitRecord, error)
}

// SettlementSink 执行一次包含三笔转账的结算
type SettlementSink interface {
	Disburse(ctx context.Context, disbursement model.Disbursement) error
}

// Option 可选项
type Option func(*Tracker)

// WithStore 持久化收益记录
func WithStore(store RecordStore) Option {
	return func(t *Tracker) { t.store = store }
}

// WithSettlement 设置结算出口
func WithSettlement(sink SettlementSink) Option {
	return func(t *Tracker) { t.settlement = sink }
}

// WithMetrics 更新收益指标
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// Tracker 收益账本，只保留最近 maxRecords 条记录
type Tracker struct {
	mu         sync.RWMutex
	records    []model.ProfitRecord // 按时间顺序追加
	maxRecords int
	netProfit  decimal.Decimal

	splitter   *Splitter
	store      RecordStore
	settlement SettlementSink
	events     observability.Sink
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewTracker 创建收益账本
func NewTracker(maxRecords int, splitter *Splitter, logger *zap.Logger, events observability.Sink, opts ...Option) *Tracker {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	if events == nil {
		events = observability.NopSink{}
	}
	t := &Tracker{
		maxRecords: maxRecords,
		splitter:   splitter,
		events:     events,
		logger:     logger.With(zap.String("component", componentName)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordTrade 追加一条记录；持久化失败只记录日志
func (t *Tracker) RecordTrade(ctx context.Context, record model.ProfitRecord) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = t.now()
	}

	t.mu.Lock()
	t.appendLocked(record)
	t.netProfit = t.netProfit.Add(record.NetProfit)
	net := t.netProfit
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.TradesRecorded.Inc()
		t.metrics.NetProfit.Set(net.InexactFloat64())
	}

	t.logger.Info("记录交易收益",
		zap.String("record_id", record.ID),
		zap.String("bundle_id", record.BundleID),
		zap.String("gross_profit", record.GrossProfit.String()),
		zap.String("net_profit", record.NetProfit.String()),
		zap.Duration("latency", record.ExecutionLatency))

	if t.store != nil {
		if err := t.store.SaveRecord(ctx, record); err != nil {
			t.logger.Error("保存收益记录失败", zap.String("record_id", record.ID), zap.Error(err))
		}
	}
}

func (t *Tracker) appendLocked(record model.ProfitRecord) {
	t.records = append(t.records, record)
	if overflow := len(t.records) - t.maxRecords; overflow > 0 {
		t.records = append(t.records[:0], t.records[overflow:]...)
	}
}

// Load 从持久化存储恢复 since 之后的记录
func (t *Tracker) Load(ctx context.Context, since time.Time) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	records, err := t.store.LoadRecords(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("加载收益记录失败: %w", err)
	}

	t.mu.Lock()
	t.records = nil
	t.netProfit = decimal.Zero
	for _, r := range records {
		t.appendLocked(r)
		t.netProfit = t.netProfit.Add(r.NetProfit)
	}
	loaded := len(t.records)
	t.mu.Unlock()

	t.logger.Info("已加载收益记录", zap.Int("count", loaded))
	return loaded, nil
}

// Recent 最近 n 条记录，最新的在前
func (t *Tracker) Recent(n int) []model.ProfitRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if n <= 0 || n > len(t.records) {
		n = len(t.records)
	}
	out := make([]model.ProfitRecord, 0, n)
	for i := len(t.records) - 1; i >= len(t.records)-n; i-- {
		out = append(out, t.records[i])
	}
	return out
}

// Range 时间范围 [from, to) 内的记录，按时间顺序
func (t *Tracker) Range(from, to time.Time) []model.ProfitRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []model.ProfitRecord
	for _, r := range t.records {
		if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			out = append(out, r)
		}
	}
	return out
}

// Stats 统计最近 window 内的记录，window 为 0 时统计全部
func (t *Tracker) Stats(window time.Duration) Stats {
	if window <= 0 {
		t.mu.RLock()
		records := append([]model.ProfitRecord(nil), t.records...)
		t.mu.RUnlock()
		return CalculateStats(records)
	}
	now := t.now()
	return CalculateStats(t.Range(now.Add(-window), now.Add(time.Nanosecond)))
}

// CalculateProfitSplit 计算利润分配
func (t *Tracker) CalculateProfitSplit(total decimal.Decimal) model.ProfitSplit {
	return t.splitter.Calculate(total)
}

// Settle 将一条盈利记录的净利润按比例一次性结算给三个收款方
func (t *Tracker) Settle(ctx context.Context, record model.ProfitRecord) (*model.Disbursement, error) {
	if !record.IsWin() {
		return nil, ErrNothingToSettle
	}
	if t.settlement == nil {
		return nil, fmt.Errorf("未配置结算出口")
	}

	split := t.splitter.Calculate(record.NetProfit)
	disbursement := model.Disbursement{
		RecordID:  record.ID,
		Transfers: split.Allocations,
		CreatedAt: t.now(),
	}

	fields := map[string]interface{}{
		"record_id":  record.ID,
		"net_profit": record.NetProfit.String(),
	}
	for _, a := range split.Allocations {
		fields[a.Name] = a.Amount.String()
	}

	if err := t.settlement.Disburse(ctx, disbursement); err != nil {
		fields["error"] = err.Error()
		t.logger.Error("利润结算失败", zap.String("record_id", record.ID), zap.Error(err))
		t.events.Emit(observability.Event{
			Component: componentName,
			Kind:      observability.KindSettlement,
			Severity:  observability.SeverityCritical,
			Reason:    "利润结算失败",
			Fields:    fields,
			Timestamp: disbursement.CreatedAt,
		})
		return nil, fmt.Errorf("结算失败: %w", err)
	}

	t.logger.Info("利润已结算",
		zap.String("record_id", record.ID),
		zap.String("net_profit", record.NetProfit.String()))
	t.events.Emit(observability.Event{
		Component: componentName,
		Kind:      observability.KindSettlement,
		Severity:  observability.SeverityInfo,
		Reason:    "利润已结算",
		Fields:    fields,
		Timestamp: disbursement.CreatedAt,
	})
	return &disbursement, nil
}

// NetProfit 启动以来累计净利润，不受记录淘汰影响
func (t *Tracker) NetProfit() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.netProfit
}
