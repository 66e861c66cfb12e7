// Package observability 状态变更、阈值突破、回滚告警等事件的单向输出
package observability

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 事件类型
const (
	KindStateTransition      = "state_transition"
	KindThresholdBreach      = "threshold_breach"
	KindEmergencyStop        = "emergency_stop"
	KindEmergencyStopCleared = "emergency_stop_cleared"
	KindRollbackRequired     = "rollback_required"
	KindParametersUpdated    = "parameters_updated"
	KindSettlement           = "settlement"
	KindPoolTimeout          = "pool_timeout"
)

// 事件级别
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Event 一条可用于告警的结构化事件
type Event struct {
	Component string                 `json:"component"`
	Kind      string                 `json:"kind"`
	Severity  string                 `json:"severity"`
	Reason    string                 `json:"reason"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Sink 事件输出，调用方不关心结果
type Sink interface {
	Emit(event Event)
}

// NopSink 丢弃所有事件
type NopSink struct{}

// Emit 实现 Sink
func (NopSink) Emit(Event) {}

// MultiSink 将事件广播到多个输出
type MultiSink []Sink

// Emit 实现 Sink
func (m MultiSink) Emit(event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(event)
		}
	}
}

// ZapSink 将事件写入日志
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink 创建日志事件输出
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.With(zap.String("component", "events"))}
}

// Emit 实现 Sink，按级别选择日志等级
func (s *ZapSink) Emit(event Event) {
	fields := make([]zap.Field, 0, len(event.Fields)+4)
	fields = append(fields,
		zap.String("source", event.Component),
		zap.String("kind", event.Kind),
		zap.String("reason", event.Reason),
		zap.Time("event_time", event.Timestamp),
	)

	keys := make([]string, 0, len(event.Fields))
	for k := range event.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, event.Fields[k]))
	}

	switch event.Severity {
	case SeverityCritical:
		s.logger.Error("告警事件", fields...)
	case SeverityWarning:
		s.logger.Warn("告警事件", fields...)
	default:
		s.logger.Info("事件", fields...)
	}
}

// RecordingSink 在内存中保存事件，测试和诊断使用
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

// Emit 实现 Sink
func (r *RecordingSink) Emit(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events 返回已记录事件的副本
func (r *RecordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByKind 按类型过滤事件
func (r *RecordingSink) ByKind(kind string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
