package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 熔断器状态在指标中的取值
const (
	BreakerClosedValue   = 0
	BreakerHalfOpenValue = 1
	BreakerOpenValue     = 2
)

// Metrics Prometheus指标集合
type Metrics struct {
	// 熔断器与风控
	BreakerState       prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec
	EmergencyStop      prometheus.Gauge
	RiskScore          prometheus.Histogram
	TradeDecisions     *prometheus.CounterVec

	// 连接池
	PoolHandles  *prometheus.GaugeVec
	PoolTimeouts prometheus.Counter

	// 执行
	BundlesExecuted   *prometheus.CounterVec
	RetryAttempts     prometheus.Counter
	RollbacksRequired prometheus.Counter
	ExecutionLatency  prometheus.Histogram

	// 收益
	NetProfit      prometheus.Gauge
	TradesRecorded prometheus.Counter
	Settlements    *prometheus.CounterVec

	// 事件
	Events *prometheus.CounterVec
}

// NewMetrics 创建并注册所有指标
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "tradecore"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "0=closed, 1=half_open, 2=open",
		}),
		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker transitions by source and target state",
		}, []string{"from", "to"}),
		EmergencyStop: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "emergency_stop",
			Help:      "1 when the risk gate emergency stop is active",
		}),
		RiskScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "score",
			Help:      "Distribution of pre-trade risk scores",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		TradeDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trading",
			Name:      "decisions_total",
			Help:      "Trade workflow outcomes by status",
		}, []string{"status"}),
		PoolHandles: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "handles",
			Help:      "Pooled RPC handles by state",
		}, []string{"state"}),
		PoolTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_timeouts_total",
			Help:      "Acquire calls that timed out waiting for a free handle",
		}),
		BundlesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "bundles_total",
			Help:      "Bundle attempts by result",
		}, []string{"result"}),
		RetryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "retry_attempts_total",
			Help:      "Bundle attempts beyond the first",
		}),
		RollbacksRequired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "rollbacks_required_total",
			Help:      "Partially committed atomic bundles that need manual compensation",
		}),
		ExecutionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "latency_seconds",
			Help:      "Wall time of one bundle attempt",
			Buckets:   prometheus.DefBuckets,
		}),
		NetProfit: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "profit",
			Name:      "net_total",
			Help:      "Net profit over the rolling ledger",
		}),
		TradesRecorded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "profit",
			Name:      "records_total",
			Help:      "Profit records appended to the ledger",
		}),
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "profit",
			Name:      "settlements_total",
			Help:      "Settlement disbursements by result",
		}, []string{"result"}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Observability events by component and kind",
		}, []string{"component", "kind"}),
	}
}

// Handler 返回 /metrics 处理器
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// PrometheusSink 根据事件更新指标
type PrometheusSink struct {
	metrics *Metrics
}

// NewPrometheusSink 创建指标事件输出
func NewPrometheusSink(metrics *Metrics) *PrometheusSink {
	return &PrometheusSink{metrics: metrics}
}

// Emit 实现 Sink
func (s *PrometheusSink) Emit(event Event) {
	s.metrics.Events.WithLabelValues(event.Component, event.Kind).Inc()

	switch event.Kind {
	case KindStateTransition:
		from, _ := event.Fields["from"].(string)
		to, _ := event.Fields["to"].(string)
		s.metrics.BreakerTransitions.WithLabelValues(from, to).Inc()
		s.metrics.BreakerState.Set(BreakerStateValue(to))
	case KindEmergencyStop:
		s.metrics.EmergencyStop.Set(1)
	case KindEmergencyStopCleared:
		s.metrics.EmergencyStop.Set(0)
	case KindRollbackRequired:
		s.metrics.RollbacksRequired.Inc()
	case KindPoolTimeout:
		s.metrics.PoolTimeouts.Inc()
	case KindSettlement:
		result := "ok"
		if event.Severity != SeverityInfo {
			result = "failed"
		}
		s.metrics.Settlements.WithLabelValues(result).Inc()
	}
}

// BreakerStateValue 熔断器状态名转换为指标值
func BreakerStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return BreakerOpenValue
	case "HALF_OPEN":
		return BreakerHalfOpenValue
	default:
		return BreakerClosedValue
	}
}
