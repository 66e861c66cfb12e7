package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/tradecore/internal/breaker"
	"github.com/life2you_mini/tradecore/internal/mocks"
	"github.com/life2you_mini/tradecore/internal/observability"
	"github.com/life2you_mini/tradecore/internal/pool"
	"github.com/life2you_mini/tradecore/internal/risk"
)

type fakePool struct {
	stats pool.Stats
}

func (f fakePool) Stats() pool.Stats { return f.stats }

func newMonitor(t *testing.T, store SnapshotStore) (*StateMonitor, *breaker.Breaker, *risk.Gate, *observability.Metrics) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cb := breaker.New(breaker.DefaultConfig(), logger, nil)
	gate := risk.NewGate(risk.DefaultParameters(), 100, logger, nil)
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	m := NewStateMonitor(cb, gate, fakePool{stats: pool.Stats{Total: 3, InUse: 1, Idle: 2}}, nil, store, metrics, logger)
	return m, cb, gate, metrics
}

func TestCheck_PersistsAndRefreshesGauges(t *testing.T) {
	store := &mocks.MockSnapshotStore{}
	m, cb, gate, metrics := newMonitor(t, store)

	cb.ForceOpen("人工熔断")
	gate.TriggerEmergencyStop("人工")

	store.On("SaveBreakerStatus", mock.Anything, mock.MatchedBy(func(s breaker.Status) bool {
		return s.State == breaker.StateOpen
	})).Return(nil).Once()
	store.On("SaveRiskSnapshot", mock.Anything, mock.MatchedBy(func(s risk.Snapshot) bool {
		return s.Parameters.EmergencyStop
	})).Return(nil).Once()

	require.NoError(t, m.Check(context.Background()))

	assert.Equal(t, float64(observability.BreakerOpenValue), testutil.ToFloat64(metrics.BreakerState))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EmergencyStop))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.PoolHandles.WithLabelValues("total")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PoolHandles.WithLabelValues("in_use")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PoolHandles.WithLabelValues("idle")))
	store.AssertExpectations(t)
}

func TestCheck_StoreFailureStillSavesRisk(t *testing.T) {
	store := &mocks.MockSnapshotStore{}
	m, _, _, _ := newMonitor(t, store)

	store.On("SaveBreakerStatus", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()
	store.On("SaveRiskSnapshot", mock.Anything, mock.Anything).Return(nil).Once()

	err := m.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "熔断器快照")
	store.AssertExpectations(t)
}

func TestCheck_WithoutStore(t *testing.T) {
	m, _, _, metrics := newMonitor(t, nil)
	require.NoError(t, m.Check(context.Background()))
	assert.Equal(t, float64(observability.BreakerClosedValue), testutil.ToFloat64(metrics.BreakerState))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.EmergencyStop))
}

func TestStart_RunsUntilCanceledAndFlushes(t *testing.T) {
	store := &mocks.MockSnapshotStore{}
	m, _, _, _ := newMonitor(t, store)
	m.SetCheckInterval(20 * time.Millisecond)

	var saves atomic.Int32
	store.On("SaveBreakerStatus", mock.Anything, mock.Anything).Return(nil).Run(func(mock.Arguments) { saves.Add(1) })
	store.On("SaveRiskSnapshot", mock.Anything, mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	assert.Eventually(t, func() bool {
		return saves.Load() >= 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("监控未退出")
	}
}

func TestSetCheckInterval_Default(t *testing.T) {
	m, _, _, _ := newMonitor(t, nil)
	m.SetCheckInterval(0)
	assert.Equal(t, DefaultCheckInterval, m.checkInterval)
}
