package breaker

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/tradecore/internal/model"
	"github.com/life2you_mini/tradecore/internal/observability"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		MaxConsecutiveErrors: 3,
		MaxErrorRate:         0.5,
		ErrorRateWindow:      time.Minute,
		MinSamples:           5,
		MaxTotalLoss:         10,
		MaxLossPercent:       50,
		CapitalBase:          100,
		MaxSingleTradeLoss:   5,
		ResetTimeout:         30 * time.Second,
		HalfOpenMaxAttempts:  3,
	}
}

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *fakeClock, *observability.RecordingSink) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	sink := &observability.RecordingSink{}
	b := New(cfg, zaptest.NewLogger(t), sink)
	b.now = clock.Now
	b.changedAt = clock.Now()
	return b, clock, sink
}

func fail(b *Breaker, loss float64) {
	b.RecordTrade(model.NewFailureOutcome(loss, model.ErrorTagSubmission, b.now()))
}

func succeed(b *Breaker, profit float64) {
	b.RecordTrade(model.NewSuccessOutcome(profit, b.now()))
}

func TestBreaker_ConsecutiveErrorsOpenThenHalfOpen(t *testing.T) {
	b, clock, _ := newTestBreaker(t, testConfig())

	fail(b, 0.1)
	fail(b, 0.1)
	assert.Equal(t, StateClosed, b.State())

	fail(b, 0.1)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.AllowRequest())

	clock.Advance(30 * time.Second)
	assert.True(t, b.AllowRequest())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_OpenBlocksUntilResetTimeout(t *testing.T) {
	b, clock, _ := newTestBreaker(t, testConfig())
	b.ForceOpen("测试")

	for i := 0; i < 29; i++ {
		clock.Advance(time.Second)
		decision := b.Allow()
		require.False(t, decision.Allowed, "第 %d 秒不应放行", i+1)
		assert.Equal(t, StateOpen, decision.State)
		assert.NotEmpty(t, decision.Reason)
	}

	clock.Advance(time.Second)
	assert.True(t, b.AllowRequest())
}

func TestBreaker_HalfOpenProbeBudget(t *testing.T) {
	b, clock, _ := newTestBreaker(t, testConfig())
	b.ForceOpen("测试")
	clock.Advance(time.Minute)

	// 转入半开的那次请求计为第一次探测
	allowed := 0
	for i := 0; i < 10; i++ {
		if b.AllowRequest() {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
	assert.Equal(t, StateHalfOpen, b.State())

	status := b.Status()
	assert.Equal(t, 3, status.HalfOpenAttempts)
}

func TestBreaker_HalfOpenOutcome(t *testing.T) {
	tests := []struct {
		name     string
		record   func(b *Breaker)
		expected State
	}{
		{
			name:     "探测成功-恢复",
			record:   func(b *Breaker) { succeed(b, 0.2) },
			expected: StateClosed,
		},
		{
			name:     "探测失败-重新熔断",
			record:   func(b *Breaker) { fail(b, 0.1) },
			expected: StateOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock, _ := newTestBreaker(t, testConfig())
			b.ForceOpen("测试")
			clock.Advance(time.Minute)
			require.True(t, b.AllowRequest())

			clock.Advance(time.Second)
			tt.record(b)
			assert.Equal(t, tt.expected, b.State())
			assert.Equal(t, clock.Now(), b.Status().ChangedAt)
		})
	}
}

func TestBreaker_OpenIsIdempotent(t *testing.T) {
	b, clock, sink := newTestBreaker(t, testConfig())

	b.ForceOpen("第一次")
	openedAt := b.Status().ChangedAt

	clock.Advance(10 * time.Second)
	b.ForceOpen("第二次")
	fail(b, 0.1)
	fail(b, 0.1)
	fail(b, 0.1)

	status := b.Status()
	assert.Equal(t, StateOpen, status.State)
	assert.Equal(t, openedAt, status.ChangedAt)
	assert.Contains(t, status.OpenReason, "第一次")
	assert.Len(t, sink.ByKind(observability.KindStateTransition), 1)
}

func TestBreaker_ErrorRateRequiresMinSamples(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveErrors = 100
	b, _, _ := newTestBreaker(t, cfg)

	fail(b, 0.01)
	succeed(b, 0.01)
	fail(b, 0.01)
	succeed(b, 0.01)
	assert.Equal(t, StateClosed, b.State(), "样本不足时不计算错误率")

	fail(b, 0.01)
	assert.Equal(t, StateOpen, b.State())
	assert.InDelta(t, 0.6, b.Status().ErrorRate, 1e-9)
}

func TestBreaker_ErrorRateWindowPrunesOldRecords(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveErrors = 100
	b, clock, _ := newTestBreaker(t, cfg)

	fail(b, 0.01)
	fail(b, 0.01)
	succeed(b, 0.01)

	clock.Advance(2 * time.Minute)
	succeed(b, 0.01)
	succeed(b, 0.01)
	succeed(b, 0.01)
	fail(b, 0.01)
	succeed(b, 0.01)

	status := b.Status()
	assert.Equal(t, StateClosed, status.State)
	assert.Equal(t, 5, status.WindowSize)
	assert.InDelta(t, 0.2, status.ErrorRate, 1e-9)
}

func TestBreaker_LossTriggers(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func(c *Config)
		trades  []float64 // 负数为亏损，以成功交易上报以隔离错误类条件
		trigger string
	}{
		{
			name:    "累计亏损低于下限",
			cfg:     func(c *Config) { c.MaxTotalLoss = 3 },
			trades:  []float64{-1, -1, -1, -1},
			trigger: "total_loss",
		},
		{
			name: "亏损比例达到上限",
			cfg: func(c *Config) {
				c.MaxTotalLoss = 1000
				c.MaxLossPercent = 2
			},
			trades:  []float64{-1, -1},
			trigger: "loss_percent",
		},
		{
			name:    "单笔亏损超过上限",
			cfg:     func(c *Config) { c.MaxSingleTradeLoss = 0.5 },
			trades:  []float64{0.3, -0.6},
			trigger: "single_trade_loss",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.cfg(&cfg)
			b, _, sink := newTestBreaker(t, cfg)

			for _, pnl := range tt.trades {
				b.RecordTrade(model.TradeOutcome{Success: true, ProfitLoss: pnl, Timestamp: b.now()})
			}

			assert.Equal(t, StateOpen, b.State())
			breaches := sink.ByKind(observability.KindThresholdBreach)
			require.Len(t, breaches, 1)
			assert.Equal(t, tt.trigger, breaches[0].Fields["trigger"])
		})
	}
}

func TestBreaker_NonFiniteProfitLossCountedAsZero(t *testing.T) {
	tests := []struct {
		name string
		pnl  float64
	}{
		{name: "NaN", pnl: math.NaN()},
		{name: "正无穷", pnl: math.Inf(1)},
		{name: "负无穷", pnl: math.Inf(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxTotalLoss = 3
			b, _, _ := newTestBreaker(t, cfg)

			b.RecordTrade(model.TradeOutcome{Success: true, ProfitLoss: tt.pnl, Timestamp: b.now()})
			assert.Equal(t, 0.0, b.Status().TotalProfitLoss)
			assert.Equal(t, StateClosed, b.State())

			// 累计亏损触发条件仍然有效
			for i := 0; i < 4; i++ {
				b.RecordTrade(model.TradeOutcome{Success: true, ProfitLoss: -1, Timestamp: b.now()})
			}
			assert.Equal(t, StateOpen, b.State())
		})
	}
}

func TestBreaker_SingleTradeLossAtCapDoesNotTrip(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSingleTradeLoss = 0.5
	b, _, _ := newTestBreaker(t, cfg)

	fail(b, 0.5)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ResetKeepsProfitLoss(t *testing.T) {
	b, _, sink := newTestBreaker(t, testConfig())

	fail(b, 1)
	fail(b, 1)
	fail(b, 1)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	status := b.Status()
	assert.Equal(t, StateClosed, status.State)
	assert.Equal(t, 0, status.ConsecutiveErrors)
	assert.Equal(t, 0, status.WindowSize)
	assert.InDelta(t, -3.0, status.TotalProfitLoss, 1e-9)
	assert.True(t, b.AllowRequest())

	transitions := sink.ByKind(observability.KindStateTransition)
	require.Len(t, transitions, 2)
	assert.Equal(t, "CLOSED", transitions[0].Fields["from"])
	assert.Equal(t, "OPEN", transitions[0].Fields["to"])
	assert.Equal(t, "OPEN", transitions[1].Fields["from"])
	assert.Equal(t, "CLOSED", transitions[1].Fields["to"])
}

func TestBreaker_Restore(t *testing.T) {
	b, _, _ := newTestBreaker(t, testConfig())
	changedAt := time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)

	b.Restore(Status{
		State:             StateOpen,
		ChangedAt:         changedAt,
		ConsecutiveErrors: 4,
		TotalProfitLoss:   -2.5,
		OpenReason:        "恢复",
	})

	status := b.Status()
	assert.Equal(t, StateOpen, status.State)
	assert.Equal(t, changedAt, status.ChangedAt)
	assert.Equal(t, 4, status.ConsecutiveErrors)
	assert.InDelta(t, -2.5, status.TotalProfitLoss, 1e-9)

	// 快照时间早于重置时间，下一次请求即进入半开
	assert.True(t, b.AllowRequest())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		expected bool
	}{
		{StateClosed, StateOpen, true},
		{StateOpen, StateHalfOpen, true},
		{StateHalfOpen, StateClosed, true},
		{StateHalfOpen, StateOpen, true},
		{StateClosed, StateHalfOpen, false},
		{StateOpen, StateClosed, false},
		{StateClosed, StateClosed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.expected, CanTransition(tt.from, tt.to))
		})
	}
}

func TestBreaker_ConcurrentRecords(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveErrors = 1000
	cfg.MinSamples = 1000000
	cfg.MaxTotalLoss = 1e9
	cfg.MaxLossPercent = 1e9
	cfg.MaxSingleTradeLoss = 1e9
	b, _, _ := newTestBreaker(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				fail(b, 0.01)
				b.AllowRequest()
			}
		}()
	}
	wg.Wait()

	status := b.Status()
	assert.Equal(t, 500, status.ConsecutiveErrors)
	assert.InDelta(t, -5.0, status.TotalProfitLoss, 1e-6)
	assert.Equal(t, StateClosed, status.State)
}
