// Package pool 可复用网络句柄的有界连接池
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/tradecore/internal/observability"
)

const componentName = "pool"

var (
	// ErrPoolTimeout 等待空闲句柄超时
	ErrPoolTimeout = errors.New("连接池等待超时")
	// ErrPoolClosed 连接池已关闭
	ErrPoolClosed = errors.New("连接池已关闭")
)

// Factory 创建与关闭底层句柄
type Factory[T any] interface {
	Create(ctx context.Context) (T, error)
	Close(value T) error
}

// FactoryFuncs 由函数组成的 Factory
type FactoryFuncs[T any] struct {
	CreateFunc func(ctx context.Context) (T, error)
	CloseFunc  func(value T) error
}

// Create 实现 Factory
func (f FactoryFuncs[T]) Create(ctx context.Context) (T, error) {
	return f.CreateFunc(ctx)
}

// Close 实现 Factory
func (f FactoryFuncs[T]) Close(value T) error {
	if f.CloseFunc == nil {
		return nil
	}
	return f.CloseFunc(value)
}

// Config 连接池配置
type Config struct {
	MinSize             int           `mapstructure:"min_size" yaml:"min_size"`
	MaxSize             int           `mapstructure:"max_size" yaml:"max_size"`
	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" yaml:"maintenance_interval"`
	DrainTimeout        time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MinSize:             2,
		MaxSize:             10,
		AcquireTimeout:      5 * time.Second,
		IdleTimeout:         5 * time.Minute,
		MaintenanceInterval: 30 * time.Second,
		DrainTimeout:        10 * time.Second,
	}
}

// Handle 池中的一个句柄
type Handle[T any] struct {
	Value T

	inUse        bool
	createdAt    time.Time
	lastUsedAt   time.Time
	requestCount int64
}

// CreatedAt 创建时间
func (h *Handle[T]) CreatedAt() time.Time { return h.createdAt }

// LastUsedAt 最近一次归还时间
func (h *Handle[T]) LastUsedAt() time.Time { return h.lastUsedAt }

// RequestCount 被借出的次数
func (h *Handle[T]) RequestCount() int64 { return h.requestCount }

// Stats 连接池统计
type Stats struct {
	Total    int   `json:"total"`
	InUse    int   `json:"in_use"`
	Idle     int   `json:"idle"`
	Creating int   `json:"creating"`
	Requests int64 `json:"requests"`
	Timeouts int64 `json:"timeouts"`
	Closed   bool  `json:"closed"`
}

// Pool 有界句柄池，minSize ≤ size ≤ maxSize
type Pool[T any] struct {
	cfg     Config
	factory Factory[T]
	logger  *zap.Logger
	sink    observability.Sink
	now     func() time.Time

	mu        sync.Mutex
	handles   []*Handle[T]
	creating  int
	closed    bool
	releaseCh chan struct{} // 每次有句柄归还或被移除时关闭并替换
	requests  int64
	timeouts  int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建连接池，需调用 Start 预热并启动维护任务
func New[T any](cfg Config, factory Factory[T], logger *zap.Logger, sink observability.Sink) (*Pool[T], error) {
	if cfg.MaxSize < 1 {
		return nil, fmt.Errorf("连接池最大容量必须大于0: %d", cfg.MaxSize)
	}
	if cfg.MinSize < 0 || cfg.MinSize > cfg.MaxSize {
		return nil, fmt.Errorf("连接池最小容量非法: min=%d max=%d", cfg.MinSize, cfg.MaxSize)
	}
	if sink == nil {
		sink = observability.NopSink{}
	}

	return &Pool[T]{
		cfg:       cfg,
		factory:   factory,
		logger:    logger.With(zap.String("component", componentName)),
		sink:      sink,
		now:       time.Now,
		releaseCh: make(chan struct{}),
	}, nil
}

// Start 预热到最小容量并启动维护任务
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.cancel != nil {
		p.mu.Unlock()
		return fmt.Errorf("连接池已启动")
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	if err := p.fillToMin(ctx); err != nil {
		p.logger.Warn("连接池预热未完成", zap.Error(err))
	}

	if p.cfg.MaintenanceInterval > 0 {
		p.wg.Add(1)
		go p.maintenanceLoop(loopCtx)
	}

	p.logger.Info("连接池已启动",
		zap.Int("min_size", p.cfg.MinSize),
		zap.Int("max_size", p.cfg.MaxSize))
	return nil
}

// Acquire 借出一个句柄：优先空闲句柄，其次在容量内新建，否则等待归还直到超时
func (p *Pool[T]) Acquire(ctx context.Context) (*Handle[T], error) {
	var timeout <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if h := p.takeIdleLocked(); h != nil {
			p.mu.Unlock()
			return h, nil
		}

		if len(p.handles)+p.creating < p.cfg.MaxSize {
			p.creating++
			p.mu.Unlock()
			return p.createInUse(ctx)
		}

		wait := p.releaseCh
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			p.mu.Lock()
			p.timeouts++
			stats := p.statsLocked()
			p.mu.Unlock()

			p.logger.Warn("等待空闲句柄超时",
				zap.Duration("timeout", p.cfg.AcquireTimeout),
				zap.Int("in_use", stats.InUse))
			p.sink.Emit(observability.Event{
				Component: componentName,
				Kind:      observability.KindPoolTimeout,
				Severity:  observability.SeverityWarning,
				Reason:    "等待空闲句柄超时",
				Fields: map[string]interface{}{
					"timeout_ms": p.cfg.AcquireTimeout.Milliseconds(),
					"in_use":     stats.InUse,
					"total":      stats.Total,
				},
				Timestamp: p.now(),
			})
			return nil, ErrPoolTimeout
		}
	}
}

// Release 归还句柄，未知句柄忽略
func (p *Pool[T]) Release(h *Handle[T]) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.indexLocked(h) < 0 || !h.inUse {
		return
	}
	h.inUse = false
	h.lastUsedAt = p.now()
	p.notifyLocked()
}

// Invalidate 移除已损坏的句柄，由维护任务补足最小容量
func (p *Pool[T]) Invalidate(h *Handle[T]) {
	if h == nil {
		return
	}
	p.mu.Lock()
	idx := p.indexLocked(h)
	if idx < 0 {
		p.mu.Unlock()
		return
	}
	p.handles = append(p.handles[:idx], p.handles[idx+1:]...)
	p.notifyLocked()
	p.mu.Unlock()

	p.closeValue(h.Value, "句柄失效")
}

// Stats 当前统计
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Drain 停止维护任务，在 DrainTimeout 内等待借出的句柄归还，然后关闭全部句柄
func (p *Pool[T]) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.notifyLocked()
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	drainCtx := ctx
	if p.cfg.DrainTimeout > 0 {
		var cancelDrain context.CancelFunc
		drainCtx, cancelDrain = context.WithTimeout(ctx, p.cfg.DrainTimeout)
		defer cancelDrain()
	}

	for {
		p.mu.Lock()
		inUse := p.statsLocked().InUse
		wait := p.releaseCh
		if inUse == 0 {
			p.mu.Unlock()
			break
		}
		p.mu.Unlock()

		select {
		case <-wait:
			continue
		case <-drainCtx.Done():
		}

		p.logger.Warn("等待句柄归还超时，强制关闭",
			zap.Int("in_use", inUse),
			zap.Duration("drain_timeout", p.cfg.DrainTimeout))
		break
	}

	p.mu.Lock()
	handles := p.handles
	p.handles = nil
	p.mu.Unlock()

	for _, h := range handles {
		p.closeValue(h.Value, "连接池关闭")
	}

	p.logger.Info("连接池已关闭", zap.Int("closed_handles", len(handles)))
	return nil
}

func (p *Pool[T]) maintenanceLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evictIdle()
			if err := p.fillToMin(ctx); err != nil {
				p.logger.Error("补充连接池最小容量失败", zap.Error(err))
			}
		}
	}
}

// evictIdle 移除空闲过久的句柄，不低于最小容量
func (p *Pool[T]) evictIdle() int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}

	p.mu.Lock()
	now := p.now()
	var evicted []*Handle[T]
	kept := p.handles[:0]
	for _, h := range p.handles {
		removable := len(p.handles)-len(evicted) > p.cfg.MinSize
		if removable && !h.inUse && now.Sub(h.lastUsedAt) > p.cfg.IdleTimeout {
			evicted = append(evicted, h)
			continue
		}
		kept = append(kept, h)
	}
	p.handles = kept
	if len(evicted) > 0 {
		p.notifyLocked()
	}
	p.mu.Unlock()

	for _, h := range evicted {
		p.closeValue(h.Value, "空闲超时")
	}
	if len(evicted) > 0 {
		p.logger.Debug("已回收空闲句柄", zap.Int("count", len(evicted)))
	}
	return len(evicted)
}

// fillToMin 补足到最小容量
func (p *Pool[T]) fillToMin(ctx context.Context) error {
	var errs []error
	for {
		p.mu.Lock()
		if p.closed || len(p.handles)+p.creating >= p.cfg.MinSize {
			p.mu.Unlock()
			return errors.Join(errs...)
		}
		p.creating++
		p.mu.Unlock()

		value, err := p.factory.Create(ctx)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			errs = append(errs, err)
			return errors.Join(errs...)
		}
		if p.closed {
			p.mu.Unlock()
			p.closeValue(value, "连接池已关闭")
			return errors.Join(errs...)
		}
		now := p.now()
		p.handles = append(p.handles, &Handle[T]{Value: value, createdAt: now, lastUsedAt: now})
		p.notifyLocked()
		p.mu.Unlock()
	}
}

// createInUse 在锁外新建句柄并直接借出，调用前已占用 creating 名额
func (p *Pool[T]) createInUse(ctx context.Context) (*Handle[T], error) {
	value, err := p.factory.Create(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.notifyLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("创建句柄失败: %w", err)
	}
	if p.closed {
		p.mu.Unlock()
		p.closeValue(value, "连接池已关闭")
		return nil, ErrPoolClosed
	}

	now := p.now()
	h := &Handle[T]{Value: value, inUse: true, createdAt: now, lastUsedAt: now, requestCount: 1}
	p.handles = append(p.handles, h)
	p.requests++
	p.mu.Unlock()
	return h, nil
}

func (p *Pool[T]) takeIdleLocked() *Handle[T] {
	for _, h := range p.handles {
		if !h.inUse {
			h.inUse = true
			h.requestCount++
			p.requests++
			return h
		}
	}
	return nil
}

func (p *Pool[T]) indexLocked(h *Handle[T]) int {
	for i, candidate := range p.handles {
		if candidate == h {
			return i
		}
	}
	return -1
}

// notifyLocked 唤醒所有等待者
func (p *Pool[T]) notifyLocked() {
	close(p.releaseCh)
	p.releaseCh = make(chan struct{})
}

func (p *Pool[T]) statsLocked() Stats {
	s := Stats{
		Total:    len(p.handles),
		Creating: p.creating,
		Requests: p.requests,
		Timeouts: p.timeouts,
		Closed:   p.closed,
	}
	for _, h := range p.handles {
		if h.inUse {
			s.InUse++
		}
	}
	s.Idle = s.Total - s.InUse
	return s
}

func (p *Pool[T]) closeValue(value T, reason string) {
	if err := p.factory.Close(value); err != nil {
		p.logger.Warn("关闭句柄失败", zap.String("reason", reason), zap.Error(err))
	}
}
