package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/life2you_mini/tradecore/internal/breaker"
	"github.com/life2you_mini/tradecore/internal/config"
	"github.com/life2you_mini/tradecore/internal/execution"
	"github.com/life2you_mini/tradecore/internal/monitor"
	"github.com/life2you_mini/tradecore/internal/observability"
	"github.com/life2you_mini/tradecore/internal/pool"
	"github.com/life2you_mini/tradecore/internal/profit"
	"github.com/life2you_mini/tradecore/internal/risk"
	"github.com/life2you_mini/tradecore/internal/solana"
	"github.com/life2you_mini/tradecore/internal/storage"
	"github.com/life2you_mini/tradecore/internal/trading"
)

// 管理操作持久化快照的超时
const adminPersistTimeout = 5 * time.Second

// Status 服务整体状态
type Status struct {
	Breaker     breaker.Status `json:"breaker"`
	Risk        risk.Snapshot  `json:"risk"`
	Pool        pool.Stats     `json:"pool"`
	NetProfit   string         `json:"net_profit"`
	QueueLength int64          `json:"queue_length"`
}

// TradeService 交易执行核心服务，持有所有长生命周期组件
type TradeService struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	store    *storage.RedisStorage
	queue    *storage.Queue
	ledgers  *pool.Pool[execution.Ledger]
	breaker  *breaker.Breaker
	gate     *risk.Gate
	executor *execution.Service
	tracker  *profit.Tracker
	trader   *trading.Trader
	monitor  *monitor.StateMonitor

	mu        sync.Mutex
	cancel    context.CancelFunc
	monitorWg sync.WaitGroup
	running   bool
	stopped   bool
}

// Option 服务可选项
type Option func(*options)

type options struct {
	encoder solana.TxEncoder
}

// WithTxEncoder 提交前重新构建并签名交易，使重试提高的优先费写入交易
// 未设置时直接发送步骤中预先签名的交易，优先费只用于日志
func WithTxEncoder(encoder solana.TxEncoder) Option {
	return func(o *options) { o.encoder = encoder }
}

// NewTradeService 按依赖顺序创建所有组件，并从 Redis 恢复上次的状态
func NewTradeService(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*TradeService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.Metrics.Namespace, registry)
	sink := observability.MultiSink{
		observability.NewZapSink(logger),
		observability.NewPrometheusSink(metrics),
	}

	redisClient, err := storage.NewRedisClient(ctx, storage.ClientOptions{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化Redis客户端失败: %w", err)
	}
	store := storage.NewRedisStorage(redisClient, storage.Options{
		KeyPrefix:  cfg.Redis.KeyPrefix,
		Retention:  cfg.Profit.Retention,
		MaxRecords: int64(cfg.Profit.MaxRecords),
	}, logger)
	queue := storage.NewQueue(redisClient, cfg.Redis.KeyPrefix, storage.QueueOpportunities)

	factory := &solana.PoolFactory{
		Endpoint: cfg.Solana.RPCURL,
		Options: []solana.ClientOption{
			solana.WithTimeout(cfg.Solana.Timeout),
			solana.WithMaxRetries(cfg.Solana.MaxRetries),
			solana.WithRetryDelay(cfg.Solana.RetryDelay),
			solana.WithPollInterval(cfg.Solana.PollInterval),
			solana.WithCommitment(cfg.Solana.Commitment),
			solana.WithLogger(logger),
		},
	}
	if o.encoder != nil {
		factory.Options = append(factory.Options, solana.WithEncoder(o.encoder))
	}
	ledgers, err := pool.New[execution.Ledger](cfg.Pool, factory, logger, sink)
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("创建连接池失败: %w", err)
	}

	cb := breaker.New(cfg.Breaker.ToBreakerConfig(), logger, sink)
	gate := risk.NewGate(cfg.Risk.Parameters, cfg.Risk.ReferenceCapital, logger, sink)
	executor := execution.NewService(cfg.Execution, ledgers, logger, sink, execution.WithMetrics(metrics))

	splitter, err := profit.NewSplitter(cfg.Profit.Destinations, logger)
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("创建利润分配器失败: %w", err)
	}
	tracker := profit.NewTracker(cfg.Profit.MaxRecords, splitter, logger, sink,
		profit.WithStore(store),
		profit.WithSettlement(store),
		profit.WithMetrics(metrics),
	)

	trader := trading.NewTrader(trading.Config{
		Workers:     cfg.Trading.Workers,
		PopTimeout:  cfg.Trading.PopTimeout,
		TaskTimeout: cfg.Trading.TaskTimeout,
		AutoSettle:  cfg.Profit.AutoSettle,
	}, gate, cb, executor, tracker, queue, logger, trading.WithMetrics(metrics))

	stateMonitor := monitor.NewStateMonitor(cb, gate, ledgers, tracker, store, metrics, logger)
	stateMonitor.SetCheckInterval(cfg.System.MonitorInterval)

	s := &TradeService{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "service")),
		registry: registry,
		metrics:  metrics,
		store:    store,
		queue:    queue,
		ledgers:  ledgers,
		breaker:  cb,
		gate:     gate,
		executor: executor,
		tracker:  tracker,
		trader:   trader,
		monitor:  stateMonitor,
	}
	s.restore(ctx)
	return s, nil
}

// restore 恢复熔断器、风控和收益记录，失败时从空状态启动
func (s *TradeService) restore(ctx context.Context) {
	if status, err := s.store.LoadBreakerStatus(ctx); err != nil {
		s.logger.Warn("加载熔断器快照失败，使用初始状态", zap.Error(err))
	} else if status != nil {
		s.breaker.Restore(*status)
	}

	if snapshot, err := s.store.LoadRiskSnapshot(ctx); err != nil {
		s.logger.Warn("加载风控快照失败，使用初始状态", zap.Error(err))
	} else if snapshot != nil {
		s.gate.Restore(*snapshot)
	}

	var since time.Time
	if s.cfg.Profit.Retention > 0 {
		since = time.Now().Add(-s.cfg.Profit.Retention)
	}
	if _, err := s.tracker.Load(ctx, since); err != nil {
		s.logger.Warn("加载收益记录失败", zap.Error(err))
	}
}

// Start 预热连接池，启动交易消费和状态监控
func (s *TradeService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.stopped {
		return fmt.Errorf("服务已在运行或已停止")
	}
	s.logger.Info("启动交易执行服务")

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.ledgers.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("启动连接池失败: %w", err)
	}

	s.monitorWg.Add(1)
	go func() {
		defer s.monitorWg.Done()
		if err := s.monitor.Start(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.Error("状态监控异常退出", zap.Error(err))
		}
	}()

	if err := s.trader.Start(runCtx); err != nil {
		cancel()
		s.monitorWg.Wait()
		if drainErr := s.ledgers.Drain(ctx); drainErr != nil {
			s.logger.Error("关闭连接池失败", zap.Error(drainErr))
		}
		return fmt.Errorf("启动交易执行器失败: %w", err)
	}

	s.cancel = cancel
	s.running = true
	return nil
}

// Stop 依次停止交易执行器、状态监控、连接池和Redis连接
func (s *TradeService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	if !s.running {
		return s.store.Close(ctx)
	}
	s.logger.Info("停止交易执行服务")

	var firstErr error
	if err := s.trader.Stop(ctx); err != nil {
		s.logger.Error("停止交易执行器失败", zap.Error(err))
		firstErr = err
	}

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.monitorWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("等待状态监控退出超时")
	}

	if err := s.ledgers.Drain(ctx); err != nil {
		s.logger.Error("关闭连接池失败", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	if err := s.store.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	s.running = false
	s.logger.Info("交易执行服务已停止")
	return firstErr
}

// Submit 将交易机会放入队列
func (s *TradeService) Submit(ctx context.Context, opp trading.TradeOpportunity) error {
	return s.trader.Enqueue(ctx, opp)
}

// Process 同步处理一个交易机会
func (s *TradeService) Process(ctx context.Context, opp trading.TradeOpportunity) trading.Outcome {
	return s.trader.Process(ctx, opp)
}

// ValidateBundle 执行前的静态安全检查
func (s *TradeService) ValidateBundle(bundle execution.Bundle) execution.SafetyReport {
	return s.executor.ValidateBundleSafety(bundle)
}

// ResetBreaker 管理操作：熔断器恢复为 CLOSED
func (s *TradeService) ResetBreaker(ctx context.Context) {
	s.logger.Warn("管理操作：重置熔断器")
	s.breaker.Reset()
	s.persist(ctx)
}

// ForceOpenBreaker 管理操作：立即熔断
func (s *TradeService) ForceOpenBreaker(ctx context.Context, reason string) {
	s.logger.Warn("管理操作：强制熔断", zap.String("reason", reason))
	s.breaker.ForceOpen(reason)
	s.persist(ctx)
}

// TriggerEmergencyStop 管理操作：启用紧急停止
func (s *TradeService) TriggerEmergencyStop(ctx context.Context, reason string) {
	s.gate.TriggerEmergencyStop(reason)
	s.persist(ctx)
}

// DisableEmergencyStop 管理操作：解除紧急停止
func (s *TradeService) DisableEmergencyStop(ctx context.Context) {
	s.gate.DisableEmergencyStop()
	s.persist(ctx)
}

// UpdateRiskParameters 管理操作：部分更新风控参数
func (s *TradeService) UpdateRiskParameters(ctx context.Context, update risk.ParameterUpdate) (risk.Parameters, error) {
	params, err := s.gate.UpdateParameters(update)
	if err != nil {
		return params, err
	}
	s.persist(ctx)
	return params, nil
}

// persist 管理操作后立即保存快照，不等待下一次定时检查
func (s *TradeService) persist(ctx context.Context) {
	persistCtx, cancel := context.WithTimeout(ctx, adminPersistTimeout)
	defer cancel()
	if err := s.monitor.Check(persistCtx); err != nil {
		s.logger.Error("保存状态快照失败", zap.Error(err))
	}
}

// Status 当前服务状态
func (s *TradeService) Status(ctx context.Context) Status {
	status := Status{
		Breaker:   s.breaker.Status(),
		Risk:      s.gate.Snapshot(),
		Pool:      s.ledgers.Stats(),
		NetProfit: s.tracker.NetProfit().String(),
	}
	if n, err := s.queue.Len(ctx); err != nil {
		s.logger.Warn("获取队列长度失败", zap.Error(err))
	} else {
		status.QueueLength = n
	}
	return status
}

// ProfitStats 指定时间窗口内的收益统计，window 为 0 时统计全部记录
func (s *TradeService) ProfitStats(window time.Duration) profit.Stats {
	return s.tracker.Stats(window)
}

// Gatherer 指标采集入口
func (s *TradeService) Gatherer() prometheus.Gatherer {
	return s.registry
}
