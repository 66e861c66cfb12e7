package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/life2you_mini/tradecore/internal/breaker"
	"github.com/life2you_mini/tradecore/internal/model"
	"github.com/life2you_mini/tradecore/internal/risk"
)

// Redis 键常量
const (
	// 收益记录，按毫秒时间戳排序
	keyProfitRecords = "profit:records"

	// 结算出账队列
	keySettlementPending = "settlement:pending"

	// 状态快照
	keyBreakerStatus = "state:breaker"
	keyRiskSnapshot  = "state:risk"

	// 过期时间（秒）
	expirySnapshot   = 86400 * 7   // 7天
	expirySettlement = 86400 * 30  // 30天
	expiryRecords    = 86400 * 365 // 365天
)

// Options Redis存储选项
type Options struct {
	KeyPrefix  string
	Retention  time.Duration // 收益记录保留时长，0 表示不按时间清理
	MaxRecords int64         // 收益记录上限，0 表示不限
}

// RedisStorage Redis存储实现
type RedisStorage struct {
	client *redis.Client
	logger *zap.Logger
	opts   Options
}

// NewRedisStorage 创建Redis存储
func NewRedisStorage(client *redis.Client, opts Options, logger *zap.Logger) *RedisStorage {
	return &RedisStorage{
		client: client,
		logger: logger.With(zap.String("component", "storage")),
		opts:   opts,
	}
}

// Initialize 初始化Redis存储
func (s *RedisStorage) Initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Error("Redis连接失败", zap.Error(err))
		return fmt.Errorf("redis连接失败: %w", err)
	}

	s.logger.Info("Redis存储初始化成功")
	return nil
}

// Close 关闭Redis连接
func (s *RedisStorage) Close(ctx context.Context) error {
	if err := s.client.Close(); err != nil {
		s.logger.Error("关闭Redis连接失败", zap.Error(err))
		return fmt.Errorf("关闭Redis连接失败: %w", err)
	}

	s.logger.Info("Redis连接已关闭")
	return nil
}

// Health 检查Redis健康状态
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) key(k string) string {
	return s.opts.KeyPrefix + k
}

// SaveRecord 保存收益记录，同时按保留时长和条数上限清理旧记录
func (s *RedisStorage) SaveRecord(ctx context.Context, record model.ProfitRecord) error {
	jsonData, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化收益记录失败: %w", err)
	}

	key := s.key(keyProfitRecords)
	pipe := s.client.TxPipeline()

	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(record.Timestamp.UnixMilli()),
		Member: jsonData,
	})

	if s.opts.Retention > 0 {
		cutoff := record.Timestamp.Add(-s.opts.Retention).UnixMilli()
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	}
	if s.opts.MaxRecords > 0 {
		// 只保留分数最高的 MaxRecords 条
		pipe.ZRemRangeByRank(ctx, key, 0, -s.opts.MaxRecords-1)
	}
	pipe.Expire(ctx, key, time.Duration(expiryRecords)*time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("存储收益记录失败: %w", err)
	}
	return nil
}

// LoadRecords 按时间升序读取 since 之后的收益记录
func (s *RedisStorage) LoadRecords(ctx context.Context, since time.Time) ([]model.ProfitRecord, error) {
	minScore := "-inf"
	if !since.IsZero() {
		minScore = strconv.FormatInt(since.UnixMilli(), 10)
	}

	members, err := s.client.ZRangeByScore(ctx, s.key(keyProfitRecords), &redis.ZRangeBy{
		Min: minScore,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("读取收益记录失败: %w", err)
	}

	records := make([]model.ProfitRecord, 0, len(members))
	for _, member := range members {
		var record model.ProfitRecord
		if err := json.Unmarshal([]byte(member), &record); err != nil {
			s.logger.Warn("解析收益记录失败", zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Disburse 将结算写入待出账队列，三笔转账作为一个整体入队
func (s *RedisStorage) Disburse(ctx context.Context, disbursement model.Disbursement) error {
	jsonData, err := json.Marshal(disbursement)
	if err != nil {
		return fmt.Errorf("序列化结算失败: %w", err)
	}

	key := s.key(keySettlementPending)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, jsonData)
	pipe.Expire(ctx, key, time.Duration(expirySettlement)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("结算入队失败: %w", err)
	}

	s.logger.Info("结算已入队",
		zap.String("record_id", disbursement.RecordID),
		zap.Int("transfers", len(disbursement.Transfers)))
	return nil
}

// PendingDisbursements 按入队顺序读取待出账结算
func (s *RedisStorage) PendingDisbursements(ctx context.Context, limit int64) ([]model.Disbursement, error) {
	items, err := s.client.LRange(ctx, s.key(keySettlementPending), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取待出账结算失败: %w", err)
	}

	result := make([]model.Disbursement, 0, len(items))
	// LPUSH 入队，最早的在列表尾部
	for i := len(items) - 1; i >= 0; i-- {
		var d model.Disbursement
		if err := json.Unmarshal([]byte(items[i]), &d); err != nil {
			s.logger.Warn("解析结算失败", zap.Error(err))
			continue
		}
		result = append(result, d)
		if limit > 0 && int64(len(result)) >= limit {
			break
		}
	}
	return result, nil
}

// SaveBreakerStatus 保存熔断器状态快照
func (s *RedisStorage) SaveBreakerStatus(ctx context.Context, status breaker.Status) error {
	return s.saveJSON(ctx, keyBreakerStatus, status)
}

// LoadBreakerStatus 读取熔断器状态快照，不存在时返回 nil
func (s *RedisStorage) LoadBreakerStatus(ctx context.Context) (*breaker.Status, error) {
	var status breaker.Status
	found, err := s.loadJSON(ctx, keyBreakerStatus, &status)
	if err != nil || !found {
		return nil, err
	}
	return &status, nil
}

// SaveRiskSnapshot 保存风控快照
func (s *RedisStorage) SaveRiskSnapshot(ctx context.Context, snapshot risk.Snapshot) error {
	return s.saveJSON(ctx, keyRiskSnapshot, snapshot)
}

// LoadRiskSnapshot 读取风控快照，不存在时返回 nil
func (s *RedisStorage) LoadRiskSnapshot(ctx context.Context) (*risk.Snapshot, error) {
	var snapshot risk.Snapshot
	found, err := s.loadJSON(ctx, keyRiskSnapshot, &snapshot)
	if err != nil || !found {
		return nil, err
	}
	return &snapshot, nil
}

func (s *RedisStorage) saveJSON(ctx context.Context, key string, v interface{}) error {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), jsonData, time.Duration(expirySnapshot)*time.Second).Err(); err != nil {
		return fmt.Errorf("存储快照失败: %w", err)
	}
	return nil
}

func (s *RedisStorage) loadJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("读取快照失败: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("解析快照失败: %w", err)
	}
	return true, nil
}
