package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/life2you_mini/tradecore/internal/breaker"
	"github.com/life2you_mini/tradecore/internal/execution"
	"github.com/life2you_mini/tradecore/internal/pool"
	"github.com/life2you_mini/tradecore/internal/profit"
	"github.com/life2you_mini/tradecore/internal/risk"
)

// ErrInvalidConfig 配置校验失败，启动时致命
var ErrInvalidConfig = errors.New("配置无效")

// Config 应用配置结构
type Config struct {
	Solana    SolanaConfig     `mapstructure:"solana" yaml:"solana"`
	Pool      pool.Config      `mapstructure:"pool" yaml:"pool"`
	Breaker   BreakerConfig    `mapstructure:"breaker" yaml:"breaker"`
	Risk      RiskConfig       `mapstructure:"risk" yaml:"risk"`
	Execution execution.Config `mapstructure:"execution" yaml:"execution"`
	Profit    ProfitConfig     `mapstructure:"profit" yaml:"profit"`
	Trading   TradingConfig    `mapstructure:"trading" yaml:"trading"`
	Redis     RedisConfig      `mapstructure:"redis" yaml:"redis"`
	System    SystemConfig     `mapstructure:"system" yaml:"system"`
	Metrics   MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// SolanaConfig 账本RPC配置
type SolanaConfig struct {
	RPCURL       string        `mapstructure:"rpc_url" yaml:"rpc_url"` // 可由 SOLANA_RPC_URL 覆盖
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Commitment   string        `mapstructure:"commitment" yaml:"commitment"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors" yaml:"max_consecutive_errors"`
	MaxErrorRate         float64       `mapstructure:"max_error_rate" yaml:"max_error_rate"`
	ErrorRateWindow      time.Duration `mapstructure:"error_rate_window" yaml:"error_rate_window"`
	MinSamples           int           `mapstructure:"min_samples" yaml:"min_samples"`
	MaxTotalLoss         float64       `mapstructure:"max_total_loss" yaml:"max_total_loss"`
	MaxLossPercent       float64       `mapstructure:"max_loss_percent" yaml:"max_loss_percent"`
	CapitalBase          float64       `mapstructure:"capital_base" yaml:"capital_base"`
	MaxSingleTradeLoss   float64       `mapstructure:"max_single_trade_loss" yaml:"max_single_trade_loss"`
	ResetTimeout         time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenMaxAttempts  int           `mapstructure:"half_open_max_attempts" yaml:"half_open_max_attempts"`
}

// ToBreakerConfig 转换为熔断器配置
func (c BreakerConfig) ToBreakerConfig() breaker.Config {
	return breaker.Config{
		MaxConsecutiveErrors: c.MaxConsecutiveErrors,
		MaxErrorRate:         c.MaxErrorRate,
		ErrorRateWindow:      c.ErrorRateWindow,
		MinSamples:           c.MinSamples,
		MaxTotalLoss:         c.MaxTotalLoss,
		MaxLossPercent:       c.MaxLossPercent,
		CapitalBase:          c.CapitalBase,
		MaxSingleTradeLoss:   c.MaxSingleTradeLoss,
		ResetTimeout:         c.ResetTimeout,
		HalfOpenMaxAttempts:  c.HalfOpenMaxAttempts,
	}
}

// RiskConfig 风控配置
type RiskConfig struct {
	Parameters       risk.Parameters `mapstructure:"parameters" yaml:"parameters"`
	ReferenceCapital float64         `mapstructure:"reference_capital" yaml:"reference_capital"` // 计算回撤的资金基数（SOL）
}

// ProfitConfig 收益结算配置
type ProfitConfig struct {
	Destinations []profit.Destination `mapstructure:"destinations" yaml:"destinations"`
	MaxRecords   int                  `mapstructure:"max_records" yaml:"max_records"`
	Retention    time.Duration        `mapstructure:"retention" yaml:"retention"`
	AutoSettle   bool                 `mapstructure:"auto_settle" yaml:"auto_settle"`
}

// TradingConfig 交易流程配置
type TradingConfig struct {
	Workers     int           `mapstructure:"workers" yaml:"workers"`
	PopTimeout  time.Duration `mapstructure:"pop_timeout" yaml:"pop_timeout"`
	TaskTimeout time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	Password  string `mapstructure:"password" yaml:"password"` // 可由 REDIS_PASSWORD 覆盖
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// Addr 连接地址
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SystemConfig 系统配置
type SystemConfig struct {
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"`
	LogDir          string        `mapstructure:"log_dir" yaml:"log_dir"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// LoadConfig 从文件加载配置，环境变量优先
func LoadConfig(filePath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(filePath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 环境变量覆盖，如 TRADECORE_REDIS_HOST
	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if rpcURL := os.Getenv("SOLANA_RPC_URL"); rpcURL != "" {
		v.Set("solana.rpc_url", rpcURL)
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		v.Set("redis.password", redisPassword)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// LoadConfigFromYAML 直接用 yaml.v3 解析配置文件，未填写的字段使用默认值
func LoadConfigFromYAML(filePath string) (*Config, error) {
	yamlFile, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return config, nil
}

// Validate 验证配置有效性
func (c *Config) Validate() error {
	if c.Solana.RPCURL == "" {
		return fmt.Errorf("%w: Solana RPC地址不能为空", ErrInvalidConfig)
	}

	if c.Pool.MaxSize < 1 {
		return fmt.Errorf("%w: 连接池最大容量必须大于0", ErrInvalidConfig)
	}
	if c.Pool.MinSize < 0 || c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("%w: 连接池最小容量必须在 0 到 %d 之间", ErrInvalidConfig, c.Pool.MaxSize)
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("%w: 获取连接超时必须大于0", ErrInvalidConfig)
	}

	b := c.Breaker
	switch {
	case b.MaxConsecutiveErrors <= 0:
		return fmt.Errorf("%w: 熔断连续错误上限必须大于0", ErrInvalidConfig)
	case b.MaxErrorRate <= 0 || b.MaxErrorRate > 1:
		return fmt.Errorf("%w: 熔断错误率上限必须在 (0,1] 之间", ErrInvalidConfig)
	case b.ErrorRateWindow <= 0:
		return fmt.Errorf("%w: 错误率统计窗口必须大于0", ErrInvalidConfig)
	case b.MinSamples < 1:
		return fmt.Errorf("%w: 错误率最小样本数至少为1", ErrInvalidConfig)
	case b.MaxTotalLoss <= 0, b.MaxLossPercent <= 0, b.MaxSingleTradeLoss <= 0:
		return fmt.Errorf("%w: 熔断亏损上限必须大于0", ErrInvalidConfig)
	case b.CapitalBase <= 0:
		return fmt.Errorf("%w: 熔断资金基数必须大于0", ErrInvalidConfig)
	case b.ResetTimeout <= 0:
		return fmt.Errorf("%w: 熔断恢复等待时间必须大于0", ErrInvalidConfig)
	case b.HalfOpenMaxAttempts <= 0:
		return fmt.Errorf("%w: 半开探测次数必须大于0", ErrInvalidConfig)
	}

	if err := c.Risk.Parameters.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Risk.ReferenceCapital <= 0 {
		return fmt.Errorf("%w: 风控资金基数必须大于0", ErrInvalidConfig)
	}

	if c.Execution.MaxAttempts < 1 {
		return fmt.Errorf("%w: 最大尝试次数至少为1", ErrInvalidConfig)
	}
	if c.Execution.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: 退避倍数不能小于1", ErrInvalidConfig)
	}
	if c.Execution.FeeMultiplier < 1 {
		return fmt.Errorf("%w: 手续费倍数不能小于1", ErrInvalidConfig)
	}

	if err := profit.ValidateDestinations(c.Profit.Destinations); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Profit.MaxRecords < 0 {
		return fmt.Errorf("%w: 收益记录上限不能为负", ErrInvalidConfig)
	}

	if c.Trading.Workers < 1 {
		return fmt.Errorf("%w: 交易工作协程数至少为1", ErrInvalidConfig)
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("%w: Redis主机不能为空", ErrInvalidConfig)
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		return fmt.Errorf("%w: 无效的Redis端口", ErrInvalidConfig)
	}

	if c.System.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: 关闭超时必须大于0", ErrInvalidConfig)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("%w: 指标监听地址不能为空", ErrInvalidConfig)
	}

	return nil
}

// GetDefaultConfig 获取默认配置（用于生成示例配置）
func GetDefaultConfig() *Config {
	bc := breaker.DefaultConfig()
	return &Config{
		Solana: SolanaConfig{
			RPCURL:       "https://api.mainnet-beta.solana.com",
			Timeout:      30 * time.Second,
			MaxRetries:   3,
			RetryDelay:   500 * time.Millisecond,
			PollInterval: 500 * time.Millisecond,
			Commitment:   "confirmed",
		},
		Pool: pool.DefaultConfig(),
		Breaker: BreakerConfig{
			MaxConsecutiveErrors: bc.MaxConsecutiveErrors,
			MaxErrorRate:         bc.MaxErrorRate,
			ErrorRateWindow:      bc.ErrorRateWindow,
			MinSamples:           bc.MinSamples,
			MaxTotalLoss:         bc.MaxTotalLoss,
			MaxLossPercent:       bc.MaxLossPercent,
			CapitalBase:          bc.CapitalBase,
			MaxSingleTradeLoss:   bc.MaxSingleTradeLoss,
			ResetTimeout:         bc.ResetTimeout,
			HalfOpenMaxAttempts:  bc.HalfOpenMaxAttempts,
		},
		Risk: RiskConfig{
			Parameters:       risk.DefaultParameters(),
			ReferenceCapital: 100,
		},
		Execution: execution.DefaultConfig(),
		Profit: ProfitConfig{
			Destinations: []profit.Destination{
				{Name: "treasury", Address: "Treasury1111111111111111111111111111111111", Percent: 0.5},
				{Name: "operations", Address: "Operations111111111111111111111111111111111", Percent: 0.3},
				{Name: "reserve", Address: "Reserve11111111111111111111111111111111111", Percent: 0.2},
			},
			MaxRecords: profit.DefaultMaxRecords,
			Retention:  30 * 24 * time.Hour,
			AutoSettle: true,
		},
		Trading: TradingConfig{
			Workers:     2,
			PopTimeout:  5 * time.Second,
			TaskTimeout: 2 * time.Minute,
		},
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			KeyPrefix: "tradecore:",
		},
		System: SystemConfig{
			LogLevel:        "INFO",
			LogDir:          "./logs",
			MonitorInterval: 30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Addr:      ":9090",
			Namespace: "tradecore",
		},
	}
}

// setDefaults 将默认配置注册到 viper，配置文件未填写的键使用默认值
func setDefaults(v *viper.Viper) {
	d := GetDefaultConfig()

	v.SetDefault("solana.timeout", d.Solana.Timeout)
	v.SetDefault("solana.max_retries", d.Solana.MaxRetries)
	v.SetDefault("solana.retry_delay", d.Solana.RetryDelay)
	v.SetDefault("solana.poll_interval", d.Solana.PollInterval)
	v.SetDefault("solana.commitment", d.Solana.Commitment)

	v.SetDefault("pool.min_size", d.Pool.MinSize)
	v.SetDefault("pool.max_size", d.Pool.MaxSize)
	v.SetDefault("pool.acquire_timeout", d.Pool.AcquireTimeout)
	v.SetDefault("pool.idle_timeout", d.Pool.IdleTimeout)
	v.SetDefault("pool.maintenance_interval", d.Pool.MaintenanceInterval)
	v.SetDefault("pool.drain_timeout", d.Pool.DrainTimeout)

	v.SetDefault("breaker.max_consecutive_errors", d.Breaker.MaxConsecutiveErrors)
	v.SetDefault("breaker.max_error_rate", d.Breaker.MaxErrorRate)
	v.SetDefault("breaker.error_rate_window", d.Breaker.ErrorRateWindow)
	v.SetDefault("breaker.min_samples", d.Breaker.MinSamples)
	v.SetDefault("breaker.max_total_loss", d.Breaker.MaxTotalLoss)
	v.SetDefault("breaker.max_loss_percent", d.Breaker.MaxLossPercent)
	v.SetDefault("breaker.capital_base", d.Breaker.CapitalBase)
	v.SetDefault("breaker.max_single_trade_loss", d.Breaker.MaxSingleTradeLoss)
	v.SetDefault("breaker.reset_timeout", d.Breaker.ResetTimeout)
	v.SetDefault("breaker.half_open_max_attempts", d.Breaker.HalfOpenMaxAttempts)

	v.SetDefault("risk.parameters.max_slippage_bps", d.Risk.Parameters.MaxSlippageBps)
	v.SetDefault("risk.parameters.max_drawdown_bps", d.Risk.Parameters.MaxDrawdownBps)
	v.SetDefault("risk.parameters.min_profit_threshold", d.Risk.Parameters.MinProfitThreshold)
	v.SetDefault("risk.parameters.max_trade_size_sol", d.Risk.Parameters.MaxTradeSizeSol)
	v.SetDefault("risk.parameters.max_daily_loss_sol", d.Risk.Parameters.MaxDailyLossSol)
	v.SetDefault("risk.parameters.max_consecutive_losses", d.Risk.Parameters.MaxConsecutiveLosses)
	v.SetDefault("risk.reference_capital", d.Risk.ReferenceCapital)

	v.SetDefault("execution.max_attempts", d.Execution.MaxAttempts)
	v.SetDefault("execution.base_delay", d.Execution.BaseDelay)
	v.SetDefault("execution.max_delay", d.Execution.MaxDelay)
	v.SetDefault("execution.backoff_multiplier", d.Execution.BackoffMultiplier)
	v.SetDefault("execution.fee_multiplier", d.Execution.FeeMultiplier)
	v.SetDefault("execution.max_priority_fee", d.Execution.MaxPriorityFee)
	v.SetDefault("execution.confirm_timeout", d.Execution.ConfirmTimeout)
	v.SetDefault("execution.large_bundle_threshold", d.Execution.LargeBundleThreshold)

	v.SetDefault("profit.max_records", d.Profit.MaxRecords)
	v.SetDefault("profit.retention", d.Profit.Retention)
	v.SetDefault("profit.auto_settle", d.Profit.AutoSettle)

	v.SetDefault("trading.workers", d.Trading.Workers)
	v.SetDefault("trading.pop_timeout", d.Trading.PopTimeout)
	v.SetDefault("trading.task_timeout", d.Trading.TaskTimeout)

	v.SetDefault("redis.host", d.Redis.Host)
	v.SetDefault("redis.port", d.Redis.Port)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)

	v.SetDefault("system.log_level", d.System.LogLevel)
	v.SetDefault("system.log_dir", d.System.LogDir)
	v.SetDefault("system.monitor_interval", d.System.MonitorInterval)
	v.SetDefault("system.shutdown_timeout", d.System.ShutdownTimeout)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
}

// SaveConfigToFile 将配置保存到文件，不包含敏感信息
func SaveConfigToFile(config *Config, filePath string) error {
	sanitized := *config
	sanitized.Redis.Password = ""

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}
