// Package solana Solana JSON-RPC 账本客户端：模拟、发送、确认交易
package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/life2you_mini/tradecore/internal/execution"
)

// 默认配置
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryDelay   = 500 * time.Millisecond
	DefaultMaxDelay     = 5 * time.Second
	DefaultBackoffMult  = 2.0
	DefaultPollInterval = 500 * time.Millisecond

	signatureLength = 64
)

// 确认级别
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// TxEncoder 将步骤转换为已签名的交易字节
type TxEncoder func(step execution.Step) ([]byte, error)

// PayloadEncoder 直接使用步骤中已序列化的交易
func PayloadEncoder(step execution.Step) ([]byte, error) {
	if len(step.Payload) == 0 {
		return nil, fmt.Errorf("步骤 %s 没有交易数据", step.Label)
	}
	return step.Payload, nil
}

// HTTPClient 基于 HTTP JSON-RPC 2.0 的账本客户端，实现 execution.Ledger
type HTTPClient struct {
	endpoint     string
	client       *http.Client
	logger       *zap.Logger
	encoder      TxEncoder
	maxRetries   int
	retryDelay   time.Duration
	maxDelay     time.Duration
	backoffMult  float64
	pollInterval time.Duration
	commitment   string
	requestID    atomic.Uint64
}

var _ execution.Ledger = (*HTTPClient)(nil)

// ClientOption 客户端选项
type ClientOption func(*HTTPClient)

// WithTimeout 设置 HTTP 超时
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries 设置最大重试次数
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay 设置首次重试等待时间
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithMaxDelay 设置最大重试等待时间
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.maxDelay = d
	}
}

// WithHTTPClient 使用自定义 http.Client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *HTTPClient) {
		c.logger = logger.With(zap.String("component", "solana_rpc"))
	}
}

// WithEncoder 设置交易编码器
func WithEncoder(encoder TxEncoder) ClientOption {
	return func(c *HTTPClient) {
		c.encoder = encoder
	}
}

// WithPollInterval 设置确认轮询间隔
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.pollInterval = d
	}
}

// WithCommitment 设置确认级别
func WithCommitment(commitment string) ClientOption {
	return func(c *HTTPClient) {
		c.commitment = commitment
	}
}

// NewHTTPClient 创建 Solana RPC 客户端
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:     endpoint,
		client:       &http.Client{Timeout: DefaultTimeout},
		logger:       zap.NewNop(),
		encoder:      PayloadEncoder,
		maxRetries:   DefaultMaxRetries,
		retryDelay:   DefaultRetryDelay,
		maxDelay:     DefaultMaxDelay,
		backoffMult:  DefaultBackoffMult,
		pollInterval: DefaultPollInterval,
		commitment:   CommitmentConfirmed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError 节点返回的 JSON-RPC 错误，不重试
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC错误 %d: %s", e.Code, e.Message)
}

// call 执行一次 JSON-RPC 调用，网络错误按指数退避重试
// 重试用尽后返回的错误包含 execution.ErrLedgerUnavailable
func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("序列化请求失败: %w", err)
	}

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("创建请求失败: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("HTTP请求失败: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("读取响应失败: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("请求被限流 (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("非预期的状态码 %d: %s", resp.StatusCode, string(respBody))
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("解析响应失败: %w", err)
			continue
		}
		if rpcResp.Error != nil {
			return rpcResp.Error
		}

		if result != nil && rpcResp.Result != nil {
			if err := json.Unmarshal(rpcResp.Result, result); err != nil {
				return fmt.Errorf("解析结果失败: %w", err)
			}
		}
		return nil
	}

	c.logger.Warn("RPC请求重试次数已用尽",
		zap.String("method", method),
		zap.Int("max_retries", c.maxRetries),
		zap.Error(lastErr))
	return fmt.Errorf("%w: %s 重试 %d 次后失败: %v", execution.ErrLedgerUnavailable, method, c.maxRetries, lastErr)
}

// Health 检查节点健康状态
func (c *HTTPClient) Health(ctx context.Context) error {
	var result string
	if err := c.call(ctx, "getHealth", nil, &result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("%w: 节点状态 %s", execution.ErrLedgerUnavailable, result)
	}
	return nil
}

type simulateResult struct {
	Value struct {
		Err           interface{} `json:"err"`
		Logs          []string    `json:"logs"`
		UnitsConsumed uint64      `json:"unitsConsumed"`
	} `json:"value"`
}

// Simulate 模拟执行一个步骤，链上失败体现在结果中而不是错误
func (c *HTTPClient) Simulate(ctx context.Context, step execution.Step) (execution.SimulationResult, error) {
	tx, err := c.encoder(step)
	if err != nil {
		return execution.SimulationResult{}, fmt.Errorf("编码交易失败: %w", err)
	}

	params := []interface{}{
		base64.StdEncoding.EncodeToString(tx),
		map[string]interface{}{
			"encoding":               "base64",
			"sigVerify":              false,
			"replaceRecentBlockhash": true,
			"commitment":             CommitmentProcessed,
		},
	}

	var result simulateResult
	if err := c.call(ctx, "simulateTransaction", params, &result); err != nil {
		return execution.SimulationResult{}, err
	}

	sim := execution.SimulationResult{
		Success:       result.Value.Err == nil,
		Logs:          result.Value.Logs,
		UnitsConsumed: result.Value.UnitsConsumed,
	}
	if result.Value.Err != nil {
		detail, _ := json.Marshal(result.Value.Err)
		sim.Error = string(detail)
	}
	if step.ComputeUnitLimit > 0 && sim.UnitsConsumed > uint64(step.ComputeUnitLimit) {
		sim.Success = false
		sim.Error = fmt.Sprintf("计算单元消耗 %d 超过上限 %d", sim.UnitsConsumed, step.ComputeUnitLimit)
	}

	c.logger.Debug("模拟执行完成",
		zap.String("label", step.Label),
		zap.Bool("success", sim.Success),
		zap.Uint64("units_consumed", sim.UnitsConsumed))
	return sim, nil
}

// Submit 发送交易，返回交易签名
func (c *HTTPClient) Submit(ctx context.Context, step execution.Step) (string, error) {
	tx, err := c.encoder(step)
	if err != nil {
		return "", fmt.Errorf("编码交易失败: %w", err)
	}

	params := []interface{}{
		base64.StdEncoding.EncodeToString(tx),
		map[string]interface{}{
			"encoding":            "base64",
			"skipPreflight":       true,
			"preflightCommitment": CommitmentProcessed,
			"maxRetries":          0,
		},
	}

	var signature string
	if err := c.call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	if err := ValidateSignature(signature); err != nil {
		return "", fmt.Errorf("节点返回的签名无效: %w", err)
	}

	c.logger.Info("交易已发送",
		zap.String("label", step.Label),
		zap.String("signature", signature),
		zap.Uint64("priority_fee", step.PriorityFee))
	return signature, nil
}

type signatureStatusesResult struct {
	Value []*struct {
		Slot               uint64      `json:"slot"`
		Confirmations      *uint64     `json:"confirmations"`
		Err                interface{} `json:"err"`
		ConfirmationStatus string      `json:"confirmationStatus"`
	} `json:"value"`
}

// Confirm 轮询交易状态直到达到确认级别
// 链上执行失败返回 false；ctx 结束返回 ctx 错误
func (c *HTTPClient) Confirm(ctx context.Context, signature string) (bool, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		params := []interface{}{
			[]string{signature},
			map[string]interface{}{"searchTransactionHistory": false},
		}

		var result signatureStatusesResult
		if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
			return false, err
		}

		if len(result.Value) > 0 && result.Value[0] != nil {
			status := result.Value[0]
			if status.Err != nil {
				detail, _ := json.Marshal(status.Err)
				c.logger.Warn("交易链上执行失败",
					zap.String("signature", signature),
					zap.String("error", string(detail)))
				return false, nil
			}
			if reached(status.ConfirmationStatus, c.commitment) {
				return true, nil
			}
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// reached 当前确认级别是否达到目标
func reached(status, target string) bool {
	rank := map[string]int{
		CommitmentProcessed: 1,
		CommitmentConfirmed: 2,
		CommitmentFinalized: 3,
	}
	return rank[status] > 0 && rank[status] >= rank[target]
}

// ValidateSignature 检查是否为 64 字节的 base58 交易签名
func ValidateSignature(signature string) error {
	decoded, err := base58.Decode(signature)
	if err != nil {
		return fmt.Errorf("base58 解码失败: %w", err)
	}
	if len(decoded) != signatureLength {
		return fmt.Errorf("签名长度应为 %d 字节，实际 %d", signatureLength, len(decoded))
	}
	return nil
}
