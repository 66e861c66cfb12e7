package solana

import (
	"context"
	"fmt"

	"github.com/life2you_mini/tradecore/internal/execution"
	"github.com/life2you_mini/tradecore/internal/pool"
)

// PoolFactory 为连接池创建账本客户端，创建时检查节点健康状态
type PoolFactory struct {
	Endpoint string
	Options  []ClientOption
}

var _ pool.Factory[execution.Ledger] = (*PoolFactory)(nil)

// Create 实现 pool.Factory
func (f *PoolFactory) Create(ctx context.Context) (execution.Ledger, error) {
	client := NewHTTPClient(f.Endpoint, f.Options...)
	if err := client.Health(ctx); err != nil {
		client.client.CloseIdleConnections()
		return nil, fmt.Errorf("节点健康检查失败: %w", err)
	}
	return client, nil
}

// Close 实现 pool.Factory，释放空闲连接
func (f *PoolFactory) Close(ledger execution.Ledger) error {
	if client, ok := ledger.(*HTTPClient); ok {
		client.client.CloseIdleConnections()
	}
	return nil
}
