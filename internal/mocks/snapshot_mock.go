package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/tradecore/internal/breaker"
	"github.com/life2you_mini/tradecore/internal/risk"
)

// MockSnapshotStore 状态快照存储的模拟实现
type MockSnapshotStore struct {
	mock.Mock
}

// SaveBreakerStatus 保存熔断器快照的模拟实现
func (m *MockSnapshotStore) SaveBreakerStatus(ctx context.Context, status breaker.Status) error {
	args := m.Called(ctx, status)
	return args.Error(0)
}

// SaveRiskSnapshot 保存风控快照的模拟实现
func (m *MockSnapshotStore) SaveRiskSnapshot(ctx context.Context, snapshot risk.Snapshot) error {
	args := m.Called(ctx, snapshot)
	return args.Error(0)
}
