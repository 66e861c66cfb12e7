package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/tradecore/internal/execution"
)

// MockLedger 账本接口的模拟实现
type MockLedger struct {
	mock.Mock
}

// Simulate 模拟执行的模拟实现
func (m *MockLedger) Simulate(ctx context.Context, step execution.Step) (execution.SimulationResult, error) {
	args := m.Called(ctx, step)
	return args.Get(0).(execution.SimulationResult), args.Error(1)
}

// Submit 提交交易的模拟实现
func (m *MockLedger) Submit(ctx context.Context, step execution.Step) (string, error) {
	args := m.Called(ctx, step)
	return args.String(0), args.Error(1)
}

// Confirm 确认交易的模拟实现
func (m *MockLedger) Confirm(ctx context.Context, signature string) (bool, error) {
	args := m.Called(ctx, signature)
	return args.Bool(0), args.Error(1)
}
