package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/tradecore/internal/execution"
)

// MockExecutor 交易包执行器的模拟实现
type MockExecutor struct {
	mock.Mock
}

// ExecuteWithRetry 执行交易包的模拟实现
func (m *MockExecutor) ExecuteWithRetry(ctx context.Context, bundle execution.Bundle) (*execution.ExecutionResult, error) {
	args := m.Called(ctx, bundle)
	var result *execution.ExecutionResult
	if r := args.Get(0); r != nil {
		result = r.(*execution.ExecutionResult)
	}
	return result, args.Error(1)
}

// ValidateBundleSafety 直接使用真实的静态检查
func (m *MockExecutor) ValidateBundleSafety(bundle execution.Bundle) execution.SafetyReport {
	return execution.ValidateBundleSafety(bundle, 5)
}
