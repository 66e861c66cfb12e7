package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/tradecore/internal/model"
)

// MockSettlementSink 结算出口的模拟实现
type MockSettlementSink struct {
	mock.Mock
}

// Disburse 结算的模拟实现
func (m *MockSettlementSink) Disburse(ctx context.Context, disbursement model.Disbursement) error {
	args := m.Called(ctx, disbursement)
	return args.Error(0)
}

// MockRecordStore 收益记录存储的模拟实现
type MockRecordStore struct {
	mock.Mock
}

// SaveRecord 保存记录的模拟实现
func (m *MockRecordStore) SaveRecord(ctx context.Context, record model.ProfitRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

// LoadRecords 加载记录的模拟实现
func (m *MockRecordStore) LoadRecords(ctx context.Context, since time.Time) ([]model.ProfitRecord, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ProfitRecord), args.Error(1)
}
