package execution

import (
	"context"
	"time"
)

// SetSleep 替换重试等待函数
func (s *Service) SetSleep(f func(ctx context.Context, d time.Duration) error) {
	s.sleep = f
}
