package profit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/tradecore/internal/model"
)

const (
	// SplitTolerance 分配比例合计与 1.0 的允许偏差
	SplitTolerance = 0.001

	// lamport 精度
	amountPrecision = 9

	destinationCount = 3
)

// ErrInvalidSplit 分配配置非法
var ErrInvalidSplit = errors.New("利润分配配置非法")

// Destination 收款方
type Destination struct {
	Name    string  `mapstructure:"name" yaml:"name" json:"name"`
	Address string  `mapstructure:"address" yaml:"address" json:"address"`
	Percent float64 `mapstructure:"percent" yaml:"percent" json:"percent"`
}

// ValidateDestinations 三个收款方、地址互不相同、比例合计为 1.0
func ValidateDestinations(dests []Destination) error {
	if err := validateStructure(dests); err != nil {
		return err
	}
	if sum := percentSum(dests); !balanced(sum) {
		return fmt.Errorf("%w: 分配比例合计 %.4f，应为 1.0 (±%.3f)", ErrInvalidSplit, sum, SplitTolerance)
	}
	return nil
}

func validateStructure(dests []Destination) error {
	if len(dests) != destinationCount {
		return fmt.Errorf("%w: 需要 %d 个收款方，实际 %d 个", ErrInvalidSplit, destinationCount, len(dests))
	}
	seen := make(map[string]bool, len(dests))
	for _, d := range dests {
		addr := strings.TrimSpace(d.Address)
		if addr == "" {
			return fmt.Errorf("%w: 收款方 %s 地址为空", ErrInvalidSplit, d.Name)
		}
		if seen[addr] {
			return fmt.Errorf("%w: 收款地址 %s 重复", ErrInvalidSplit, addr)
		}
		seen[addr] = true
		if d.Percent < 0 || d.Percent > 1 {
			return fmt.Errorf("%w: 收款方 %s 比例 %.4f 超出 [0,1]", ErrInvalidSplit, d.Name, d.Percent)
		}
	}
	return nil
}

func percentSum(dests []Destination) float64 {
	sum := 0.0
	for _, d := range dests {
		sum += d.Percent
	}
	return sum
}

func balanced(sum float64) bool {
	diff := sum - 1
	return diff <= SplitTolerance && diff >= -SplitTolerance
}

// Splitter 按固定比例把净利润分给三个收款方
type Splitter struct {
	dests    [destinationCount]Destination
	percents [destinationCount]decimal.Decimal
	balanced bool
}

// NewSplitter 创建分配器；比例合计不为 1.0 时只记录警告，不做修正
func NewSplitter(dests []Destination, logger *zap.Logger) (*Splitter, error) {
	if err := validateStructure(dests); err != nil {
		return nil, err
	}

	s := &Splitter{balanced: balanced(percentSum(dests))}
	for i, d := range dests {
		s.dests[i] = d
		s.percents[i] = decimal.NewFromFloat(d.Percent)
	}

	if !s.balanced {
		logger.Warn("利润分配比例合计不为1，按配置比例分配",
			zap.Float64("sum", percentSum(dests)),
			zap.Float64("tolerance", SplitTolerance))
	}
	return s, nil
}

// Calculate 计算分配金额
// 比例合计为 1.0 时最后一个收款方取余数，保证合计精确等于总额
func (s *Splitter) Calculate(total decimal.Decimal) model.ProfitSplit {
	split := model.ProfitSplit{Total: total}

	allocated := decimal.Zero
	for i, d := range s.dests {
		amount := total.Mul(s.percents[i]).Truncate(amountPrecision)
		if s.balanced && i == destinationCount-1 {
			amount = total.Sub(allocated)
		}
		allocated = allocated.Add(amount)

		split.Allocations[i] = model.SplitAllocation{
			Name:        d.Name,
			Destination: d.Address,
			Percent:     s.percents[i],
			Amount:      amount,
		}
	}
	return split
}

// Destinations 当前收款方配置
func (s *Splitter) Destinations() []Destination {
	return append([]Destination(nil), s.dests[:]...)
}
