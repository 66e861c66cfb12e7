package execution

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyBundle       = errors.New("交易包为空")
	ErrUnsupportedStep   = errors.New("交易包包含不支持的步骤")
	ErrSimulationFailed  = errors.New("模拟执行失败")
	ErrSubmissionFailed  = errors.New("提交失败")
	ErrPartialExecution  = errors.New("交易包部分执行")
	ErrLedgerUnavailable = errors.New("账本节点不可用")
)

// StepKind 步骤类型
type StepKind string

const (
	StepSwap        StepKind = "swap"
	StepBorrow      StepKind = "borrow"
	StepRepay       StepKind = "repay"
	StepTransfer    StepKind = "transfer"
	StepUnsupported StepKind = "unsupported" // 构建时无法生成指令的步骤
)

// Supported 是否可执行
func (k StepKind) Supported() bool {
	switch k {
	case StepSwap, StepBorrow, StepRepay, StepTransfer:
		return true
	default:
		return false
	}
}

// Step 交易包中的一个账本操作
type Step struct {
	Kind             StepKind `json:"kind"`
	Label            string   `json:"label"`
	Payload          []byte   `json:"payload,omitempty"` // 已序列化的交易
	PriorityFee      uint64   `json:"priority_fee"`      // 优先费（micro-lamports / CU）
	ComputeUnitLimit uint32   `json:"compute_unit_limit"`
	// 不支持时的说明
	UnsupportedReason string `json:"unsupported_reason,omitempty"`
}

// UnsupportedStep 构建一个不支持的步骤，执行前会被拒绝
func UnsupportedStep(label, reason string) Step {
	return Step{Kind: StepUnsupported, Label: label, UnsupportedReason: reason}
}

// Bundle 一组需要一起提交的账本操作
type Bundle struct {
	ID             string   `json:"id"`
	Steps          []Step   `json:"steps"`
	Signers        []string `json:"signers"` // base58 公钥
	Description    string   `json:"description"`
	AtomicRequired bool     `json:"atomic_required"`
}

// NewBundle 创建交易包
func NewBundle(description string, atomic bool, signers []string, steps ...Step) Bundle {
	return Bundle{
		ID:             uuid.NewString(),
		Steps:          steps,
		Signers:        signers,
		Description:    description,
		AtomicRequired: atomic,
	}
}

// clone 深拷贝步骤，重试时修改费用不影响调用方
func (b Bundle) clone() Bundle {
	out := b
	out.Steps = make([]Step, len(b.Steps))
	copy(out.Steps, b.Steps)
	out.Signers = append([]string(nil), b.Signers...)
	return out
}

// SimulationResult 单个步骤的模拟结果
type SimulationResult struct {
	StepIndex     int      `json:"step_index"`
	Success       bool     `json:"success"`
	Logs          []string `json:"logs,omitempty"`
	UnitsConsumed uint64   `json:"units_consumed"`
	Error         string   `json:"error,omitempty"`
}

// ExecutionResult 一次执行尝试的结果
type ExecutionResult struct {
	BundleID        string             `json:"bundle_id"`
	Attempt         int                `json:"attempt"`
	Success         bool               `json:"success"`
	Signatures      []string           `json:"signatures,omitempty"`
	PartialSuccess  bool               `json:"partial_success"`
	CompletedSteps  int                `json:"completed_steps"`
	FailedStepIndex int                `json:"failed_step_index"` // -1 表示无失败
	Submitted       bool               `json:"submitted"`         // 是否有步骤已提交到链上
	Simulations     []SimulationResult `json:"simulations,omitempty"`
	Error           string             `json:"error,omitempty"`
	Duration        time.Duration      `json:"duration"`
}

func newResult(bundle Bundle) *ExecutionResult {
	return &ExecutionResult{BundleID: bundle.ID, FailedStepIndex: -1}
}

// Ledger 底层账本的模拟、提交与确认
type Ledger interface {
	Simulate(ctx context.Context, step Step) (SimulationResult, error)
	Submit(ctx context.Context, step Step) (string, error)
	Confirm(ctx context.Context, signature string) (bool, error)
}
