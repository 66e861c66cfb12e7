package execution

import (
	"fmt"

	"github.com/mr-tron/base58"
)

const publicKeyLength = 32

// SafetyReport 静态检查结果
type SafetyReport struct {
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Valid 没有错误即可执行
func (r SafetyReport) Valid() bool {
	return len(r.Errors) == 0
}

// ValidateBundleSafety 执行前的静态检查，不访问账本
func (s *Service) ValidateBundleSafety(bundle Bundle) SafetyReport {
	return ValidateBundleSafety(bundle, s.cfg.LargeBundleThreshold)
}

// ValidateBundleSafety 检查交易包结构，largeThreshold 为 0 时不检查规模
func ValidateBundleSafety(bundle Bundle, largeThreshold int) SafetyReport {
	var report SafetyReport

	if len(bundle.Steps) == 0 {
		report.Errors = append(report.Errors, "交易包没有任何步骤")
	}
	if len(bundle.Signers) == 0 {
		report.Errors = append(report.Errors, "交易包没有签名者")
	}
	for _, signer := range bundle.Signers {
		if err := validatePublicKey(signer); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("签名者 %q 无效: %v", signer, err))
		}
	}
	for i, step := range bundle.Steps {
		if !step.Kind.Supported() {
			report.Errors = append(report.Errors, fmt.Sprintf("第 %d 步 %s 不支持 (%s): %s", i, step.Label, step.Kind, step.UnsupportedReason))
		}
	}

	if bundle.AtomicRequired && len(bundle.Steps) > 1 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("原子交易包包含 %d 个独立提交的步骤，无法保证真正的原子性", len(bundle.Steps)))
	}
	if largeThreshold > 0 && len(bundle.Steps) > largeThreshold {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("交易包包含 %d 个步骤，超过 %d 步的交易包失败率较高", len(bundle.Steps), largeThreshold))
	}

	return report
}

func validatePublicKey(key string) error {
	decoded, err := base58.Decode(key)
	if err != nil {
		return fmt.Errorf("base58 解码失败: %w", err)
	}
	if len(decoded) != publicKeyLength {
		return fmt.Errorf("公钥长度应为 %d 字节，实际 %d", publicKeyLength, len(decoded))
	}
	return nil
}
