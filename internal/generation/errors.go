package generation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidState 表示操作与代际当前状态不符，例如对非 Populating 代际 Put。
var ErrInvalidState = errors.New("invalid generation state")

// InstallError 描述一次失败的安装；FailedPaths 按清单顺序列出失败的必需资源。
type InstallError struct {
	Generation  string
	FailedPaths []string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install generation %s failed: %s", e.Generation, strings.Join(e.FailedPaths, ", "))
}

// ActivationReason 说明激活被拒绝的原因。
type ActivationReason string

const (
	ReasonNotReady ActivationReason = "not_ready"
	ReasonNotFound ActivationReason = "not_found"
)

// ActivationError 在代际不存在或不处于 Ready 时返回。
type ActivationError struct {
	Generation string
	Reason     ActivationReason
	Status     Status
}

func (e *ActivationError) Error() string {
	if e.Reason == ReasonNotFound {
		return fmt.Sprintf("activate generation %s failed: %s", e.Generation, e.Reason)
	}
	return fmt.Sprintf("activate generation %s failed: %s (status %s)", e.Generation, e.Reason, e.Status)
}
