// Package generation 管理缓存代际的生命周期：安装、激活与回收。
//
// 状态机：Populating → Ready → Live → Retiring → Deleted；安装失败时
// Populating 直接进入 Deleted。任意时刻至多一个代际处于 Live。
package generation

import "fmt"

// Status 表示代际所处阶段。
type Status int32

const (
	StatusPopulating Status = iota
	StatusReady
	StatusLive
	StatusRetiring
	StatusDeleted
)

var statusNames = [...]string{
	StatusPopulating: "populating",
	StatusReady:      "ready",
	StatusLive:       "live",
	StatusRetiring:   "retiring",
	StatusDeleted:    "deleted",
}

// AllStatuses 按生命周期顺序列出全部状态名，供指标与诊断输出。
func AllStatuses() []string {
	return append([]string(nil), statusNames[:]...)
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int32(s))
	}
	return statusNames[s]
}

// MarshalText 让 JSON 输出使用小写状态名。
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
