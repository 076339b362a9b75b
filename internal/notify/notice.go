// Package notify 解码推送负载、按 tag 去重，并把通知交给宿主展示。
package notify

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Notice 是展示给用户的一条通知。
type Notice struct {
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Tag        string    `json:"tag"`
	Icon       string    `json:"icon,omitempty"`
	Badge      string    `json:"badge,omitempty"`
	Vibrate    []int     `json:"vibrate,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// DisplayResult 表示一次投递的结果。
type DisplayResult int

const (
	Shown DisplayResult = iota
	Suppressed
)

func (r DisplayResult) String() string {
	if r == Suppressed {
		return "suppressed"
	}
	return "shown"
}

// MarshalText 使 JSON 输出为 "shown"/"suppressed"。
func (r DisplayResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// decode 尝试把负载解析为通知。空负载、null、非法 JSON 或缺少标题时返回 false。
func decode(raw []byte) (Notice, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Notice{}, false
	}
	var notice Notice
	if err := json.Unmarshal(trimmed, &notice); err != nil {
		return Notice{}, false
	}
	notice.Title = strings.TrimSpace(notice.Title)
	if notice.Title == "" {
		return Notice{}, false
	}
	return notice, true
}

// withDefaults 用兜底通知补齐 tag、icon、badge 与 vibrate。
func withDefaults(n, fallback Notice) Notice {
	if strings.TrimSpace(n.Tag) == "" {
		n.Tag = fallback.Tag
	}
	if n.Icon == "" {
		n.Icon = fallback.Icon
	}
	if n.Badge == "" {
		n.Badge = fallback.Badge
	}
	if len(n.Vibrate) == 0 && len(fallback.Vibrate) > 0 {
		n.Vibrate = append([]int(nil), fallback.Vibrate...)
	}
	return n
}
