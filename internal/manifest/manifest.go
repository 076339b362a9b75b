// Package manifest describes the asset set of one cache generation: an ordered
// list of origin paths, each marked required or optional. Manifests are
// validated once at construction and immutable afterwards.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid 表示清单未通过校验（空路径、重复路径等）。
var ErrInvalid = errors.New("manifest invalid")

// Entry 是清单中的单个资源。Required=true 的资源必须全部写入成功，代际安装才算成功。
type Entry struct {
	Path     string `json:"path" mapstructure:"Path"`
	Required bool   `json:"required" mapstructure:"Required"`
}

// Manifest 保存校验后的有序资源列表。
type Manifest struct {
	entries []Entry
}

// New 校验并构造清单，路径统一补齐前导 "/" 并去掉 fragment。
func New(entries []Entry) (*Manifest, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no assets", ErrInvalid)
	}

	seen := make(map[string]struct{}, len(entries))
	normalized := make([]Entry, 0, len(entries))
	for i, entry := range entries {
		p := NormalizePath(entry.Path)
		if p == "" {
			return nil, fmt.Errorf("%w: asset #%d has empty path", ErrInvalid, i)
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("%w: duplicate path %s", ErrInvalid, p)
		}
		seen[p] = struct{}{}
		normalized = append(normalized, Entry{Path: p, Required: entry.Required})
	}
	return &Manifest{entries: normalized}, nil
}

// Resolve 返回清单条目的副本，顺序与声明一致。
func (m *Manifest) Resolve() []Entry {
	if m == nil {
		return nil
	}
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Digest 返回清单内容的稳定摘要，宿主未指定代际 ID 时据此派生。
func (m *Manifest) Digest() string {
	h := sha256.New()
	for _, entry := range m.Resolve() {
		req := "o"
		if entry.Required {
			req = "r"
		}
		fmt.Fprintf(h, "%s\t%s\n", req, entry.Path)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GenerationID 派生形如 m-<12 hex> 的代际标识。
func (m *Manifest) GenerationID() string {
	return "m-" + m.Digest()[:12]
}

// NormalizePath 去除空白与 fragment，并保证以 "/" 开头。
func NormalizePath(raw string) string {
	p := strings.TrimSpace(raw)
	if idx := strings.IndexByte(p, '#'); idx >= 0 {
		p = p[:idx]
	}
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
