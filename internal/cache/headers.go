package cache

import (
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部，这些字段也不会写入缓存。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// FlattenHeader 将多值头合并为 ", " 分隔的单值，并丢弃 hop-by-hop 字段。
func FlattenHeader(src http.Header) map[string]string {
	out := make(map[string]string, len(src))
	for key, values := range src {
		if IsHopByHopHeader(key) || len(values) == 0 {
			continue
		}
		out[textproto.CanonicalMIMEHeaderKey(key)] = strings.Join(values, ", ")
	}
	return out
}

// NewStoredResponse 以当前时间构造一条待写入的缓存响应。
func NewStoredResponse(status int, header http.Header, body []byte, now time.Time) StoredResponse {
	return StoredResponse{
		Status:   status,
		Headers:  FlattenHeader(header),
		Body:     body,
		StoredAt: now.UTC(),
	}
}

// Header 将缓存的头部还原为 http.Header。
func (r StoredResponse) Header() http.Header {
	out := make(http.Header, len(r.Headers))
	for key, value := range r.Headers {
		out.Set(key, value)
	}
	return out
}
