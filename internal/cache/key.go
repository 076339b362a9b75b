package cache

import (
	"net/url"
	"strings"
)

// RequestKey 生成缓存键：`METHOD path[?query]`。
// 片段被丢弃，scheme 与 host 不参与，单个实例只服务一个源站。
func RequestKey(method string, u *url.URL) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}
	path := "/"
	query := ""
	if u != nil {
		if p := u.EscapedPath(); p != "" {
			path = p
		}
		query = u.RawQuery
	}
	if query != "" {
		return method + " " + path + "?" + query
	}
	return method + " " + path
}
