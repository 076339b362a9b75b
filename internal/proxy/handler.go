// Package proxy 把 Fiber 请求适配为拦截器的请求描述，并把结果写回客户端。
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/interceptor"
	"github.com/any-hub/asset-hub/internal/logging"
	"github.com/any-hub/asset-hub/internal/server"
)

// Interceptor 是 Handler 依赖的拦截能力，由 *interceptor.Interceptor 实现。
type Interceptor interface {
	Intercept(ctx context.Context, req interceptor.Request) (*interceptor.Response, error)
}

// Handler 实现 server.ProxyHandler。
type Handler struct {
	interceptor Interceptor
	logger      *logrus.Logger
}

// NewHandler constructs a proxy handler around the shared interceptor.
func NewHandler(icpt Interceptor, logger *logrus.Logger) *Handler {
	return &Handler{interceptor: icpt, logger: logger}
}

// Handle 执行一次拦截；网络失败且无缓存时返回 502 upstream_failed。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	req := buildRequest(c)
	key := cache.RequestKey(req.Method, req.URL)

	defer func() {
		if r := recover(); r != nil {
			err = h.respondPanic(c, req.Method, key, requestID, r)
		}
	}()

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := h.interceptor.Intercept(ctx, req)
	if err != nil {
		h.logResult(req.Method, key, "", requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	copyResponseHeaders(c, resp.Headers)
	c.Set("X-Asset-Hub-Cache-Hit", strconv.FormatBool(resp.FromCache))
	if resp.Generation != "" {
		c.Set("X-Asset-Hub-Generation", resp.Generation)
	}
	h.logResult(req.Method, key, resp.Generation, requestID, resp.Status, resp.FromCache, started, nil)
	return c.Status(resp.Status).Send(resp.Body)
}

func (h *Handler) respondPanic(c fiber.Ctx, method, key, requestID string, recovered interface{}) error {
	fields := logging.RequestFields(method, key, "", false)
	fields["action"] = "intercept"
	fields["error"] = fmt.Sprintf("panic: %v", recovered)
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Error("intercept_panic")
	return h.writeError(c, fiber.StatusInternalServerError, "intercept_panic")
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	method string,
	key string,
	generation string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(method, key, generation, cacheHit)
	fields["action"] = "intercept"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

func buildRequest(c fiber.Ctx) interceptor.Request {
	uri := c.Request().URI()
	target := &url.URL{Path: string(uri.Path()), RawQuery: string(uri.QueryString())}
	if target.Path == "" {
		target.Path = "/"
	}
	return interceptor.Request{
		Method:  c.Method(),
		URL:     target,
		Headers: fiberHeadersAsHTTP(c),
		Body:    bytesReader(c.Body()),
	}
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 复制响应头；Content-Length 由 Fiber 按正文重新计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if cache.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == fiber.HeaderContentLength {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
