// Package interceptor 实现缓存优先的请求拦截：命中 Live 代际时原样返回，
// 未命中时回源，并在满足条件时机会性写回当前 Live 代际。
package interceptor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/generation"
	"github.com/any-hub/asset-hub/internal/logging"
	"github.com/any-hub/asset-hub/internal/metrics"
	"github.com/any-hub/asset-hub/internal/version"
)

// Request 是宿主传入的请求描述。Body 可为空。
type Request struct {
	Method  string
	URL     *url.URL
	Headers http.Header
	Body    io.Reader
}

// Response 是返回给宿主的响应描述。
type Response struct {
	Status     int
	Headers    http.Header
	Body       []byte
	FromCache  bool
	Generation string
}

// Generations 抽象 Live 代际的读取与写回，由 *generation.Manager 实现。
type Generations interface {
	Acquire() (*generation.Lease, bool)
	Backfill(ctx context.Context, key string, resp cache.StoredResponse) (string, error)
}

// Options 配置 Interceptor。
type Options struct {
	Generations Generations
	Client      *http.Client
	Origin      string
	MaxBodySize int64
	Logger      *logrus.Logger
	Metrics     *metrics.Collectors
	Now         func() time.Time
}

// Interceptor 并发安全，可被多个请求共享。
type Interceptor struct {
	generations Generations
	client      *http.Client
	origin      *url.URL
	maxBodySize int64
	logger      *logrus.Logger
	metrics     *metrics.Collectors
	now         func() time.Time
}

// New 构造 Interceptor；Origin 必须是合法的绝对 URL。
func New(opts Options) (*Interceptor, error) {
	origin, err := url.Parse(opts.Origin)
	if err != nil {
		return nil, err
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, errors.New("interceptor: origin must be absolute")
	}
	i := &Interceptor{
		generations: opts.Generations,
		client:      opts.Client,
		origin:      origin,
		maxBodySize: opts.MaxBodySize,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
	if i.client == nil {
		i.client = http.DefaultClient
	}
	if i.maxBodySize <= 0 {
		i.maxBodySize = 8 << 20
	}
	if i.logger == nil {
		i.logger = logrus.StandardLogger()
	}
	if i.now == nil {
		i.now = time.Now
	}
	return i, nil
}

// Intercept 处理单个请求。只有在缓存未命中且网络失败时返回错误，
// 且错误原样来自网络层。
func (i *Interceptor) Intercept(ctx context.Context, req Request) (*Response, error) {
	key := cache.RequestKey(req.Method, req.URL)

	generationID := ""
	if i.generations != nil {
		if lease, ok := i.generations.Acquire(); ok {
			defer lease.Release()
			generationID = lease.Generation()
			stored, err := lease.Get(ctx, key)
			if err == nil {
				i.metrics.ObserveIntercept("hit")
				i.logger.WithFields(logging.RequestFields(req.Method, key, generationID, true)).Debug("intercept_hit")
				return &Response{
					Status:     stored.Status,
					Headers:    stored.Header(),
					Body:       stored.Body,
					FromCache:  true,
					Generation: generationID,
				}, nil
			}
			if !errors.Is(err, cache.ErrNotFound) {
				fields := logging.RequestFields(req.Method, key, generationID, false)
				fields["error"] = err.Error()
				i.logger.WithFields(fields).Warn("cache_read_failed")
			}
		}
	}

	resp, err := i.fetch(ctx, req)
	if err != nil {
		i.metrics.ObserveIntercept("error")
		return nil, err
	}
	i.metrics.ObserveIntercept("miss")
	resp.Generation = generationID

	if i.generations != nil && cacheable(req.Method, resp, i.maxBodySize) {
		i.backfill(ctx, req.Method, key, resp)
	} else {
		i.metrics.ObserveBackfill("skipped")
	}
	return resp, nil
}

func (i *Interceptor) fetch(ctx context.Context, req Request) (*Response, error) {
	target := i.resolve(req.URL)
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	outbound, err := http.NewRequestWithContext(ctx, method, target.String(), req.Body)
	if err != nil {
		return nil, err
	}
	copyRequestHeaders(outbound.Header, req.Headers)
	if outbound.Header.Get("User-Agent") == "" {
		outbound.Header.Set("User-Agent", version.UserAgent())
	}

	upstream, err := i.client.Do(outbound)
	if err != nil {
		return nil, err
	}
	defer upstream.Body.Close()

	body, err := io.ReadAll(upstream.Body)
	if err != nil {
		return nil, err
	}

	headers := make(http.Header, len(upstream.Header))
	for key, values := range upstream.Header {
		if cache.IsHopByHopHeader(key) {
			continue
		}
		headers[key] = append([]string(nil), values...)
	}
	return &Response{Status: upstream.StatusCode, Headers: headers, Body: body}, nil
}

// resolve 将请求路径拼接到源站，保留源站的基础路径，丢弃片段。
func (i *Interceptor) resolve(u *url.URL) *url.URL {
	target := *i.origin
	if u == nil {
		return &target
	}
	target.Path = strings.TrimRight(i.origin.Path, "/") + u.Path
	if u.RawPath != "" {
		target.RawPath = strings.TrimRight(i.origin.EscapedPath(), "/") + u.RawPath
	} else {
		target.RawPath = ""
	}
	if target.Path == "" {
		target.Path = "/"
	}
	target.RawQuery = u.RawQuery
	target.Fragment = ""
	return &target
}

func (i *Interceptor) backfill(ctx context.Context, method, key string, resp *Response) {
	stored := cache.NewStoredResponse(resp.Status, resp.Headers, resp.Body, i.now())
	generationID, err := i.generations.Backfill(context.WithoutCancel(ctx), key, stored)
	fields := logging.RequestFields(method, key, generationID, false)
	if err != nil {
		i.metrics.ObserveBackfill("failed")
		fields["error"] = err.Error()
		if errors.Is(err, generation.ErrInvalidState) {
			i.logger.WithFields(fields).Debug("backfill_skipped")
			return
		}
		i.logger.WithFields(fields).Warn("backfill_failed")
		return
	}
	i.metrics.ObserveBackfill("stored")
	i.logger.WithFields(fields).Debug("backfill_stored")
}

// cacheable：GET、2xx、无 `Vary: *`、正文不超过 maxBodySize。
func cacheable(method string, resp *Response, maxBodySize int64) bool {
	if !strings.EqualFold(method, http.MethodGet) && method != "" {
		return false
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return false
	}
	for _, vary := range resp.Headers.Values("Vary") {
		for _, field := range strings.Split(vary, ",") {
			if strings.TrimSpace(field) == "*" {
				return false
			}
		}
	}
	return int64(len(resp.Body)) <= maxBodySize
}

func copyRequestHeaders(dst, src http.Header) {
	for key, values := range src {
		if cache.IsHopByHopHeader(key) || strings.EqualFold(key, "Host") {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
