package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/logging"
	"github.com/any-hub/asset-hub/internal/manifest"
	"github.com/any-hub/asset-hub/internal/version"
)

var errBodyTooLarge = errors.New("response body exceeds MaxBodySize")

// StatusError 表示源站返回了非 2xx 状态，计为一次失败尝试。
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
}

// populate 以有限并发拉取全部条目，返回按清单顺序排列的失败必需路径。
func (m *Manager) populate(ctx context.Context, rec *record, entries []manifest.Entry) []string {
	results := make([]error, len(entries))

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, entry := range entries {
		g.Go(func() error {
			results[i] = m.fetchInto(ctx, rec, entry.Path)
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for i, entry := range entries {
		err := results[i]
		if err == nil {
			continue
		}
		fields := logging.GenerationFields("install", rec.id)
		fields["path"] = entry.Path
		fields["required"] = entry.Required
		fields["error"] = err.Error()
		if entry.Required {
			failed = append(failed, entry.Path)
			m.logger.WithFields(fields).Warn("asset_failed")
			continue
		}
		m.logger.WithFields(fields).Warn("optional_asset_skipped")
	}
	return failed
}

// fetchInto 从源站拉取 path 并写入代际。缓存键取自清单路径本身，
// 与拦截器按客户端请求 URL 计算的键一致，不含源站的基础路径。
func (m *Manager) fetchInto(ctx context.Context, rec *record, path string) error {
	local, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("parse asset path: %w", err)
	}
	target, err := url.Parse(strings.TrimRight(m.origin, "/") + path)
	if err != nil {
		return fmt.Errorf("build asset url: %w", err)
	}
	resp, err := m.fetchWithRetry(ctx, target)
	if err != nil {
		return err
	}
	return m.put(ctx, rec, cache.RequestKey(http.MethodGet, local), resp)
}

// fetchWithRetry 最多尝试 maxRetries 次，间隔 initialBackoff * 2^n，无抖动。
// 每次尝试单独受 fetchTimeout 约束。
func (m *Manager) fetchWithRetry(ctx context.Context, target *url.URL) (cache.StoredResponse, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.initialBackoff
	policy.RandomizationFactor = 0
	policy.Multiplier = 2

	attempt := 0
	operation := func() (cache.StoredResponse, error) {
		attempt++
		return m.fetchOnce(ctx, target)
	}
	notify := func(err error, wait time.Duration) {
		m.logger.WithFields(logrus.Fields{
			"action":  "install",
			"url":     target.String(),
			"attempt": attempt,
			"wait_ms": wait.Milliseconds(),
			"error":   err.Error(),
		}).Debug("asset_fetch_retry")
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(m.maxRetries)),
		backoff.WithNotify(notify),
	)
}

func (m *Manager) fetchOnce(ctx context.Context, target *url.URL) (cache.StoredResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return cache.StoredResponse{}, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := m.client.Do(req)
	if err != nil {
		return cache.StoredResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return cache.StoredResponse{}, &StatusError{URL: target.String(), Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, m.maxBodySize+1))
	if err != nil {
		return cache.StoredResponse{}, err
	}
	if int64(len(body)) > m.maxBodySize {
		return cache.StoredResponse{}, backoff.Permanent(errBodyTooLarge)
	}
	return cache.NewStoredResponse(resp.StatusCode, resp.Header, body, m.now()), nil
}
