package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/logging"
	"github.com/any-hub/asset-hub/internal/manifest"
	"github.com/any-hub/asset-hub/internal/metrics"
)

// Options 描述 Manager 的依赖与安装参数，零值字段使用默认值。
type Options struct {
	Store          cache.Store
	Client         *http.Client
	Origin         string
	MaxRetries     int
	InitialBackoff time.Duration
	FetchTimeout   time.Duration
	Concurrency    int
	MaxBodySize    int64
	Logger         *logrus.Logger
	Metrics        *metrics.Collectors
	Now            func() time.Time
}

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 200 * time.Millisecond
	defaultFetchTimeout   = 10 * time.Second
	defaultConcurrency    = 4
	defaultMaxBodySize    = 8 << 20
)

// Manager 独占代际的状态迁移。Live 指针为原子指针，读者从不阻塞；
// 激活与回收由 activateMu 串行化。
type Manager struct {
	store          cache.Store
	client         *http.Client
	origin         string
	maxRetries     int
	initialBackoff time.Duration
	fetchTimeout   time.Duration
	concurrency    int
	maxBodySize    int64
	logger         *logrus.Logger
	metrics        *metrics.Collectors
	now            func() time.Time

	installs singleflight.Group

	mu      sync.RWMutex
	records map[string]*record
	seq     uint64

	activateMu sync.Mutex
	live       atomic.Pointer[record]
}

// NewManager 构造 Manager。Store 为必需依赖。
func NewManager(opts Options) *Manager {
	if opts.Store == nil {
		panic("generation: store is required")
	}
	m := &Manager{
		store:          opts.Store,
		client:         opts.Client,
		origin:         opts.Origin,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		fetchTimeout:   opts.FetchTimeout,
		concurrency:    opts.Concurrency,
		maxBodySize:    opts.MaxBodySize,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		now:            opts.Now,
		records:        make(map[string]*record),
	}
	if m.client == nil {
		m.client = http.DefaultClient
	}
	if m.maxRetries <= 0 {
		m.maxRetries = defaultMaxRetries
	}
	if m.initialBackoff <= 0 {
		m.initialBackoff = defaultInitialBackoff
	}
	if m.fetchTimeout <= 0 {
		m.fetchTimeout = defaultFetchTimeout
	}
	if m.concurrency <= 0 {
		m.concurrency = defaultConcurrency
	}
	if m.maxBodySize <= 0 {
		m.maxBodySize = defaultMaxBodySize
	}
	if m.logger == nil {
		m.logger = logrus.StandardLogger()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Install 拉取清单中的全部资源并写入新代际；id 为空时由清单摘要派生。
// 同一 id 的并发调用合并为一次构建，所有调用方得到同一结果。
func (m *Manager) Install(ctx context.Context, man *manifest.Manifest, id string) (string, error) {
	if man == nil || man.Len() == 0 {
		return "", fmt.Errorf("%w: empty manifest", manifest.ErrInvalid)
	}
	if id == "" {
		id = man.GenerationID()
	}
	if err := cache.ValidateGeneration(id); err != nil {
		return id, fmt.Errorf("%w: %q", err, id)
	}

	_, err, shared := m.installs.Do(id, func() (interface{}, error) {
		return nil, m.install(ctx, man, id)
	})
	if shared {
		m.logger.WithFields(logging.GenerationFields("install", id)).Debug("install_collapsed")
	}
	return id, err
}

func (m *Manager) install(ctx context.Context, man *manifest.Manifest, id string) error {
	rec, built, err := m.begin(id, man.Digest())
	if err != nil {
		m.metrics.ObserveInstall("rejected")
		return err
	}
	if built {
		m.logger.WithFields(logging.GenerationFields("install", id)).Info("install_already_built")
		m.metrics.ObserveInstall("reused")
		return nil
	}

	fields := logging.GenerationFields("install", id)
	fields["assets"] = man.Len()
	m.logger.WithFields(fields).Info("install_start")
	started := m.now()

	// 清理进程重启前可能残留的同名条目。
	if err := m.store.Delete(ctx, id); err != nil {
		m.rollback(ctx, rec)
		m.metrics.ObserveInstall("failed")
		return fmt.Errorf("purge generation %s: %w", id, err)
	}

	failed := m.populate(ctx, rec, man.Resolve())
	if len(failed) > 0 {
		m.rollback(ctx, rec)
		m.metrics.ObserveInstall("failed")
		failFields := logging.GenerationFields("install", id)
		failFields["failed_paths"] = failed
		m.logger.WithFields(failFields).Warn("install_failed")
		return &InstallError{Generation: id, FailedPaths: failed}
	}

	rec.writeMu.Lock()
	rec.transition(StatusReady, m.now())
	rec.writeMu.Unlock()
	m.refreshGauge()
	m.metrics.ObserveInstall("ready")

	doneFields := logging.GenerationFields("install", id)
	doneFields["elapsed_ms"] = m.now().Sub(started).Milliseconds()
	m.logger.WithFields(doneFields).Info("install_complete")
	return nil
}

// begin 为 id 准备一条 Populating 记录。built=true 表示同一清单的代际已处于 Ready/Live；
// 清单不同则返回 ErrInvalidState，已构建的代际内容不可变。
func (m *Manager) begin(id, digest string) (*record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[id]; ok {
		switch rec.load() {
		case StatusReady, StatusLive:
			if rec.digest != digest {
				m.logger.WithFields(logging.GenerationFields("install", id)).Warn("install_manifest_mismatch")
				return nil, false, fmt.Errorf("%w: generation %s was built from a different manifest", ErrInvalidState, id)
			}
			return rec, true, nil
		case StatusRetiring, StatusPopulating:
			return nil, false, fmt.Errorf("%w: generation %s is %s", ErrInvalidState, id, rec.load())
		}
	}
	m.seq++
	rec := newRecord(id, m.seq, digest, m.now())
	m.records[id] = rec
	m.refreshGaugeLocked()
	return rec, false, nil
}

// rollback 将代际标记为 Deleted 并清除已写入条目，不影响其他代际。
func (m *Manager) rollback(ctx context.Context, rec *record) {
	rec.writeMu.Lock()
	rec.transition(StatusDeleted, m.now())
	rec.writeMu.Unlock()

	if err := m.store.Delete(context.WithoutCancel(ctx), rec.id); err != nil {
		fields := logging.GenerationFields("rollback", rec.id)
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Error("rollback_purge_failed")
	}
	m.refreshGauge()
}

// Put 向 Populating 代际写入条目；其他状态或未知代际返回 ErrInvalidState。
func (m *Manager) Put(ctx context.Context, id, key string, resp cache.StoredResponse) error {
	rec := m.lookup(id)
	if rec == nil {
		return fmt.Errorf("%w: generation %s not found", ErrInvalidState, id)
	}
	return m.put(ctx, rec, key, resp)
}

func (m *Manager) put(ctx context.Context, rec *record, key string, resp cache.StoredResponse) error {
	rec.writeMu.RLock()
	defer rec.writeMu.RUnlock()
	if status := rec.load(); status != StatusPopulating {
		return fmt.Errorf("%w: generation %s is %s", ErrInvalidState, rec.id, status)
	}
	return m.store.Put(ctx, cache.Locator{Generation: rec.id, Key: key}, resp)
}

// Activate 把 Ready 代际切换为 Live，原 Live 进入 Retiring，随后立即回收。
func (m *Manager) Activate(ctx context.Context, id string) error {
	m.activateMu.Lock()
	defer m.activateMu.Unlock()

	rec := m.lookup(id)
	if rec == nil {
		m.metrics.ObserveActivate(string(ReasonNotFound))
		return &ActivationError{Generation: id, Reason: ReasonNotFound}
	}
	if status := rec.load(); status != StatusReady {
		m.metrics.ObserveActivate(string(ReasonNotReady))
		return &ActivationError{Generation: id, Reason: ReasonNotReady, Status: status}
	}

	now := m.now()
	prev := m.live.Load()
	if prev != nil {
		prev.transition(StatusRetiring, now)
	}
	rec.transition(StatusLive, now)
	m.live.Store(rec)
	m.metrics.ObserveActivate("live")

	fields := logging.GenerationFields("activate", id)
	if prev != nil {
		fields["previous"] = prev.id
	}
	m.logger.WithFields(fields).Info("generation_activated")

	m.reapLocked(ctx)
	m.refreshGauge()
	return nil
}

// ReapRetiring 删除所有无读者的 Retiring 代际，返回本次删除的数量。
func (m *Manager) ReapRetiring(ctx context.Context) int {
	m.activateMu.Lock()
	defer m.activateMu.Unlock()
	n := m.reapLocked(ctx)
	if n > 0 {
		m.refreshGauge()
	}
	return n
}

// reapLocked 需持有 activateMu。先置 reaping 再检查 refs，与 Acquire 的
// 先增 refs 再检查 reaping 对称，两者不会同时放行。
func (m *Manager) reapLocked(ctx context.Context) int {
	m.mu.RLock()
	candidates := make([]*record, 0)
	for _, rec := range m.records {
		if rec.load() == StatusRetiring {
			candidates = append(candidates, rec)
		}
	}
	m.mu.RUnlock()

	reaped := 0
	for _, rec := range candidates {
		rec.reaping.Store(true)
		if readers := rec.refs.Load(); readers != 0 {
			rec.reaping.Store(false)
			fields := logging.GenerationFields("reap", rec.id)
			fields["readers"] = readers
			m.logger.WithFields(fields).Debug("reap_deferred")
			continue
		}
		if err := m.store.Delete(ctx, rec.id); err != nil {
			fields := logging.GenerationFields("reap", rec.id)
			fields["error"] = err.Error()
			m.logger.WithFields(fields).Error("reap_failed")
			continue
		}
		rec.transition(StatusDeleted, m.now())
		reaped++
		m.logger.WithFields(logging.GenerationFields("reap", rec.id)).Info("generation_reaped")
	}
	return reaped
}

// Run 按 interval 周期回收 Retiring 代际，直到 ctx 结束。
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReapRetiring(ctx)
		}
	}
}

// Live 返回当前 Live 代际 ID；尚未激活时返回空串。
func (m *Manager) Live() string {
	if rec := m.live.Load(); rec != nil {
		return rec.id
	}
	return ""
}

// Status 返回代际状态。
func (m *Manager) Status(id string) (Status, bool) {
	rec := m.lookup(id)
	if rec == nil {
		return 0, false
	}
	return rec.load(), true
}

// List 按安装顺序返回全部已知代际的快照，Entries 取自存储后端。
func (m *Manager) List(ctx context.Context) []Snapshot {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		snap := rec.snapshot()
		if snap.Status != StatusDeleted {
			if n, err := m.store.Count(ctx, rec.id); err == nil {
				snap.Entries = n
			} else if !errors.Is(err, cache.ErrNotFound) {
				m.logger.WithFields(logging.GenerationFields("list", rec.id)).Warn("count_failed")
			}
		}
		out = append(out, snap)
	}
	return out
}

func (m *Manager) lookup(id string) *record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[id]
}

func (m *Manager) refreshGauge() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.refreshGaugeLocked()
}

func (m *Manager) refreshGaugeLocked() {
	if m.metrics == nil {
		return
	}
	counts := make(map[string]int, len(statusNames))
	for _, rec := range m.records {
		counts[rec.load().String()]++
	}
	m.metrics.SetGenerations(counts, AllStatuses())
}
