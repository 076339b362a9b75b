package generation

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/manifest"
)

type origin struct {
	server *httptest.Server
	mu     sync.Mutex
	hits   map[string]int
	delay  time.Duration
	status map[string][]int
	slow   map[string][]time.Duration
}

// newOrigin 启动一个测试源站；status 可为路径指定依次返回的状态码，用尽后返回 200。
func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{hits: make(map[string]int), status: make(map[string][]int), slow: make(map[string][]time.Duration)}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.URL.Path]++
		var code int
		if queue := o.status[r.URL.Path]; len(queue) > 0 {
			code = queue[0]
			o.status[r.URL.Path] = queue[1:]
		}
		delay := o.delay
		if queue := o.slow[r.URL.Path]; len(queue) > 0 {
			delay = queue[0]
			o.slow[r.URL.Path] = queue[1:]
		}
		o.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if code == 0 && r.URL.Path == "/missing" {
			code = http.StatusNotFound
		}
		if code != 0 && code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "body of "+r.URL.Path)
	}))
	t.Cleanup(o.server.Close)
	return o
}

func (o *origin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func newTestManager(t *testing.T, o *origin) (*Manager, cache.Store) {
	t.Helper()
	return newManagerWith(t, o, o.server.URL, time.Second)
}

func newManagerWith(t *testing.T, o *origin, originURL string, fetchTimeout time.Duration) (*Manager, cache.Store) {
	t.Helper()
	store := cache.NewMemoryStore()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := NewManager(Options{
		Store:          store,
		Client:         o.server.Client(),
		Origin:         originURL,
		InitialBackoff: time.Millisecond,
		FetchTimeout:   fetchTimeout,
		Logger:         logger,
	})
	return m, store
}

func mustManifest(t *testing.T, entries ...manifest.Entry) *manifest.Manifest {
	t.Helper()
	m, err := manifest.New(entries)
	if err != nil {
		t.Fatalf("manifest error: %v", err)
	}
	return m
}

func TestInstallAndActivateScenario(t *testing.T) {
	o := newOrigin(t)
	m, store := newTestManager(t, o)
	man := mustManifest(t,
		manifest.Entry{Path: "/", Required: true},
		manifest.Entry{Path: "/manifest.json", Required: true},
	)

	id, err := m.Install(context.Background(), man, "v1")
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if status, _ := m.Status(id); status != StatusReady {
		t.Fatalf("expected ready, got %s", status)
	}
	if m.Live() != "" {
		t.Fatalf("install must not change live pointer")
	}

	if err := m.Activate(context.Background(), "v1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if status, _ := m.Status("v1"); status != StatusLive {
		t.Fatalf("expected live, got %s", status)
	}
	if m.Live() != "v1" {
		t.Fatalf("live pointer should be v1, got %q", m.Live())
	}

	got, err := store.Get(context.Background(), cache.Locator{Generation: "v1", Key: "GET /manifest.json"})
	if err != nil {
		t.Fatalf("expected stored manifest.json: %v", err)
	}
	if string(got.Body) != "body of /manifest.json" || got.Status != http.StatusOK {
		t.Fatalf("unexpected stored response: %d %s", got.Status, got.Body)
	}
}

func TestInstallRequiredFailureRollsBack(t *testing.T) {
	o := newOrigin(t)
	m, store := newTestManager(t, o)
	man := mustManifest(t,
		manifest.Entry{Path: "/", Required: true},
		manifest.Entry{Path: "/missing", Required: true},
	)

	_, err := m.Install(context.Background(), man, "v1")
	var installErr *InstallError
	if !errors.As(err, &installErr) {
		t.Fatalf("expected InstallError, got %v", err)
	}
	if len(installErr.FailedPaths) != 1 || installErr.FailedPaths[0] != "/missing" {
		t.Fatalf("unexpected failed paths: %v", installErr.FailedPaths)
	}
	if hits := o.hitCount("/missing"); hits != 3 {
		t.Fatalf("expected 3 attempts for /missing, got %d", hits)
	}
	if status, _ := m.Status("v1"); status != StatusDeleted {
		t.Fatalf("expected deleted, got %s", status)
	}
	if n, _ := store.Count(context.Background(), "v1"); n != 0 {
		t.Fatalf("expected no entries after rollback, got %d", n)
	}
	if err := m.Activate(context.Background(), "v1"); err == nil {
		t.Fatalf("deleted generation must not activate")
	}
}

func TestInstallSkipsOptionalFailure(t *testing.T) {
	o := newOrigin(t)
	m, store := newTestManager(t, o)
	man := mustManifest(t,
		manifest.Entry{Path: "/", Required: true},
		manifest.Entry{Path: "/missing", Required: false},
	)

	if _, err := m.Install(context.Background(), man, "v1"); err != nil {
		t.Fatalf("optional failure must not fail install: %v", err)
	}
	if n, _ := store.Count(context.Background(), "v1"); n != 1 {
		t.Fatalf("expected one stored entry, got %d", n)
	}
}

func TestInstallRetriesBeforeSuccess(t *testing.T) {
	o := newOrigin(t)
	o.status["/flaky.js"] = []int{http.StatusBadGateway, http.StatusServiceUnavailable}
	m, _ := newTestManager(t, o)

	if _, err := m.Install(context.Background(), mustManifest(t, manifest.Entry{Path: "/flaky.js", Required: true}), "v1"); err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}
	if hits := o.hitCount("/flaky.js"); hits != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits)
	}
}

func TestInstallDerivesGenerationID(t *testing.T) {
	o := newOrigin(t)
	m, _ := newTestManager(t, o)
	man := mustManifest(t, manifest.Entry{Path: "/", Required: true})

	id, err := m.Install(context.Background(), man, "")
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if id != man.GenerationID() {
		t.Fatalf("expected derived id %s, got %s", man.GenerationID(), id)
	}
}

func TestConcurrentInstallsCollapse(t *testing.T) {
	o := newOrigin(t)
	o.delay = 50 * time.Millisecond
	m, _ := newTestManager(t, o)
	man := mustManifest(t, manifest.Entry{Path: "/", Required: true})

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Install(context.Background(), man, "v1"); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("all collapsed installs should succeed")
	}
	if hits := o.hitCount("/"); hits != 1 {
		t.Fatalf("expected a single fetch, got %d", hits)
	}
}

func TestInstallReadyIsIdempotent(t *testing.T) {
	o := newOrigin(t)
	m, _ := newTestManager(t, o)
	man := mustManifest(t, manifest.Entry{Path: "/", Required: true})

	for i := 0; i < 2; i++ {
		if _, err := m.Install(context.Background(), man, "v1"); err != nil {
			t.Fatalf("install %d failed: %v", i, err)
		}
	}
	if hits := o.hitCount("/"); hits != 1 {
		t.Fatalf("ready generation should not be refetched, got %d fetches", hits)
	}
}

func TestActivateRejectsUnknownAndNotReady(t *testing.T) {
	o := newOrigin(t)
	m, _ := newTestManager(t, o)

	var actErr *ActivationError
	if err := m.Activate(context.Background(), "nope"); !errors.As(err, &actErr) || actErr.Reason != ReasonNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}

	man := mustManifest(t, manifest.Entry{Path: "/", Required: true})
	if _, err := m.Install(context.Background(), man, "v1"); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := m.Activate(context.Background(), "v1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if err := m.Activate(context.Background(), "v1"); !errors.As(err, &actErr) || actErr.Reason != ReasonNotReady {
		t.Fatalf("expected not_ready for live generation, got %v", err)
	}
}

func TestAtMostOneLive(t *testing.T) {
	o := newOrigin(t)
	m, _ := newTestManager(t, o)
	ctx := context.Background()

	ids := []string{"v1", "v2", "v3"}
	for _, id := range ids {
		man := mustManifest(t, manifest.Entry{Path: "/" + id, Required: true})
		if _, err := m.Install(ctx, man, id); err != nil {
			t.Fatalf("install %s: %v", id, err)
		}
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Activate(ctx, id)
		}()
	}
	wg.Wait()

	live := 0
	for _, snap := range m.List(ctx) {
		if snap.Status == StatusLive {
			live++
			if snap.ID != m.Live() {
				t.Fatalf("live status %s disagrees with pointer %s", snap.ID, m.Live())
			}
		}
	}
	if live != 1 {
		t.Fatalf("expected exactly one live generation, got %d", live)
	}
}

func TestReapWaitsForLease(t *testing.T) {
	o := newOrigin(t)
	m, store := newTestManager(t, o)
	ctx := context.Background()

	for _, id := range []string{"v1", "v2"} {
		if _, err := m.Install(ctx, mustManifest(t, manifest.Entry{Path: "/", Required: true}), id); err != nil {
			t.Fatalf("install %s: %v", id, err)
		}
	}
	if err := m.Activate(ctx, "v1"); err != nil {
		t.Fatalf("activate v1: %v", err)
	}

	lease, ok := m.Acquire()
	if !ok || lease.Generation() != "v1" {
		t.Fatalf("expected lease on v1")
	}

	if err := m.Activate(ctx, "v2"); err != nil {
		t.Fatalf("activate v2: %v", err)
	}
	if status, _ := m.Status("v1"); status != StatusRetiring {
		t.Fatalf("v1 should be retiring while leased, got %s", status)
	}
	if _, err := lease.Get(ctx, "GET /"); err != nil {
		t.Fatalf("leased reader should still read v1: %v", err)
	}

	lease.Release()
	lease.Release()
	if n := m.ReapRetiring(ctx); n != 1 {
		t.Fatalf("expected one reaped generation, got %d", n)
	}
	if status, _ := m.Status("v1"); status != StatusDeleted {
		t.Fatalf("v1 should be deleted, got %s", status)
	}
	if n, _ := store.Count(ctx, "v1"); n != 0 {
		t.Fatalf("v1 entries should be purged, got %d", n)
	}
}

func TestPutOnlyWhilePopulating(t *testing.T) {
	o := newOrigin(t)
	m, _ := newTestManager(t, o)
	ctx := context.Background()

	if err := m.Put(ctx, "ghost", "GET /", cache.StoredResponse{Status: 200}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("unknown generation should be invalid state, got %v", err)
	}
	if _, err := m.Install(ctx, mustManifest(t, manifest.Entry{Path: "/", Required: true}), "v1"); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := m.Put(ctx, "v1", "GET /late", cache.StoredResponse{Status: 200}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("put on ready generation should fail, got %v", err)
	}
}

func TestBackfillTargetsLive(t *testing.T) {
	o := newOrigin(t)
	m, store := newTestManager(t, o)
	ctx := context.Background()
	resp := cache.StoredResponse{Status: 200, Body: []byte("late")}

	if _, err := m.Backfill(ctx, "GET /late", resp); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("backfill without live should fail, got %v", err)
	}
	if _, err := m.Install(ctx, mustManifest(t, manifest.Entry{Path: "/", Required: true}), "v1"); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := m.Activate(ctx, "v1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	id, err := m.Backfill(ctx, "GET /late", resp)
	if err != nil || id != "v1" {
		t.Fatalf("backfill into live failed: %s %v", id, err)
	}
	if _, err := store.Get(ctx, cache.Locator{Generation: "v1", Key: "GET /late"}); err != nil {
		t.Fatalf("backfilled entry missing: %v", err)
	}
}

func TestRunReapsOnTicker(t *testing.T) {
	o := newOrigin(t)
	m, _ := newTestManager(t, o)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"v1", "v2"} {
		if _, err := m.Install(ctx, mustManifest(t, manifest.Entry{Path: "/", Required: true}), id); err != nil {
			t.Fatalf("install %s: %v", id, err)
		}
	}
	_ = m.Activate(ctx, "v1")
	lease, _ := m.Acquire()
	_ = m.Activate(ctx, "v2")
	lease.Release()

	go m.Run(ctx, 5*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if status, _ := m.Status("v1"); status == StatusDeleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ticker should reap v1")
}

func TestInstallKeysIgnoreOriginBasePath(t *testing.T) {
	o := newOrigin(t)
	m, store := newManagerWith(t, o, o.server.URL+"/app/", time.Second)

	if _, err := m.Install(context.Background(), mustManifest(t, manifest.Entry{Path: "/manifest.json", Required: true}), "v1"); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if hits := o.hitCount("/app/manifest.json"); hits != 1 {
		t.Fatalf("asset should be fetched below the origin base path, got %d hits", hits)
	}
	got, err := store.Get(context.Background(), cache.Locator{Generation: "v1", Key: "GET /manifest.json"})
	if err != nil {
		t.Fatalf("entry should be keyed by the client-visible path: %v", err)
	}
	if string(got.Body) != "body of /app/manifest.json" {
		t.Fatalf("unexpected stored body %q", got.Body)
	}
	if _, err := store.Get(context.Background(), cache.Locator{Generation: "v1", Key: "GET /app/manifest.json"}); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("base path must not leak into the key, got %v", err)
	}
}

func TestInstallTimeoutCountsAsAttempt(t *testing.T) {
	o := newOrigin(t)
	o.slow["/slow.js"] = []time.Duration{300 * time.Millisecond}
	m, _ := newManagerWith(t, o, o.server.URL, 50*time.Millisecond)

	if _, err := m.Install(context.Background(), mustManifest(t, manifest.Entry{Path: "/slow.js", Required: true}), "v1"); err != nil {
		t.Fatalf("second attempt should succeed after a timeout: %v", err)
	}
	if hits := o.hitCount("/slow.js"); hits != 2 {
		t.Fatalf("expected 2 attempts, got %d", hits)
	}
}

func TestInstallFailsWhenEveryAttemptTimesOut(t *testing.T) {
	o := newOrigin(t)
	o.slow["/slow.js"] = []time.Duration{300 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	m, store := newManagerWith(t, o, o.server.URL, 50*time.Millisecond)

	_, err := m.Install(context.Background(), mustManifest(t, manifest.Entry{Path: "/slow.js", Required: true}), "v1")
	var installErr *InstallError
	if !errors.As(err, &installErr) || len(installErr.FailedPaths) != 1 || installErr.FailedPaths[0] != "/slow.js" {
		t.Fatalf("expected InstallError for /slow.js, got %v", err)
	}
	if hits := o.hitCount("/slow.js"); hits != defaultMaxRetries {
		t.Fatalf("expected %d attempts, got %d", defaultMaxRetries, hits)
	}
	if status, _ := m.Status("v1"); status != StatusDeleted {
		t.Fatalf("expected deleted, got %s", status)
	}
	if n, _ := store.Count(context.Background(), "v1"); n != 0 {
		t.Fatalf("expected no entries after rollback, got %d", n)
	}
}

func TestInstallRejectsDifferentManifestForBuiltID(t *testing.T) {
	o := newOrigin(t)
	m, _ := newTestManager(t, o)
	ctx := context.Background()

	if _, err := m.Install(ctx, mustManifest(t, manifest.Entry{Path: "/", Required: true}), "v1"); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := m.Activate(ctx, "v1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	other := mustManifest(t, manifest.Entry{Path: "/", Required: true}, manifest.Entry{Path: "/new.js", Required: true})
	if _, err := m.Install(ctx, other, "v1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("different manifest for a live id should be invalid state, got %v", err)
	}
	if hits := o.hitCount("/new.js"); hits != 0 {
		t.Fatalf("nothing should be fetched on mismatch, got %d", hits)
	}
	if status, _ := m.Status("v1"); status != StatusLive {
		t.Fatalf("v1 should stay live, got %s", status)
	}
}
