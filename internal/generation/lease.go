package generation

import (
	"context"
	"fmt"
	"sync"

	"github.com/any-hub/asset-hub/internal/cache"
)

// Lease 将读者固定在调用开始时解析到的代际上；持有期间该代际不会被回收。
type Lease struct {
	rec   *record
	store cache.Store
	once  sync.Once
}

// Acquire 解析当前 Live 代际并增加其读者计数。尚无 Live 代际时返回 false。
func (m *Manager) Acquire() (*Lease, bool) {
	for {
		rec := m.live.Load()
		if rec == nil {
			return nil, false
		}
		rec.refs.Add(1)
		if !rec.reaping.Load() {
			return &Lease{rec: rec, store: m.store}, true
		}
		// 回收方已抢先，重新解析 Live。
		rec.refs.Add(-1)
	}
}

// Generation 返回租约固定的代际 ID。
func (l *Lease) Generation() string {
	return l.rec.id
}

// Get 在租约代际内查找条目，缺失时返回 cache.ErrNotFound。
func (l *Lease) Get(ctx context.Context, key string) (*cache.StoredResponse, error) {
	return l.store.Get(ctx, cache.Locator{Generation: l.rec.id, Key: key})
}

// Release 归还租约，可重复调用。
func (l *Lease) Release() {
	l.once.Do(func() {
		l.rec.refs.Add(-1)
	})
}

// Backfill 把一次网络回源的响应机会性写入写入时刻的 Live 代际。
// 不存在 Live 代际，或代际已离开 Live 时返回 ErrInvalidState。
func (m *Manager) Backfill(ctx context.Context, key string, resp cache.StoredResponse) (string, error) {
	lease, ok := m.Acquire()
	if !ok {
		return "", fmt.Errorf("%w: no live generation", ErrInvalidState)
	}
	defer lease.Release()

	if status := lease.rec.load(); status != StatusLive {
		return lease.rec.id, fmt.Errorf("%w: generation %s is %s", ErrInvalidState, lease.rec.id, status)
	}
	return lease.rec.id, m.store.Put(ctx, cache.Locator{Generation: lease.rec.id, Key: key}, resp)
}

// Get 读取指定代际中的条目，不持有租约，供诊断使用。
func (m *Manager) Get(ctx context.Context, id, key string) (*cache.StoredResponse, error) {
	return m.store.Get(ctx, cache.Locator{Generation: id, Key: key})
}
