package generation

import (
	"sync"
	"sync/atomic"
	"time"
)

// record 是单个代际的运行时状态。status、refs 与 reaping 使用原子变量，
// 读路径无需加锁；时间戳由 mu 保护。
type record struct {
	id     string
	seq    uint64
	digest string

	status  atomic.Int32
	refs    atomic.Int64
	reaping atomic.Bool

	// writeMu：Put 持读锁，离开 Populating 的状态迁移持写锁。
	writeMu sync.RWMutex

	mu          sync.Mutex
	createdAt   time.Time
	readyAt     time.Time
	activatedAt time.Time
	retiredAt   time.Time
	deletedAt   time.Time
}

func newRecord(id string, seq uint64, digest string, now time.Time) *record {
	rec := &record{id: id, seq: seq, digest: digest, createdAt: now}
	rec.status.Store(int32(StatusPopulating))
	return rec
}

func (r *record) load() Status {
	return Status(r.status.Load())
}

// transition 写入新状态并记录对应时间戳。
func (r *record) transition(next Status, now time.Time) {
	r.status.Store(int32(next))
	r.mu.Lock()
	defer r.mu.Unlock()
	switch next {
	case StatusReady:
		r.readyAt = now
	case StatusLive:
		r.activatedAt = now
	case StatusRetiring:
		r.retiredAt = now
	case StatusDeleted:
		r.deletedAt = now
	}
}

// Snapshot 是代际的只读视图，供诊断接口输出。
type Snapshot struct {
	ID          string    `json:"id"`
	Seq         uint64    `json:"seq"`
	Status      Status    `json:"status"`
	Readers     int64     `json:"readers"`
	Entries     int       `json:"entries"`
	CreatedAt   time.Time `json:"created_at"`
	ReadyAt     time.Time `json:"ready_at,omitzero"`
	ActivatedAt time.Time `json:"activated_at,omitzero"`
	RetiredAt   time.Time `json:"retired_at,omitzero"`
	DeletedAt   time.Time `json:"deleted_at,omitzero"`
}

func (r *record) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ID:          r.id,
		Seq:         r.seq,
		Status:      r.load(),
		Readers:     r.refs.Load(),
		CreatedAt:   r.createdAt,
		ReadyAt:     r.readyAt,
		ActivatedAt: r.activatedAt,
		RetiredAt:   r.retiredAt,
		DeletedAt:   r.deletedAt,
	}
}
