package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-hub/internal/metrics"
)

// Displayer 是宿主的"展示通知"副作用。
type Displayer interface {
	Display(ctx context.Context, notice Notice) error
}

// DisplayerFunc 让普通函数实现 Displayer。
type DisplayerFunc func(ctx context.Context, notice Notice) error

func (f DisplayerFunc) Display(ctx context.Context, notice Notice) error {
	return f(ctx, notice)
}

// Options 配置 Dispatcher。Window 为零时取 30s，负值关闭去重。
type Options struct {
	Fallback  Notice
	Window    time.Duration
	Displayer Displayer
	Logger    *logrus.Logger
	Metrics   *metrics.Collectors
	Now       func() time.Time
}

// Dispatcher 维护 tag → lastDisplayedAt，窗口内的重复 tag 被抑制。
type Dispatcher struct {
	fallback  Notice
	window    time.Duration
	displayer Displayer
	logger    *logrus.Logger
	metrics   *metrics.Collectors
	now       func() time.Time

	mu     sync.Mutex
	recent map[string]time.Time
}

const defaultWindow = 30 * time.Second

func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		fallback:  opts.Fallback,
		window:    opts.Window,
		displayer: opts.Displayer,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		recent:    make(map[string]time.Time),
	}
	if d.fallback.Title == "" {
		d.fallback.Title = "New notice"
	}
	if d.fallback.Tag == "" {
		d.fallback.Tag = "asset-hub-notice"
	}
	// 零值取默认窗口；负值关闭去重。
	switch {
	case d.window == 0:
		d.window = defaultWindow
	case d.window < 0:
		d.window = 0
	}
	if d.displayer == nil {
		d.displayer = DisplayerFunc(func(context.Context, Notice) error { return nil })
	}
	if d.logger == nil {
		d.logger = logrus.StandardLogger()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Dispatch 解码负载并在未被抑制时请求展示。展示失败时释放 tag 预占并返回错误。
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) (DisplayResult, error) {
	now := d.now()
	notice, ok := decode(raw)
	if !ok {
		notice = d.fallback
		d.logger.WithField("action", "push").Debug("push_payload_fallback")
	}
	notice = withDefaults(notice, d.fallback)
	notice.ReceivedAt = now

	if !d.reserve(notice.Tag, now) {
		d.metrics.ObserveNotice("suppressed")
		d.logger.WithFields(logrus.Fields{"action": "push", "tag": notice.Tag}).Info("notice_suppressed")
		return Suppressed, nil
	}

	if err := d.displayer.Display(ctx, notice); err != nil {
		d.release(notice.Tag, now)
		d.metrics.ObserveNotice("failed")
		d.logger.WithFields(logrus.Fields{"action": "push", "tag": notice.Tag, "error": err.Error()}).Warn("notice_display_failed")
		return Shown, err
	}

	d.metrics.ObserveNotice("shown")
	d.logger.WithFields(logrus.Fields{"action": "push", "tag": notice.Tag, "title": notice.Title}).Info("notice_shown")
	return Shown, nil
}

// reserve 在锁内清理过期 tag，并在窗口外时预占 tag。
func (d *Dispatcher) reserve(tag string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, at := range d.recent {
		if now.Sub(at) >= d.window {
			delete(d.recent, key)
		}
	}
	if _, ok := d.recent[tag]; ok {
		return false
	}
	d.recent[tag] = now
	return true
}

// release 撤销一次失败展示的预占；若期间已被他人覆盖则不动。
func (d *Dispatcher) release(tag string, reservedAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current, ok := d.recent[tag]; ok && current.Equal(reservedAt) {
		delete(d.recent, tag)
	}
}
