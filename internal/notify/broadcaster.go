package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrClosed 表示 Broadcaster 已关闭。
var ErrClosed = errors.New("broadcaster closed")

// Event 是推送给 SSE 订阅者的一条事件。
type Event struct {
	Name string
	Data []byte
}

const (
	EventNotice  = "notice"
	EventRefresh = "refresh"
)

// Broadcaster 把事件扇出给所有订阅者；慢订阅者的缓冲满时丢弃事件，不阻塞发布方。
type Broadcaster struct {
	buffer int

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{buffer: buffer, subs: make(map[int]chan Event)}
}

// Subscribe 注册订阅者，返回事件通道与取消函数。关闭后返回已关闭的通道。
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish 向全部订阅者投递事件，返回成功投递的订阅者数量。
func (b *Broadcaster) Publish(event Event) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- event:
			delivered++
		default:
		}
	}
	return delivered, nil
}

// Subscribers 返回当前订阅者数量。
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Display 将通知编码为 notice 事件广播出去，实现 Displayer。
func (b *Broadcaster) Display(_ context.Context, notice Notice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	_, err = b.Publish(Event{Name: EventNotice, Data: data})
	return err
}

// Refresh 广播 refresh 事件，通知客户端重新加载。
func (b *Broadcaster) Refresh() (int, error) {
	return b.Publish(Event{Name: EventRefresh, Data: []byte("{}")})
}

// Close 关闭全部订阅通道，之后的 Publish 返回 ErrClosed。
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
