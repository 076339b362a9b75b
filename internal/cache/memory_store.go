package cache

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]StoredResponse
}

// NewMemoryStore 返回进程内存储，重启即丢失，适合测试与临时运行。
func NewMemoryStore() Store {
	return &memoryStore{data: make(map[string]map[string]StoredResponse)}
}

func (m *memoryStore) Get(ctx context.Context, locator Locator) (*StoredResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.data[locator.Generation][locator.Key]
	if !ok {
		return nil, ErrNotFound
	}
	resp := cloneResponse(entry)
	return &resp, nil
}

func (m *memoryStore) Put(ctx context.Context, locator Locator, resp StoredResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validGeneration(locator.Generation) {
		return ErrInvalidGeneration
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.data[locator.Generation]
	if entries == nil {
		entries = make(map[string]StoredResponse)
		m.data[locator.Generation] = entries
	}
	entries[locator.Key] = cloneResponse(resp)
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, generation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, generation)
	return nil
}

func (m *memoryStore) Count(ctx context.Context, generation string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[generation]), nil
}

func (m *memoryStore) Close() error {
	return nil
}

// cloneResponse 深拷贝 header 与 body，调用方修改返回值不会影响已存条目。
func cloneResponse(resp StoredResponse) StoredResponse {
	out := resp
	if resp.Headers != nil {
		out.Headers = make(map[string]string, len(resp.Headers))
		for k, v := range resp.Headers {
			out.Headers[k] = v
		}
	}
	if resp.Body != nil {
		out.Body = append([]byte(nil), resp.Body...)
	}
	return out
}
