package cache

import (
	"context"
	"errors"
	"time"
)

// Store 负责按代际隔离地持久化缓存条目。磁盘布局（file 后端）遵循：
//
//	<StoragePath>/<Generation>/<sha256(key)>.entry
//
// 实现必须是并发安全的；写入的条目视为不可变。
type Store interface {
	// Get 返回 (generation, key) 对应的响应，不存在时返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*StoredResponse, error)

	// Put 写入一条响应。底层失败统一包装为 ErrWriteFailed。
	Put(ctx context.Context, locator Locator, resp StoredResponse) error

	// Delete 清除整个代际的全部条目，可重复调用。
	Delete(ctx context.Context, generation string) error

	// Count 返回代际内条目数量，供诊断与回滚校验使用。
	Count(ctx context.Context, generation string) (int, error)

	// Close 释放底层资源。
	Close() error
}

// Locator 唯一定位一个缓存条目（代际 + 请求键）。
type Locator struct {
	Generation string
	Key        string
}

// StoredResponse 是一次被缓存的响应快照，写入后不可修改。
type StoredResponse struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers"`
	Body     []byte            `json:"body"`
	StoredAt time.Time         `json:"stored_at"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrWriteFailed 表示底层存储写入失败。
	ErrWriteFailed = errors.New("cache write failed")
)

// Open 根据 driver 构建存储后端：file、sqlite 或 memory。
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "file":
		return NewFileStore(path)
	case "sqlite":
		return NewSQLiteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, errors.New("unsupported storage driver: " + driver)
	}
}

func validGeneration(generation string) bool {
	if generation == "" || generation == "." || generation == ".." {
		return false
	}
	for _, r := range generation {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// ErrInvalidGeneration 表示代际 ID 含有不允许的字符。
var ErrInvalidGeneration = errors.New("invalid generation id")

// ValidateGeneration 校验代际 ID 只包含 [A-Za-z0-9._-]。
func ValidateGeneration(generation string) error {
	if !validGeneration(generation) {
		return ErrInvalidGeneration
	}
	return nil
}
