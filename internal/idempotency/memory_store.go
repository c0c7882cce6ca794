package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 是进程内的幂等记录存储，用于测试和单机部署。
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record), now: time.Now}
}

// SetClock 注入时钟，仅供测试。
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Begin 原子地"不存在则创建"。已过期的旧记录视同不存在。
func (s *MemoryStore) Begin(ctx context.Context, key, requestHash string, ttl time.Duration) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.records[key]; ok && now.Before(existing.ExpiresAt) {
		clone := *existing
		return &clone, false, nil
	}
	rec := &Record{
		Key:         key,
		RequestHash: requestHash,
		Status:      StatusProcessing,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	s.records[key] = rec
	clone := *rec
	return &clone, true, nil
}

// Update 覆盖已有记录，保留原有的过期时间。
func (s *MemoryStore) Update(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[rec.Key]
	if !ok || !s.now().Before(existing.ExpiresAt) {
		return ErrNotFound
	}
	clone := *rec
	clone.ExpiresAt = existing.ExpiresAt
	s.records[rec.Key] = &clone
	return nil
}

// Get 返回未过期的记录。
func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[key]
	if !ok || !s.now().Before(existing.ExpiresAt) {
		return nil, ErrNotFound
	}
	clone := *existing
	return &clone, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error {
	return nil
}
