package staging

import (
	"context"
	"sync"
	"time"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/apierr"
)

// Memory is an in-process Store used by tests. Nothing in this repository
// switches to it when the S3-backed client is disabled.
type Memory struct {
	mu   sync.RWMutex
	objs map[string]memObject
}

type memObject struct {
	data []byte
	meta Metadata
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objs: make(map[string]memObject)}
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objs[key] = memObject{data: cp, meta: meta}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	obj, ok := m.objs[key]
	if ok {
		obj.meta.LastAccessedAt = time.Now()
		obj.meta.ExpiresAt = time.Now().Add(StagingTTL)
		m.objs[key] = obj
	}
	m.mu.Unlock()
	if !ok {
		return nil, apierr.New(apierr.NotFound, "staging: key not found: "+key)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (m *Memory) Head(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objs[key]
	return ok, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objs, key)
	return nil
}

func (m *Memory) Touch(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objs[key]
	if !ok {
		return apierr.New(apierr.NotFound, "staging: key not found: "+key)
	}
	obj.meta.ExpiresAt = time.Now().Add(StagingTTL)
	m.objs[key] = obj
	return nil
}

var _ Store = (*Memory)(nil)
