package dapps

import (
	"context"
	"sort"
	"sync"

	"github.com/rexliu/dappbridge/pkg/core"
)

// Backend persists DappInfo records keyed by canonical origin. The Store
// serializes calls per origin, so a Backend only needs to be safe for
// concurrent use across different origins.
type Backend interface {
	Load(ctx context.Context, origin string) (core.DappInfo, bool, error)
	Save(ctx context.Context, info core.DappInfo) error
	Delete(ctx context.Context, origin string) (bool, error)
	List(ctx context.Context) ([]core.DappInfo, error)
}

// MemoryBackend keeps records in process memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	items map[string]core.DappInfo
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string]core.DappInfo)}
}

func (m *MemoryBackend) Load(_ context.Context, origin string) (core.DappInfo, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.items[origin]
	if !ok {
		return core.DappInfo{}, false, nil
	}
	return info.Clone(), true, nil
}

func (m *MemoryBackend) Save(_ context.Context, info core.DappInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[info.Origin] = info.Clone()
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, origin string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[origin]
	delete(m.items, origin)
	return ok, nil
}

func (m *MemoryBackend) List(_ context.Context) ([]core.DappInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.DappInfo, 0, len(m.items))
	for _, info := range m.items {
		out = append(out, info.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out, nil
}
