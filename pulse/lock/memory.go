package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryProvider is an in-process Provider. It only excludes goroutines of
// one process; use RedisProvider across processes.
type MemoryProvider struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	now   func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// NewMemoryProvider creates an empty in-process lock provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		locks: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

// TryAcquire implements Provider.
func (p *MemoryProvider) TryAcquire(ctx context.Context, name string, ttl, wait time.Duration) (Handle, error) {
	token := uuid.NewString()
	ok, err := retryUntil(ctx, wait, func() (bool, error) {
		p.mu.Lock()
		defer p.mu.Unlock()

		now := p.now()
		if entry, held := p.locks[name]; held && now.Before(entry.expires) {
			return false, nil
		}
		p.locks[name] = memoryEntry{token: token, expires: now.Add(ttl)}
		return true, nil
	})
	if err != nil || !ok {
		return nil, err
	}
	return &memoryHandle{provider: p, name: name, token: token}, nil
}

// Held reports whether name is currently locked.
func (p *MemoryProvider) Held(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, held := p.locks[name]
	return held && p.now().Before(entry.expires)
}

type memoryHandle struct {
	provider *MemoryProvider
	name     string
	token    string
}

func (h *memoryHandle) Name() string { return h.name }

func (h *memoryHandle) Release(context.Context) error {
	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()
	if entry, held := h.provider.locks[h.name]; held && entry.token == h.token {
		delete(h.provider.locks, h.name)
	}
	return nil
}
