package cursor

import (
	"context"
	"sync"
	"time"
)

// MemoryCursor keeps the cursor for the life of the process only.
type MemoryCursor struct {
	mutex sync.Mutex
	ts    *time.Time
}

func NewMemoryCursor() *MemoryCursor {
	return &MemoryCursor{}
}

func (m *MemoryCursor) Load(ctx context.Context) (*time.Time, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.ts == nil {
		return nil, nil
	}
	ts := *m.ts
	return &ts, nil
}

func (m *MemoryCursor) Save(ctx context.Context, ts time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.ts = &ts
	return nil
}

func (m *MemoryCursor) Clear(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.ts = nil
	return nil
}
