package ocr

import (
	"context"
	"sync"

	"github.com/ocr-go/ocr/internal/allocator"
)

// MockAllocator is a test double for allocator.Allocator that tracks
// call counts and can be told to fail the next N Alloc calls,
// mirroring the teacher's MockBackend call-tracking and error-injection
// style applied to the allocator collaborator instead of an I/O backend.
type MockAllocator struct {
	mu sync.Mutex

	allocCalls int
	freeCalls  int

	failNextAllocs int
	failErr        error
}

// NewMockAllocator creates a mock allocator that always succeeds until
// told otherwise via FailNextAllocs.
func NewMockAllocator() *MockAllocator {
	return &MockAllocator{failErr: allocator.ErrOutOfMemory}
}

// FailNextAllocs makes the next n Alloc calls return the mock's
// configured error instead of succeeding.
func (m *MockAllocator) FailNextAllocs(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextAllocs = n
}

// Alloc implements allocator.Allocator.
func (m *MockAllocator) Alloc(size uint64) ([]byte, error) {
	m.mu.Lock()
	m.allocCalls++
	if m.failNextAllocs > 0 {
		m.failNextAllocs--
		err := m.failErr
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()
	return make([]byte, size), nil
}

// Free implements allocator.Allocator.
func (m *MockAllocator) Free(region []byte) error {
	m.mu.Lock()
	m.freeCalls++
	m.mu.Unlock()
	return nil
}

// CallCounts reports the mock's Alloc/Free invocation counts.
func (m *MockAllocator) CallCounts() (allocCalls, freeCalls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocCalls, m.freeCalls
}

var _ allocator.Allocator = (*MockAllocator)(nil)

// NewTestRuntime creates a Runtime sized for fast, deterministic unit
// tests: a small fixed worker count instead of runtime.NumCPU(), and a
// NoOpObserver unless overridden via opts. Callers must call Shutdown
// when done (deferred is the normal pattern).
func NewTestRuntime(ctx context.Context, opts *Options) (*Runtime, error) {
	cfg := DefaultRuntimeConfig()
	cfg.WorkersPerPD = 2
	return NewRuntime(ctx, cfg, opts)
}
