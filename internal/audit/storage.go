package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agent-iam/go-core/pkg/types"
)

// Backend persists audit event batches. Implementations must tolerate
// duplicate deliveries: the pipeline retries failed batches.
type Backend interface {
	Name() string
	WriteBatch(ctx context.Context, events []types.AuditEvent) error
	Close() error
}

// ChainSource recovers the persisted tail of a tenant's hash chain so the
// pipeline can resume linking across restarts. Returns nil when the tenant
// has no events yet.
type ChainSource interface {
	LastEvent(ctx context.Context, tenantID string) (*types.AuditEvent, error)
}

// MultiBackend fans a batch out to every configured backend in order.
// The batch counts as persisted when at least one backend acknowledges;
// individual failures are logged and reported but do not veto the write.
type MultiBackend struct {
	backends []Backend
	logger   *zap.Logger
}

// NewMultiBackend builds the fan-out writer.
func NewMultiBackend(logger *zap.Logger, backends ...Backend) *MultiBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiBackend{backends: backends, logger: logger}
}

func (m *MultiBackend) Name() string { return "multi" }

// WriteBatch writes to each backend sequentially. All-fail is the only
// failure mode surfaced to the pipeline.
func (m *MultiBackend) WriteBatch(ctx context.Context, events []types.AuditEvent) error {
	if len(m.backends) == 0 {
		return fmt.Errorf("no audit backends configured")
	}

	var failures []string
	succeeded := 0
	for _, b := range m.backends {
		if err := b.WriteBatch(ctx, events); err != nil {
			m.logger.Error("audit backend write failed",
				zap.String("backend", b.Name()),
				zap.Int("batch_size", len(events)),
				zap.Error(err),
			)
			failures = append(failures, fmt.Sprintf("%s: %v", b.Name(), err))
			continue
		}
		succeeded++
	}

	if succeeded == 0 {
		return fmt.Errorf("all audit backends failed: %s", strings.Join(failures, "; "))
	}
	return nil
}

func (m *MultiBackend) Close() error {
	var firstErr error
	for _, b := range m.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MemoryBackend keeps events in memory. Test use only.
type MemoryBackend struct {
	mu     sync.Mutex
	events []types.AuditEvent
	fail   bool
}

// NewMemoryBackend builds an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) WriteBatch(_ context.Context, events []types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("memory backend failing on purpose")
	}
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

// Events returns a copy of everything written so far.
func (m *MemoryBackend) Events() []types.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// SetFailing toggles write failures for pipeline retry tests.
func (m *MemoryBackend) SetFailing(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

// LastEvent implements ChainSource over the in-memory log.
func (m *MemoryBackend) LastEvent(_ context.Context, tenantID string) (*types.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].TenantID == tenantID {
			ev := m.events[i]
			return &ev, nil
		}
	}
	return nil, nil
}

// Mutate alters a stored event in place, for tamper-detection tests.
func (m *MemoryBackend) Mutate(index int, fn func(*types.AuditEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= 0 && index < len(m.events) {
		fn(&m.events[index])
	}
}
