package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agent-iam/go-core/internal/apperror"
	"github.com/agent-iam/go-core/internal/metrics"
	"github.com/agent-iam/go-core/pkg/types"
)

const (
	// DefaultQueueDepth bounds the producer queue; a full queue fails fast.
	DefaultQueueDepth = 10_000
	// DefaultBatchSize is the consumer's maximum batch before a forced flush.
	DefaultBatchSize = 100
	// DefaultFlushInterval flushes partial batches on a timer.
	DefaultFlushInterval = 1000 * time.Millisecond

	defaultMaxRetries   = 3
	defaultRetryBackoff = 250 * time.Millisecond
	flushTimeout        = 10 * time.Second
)

// LoggerConfig tunes the asynchronous pipeline. Zero values take defaults.
type LoggerConfig struct {
	QueueDepth    int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
}

func (c LoggerConfig) withDefaults() LoggerConfig {
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	return c
}

// Logger is the asynchronous, hash-chaining audit pipeline. Producers
// enqueue without blocking; a single consumer links events into per-tenant
// hash chains and persists them in batches.
type Logger struct {
	cfg     LoggerConfig
	queue   chan types.AuditEvent
	backend Backend
	chains  ChainSource
	logger  *zap.Logger
	metrics *metrics.Metrics

	// heads maps tenant id to the hash of that tenant's last linked event.
	// Touched only by the consumer goroutine.
	heads map[string]string

	closeOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewLogger starts the pipeline. chains may be nil, in which case every
// tenant's chain starts fresh at the first event seen by this process.
func NewLogger(backend Backend, chains ChainSource, cfg LoggerConfig, logger *zap.Logger, m *metrics.Metrics) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	l := &Logger{
		cfg:     cfg,
		queue:   make(chan types.AuditEvent, cfg.QueueDepth),
		backend: backend,
		chains:  chains,
		logger:  logger,
		metrics: m,
		heads:   make(map[string]string),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Enqueue submits one event. It never blocks: a full queue returns an
// internal error immediately, surfacing audit pressure to the caller
// instead of hiding it as latency.
func (l *Logger) Enqueue(event types.AuditEvent) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return apperror.Internal("audit logger closed")
	}
	l.mu.Unlock()

	select {
	case l.queue <- event:
		l.metrics.SetAuditQueueDepth(len(l.queue))
		return nil
	default:
		l.metrics.RecordAuditDrop()
		return apperror.Internal("audit queue full")
	}
}

// Close stops intake, drains the queue, flushes the remainder, and waits
// for the consumer to exit.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.queue)
	})
	<-l.done
	return nil
}

func (l *Logger) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]types.AuditEvent, 0, l.cfg.BatchSize)

	for {
		select {
		case event, ok := <-l.queue:
			if !ok {
				// Drain anything the producers managed to enqueue before close.
				for event := range l.queue {
					batch = append(batch, event)
					if len(batch) >= l.cfg.BatchSize {
						l.flush(batch)
						batch = batch[:0]
					}
				}
				if len(batch) > 0 {
					l.flush(batch)
				}
				return
			}
			batch = append(batch, event)
			if len(batch) >= l.cfg.BatchSize {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
			l.metrics.SetAuditQueueDepth(len(l.queue))
		}
	}
}

// flush links the batch into the per-tenant chains and writes it with
// bounded retries. Linking happens exactly once; retries resend the already
// linked events so the chain stays consistent across redelivery.
func (l *Logger) flush(batch []types.AuditEvent) {
	linked := make([]types.AuditEvent, len(batch))
	for i, event := range batch {
		ev, err := l.link(event)
		if err != nil {
			l.logger.Error("failed to link audit event into chain",
				zap.String("tenant_id", event.TenantID),
				zap.String("event_type", string(event.EventType)),
				zap.Error(err),
			)
			// Keep the unlinked event rather than dropping it.
			ev = event
		}
		linked[i] = ev
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		lastErr = l.backend.WriteBatch(ctx, linked)
		cancel()
		if lastErr == nil {
			l.metrics.RecordAuditWrite(len(linked), time.Since(start))
			return
		}
		l.logger.Warn("audit batch write failed",
			zap.Int("attempt", attempt),
			zap.Int("batch_size", len(linked)),
			zap.Error(lastErr),
		)
		time.Sleep(l.cfg.RetryBackoff * time.Duration(attempt))
	}

	l.logger.Error("audit batch dropped after retries exhausted",
		zap.Int("batch_size", len(linked)),
		zap.Error(lastErr),
	)
}

// link assigns identity and chain position to one event. The previous hash
// comes from the in-process head cache, falling back to the persisted tail
// on the first event a tenant produces after startup.
func (l *Logger) link(event types.AuditEvent) (types.AuditEvent, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	// The relational store keeps microsecond precision; hashing anything
	// finer would break verification on read-back.
	event.Timestamp = event.Timestamp.UTC().Truncate(time.Microsecond)

	head, ok := l.heads[event.TenantID]
	if !ok && l.chains != nil {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		last, err := l.chains.LastEvent(ctx, event.TenantID)
		cancel()
		if err != nil {
			return event, fmt.Errorf("failed to recover chain head: %w", err)
		}
		if last != nil {
			h, err := ComputeHash(last)
			if err != nil {
				return event, fmt.Errorf("failed to hash chain tail: %w", err)
			}
			head = h
		}
	}

	event.PreviousEventHash = head

	h, err := ComputeHash(&event)
	if err != nil {
		return event, fmt.Errorf("failed to hash event: %w", err)
	}
	l.heads[event.TenantID] = h
	return event, nil
}
