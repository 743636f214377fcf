package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agent-iam/go-core/pkg/types"
)

// FileBackend appends events as JSON lines to a size-rotated file. It is a
// secondary sink: durable enough to survive a database outage while the
// pipeline retries the primary.
type FileBackend struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

// FileBackendConfig tunes rotation. Zero values take lumberjack defaults.
type FileBackendConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewFileBackend opens (lazily) the rotated log at cfg.Path.
func NewFileBackend(cfg FileBackendConfig) *FileBackend {
	return &FileBackend{
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}
}

func (f *FileBackend) Name() string { return "file" }

// WriteBatch appends one JSON line per event.
func (f *FileBackend) WriteBatch(_ context.Context, events []types.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range events {
		line, err := json.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to serialize audit event %s: %w", events[i].ID, err)
		}
		if _, err := f.writer.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to append audit event: %w", err)
		}
	}
	return nil
}

func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writer.Close()
}
