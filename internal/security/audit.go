// Package security records capability denials as an append-only audit trail.
package security

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jkaninda/galaxy/internal/sandbox"
)

// DenialEvent is one line of the denial log.
type DenialEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`    // "module" or "builtin"
	Request   string    `json:"request"` // Requested module or builtin name.
	Reason    string    `json:"reason"`
}

// AuditLogger writes denials as append-only JSONL.
// Each event is a single JSON line followed by a newline.
// Thread-safe: multiple executions can report concurrently.
type AuditLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
	now    func() time.Time
	closed bool
}

var _ sandbox.DenialHandler = (*AuditLogger)(nil)

// NewAuditLogger opens (or creates) the denial log in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewAuditLogger(path string, logger *slog.Logger) (*AuditLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &AuditLogger{
		file:   f,
		logger: logger,
		now:    time.Now,
	}, nil
}

// OnDenial appends the denial to the log. Write failures are logged, since
// a denial handler has no caller to return them to.
func (a *AuditLogger) OnDenial(kind string, request interface{}, reason string) {
	if err := a.Append(DenialEvent{
		Timestamp: a.now().UTC(),
		Kind:      kind,
		Request:   fmt.Sprint(request),
		Reason:    reason,
	}); err != nil {
		a.logger.Error("audit log write failed", slog.String("error", err.Error()))
	}
}

// Append serializes the event as JSON and appends it to the log.
// Marshal happens outside the lock; only the file write is serialized.
func (a *AuditLogger) Append(event DenialEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling denial event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return os.ErrClosed
	}
	if _, err := a.file.Write(data); err != nil {
		return fmt.Errorf("writing denial event: %w", err)
	}
	return nil
}

// Close closes the underlying file. Later denials are dropped.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.file.Close()
}
