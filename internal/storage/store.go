// Package storage defines the execution history store. Two backends are
// provided: SQLite (default, zero-config) and PostgreSQL (production).
//
// Records describe an execution without its payload: the source text and
// the output are never persisted, only their size and a digest of the code.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/galaxy/internal/sandbox"
)

// ErrNotFound is returned by Get when no record has the requested ID.
var ErrNotFound = errors.New("execution record not found")

// ErrDuplicate is returned by Record when a record with the same ID exists.
var ErrDuplicate = errors.New("execution record already exists")

// Source identifies the transport an execution arrived through.
type Source string

const (
	SourceHTTP Source = "http"
	SourceWS   Source = "ws"
	SourceMCP  Source = "mcp"
	SourceCLI  Source = "cli"
)

// ExecutionRecord is one row of execution history.
type ExecutionRecord struct {
	ID          uuid.UUID `json:"id"`
	Language    string    `json:"language"`
	CodeSHA256  string    `json:"code_sha256"`
	CodeBytes   int       `json:"code_bytes"`
	Success     bool      `json:"success"`
	Kind        string    `json:"kind"`
	Error       string    `json:"error,omitempty"`
	OutputBytes int       `json:"output_bytes"`
	DurationMS  int64     `json:"duration_ms"`
	Source      Source    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListFilter narrows List results. Zero values mean no filter.
type ListFilter struct {
	Limit  int
	Source Source
	Kind   string
	Since  time.Time
}

// DefaultListLimit caps List when the filter does not set a limit.
const DefaultListLimit = 50

// MaxListLimit is the largest page List returns.
const MaxListLimit = 500

// EffectiveLimit clamps the filter limit into [1, MaxListLimit].
func (f ListFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// ExecutionStore persists execution history. Both SQLite and PostgreSQL
// backends implement this interface.
type ExecutionStore interface {
	Record(ctx context.Context, rec *ExecutionRecord) error
	Get(ctx context.Context, id uuid.UUID) (*ExecutionRecord, error)
	// List returns records newest first.
	List(ctx context.Context, filter ListFilter) ([]ExecutionRecord, error)
	// Prune deletes records created before the cutoff and returns how many
	// were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// maxErrorLen bounds the stored error summary.
const maxErrorLen = 1024

// NewRecord builds the history record for one execution.
func NewRecord(req sandbox.ExecutionRequest, result *sandbox.ExecutionResult, source Source) *ExecutionRecord {
	sum := sha256.Sum256([]byte(req.Code))
	rec := &ExecutionRecord{
		Language:    string(req.Language),
		CodeSHA256:  hex.EncodeToString(sum[:]),
		CodeBytes:   len(req.Code),
		Success:     result.Success,
		Kind:        result.Kind.Outcome(),
		Error:       truncate(result.ErrorMessage(), maxErrorLen),
		OutputBytes: len(result.Output),
		DurationMS:  result.Duration.Milliseconds(),
		Source:      source,
		CreatedAt:   time.Now().UTC(),
	}
	if id, err := uuid.Parse(result.ExecutionID); err == nil {
		rec.ID = id
	} else {
		rec.ID = uuid.New()
	}
	return rec
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
