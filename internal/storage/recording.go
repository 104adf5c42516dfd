package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/galaxy/internal/sandbox"
)

// recordTimeout bounds a single history write. Writes use their own context
// so a cancelled request still leaves a record behind.
const recordTimeout = 5 * time.Second

type sourceKey struct{}

// WithSource tags ctx with the transport the execution arrived through.
func WithSource(ctx context.Context, source Source) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFrom returns the transport tag of ctx, or "" if none was set.
func SourceFrom(ctx context.Context) Source {
	s, _ := ctx.Value(sourceKey{}).(Source)
	return s
}

// RecordingSandbox writes one history record per execution. Record failures
// are logged and never change the result returned to the caller.
type RecordingSandbox struct {
	inner  sandbox.Sandbox
	store  ExecutionStore
	logger *slog.Logger
}

var _ sandbox.Sandbox = (*RecordingSandbox)(nil)

// NewRecordingSandbox wraps inner so every execution is recorded in store.
func NewRecordingSandbox(inner sandbox.Sandbox, store ExecutionStore, logger *slog.Logger) *RecordingSandbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordingSandbox{inner: inner, store: store, logger: logger}
}

func (s *RecordingSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) *sandbox.ExecutionResult {
	start := time.Now()
	result := s.inner.Execute(ctx, req)
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}

	source := SourceFrom(ctx)
	if source == "" {
		source = SourceCLI
	}
	rec := NewRecord(req, result, source)
	if result.ExecutionID == "" {
		result.ExecutionID = rec.ID.String()
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.store.Record(writeCtx, rec); err != nil {
		s.logger.Warn("recording execution failed",
			slog.String("execution_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return result
}
