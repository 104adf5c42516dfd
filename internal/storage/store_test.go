package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/galaxy/internal/sandbox"
)

// memStore is an in-memory ExecutionStore for decorator tests.
type memStore struct {
	mu        sync.Mutex
	records   []*ExecutionRecord
	recordErr error
	pruneErr  error
	cutoffs   []time.Time
}

func (m *memStore) Record(ctx context.Context, rec *ExecutionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) List(_ context.Context, _ ListFilter) ([]ExecutionRecord, error) {
	return nil, nil
}

func (m *memStore) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, before)
	if m.pruneErr != nil {
		return 0, m.pruneErr
	}
	return 3, nil
}

func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

type stubSandbox struct {
	result *sandbox.ExecutionResult
}

func (s stubSandbox) Execute(context.Context, sandbox.ExecutionRequest) *sandbox.ExecutionResult {
	return s.result
}

// --- NewRecord ---

func TestNewRecord(t *testing.T) {
	result := sandbox.Completed("hello\n")
	result.Duration = 1500 * time.Millisecond
	result.ExecutionID = "4f1c2a8e-5b3d-4c7e-9a10-2b3c4d5e6f70"

	rec := NewRecord(sandbox.ExecutionRequest{Code: "print('hello')", Language: sandbox.LanguagePython}, result, SourceHTTP)

	if rec.ID.String() != result.ExecutionID {
		t.Errorf("ID = %v, want %v", rec.ID, result.ExecutionID)
	}
	// sha256("print('hello')")
	if len(rec.CodeSHA256) != 64 {
		t.Errorf("CodeSHA256 = %q, want 64 hex chars", rec.CodeSHA256)
	}
	if rec.CodeBytes != len("print('hello')") {
		t.Errorf("CodeBytes = %d", rec.CodeBytes)
	}
	if rec.OutputBytes != 6 {
		t.Errorf("OutputBytes = %d, want 6", rec.OutputBytes)
	}
	if rec.DurationMS != 1500 {
		t.Errorf("DurationMS = %d, want 1500", rec.DurationMS)
	}
	if rec.Kind != "completed" || !rec.Success || rec.Error != "" {
		t.Errorf("outcome = %q/%v/%q, want completed/true/empty", rec.Kind, rec.Success, rec.Error)
	}
}

func TestNewRecord_GeneratesIDAndTruncatesError(t *testing.T) {
	long := strings.Repeat("x", 5000)
	result := sandbox.Faulted(sandbox.FaultRuntime, "", long, "")

	rec := NewRecord(sandbox.ExecutionRequest{Code: "fail()", Language: sandbox.LanguagePython}, result, SourceCLI)
	if rec.ID == uuid.Nil {
		t.Error("expected generated ID")
	}
	if len(rec.Error) != maxErrorLen {
		t.Errorf("len(Error) = %d, want %d", len(rec.Error), maxErrorLen)
	}
}

func TestListFilter_EffectiveLimit(t *testing.T) {
	tests := []struct {
		limit int
		want  int
	}{
		{0, DefaultListLimit},
		{-3, DefaultListLimit},
		{10, 10},
		{MaxListLimit + 1, MaxListLimit},
	}
	for _, tt := range tests {
		if got := (ListFilter{Limit: tt.limit}).EffectiveLimit(); got != tt.want {
			t.Errorf("EffectiveLimit(%d) = %d, want %d", tt.limit, got, tt.want)
		}
	}
}

// --- RecordingSandbox ---

func TestRecordingSandbox_RecordsWithSource(t *testing.T) {
	store := &memStore{}
	rs := NewRecordingSandbox(stubSandbox{result: sandbox.Completed("ok\n")}, store, nil)

	ctx := WithSource(context.Background(), SourceMCP)
	result := rs.Execute(ctx, sandbox.ExecutionRequest{Code: `print("ok")`, Language: sandbox.LanguagePython})

	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
	rec := store.records[0]
	if rec.Source != SourceMCP {
		t.Errorf("Source = %q, want mcp", rec.Source)
	}
	if result.ExecutionID != rec.ID.String() {
		t.Errorf("ExecutionID = %q, want %q", result.ExecutionID, rec.ID)
	}
}

func TestRecordingSandbox_DefaultSourceIsCLI(t *testing.T) {
	store := &memStore{}
	rs := NewRecordingSandbox(stubSandbox{result: sandbox.Completed("")}, store, nil)
	rs.Execute(context.Background(), sandbox.ExecutionRequest{Language: sandbox.LanguagePython})

	if got := store.records[0].Source; got != SourceCLI {
		t.Errorf("Source = %q, want cli", got)
	}
}

func TestRecordingSandbox_StoreFailureDoesNotSurface(t *testing.T) {
	store := &memStore{recordErr: errors.New("disk full")}
	want := sandbox.Completed("fine\n")
	rs := NewRecordingSandbox(stubSandbox{result: want}, store, nil)

	got := rs.Execute(context.Background(), sandbox.ExecutionRequest{Language: sandbox.LanguagePython})
	if !got.Success || got.Output != "fine\n" {
		t.Errorf("result = %+v, want the inner result unchanged", got)
	}
}

func TestRecordingSandbox_CancelledRequestStillRecorded(t *testing.T) {
	store := &memStore{}
	rs := NewRecordingSandbox(stubSandbox{result: sandbox.Faulted(sandbox.FaultCancelled, "", "execution cancelled: context canceled", "")}, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rs.Execute(ctx, sandbox.ExecutionRequest{Language: sandbox.LanguagePython})

	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
	if store.records[0].Kind != "cancelled" {
		t.Errorf("Kind = %q, want cancelled", store.records[0].Kind)
	}
}

// --- Retention ---

func TestStartRetention_InvalidConfig(t *testing.T) {
	if _, err := StartRetention(&memStore{}, RetentionConfig{MaxAge: 0, Schedule: "@daily"}, nil); err == nil {
		t.Error("expected error for zero max age")
	}
	if _, err := StartRetention(&memStore{}, RetentionConfig{MaxAge: time.Hour, Schedule: "not a schedule"}, nil); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestRetention_RunOnce(t *testing.T) {
	store := &memStore{}
	var pruned int64
	r, err := StartRetention(store, RetentionConfig{
		MaxAge:   24 * time.Hour,
		Schedule: "@daily",
		OnPruned: func(n int64) { pruned += n },
	}, nil)
	if err != nil {
		t.Fatalf("StartRetention() error: %v", err)
	}
	defer r.Stop()

	fixed := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if n != 3 || pruned != 3 {
		t.Errorf("pruned = %d (callback %d), want 3", n, pruned)
	}
	if want := fixed.Add(-24 * time.Hour); !store.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", store.cutoffs[0], want)
	}
}

func TestRetention_RunOnceError(t *testing.T) {
	store := &memStore{pruneErr: errors.New("locked")}
	r, err := StartRetention(store, RetentionConfig{MaxAge: time.Hour, Schedule: "@hourly"}, nil)
	if err != nil {
		t.Fatalf("StartRetention() error: %v", err)
	}
	defer r.Stop()

	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("expected prune error")
	}
}
