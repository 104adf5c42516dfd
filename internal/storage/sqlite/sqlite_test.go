package sqlite

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/galaxy/internal/sandbox"
	"github.com/jkaninda/galaxy/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "history", "galaxy.db")}, logger)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(source storage.Source, success bool, createdAt time.Time) *storage.ExecutionRecord {
	result := sandbox.Completed("hi\n")
	if !success {
		result = sandbox.Faulted(sandbox.FaultRuntime, "", "ZeroDivisionError: division by zero", "tb")
	}
	rec := storage.NewRecord(sandbox.ExecutionRequest{Code: `print("hi")`, Language: sandbox.LanguagePython}, result, source)
	rec.CreatedAt = createdAt
	return rec
}

// --- Open ---

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	s := testStore(t)
	if _, err := os.Stat(filepath.Dir(s.Path())); err != nil {
		t.Fatalf("database directory missing: %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver() = %q, want %q", s.Driver(), storage.DriverSQLite)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

// --- Record / Get ---

func TestRecordAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord(storage.SourceHTTP, false, time.Now().UTC().Truncate(time.Millisecond))
	if err := s.Record(ctx, rec); err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("ID = %v, want %v", got.ID, rec.ID)
	}
	if got.Success {
		t.Error("Success = true, want false")
	}
	if got.Kind != "runtime_fault" {
		t.Errorf("Kind = %q, want runtime_fault", got.Kind)
	}
	if got.Error != "ZeroDivisionError: division by zero" {
		t.Errorf("Error = %q", got.Error)
	}
	if got.CodeSHA256 != rec.CodeSHA256 || len(got.CodeSHA256) != 64 {
		t.Errorf("CodeSHA256 = %q, want %q", got.CodeSHA256, rec.CodeSHA256)
	}
	if got.Source != storage.SourceHTTP {
		t.Errorf("Source = %q, want http", got.Source)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Get(context.Background(), uuid.New())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestRecord_Duplicate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord(storage.SourceCLI, true, time.Now().UTC())
	if err := s.Record(ctx, rec); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if err := s.Record(ctx, rec); !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("second Record() error = %v, want ErrDuplicate", err)
	}
}

// --- List ---

func TestList_NewestFirstWithFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, src := range []storage.Source{storage.SourceHTTP, storage.SourceWS, storage.SourceHTTP, storage.SourceMCP} {
		if err := s.Record(ctx, testRecord(src, i%2 == 0, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Record(%d) error: %v", i, err)
		}
	}

	all, err := s.List(ctx, storage.ListFilter{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len = %d, want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Errorf("records not newest first at %d", i)
		}
	}

	httpOnly, err := s.List(ctx, storage.ListFilter{Source: storage.SourceHTTP})
	if err != nil {
		t.Fatalf("List(http) error: %v", err)
	}
	if len(httpOnly) != 2 {
		t.Errorf("http records = %d, want 2", len(httpOnly))
	}

	faults, err := s.List(ctx, storage.ListFilter{Kind: "runtime_fault"})
	if err != nil {
		t.Fatalf("List(kind) error: %v", err)
	}
	if len(faults) != 2 {
		t.Errorf("runtime_fault records = %d, want 2", len(faults))
	}

	limited, err := s.List(ctx, storage.ListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("List(limit) error: %v", err)
	}
	if len(limited) != 1 || limited[0].Source != storage.SourceMCP {
		t.Errorf("limited = %+v, want the newest (mcp) record", limited)
	}

	recent, err := s.List(ctx, storage.ListFilter{Since: base.Add(90 * time.Second)})
	if err != nil {
		t.Fatalf("List(since) error: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("recent records = %d, want 2", len(recent))
	}
}

// --- Prune ---

func TestPrune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := testRecord(storage.SourceHTTP, true, now.Add(-48*time.Hour))
	fresh := testRecord(storage.SourceHTTP, true, now)
	for _, r := range []*storage.ExecutionRecord{old, fresh} {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, err := s.Get(ctx, old.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old record still present: %v", err)
	}
	if _, err := s.Get(ctx, fresh.ID); err != nil {
		t.Errorf("fresh record missing: %v", err)
	}
}

// --- RecordingSandbox over a real store ---

func TestRecordingSandbox_WritesHistory(t *testing.T) {
	s := testStore(t)
	engine := sandbox.NewEngine(sandbox.EngineConfig{MaxConcurrent: 1}, nil)
	rec := storage.NewRecordingSandbox(engine, s, nil)

	ctx := storage.WithSource(context.Background(), storage.SourceWS)
	result := rec.Execute(ctx, sandbox.ExecutionRequest{Code: "import socket", Language: sandbox.LanguagePython})
	if result.Success {
		t.Fatal("expected capability rejection")
	}

	id, err := uuid.Parse(result.ExecutionID)
	if err != nil {
		t.Fatalf("ExecutionID %q is not a UUID: %v", result.ExecutionID, err)
	}
	got, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Kind != "capability_rejected" {
		t.Errorf("Kind = %q, want capability_rejected", got.Kind)
	}
	if got.Source != storage.SourceWS {
		t.Errorf("Source = %q, want ws", got.Source)
	}
	if got.CodeBytes != len("import socket") {
		t.Errorf("CodeBytes = %d, want %d", got.CodeBytes, len("import socket"))
	}
}
