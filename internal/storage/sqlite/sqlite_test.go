package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/maigret-mcp/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "data", "history.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStore_RecordAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, subject := range []string{"alice", "bob", "carol"} {
		rec := &storage.CallRecord{
			Tool:       "search_username",
			Subject:    subject,
			Format:     "txt",
			ReportPath: "/reports/report_" + subject + ".txt",
			Status:     storage.StatusSuccess,
			DurationMs: int64(100 * (i + 1)),
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		}
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record(%s): %v", subject, err)
		}
		if rec.ID == uuid.Nil {
			t.Fatalf("Record(%s) did not assign an ID", subject)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(2) returned %d records", len(got))
	}
	if got[0].Subject != "carol" || got[1].Subject != "bob" {
		t.Errorf("order = [%s %s], want [carol bob]", got[0].Subject, got[1].Subject)
	}
	if got[0].ReportPath != "/reports/report_carol.txt" || got[0].DurationMs != 300 {
		t.Errorf("unexpected record: %+v", got[0])
	}
	if !got[0].StartedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("StartedAt = %v", got[0].StartedAt)
	}
}

func TestStore_RecentDefaultLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		rec := &storage.CallRecord{Tool: "parse_url", Status: storage.StatusToolError, Error: "boom", StartedAt: now, FinishedAt: now}
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	got, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Recent(0) returned %d records, want 3", len(got))
	}
	if got[0].Error != "boom" || got[0].Status != storage.StatusToolError {
		t.Errorf("unexpected record: %+v", got[0])
	}
}

func TestStore_PingAndDriver(t *testing.T) {
	s := testStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver() = %q", s.Driver())
	}
}
