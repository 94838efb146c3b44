package store

import (
	"context"
	"image"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "rollcall.db"), EvidenceWriter{})
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteRepository(t *testing.T) {
	exerciseRepository(t, newTestSQLite(t))
}

func TestSQLite_SkipsMalformedEncodings(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	for _, id := range []string{"E001", "E002"} {
		if err := s.AddEmployee(ctx, types.Employee{ID: id, FullName: id}); err != nil {
			t.Fatalf("AddEmployee failed: %v", err)
		}
	}
	if err := s.AddEncoding(ctx, "E001", unitVec(3)); err != nil {
		t.Fatalf("AddEncoding failed: %v", err)
	}
	if _, err := s.db.Exec("INSERT INTO face_encodings (employee_id, encoding) VALUES (?, ?)", "E002", "0.1,0.2,oops"); err != nil {
		t.Fatalf("raw insert failed: %v", err)
	}

	known, err := s.CachedEmbeddings(ctx)
	if err != nil {
		t.Fatalf("CachedEmbeddings failed: %v", err)
	}
	if len(known) != 1 {
		t.Fatalf("Expected 1 usable face, got %d", len(known))
	}
	if _, ok := known["E002"]; ok {
		t.Error("Malformed encoding should have been skipped")
	}
}

func TestSQLite_NewestEncodingWins(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if err := s.AddEmployee(ctx, types.Employee{ID: "E001", FullName: "Alice"}); err != nil {
		t.Fatalf("AddEmployee failed: %v", err)
	}
	for _, axis := range []int{0, 7} {
		if err := s.AddEncoding(ctx, "E001", unitVec(axis)); err != nil {
			t.Fatalf("AddEncoding failed: %v", err)
		}
	}

	known, err := s.CachedEmbeddings(ctx)
	if err != nil {
		t.Fatalf("CachedEmbeddings failed: %v", err)
	}
	if got := known["E001"].Embedding; got[7] != 1 || got[0] != 0 {
		t.Errorf("Expected the newest encoding, got %v", got[:8])
	}
}

func TestSQLite_EvidenceSaved(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "rollcall.db"), EvidenceWriter{Dir: dir, Quality: 80})
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.AddEmployee(ctx, types.Employee{ID: "E001", FullName: "Alice"}); err != nil {
		t.Fatalf("AddEmployee failed: %v", err)
	}
	at := time.Date(2026, 3, 2, 7, 20, 0, 0, time.UTC)
	rec := types.AttendanceRecord{EmployeeID: "E001", Kind: types.CheckIn, Confidence: 0.91, Timestamp: at, Evidence: testImage(16, 16)}
	if err := s.RecordEvent(ctx, rec); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	logs, err := s.AttendanceLogs(ctx, "E001", at)
	if err != nil {
		t.Fatalf("AttendanceLogs failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("Expected 1 log, got %d", len(logs))
	}
	want := EvidenceWriter{Dir: dir}.Path("E001", at)
	if logs[0].EvidencePath != want {
		t.Errorf("Expected evidence path %s, got %s", want, logs[0].EvidencePath)
	}

	sessions, err := s.WorkSessions(ctx, at, at)
	if err != nil {
		t.Fatalf("WorkSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Status != StatusOnTime {
		t.Errorf("Expected one on-time session, got %+v", sessions)
	}
}

func TestSQLite_RecordEventWithNilCrop(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "rollcall.db"), EvidenceWriter{Dir: dir, Quality: 80})
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.AddEmployee(ctx, types.Employee{ID: "E001", FullName: "Alice"}); err != nil {
		t.Fatalf("AddEmployee failed: %v", err)
	}
	var crop *image.RGBA
	at := time.Date(2026, 3, 2, 7, 20, 0, 0, time.UTC)
	rec := types.AttendanceRecord{EmployeeID: "E001", Kind: types.CheckIn, Confidence: 0.9, Timestamp: at, Evidence: crop}
	if err := s.RecordEvent(ctx, rec); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	logs, err := s.AttendanceLogs(ctx, "E001", at)
	if err != nil {
		t.Fatalf("AttendanceLogs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].EvidencePath != "" {
		t.Errorf("Expected one log without evidence, got %+v", logs)
	}
}

func TestSQLite_Reset(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListEmployees(ctx); err == nil {
		t.Error("Expected error querying dropped tables")
	}
}
