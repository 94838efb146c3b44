package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/andresmejia3/rollcall/internal/match"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite is a single-file attendance store for kiosks without a database
// server. Encodings are stored as comma-separated text.
type SQLite struct {
	db       *sql.DB
	evidence EvidenceWriter
	workday  Workday
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(path string, evidence EvidenceWriter) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; the loop's reader and writer goroutines share it.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLite{db: db, evidence: evidence, workday: DefaultWorkday}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS employees (
			id TEXT PRIMARY KEY,
			full_name TEXT NOT NULL,
			department TEXT NOT NULL DEFAULT '',
			position TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS face_encodings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			employee_id TEXT NOT NULL REFERENCES employees(id) ON DELETE CASCADE,
			encoding TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS attendance_logs (
			id TEXT PRIMARY KEY,
			employee_id TEXT NOT NULL REFERENCES employees(id) ON DELETE CASCADE,
			attendance_time DATETIME NOT NULL,
			kind TEXT NOT NULL,
			face_image_path TEXT NOT NULL DEFAULT '',
			confidence REAL
		)`,
		`CREATE TABLE IF NOT EXISTS work_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			employee_id TEXT NOT NULL REFERENCES employees(id) ON DELETE CASCADE,
			work_date TEXT NOT NULL,
			check_in DATETIME,
			check_out DATETIME,
			working_hours REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			UNIQUE (employee_id, work_date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attendance_logs_employee ON attendance_logs(employee_id, attendance_time)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const sqliteDate = "2006-01-02"

// CachedEmbeddings returns the newest encoding of every employee, skipping
// rows that do not parse to a full-width vector.
func (s *SQLite) CachedEmbeddings(ctx context.Context) (map[string]types.KnownFace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.employee_id, e.full_name, f.encoding
		FROM face_encodings f
		JOIN employees e ON e.id = f.employee_id
		ORDER BY f.employee_id, f.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	known := make(map[string]types.KnownFace)
	for rows.Next() {
		var id, name, raw string
		if err := rows.Scan(&id, &name, &raw); err != nil {
			return nil, err
		}
		vec, err := parseEncoding(raw, types.EmbeddingDim)
		if err != nil {
			log.Printf("[Store] Skipping malformed encoding for %s: %v", id, err)
			continue
		}
		// Later rows overwrite earlier ones, so the newest encoding wins.
		known[id] = types.KnownFace{EmployeeID: id, Name: name, Embedding: vec}
	}
	return known, rows.Err()
}

// RecordEvent appends a log row and folds the event into the day's session.
func (s *SQLite) RecordEvent(ctx context.Context, rec types.AttendanceRecord) error {
	if !rec.Kind.Valid() {
		return ErrUnknownKind
	}
	at := rec.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	path, err := s.evidence.Save(rec.EmployeeID, at, rec.Evidence)
	if err != nil {
		log.Printf("[Store] Evidence for %s not saved: %v", rec.EmployeeID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attendance_logs (id, employee_id, attendance_time, kind, face_image_path, confidence)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), rec.EmployeeID, at, string(rec.Kind), path, storedConfidence(rec.Confidence))
	if err != nil {
		return fmt.Errorf("failed to insert attendance log: %w", err)
	}

	var existing *types.WorkSession
	ws, err := scanSession(tx.QueryRowContext(ctx, `
		SELECT id, employee_id, '', work_date, check_in, check_out, working_hours, status, note
		FROM work_sessions WHERE employee_id = ? AND work_date = ?
	`, rec.EmployeeID, at.Format(sqliteDate)), at.Location())
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to load work session: %w", err)
	default:
		existing = &ws
	}

	next, action, err := s.workday.apply(existing, rec.EmployeeID, rec.Kind, at)
	if err != nil {
		return err
	}
	switch action {
	case sessionInsert:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO work_sessions (employee_id, work_date, check_in, status) VALUES (?, ?, ?, ?)
		`, next.EmployeeID, next.WorkDate.Format(sqliteDate), *next.CheckIn, next.Status)
	case sessionUpdate:
		_, err = tx.ExecContext(ctx, `
			UPDATE work_sessions SET check_out = ?, working_hours = ?, status = ? WHERE id = ?
		`, *next.CheckOut, next.WorkingHours, next.Status, next.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to write work session: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner, loc *time.Location) (types.WorkSession, error) {
	var ws types.WorkSession
	var workDate string
	var in, out sql.NullTime
	err := row.Scan(&ws.ID, &ws.EmployeeID, &ws.FullName, &workDate, &in, &out, &ws.WorkingHours, &ws.Status, &ws.Note)
	if err != nil {
		return ws, err
	}
	if d, err := time.ParseInLocation(sqliteDate, workDate, loc); err == nil {
		ws.WorkDate = d
	}
	if in.Valid {
		t := in.Time.In(loc)
		ws.CheckIn = &t
	}
	if out.Valid {
		t := out.Time.In(loc)
		ws.CheckOut = &t
	}
	return ws, nil
}

// AddEmployee inserts or updates an employee's details.
func (s *SQLite) AddEmployee(ctx context.Context, e types.Employee) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employees (id, full_name, department, position) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET full_name = excluded.full_name,
			department = excluded.department, position = excluded.position
	`, e.ID, e.FullName, e.Department, e.Position)
	return err
}

// RenameEmployee updates the display name.
func (s *SQLite) RenameEmployee(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE employees SET full_name = ? WHERE id = ?", name, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEmployee removes the employee with their encodings and history.
func (s *SQLite) DeleteEmployee(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM employees WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEmployees returns every employee with their encoding count.
func (s *SQLite) ListEmployees(ctx context.Context) ([]types.Employee, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.full_name, e.department, e.position, e.created_at, COUNT(f.id)
		FROM employees e
		LEFT JOIN face_encodings f ON f.employee_id = e.id
		GROUP BY e.id
		ORDER BY e.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Employee
	for rows.Next() {
		var e types.Employee
		var created sql.NullTime
		if err := rows.Scan(&e.ID, &e.FullName, &e.Department, &e.Position, &created, &e.Encodings); err != nil {
			return nil, err
		}
		e.CreatedAt = created.Time
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddEncoding stores a new embedding for an existing employee.
func (s *SQLite) AddEncoding(ctx context.Context, employeeID string, vec []float32) error {
	if len(vec) != types.EmbeddingDim {
		return fmt.Errorf("embedding has %d values, want %d", len(vec), types.EmbeddingDim)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO face_encodings (employee_id, encoding) VALUES (?, ?)",
		employeeID, formatEncoding(vec))
	return err
}

// ClosestEmployee scans every encoding for the smallest cosine distance.
func (s *SQLite) ClosestEmployee(ctx context.Context, vec []float32) (string, float64, error) {
	known, err := s.CachedEmbeddings(ctx)
	if err != nil {
		return "", 0, err
	}
	bestID, bestDist := "", 0.0
	for id, kf := range known {
		cos, ok := match.Cosine(vec, kf.Embedding)
		if !ok {
			continue
		}
		if dist := 1 - cos; bestID == "" || dist < bestDist {
			bestID, bestDist = id, dist
		}
	}
	return bestID, bestDist, nil
}

// WorkSessions returns sessions with work dates in [from, to].
func (s *SQLite) WorkSessions(ctx context.Context, from, to time.Time) ([]types.WorkSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.employee_id, e.full_name, w.work_date, w.check_in, w.check_out, w.working_hours, w.status, w.note
		FROM work_sessions w
		JOIN employees e ON e.id = w.employee_id
		WHERE w.work_date BETWEEN ? AND ?
		ORDER BY w.work_date, w.employee_id
	`, from.Format(sqliteDate), to.Format(sqliteDate))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.WorkSession
	for rows.Next() {
		ws, err := scanSession(rows, from.Location())
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// AttendanceLogs returns the raw events for an employee on a day.
func (s *SQLite) AttendanceLogs(ctx context.Context, employeeID string, day time.Time) ([]types.AttendanceEvent, error) {
	start := dateOf(day)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, employee_id, attendance_time, kind, face_image_path, confidence
		FROM attendance_logs
		WHERE employee_id = ? AND attendance_time >= ? AND attendance_time < ?
		ORDER BY attendance_time
	`, employeeID, start, start.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.AttendanceEvent
	for rows.Next() {
		var ev types.AttendanceEvent
		var kind string
		var conf sql.NullFloat64
		if err := rows.Scan(&ev.ID, &ev.EmployeeID, &ev.Timestamp, &kind, &ev.EvidencePath, &conf); err != nil {
			return nil, err
		}
		ev.Timestamp = ev.Timestamp.In(day.Location())
		ev.Kind = types.CheckKind(kind)
		ev.Confidence = conf.Float64
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Reset drops all application tables.
func (s *SQLite) Reset(ctx context.Context) error {
	for _, table := range []string{"work_sessions", "attendance_logs", "face_encodings", "employees"} {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return err
		}
	}
	return nil
}
