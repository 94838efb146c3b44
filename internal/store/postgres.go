package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Postgres is the attendance store backed by PostgreSQL with pgvector.
// A pool is used because the recognition loop reads embeddings while its
// writer goroutine records events.
type Postgres struct {
	pool     *pgxpool.Pool
	evidence EvidenceWriter
	workday  Workday
}

// NewPostgres connects and ensures the schema exists.
func NewPostgres(ctx context.Context, connString string, evidence EvidenceWriter) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Postgres{pool: pool, evidence: evidence, workday: DefaultWorkday}, nil
}

// initPostgresSchema creates the tables and vector extension if they don't exist.
func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS employees (
			id TEXT PRIMARY KEY,
			full_name TEXT NOT NULL,
			department TEXT NOT NULL DEFAULT '',
			position TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS face_encodings (
			id BIGSERIAL PRIMARY KEY,
			employee_id TEXT NOT NULL REFERENCES employees(id) ON DELETE CASCADE,
			embedding VECTOR(512) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS attendance_logs (
			id UUID PRIMARY KEY,
			employee_id TEXT NOT NULL REFERENCES employees(id) ON DELETE CASCADE,
			attendance_time TIMESTAMPTZ NOT NULL,
			kind TEXT NOT NULL,
			face_image_path TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION
		);
		CREATE TABLE IF NOT EXISTS work_sessions (
			id BIGSERIAL PRIMARY KEY,
			employee_id TEXT NOT NULL REFERENCES employees(id) ON DELETE CASCADE,
			work_date DATE NOT NULL,
			check_in TIMESTAMPTZ,
			check_out TIMESTAMPTZ,
			working_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (employee_id, work_date)
		);
		CREATE INDEX IF NOT EXISTS attendance_logs_employee_time_idx ON attendance_logs (employee_id, attendance_time);
		CREATE INDEX IF NOT EXISTS face_encodings_employee_idx ON face_encodings (employee_id, created_at);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// CachedEmbeddings returns the newest encoding of every employee. Rows that
// cannot be parsed are skipped and logged.
func (s *Postgres) CachedEmbeddings(ctx context.Context) (map[string]types.KnownFace, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (f.employee_id) f.employee_id, e.full_name, f.embedding::text
		FROM face_encodings f
		JOIN employees e ON e.id = f.employee_id
		ORDER BY f.employee_id, f.created_at DESC, f.id DESC
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
		known[id] = types.KnownFace{EmployeeID: id, Name: name, Embedding: vec}
	}
	return known, rows.Err()
}

// RecordEvent appends an attendance log row and folds the event into the
// day's work session in one transaction.
func (s *Postgres) RecordEvent(ctx context.Context, rec types.AttendanceRecord) error {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO attendance_logs (id, employee_id, attendance_time, kind, face_image_path, confidence)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), rec.EmployeeID, at, string(rec.Kind), path, storedConfidence(rec.Confidence))
	if err != nil {
		return fmt.Errorf("failed to insert attendance log: %w", err)
	}

	// FOR UPDATE serialises concurrent events for the same employee and day.
	var existing *types.WorkSession
	var ws types.WorkSession
	err = tx.QueryRow(ctx, `
		SELECT id, employee_id, work_date, check_in, check_out, working_hours, status, note
		FROM work_sessions WHERE employee_id = $1 AND work_date = $2 FOR UPDATE
	`, rec.EmployeeID, dateOf(at)).Scan(&ws.ID, &ws.EmployeeID, &ws.WorkDate, &ws.CheckIn, &ws.CheckOut, &ws.WorkingHours, &ws.Status, &ws.Note)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to load work session: %w", err)
	default:
		inLocation(&ws, at.Location())
		existing = &ws
	}

	next, action, err := s.workday.apply(existing, rec.EmployeeID, rec.Kind, at)
	if err != nil {
		return err
	}
	switch action {
	case sessionInsert:
		_, err = tx.Exec(ctx, `
			INSERT INTO work_sessions (employee_id, work_date, check_in, status)
			VALUES ($1, $2, $3, $4)
		`, next.EmployeeID, next.WorkDate, next.CheckIn, next.Status)
	case sessionUpdate:
		_, err = tx.Exec(ctx, `
			UPDATE work_sessions SET check_out = $1, working_hours = $2, status = $3 WHERE id = $4
		`, next.CheckOut, next.WorkingHours, next.Status, next.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to write work session: %w", err)
	}
	return tx.Commit(ctx)
}

// AddEmployee inserts or updates an employee's details.
func (s *Postgres) AddEmployee(ctx context.Context, e types.Employee) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO employees (id, full_name, department, position)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET full_name = EXCLUDED.full_name,
			department = EXCLUDED.department, position = EXCLUDED.position
	`, e.ID, e.FullName, e.Department, e.Position)
	return err
}

// RenameEmployee updates the display name.
func (s *Postgres) RenameEmployee(ctx context.Context, id, name string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE employees SET full_name = $1 WHERE id = $2", name, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEmployee removes the employee with their encodings and history.
func (s *Postgres) DeleteEmployee(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM employees WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEmployees returns every employee with their encoding count.
func (s *Postgres) ListEmployees(ctx context.Context) ([]types.Employee, error) {
	rows, err := s.pool.Query(ctx, `
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
		if err := rows.Scan(&e.ID, &e.FullName, &e.Department, &e.Position, &e.CreatedAt, &e.Encodings); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddEncoding stores a new embedding for an existing employee.
func (s *Postgres) AddEncoding(ctx context.Context, employeeID string, vec []float32) error {
	if len(vec) != types.EmbeddingDim {
		return fmt.Errorf("embedding has %d values, want %d", len(vec), types.EmbeddingDim)
	}
	_, err := s.pool.Exec(ctx,
		"INSERT INTO face_encodings (employee_id, embedding) VALUES ($1, $2::vector)",
		employeeID, pgvector.NewVector(vec))
	return err
}

// ClosestEmployee finds the nearest enrolled encoding by cosine distance.
// The returned ID is empty when nothing is enrolled.
func (s *Postgres) ClosestEmployee(ctx context.Context, vec []float32) (string, float64, error) {
	// <=> is the cosine distance operator in pgvector
	var id string
	var dist float64
	err := s.pool.QueryRow(ctx, `
		SELECT employee_id, embedding <=> $1::vector AS dist
		FROM face_encodings ORDER BY dist ASC LIMIT 1
	`, pgvector.NewVector(vec)).Scan(&id, &dist)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return id, dist, nil
}

// WorkSessions returns sessions with work dates in [from, to].
func (s *Postgres) WorkSessions(ctx context.Context, from, to time.Time) ([]types.WorkSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT w.id, w.employee_id, e.full_name, w.work_date, w.check_in, w.check_out, w.working_hours, w.status, w.note
		FROM work_sessions w
		JOIN employees e ON e.id = w.employee_id
		WHERE w.work_date BETWEEN $1 AND $2
		ORDER BY w.work_date, w.employee_id
	`, dateOf(from), dateOf(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.WorkSession
	for rows.Next() {
		var ws types.WorkSession
		if err := rows.Scan(&ws.ID, &ws.EmployeeID, &ws.FullName, &ws.WorkDate, &ws.CheckIn, &ws.CheckOut, &ws.WorkingHours, &ws.Status, &ws.Note); err != nil {
			return nil, err
		}
		inLocation(&ws, from.Location())
		out = append(out, ws)
	}
	return out, rows.Err()
}

// AttendanceLogs returns the raw events for an employee on a day.
func (s *Postgres) AttendanceLogs(ctx context.Context, employeeID string, day time.Time) ([]types.AttendanceEvent, error) {
	start := dateOf(day)
	rows, err := s.pool.Query(ctx, `
		SELECT id, employee_id, attendance_time, kind, face_image_path, confidence
		FROM attendance_logs
		WHERE employee_id = $1 AND attendance_time >= $2 AND attendance_time < $3
		ORDER BY attendance_time
	`, employeeID, start, start.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.AttendanceEvent
	for rows.Next() {
		var ev types.AttendanceEvent
		var id uuid.UUID
		var kind string
		var conf *float64
		if err := rows.Scan(&id, &ev.EmployeeID, &ev.Timestamp, &kind, &ev.EvidencePath, &conf); err != nil {
			return nil, err
		}
		ev.ID = id.String()
		ev.Timestamp = ev.Timestamp.In(day.Location())
		ev.Kind = types.CheckKind(kind)
		if conf != nil {
			ev.Confidence = *conf
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// inLocation moves the session's times into loc so the workday rules read
// wall-clock times where the kiosk runs.
func inLocation(ws *types.WorkSession, loc *time.Location) {
	y, m, d := ws.WorkDate.Date()
	ws.WorkDate = time.Date(y, m, d, 0, 0, 0, 0, loc)
	if ws.CheckIn != nil {
		t := ws.CheckIn.In(loc)
		ws.CheckIn = &t
	}
	if ws.CheckOut != nil {
		t := ws.CheckOut.In(loc)
		ws.CheckOut = &t
	}
}

// Reset drops all application tables to clear the database state.
func (s *Postgres) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS work_sessions CASCADE;
		DROP TABLE IF EXISTS attendance_logs CASCADE;
		DROP TABLE IF EXISTS face_encodings CASCADE;
		DROP TABLE IF EXISTS employees CASCADE;
	`)
	return err
}
