// Package store implements the persistent invocation log named in
// spec §6: "a relational store with a single table instances(id,
// functions, kernel, image, vcpus, memory, ip, port, hops, status,
// created_at) supporting insert/update/list/get-by-id and an
// aggregation stats(period)". Grounded on the teacher's
// pkg/reporting.Storage constructor-plus-error-wrapping shape, adapted
// from file-backed JSON reports to a database/sql-backed relational
// table — SQLite via github.com/mattn/go-sqlite3 is the smallest "real
// relational store" reachable without a running external database
// server, and no ORM appears anywhere in the example pack, so this
// uses plain database/sql with explicit Scan calls throughout.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jihwankim/spare-worker/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	functions  TEXT NOT NULL,
	kernel     TEXT NOT NULL,
	image      TEXT NOT NULL,
	vcpus      INTEGER NOT NULL,
	memory     INTEGER NOT NULL,
	ip         TEXT NOT NULL DEFAULT '',
	port       INTEGER NOT NULL DEFAULT 0,
	hops       INTEGER NOT NULL DEFAULT 0,
	status     TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`

// InvocationStore is the persistent invocation log interface the
// pipeline and orchestrator depend on (spec §6, external collaborator
// "Persistent invocation log").
type InvocationStore interface {
	Insert(ctx context.Context, rec *model.InvocationRecord) (int64, error)
	Update(ctx context.Context, id int64, status model.InvocationStatus, ip string, port int) error
	List(ctx context.Context) ([]model.InvocationRecord, error)
	Get(ctx context.Context, id int64) (model.InvocationRecord, error)
	Stats(ctx context.Context, period model.StatsPeriod) (model.Stats, error)
}

// SQLStore is a database/sql-backed InvocationStore.
type SQLStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at dsn and
// ensures the instances table exists.
func Open(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Insert writes rec as a new row, with rec.Status as given, and returns
// its ID.
func (s *SQLStore) Insert(ctx context.Context, rec *model.InvocationRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (functions, kernel, image, vcpus, memory, ip, port, hops, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Function, rec.Kernel, rec.Image, rec.VCPUs, rec.MemoryMB, rec.GuestIP, rec.GuestPort, rec.Hops,
		rec.Status, rec.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert instance: %w", err)
	}
	return res.LastInsertId()
}

// Update sets status, ip and port on an existing row. The pipeline
// calls it once, from cleanup, for the terminal Terminated/Failed
// status; ip and port are already set by Insert.
func (s *SQLStore) Update(ctx context.Context, id int64, status model.InvocationStatus, ip string, port int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = ?, ip = ?, port = ? WHERE id = ?`,
		status, ip, port, id,
	)
	if err != nil {
		return fmt.Errorf("update instance %d: %w", id, err)
	}
	return nil
}

// List returns every row, most recent first.
func (s *SQLStore) List(ctx context.Context) ([]model.InvocationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, functions, kernel, image, vcpus, memory, ip, port, hops, status, created_at
		 FROM instances ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []model.InvocationRecord
	for rows.Next() {
		var rec model.InvocationRecord
		if err := rows.Scan(&rec.ID, &rec.Function, &rec.Kernel, &rec.Image, &rec.VCPUs, &rec.MemoryMB,
			&rec.GuestIP, &rec.GuestPort, &rec.Hops, &rec.Status, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns a single row by id.
func (s *SQLStore) Get(ctx context.Context, id int64) (model.InvocationRecord, error) {
	var rec model.InvocationRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, functions, kernel, image, vcpus, memory, ip, port, hops, status, created_at
		 FROM instances WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Function, &rec.Kernel, &rec.Image, &rec.VCPUs, &rec.MemoryMB,
		&rec.GuestIP, &rec.GuestPort, &rec.Hops, &rec.Status, &rec.CreatedAt)
	if err != nil {
		return model.InvocationRecord{}, fmt.Errorf("get instance %d: %w", id, err)
	}
	return rec, nil
}

// Stats aggregates over terminated instances created within period
// (spec §6: "stats(period) → {hops_avg, vcpus_sum, memory_sum,
// requests} restricted to status='terminated'").
func (s *SQLStore) Stats(ctx context.Context, period model.StatsPeriod) (model.Stats, error) {
	var stats model.Stats
	var hopsAvg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(hops), 0), COALESCE(SUM(vcpus), 0), COALESCE(SUM(memory), 0), COUNT(*)
		 FROM instances WHERE status = 'terminated' AND created_at >= ? AND created_at < ?`,
		period.From, period.To,
	).Scan(&hopsAvg, &stats.VCPUsSum, &stats.MemorySum, &stats.Requests)
	if err != nil {
		return model.Stats{}, fmt.Errorf("stats: %w", err)
	}
	stats.HopsAvg = hopsAvg.Float64
	return stats, nil
}
