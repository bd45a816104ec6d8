package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/ppeguard/ppeguard/pkg/types"
)

const mysqlDuplicateEntry = 1062

var schema = []string{
	`CREATE TABLE IF NOT EXISTS workers (
		worker_id VARCHAR(64) NOT NULL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		department VARCHAR(128) NOT NULL DEFAULT '',
		location VARCHAR(255) NOT NULL DEFAULT '',
		shift VARCHAR(32) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
	)`,
	`CREATE TABLE IF NOT EXISTS compliance_records (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		event_id VARCHAR(64) NULL UNIQUE,
		worker_id VARCHAR(64) NOT NULL,
		department VARCHAR(128) NOT NULL DEFAULT '',
		location VARCHAR(255) NOT NULL DEFAULT '',
		image_url TEXT,
		is_compliant BOOLEAN NOT NULL,
		score DOUBLE NOT NULL,
		detections JSON NOT NULL,
		missing JSON NOT NULL,
		alert_sent BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_records_worker (worker_id),
		INDEX idx_records_department (department)
	)`,
	`CREATE TABLE IF NOT EXISTS compliance_alerts (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		record_id BIGINT NOT NULL,
		worker_id VARCHAR(64) NOT NULL,
		alert_type VARCHAR(32) NOT NULL,
		message TEXT NOT NULL,
		alert_sent BOOLEAN NOT NULL,
		outcomes JSON NOT NULL,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_alerts_record (record_id)
	)`,
}

// MySQL is a Repository backed by a MySQL database.
type MySQL struct {
	db  *sql.DB
	now func() time.Time
}

// OpenMySQL connects to dsn, verifies the connection and creates the schema.
func OpenMySQL(ctx context.Context, dsn string, maxOpenConns int) (*MySQL, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	cfg.ParseTime = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}
	m := NewMySQL(db)
	if err := m.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("store: connected to mysql", "addr", cfg.Addr, "db", cfg.DBName)
	return m, nil
}

// NewMySQL wraps an open database handle.
func NewMySQL(db *sql.DB) *MySQL {
	return &MySQL{db: db, now: time.Now}
}

// Migrate creates the tables if they do not exist.
func (m *MySQL) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database handle.
func (m *MySQL) Close() error { return m.db.Close() }

func (m *MySQL) CreateWorker(ctx context.Context, w types.Worker) error {
	_, err := m.db.ExecContext(ctx,
		"INSERT INTO workers (worker_id, name, department, location, shift, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		w.WorkerID, w.Name, w.Department, w.Location, w.Shift, m.now().UTC())
	if isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("store: insert worker: %w", err)
	}
	return nil
}

func (m *MySQL) GetWorker(ctx context.Context, id string) (types.Worker, error) {
	var w types.Worker
	err := m.db.QueryRowContext(ctx,
		"SELECT worker_id, name, department, location, shift FROM workers WHERE worker_id = ?", id).
		Scan(&w.WorkerID, &w.Name, &w.Department, &w.Location, &w.Shift)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Worker{}, ErrNotFound
	}
	if err != nil {
		return types.Worker{}, fmt.Errorf("store: get worker: %w", err)
	}
	return w, nil
}

func (m *MySQL) ListWorkers(ctx context.Context, offset, limit int) ([]types.Worker, error) {
	offset, limit = clampPage(offset, limit)
	rows, err := m.db.QueryContext(ctx,
		"SELECT worker_id, name, department, location, shift FROM workers ORDER BY created_at, worker_id LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list workers: %w", err)
	}
	defer rows.Close()

	out := []types.Worker{}
	for rows.Next() {
		var w types.Worker
		if err := rows.Scan(&w.WorkerID, &w.Name, &w.Department, &w.Location, &w.Shift); err != nil {
			return nil, fmt.Errorf("store: scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (m *MySQL) EnsureWorker(ctx context.Context, w types.Worker) (types.Worker, error) {
	got, err := m.GetWorker(ctx, w.WorkerID)
	if err == nil {
		return got, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return types.Worker{}, err
	}
	if err := m.CreateWorker(ctx, w); err != nil && !errors.Is(err, ErrDuplicate) {
		return types.Worker{}, err
	}
	// A concurrent insert may have won; read back what is stored.
	return m.GetWorker(ctx, w.WorkerID)
}

func (m *MySQL) SaveRecord(ctx context.Context, rec *Record) error {
	det, err := json.Marshal(rec.Detections)
	if err != nil {
		return fmt.Errorf("store: encode detections: %w", err)
	}
	missing := rec.Missing
	if missing == nil {
		missing = []types.Category{}
	}
	miss, err := json.Marshal(missing)
	if err != nil {
		return fmt.Errorf("store: encode missing: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}

	res, err := m.db.ExecContext(ctx,
		`INSERT INTO compliance_records
			(event_id, worker_id, department, location, image_url, is_compliant, score, detections, missing, alert_sent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(rec.EventID), rec.WorkerID, rec.Department, rec.Location, rec.ImageURL,
		rec.IsCompliant, rec.Score, det, miss, rec.AlertSent, rec.CreatedAt)
	if isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("store: insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: record id: %w", err)
	}
	rec.ID = id
	return nil
}

const recordColumns = "id, event_id, worker_id, department, location, image_url, is_compliant, score, detections, missing, alert_sent, created_at"

func (m *MySQL) GetRecord(ctx context.Context, id int64) (Record, error) {
	row := m.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM compliance_records WHERE id = ?", id)
	return scanOne(row)
}

func (m *MySQL) FindRecordByEvent(ctx context.Context, eventID string) (Record, error) {
	if eventID == "" {
		return Record{}, ErrNotFound
	}
	row := m.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM compliance_records WHERE event_id = ?", eventID)
	return scanOne(row)
}

func (m *MySQL) ListRecords(ctx context.Context, f RecordFilter) ([]Record, error) {
	var where []string
	var args []interface{}
	if f.WorkerID != "" {
		where = append(where, "worker_id = ?")
		args = append(args, f.WorkerID)
	}
	if f.Department != "" {
		where = append(where, "department = ?")
		args = append(args, f.Department)
	}
	if f.IsCompliant != nil {
		where = append(where, "is_compliant = ?")
		args = append(args, *f.IsCompliant)
	}

	q := "SELECT " + recordColumns + " FROM compliance_records"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	offset, limit := f.page()
	args = append(args, limit, offset)

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list records: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (m *MySQL) MarkAlerted(ctx context.Context, recordID int64) error {
	res, err := m.db.ExecContext(ctx,
		"UPDATE compliance_records SET alert_sent = TRUE WHERE id = ?", recordID)
	if err != nil {
		return fmt.Errorf("store: mark alerted: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MySQL) SaveAlert(ctx context.Context, a *Alert) error {
	outcomes := a.Outcomes
	if len(outcomes) == 0 {
		outcomes = json.RawMessage("{}")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now().UTC()
	}
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO compliance_alerts
			(record_id, worker_id, alert_type, message, alert_sent, outcomes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.RecordID, a.WorkerID, a.Type, a.Message, a.AlertSent, []byte(outcomes), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: alert id: %w", err)
	}
	a.ID = id
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOne(row *sql.Row) (Record, error) {
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func scanRecord(s scanner) (Record, error) {
	var (
		rec      Record
		eventID  sql.NullString
		imageURL sql.NullString
		det      []byte
		miss     []byte
	)
	err := s.Scan(&rec.ID, &eventID, &rec.WorkerID, &rec.Department, &rec.Location, &imageURL,
		&rec.IsCompliant, &rec.Score, &det, &miss, &rec.AlertSent, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, err
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: scan record: %w", err)
	}
	rec.EventID = eventID.String
	rec.ImageURL = imageURL.String
	if err := json.Unmarshal(det, &rec.Detections); err != nil {
		return Record{}, fmt.Errorf("store: decode detections: %w", err)
	}
	if err := json.Unmarshal(miss, &rec.Missing); err != nil {
		return Record{}, fmt.Errorf("store: decode missing: %w", err)
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
