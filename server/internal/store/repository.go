package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ppeguard/ppeguard/pkg/types"
)

var (
	// ErrNotFound is returned when a worker or record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when creating a worker whose ID is taken.
	ErrDuplicate = errors.New("store: duplicate")
)

// Default and maximum page sizes for list queries.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Record is one persisted compliance check.
type Record struct {
	ID          int64                 `json:"id"`
	EventID     string                `json:"event_id,omitempty"`
	WorkerID    string                `json:"worker_id"`
	Department  string                `json:"department,omitempty"`
	Location    string                `json:"location,omitempty"`
	ImageURL    string                `json:"image_url,omitempty"`
	IsCompliant bool                  `json:"is_compliant"`
	Score       float64               `json:"compliance_score"`
	Detections  types.DetectionResult `json:"detections"`
	Missing     []types.Category      `json:"missing_ppe"`
	AlertSent   bool                  `json:"alert_sent"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Alert is one persisted dispatch for a record.
type Alert struct {
	ID        int64           `json:"id"`
	RecordID  int64           `json:"record_id"`
	WorkerID  string          `json:"worker_id"`
	Type      string          `json:"alert_type"`
	Message   string          `json:"message"`
	AlertSent bool            `json:"alert_sent"`
	Outcomes  json.RawMessage `json:"outcomes"` // per-channel breakdown
	CreatedAt time.Time       `json:"created_at"`
}

// RecordFilter selects records for ListRecords. Zero values match everything.
type RecordFilter struct {
	WorkerID    string
	Department  string
	IsCompliant *bool
	Offset      int
	Limit       int
}

func (f RecordFilter) page() (offset, limit int) {
	return clampPage(f.Offset, f.Limit)
}

func clampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return offset, limit
}

// Repository persists workers, compliance records and alerts.
type Repository interface {
	CreateWorker(ctx context.Context, w types.Worker) error
	GetWorker(ctx context.Context, id string) (types.Worker, error)
	ListWorkers(ctx context.Context, offset, limit int) ([]types.Worker, error)
	// EnsureWorker returns the stored worker, creating it from w if absent.
	EnsureWorker(ctx context.Context, w types.Worker) (types.Worker, error)

	// SaveRecord inserts rec and sets rec.ID.
	SaveRecord(ctx context.Context, rec *Record) error
	GetRecord(ctx context.Context, id int64) (Record, error)
	FindRecordByEvent(ctx context.Context, eventID string) (Record, error)
	ListRecords(ctx context.Context, f RecordFilter) ([]Record, error)
	// MarkAlerted flags a record as having had an alert delivered.
	MarkAlerted(ctx context.Context, recordID int64) error

	// SaveAlert inserts a and sets a.ID.
	SaveAlert(ctx context.Context, a *Alert) error
}
