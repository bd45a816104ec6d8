package store

import (
	"context"
	"errors"
	"testing"

	"github.com/ppeguard/ppeguard/pkg/types"
)

func TestMemory_Workers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.CreateWorker(ctx, types.Worker{WorkerID: "W1", Name: "Ana"}); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	if err := m.CreateWorker(ctx, types.Worker{WorkerID: "W1"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate: got %v, want ErrDuplicate", err)
	}
	if _, err := m.GetWorker(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: got %v, want ErrNotFound", err)
	}

	w, err := m.EnsureWorker(ctx, types.Worker{WorkerID: "W1", Name: "Other"})
	if err != nil || w.Name != "Ana" {
		t.Errorf("EnsureWorker existing: got %+v, %v", w, err)
	}
	w, err = m.EnsureWorker(ctx, types.Worker{WorkerID: "W2", Name: "Bo"})
	if err != nil || w.Name != "Bo" {
		t.Errorf("EnsureWorker new: got %+v, %v", w, err)
	}

	list, _ := m.ListWorkers(ctx, 1, 10)
	if len(list) != 1 || list[0].WorkerID != "W2" {
		t.Errorf("ListWorkers offset 1: got %+v", list)
	}
}

func TestMemory_Records(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	recs := []Record{
		{EventID: "e1", WorkerID: "W1", Department: "production", IsCompliant: true, Score: 100},
		{EventID: "e2", WorkerID: "W1", Department: "production", IsCompliant: false, Score: 50},
		{WorkerID: "W2", Department: "warehouse", IsCompliant: false, Score: 25},
	}
	for i := range recs {
		if err := m.SaveRecord(ctx, &recs[i]); err != nil {
			t.Fatalf("SaveRecord %d: %v", i, err)
		}
	}
	if recs[2].ID != 3 || recs[2].CreatedAt.IsZero() {
		t.Errorf("SaveRecord did not assign id/time: %+v", recs[2])
	}
	if err := m.SaveRecord(ctx, &Record{EventID: "e1"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate event: got %v, want ErrDuplicate", err)
	}

	got, err := m.FindRecordByEvent(ctx, "e2")
	if err != nil || got.ID != 2 {
		t.Errorf("FindRecordByEvent: got %+v, %v", got, err)
	}
	if _, err := m.FindRecordByEvent(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty event id: got %v, want ErrNotFound", err)
	}

	no := false
	list, _ := m.ListRecords(ctx, RecordFilter{IsCompliant: &no})
	if len(list) != 2 || list[0].ID != 3 || list[1].ID != 2 {
		t.Errorf("non-compliant newest first: got %+v", list)
	}
	list, _ = m.ListRecords(ctx, RecordFilter{WorkerID: "W1", Limit: 1})
	if len(list) != 1 || list[0].ID != 2 {
		t.Errorf("W1 limit 1: got %+v", list)
	}
	list, _ = m.ListRecords(ctx, RecordFilter{Department: "production", Offset: 5})
	if len(list) != 0 {
		t.Errorf("offset past end: got %d", len(list))
	}

	if err := m.MarkAlerted(ctx, 2); err != nil {
		t.Fatalf("MarkAlerted: %v", err)
	}
	if r, _ := m.GetRecord(ctx, 2); !r.AlertSent {
		t.Error("record 2 not marked alerted")
	}
	if _, err := m.GetRecord(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord 99: got %v", err)
	}
}

func TestMemory_Alerts(t *testing.T) {
	m := NewMemory()
	a := &Alert{RecordID: 1, WorkerID: "W1", Type: "violation", Message: "m"}
	if err := m.SaveAlert(context.Background(), a); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}
	if a.ID != 1 || len(m.Alerts()) != 1 {
		t.Errorf("alerts: id %d, count %d", a.ID, len(m.Alerts()))
	}
}
