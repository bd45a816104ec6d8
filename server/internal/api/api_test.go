package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppeguard/ppeguard/pkg/types"
	"github.com/ppeguard/ppeguard/server/internal/alerts"
	"github.com/ppeguard/ppeguard/server/internal/api"
	"github.com/ppeguard/ppeguard/server/internal/detector"
	"github.com/ppeguard/ppeguard/server/internal/engine"
	"github.com/ppeguard/ppeguard/server/internal/metrics"
	"github.com/ppeguard/ppeguard/server/internal/receiver"
	"github.com/ppeguard/ppeguard/server/internal/store"
)

// --- test helpers -----------------------------------------------------------

type fakeDetector struct {
	mu   sync.Mutex
	res  types.DetectionResult
	err  error
	last detector.Image
}

func (f *fakeDetector) Detect(_ context.Context, img detector.Image) (types.DetectionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = img
	return f.res, f.err
}

type server struct {
	h      http.Handler
	repo   *store.Memory
	recent *store.Recent
	det    *fakeDetector

	mu   sync.Mutex
	sent map[types.Channel]int
}

func (s *server) sentTo(ch types.Channel) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[ch]
}

// newServer wires the API to an in-memory store and recording transports.
// withDetector false leaves the receiver without a detector.
func newServer(t *testing.T, withDetector bool) *server {
	t.Helper()
	s := &server{
		repo:   store.NewMemory(),
		recent: store.NewRecent(time.Minute),
		det:    &fakeDetector{res: missingHelmet()},
		sent:   map[types.Channel]int{},
	}
	record := func(ch types.Channel) alerts.Transport {
		return alerts.FuncTransport(ch, func(context.Context, alerts.Notification) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.sent[ch]++
			return nil
		})
	}
	opts := receiver.Options{
		Repo:       s.repo,
		Dispatcher: alerts.New(alerts.Config{MaxAttempts: 1}, record(types.ChannelSlack), record(types.ChannelEmail)),
		Recent:     s.recent,
	}
	if withDetector {
		opts.Detector = s.det
	}
	m := metrics.New()
	opts.Metrics = m

	rule := engine.Rule{Required: types.DefaultCategories(), ConfidenceFloor: 0.5}
	rc, err := receiver.New(opts, rule, []types.Channel{types.ChannelSlack, types.ChannelEmail})
	if err != nil {
		t.Fatalf("receiver.New: %v", err)
	}
	s.h = api.New(api.Deps{
		Receiver: rc,
		Repo:     s.repo,
		Recent:   s.recent,
		Metrics:  m.Handler(),
		Totals:   m,
	})
	return s
}

func allWorn() types.DetectionResult {
	return types.DetectionResult{
		types.Helmet: {Detected: true, Confidence: 0.9},
		types.Mask:   {Detected: true, Confidence: 0.9},
		types.Gloves: {Detected: true, Confidence: 0.9},
		types.Jacket: {Detected: true, Confidence: 0.9},
	}
}

func missingHelmet() types.DetectionResult {
	r := allWorn()
	r[types.Helmet] = types.Detection{}
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, http.MethodGet, path, "")
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

func wantStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status: got %d, want %d (body: %s)", rr.Code, want, rr.Body.String())
	}
}

func jsonBody(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

// --- /api/v1/health ---------------------------------------------------------

func TestHealth(t *testing.T) {
	s := newServer(t, true)
	rr := get(t, s.h, "/api/v1/health")
	wantStatus(t, rr, http.StatusOK)

	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q", ct)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.Status != "healthy" {
		t.Errorf("status: got %q, want healthy", resp.Status)
	}
	if resp.Timestamp.IsZero() {
		t.Error("timestamp: missing")
	}
	if resp.Rule == nil || len(resp.Rule.Required) != 4 || resp.Rule.ConfidenceFloor != 0.5 {
		t.Errorf("rule: got %+v", resp.Rule)
	}
}

func TestHealth_IncludesCounters(t *testing.T) {
	s := newServer(t, true)
	wantStatus(t, do(t, s.h, http.MethodPost, "/api/v1/compliance/check",
		`{"worker_id":"W-1","image_url":"http://img/1.jpg"}`), http.StatusOK)

	var resp api.HealthResponse
	decode(t, get(t, s.h, "/api/v1/health"), &resp)
	if got := resp.Totals["ppeguard_compliance_checks_total"]; got != 1 {
		t.Errorf("checks total: got %v, want 1", got)
	}
}

// --- /api/v1/compliance/check -----------------------------------------------

func TestCheck_NonCompliant_AlertsAndPersists(t *testing.T) {
	s := newServer(t, true)
	rr := do(t, s.h, http.MethodPost, "/api/v1/compliance/check",
		`{"worker_id":"W-1","worker_name":"Ana","location":"Dock 3","image_url":"http://img/1.jpg"}`)
	wantStatus(t, rr, http.StatusOK)

	var resp receiver.CheckResponse
	decode(t, rr, &resp)
	if resp.IsCompliant {
		t.Error("is_compliant: got true, want false")
	}
	if resp.Score != 75 {
		t.Errorf("compliance_score: got %v, want 75", resp.Score)
	}
	if len(resp.Missing) != 1 || resp.Missing[0] != types.Helmet {
		t.Errorf("missing_ppe: got %v, want [helmet]", resp.Missing)
	}
	if !resp.AlertSent {
		t.Error("alert_sent: got false, want true")
	}
	if s.sentTo(types.ChannelSlack) != 1 || s.sentTo(types.ChannelEmail) != 1 {
		t.Errorf("deliveries: %v", s.sent)
	}
	if s.det.last.URL != "http://img/1.jpg" {
		t.Errorf("detector image: got %+v", s.det.last)
	}

	rec, err := s.repo.GetRecord(context.Background(), resp.RecordID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if !rec.AlertSent || rec.Location != "Dock 3" {
		t.Errorf("record: got %+v", rec)
	}
	if n := len(s.recent.List(0)); n != 1 {
		t.Errorf("recent: got %d, want 1", n)
	}
}

func TestCheck_Compliant_NoAlert(t *testing.T) {
	s := newServer(t, true)
	body := jsonBody(t, map[string]interface{}{"worker_id": "W-2", "detections": allWorn()})
	rr := do(t, s.h, http.MethodPost, "/api/v1/compliance/check", body)
	wantStatus(t, rr, http.StatusOK)

	var resp receiver.CheckResponse
	decode(t, rr, &resp)
	if !resp.IsCompliant || resp.Score != 100 || resp.AlertSent {
		t.Errorf("response: got %+v", resp)
	}
	if s.sentTo(types.ChannelSlack) != 0 {
		t.Error("compliant check must not alert")
	}
}

func TestCheck_RepeatedEventID_ReplaysWithoutAlert(t *testing.T) {
	s := newServer(t, true)
	body := `{"event_id":"cam-7-0001","worker_id":"W-1","image_url":"http://img/1.jpg"}`

	wantStatus(t, do(t, s.h, http.MethodPost, "/api/v1/compliance/check", body), http.StatusOK)
	rr := do(t, s.h, http.MethodPost, "/api/v1/compliance/check", body)
	wantStatus(t, rr, http.StatusOK)

	var resp receiver.CheckResponse
	decode(t, rr, &resp)
	if !resp.Duplicate || !resp.AlertSent {
		t.Errorf("replay: got %+v", resp)
	}
	if n := s.sentTo(types.ChannelSlack); n != 1 {
		t.Errorf("slack deliveries: got %d, want 1", n)
	}
}

func TestCheck_Errors(t *testing.T) {
	tests := []struct {
		name     string
		detector bool
		detErr   error
		body     string
		want     int
	}{
		{"malformed JSON", true, nil, `{"worker_id":`, http.StatusBadRequest},
		{"missing worker", true, nil, `{"image_url":"http://img/1.jpg"}`, http.StatusBadRequest},
		{"no image", true, nil, `{"worker_id":"W-1"}`, http.StatusBadRequest},
		{"detector failure", true, errors.New("upstream 500"), `{"worker_id":"W-1","image_url":"http://x"}`, http.StatusBadGateway},
		{"no detector", false, nil, `{"worker_id":"W-1","image_url":"http://x"}`, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newServer(t, tc.detector)
			s.det.err = tc.detErr
			rr := do(t, s.h, http.MethodPost, "/api/v1/compliance/check", tc.body)
			wantStatus(t, rr, tc.want)

			var e map[string]string
			decode(t, rr, &e)
			if e["error"] == "" {
				t.Error("error: missing message")
			}
		})
	}
}

func TestCheck_MethodNotAllowed(t *testing.T) {
	s := newServer(t, true)
	wantStatus(t, get(t, s.h, "/api/v1/compliance/check"), http.StatusMethodNotAllowed)
}

// --- /api/v1/compliance/check-upload ----------------------------------------

func multipartBody(t *testing.T, fields map[string]string, file []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", "worker.jpg")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(file) //nolint:errcheck
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func upload(t *testing.T, h http.Handler, fields map[string]string, file []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, fields, file)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/compliance/check-upload", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestCheckUpload(t *testing.T) {
	s := newServer(t, true)
	rr := upload(t, s.h, map[string]string{
		"worker_id":  "W-3",
		"department": "welding",
		"channels":   "slack",
		"send_alert": "true",
	}, []byte("\xff\xd8jpeg"))
	wantStatus(t, rr, http.StatusOK)

	var resp receiver.CheckResponse
	decode(t, rr, &resp)
	if resp.Worker.Department != "welding" {
		t.Errorf("department: got %q", resp.Worker.Department)
	}
	if string(s.det.last.Data) != "\xff\xd8jpeg" {
		t.Errorf("detector data: got %q", s.det.last.Data)
	}
	if s.sentTo(types.ChannelSlack) != 1 || s.sentTo(types.ChannelEmail) != 0 {
		t.Errorf("deliveries: %v", s.sent)
	}
}

func TestCheckUpload_SendAlertFalse(t *testing.T) {
	s := newServer(t, true)
	rr := upload(t, s.h, map[string]string{"worker_id": "W-3", "send_alert": "false"}, []byte("img"))
	wantStatus(t, rr, http.StatusOK)
	if n := s.sentTo(types.ChannelSlack); n != 0 {
		t.Errorf("slack deliveries: got %d, want 0", n)
	}
}

func TestCheckUpload_BadInput(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		file   []byte
	}{
		{"no file", map[string]string{"worker_id": "W-1"}, nil},
		{"empty file", map[string]string{"worker_id": "W-1"}, []byte{}},
		{"bad send_alert", map[string]string{"worker_id": "W-1", "send_alert": "maybe"}, []byte("img")},
		{"no worker", map[string]string{}, []byte("img")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newServer(t, true)
			wantStatus(t, upload(t, s.h, tc.fields, tc.file), http.StatusBadRequest)
		})
	}
}

// --- /api/v1/compliance/records ---------------------------------------------

func seedChecks(t *testing.T, s *server) {
	t.Helper()
	checks := []map[string]interface{}{
		{"worker_id": "W-1", "department": "welding", "detections": missingHelmet()},
		{"worker_id": "W-1", "department": "welding", "detections": allWorn()},
		{"worker_id": "W-2", "department": "assembly", "detections": missingHelmet()},
	}
	for _, c := range checks {
		wantStatus(t, do(t, s.h, http.MethodPost, "/api/v1/compliance/check", jsonBody(t, c)), http.StatusOK)
	}
}

func TestListRecords_Filters(t *testing.T) {
	s := newServer(t, true)
	seedChecks(t, s)

	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?worker_id=W-1", 2},
		{"?department=assembly", 1},
		{"?is_compliant=false", 2},
		{"?is_compliant=true&worker_id=W-1", 1},
		{"?limit=1", 1},
		{"?offset=2", 1},
		{"?offset=10", 0},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			rr := get(t, s.h, "/api/v1/compliance/records"+tc.query)
			wantStatus(t, rr, http.StatusOK)
			var recs []store.Record
			decode(t, rr, &recs)
			if len(recs) != tc.want {
				t.Errorf("records: got %d, want %d", len(recs), tc.want)
			}
		})
	}
}

func TestListRecords_NewestFirst(t *testing.T) {
	s := newServer(t, true)
	seedChecks(t, s)

	var recs []store.Record
	decode(t, get(t, s.h, "/api/v1/compliance/records"), &recs)
	for i := 1; i < len(recs); i++ {
		if recs[i-1].ID < recs[i].ID {
			t.Fatalf("order: %d before %d", recs[i-1].ID, recs[i].ID)
		}
	}
}

func TestListRecords_BadParams(t *testing.T) {
	s := newServer(t, true)
	for _, q := range []string{"?is_compliant=perhaps", "?limit=-1", "?offset=x"} {
		t.Run(q, func(t *testing.T) {
			wantStatus(t, get(t, s.h, "/api/v1/compliance/records"+q), http.StatusBadRequest)
		})
	}
}

func TestGetRecord(t *testing.T) {
	s := newServer(t, true)
	seedChecks(t, s)

	rr := get(t, s.h, "/api/v1/compliance/records/3")
	wantStatus(t, rr, http.StatusOK)
	var rec store.Record
	decode(t, rr, &rec)
	if rec.ID != 3 || rec.WorkerID != "W-2" {
		t.Errorf("record: got %+v", rec)
	}

	wantStatus(t, get(t, s.h, "/api/v1/compliance/records/99"), http.StatusNotFound)
	wantStatus(t, get(t, s.h, "/api/v1/compliance/records/abc"), http.StatusBadRequest)
}

// --- /api/v1/workers --------------------------------------------------------

func TestWorkers_CreateGetList(t *testing.T) {
	s := newServer(t, true)
	body := `{"worker_id":"W-9","name":"Bo","department":"paint"}`

	wantStatus(t, do(t, s.h, http.MethodPost, "/api/v1/workers", body), http.StatusCreated)
	wantStatus(t, do(t, s.h, http.MethodPost, "/api/v1/workers", body), http.StatusConflict)

	rr := get(t, s.h, "/api/v1/workers/W-9")
	wantStatus(t, rr, http.StatusOK)
	var w types.Worker
	decode(t, rr, &w)
	if w.Name != "Bo" || w.Department != "paint" {
		t.Errorf("worker: got %+v", w)
	}

	rr = get(t, s.h, "/api/v1/workers")
	wantStatus(t, rr, http.StatusOK)
	var ws []types.Worker
	decode(t, rr, &ws)
	if len(ws) != 1 {
		t.Errorf("workers: got %d, want 1", len(ws))
	}

	wantStatus(t, get(t, s.h, "/api/v1/workers/nobody"), http.StatusNotFound)
}

func TestWorkers_CreateValidation(t *testing.T) {
	s := newServer(t, true)
	for _, body := range []string{`{"name":"Bo"}`, `{"worker_id":"W-1"}`, `not json`} {
		wantStatus(t, do(t, s.h, http.MethodPost, "/api/v1/workers", body), http.StatusBadRequest)
	}
}

func TestWorkers_EmptyList(t *testing.T) {
	s := newServer(t, true)
	rr := get(t, s.h, "/api/v1/workers")
	wantStatus(t, rr, http.StatusOK)
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Errorf("body: got %s, want []", got)
	}
}

// --- /api/v1/alerts ---------------------------------------------------------

func TestManualAlert(t *testing.T) {
	s := newServer(t, true)
	seedChecks(t, s) // record 2 is compliant and never alerted

	rr := do(t, s.h, http.MethodPost, "/api/v1/alerts",
		`{"record_id":2,"channels":["email"],"message":"Supervisor follow-up"}`)
	wantStatus(t, rr, http.StatusOK)

	var resp struct {
		RecordID  int64 `json:"record_id"`
		AlertSent bool  `json:"alert_sent"`
		Result    struct {
			PerChannel map[types.Channel]alerts.ChannelOutcome `json:"per_channel"`
		} `json:"result"`
	}
	decode(t, rr, &resp)
	if !resp.AlertSent || resp.RecordID != 2 {
		t.Errorf("response: got %+v", resp)
	}
	if o, ok := resp.Result.PerChannel[types.ChannelEmail]; !ok || !o.Succeeded || o.Attempts != 1 {
		t.Errorf("per_channel: got %v", resp.Result.PerChannel)
	}
	if _, ok := resp.Result.PerChannel[types.ChannelSlack]; ok {
		t.Error("per_channel: slack was not requested")
	}
	alertRows := s.repo.Alerts()
	last := alertRows[len(alertRows)-1]
	if last.Type != receiver.AlertManual || last.Message != "Supervisor follow-up" {
		t.Errorf("alert row: got %+v", last)
	}
}

func TestManualAlert_Errors(t *testing.T) {
	s := newServer(t, true)
	wantStatus(t, do(t, s.h, http.MethodPost, "/api/v1/alerts", `{"record_id":42}`), http.StatusNotFound)
	wantStatus(t, do(t, s.h, http.MethodPost, "/api/v1/alerts", `{}`), http.StatusBadRequest)
}

// --- /api/v1/webhooks/compliance --------------------------------------------

func TestWebhook_ComplianceCheck(t *testing.T) {
	s := newServer(t, true)
	body := `{"type":"compliance_check","data":{"worker_id":"W-5","image_url":"http://img/5.jpg"}}`
	rr := do(t, s.h, http.MethodPost, "/api/v1/webhooks/compliance", body)
	wantStatus(t, rr, http.StatusOK)

	var resp struct {
		Status string                 `json:"status"`
		Type   string                 `json:"type"`
		Result receiver.CheckResponse `json:"result"`
	}
	decode(t, rr, &resp)
	if resp.Status != "processed" || resp.Type != "compliance_check" {
		t.Errorf("envelope: got %q %q", resp.Status, resp.Type)
	}
	if resp.Result.Worker.WorkerID != "W-5" || resp.Result.IsCompliant {
		t.Errorf("result: got %+v", resp.Result)
	}
}

func TestWebhook_UnknownType(t *testing.T) {
	s := newServer(t, true)
	rr := do(t, s.h, http.MethodPost, "/api/v1/webhooks/compliance", `{"type":"reboot","data":{}}`)
	wantStatus(t, rr, http.StatusBadRequest)
}

// --- /api/v1/violations/recent ----------------------------------------------

func TestRecentViolations(t *testing.T) {
	s := newServer(t, true)
	seedChecks(t, s) // two violations

	rr := get(t, s.h, "/api/v1/violations/recent")
	wantStatus(t, rr, http.StatusOK)
	var vs []types.Violation
	decode(t, rr, &vs)
	if len(vs) != 2 {
		t.Fatalf("violations: got %d, want 2", len(vs))
	}
	for _, v := range vs {
		if len(v.Missing) != 1 || v.Missing[0] != types.Helmet {
			t.Errorf("missing_ppe: got %v", v.Missing)
		}
	}

	decode(t, get(t, s.h, "/api/v1/violations/recent?limit=1"), &vs)
	if len(vs) != 1 {
		t.Errorf("limit=1: got %d", len(vs))
	}
	wantStatus(t, get(t, s.h, "/api/v1/violations/recent?limit=x"), http.StatusBadRequest)
}

// --- misc -------------------------------------------------------------------

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, true)
	seedChecks(t, s)

	rr := get(t, s.h, "/metrics")
	wantStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "ppeguard_compliance_checks_total") {
		t.Error("metrics: compliance counter missing")
	}
}

func TestUnknownRoute_JSON404(t *testing.T) {
	s := newServer(t, true)
	rr := get(t, s.h, "/api/v1/nope")
	wantStatus(t, rr, http.StatusNotFound)
	var e map[string]string
	decode(t, rr, &e)
	if e["error"] == "" {
		t.Error("error: missing")
	}
}
