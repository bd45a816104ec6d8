package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ppeguard/ppeguard/pkg/types"
	"github.com/ppeguard/ppeguard/server/internal/alerts"
	"github.com/ppeguard/ppeguard/server/internal/detector"
	"github.com/ppeguard/ppeguard/server/internal/engine"
	"github.com/ppeguard/ppeguard/server/internal/store"
)

var (
	// ErrInvalidRequest reports a malformed check, alert or webhook request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrDetection reports a failure of the image detector.
	ErrDetection = errors.New("detection failed")

	// ErrNoDetector is returned when an image is submitted but no detector
	// is configured.
	ErrNoDetector = errors.New("no detector configured")
)

// persistTimeout bounds the writes that record a dispatch outcome. They run
// detached from the caller's context so a disconnect after delivery cannot
// lose the outcome.
const persistTimeout = 5 * time.Second

// Alert types stored with each alert row.
const (
	AlertViolation = "violation"
	AlertManual    = "manual"
)

// Dispatcher fans an alert out to channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, req alerts.Request) (alerts.Result, error)
}

// Publisher receives every violation for the live feed.
type Publisher interface {
	Publish(v types.Violation)
}

// Recorder receives metrics observations.
type Recorder interface {
	ObserveVerdict(v engine.Verdict)
	ObserveDispatch(res alerts.Result, took time.Duration)
}

// Options wires the Receiver's collaborators. Repo and Dispatcher are
// required; the rest may be nil.
type Options struct {
	Repo       store.Repository
	Detector   detector.Detector
	Dispatcher Dispatcher
	Recent     *store.Recent
	Feed       Publisher
	Metrics    Recorder
}

// Receiver runs the compliance pipeline for each intake request.
// It is safe for concurrent use; the rule and default channels can be swapped
// at runtime.
type Receiver struct {
	repo       store.Repository
	detector   detector.Detector
	dispatcher Dispatcher
	recent     *store.Recent
	feed       Publisher
	metrics    Recorder

	rule     atomic.Pointer[engine.Rule]
	channels atomic.Pointer[[]types.Channel]
	events   eventLocks

	newID func() string
	now   func() time.Time
}

// New creates a Receiver evaluating with rule and alerting on channels by
// default. rule must be valid.
func New(opts Options, rule engine.Rule, channels []types.Channel) (*Receiver, error) {
	if opts.Repo == nil || opts.Dispatcher == nil {
		return nil, fmt.Errorf("receiver: repository and dispatcher are required")
	}
	r := &Receiver{
		repo:       opts.Repo,
		detector:   opts.Detector,
		dispatcher: opts.Dispatcher,
		recent:     opts.Recent,
		feed:       opts.Feed,
		metrics:    opts.Metrics,
		newID:      uuid.NewString,
		now:        time.Now,
	}
	if err := r.SetRule(rule); err != nil {
		return nil, err
	}
	r.SetDefaultChannels(channels)
	return r, nil
}

// SetRule validates rule and makes it the active compliance rule.
// Checks already running keep the rule they started with.
func (r *Receiver) SetRule(rule engine.Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("receiver: %w", err)
	}
	r.rule.Store(&rule)
	return nil
}

// Rule returns the active compliance rule.
func (r *Receiver) Rule() engine.Rule { return *r.rule.Load() }

// SetDefaultChannels replaces the channels used when a request names none.
func (r *Receiver) SetDefaultChannels(chs []types.Channel) {
	cp := append([]types.Channel(nil), chs...)
	r.channels.Store(&cp)
}

func (r *Receiver) defaultChannels() []types.Channel {
	return append([]types.Channel(nil), (*r.channels.Load())...)
}

// CheckRequest is one compliance check.
type CheckRequest struct {
	// EventID makes the check idempotent. A repeated ID returns the stored
	// record and does not alert again. Generated when empty.
	EventID string `json:"event_id,omitempty"`

	WorkerID   string `json:"worker_id"`
	WorkerName string `json:"worker_name,omitempty"`
	Department string `json:"department,omitempty"`
	Location   string `json:"location,omitempty"`
	Shift      string `json:"shift,omitempty"`

	ImageURL    string `json:"image_url,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	ImageData   []byte `json:"-"`

	// Detections skips the detector when the caller already ran a model.
	Detections types.DetectionResult `json:"detections,omitempty"`

	Channels  []types.Channel `json:"channels,omitempty"`
	SendAlert *bool           `json:"send_alert,omitempty"` // default true
}

// CheckResponse is the outcome of a compliance check.
type CheckResponse struct {
	EventID         string                `json:"event_id"`
	RecordID        int64                 `json:"record_id"`
	Worker          types.Worker          `json:"worker"`
	IsCompliant     bool                  `json:"is_compliant"`
	Score           float64               `json:"compliance_score"`
	Detections      types.DetectionResult `json:"detections"`
	Missing         []types.Category      `json:"missing_ppe"`
	Recommendations []string              `json:"recommendations"`
	AlertSent       bool                  `json:"alert_sent"`
	Alert           *alerts.Result        `json:"alert,omitempty"`
	AlertError      string                `json:"alert_error,omitempty"`
	Duplicate       bool                  `json:"duplicate,omitempty"`
	Timestamp       time.Time             `json:"timestamp"`
}

// Check evaluates one worker image (or precomputed detections), persists the
// record and alerts on a violation.
func (r *Receiver) Check(ctx context.Context, req CheckRequest) (*CheckResponse, error) {
	req.WorkerID = strings.TrimSpace(req.WorkerID)
	if req.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker_id is required", ErrInvalidRequest)
	}

	if req.EventID != "" {
		unlock := r.events.lock(req.EventID)
		defer unlock()

		resp, err := r.replay(ctx, req, true)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	} else {
		req.EventID = r.newID()
	}

	results, err := r.detect(ctx, req)
	if err != nil {
		return nil, err
	}

	rule := r.Rule()
	verdict, err := engine.Evaluate(results, rule)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.ObserveVerdict(verdict)
	}

	worker, err := r.repo.EnsureWorker(ctx, types.Worker{
		WorkerID:   req.WorkerID,
		Name:       orDefault(req.WorkerName, "Unknown"),
		Department: orDefault(req.Department, "Unknown"),
		Location:   req.Location,
		Shift:      req.Shift,
	})
	if err != nil {
		return nil, fmt.Errorf("receiver: ensure worker: %w", err)
	}
	// Per-event context overrides the stored worker profile.
	if req.Location != "" {
		worker.Location = req.Location
	}
	if req.Shift != "" {
		worker.Shift = req.Shift
	}

	rec := &store.Record{
		EventID:     req.EventID,
		WorkerID:    worker.WorkerID,
		Department:  worker.Department,
		Location:    worker.Location,
		ImageURL:    req.ImageURL,
		IsCompliant: verdict.IsCompliant,
		Score:       verdict.Score,
		Detections:  verdict.PerCategory,
		Missing:     verdict.Missing,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.repo.SaveRecord(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race with another instance checking the same event.
			return r.replay(ctx, req, false)
		}
		return nil, fmt.Errorf("receiver: save record: %w", err)
	}

	resp := &CheckResponse{
		EventID:         req.EventID,
		RecordID:        rec.ID,
		Worker:          worker,
		IsCompliant:     verdict.IsCompliant,
		Score:           verdict.Score,
		Detections:      verdict.PerCategory,
		Missing:         nonNil(verdict.Missing),
		Recommendations: engine.Recommendations(verdict),
		Timestamp:       rec.CreatedAt,
	}

	slog.Info("receiver: compliance evaluated",
		"event", req.EventID,
		"worker", worker.WorkerID,
		"compliant", verdict.IsCompliant,
		"score", verdict.Score,
		"missing", verdict.Missing,
	)

	if verdict.IsCompliant {
		return resp, nil
	}

	if wantsAlert(req) {
		r.alertViolation(ctx, resp, rec, worker, verdict, req.Channels)
	}
	r.publishResponse(resp, rec)
	return resp, nil
}

// alertViolation dispatches the violation alert for rec and records the
// outcome on resp.
func (r *Receiver) alertViolation(ctx context.Context, resp *CheckResponse, rec *store.Record,
	w types.Worker, v engine.Verdict, channels []types.Channel) {
	if len(channels) == 0 {
		channels = r.defaultChannels()
	}
	res, err := r.alert(ctx, rec, w, v, channels, "", AlertViolation)
	if err != nil {
		resp.AlertError = err.Error()
		return
	}
	resp.Alert = &res
	resp.AlertSent = res.AlertSent()
}

func (r *Receiver) publishResponse(resp *CheckResponse, rec *store.Record) {
	r.publish(types.Violation{
		EventID:   resp.EventID,
		RecordID:  rec.ID,
		Worker:    resp.Worker,
		Score:     resp.Score,
		Missing:   resp.Missing,
		AlertSent: resp.AlertSent,
		Channels:  delivered(resp.Alert),
		At:        rec.CreatedAt,
	})
}

func wantsAlert(req CheckRequest) bool {
	return req.SendAlert == nil || *req.SendAlert
}

// detect returns the caller's detections or runs the detector on the image.
func (r *Receiver) detect(ctx context.Context, req CheckRequest) (types.DetectionResult, error) {
	if req.Detections != nil {
		return req.Detections.Clone(), nil
	}
	img := detector.Image{URL: req.ImageURL, Base64: req.ImageBase64, Data: req.ImageData}
	if img.URL == "" && img.Base64 == "" && len(img.Data) == 0 {
		return nil, fmt.Errorf("%w: an image or detections are required", ErrInvalidRequest)
	}
	if r.detector == nil {
		return nil, ErrNoDetector
	}
	res, err := r.detector.Detect(ctx, img)
	if err != nil {
		slog.Error("receiver: detection failed", "worker", req.WorkerID, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrDetection, err)
	}
	return res, nil
}

// replay rebuilds the response for an already processed event. With realert
// set, a violation whose alert never reached any channel is dispatched again.
func (r *Receiver) replay(ctx context.Context, req CheckRequest, realert bool) (*CheckResponse, error) {
	eventID := req.EventID
	rec, err := r.repo.FindRecordByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	worker, err := r.repo.GetWorker(ctx, rec.WorkerID)
	if err != nil {
		worker = types.Worker{WorkerID: rec.WorkerID}
	}
	worker.Department, worker.Location = rec.Department, rec.Location

	v := recordVerdict(rec)
	resp := &CheckResponse{
		EventID:         eventID,
		RecordID:        rec.ID,
		Worker:          worker,
		IsCompliant:     rec.IsCompliant,
		Score:           rec.Score,
		Detections:      rec.Detections,
		Missing:         nonNil(rec.Missing),
		Recommendations: engine.Recommendations(v),
		AlertSent:       rec.AlertSent,
		Duplicate:       true,
		Timestamp:       rec.CreatedAt,
	}

	if !realert || rec.IsCompliant || rec.AlertSent || !wantsAlert(req) {
		slog.Info("receiver: duplicate event, not re-alerting", "event", eventID, "record", rec.ID)
		return resp, nil
	}

	slog.Info("receiver: duplicate event with undelivered alert, dispatching again",
		"event", eventID, "record", rec.ID)
	r.alertViolation(ctx, resp, &rec, worker, v, req.Channels)
	r.publishResponse(resp, &rec)
	return resp, nil
}

// alert dispatches, records metrics and persists the alert row.
func (r *Receiver) alert(ctx context.Context, rec *store.Record, w types.Worker, v engine.Verdict,
	channels []types.Channel, message, kind string) (alerts.Result, error) {
	if message == "" {
		message = alerts.BuildMessage(w, v, rec.CreatedAt)
	}

	start := time.Now()
	res, err := r.dispatcher.Dispatch(ctx, alerts.Request{
		EventID:  rec.EventID,
		Verdict:  v,
		Worker:   w,
		Channels: channels,
		Message:  message,
		At:       r.now().UTC(),
	})
	if err != nil {
		slog.Error("receiver: alert rejected", "record", rec.ID, "err", err)
		return alerts.Result{}, err
	}
	if r.metrics != nil {
		r.metrics.ObserveDispatch(res, time.Since(start))
	}

	// Persisting is best effort; the alert has already gone out.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	outcomes, err := json.Marshal(res)
	if err != nil {
		slog.Error("receiver: encode alert outcomes failed", "record", rec.ID, "err", err)
		outcomes = []byte(`{}`)
	}
	row := &store.Alert{
		RecordID:  rec.ID,
		WorkerID:  w.WorkerID,
		Type:      kind,
		Message:   message,
		AlertSent: res.AlertSent(),
		Outcomes:  outcomes,
	}
	if err := r.repo.SaveAlert(pctx, row); err != nil {
		slog.Error("receiver: save alert failed", "record", rec.ID, "err", err)
	}
	if res.AlertSent() {
		if err := r.repo.MarkAlerted(pctx, rec.ID); err != nil {
			slog.Error("receiver: mark alerted failed", "record", rec.ID, "err", err)
		}
		rec.AlertSent = true
	}
	return res, nil
}

func (r *Receiver) publish(v types.Violation) {
	if r.recent != nil {
		r.recent.Put(v)
	}
	if r.feed != nil {
		r.feed.Publish(v)
	}
}

// ManualAlertRequest asks for an alert about an existing record.
type ManualAlertRequest struct {
	RecordID int64           `json:"record_id"`
	Channels []types.Channel `json:"channels,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// ManualAlertResponse is the outcome of a manual alert.
type ManualAlertResponse struct {
	RecordID  int64         `json:"record_id"`
	AlertSent bool          `json:"alert_sent"`
	Result    alerts.Result `json:"result"`
}

// ManualAlert dispatches an alert for a stored record regardless of its
// compliance outcome.
func (r *Receiver) ManualAlert(ctx context.Context, req ManualAlertRequest) (*ManualAlertResponse, error) {
	if req.RecordID <= 0 {
		return nil, fmt.Errorf("%w: record_id is required", ErrInvalidRequest)
	}
	rec, err := r.repo.GetRecord(ctx, req.RecordID)
	if err != nil {
		return nil, err
	}
	worker, err := r.repo.GetWorker(ctx, rec.WorkerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	worker.WorkerID = rec.WorkerID
	worker.Department, worker.Location = rec.Department, rec.Location

	channels := req.Channels
	if len(channels) == 0 {
		channels = r.defaultChannels()
	}
	res, err := r.alert(ctx, &rec, worker, recordVerdict(rec), channels, req.Message, AlertManual)
	if err != nil {
		return nil, err
	}
	return &ManualAlertResponse{RecordID: rec.ID, AlertSent: res.AlertSent(), Result: res}, nil
}

// WebhookEvent is an automation callback.
type WebhookEvent struct {
	Type string          `json:"type"` // compliance_check | manual_alert
	Data json.RawMessage `json:"data"`
}

// Webhook routes an automation callback to Check or ManualAlert.
func (r *Receiver) Webhook(ctx context.Context, ev WebhookEvent) (interface{}, error) {
	switch ev.Type {
	case "compliance_check":
		var req CheckRequest
		if err := json.Unmarshal(ev.Data, &req); err != nil {
			return nil, fmt.Errorf("%w: data: %v", ErrInvalidRequest, err)
		}
		return r.Check(ctx, req)
	case "manual_alert":
		var req ManualAlertRequest
		if err := json.Unmarshal(ev.Data, &req); err != nil {
			return nil, fmt.Errorf("%w: data: %v", ErrInvalidRequest, err)
		}
		return r.ManualAlert(ctx, req)
	}
	return nil, fmt.Errorf("%w: unknown webhook type %q", ErrInvalidRequest, ev.Type)
}

func recordVerdict(rec store.Record) engine.Verdict {
	return engine.Verdict{
		IsCompliant: rec.IsCompliant,
		Score:       rec.Score,
		PerCategory: rec.Detections,
		Missing:     rec.Missing,
	}
}

func delivered(res *alerts.Result) []types.Channel {
	if res == nil {
		return []types.Channel{}
	}
	return res.Delivered()
}

func nonNil(cs []types.Category) []types.Category {
	if cs == nil {
		return []types.Category{}
	}
	return cs
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
