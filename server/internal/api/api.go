package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ppeguard/ppeguard/pkg/types"
	"github.com/ppeguard/ppeguard/server/internal/receiver"
	"github.com/ppeguard/ppeguard/server/internal/store"
)

// maxUpload bounds the multipart body of check-upload.
const maxUpload = 10 << 20

// maxBody bounds JSON request bodies.
const maxBody = 1 << 20

// Totals reports headline counters for the health endpoint.
type Totals interface {
	Totals() (map[string]float64, error)
}

// Deps are the collaborators behind the routes. Receiver and Repo are
// required. Recent, Feed, Metrics and Totals may be nil; their routes are
// then not mounted or report empty data.
type Deps struct {
	Receiver *receiver.Receiver
	Repo     store.Repository
	Recent   *store.Recent
	Feed     http.Handler // WebSocket hub for /ws/stream
	Metrics  http.Handler // Prometheus exposition for /metrics
	Totals   Totals
}

// Handler serves the REST API.
type Handler struct {
	deps   Deps
	router chi.Router
	now    func() time.Time
}

// New creates a Handler and registers all routes.
func New(deps Deps) http.Handler {
	h := &Handler{deps: deps, router: chi.NewRouter(), now: time.Now}

	r := h.router
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", h.health)

		api.Post("/compliance/check", h.check)
		api.Post("/compliance/check-upload", h.checkUpload)
		api.Get("/compliance/records", h.listRecords)
		api.Get("/compliance/records/{id}", h.getRecord)

		api.Post("/workers", h.createWorker)
		api.Get("/workers", h.listWorkers)
		api.Get("/workers/{workerID}", h.getWorker)

		api.Post("/alerts", h.manualAlert)
		api.Post("/webhooks/compliance", h.webhook)

		api.Get("/violations/recent", h.recentViolations)
	})

	if deps.Feed != nil {
		r.Method(http.MethodGet, "/ws/stream", deps.Feed)
	}
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC(),
		Rule:      ruleView(h.deps.Receiver),
	}
	if h.deps.Totals != nil {
		totals, err := h.deps.Totals.Totals()
		if err != nil {
			slog.Warn("api: gather totals", "err", err)
		}
		resp.Totals = totals
	}
	jsonResp(w, http.StatusOK, resp)
}

// check handles POST /api/v1/compliance/check.
func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req receiver.CheckRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.deps.Receiver.Check(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResp(w, http.StatusOK, resp)
}

// checkUpload handles POST /api/v1/compliance/check-upload: a multipart
// "file" part plus worker form fields.
func (h *Handler) checkUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "read file: "+err.Error())
		return
	}
	if len(data) == 0 {
		jsonErr(w, http.StatusBadRequest, "file is empty")
		return
	}

	req := receiver.CheckRequest{
		EventID:    r.FormValue("event_id"),
		WorkerID:   r.FormValue("worker_id"),
		WorkerName: r.FormValue("worker_name"),
		Department: r.FormValue("department"),
		Location:   r.FormValue("location"),
		Shift:      r.FormValue("shift"),
		ImageData:  data,
		Channels:   splitChannels(r.FormValue("channels")),
	}
	if s := r.FormValue("send_alert"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, "send_alert must be a boolean")
			return
		}
		req.SendAlert = &b
	}

	resp, err := h.deps.Receiver.Check(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResp(w, http.StatusOK, resp)
}

// listRecords handles GET /api/v1/compliance/records.
func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	f := store.RecordFilter{
		WorkerID:   q.Get("worker_id"),
		Department: q.Get("department"),
		Offset:     offset,
		Limit:      limit,
	}
	if s := q.Get("is_compliant"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, "is_compliant must be a boolean")
			return
		}
		f.IsCompliant = &b
	}

	recs, err := h.deps.Repo.ListRecords(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	jsonResp(w, http.StatusOK, recs)
}

// getRecord handles GET /api/v1/compliance/records/{id}.
func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		jsonErr(w, http.StatusBadRequest, "invalid record id")
		return
	}
	rec, err := h.deps.Repo.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResp(w, http.StatusOK, rec)
}

// createWorker handles POST /api/v1/workers.
func (h *Handler) createWorker(w http.ResponseWriter, r *http.Request) {
	var wk types.Worker
	if !decodeBody(w, r, &wk) {
		return
	}
	wk.WorkerID = strings.TrimSpace(wk.WorkerID)
	wk.Name = strings.TrimSpace(wk.Name)
	if wk.WorkerID == "" || wk.Name == "" {
		jsonErr(w, http.StatusBadRequest, "worker_id and name are required")
		return
	}
	if err := h.deps.Repo.CreateWorker(r.Context(), wk); err != nil {
		writeError(w, err)
		return
	}
	jsonResp(w, http.StatusCreated, wk)
}

// listWorkers handles GET /api/v1/workers.
func (h *Handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	ws, err := h.deps.Repo.ListWorkers(r.Context(), offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if ws == nil {
		ws = []types.Worker{}
	}
	jsonResp(w, http.StatusOK, ws)
}

// getWorker handles GET /api/v1/workers/{workerID}.
func (h *Handler) getWorker(w http.ResponseWriter, r *http.Request) {
	wk, err := h.deps.Repo.GetWorker(r.Context(), chi.URLParam(r, "workerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResp(w, http.StatusOK, wk)
}

// manualAlert handles POST /api/v1/alerts.
func (h *Handler) manualAlert(w http.ResponseWriter, r *http.Request) {
	var req receiver.ManualAlertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.deps.Receiver.ManualAlert(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResp(w, http.StatusOK, resp)
}

// webhook handles POST /api/v1/webhooks/compliance.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	var ev receiver.WebhookEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	out, err := h.deps.Receiver.Webhook(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResp(w, http.StatusOK, WebhookResponse{Status: "processed", Type: ev.Type, Result: out})
}

// recentViolations handles GET /api/v1/violations/recent.
func (h *Handler) recentViolations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			jsonErr(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	out := []types.Violation{}
	if h.deps.Recent != nil {
		for _, e := range h.deps.Recent.List(limit) {
			out = append(out, e.Violation)
		}
	}
	jsonResp(w, http.StatusOK, out)
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// writeError maps a domain error to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		slog.Error("api: request failed", "status", code, "err", err)
	}
	jsonErr(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, receiver.ErrInvalidRequest), errors.Is(err, types.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, receiver.ErrDetection):
		return http.StatusBadGateway
	case errors.Is(err, receiver.ErrNoDetector):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON body into v, writing a 400 and returning false on
// failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		jsonErr(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

// pageParams parses offset and limit. Zero values fall back to the store's
// defaults.
func pageParams(w http.ResponseWriter, r *http.Request) (offset, limit int, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"offset", &offset}, {"limit", &limit}} {
		s := q.Get(p.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			jsonErr(w, http.StatusBadRequest, p.name+" must be a non-negative integer")
			return 0, 0, false
		}
		*p.dst = n
	}
	return offset, limit, true
}

func splitChannels(s string) []types.Channel {
	var out []types.Channel
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, types.Channel(part))
		}
	}
	return out
}

func ruleView(rc *receiver.Receiver) *RuleResponse {
	if rc == nil {
		return nil
	}
	rule := rc.Rule()
	return &RuleResponse{
		Required:        rule.Required,
		ConfidenceFloor: rule.ConfidenceFloor,
	}
}
