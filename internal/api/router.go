package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Guizzs26/go-change-pipeline/internal/db"
	"github.com/Guizzs26/go-change-pipeline/internal/history"
	"github.com/Guizzs26/go-change-pipeline/internal/models"
	"github.com/Guizzs26/go-change-pipeline/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

const (
	defaultUserID      = 1
	historyRateLimit   = 100
	historyRateWindow  = time.Minute
	maxRequestBodySize = 1 << 20
)

type HistoryReader interface {
	GetHistory(ctx context.Context, f models.HistoryFilter) ([]models.AuditEntry, error)
	GetRecordHistory(ctx context.Context, table string, recordID int64) ([]models.AuditEntry, error)
	GetTableHistory(ctx context.Context, table string, limit int) ([]models.AuditEntry, error)
}

type TaskWriter interface {
	Create(ctx context.Context, t models.NewTask) (models.Task, error)
	Update(ctx context.Context, id, userID int64, u models.TaskUpdate) (models.Task, error)
	Delete(ctx context.Context, id, userID int64) error
}

type EventManager interface {
	List(ctx context.Context, f models.EventFilter) ([]models.Event, error)
	Create(ctx context.Context, e models.NewEvent) (models.Event, error)
	Update(ctx context.Context, id, userID int64, u models.EventUpdate) (models.Event, error)
	Delete(ctx context.Context, id, userID int64) error
}

// BrokerStatus reports whether the message broker is reachable
type BrokerStatus interface {
	IsConnected() bool
}

type Handler struct {
	history HistoryReader
	tasks   TaskWriter
	events  EventManager
	broker  BrokerStatus
	logger  *slog.Logger
}

func NewRouter(h HistoryReader, t TaskWriter, e EventManager, b BrokerStatus, l *slog.Logger) http.Handler {
	hd := &Handler{history: h, tasks: t, events: e, broker: b, logger: l}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", hd.health)

	r.Route("/api/history", func(r chi.Router) {
		r.Use(httprate.LimitByIP(historyRateLimit, historyRateWindow))
		r.Get("/", hd.listHistory)
		r.Get("/table/{table}", hd.tableHistory)
		r.Get("/{table}/{recordID}", hd.recordHistory)
	})

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", hd.createTask)
		r.Patch("/{id}", hd.updateTask)
		r.Delete("/{id}", hd.deleteTask)
	})

	r.Route("/api/events", func(r chi.Router) {
		r.Get("/", hd.listEvents)
		r.Post("/", hd.createEvent)
		r.Put("/{id}", hd.updateEvent)
		r.Patch("/{id}", hd.updateEvent)
		r.Delete("/{id}", hd.deleteEvent)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"broker": h.broker.IsConnected(),
	})
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.HistoryFilter{
		TableName:     q.Get("table_name"),
		OperationType: models.OperationType(q.Get("operation_type")),
		Status:        models.AuditStatus(q.Get("status")),
	}

	if v := q.Get("record_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "record_id must be an integer")
			return
		}
		f.RecordID = &id
	}

	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}

	entries, err := h.history.GetHistory(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) recordHistory(w http.ResponseWriter, r *http.Request) {
	recordID, err := strconv.ParseInt(chi.URLParam(r, "recordID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "record id must be an integer")
		return
	}

	entries, err := h.history.GetRecordHistory(r.Context(), chi.URLParam(r, "table"), recordID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) tableHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	entries, err := h.history.GetTableHistory(r.Context(), chi.URLParam(r, "table"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	var t models.NewTask
	if err := decodeBody(w, r, &t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if t.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if t.UserID == 0 {
		t.UserID = defaultUserID
	}

	task, err := h.tasks.Create(r.Context(), t)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) updateTask(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := recordIdentity(w, r)
	if !ok {
		return
	}

	var u models.TaskUpdate
	if err := decodeBody(w, r, &u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := h.tasks.Update(r.Context(), id, userID, u)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := recordIdentity(w, r)
	if !ok {
		return
	}

	if err := h.tasks.Delete(r.Context(), id, userID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.EventFilter{UserID: defaultUserID}

	var err error
	if v := q.Get("user_id"); v != "" {
		if f.UserID, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "user_id must be an integer")
			return
		}
	}

	if from, to := q.Get("start_date"), q.Get("end_date"); from != "" && to != "" {
		start, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start_date must be RFC 3339")
			return
		}
		end, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end_date must be RFC 3339")
			return
		}
		f.From, f.To = &start, &end
	}

	if f.Month, err = intParam(q.Get("month")); err != nil || f.Month < 0 || f.Month > 12 {
		writeError(w, http.StatusBadRequest, "month must be between 1 and 12")
		return
	}
	if f.Year, err = intParam(q.Get("year")); err != nil {
		writeError(w, http.StatusBadRequest, "year must be an integer")
		return
	}

	events, err := h.events.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) createEvent(w http.ResponseWriter, r *http.Request) {
	var e models.NewEvent
	if err := decodeBody(w, r, &e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if e.Title == "" || e.StartDate.IsZero() || e.EndDate.IsZero() {
		writeError(w, http.StatusBadRequest, "title, start_date and end_date are required")
		return
	}
	if e.UserID == 0 {
		e.UserID = defaultUserID
	}

	event, err := h.events.Create(r.Context(), e)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (h *Handler) updateEvent(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := recordIdentity(w, r)
	if !ok {
		return
	}

	var u models.EventUpdate
	if err := decodeBody(w, r, &u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	event, err := h.events.Update(r.Context(), id, userID, u)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *Handler) deleteEvent(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := recordIdentity(w, r)
	if !ok {
		return
	}

	if err := h.events.Delete(r.Context(), id, userID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps domain errors to status codes. Anything unexpected is logged and hidden
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, history.ErrInvalidFilter),
		errors.Is(err, service.ErrEmptyUpdate),
		errors.Is(err, service.ErrInvalidEventRange):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, db.ErrTaskNotFound), errors.Is(err, db.ErrEventNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// recordIdentity reads the {id} path segment and the owning user_id query parameter
func recordIdentity(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return 0, 0, false
	}

	userID := int64(defaultUserID)
	if v := r.URL.Query().Get("user_id"); v != "" {
		if userID, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "user_id must be an integer")
			return 0, 0, false
		}
	}
	return id, userID, true
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
