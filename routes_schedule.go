package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"renko-cloud/notify"
	"renko-cloud/schedule"
	"renko-cloud/stores"
)

const moveFailedMessage = "failed to move event, please try again"

type weekBuilder interface {
	BuildWeek(ctx context.Context, userID string, weekStart time.Time, days int) (*schedule.Week, error)
}

type scheduleMutator interface {
	ScheduleTaskAt(ctx context.Context, userID, taskID string, weekStart time.Time, day, hour int) (*stores.Event, error)
	RescheduleEvent(ctx context.Context, userID, eventID string, weekStart time.Time, day int) (*stores.Event, error)
}

type scheduleHandler struct {
	builder weekBuilder
	mutator scheduleMutator
	bus     publisher
	loc     *time.Location
	now     func() time.Time
}

type scheduleTaskRequest struct {
	UserID    string `json:"user_id"`
	WeekStart string `json:"week_start"`
	Day       int    `json:"day"`
	Hour      int    `json:"hour"`
}

type moveEventRequest struct {
	UserID    string `json:"user_id"`
	WeekStart string `json:"week_start"`
	Day       int    `json:"day"`
}

type moveFailedResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind"`
}

func registerScheduleRoutes(r *mux.Router, builder weekBuilder, mutator scheduleMutator, bus publisher, loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	h := &scheduleHandler{builder: builder, mutator: mutator, bus: bus, loc: loc, now: time.Now}
	r.HandleFunc("/schedule/week", h.handleWeek).Methods("GET")
	r.HandleFunc("/schedule/week.ics", h.handleWeekICS).Methods("GET")
	r.HandleFunc("/schedule/tasks/{taskID}/schedule", h.handleScheduleTask).Methods("POST")
	r.HandleFunc("/schedule/events/{eventID}/move", h.handleMoveEvent).Methods("POST")
}

// parseWeekStart reads YYYY-MM-DD in the display timezone; empty means the
// Monday of the current week.
func (h *scheduleHandler) parseWeekStart(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		today := h.now().In(h.loc)
		offset := (int(today.Weekday()) + 6) % 7
		return time.Date(today.Year(), today.Month(), today.Day()-offset, 0, 0, 0, 0, h.loc), true
	}
	t, err := time.ParseInLocation("2006-01-02", raw, h.loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (h *scheduleHandler) weekFromQuery(w http.ResponseWriter, r *http.Request) (*schedule.Week, bool) {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		writeBadRequest(w, "user_id parameter is required")
		return nil, false
	}
	weekStart, ok := h.parseWeekStart(q.Get("week_start"))
	if !ok {
		writeBadRequest(w, "week_start must be YYYY-MM-DD")
		return nil, false
	}
	days := 7
	if raw := strings.TrimSpace(q.Get("days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "days must be 5 or 7")
			return nil, false
		}
		days = n
	}

	week, err := h.builder.BuildWeek(r.Context(), userID, weekStart, days)
	if err != nil {
		zap.S().Warnf("Schedule: build week failed user=%s: %v", userID, err)
		writeError(w, err, "")
		return nil, false
	}
	return week, true
}

func (h *scheduleHandler) handleWeek(w http.ResponseWriter, r *http.Request) {
	week, ok := h.weekFromQuery(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, week)
}

func (h *scheduleHandler) handleWeekICS(w http.ResponseWriter, r *http.Request) {
	week, ok := h.weekFromQuery(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="week-`+week.WeekStart.Format("2006-01-02")+`.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(schedule.ExportICS(week, h.now())))
}

func (h *scheduleHandler) handleScheduleTask(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	taskID := mux.Vars(r)["taskID"]

	var req scheduleTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeBadRequest(w, "user_id is required")
		return
	}
	weekStart, ok := h.parseWeekStart(req.WeekStart)
	if !ok {
		writeBadRequest(w, "week_start must be YYYY-MM-DD")
		return
	}

	ev, err := h.mutator.ScheduleTaskAt(r.Context(), req.UserID, taskID, weekStart, req.Day, req.Hour)
	if err != nil {
		writeError(w, err, "")
		return
	}

	h.publishChange(r.Context(), req.UserID, "schedule_task", ev)
	writeJSON(w, http.StatusCreated, ev)
}

func (h *scheduleHandler) handleMoveEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	eventID := mux.Vars(r)["eventID"]

	var req moveEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeBadRequest(w, "user_id is required")
		return
	}
	weekStart, ok := h.parseWeekStart(req.WeekStart)
	if !ok {
		writeBadRequest(w, "week_start must be YYYY-MM-DD")
		return
	}

	ev, err := h.mutator.RescheduleEvent(r.Context(), req.UserID, eventID, weekStart, req.Day)
	if err != nil {
		zap.S().Warnf("Schedule: move failed user=%s event=%s: %v", req.UserID, eventID, err)
		status, kind := statusFor(err)
		writeJSON(w, status, moveFailedResponse{Success: false, Error: moveFailedMessage, Kind: kind})
		return
	}

	h.publishChange(r.Context(), req.UserID, "reschedule", ev)
	writeJSON(w, http.StatusOK, ev)
}

func (h *scheduleHandler) publishChange(ctx context.Context, userID, op string, ev *stores.Event) {
	if h.bus == nil || ev == nil {
		return
	}
	if _, err := h.bus.Publish(ctx, userID, notify.KindScheduleChanged, map[string]any{
		"operation":  op,
		"event_id":   ev.ID,
		"start_date": ev.StartDate,
		"end_date":   ev.EndDate,
	}); err != nil {
		zap.S().Warnf("Schedule: notify err user=%s: %v", userID, err)
	}
}
