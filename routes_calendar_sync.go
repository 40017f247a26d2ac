package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"renko-cloud/gcal"
	"renko-cloud/stores"
	"renko-cloud/syncer"
)

// calendarSyncer runs on-demand syncs and provider exports.
type calendarSyncer interface {
	SyncUser(ctx context.Context, userID string) (syncer.Result, error)
	CreateEvent(ctx context.Context, userID string, payload gcal.EventPayload) (string, error)
}

type taskLookup interface {
	Get(ctx context.Context, userID, taskID string) (*stores.Task, error)
}

type calendarSyncHandler struct {
	syncer   calendarSyncer
	tasks    taskLookup
	timezone string
}

type syncRequest struct {
	UserID string `json:"user_id"`
}

type syncResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	EventCount int    `json:"event_count"`
	Inserted   int    `json:"inserted"`
	Updated    int    `json:"updated"`
	Skipped    int    `json:"skipped"`
}

type exportRequest struct {
	UserID   string `json:"user_id"`
	TaskID   string `json:"task_id"`
	Start    string `json:"start"`
	End      string `json:"end"`
	TimeZone string `json:"time_zone"`
}

type exportResponse struct {
	Success         bool   `json:"success"`
	ExternalEventID string `json:"external_event_id"`
	ColorID         string `json:"color_id"`
}

func registerCalendarSyncRoutes(r *mux.Router, s calendarSyncer, tasks taskLookup, timezone string) {
	h := &calendarSyncHandler{syncer: s, tasks: tasks, timezone: timezone}
	r.HandleFunc("/calendar/sync", h.handleSync).Methods("POST")
	r.HandleFunc("/calendar/google/events", h.handleExport).Methods("POST")
}

// handleSync is "Sync Now": the same per-user sync the cron job runs.
func (h *calendarSyncHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeBadRequest(w, "user_id is required")
		return
	}

	res, err := h.syncer.SyncUser(r.Context(), req.UserID)
	if err != nil {
		zap.S().Warnf("Sync now failed user=%s kind=%s: %v", req.UserID, res.ErrorKind, err)
		writeError(w, err, syncFailureMessage(res.ErrorKind))
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{
		Success:    true,
		Message:    fmt.Sprintf("Synced %d events", res.EventCount),
		EventCount: res.EventCount,
		Inserted:   res.Inserted,
		Updated:    res.Updated,
		Skipped:    res.Skipped,
	})
}

func syncFailureMessage(kind string) string {
	switch kind {
	case "reconnect_required":
		return "Google Calendar access expired, please reconnect"
	case "temporary":
		return "Could not refresh Google Calendar access, try again shortly"
	case "access_denied":
		return "Google Calendar denied access: check the granted permissions and that the Calendar API is enabled"
	case "provider_error":
		return "Google Calendar is unavailable, the next scheduled sync will retry"
	default:
		return "Calendar sync failed"
	}
}

// handleExport creates a provider event from a task, colored by priority.
func (h *calendarSyncHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.TaskID = strings.TrimSpace(req.TaskID)
	if req.UserID == "" || req.TaskID == "" {
		writeBadRequest(w, "user_id and task_id are required")
		return
	}

	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		writeBadRequest(w, "start must be RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, req.End)
	if err != nil {
		writeBadRequest(w, "end must be RFC3339")
		return
	}
	if !start.Before(end) {
		writeBadRequest(w, "start must be before end")
		return
	}

	task, err := h.tasks.Get(r.Context(), req.UserID, req.TaskID)
	if err != nil {
		writeError(w, err, "")
		return
	}

	tz := strings.TrimSpace(req.TimeZone)
	if tz == "" {
		tz = h.timezone
	}
	payload := gcal.EventPayload{
		Summary:     task.Title,
		Description: task.Description,
		Start:       start,
		End:         end,
		TimeZone:    tz,
		Priority:    task.Priority,
	}

	id, err := h.syncer.CreateEvent(r.Context(), req.UserID, payload)
	if err != nil {
		zap.S().Warnf("Export to Google failed user=%s task=%s: %v", req.UserID, req.TaskID, err)
		writeError(w, err, "")
		return
	}

	writeJSON(w, http.StatusCreated, exportResponse{
		Success:         true,
		ExternalEventID: id,
		ColorID:         gcal.ColorForPriority(task.Priority),
	})
}
