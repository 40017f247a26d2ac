package main

import (
	"errors"
	"net/http"

	"renko-cloud/gcal"
	"renko-cloud/schedule"
	"renko-cloud/security"
	"renko-cloud/stores"
	"renko-cloud/syncer"
)

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps domain errors onto an HTTP status and a stable error kind.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, gcal.ErrAccessDenied):
		return http.StatusForbidden, "access_denied"
	case errors.Is(err, security.ErrNoValidToken), errors.Is(err, gcal.ErrTokenExpired):
		return http.StatusUnauthorized, syncer.ErrorKind(err)
	case errors.Is(err, schedule.ErrInvalidReschedule):
		return http.StatusUnprocessableEntity, "invalid_reschedule"
	case errors.Is(err, schedule.ErrInvalidSlot):
		return http.StatusBadRequest, "invalid_slot"
	case errors.Is(err, schedule.ErrNotFound), errors.Is(err, stores.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, security.ErrConnectionMismatch):
		return http.StatusConflict, "connection_mismatch"
	}
	var perr *gcal.ProviderError
	if errors.As(err, &perr) {
		return http.StatusBadGateway, "provider_error"
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, err error, message string) {
	status, kind := statusFor(err)
	if message == "" {
		message = err.Error()
	}
	writeJSON(w, status, ErrorResponse{Success: false, Error: kind, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Success: false, Error: "bad_request", Message: message})
}
