package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Dan9191/bank-cards/internal/middleware"
	"github.com/Dan9191/bank-cards/internal/service"
)

// errorStatus maps business errors to HTTP statuses. Order matters only for
// errors that match more than one entry.
var errorStatus = []struct {
	err    error
	status int
}{
	{service.ErrNotFoundOrAccessDenied, http.StatusNotFound},
	{service.ErrOwnerNotFound, http.StatusNotFound},
	{service.ErrUserNotFound, http.StatusNotFound},
	{service.ErrUserExists, http.StatusConflict},
	{service.ErrUserHasCards, http.StatusConflict},
	{service.ErrAlreadyExists, http.StatusConflict},
	{service.ErrIllegalTransition, http.StatusConflict},
	{service.ErrInvalidFormat, http.StatusBadRequest},
	{service.ErrCardNotActive, http.StatusBadRequest},
	{service.ErrInsufficientFunds, http.StatusBadRequest},
	{service.ErrInvalidAmount, http.StatusBadRequest},
	{service.ErrSameCard, http.StatusBadRequest},
	{service.ErrInvalidStatus, http.StatusBadRequest},
	{service.ErrInvalidFilter, http.StatusBadRequest},
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			writeError(w, m.status, err.Error())
			return
		}
	}

	// Crypto failures and storage errors never reach the client.
	h.log.WithField("request_id", middleware.RequestID(r.Context())).
		WithError(err).Errorf("%s %s failed", r.Method, r.URL.Path)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
