package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/wa-campaigns/internal/errors"
	"github.com/unclebandit/wa-campaigns/internal/whatsapp"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps service and provider errors onto HTTP status codes.
func statusFor(err error) int {
	var pe *whatsapp.ProviderError
	var ne *whatsapp.NetworkError
	switch {
	case errors.As(err, &pe):
		if pe.StatusCode >= 400 && pe.StatusCode < 500 {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	case errors.As(err, &ne):
		return http.StatusBadGateway
	case whatsapp.IsConfigError(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, appErrors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, appErrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, appErrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, appErrors.ErrInvalidTransition),
		errors.Is(err, appErrors.ErrCampaignLocked),
		errors.Is(err, appErrors.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]interface{}{"error": err.Error()}
	var pe *whatsapp.ProviderError
	if errors.As(err, &pe) {
		body["error"] = pe.Message
		body["code"] = pe.Code
		if pe.Title != "" {
			body["title"] = pe.Title
		}
	}
	writeJSON(w, statusFor(err), body)
}

func idParam(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		return 0, appErrors.NewValidation("id", "invalid campaign id")
	}
	return id, nil
}
