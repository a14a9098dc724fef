package controller

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/wa-campaigns/internal/service"
)

// MessageController serves the inline single-send API keyed by a channel's
// API key.
type MessageController struct {
	MessageService *service.MessageService
	Logger         *zap.Logger
}

func (c *MessageController) SendMessage(w http.ResponseWriter, r *http.Request) {
	apiKey := chi.URLParam(r, "apiKey")

	var body service.SendInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	msg, err := c.MessageService.SendSingle(r.Context(), apiKey, body)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError && c.Logger != nil {
			c.Logger.Error("single send failed", zap.Error(err))
		}
		if msg == nil {
			writeError(w, err)
			return
		}
		resp := map[string]interface{}{
			"error":     err.Error(),
			"messageId": msg.ID,
			"status":    msg.Status,
		}
		if msg.Error != nil {
			resp["error"] = msg.Error.Message
			resp["code"] = msg.Error.Code
		}
		writeJSON(w, status, resp)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messageId":         msg.ID,
		"providerMessageId": msg.ProviderMessageID,
		"status":            msg.Status,
	})
}
