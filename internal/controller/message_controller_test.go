package controller_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/wa-campaigns/internal/whatsapp"
)

func TestSendMessageHandler(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/campaigns/send/key-1", map[string]interface{}{
		"phone":      "7000000009",
		"templateId": s.template.ID,
		"params":     []string{"Alice", "Westlands"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res struct {
		MessageID         int    `json:"messageId"`
		ProviderMessageID string `json:"providerMessageId"`
		Status            string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	require.NotZero(t, res.MessageID)
	require.Equal(t, "wamid.1", res.ProviderMessageID)
	require.Equal(t, "sent", res.Status)
}

func TestSendMessageUnknownKey(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/campaigns/send/nope", map[string]interface{}{
		"phone":        "254700000009",
		"templateName": "promo",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Zero(t, s.sender.sent)
}

func TestSendMessageProviderRejection(t *testing.T) {
	s := newTestServer(t)
	s.sender.err = &whatsapp.ProviderError{StatusCode: 400, Code: 131026, Message: "Message undeliverable"}

	w := s.do(t, http.MethodPost, "/api/campaigns/send/key-1", map[string]interface{}{
		"phone":        "254700000009",
		"templateName": "promo",
		"language":     "en_US",
		"variables":    map[string]string{"1": "name", "2": "the shop"},
		"name":         "Bob",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var res map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	require.Equal(t, "Message undeliverable", res["error"])
	require.EqualValues(t, 131026, res["code"])
	require.Equal(t, "failed", res["status"])
	require.NotZero(t, res["messageId"])
}

func TestSendMessageErrorMapping(t *testing.T) {
	tests := map[string]struct {
		err    error
		status int
	}{
		"server error":  {err: &whatsapp.ProviderError{StatusCode: 503, Code: 2, Message: "down"}, status: http.StatusBadGateway},
		"network":       {err: &whatsapp.NetworkError{Err: http.ErrHandlerTimeout}, status: http.StatusBadGateway},
		"misconfigured": {err: &whatsapp.ConfigError{ChannelID: 1, Reason: "token rejected"}, status: http.StatusServiceUnavailable},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(t)
			s.sender.err = tc.err

			w := s.do(t, http.MethodPost, "/api/campaigns/send/key-1", map[string]interface{}{
				"phone":      "254700000009",
				"templateId": s.template.ID,
				"params":     []string{"A", "B"},
			})
			require.Equal(t, tc.status, w.Code)
		})
	}
}

func TestSendMessageValidation(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/campaigns/send/key-1", map[string]interface{}{
		"templateId": s.template.ID,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/campaigns/send/key-1", map[string]interface{}{
		"phone": "254700000009",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/campaigns/send/key-1", map[string]interface{}{
		"phone":      "254700000009",
		"templateId": 4242,
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}
