// internal/handler/webhook_handler.go
package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/wa-campaigns/internal/errors"
	"github.com/unclebandit/wa-campaigns/internal/model"
	"github.com/unclebandit/wa-campaigns/internal/repository"
	"github.com/unclebandit/wa-campaigns/internal/service"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	maxWebhookBody  = 1 << 20

	fieldMessages       = "messages"
	fieldTemplateStatus = "message_template_status_update"
)

// WebhookHandler receives provider callbacks: delivery statuses, inbound
// messages and template review results.
type WebhookHandler struct {
	Store       *repository.Store
	Reconciler  *service.Reconciler
	VerifyToken string
	AppSecret   string
	Logger      *zap.Logger
}

func NewWebhookHandler(store *repository.Store, reconciler *service.Reconciler, verifyToken, appSecret string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		Store:       store,
		Reconciler:  reconciler,
		VerifyToken: verifyToken,
		AppSecret:   appSecret,
		Logger:      logger,
	}
}

// Verify answers the subscription handshake by echoing hub.challenge when the
// token matches.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.VerifyToken == "" ||
		!hmac.Equal([]byte(q.Get("hub.verify_token")), []byte(h.VerifyToken)) {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, q.Get("hub.challenge"))
}

// Receive handles a callback batch. Once the body is verified and parsed the
// response is 200 even if individual events could not be applied; the
// provider redelivers on anything else and every event here is replay safe.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}

	if h.AppSecret != "" && !validSignature(h.AppSecret, body, r.Header.Get(signatureHeader)) {
		h.Logger.Warn("webhook signature mismatch")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			h.applyChange(r.Context(), change)
		}
	}

	w.WriteHeader(http.StatusOK)
}

func validSignature(secret string, body []byte, header string) bool {
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

func (h *WebhookHandler) applyChange(ctx context.Context, change webhookChange) {
	switch change.Field {
	case fieldTemplateStatus:
		h.applyTemplateStatus(ctx, change.Value)
		return
	case fieldMessages, "":
	default:
		h.Logger.Debug("ignoring webhook field", zap.String("field", change.Field))
		return
	}

	v := change.Value
	if len(v.Statuses) == 0 && len(v.Messages) == 0 {
		return
	}

	ch, err := h.Store.Channels.GetByPhoneNumberID(ctx, v.Metadata.PhoneNumberID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			h.Logger.Warn("webhook for unknown channel", zap.String("phone_number_id", v.Metadata.PhoneNumberID))
		} else {
			h.Logger.Error("resolving webhook channel", zap.Error(err))
		}
		return
	}

	for _, st := range v.Statuses {
		ev := service.StatusEvent{
			ProviderMessageID: st.ID,
			Status:            st.Status,
			Timestamp:         unixTime(st.Timestamp),
			RecipientPhone:    st.RecipientID,
		}
		for _, e := range st.Errors {
			msg := e.Message
			if e.ErrorData.Details != "" {
				msg = e.ErrorData.Details
			}
			ev.Errors = append(ev.Errors, model.MessageError{Code: e.Code, Title: e.Title, Message: msg})
		}

		applied, err := h.Reconciler.ApplyStatus(ctx, ch.ID, ev)
		if err != nil {
			h.Logger.Error("applying status event",
				zap.String("provider_message_id", st.ID),
				zap.String("status", st.Status),
				zap.Error(err))
			continue
		}
		if !applied {
			h.Logger.Debug("status event dropped", zap.String("provider_message_id", st.ID), zap.String("status", st.Status))
		}
	}

	names := make(map[string]string, len(v.Contacts))
	for _, c := range v.Contacts {
		names[c.WaID] = c.Profile.Name
	}
	for _, m := range v.Messages {
		ev := service.InboundEvent{
			ProviderMessageID: m.ID,
			From:              m.From,
			ContactName:       names[m.From],
			Type:              m.Type,
			Body:              m.content(),
			Timestamp:         unixTime(m.Timestamp),
		}
		if _, err := h.Reconciler.HandleInbound(ctx, ch.ID, ev); err != nil {
			h.Logger.Error("handling inbound message", zap.String("provider_message_id", m.ID), zap.Error(err))
		}
	}
}

func (h *WebhookHandler) applyTemplateStatus(ctx context.Context, v webhookValue) {
	id := string(v.MessageTemplateID)
	if id == "" || v.Event == "" {
		return
	}
	updated, err := h.Store.Templates.UpdateStatusByProviderID(ctx, id, strings.ToUpper(v.Event))
	if err != nil {
		h.Logger.Error("updating template status", zap.String("provider_template_id", id), zap.Error(err))
		return
	}
	if !updated {
		h.Logger.Warn("template status for unknown template", zap.String("provider_template_id", id))
		return
	}
	h.Logger.Info("template status updated",
		zap.String("provider_template_id", id),
		zap.String("status", v.Event),
		zap.String("reason", v.Reason))
}

func unixTime(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string          `json:"id"`
		Changes []webhookChange `json:"changes"`
	} `json:"entry"`
}

type webhookChange struct {
	Field string       `json:"field"`
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []webhookMessage `json:"messages"`
	Statuses []webhookStatus  `json:"statuses"`

	// message_template_status_update
	Event             string     `json:"event"`
	MessageTemplateID flexibleID `json:"message_template_id"`
	Reason            string     `json:"reason"`
}

type webhookStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code      int    `json:"code"`
		Title     string `json:"title"`
		Message   string `json:"message"`
		ErrorData struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"errors"`
}

type webhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Button struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive struct {
		Type        string `json:"type"`
		ButtonReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Image    *mediaPart `json:"image"`
	Video    *mediaPart `json:"video"`
	Document *mediaPart `json:"document"`
}

type mediaPart struct {
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

// content flattens an inbound message into the text stored on the message
// and shown as the conversation preview.
func (m webhookMessage) content() string {
	switch m.Type {
	case "text":
		return m.Text.Body
	case "button":
		return m.Button.Text
	case "interactive":
		if m.Interactive.ButtonReply.Title != "" {
			return m.Interactive.ButtonReply.Title
		}
		return m.Interactive.ListReply.Title
	}

	var part *mediaPart
	switch m.Type {
	case "image":
		part = m.Image
	case "video":
		part = m.Video
	case "document":
		part = m.Document
	}
	label := "[" + m.Type + "]"
	if part != nil {
		if part.Caption != "" {
			return label + " " + part.Caption
		}
		if part.Filename != "" {
			return label + " " + part.Filename
		}
	}
	return label
}

// flexibleID accepts an id sent either as a JSON string or a JSON number.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}
