package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/wa-campaigns/internal/errors"
	"github.com/unclebandit/wa-campaigns/internal/metrics"
	"github.com/unclebandit/wa-campaigns/internal/model"
	"github.com/unclebandit/wa-campaigns/internal/realtime"
	"github.com/unclebandit/wa-campaigns/internal/repository"
	"github.com/unclebandit/wa-campaigns/internal/whatsapp"
)

const (
	maxStatusAttempts = 5
	previewRunes      = 255
)

// StatusEvent is a provider delivery report for one outbound message.
type StatusEvent struct {
	ProviderMessageID string
	Status            string
	Timestamp         time.Time
	RecipientPhone    string
	Errors            []model.MessageError
}

// InboundEvent is a message a contact sent to the business number.
type InboundEvent struct {
	ProviderMessageID string
	From              string
	ContactName       string
	Type              string
	Body              string
	Timestamp         time.Time
}

// Reconciler applies provider callbacks to stored messages, campaign counters
// and conversations.
type Reconciler struct {
	Store  *repository.Store
	Hub    *realtime.Hub
	Logger *zap.Logger
	Now    func() time.Time
}

func NewReconciler(store *repository.Store, hub *realtime.Hub, logger *zap.Logger) *Reconciler {
	return &Reconciler{Store: store, Hub: hub, Logger: logger, Now: time.Now}
}

// ApplyStatus moves a message along the status lattice. Unknown messages,
// stale or duplicate events and events for another channel are dropped and
// reported as not applied. A channelID of 0 skips the channel check.
func (r *Reconciler) ApplyStatus(ctx context.Context, channelID int, ev StatusEvent) (bool, error) {
	applied, err := r.applyStatus(ctx, channelID, ev)
	if err == nil {
		label := "unknown"
		if st, ok := model.ParseMessageStatus(ev.Status); ok {
			label = string(st)
		}
		metrics.StatusEvents.WithLabelValues(label, strconv.FormatBool(applied)).Inc()
	}
	return applied, err
}

func (r *Reconciler) applyStatus(ctx context.Context, channelID int, ev StatusEvent) (bool, error) {
	next, ok := model.ParseMessageStatus(ev.Status)
	if !ok {
		r.Logger.Debug("ignoring unknown status", zap.String("status", ev.Status))
		return false, nil
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = r.now()
	}

	for attempt := 0; attempt < maxStatusAttempts; attempt++ {
		m, err := r.Store.Messages.GetByProviderID(ctx, ev.ProviderMessageID)
		if err != nil {
			if appErrors.IsNotFound(err) {
				r.Logger.Debug("status for unknown message", zap.String("provider_message_id", ev.ProviderMessageID))
				return false, nil
			}
			return false, err
		}
		if channelID != 0 && m.ChannelID != channelID {
			r.Logger.Warn("status event channel mismatch",
				zap.String("provider_message_id", ev.ProviderMessageID),
				zap.Int("channel_id", channelID),
				zap.Int("message_channel_id", m.ChannelID))
			return false, nil
		}

		prev := m.Status
		if !model.CanAdvance(prev, next) {
			r.Logger.Debug("stale or duplicate status",
				zap.Int("message_id", m.ID), zap.String("current", string(prev)), zap.String("event", string(next)))
			return false, nil
		}

		patch := model.StatusPatch{Status: next, At: at}
		if next == model.StatusFailed {
			patch.Error, patch.ErrorPermanent = classifyErrors(ev.Errors)
		}
		patch.Apply(m)

		won, err := r.Store.Messages.UpdateStatus(ctx, m, prev, statusDelta(prev, next))
		if err != nil {
			return false, err
		}
		if !won {
			continue
		}
		r.publish(realtime.EventMessageStatus, m)
		return true, nil
	}

	return false, fmt.Errorf("message %s: status update lost %d races", ev.ProviderMessageID, maxStatusAttempts)
}

// statusDelta is the campaign counter change for a won transition. A failure
// after the optimistic "sent" moves the unit from sent to failed and takes back
// any delivered or read it had been counted as.
func statusDelta(prev, next model.MessageStatus) model.CounterDelta {
	var d model.CounterDelta
	switch next {
	case model.StatusDelivered:
		d.Delivered = 1
	case model.StatusRead:
		d.Read = 1
		if prev == model.StatusPending || prev == model.StatusSent {
			d.Delivered = 1
		}
	case model.StatusFailed:
		d.Failed = 1
		if prev != model.StatusPending {
			d.Sent = -1
		}
		switch prev {
		case model.StatusRead:
			d.Read = -1
			d.Delivered = -1
		case model.StatusDelivered:
			d.Delivered = -1
		}
	}
	return d
}

func classifyErrors(errs []model.MessageError) (*model.MessageError, bool) {
	if len(errs) == 0 {
		return nil, false
	}
	first := errs[0]
	return &first, !whatsapp.IsTransientCode(first.Code)
}

// HandleInbound stores an inbound message against its conversation. Replays
// of an already stored provider id return the stored message.
func (r *Reconciler) HandleInbound(ctx context.Context, channelID int, ev InboundEvent) (*model.Message, error) {
	phone := whatsapp.NormalizePhone("", ev.From)
	if phone == "" {
		return nil, appErrors.NewValidation("from", "sender phone is empty")
	}

	if ev.ProviderMessageID != "" {
		existing, err := r.Store.Messages.GetByProviderID(ctx, ev.ProviderMessageID)
		if err == nil {
			r.Logger.Debug("duplicate inbound message", zap.String("provider_message_id", ev.ProviderMessageID))
			return existing, nil
		}
		if !appErrors.IsNotFound(err) {
			return nil, err
		}
	}

	contact, err := r.findOrCreateContact(ctx, phone, ev.ContactName)
	if err != nil {
		return nil, fmt.Errorf("resolve contact: %w", err)
	}
	conv, err := r.findOrCreateConversation(ctx, channelID, contact)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = r.now()
	}

	convID := conv.ID
	msg := &model.Message{
		ConversationID: &convID,
		ChannelID:      channelID,
		ContactPhone:   phone,
		Direction:      model.Inbound,
		Content:        ev.Body,
		Status:         model.StatusReceived,
	}
	if ev.ProviderMessageID != "" {
		id := ev.ProviderMessageID
		msg.ProviderMessageID = &id
	}

	if err := r.Store.Messages.Create(ctx, msg); err != nil {
		if errors.Is(err, appErrors.ErrConflict) && msg.ProviderMessageID != nil {
			return r.Store.Messages.GetByProviderID(ctx, *msg.ProviderMessageID)
		}
		return nil, err
	}

	if err := r.Store.Conversations.RecordInbound(ctx, conv.ID, preview(ev.Body), at); err != nil {
		return msg, fmt.Errorf("update conversation: %w", err)
	}

	r.publish(realtime.EventMessageCreated, msg)
	return msg, nil
}

func (r *Reconciler) findOrCreateContact(ctx context.Context, phone, name string) (*model.Contact, error) {
	c, err := r.Store.Contacts.GetByPhone(ctx, phone)
	if err == nil {
		return c, nil
	}
	if !appErrors.IsNotFound(err) {
		return nil, err
	}

	c = &model.Contact{Phone: phone, Name: name}
	if err := r.Store.Contacts.Create(ctx, c); err != nil {
		if errors.Is(err, appErrors.ErrConflict) {
			return r.Store.Contacts.GetByPhone(ctx, phone)
		}
		return nil, err
	}
	return c, nil
}

func (r *Reconciler) findOrCreateConversation(ctx context.Context, channelID int, contact *model.Contact) (*model.Conversation, error) {
	conv, err := r.Store.Conversations.GetByPhone(ctx, channelID, contact.Phone)
	if err == nil {
		return conv, nil
	}
	if !appErrors.IsNotFound(err) {
		return nil, err
	}

	conv = &model.Conversation{ChannelID: channelID, ContactID: contact.ID, ContactPhone: contact.Phone}
	if err := r.Store.Conversations.Create(ctx, conv); err != nil {
		if errors.Is(err, appErrors.ErrConflict) {
			return r.Store.Conversations.GetByPhone(ctx, channelID, contact.Phone)
		}
		return nil, err
	}
	return conv, nil
}

func (r *Reconciler) publish(kind string, m *model.Message) {
	if r.Hub == nil || m.ConversationID == nil {
		return
	}
	r.Hub.Publish(realtime.Event{Type: kind, ConversationID: *m.ConversationID, Message: m})
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func preview(body string) string {
	if utf8.RuneCountInString(body) <= previewRunes {
		return body
	}
	runes := []rune(body)
	return string(runes[:previewRunes])
}
