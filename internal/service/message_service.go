package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/wa-campaigns/internal/errors"
	"github.com/unclebandit/wa-campaigns/internal/model"
	"github.com/unclebandit/wa-campaigns/internal/repository"
	"github.com/unclebandit/wa-campaigns/internal/whatsapp"
)

// SendInput is a single template send requested through a channel's API key.
// Params are used as-is; otherwise Variables are rendered against the
// recipient described by Phone, Name, Email and Fields.
type SendInput struct {
	Phone        string                `json:"phone"`
	TemplateID   int                   `json:"templateId"`
	TemplateName string                `json:"templateName"`
	Language     string                `json:"language"`
	Params       []string              `json:"params"`
	Variables    model.VariableMapping `json:"variables"`
	Name         string                `json:"name"`
	Email        string                `json:"email"`
	Fields       map[string]string     `json:"fields"`
	UseLite      bool                  `json:"useLite"`
}

type MessageService struct {
	Store  *repository.Store
	Sender Sender
	Logger *zap.Logger
	Now    func() time.Time
}

func NewMessageService(store *repository.Store, sender Sender, logger *zap.Logger) *MessageService {
	return &MessageService{Store: store, Sender: sender, Logger: logger, Now: time.Now}
}

// SendSingle sends one template message outside any campaign. The message is
// stored whether or not the provider accepted it; on a send failure both the
// stored message and the send error are returned.
func (s *MessageService) SendSingle(ctx context.Context, apiKey string, in SendInput) (*model.Message, error) {
	ch, err := s.Store.Channels.GetByAPIKey(ctx, apiKey)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return nil, fmt.Errorf("unknown api key: %w", appErrors.ErrUnauthorized)
		}
		return nil, err
	}

	phone := whatsapp.NormalizePhone(ch.DefaultCountryCode, in.Phone)
	if phone == "" {
		return nil, appErrors.NewValidation("phone", "required")
	}

	tpl, err := s.template(ctx, ch, in)
	if err != nil {
		return nil, err
	}
	if in.UseLite {
		if !tpl.IsMarketing() {
			return nil, appErrors.NewValidation("useLite", "lite delivery requires a MARKETING template")
		}
		if !ch.LiteEnabled {
			return nil, appErrors.NewValidation("useLite", "channel is not enabled for lite delivery")
		}
	}

	var (
		params  []string
		buttons []model.ButtonParam
		body    string
	)
	if len(in.Params) > 0 {
		params = in.Params
		body = FillText(tpl.Body, params)
	} else {
		rec := &model.CampaignRecipient{Phone: phone, Name: in.Name, Email: in.Email, Fields: model.Fields(in.Fields)}
		rendered := RenderTemplate(tpl, in.Variables, rec)
		params, buttons, body = rendered.BodyParams, rendered.Buttons, rendered.Body
	}

	templateID := tpl.ID
	msg := &model.Message{
		ChannelID:      ch.ID,
		TemplateID:     &templateID,
		ContactPhone:   phone,
		Direction:      model.Outbound,
		Content:        body,
		TemplateParams: params,
		ButtonParams:   buttons,
		UseLite:        in.UseLite,
	}

	providerID, sendErr := s.Sender.Send(ctx, ch, whatsapp.TemplateMessage{
		Phone:        phone,
		TemplateName: tpl.Name,
		Language:     tpl.Language,
		BodyParams:   params,
		Buttons:      buttons,
		UseLite:      in.UseLite,
	})

	now := s.now()
	if sendErr != nil {
		msg.Status = model.StatusFailed
		msg.Error = whatsapp.ErrorDetails(sendErr)
		msg.ErrorPermanent = whatsapp.IsPermanent(sendErr)
		msg.FailedAt = &now
	} else {
		msg.Status = model.StatusSent
		msg.ProviderMessageID = &providerID
		msg.SentAt = &now
	}

	if err := s.Store.Messages.Create(ctx, msg); err != nil {
		if sendErr != nil {
			return nil, sendErr
		}
		return nil, fmt.Errorf("persist message: %w", err)
	}

	if sendErr != nil {
		s.Logger.Warn("single send failed", zap.Int("channel_id", ch.ID), zap.Int("message_id", msg.ID), zap.Error(sendErr))
		return msg, sendErr
	}
	return msg, nil
}

func (s *MessageService) template(ctx context.Context, ch *model.Channel, in SendInput) (*model.Template, error) {
	switch {
	case in.TemplateID > 0:
		tpl, err := s.Store.Templates.GetByID(ctx, in.TemplateID)
		if err != nil {
			return nil, err
		}
		if tpl.ChannelID != ch.ID {
			return nil, appErrors.NewNotFound("template", in.TemplateID)
		}
		return tpl, nil
	case strings.TrimSpace(in.TemplateName) != "":
		return s.Store.Templates.GetByName(ctx, ch.ID, strings.TrimSpace(in.TemplateName), in.Language)
	default:
		return nil, appErrors.NewValidation("templateId", "templateId or templateName is required")
	}
}

func (s *MessageService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
