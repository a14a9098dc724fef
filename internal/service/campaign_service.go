// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/wa-campaigns/internal/errors"
	"github.com/unclebandit/wa-campaigns/internal/model"
	"github.com/unclebandit/wa-campaigns/internal/queue"
	"github.com/unclebandit/wa-campaigns/internal/repository"
	"github.com/unclebandit/wa-campaigns/internal/whatsapp"
)

type CampaignService struct {
	Store  *repository.Store
	Queue  queue.Queue
	Logger *zap.Logger
	Now    func() time.Time
}

func NewCampaignService(store *repository.Store, q queue.Queue, logger *zap.Logger) *CampaignService {
	return &CampaignService{Store: store, Queue: q, Logger: logger, Now: time.Now}
}

// RecipientInput is an inline recipient supplied through the API.
type RecipientInput struct {
	Phone  string            `json:"phone"`
	Name   string            `json:"name"`
	Email  string            `json:"email"`
	Fields map[string]string `json:"fields"`
}

type CreateCampaignInput struct {
	Name            string                `json:"name"`
	ChannelID       int                   `json:"channelId"`
	TemplateID      int                   `json:"templateId"`
	DeliveryPath    model.DeliveryPath    `json:"deliveryPath"`
	RecipientSource model.RecipientSource `json:"recipientSource"`
	ContactIDs      []int                 `json:"contactIds"`
	CSVRows         []map[string]string   `json:"csvRows"`
	Recipients      []RecipientInput      `json:"recipients"`
	VariableMapping model.VariableMapping `json:"variableMapping"`
	ScheduledAt     *time.Time            `json:"scheduledAt"`
	AutoStart       bool                  `json:"autoStart"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats map[string]int `json:"stats"`
}

type PreviewResult struct {
	CampaignID int              `json:"campaign_id"`
	Position   int              `json:"position"`
	Phone      string           `json:"phone"`
	Name       string           `json:"name"`
	Rendered   RenderedTemplate `json:"rendered"`
}

// CreateCampaign validates the channel and template, materializes the
// recipient list and stores the campaign as draft, scheduled, or (with
// AutoStart) active and dispatched.
func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, appErrors.NewValidation("name", "required")
	}

	path := in.DeliveryPath
	if path == "" {
		path = model.DeliveryStandard
	}
	if path != model.DeliveryStandard && path != model.DeliveryLite {
		return nil, appErrors.NewValidation("deliveryPath", "must be standard or lite")
	}

	ch, err := s.Store.Channels.GetByID(ctx, in.ChannelID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return nil, appErrors.NewValidation("channelId", "channel not found")
		}
		return nil, err
	}
	tpl, err := s.Store.Templates.GetByID(ctx, in.TemplateID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return nil, appErrors.NewValidation("templateId", "template not found")
		}
		return nil, err
	}
	if tpl.ChannelID != ch.ID {
		return nil, appErrors.NewValidation("templateId", "template belongs to another channel")
	}
	if !strings.EqualFold(tpl.Status, model.TemplateApproved) {
		return nil, appErrors.NewValidation("templateId", fmt.Sprintf("template status is %s, not APPROVED", tpl.Status))
	}
	if path == model.DeliveryLite {
		if !tpl.IsMarketing() {
			return nil, appErrors.NewValidation("deliveryPath", "lite delivery requires a MARKETING template")
		}
		if !ch.LiteEnabled {
			return nil, appErrors.NewValidation("deliveryPath", "channel is not enabled for lite delivery")
		}
	}

	recipients, source, err := s.materialize(ctx, ch, in)
	if err != nil {
		return nil, err
	}

	c := &model.Campaign{
		Name:            strings.TrimSpace(in.Name),
		ChannelID:       ch.ID,
		TemplateID:      tpl.ID,
		DeliveryPath:    path,
		RecipientSource: source,
		VariableMapping: in.VariableMapping,
		Status:          model.CampaignDraft,
	}
	if in.ScheduledAt != nil {
		at := in.ScheduledAt.UTC()
		c.ScheduledAt = &at
		c.Status = model.CampaignScheduled
	}

	if err := s.Store.Campaigns.Create(ctx, c, recipients); err != nil {
		return nil, err
	}
	s.Logger.Info("campaign created",
		zap.Int("campaign_id", c.ID),
		zap.Int("recipients", c.RecipientCount),
		zap.String("status", string(c.Status)))

	if in.AutoStart && in.ScheduledAt == nil {
		return s.Start(ctx, c.ID)
	}
	return c, nil
}

// materialize resolves the campaign's recipients. Phones are normalized with
// the channel's country code; empty and repeated numbers are skipped.
func (s *CampaignService) materialize(ctx context.Context, ch *model.Channel, in CreateCampaignInput) ([]*model.CampaignRecipient, model.RecipientSource, error) {
	source := in.RecipientSource
	if source == "" {
		switch {
		case len(in.ContactIDs) > 0:
			source = model.SourceContactList
		case len(in.CSVRows) > 0:
			source = model.SourceCSV
		default:
			source = model.SourceAPI
		}
	}

	seen := make(map[string]bool)
	out := []*model.CampaignRecipient{}
	add := func(rec *model.CampaignRecipient) bool {
		rec.Phone = whatsapp.NormalizePhone(ch.DefaultCountryCode, rec.Phone)
		if rec.Phone == "" || seen[rec.Phone] {
			return false
		}
		seen[rec.Phone] = true
		out = append(out, rec)
		return true
	}

	switch source {
	case model.SourceContactList:
		contacts, err := s.Store.Contacts.GetByIDs(ctx, in.ContactIDs)
		if err != nil {
			return nil, "", err
		}
		for _, c := range contacts {
			id := c.ID
			add(&model.CampaignRecipient{ContactID: &id, Phone: c.Phone, Name: c.Name, Email: c.Email})
		}

	case model.SourceCSV:
		for _, row := range in.CSVRows {
			rec := recipientFromRow(row)
			if !add(rec) {
				continue
			}
			contact := &model.Contact{Phone: rec.Phone, Name: rec.Name, Email: rec.Email}
			if err := s.Store.Contacts.Upsert(ctx, contact); err != nil {
				return nil, "", fmt.Errorf("upsert contact %s: %w", rec.Phone, err)
			}
			id := contact.ID
			rec.ContactID = &id
		}

	case model.SourceAPI:
		for _, r := range in.Recipients {
			add(&model.CampaignRecipient{Phone: r.Phone, Name: r.Name, Email: r.Email, Fields: model.Fields(r.Fields)})
		}

	default:
		return nil, "", appErrors.NewValidation("recipientSource", fmt.Sprintf("unknown source %q", source))
	}

	return out, source, nil
}

// recipientFromRow maps a CSV row onto a recipient. Phone may arrive as
// phone, phone_number or mobile; columns other than phone, name and email are
// kept as fields.
func recipientFromRow(row map[string]string) *model.CampaignRecipient {
	rec := &model.CampaignRecipient{Fields: model.Fields{}}
	for k, v := range row {
		v = strings.TrimSpace(v)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "phone", "phone_number", "mobile":
			if rec.Phone == "" {
				rec.Phone = v
			}
		case "name":
			rec.Name = v
		case "email":
			rec.Email = v
		default:
			rec.Fields[strings.TrimSpace(k)] = v
		}
	}
	return rec
}

// Start activates a draft, scheduled or paused campaign and dispatches it for
// execution. Starting an active campaign only dispatches it again.
func (s *CampaignService) Start(ctx context.Context, campaignID int) (*model.Campaign, error) {
	c, err := s.Store.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if c.Status != model.CampaignActive {
		if !model.CanTransition(c.Status, model.CampaignActive) {
			return nil, appErrors.NewTransition(string(c.Status), string(model.CampaignActive))
		}
		if err := s.Store.Campaigns.TransitionStatus(ctx, campaignID, c.Status, model.CampaignActive, ""); err != nil {
			return nil, err
		}
	}

	if err := s.dispatch(campaignID); err != nil {
		return nil, err
	}
	return s.Store.Campaigns.GetByID(ctx, campaignID)
}

func (s *CampaignService) dispatch(campaignID int) error {
	if err := s.Queue.Publish(queue.TopicCampaignExecute, queue.Job{CampaignID: campaignID}); err != nil {
		return fmt.Errorf("dispatch campaign %d: %w", campaignID, err)
	}
	s.Logger.Info("campaign dispatched", zap.Int("campaign_id", campaignID))
	return nil
}

// UpdateStatus applies a user-requested lifecycle change. Users may activate,
// pause or schedule; completed and failed are set by the system only.
func (s *CampaignService) UpdateStatus(ctx context.Context, campaignID int, status string) (*model.Campaign, error) {
	to := model.CampaignStatus(strings.ToLower(strings.TrimSpace(status)))
	switch to {
	case model.CampaignActive:
		return s.Start(ctx, campaignID)
	case model.CampaignPaused, model.CampaignScheduled:
	default:
		return nil, appErrors.NewValidation("status", "must be one of active, paused, scheduled")
	}

	c, err := s.Store.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(c.Status, to) {
		return nil, appErrors.NewTransition(string(c.Status), string(to))
	}
	if to == model.CampaignScheduled && c.ScheduledAt == nil {
		return nil, appErrors.NewValidation("status", "campaign has no scheduled time")
	}
	if err := s.Store.Campaigns.TransitionStatus(ctx, campaignID, c.Status, to, ""); err != nil {
		return nil, err
	}
	return s.Store.Campaigns.GetByID(ctx, campaignID)
}

// ActivateDue moves scheduled campaigns whose time has come to active and
// dispatches them. It returns how many were activated.
func (s *CampaignService) ActivateDue(ctx context.Context) (int, error) {
	due, err := s.Store.Campaigns.ListDueScheduled(ctx, s.now())
	if err != nil {
		return 0, err
	}

	activated := 0
	for _, c := range due {
		err := s.Store.Campaigns.TransitionStatus(ctx, c.ID, model.CampaignScheduled, model.CampaignActive, "")
		if err != nil {
			s.Logger.Warn("could not activate scheduled campaign", zap.Int("campaign_id", c.ID), zap.Error(err))
			continue
		}
		activated++
		if err := s.dispatch(c.ID); err != nil {
			s.Logger.Error("dispatch failed", zap.Int("campaign_id", c.ID), zap.Error(err))
		}
	}
	return activated, nil
}

// ResumeActive redispatches every active campaign. It picks up runs left
// behind by a stopped process and dispatches that were dropped because the
// campaign lock was still held. Recipients already attempted are not resent.
func (s *CampaignService) ResumeActive(ctx context.Context) (int, error) {
	const pageSize = 100
	resumed := 0
	for offset := 0; ; offset += pageSize {
		page, total, err := s.Store.Campaigns.ListCampaigns(ctx, offset, pageSize, 0, string(model.CampaignActive))
		if err != nil {
			return resumed, err
		}
		for _, c := range page {
			if err := s.dispatch(c.ID); err != nil {
				return resumed, err
			}
			resumed++
		}
		if len(page) == 0 || offset+pageSize >= total {
			return resumed, nil
		}
	}
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize, channelID int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.Store.Campaigns.ListCampaigns(ctx, offset, pageSize, channelID, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID int) (*CampaignDetails, error) {
	c, err := s.Store.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	stats, err := s.Store.Campaigns.GetCampaignStats(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &CampaignDetails{Campaign: c, Stats: stats}, nil
}

// Preview renders the campaign's template for the recipient at position
// without sending anything.
func (s *CampaignService) Preview(ctx context.Context, campaignID, position int) (*PreviewResult, error) {
	c, err := s.Store.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	tpl, err := s.Store.Templates.GetByID(ctx, c.TemplateID)
	if err != nil {
		return nil, err
	}
	rec, err := s.Store.Campaigns.GetRecipientByPosition(ctx, campaignID, position)
	if err != nil {
		return nil, err
	}

	return &PreviewResult{
		CampaignID: campaignID,
		Position:   position,
		Phone:      rec.Phone,
		Name:       rec.Name,
		Rendered:   RenderTemplate(tpl, c.VariableMapping, rec),
	}, nil
}

func (s *CampaignService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
