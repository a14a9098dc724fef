package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/wa-campaigns/internal/errors"
	"github.com/unclebandit/wa-campaigns/internal/lock"
	"github.com/unclebandit/wa-campaigns/internal/metrics"
	"github.com/unclebandit/wa-campaigns/internal/model"
	"github.com/unclebandit/wa-campaigns/internal/repository"
	"github.com/unclebandit/wa-campaigns/internal/whatsapp"
)

const (
	defaultBatchSize = 100
	defaultLockTTL   = 30 * time.Minute
)

// Sender delivers one template message on a channel and returns the provider
// message id. *whatsapp.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, ch *model.Channel, msg whatsapp.TemplateMessage) (string, error)
}

// Executor walks an active campaign's pending recipients and sends to each.
type Executor struct {
	Store     *repository.Store
	Sender    Sender
	Locker    lock.Locker
	LockTTL   time.Duration
	BatchSize int
	Logger    *zap.Logger
	Now       func() time.Time
}

func NewExecutor(store *repository.Store, sender Sender, locker lock.Locker, logger *zap.Logger) *Executor {
	return &Executor{
		Store:     store,
		Sender:    sender,
		Locker:    locker,
		LockTTL:   defaultLockTTL,
		BatchSize: defaultBatchSize,
		Logger:    logger,
		Now:       time.Now,
	}
}

// Execute runs one pass over the campaign. It returns nil when the campaign is
// not active, when it stops because the campaign left the active state, and
// when a fatal configuration problem marked the campaign failed.
func (e *Executor) Execute(ctx context.Context, campaignID int) error {
	release, err := e.Locker.Acquire(ctx, fmt.Sprintf("campaign:%d", campaignID), e.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return fmt.Errorf("campaign %d: %w", campaignID, appErrors.ErrCampaignLocked)
		}
		return fmt.Errorf("acquire campaign lock: %w", err)
	}
	defer release()

	log := e.Logger.With(zap.Int("campaign_id", campaignID))

	campaign, err := e.Store.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != model.CampaignActive {
		log.Info("campaign not active, nothing to execute", zap.String("status", string(campaign.Status)))
		return nil
	}

	ch, err := e.Store.Channels.GetByID(ctx, campaign.ChannelID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return e.fail(ctx, campaign, "channel not found")
		}
		return err
	}
	tpl, err := e.Store.Templates.GetByID(ctx, campaign.TemplateID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return e.fail(ctx, campaign, "template not found")
		}
		return err
	}

	log.Info("executing campaign", zap.Int("recipients", campaign.RecipientCount), zap.Bool("lite", campaign.UseLite()))

	for {
		batch, err := e.Store.Campaigns.ListPendingRecipients(ctx, campaignID, e.batchSize())
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}

			current, err := e.Store.Campaigns.GetByID(ctx, campaignID)
			if err != nil {
				return err
			}
			if current.Status != model.CampaignActive {
				log.Info("campaign left active state, stopping", zap.String("status", string(current.Status)))
				return nil
			}

			if err := e.deliver(ctx, campaign, ch, tpl, rec); err != nil {
				if whatsapp.IsConfigError(err) {
					return e.fail(ctx, campaign, err.Error())
				}
				return err
			}
		}
	}

	done, err := e.Store.Campaigns.CompleteIfDone(ctx, campaignID)
	if err != nil {
		return err
	}
	if done {
		log.Info("campaign completed")
	}
	return nil
}

// deliver sends to one recipient and records the outcome: message row with its
// counters, then the recipient mark. A crash in between resends the recipient.
func (e *Executor) deliver(ctx context.Context, c *model.Campaign, ch *model.Channel, tpl *model.Template, rec *model.CampaignRecipient) error {
	rendered := RenderTemplate(tpl, c.VariableMapping, rec)
	phone := whatsapp.NormalizePhone(ch.DefaultCountryCode, rec.Phone)

	campaignID, templateID := c.ID, tpl.ID
	msg := &model.Message{
		ChannelID:      ch.ID,
		CampaignID:     &campaignID,
		TemplateID:     &templateID,
		ContactPhone:   phone,
		Direction:      model.Outbound,
		Content:        rendered.Body,
		TemplateParams: rendered.BodyParams,
		ButtonParams:   rendered.Buttons,
		UseLite:        c.UseLite(),
	}

	providerID, sendErr := e.Sender.Send(ctx, ch, whatsapp.TemplateMessage{
		Phone:        phone,
		TemplateName: tpl.Name,
		Language:     tpl.Language,
		BodyParams:   rendered.BodyParams,
		Buttons:      rendered.Buttons,
		UseLite:      c.UseLite(),
	})
	if sendErr != nil && (whatsapp.IsConfigError(sendErr) || ctx.Err() != nil) {
		return sendErr
	}

	now := e.now()
	var delta model.CounterDelta
	if sendErr != nil {
		msg.Status = model.StatusFailed
		msg.Error = whatsapp.ErrorDetails(sendErr)
		msg.ErrorPermanent = whatsapp.IsPermanent(sendErr)
		msg.FailedAt = &now
		delta.Failed = 1
		e.Logger.Warn("campaign send failed",
			zap.Int("campaign_id", c.ID),
			zap.Int("position", rec.Position),
			zap.Bool("permanent", msg.ErrorPermanent),
			zap.Error(sendErr))
	} else {
		msg.Status = model.StatusSent
		msg.ProviderMessageID = &providerID
		msg.SentAt = &now
		delta.Sent = 1
	}

	if err := e.Store.Messages.CreateCounted(ctx, msg, delta); err != nil {
		return fmt.Errorf("persist message for recipient %d: %w", rec.Position, err)
	}
	metrics.CampaignSends.WithLabelValues(metrics.PathLabel(msg.UseLite), string(msg.Status)).Inc()
	return e.Store.Campaigns.MarkRecipientProcessed(ctx, rec.ID, msg.ID)
}

func (e *Executor) fail(ctx context.Context, c *model.Campaign, reason string) error {
	e.Logger.Error("campaign failed", zap.Int("campaign_id", c.ID), zap.String("reason", reason))
	err := e.Store.Campaigns.TransitionStatus(ctx, c.ID, model.CampaignActive, model.CampaignFailed, reason)
	if errors.Is(err, appErrors.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (e *Executor) batchSize() int {
	if e.BatchSize <= 0 {
		return defaultBatchSize
	}
	return e.BatchSize
}

func (e *Executor) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}
