package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/wa-campaigns/internal/errors"
	"github.com/unclebandit/wa-campaigns/internal/metrics"
	"github.com/unclebandit/wa-campaigns/internal/model"
	"github.com/unclebandit/wa-campaigns/internal/repository"
	"github.com/unclebandit/wa-campaigns/internal/whatsapp"
)

// RetryService redrives failed outbound messages that are neither poisoned nor
// out of attempts.
type RetryService struct {
	Store       *repository.Store
	Sender      Sender
	Logger      *zap.Logger
	MaxAttempts int
	BatchSize   int
	Now         func() time.Time
}

func NewRetryService(store *repository.Store, sender Sender, logger *zap.Logger) *RetryService {
	return &RetryService{
		Store:       store,
		Sender:      sender,
		Logger:      logger,
		MaxAttempts: model.RetryCountLimit,
		BatchSize:   defaultBatchSize,
		Now:         time.Now,
	}
}

// SelectRetryable returns the next batch of retry candidates, oldest first.
func (s *RetryService) SelectRetryable(ctx context.Context) ([]*model.Message, error) {
	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = model.RetryCountLimit
	}
	limit := s.BatchSize
	if limit <= 0 {
		limit = defaultBatchSize
	}
	return s.Store.Messages.ListRetryable(ctx, maxAttempts, limit)
}

// Redrive re-sends m with its stored parameters. Every attempt counts against
// the retry budget. A configuration error is recorded and returned so the
// caller can stop the batch.
func (s *RetryService) Redrive(ctx context.Context, m *model.Message) error {
	prevCount := m.RetryCount
	m.RetryCount++
	now := s.now()

	ch, tpl, reason, err := s.resolve(ctx, m)
	if err != nil {
		return err
	}
	if reason != "" {
		m.Error = &model.MessageError{Message: reason}
		m.ErrorPermanent = true
		m.FailedAt = &now
		_, err := s.Store.Messages.RecordRetry(ctx, m, prevCount, model.CounterDelta{})
		return err
	}

	providerID, sendErr := s.Sender.Send(ctx, ch, whatsapp.TemplateMessage{
		Phone:        m.ContactPhone,
		TemplateName: tpl.Name,
		Language:     tpl.Language,
		BodyParams:   m.TemplateParams,
		Buttons:      m.ButtonParams,
		UseLite:      m.UseLite,
	})
	if sendErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	m.DeliveredAt, m.ReadAt = nil, nil
	var delta model.CounterDelta
	if sendErr == nil {
		delta = model.CounterDelta{Sent: 1, Failed: -1}
		m.Status = model.StatusSent
		m.ProviderMessageID = &providerID
		m.SentAt = &now
		m.FailedAt = nil
		m.Error = nil
		m.ErrorPermanent = false
	} else {
		m.Error = whatsapp.ErrorDetails(sendErr)
		m.ErrorPermanent = whatsapp.IsPermanent(sendErr)
		m.FailedAt = &now
	}

	won, err := s.Store.Messages.RecordRetry(ctx, m, prevCount, delta)
	if err != nil {
		return err
	}
	if !won {
		metrics.Redrives.WithLabelValues("lost").Inc()
		s.Logger.Debug("message redriven concurrently", zap.Int("message_id", m.ID))
		return nil
	}
	metrics.Redrives.WithLabelValues(string(m.Status)).Inc()

	log := s.Logger.With(zap.Int("message_id", m.ID), zap.Int("retry_count", m.RetryCount))
	if sendErr != nil {
		log.Warn("redrive failed",
			zap.Bool("permanent", m.ErrorPermanent),
			zap.Bool("retryable", whatsapp.IsRetryable(sendErr)),
			zap.Error(sendErr))
		if whatsapp.IsConfigError(sendErr) {
			return sendErr
		}
		return nil
	}

	log.Info("redrive succeeded", zap.String("provider_message_id", providerID))
	return nil
}

// resolve loads the channel and template a redrive needs. A non-empty reason
// means the message can never be resent.
func (s *RetryService) resolve(ctx context.Context, m *model.Message) (*model.Channel, *model.Template, string, error) {
	ch, err := s.Store.Channels.GetByID(ctx, m.ChannelID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return nil, nil, "channel not found", nil
		}
		return nil, nil, "", err
	}
	if m.TemplateID == nil {
		return nil, nil, "message has no template", nil
	}
	tpl, err := s.Store.Templates.GetByID(ctx, *m.TemplateID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return nil, nil, "template not found", nil
		}
		return nil, nil, "", err
	}
	return ch, tpl, "", nil
}

// RunOnce redrives one batch and reports how many messages were attempted.
func (s *RetryService) RunOnce(ctx context.Context) (int, error) {
	msgs, err := s.SelectRetryable(ctx)
	if err != nil {
		return 0, err
	}

	attempted := 0
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return attempted, err
		}
		err := s.Redrive(ctx, m)
		attempted++
		if err == nil {
			continue
		}
		if whatsapp.IsConfigError(err) {
			s.Logger.Error("channel misconfigured, stopping retry batch", zap.Error(err))
			return attempted, err
		}
		s.Logger.Error("redrive error", zap.Int("message_id", m.ID), zap.Error(err))
	}
	return attempted, nil
}

func (s *RetryService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
