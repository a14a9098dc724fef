package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/wa-campaigns/internal/errors"
	"github.com/unclebandit/wa-campaigns/internal/model"
)

type MessageRepositoryInterface interface {
	// Create inserts a message. A provider id that is already stored yields
	// appErrors.ErrConflict.
	Create(ctx context.Context, m *model.Message) error
	// CreateCounted inserts m and applies delta to m's campaign in the same
	// transaction, so a status callback never sees the row without its counters.
	CreateCounted(ctx context.Context, m *model.Message, delta model.CounterDelta) error
	GetByID(ctx context.Context, id int) (*model.Message, error)
	GetByProviderID(ctx context.Context, providerMessageID string) (*model.Message, error)
	// UpdateStatus persists m's status, timestamps and error only if the stored
	// status is still from, applying delta to m's campaign with the write. It
	// reports whether the write won.
	UpdateStatus(ctx context.Context, m *model.Message, from model.MessageStatus, delta model.CounterDelta) (bool, error)
	// ListRetryable returns failed outbound messages that are not poisoned and
	// have fewer than maxAttempts retries, oldest first.
	ListRetryable(ctx context.Context, maxAttempts, limit int) ([]*model.Message, error)
	// RecordRetry persists the outcome of a redrive if nobody else redrove the
	// message since prevRetryCount was read. Delivery and read timestamps are
	// cleared and delta is applied to m's campaign with the write.
	RecordRetry(ctx context.Context, m *model.Message, prevRetryCount int, delta model.CounterDelta) (bool, error)
}

type MessageRepository struct {
	DB *sql.DB
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const messageColumns = `id, conversation_id, channel_id, campaign_id, template_id, contact_phone, direction, content,
	template_params, button_params, use_lite, provider_message_id, status, error_code, error_title, error_message, error_permanent,
	retry_count, sent_at, delivered_at, read_at, failed_at, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	var (
		m        model.Message
		errCode  sql.NullInt64
		errTitle sql.NullString
		errMsg   sql.NullString
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.ChannelID, &m.CampaignID, &m.TemplateID, &m.ContactPhone, &m.Direction, &m.Content,
		&m.TemplateParams, &m.ButtonParams, &m.UseLite, &m.ProviderMessageID, &m.Status, &errCode, &errTitle, &errMsg, &m.ErrorPermanent,
		&m.RetryCount, &m.SentAt, &m.DeliveredAt, &m.ReadAt, &m.FailedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if errCode.Int64 != 0 || errMsg.String != "" {
		m.Error = &model.MessageError{Code: int(errCode.Int64), Title: errTitle.String, Message: errMsg.String}
	}
	return &m, nil
}

func errorColumns(e *model.MessageError) (int, string, string) {
	if e == nil {
		return 0, "", ""
	}
	return e.Code, e.Title, e.Message
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	return insertMessage(ctx, r.DB, m)
}

func (r *MessageRepository) CreateCounted(ctx context.Context, m *model.Message, delta model.CounterDelta) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertMessage(ctx, tx, m); err != nil {
		return err
	}
	if m.CampaignID != nil {
		if err := incrementCounters(ctx, tx, *m.CampaignID, delta); err != nil {
			return fmt.Errorf("update campaign counters: %w", err)
		}
	}
	return tx.Commit()
}

func insertMessage(ctx context.Context, db queryer, m *model.Message) error {
	code, title, msg := errorColumns(m.Error)
	query := `
		INSERT INTO messages (conversation_id, channel_id, campaign_id, template_id, contact_phone, direction, content,
			template_params, button_params, use_lite, provider_message_id, status, error_code, error_title, error_message, error_permanent,
			retry_count, sent_at, delivered_at, read_at, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING id, created_at, updated_at
	`
	err := db.QueryRowContext(ctx, query, m.ConversationID, m.ChannelID, m.CampaignID, m.TemplateID, m.ContactPhone, m.Direction, m.Content,
		m.TemplateParams, m.ButtonParams, m.UseLite, m.ProviderMessageID, m.Status, code, title, msg, m.ErrorPermanent,
		m.RetryCount, m.SentAt, m.DeliveredAt, m.ReadAt, m.FailedAt).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("message %v: %w", deref(m.ProviderMessageID), appErrors.ErrConflict)
		}
		return err
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id int) (*model.Message, error) {
	m, err := scanMessage(r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("message", id)
		}
		return nil, err
	}
	return m, nil
}

func (r *MessageRepository) GetByProviderID(ctx context.Context, providerMessageID string) (*model.Message, error) {
	m, err := scanMessage(r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE provider_message_id=$1`, providerMessageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("message", providerMessageID)
		}
		return nil, err
	}
	return m, nil
}

func (r *MessageRepository) UpdateStatus(ctx context.Context, m *model.Message, from model.MessageStatus, delta model.CounterDelta) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	code, title, msg := errorColumns(m.Error)
	query := `
		UPDATE messages
		SET status = $3, sent_at = $4, delivered_at = $5, read_at = $6, failed_at = $7,
			error_code = $8, error_title = $9, error_message = $10, error_permanent = $11,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	res, err := tx.ExecContext(ctx, query, m.ID, string(from), string(m.Status), m.SentAt, m.DeliveredAt, m.ReadAt, m.FailedAt,
		code, title, msg, m.ErrorPermanent)
	if err != nil {
		return false, err
	}
	return commitCounted(ctx, tx, res, m, delta)
}

func (r *MessageRepository) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE direction = 'outbound' AND status = 'failed' AND retry_count < $1 AND NOT error_permanent
		ORDER BY created_at ASC, id ASC
		LIMIT $2`
	rows, err := r.DB.QueryContext(ctx, query, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *MessageRepository) RecordRetry(ctx context.Context, m *model.Message, prevRetryCount int, delta model.CounterDelta) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	code, title, msg := errorColumns(m.Error)
	query := `
		UPDATE messages
		SET status = $3, provider_message_id = $4, retry_count = $5, sent_at = $6, failed_at = $7,
			delivered_at = NULL, read_at = NULL,
			error_code = $8, error_title = $9, error_message = $10, error_permanent = $11,
			updated_at = NOW()
		WHERE id = $1 AND status = 'failed' AND retry_count = $2
	`
	res, err := tx.ExecContext(ctx, query, m.ID, prevRetryCount, string(m.Status), m.ProviderMessageID, m.RetryCount,
		m.SentAt, m.FailedAt, code, title, msg, m.ErrorPermanent)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("message %d: %w", m.ID, appErrors.ErrConflict)
		}
		return false, err
	}
	return commitCounted(ctx, tx, res, m, delta)
}

// commitCounted applies delta when the conditional update matched a row and
// commits. A lost race rolls back and reports false.
func commitCounted(ctx context.Context, tx *sql.Tx, res sql.Result, m *model.Message, delta model.CounterDelta) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	if m.CampaignID != nil {
		if err := incrementCounters(ctx, tx, *m.CampaignID, delta); err != nil {
			return false, fmt.Errorf("update campaign counters: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ MessageRepositoryInterface = (*MessageRepository)(nil)
