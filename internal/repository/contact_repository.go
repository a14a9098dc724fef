package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/wa-campaigns/internal/errors"
	"github.com/unclebandit/wa-campaigns/internal/model"
)

type ContactRepositoryInterface interface {
	GetByPhone(ctx context.Context, phone string) (*model.Contact, error)
	GetByIDs(ctx context.Context, ids []int) ([]*model.Contact, error)
	// Create fails with appErrors.ErrConflict when the phone is taken.
	Create(ctx context.Context, c *model.Contact) error
	// Upsert creates the contact or fills in name/email on the existing one.
	Upsert(ctx context.Context, c *model.Contact) error
}

type ConversationRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Conversation, error)
	GetByPhone(ctx context.Context, channelID int, phone string) (*model.Conversation, error)
	// Create fails with appErrors.ErrConflict when (channel, phone) exists.
	Create(ctx context.Context, c *model.Conversation) error
	// RecordInbound bumps the unread counter and, unless a newer message is
	// already cached, the last-message preview.
	RecordInbound(ctx context.Context, id int, preview string, at time.Time) error
}

// ====================== Contacts ======================

type ContactRepository struct {
	DB *sql.DB
}

func (r *ContactRepository) GetByPhone(ctx context.Context, phone string) (*model.Contact, error) {
	query := `SELECT id, phone, name, email, created_at, updated_at FROM contacts WHERE phone = $1`
	var c model.Contact
	err := r.DB.QueryRowContext(ctx, query, phone).Scan(&c.ID, &c.Phone, &c.Name, &c.Email, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("contact", phone)
		}
		return nil, err
	}
	return &c, nil
}

// GetByIDs returns the contacts in the order of ids; unknown ids are skipped.
func (r *ContactRepository) GetByIDs(ctx context.Context, ids []int) ([]*model.Contact, error) {
	if len(ids) == 0 {
		return []*model.Contact{}, nil
	}
	keys := make([]int64, len(ids))
	for i, id := range ids {
		keys[i] = int64(id)
	}

	query := `SELECT id, phone, name, email, created_at, updated_at FROM contacts WHERE id = ANY($1)`
	rows, err := r.DB.QueryContext(ctx, query, pq.Array(keys))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int]*model.Contact, len(ids))
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.ID, &c.Phone, &c.Name, &c.Email, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		byID[c.ID] = &c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*model.Contact, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *ContactRepository) Create(ctx context.Context, c *model.Contact) error {
	query := `
		INSERT INTO contacts (phone, name, email)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`
	err := r.DB.QueryRowContext(ctx, query, c.Phone, c.Name, c.Email).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("contact %s: %w", c.Phone, appErrors.ErrConflict)
		}
		return err
	}
	return nil
}

func (r *ContactRepository) Upsert(ctx context.Context, c *model.Contact) error {
	query := `
		INSERT INTO contacts (phone, name, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (phone) DO UPDATE
		SET name = COALESCE(NULLIF(EXCLUDED.name, ''), contacts.name),
			email = COALESCE(NULLIF(EXCLUDED.email, ''), contacts.email),
			updated_at = NOW()
		RETURNING id, name, email, created_at, updated_at
	`
	return r.DB.QueryRowContext(ctx, query, c.Phone, c.Name, c.Email).Scan(&c.ID, &c.Name, &c.Email, &c.CreatedAt, &c.UpdatedAt)
}

// ====================== Conversations ======================

type ConversationRepository struct {
	DB *sql.DB
}

const conversationColumns = `id, channel_id, contact_id, contact_phone, unread_count, last_message, last_message_at, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*model.Conversation, error) {
	var c model.Conversation
	if err := row.Scan(&c.ID, &c.ChannelID, &c.ContactID, &c.ContactPhone, &c.UnreadCount, &c.LastMessage, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id int) (*model.Conversation, error) {
	c, err := scanConversation(r.DB.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("conversation", id)
		}
		return nil, err
	}
	return c, nil
}

func (r *ConversationRepository) GetByPhone(ctx context.Context, channelID int, phone string) (*model.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE channel_id = $1 AND contact_phone = $2`
	c, err := scanConversation(r.DB.QueryRowContext(ctx, query, channelID, phone))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("conversation", fmt.Sprintf("%d/%s", channelID, phone))
		}
		return nil, err
	}
	return c, nil
}

func (r *ConversationRepository) Create(ctx context.Context, c *model.Conversation) error {
	query := `
		INSERT INTO conversations (channel_id, contact_id, contact_phone)
		VALUES ($1, $2, $3)
		RETURNING id, unread_count, created_at, updated_at
	`
	err := r.DB.QueryRowContext(ctx, query, c.ChannelID, c.ContactID, c.ContactPhone).Scan(&c.ID, &c.UnreadCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("conversation %d/%s: %w", c.ChannelID, c.ContactPhone, appErrors.ErrConflict)
		}
		return err
	}
	return nil
}

func (r *ConversationRepository) RecordInbound(ctx context.Context, id int, preview string, at time.Time) error {
	query := `
		UPDATE conversations
		SET unread_count = unread_count + 1,
			last_message = CASE WHEN last_message_at IS NULL OR $3 >= last_message_at THEN $2 ELSE last_message END,
			last_message_at = GREATEST(COALESCE(last_message_at, $3), $3),
			updated_at = NOW()
		WHERE id = $1
	`
	res, err := r.DB.ExecContext(ctx, query, id, preview, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewNotFound("conversation", id)
	}
	return nil
}

var (
	_ ContactRepositoryInterface      = (*ContactRepository)(nil)
	_ ConversationRepositoryInterface = (*ConversationRepository)(nil)
)
