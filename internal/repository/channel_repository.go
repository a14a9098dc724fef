package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	appErrors "github.com/unclebandit/wa-campaigns/internal/errors"
	"github.com/unclebandit/wa-campaigns/internal/model"
)

type ChannelRepositoryInterface interface {
	Create(ctx context.Context, ch *model.Channel) error
	GetByID(ctx context.Context, id int) (*model.Channel, error)
	GetByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.Channel, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Channel, error)
}

type TemplateRepositoryInterface interface {
	Create(ctx context.Context, t *model.Template) error
	GetByID(ctx context.Context, id int) (*model.Template, error)
	GetByName(ctx context.Context, channelID int, name, language string) (*model.Template, error)
	// UpdateStatusByProviderID applies a provider approval decision. It
	// reports whether a template matched.
	UpdateStatusByProviderID(ctx context.Context, providerTemplateID, status string) (bool, error)
}

// ====================== Channels ======================

type ChannelRepository struct {
	DB *sql.DB
}

const channelColumns = `id, name, phone_number_id, business_account_id, access_token, api_version, default_country_code,
	api_key, lite_enabled, messages_per_second, created_at`

func (r *ChannelRepository) scanOne(ctx context.Context, where string, key any) (*model.Channel, error) {
	var ch model.Channel
	err := r.DB.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE `+where, key).Scan(
		&ch.ID, &ch.Name, &ch.PhoneNumberID, &ch.BusinessAccountID, &ch.AccessToken, &ch.APIVersion, &ch.DefaultCountryCode,
		&ch.APIKey, &ch.LiteEnabled, &ch.MessagesPerSecond, &ch.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("channel", key)
		}
		return nil, err
	}
	return &ch, nil
}

func (r *ChannelRepository) Create(ctx context.Context, ch *model.Channel) error {
	query := `
		INSERT INTO channels (name, phone_number_id, business_account_id, access_token, api_version, default_country_code,
			api_key, lite_enabled, messages_per_second)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err := r.DB.QueryRowContext(ctx, query, ch.Name, ch.PhoneNumberID, ch.BusinessAccountID, ch.AccessToken, ch.APIVersion,
		ch.DefaultCountryCode, ch.APIKey, ch.LiteEnabled, ch.MessagesPerSecond).Scan(&ch.ID, &ch.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("channel %s: %w", ch.PhoneNumberID, appErrors.ErrConflict)
		}
		return err
	}
	return nil
}

func (r *ChannelRepository) GetByID(ctx context.Context, id int) (*model.Channel, error) {
	return r.scanOne(ctx, `id = $1`, id)
}

func (r *ChannelRepository) GetByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.Channel, error) {
	return r.scanOne(ctx, `phone_number_id = $1`, phoneNumberID)
}

func (r *ChannelRepository) GetByAPIKey(ctx context.Context, apiKey string) (*model.Channel, error) {
	return r.scanOne(ctx, `api_key = $1`, apiKey)
}

// ====================== Templates ======================

type TemplateRepository struct {
	DB *sql.DB
}

const templateColumns = `id, channel_id, name, language, category, status, provider_template_id, header, body, footer, buttons, created_at, updated_at`

func scanTemplate(row interface{ Scan(...any) error }) (*model.Template, error) {
	var t model.Template
	err := row.Scan(&t.ID, &t.ChannelID, &t.Name, &t.Language, &t.Category, &t.Status, &t.ProviderTemplateID,
		&t.Header, &t.Body, &t.Footer, &t.Buttons, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TemplateRepository) Create(ctx context.Context, t *model.Template) error {
	query := `
		INSERT INTO templates (channel_id, name, language, category, status, provider_template_id, header, body, footer, buttons)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err := r.DB.QueryRowContext(ctx, query, t.ChannelID, t.Name, t.Language, t.Category, t.Status, t.ProviderTemplateID,
		t.Header, t.Body, t.Footer, t.Buttons).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("template %s/%s: %w", t.Name, t.Language, appErrors.ErrConflict)
		}
		return err
	}
	return nil
}

func (r *TemplateRepository) GetByID(ctx context.Context, id int) (*model.Template, error) {
	t, err := scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("template", id)
		}
		return nil, err
	}
	return t, nil
}

// GetByName matches on language only when one is given.
func (r *TemplateRepository) GetByName(ctx context.Context, channelID int, name, language string) (*model.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates
		WHERE channel_id = $1 AND name = $2 AND ($3 = '' OR language = $3)
		ORDER BY id ASC LIMIT 1`
	t, err := scanTemplate(r.DB.QueryRowContext(ctx, query, channelID, name, language))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("template", name)
		}
		return nil, err
	}
	return t, nil
}

func (r *TemplateRepository) UpdateStatusByProviderID(ctx context.Context, providerTemplateID, status string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE templates SET status = $1, updated_at = NOW() WHERE provider_template_id = $2`, status, providerTemplateID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

var (
	_ ChannelRepositoryInterface  = (*ChannelRepository)(nil)
	_ TemplateRepositoryInterface = (*TemplateRepository)(nil)
)
