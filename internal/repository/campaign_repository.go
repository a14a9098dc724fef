package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/wa-campaigns/internal/errors"
	"github.com/unclebandit/wa-campaigns/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	Create(ctx context.Context, c *model.Campaign, recipients []*model.CampaignRecipient) error
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit, channelID int, status string) ([]*model.Campaign, int, error)

	// Lifecycle. TransitionStatus only succeeds while the stored status still
	// equals from.
	TransitionStatus(ctx context.Context, id int, from, to model.CampaignStatus, reason string) error
	CompleteIfDone(ctx context.Context, id int) (bool, error)
	ListDueScheduled(ctx context.Context, now time.Time) ([]*model.Campaign, error)

	// Recipients
	ListPendingRecipients(ctx context.Context, campaignID, limit int) ([]*model.CampaignRecipient, error)
	GetRecipientByPosition(ctx context.Context, campaignID, position int) (*model.CampaignRecipient, error)
	MarkRecipientProcessed(ctx context.Context, recipientID, messageID int) error

	GetCampaignStats(ctx context.Context, campaignID int) (map[string]int, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, channel_id, template_id, delivery_path, recipient_source, variable_mapping, status,
	recipient_count, sent_count, delivered_count, read_count, replied_count, failed_count,
	last_error, scheduled_at, started_at, completed_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(&c.ID, &c.Name, &c.ChannelID, &c.TemplateID, &c.DeliveryPath, &c.RecipientSource, &c.VariableMapping, &c.Status,
		&c.RecipientCount, &c.SentCount, &c.DeliveredCount, &c.ReadCount, &c.RepliedCount, &c.FailedCount,
		&c.LastError, &c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

// Create inserts the campaign and materializes its recipients in one
// transaction. RecipientCount is taken from the recipient slice.
func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign, recipients []*model.CampaignRecipient) error {
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	c.RecipientCount = len(recipients)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO campaigns (name, channel_id, template_id, delivery_path, recipient_source, variable_mapping, status, recipient_count, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err = tx.QueryRowContext(ctx, query, c.Name, c.ChannelID, c.TemplateID, c.DeliveryPath, c.RecipientSource,
		c.VariableMapping, c.Status, c.RecipientCount, c.ScheduledAt).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO campaign_recipients (campaign_id, position, contact_id, phone, name, email, fields)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, rec := range recipients {
		rec.CampaignID = c.ID
		rec.Position = i
		if err := stmt.QueryRowContext(ctx, c.ID, rec.Position, rec.ContactID, rec.Phone, rec.Name, rec.Email, rec.Fields).Scan(&rec.ID); err != nil {
			return fmt.Errorf("insert recipient %d: %w", i, err)
		}
	}

	return tx.Commit()
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit, channelID int, status string) ([]*model.Campaign, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argPos := 1

	if channelID > 0 {
		where += fmt.Sprintf(" AND channel_id=$%d", argPos)
		args = append(args, channelID)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

// ====================== Lifecycle ======================

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int, from, to model.CampaignStatus, reason string) error {
	query := `
		UPDATE campaigns
		SET status = $3,
			last_error = CASE WHEN $4 <> '' THEN $4 ELSE last_error END,
			started_at = CASE WHEN $3 = 'active' AND started_at IS NULL THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $3 IN ('completed', 'failed') THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	res, err := r.DB.ExecContext(ctx, query, id, string(from), string(to), reason)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return appErrors.NewTransition(string(current.Status), string(to))
}

func (r *CampaignRepository) CompleteIfDone(ctx context.Context, id int) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND sent_count + failed_count >= recipient_count
	`
	res, err := r.DB.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// incrementCounters moves campaign counters inside the transaction of the
// message write that caused them. Counters are floored at zero.
func incrementCounters(ctx context.Context, db execer, id int, d model.CounterDelta) error {
	if d.IsZero() {
		return nil
	}
	query := `
		UPDATE campaigns
		SET sent_count = GREATEST(0, sent_count + $2),
			delivered_count = GREATEST(0, delivered_count + $3),
			read_count = GREATEST(0, read_count + $4),
			replied_count = GREATEST(0, replied_count + $5),
			failed_count = GREATEST(0, failed_count + $6),
			updated_at = NOW()
		WHERE id = $1
	`
	res, err := db.ExecContext(ctx, query, id, d.Sent, d.Delivered, d.Read, d.Replied, d.Failed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

// ====================== Recipients ======================

const recipientColumns = `id, campaign_id, position, contact_id, phone, name, email, fields, message_id`

func scanRecipient(row interface{ Scan(...any) error }) (*model.CampaignRecipient, error) {
	var rec model.CampaignRecipient
	if err := row.Scan(&rec.ID, &rec.CampaignID, &rec.Position, &rec.ContactID, &rec.Phone, &rec.Name, &rec.Email, &rec.Fields, &rec.MessageID); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *CampaignRepository) ListPendingRecipients(ctx context.Context, campaignID, limit int) ([]*model.CampaignRecipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM campaign_recipients
		WHERE campaign_id = $1 AND message_id IS NULL
		ORDER BY position ASC
		LIMIT $2`
	rows, err := r.DB.QueryContext(ctx, query, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.CampaignRecipient{}
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *CampaignRepository) GetRecipientByPosition(ctx context.Context, campaignID, position int) (*model.CampaignRecipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM campaign_recipients WHERE campaign_id = $1 AND position = $2`
	rec, err := scanRecipient(r.DB.QueryRowContext(ctx, query, campaignID, position))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("recipient", fmt.Sprintf("%d/%d", campaignID, position))
		}
		return nil, err
	}
	return rec, nil
}

func (r *CampaignRepository) MarkRecipientProcessed(ctx context.Context, recipientID, messageID int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE campaign_recipients SET message_id = $1 WHERE id = $2`, messageID, recipientID)
	return err
}

// GetCampaignStats counts the campaign's messages per status.
func (r *CampaignRepository) GetCampaignStats(ctx context.Context, campaignID int) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM messages WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := newStats()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
		stats["total"] += count
	}
	return stats, rows.Err()
}

func newStats() map[string]int {
	stats := map[string]int{"total": 0}
	for _, st := range []model.MessageStatus{model.StatusPending, model.StatusSent, model.StatusDelivered, model.StatusRead, model.StatusFailed} {
		stats[string(st)] = 0
	}
	return stats
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
