package model

import (
	"database/sql/driver"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

type DeliveryPath string

const (
	DeliveryStandard DeliveryPath = "standard"
	DeliveryLite     DeliveryPath = "lite"
)

type RecipientSource string

const (
	SourceContactList RecipientSource = "contact_list"
	SourceCSV         RecipientSource = "csv"
	SourceAPI         RecipientSource = "api"
)

type Campaign struct {
	ID              int             `db:"id" json:"id"`
	Name            string          `db:"name" json:"name"`
	ChannelID       int             `db:"channel_id" json:"channel_id"`
	TemplateID      int             `db:"template_id" json:"template_id"`
	DeliveryPath    DeliveryPath    `db:"delivery_path" json:"delivery_path"`
	RecipientSource RecipientSource `db:"recipient_source" json:"recipient_source"`
	VariableMapping VariableMapping `db:"variable_mapping" json:"variable_mapping"`
	Status          CampaignStatus  `db:"status" json:"status"`

	RecipientCount int `db:"recipient_count" json:"recipient_count"`
	SentCount      int `db:"sent_count" json:"sent_count"`
	DeliveredCount int `db:"delivered_count" json:"delivered_count"`
	ReadCount      int `db:"read_count" json:"read_count"`
	RepliedCount   int `db:"replied_count" json:"replied_count"`
	FailedCount    int `db:"failed_count" json:"failed_count"`

	LastError   string     `db:"last_error" json:"last_error,omitempty"`
	ScheduledAt *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// UseLite reports whether sends for this campaign go through the lite endpoint.
func (c *Campaign) UseLite() bool {
	return c.DeliveryPath == DeliveryLite
}

// Accounted reports whether every recipient has either been sent or failed.
func (c *Campaign) Accounted() bool {
	return c.SentCount+c.FailedCount >= c.RecipientCount
}

// CounterDelta is applied to campaign counters as an increment at the storage
// layer. Counters never go below zero.
type CounterDelta struct {
	Sent      int
	Delivered int
	Read      int
	Replied   int
	Failed    int
}

func (d CounterDelta) IsZero() bool {
	return d == CounterDelta{}
}

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignActive, CampaignScheduled, CampaignFailed},
	CampaignScheduled: {CampaignActive, CampaignFailed},
	CampaignActive:    {CampaignPaused, CampaignCompleted, CampaignFailed},
	CampaignPaused:    {CampaignActive, CampaignFailed},
}

// CanTransition reports whether a campaign may move from one lifecycle status
// to another. Completed and failed are terminal.
func CanTransition(from, to CampaignStatus) bool {
	for _, next := range campaignTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

// CampaignRecipient is a recipient materialized when the campaign is created.
// MessageID is set once the executor has attempted it.
type CampaignRecipient struct {
	ID         int    `db:"id" json:"id"`
	CampaignID int    `db:"campaign_id" json:"campaign_id"`
	Position   int    `db:"position" json:"position"`
	ContactID  *int   `db:"contact_id" json:"contact_id,omitempty"`
	Phone      string `db:"phone" json:"phone"`
	Name       string `db:"name" json:"name"`
	Email      string `db:"email" json:"email,omitempty"`
	Fields     Fields `db:"fields" json:"fields,omitempty"`
	MessageID  *int   `db:"message_id" json:"message_id,omitempty"`
}

// Field resolves a recipient attribute by name. Well-known names map to the
// struct fields, anything else is looked up in Fields.
func (r *CampaignRecipient) Field(name string) (string, bool) {
	switch name {
	case FieldName:
		return r.Name, true
	case FieldPhone:
		return r.Phone, true
	case FieldEmail:
		return r.Email, true
	}
	v, ok := r.Fields[name]
	return v, ok
}

// Fields holds the extra per-recipient columns (CSV columns, inline extras).
type Fields map[string]string

func (f Fields) Value() (driver.Value, error) {
	if f == nil {
		return "{}", nil
	}
	return marshalJSON(f)
}

func (f *Fields) Scan(src any) error {
	return scanJSON(src, f)
}
