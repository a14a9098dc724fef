package model

import (
	"database/sql/driver"
	"time"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
	StatusReceived  MessageStatus = "received"
)

const RetryCountLimit = 3

var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanAdvance reports whether a message in status current may move to next.
// sent < delivered < read; failed is terminal and may replace any
// non-terminal status. Duplicates and regressions are rejected.
func CanAdvance(current, next MessageStatus) bool {
	if current == StatusFailed || current == StatusReceived {
		return false
	}
	if next == StatusFailed {
		return true
	}
	nr, ok := statusRank[next]
	if !ok {
		return false
	}
	return nr > statusRank[current]
}

// ParseMessageStatus maps a provider status string onto the lattice.
func ParseMessageStatus(s string) (MessageStatus, bool) {
	st := MessageStatus(s)
	switch st {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return st, true
	}
	return "", false
}

type MessageError struct {
	Code    int    `json:"code"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

type Message struct {
	ID                int           `db:"id" json:"id"`
	ConversationID    *int          `db:"conversation_id" json:"conversation_id,omitempty"`
	ChannelID         int           `db:"channel_id" json:"channel_id"`
	CampaignID        *int          `db:"campaign_id" json:"campaign_id,omitempty"`
	TemplateID        *int          `db:"template_id" json:"template_id,omitempty"`
	ContactPhone      string        `db:"contact_phone" json:"contact_phone"`
	Direction         Direction     `db:"direction" json:"direction"`
	Content           string        `db:"content" json:"content"`
	TemplateParams    Params        `db:"template_params" json:"template_params,omitempty"`
	ButtonParams      ButtonParams  `db:"button_params" json:"button_params,omitempty"`
	UseLite           bool          `db:"use_lite" json:"use_lite"`
	ProviderMessageID *string       `db:"provider_message_id" json:"provider_message_id,omitempty"`
	Status            MessageStatus `db:"status" json:"status"`
	Error             *MessageError `db:"-" json:"error,omitempty"`
	ErrorPermanent    bool          `db:"error_permanent" json:"error_permanent"`
	RetryCount        int           `db:"retry_count" json:"retry_count"`
	SentAt            *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt            *time.Time    `db:"read_at" json:"read_at,omitempty"`
	FailedAt          *time.Time    `db:"failed_at" json:"failed_at,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`
}

// StatusPatch is what a status transition writes alongside the new status.
type StatusPatch struct {
	Status         MessageStatus
	At             time.Time
	Error          *MessageError
	ErrorPermanent bool
}

// Apply writes the patch onto m the same way the repositories persist it.
func (p StatusPatch) Apply(m *Message) {
	at := p.At
	m.Status = p.Status
	switch p.Status {
	case StatusSent:
		if m.SentAt == nil {
			m.SentAt = &at
		}
	case StatusDelivered:
		m.DeliveredAt = &at
	case StatusRead:
		m.ReadAt = &at
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
		}
	case StatusFailed:
		m.FailedAt = &at
		m.Error = p.Error
		m.ErrorPermanent = p.ErrorPermanent
	}
}

type Params []string

func (p Params) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	return marshalJSON(p)
}

func (p *Params) Scan(src any) error {
	return scanJSON(src, p)
}

// ButtonParam carries the dynamic suffix of a URL button, by button position.
type ButtonParam struct {
	Index  int      `json:"index"`
	Params []string `json:"params"`
}

type ButtonParams []ButtonParam

func (b ButtonParams) Value() (driver.Value, error) {
	if b == nil {
		return "[]", nil
	}
	return marshalJSON(b)
}

func (b *ButtonParams) Scan(src any) error {
	return scanJSON(src, b)
}
