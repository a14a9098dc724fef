package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type TemplateCategory string

const (
	CategoryMarketing      TemplateCategory = "MARKETING"
	CategoryUtility        TemplateCategory = "UTILITY"
	CategoryAuthentication TemplateCategory = "AUTHENTICATION"
)

const (
	TemplateApproved = "APPROVED"
	TemplatePending  = "PENDING"
	TemplateRejected = "REJECTED"
)

type TemplateButton struct {
	Type string `json:"type"` // QUICK_REPLY, URL, PHONE_NUMBER
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
}

type Template struct {
	ID                 int              `db:"id" json:"id"`
	ChannelID          int              `db:"channel_id" json:"channel_id"`
	Name               string           `db:"name" json:"name"`
	Language           string           `db:"language" json:"language"`
	Category           TemplateCategory `db:"category" json:"category"`
	Status             string           `db:"status" json:"status"`
	ProviderTemplateID string           `db:"provider_template_id" json:"provider_template_id,omitempty"`
	Header             string           `db:"header" json:"header,omitempty"`
	Body               string           `db:"body" json:"body"`
	Footer             string           `db:"footer" json:"footer,omitempty"`
	Buttons            TemplateButtons  `db:"buttons" json:"buttons,omitempty"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt          *time.Time       `db:"updated_at" json:"updated_at,omitempty"`
}

func (t *Template) IsMarketing() bool {
	return strings.EqualFold(string(t.Category), string(CategoryMarketing))
}

type TemplateButtons []TemplateButton

func (b TemplateButtons) Value() (driver.Value, error) {
	if b == nil {
		return "[]", nil
	}
	return marshalJSON(b)
}

func (b *TemplateButtons) Scan(src any) error {
	return scanJSON(src, b)
}

// Well-known recipient fields a placeholder may bind to.
const (
	FieldName  = "name"
	FieldPhone = "phone"
	FieldEmail = "email"
)

const (
	BindingField   = "field"
	BindingLiteral = "literal"
)

// VariableBinding says where a placeholder's value comes from: a recipient
// field or a literal string. Fallback is used when a field resolves empty.
type VariableBinding struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Fallback string `json:"fallback,omitempty"`
}

// UnmarshalJSON accepts the object form and a shorthand string: a well-known
// field name, "field:<column>", or a literal.
func (b *VariableBinding) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*b = ParseBinding(s)
		return nil
	}
	type plain VariableBinding
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("variable binding: %w", err)
	}
	if p.Type == "" {
		p.Type = BindingLiteral
	}
	*b = VariableBinding(p)
	return nil
}

func ParseBinding(s string) VariableBinding {
	switch {
	case s == FieldName || s == FieldPhone || s == FieldEmail:
		return VariableBinding{Type: BindingField, Value: s}
	case strings.HasPrefix(s, "field:"):
		return VariableBinding{Type: BindingField, Value: strings.TrimPrefix(s, "field:")}
	default:
		return VariableBinding{Type: BindingLiteral, Value: s}
	}
}

// VariableMapping maps a placeholder index ("1", "2", ...) to its binding.
type VariableMapping map[string]VariableBinding

func (m VariableMapping) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return marshalJSON(m)
}

func (m *VariableMapping) Scan(src any) error {
	return scanJSON(src, m)
}

// marshalJSON returns a string so lib/pq sends it as text; jsonb rejects the
// binary []byte encoding.
func marshalJSON(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into json column", src)
	}
}
