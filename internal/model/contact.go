package model

import "time"

type Contact struct {
	ID        int       `db:"id" json:"id"`
	Phone     string    `db:"phone" json:"phone"`
	Name      string    `db:"name" json:"name"`
	Email     string    `db:"email" json:"email,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Conversation is unique per (channel, contact phone).
type Conversation struct {
	ID            int        `db:"id" json:"id"`
	ChannelID     int        `db:"channel_id" json:"channel_id"`
	ContactID     int        `db:"contact_id" json:"contact_id"`
	ContactPhone  string     `db:"contact_phone" json:"contact_phone"`
	UnreadCount   int        `db:"unread_count" json:"unread_count"`
	LastMessage   string     `db:"last_message" json:"last_message,omitempty"`
	LastMessageAt *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

type Channel struct {
	ID                 int       `db:"id" json:"id"`
	Name               string    `db:"name" json:"name"`
	PhoneNumberID      string    `db:"phone_number_id" json:"phone_number_id"`
	BusinessAccountID  string    `db:"business_account_id" json:"business_account_id,omitempty"`
	AccessToken        string    `db:"access_token" json:"-"`
	APIVersion         string    `db:"api_version" json:"api_version,omitempty"`
	DefaultCountryCode string    `db:"default_country_code" json:"default_country_code"`
	APIKey             string    `db:"api_key" json:"-"`
	LiteEnabled        bool      `db:"lite_enabled" json:"lite_enabled"`
	MessagesPerSecond  int       `db:"messages_per_second" json:"messages_per_second"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}
