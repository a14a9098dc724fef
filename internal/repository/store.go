package repository

import "database/sql"

// Store groups the repositories the services depend on.
type Store struct {
	Campaigns     CampaignRepositoryInterface
	Messages      MessageRepositoryInterface
	Contacts      ContactRepositoryInterface
	Conversations ConversationRepositoryInterface
	Channels      ChannelRepositoryInterface
	Templates     TemplateRepositoryInterface
}

func NewPostgresStore(db *sql.DB) *Store {
	return &Store{
		Campaigns:     &CampaignRepository{DB: db},
		Messages:      &MessageRepository{DB: db},
		Contacts:      &ContactRepository{DB: db},
		Conversations: &ConversationRepository{DB: db},
		Channels:      &ChannelRepository{DB: db},
		Templates:     &TemplateRepository{DB: db},
	}
}
