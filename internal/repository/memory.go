package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/wa-campaigns/internal/errors"
	"github.com/unclebandit/wa-campaigns/internal/model"
)

// memoryDB backs every in-memory repository with a single lock, so each
// method is atomic the same way a single SQL statement is. Records are copied
// in and out; callers never share pointers with the store.
type memoryDB struct {
	mu sync.Mutex

	seq           map[string]int
	campaigns     map[int]*model.Campaign
	recipients    map[int][]*model.CampaignRecipient
	messages      map[int]*model.Message
	contacts      map[int]*model.Contact
	conversations map[int]*model.Conversation
	channels      map[int]*model.Channel
	templates     map[int]*model.Template
}

// NewMemoryStore returns a Store kept entirely in process memory.
func NewMemoryStore() *Store {
	db := &memoryDB{
		seq:           make(map[string]int),
		campaigns:     make(map[int]*model.Campaign),
		recipients:    make(map[int][]*model.CampaignRecipient),
		messages:      make(map[int]*model.Message),
		contacts:      make(map[int]*model.Contact),
		conversations: make(map[int]*model.Conversation),
		channels:      make(map[int]*model.Channel),
		templates:     make(map[int]*model.Template),
	}
	return &Store{
		Campaigns:     &memoryCampaigns{db},
		Messages:      &memoryMessages{db},
		Contacts:      &memoryContacts{db},
		Conversations: &memoryConversations{db},
		Channels:      &memoryChannels{db},
		Templates:     &memoryTemplates{db},
	}
}

func (db *memoryDB) next(table string) int {
	db.seq[table]++
	return db.seq[table]
}

func floor0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// ====================== Campaigns ======================

type memoryCampaigns struct{ db *memoryDB }

func (r *memoryCampaigns) Create(_ context.Context, c *model.Campaign, recipients []*model.CampaignRecipient) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	c.ID = r.db.next("campaigns")
	c.RecipientCount = len(recipients)
	c.CreatedAt = time.Now()

	stored := make([]*model.CampaignRecipient, len(recipients))
	for i, rec := range recipients {
		rec.ID = r.db.next("campaign_recipients")
		rec.CampaignID = c.ID
		rec.Position = i
		cp := *rec
		stored[i] = &cp
	}

	cp := *c
	r.db.campaigns[c.ID] = &cp
	r.db.recipients[c.ID] = stored
	return nil
}

func (r *memoryCampaigns) GetByID(_ context.Context, id int) (*model.Campaign, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	c, ok := r.db.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r *memoryCampaigns) ListCampaigns(_ context.Context, offset, limit, channelID int, status string) ([]*model.Campaign, int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var filtered []*model.Campaign
	for _, c := range r.db.campaigns {
		if channelID > 0 && c.ChannelID != channelID {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		cp := *c
		filtered = append(filtered, &cp)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID > filtered[j].ID })

	total := len(filtered)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (r *memoryCampaigns) TransitionStatus(_ context.Context, id int, from, to model.CampaignStatus, reason string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	c, ok := r.db.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if c.Status != from {
		return appErrors.NewTransition(string(c.Status), string(to))
	}

	now := time.Now()
	c.Status = to
	c.UpdatedAt = &now
	if reason != "" {
		c.LastError = reason
	}
	if to == model.CampaignActive && c.StartedAt == nil {
		c.StartedAt = &now
	}
	if to.Terminal() {
		c.CompletedAt = &now
	}
	return nil
}

func (r *memoryCampaigns) CompleteIfDone(_ context.Context, id int) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	c, ok := r.db.campaigns[id]
	if !ok {
		return false, appErrors.NewCampaignNotFound(id)
	}
	if c.Status != model.CampaignActive || !c.Accounted() {
		return false, nil
	}
	now := time.Now()
	c.Status = model.CampaignCompleted
	c.CompletedAt = &now
	c.UpdatedAt = &now
	return true, nil
}

func (r *memoryCampaigns) ListDueScheduled(_ context.Context, now time.Time) ([]*model.Campaign, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	out := []*model.Campaign{}
	for _, c := range r.db.campaigns {
		if c.Status == model.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(*out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(*out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// applyDelta must be called with mu held. A nil campaign id is a no-op.
func (db *memoryDB) applyDelta(campaignID *int, d model.CounterDelta) error {
	if campaignID == nil || d.IsZero() {
		return nil
	}
	c, ok := db.campaigns[*campaignID]
	if !ok {
		return appErrors.NewCampaignNotFound(*campaignID)
	}
	c.SentCount = floor0(c.SentCount + d.Sent)
	c.DeliveredCount = floor0(c.DeliveredCount + d.Delivered)
	c.ReadCount = floor0(c.ReadCount + d.Read)
	c.RepliedCount = floor0(c.RepliedCount + d.Replied)
	c.FailedCount = floor0(c.FailedCount + d.Failed)
	now := time.Now()
	c.UpdatedAt = &now
	return nil
}

func (r *memoryCampaigns) ListPendingRecipients(_ context.Context, campaignID, limit int) ([]*model.CampaignRecipient, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	out := []*model.CampaignRecipient{}
	for _, rec := range r.db.recipients[campaignID] {
		if rec.MessageID != nil {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryCampaigns) GetRecipientByPosition(_ context.Context, campaignID, position int) (*model.CampaignRecipient, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	recs := r.db.recipients[campaignID]
	if position < 0 || position >= len(recs) {
		return nil, appErrors.NewNotFound("recipient", fmt.Sprintf("%d/%d", campaignID, position))
	}
	cp := *recs[position]
	return &cp, nil
}

func (r *memoryCampaigns) MarkRecipientProcessed(_ context.Context, recipientID, messageID int) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, recs := range r.db.recipients {
		for _, rec := range recs {
			if rec.ID == recipientID {
				id := messageID
				rec.MessageID = &id
				return nil
			}
		}
	}
	return appErrors.NewNotFound("recipient", recipientID)
}

func (r *memoryCampaigns) GetCampaignStats(_ context.Context, campaignID int) (map[string]int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	stats := newStats()
	for _, m := range r.db.messages {
		if m.CampaignID != nil && *m.CampaignID == campaignID {
			stats[string(m.Status)]++
			stats["total"]++
		}
	}
	return stats, nil
}

// ====================== Messages ======================

type memoryMessages struct{ db *memoryDB }

func copyMessage(m *model.Message) *model.Message {
	cp := *m
	if m.Error != nil {
		e := *m.Error
		cp.Error = &e
	}
	if m.TemplateParams != nil {
		cp.TemplateParams = append(model.Params(nil), m.TemplateParams...)
	}
	if m.ButtonParams != nil {
		cp.ButtonParams = append(model.ButtonParams(nil), m.ButtonParams...)
	}
	return &cp
}

func (r *memoryMessages) providerIDTaken(id *string, except int) bool {
	if id == nil {
		return false
	}
	for _, m := range r.db.messages {
		if m.ID != except && m.ProviderMessageID != nil && *m.ProviderMessageID == *id {
			return true
		}
	}
	return false
}

func (r *memoryMessages) Create(ctx context.Context, m *model.Message) error {
	return r.CreateCounted(ctx, m, model.CounterDelta{})
}

func (r *memoryMessages) CreateCounted(_ context.Context, m *model.Message, delta model.CounterDelta) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if m.CampaignID != nil && !delta.IsZero() {
		if _, ok := r.db.campaigns[*m.CampaignID]; !ok {
			return appErrors.NewCampaignNotFound(*m.CampaignID)
		}
	}
	if r.providerIDTaken(m.ProviderMessageID, 0) {
		return fmt.Errorf("message %s: %w", *m.ProviderMessageID, appErrors.ErrConflict)
	}
	now := time.Now()
	m.ID = r.db.next("messages")
	m.CreatedAt = now
	m.UpdatedAt = now
	r.db.messages[m.ID] = copyMessage(m)
	return r.db.applyDelta(m.CampaignID, delta)
}

func (r *memoryMessages) GetByID(_ context.Context, id int) (*model.Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	m, ok := r.db.messages[id]
	if !ok {
		return nil, appErrors.NewNotFound("message", id)
	}
	return copyMessage(m), nil
}

func (r *memoryMessages) GetByProviderID(_ context.Context, providerMessageID string) (*model.Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, m := range r.db.messages {
		if m.ProviderMessageID != nil && *m.ProviderMessageID == providerMessageID {
			return copyMessage(m), nil
		}
	}
	return nil, appErrors.NewNotFound("message", providerMessageID)
}

func (r *memoryMessages) UpdateStatus(_ context.Context, m *model.Message, from model.MessageStatus, delta model.CounterDelta) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	cur, ok := r.db.messages[m.ID]
	if !ok {
		return false, nil
	}
	if cur.Status != from {
		return false, nil
	}
	if err := r.db.applyDelta(cur.CampaignID, delta); err != nil {
		return false, err
	}
	cur.Status = m.Status
	cur.SentAt, cur.DeliveredAt, cur.ReadAt, cur.FailedAt = m.SentAt, m.DeliveredAt, m.ReadAt, m.FailedAt
	cur.Error = nil
	if m.Error != nil {
		e := *m.Error
		cur.Error = &e
	}
	cur.ErrorPermanent = m.ErrorPermanent
	cur.UpdatedAt = time.Now()
	return true, nil
}

func (r *memoryMessages) ListRetryable(_ context.Context, maxAttempts, limit int) ([]*model.Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	out := []*model.Message{}
	for _, m := range r.db.messages {
		if m.Direction == model.Outbound && m.Status == model.StatusFailed && m.RetryCount < maxAttempts && !m.ErrorPermanent {
			out = append(out, copyMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryMessages) RecordRetry(_ context.Context, m *model.Message, prevRetryCount int, delta model.CounterDelta) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	cur, ok := r.db.messages[m.ID]
	if !ok || cur.Status != model.StatusFailed || cur.RetryCount != prevRetryCount {
		return false, nil
	}
	if r.providerIDTaken(m.ProviderMessageID, m.ID) {
		return false, fmt.Errorf("message %d: %w", m.ID, appErrors.ErrConflict)
	}
	if err := r.db.applyDelta(cur.CampaignID, delta); err != nil {
		return false, err
	}
	cur.Status = m.Status
	cur.ProviderMessageID = m.ProviderMessageID
	cur.RetryCount = m.RetryCount
	cur.SentAt, cur.FailedAt = m.SentAt, m.FailedAt
	cur.DeliveredAt, cur.ReadAt = nil, nil
	cur.Error = nil
	if m.Error != nil {
		e := *m.Error
		cur.Error = &e
	}
	cur.ErrorPermanent = m.ErrorPermanent
	cur.UpdatedAt = time.Now()
	return true, nil
}

// ====================== Contacts ======================

type memoryContacts struct{ db *memoryDB }

func (r *memoryContacts) findByPhone(phone string) *model.Contact {
	for _, c := range r.db.contacts {
		if c.Phone == phone {
			return c
		}
	}
	return nil
}

func (r *memoryContacts) GetByPhone(_ context.Context, phone string) (*model.Contact, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	c := r.findByPhone(phone)
	if c == nil {
		return nil, appErrors.NewNotFound("contact", phone)
	}
	cp := *c
	return &cp, nil
}

func (r *memoryContacts) GetByIDs(_ context.Context, ids []int) ([]*model.Contact, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	out := []*model.Contact{}
	for _, id := range ids {
		if c, ok := r.db.contacts[id]; ok {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memoryContacts) Create(_ context.Context, c *model.Contact) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if r.findByPhone(c.Phone) != nil {
		return fmt.Errorf("contact %s: %w", c.Phone, appErrors.ErrConflict)
	}
	now := time.Now()
	c.ID = r.db.next("contacts")
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	r.db.contacts[c.ID] = &cp
	return nil
}

func (r *memoryContacts) Upsert(_ context.Context, c *model.Contact) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	now := time.Now()
	if cur := r.findByPhone(c.Phone); cur != nil {
		if c.Name != "" {
			cur.Name = c.Name
		}
		if c.Email != "" {
			cur.Email = c.Email
		}
		cur.UpdatedAt = now
		*c = *cur
		return nil
	}
	c.ID = r.db.next("contacts")
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	r.db.contacts[c.ID] = &cp
	return nil
}

// ====================== Conversations ======================

type memoryConversations struct{ db *memoryDB }

func (r *memoryConversations) GetByID(_ context.Context, id int) (*model.Conversation, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	c, ok := r.db.conversations[id]
	if !ok {
		return nil, appErrors.NewNotFound("conversation", id)
	}
	cp := *c
	return &cp, nil
}

func (r *memoryConversations) find(channelID int, phone string) *model.Conversation {
	for _, c := range r.db.conversations {
		if c.ChannelID == channelID && c.ContactPhone == phone {
			return c
		}
	}
	return nil
}

func (r *memoryConversations) GetByPhone(_ context.Context, channelID int, phone string) (*model.Conversation, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	c := r.find(channelID, phone)
	if c == nil {
		return nil, appErrors.NewNotFound("conversation", fmt.Sprintf("%d/%s", channelID, phone))
	}
	cp := *c
	return &cp, nil
}

func (r *memoryConversations) Create(_ context.Context, c *model.Conversation) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if r.find(c.ChannelID, c.ContactPhone) != nil {
		return fmt.Errorf("conversation %d/%s: %w", c.ChannelID, c.ContactPhone, appErrors.ErrConflict)
	}
	now := time.Now()
	c.ID = r.db.next("conversations")
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	r.db.conversations[c.ID] = &cp
	return nil
}

func (r *memoryConversations) RecordInbound(_ context.Context, id int, preview string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	c, ok := r.db.conversations[id]
	if !ok {
		return appErrors.NewNotFound("conversation", id)
	}
	c.UnreadCount++
	if c.LastMessageAt == nil || !at.Before(*c.LastMessageAt) {
		c.LastMessage = preview
		c.LastMessageAt = &at
	}
	c.UpdatedAt = time.Now()
	return nil
}

// ====================== Channels & templates ======================

type memoryChannels struct{ db *memoryDB }

func (r *memoryChannels) Create(_ context.Context, ch *model.Channel) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, cur := range r.db.channels {
		if cur.PhoneNumberID == ch.PhoneNumberID {
			return fmt.Errorf("channel %s: %w", ch.PhoneNumberID, appErrors.ErrConflict)
		}
	}
	ch.ID = r.db.next("channels")
	ch.CreatedAt = time.Now()
	cp := *ch
	r.db.channels[ch.ID] = &cp
	return nil
}

func (r *memoryChannels) find(match func(*model.Channel) bool, key any) (*model.Channel, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, ch := range r.db.channels {
		if match(ch) {
			cp := *ch
			return &cp, nil
		}
	}
	return nil, appErrors.NewNotFound("channel", key)
}

func (r *memoryChannels) GetByID(_ context.Context, id int) (*model.Channel, error) {
	return r.find(func(ch *model.Channel) bool { return ch.ID == id }, id)
}

func (r *memoryChannels) GetByPhoneNumberID(_ context.Context, phoneNumberID string) (*model.Channel, error) {
	return r.find(func(ch *model.Channel) bool { return ch.PhoneNumberID == phoneNumberID }, phoneNumberID)
}

func (r *memoryChannels) GetByAPIKey(_ context.Context, apiKey string) (*model.Channel, error) {
	if apiKey == "" {
		return nil, appErrors.NewNotFound("channel", "api key")
	}
	return r.find(func(ch *model.Channel) bool { return ch.APIKey == apiKey }, "api key")
}

type memoryTemplates struct{ db *memoryDB }

func (r *memoryTemplates) Create(_ context.Context, t *model.Template) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, cur := range r.db.templates {
		if cur.ChannelID == t.ChannelID && cur.Name == t.Name && cur.Language == t.Language {
			return fmt.Errorf("template %s/%s: %w", t.Name, t.Language, appErrors.ErrConflict)
		}
	}
	t.ID = r.db.next("templates")
	t.CreatedAt = time.Now()
	cp := *t
	r.db.templates[t.ID] = &cp
	return nil
}

func (r *memoryTemplates) GetByID(_ context.Context, id int) (*model.Template, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	t, ok := r.db.templates[id]
	if !ok {
		return nil, appErrors.NewNotFound("template", id)
	}
	cp := *t
	return &cp, nil
}

func (r *memoryTemplates) GetByName(_ context.Context, channelID int, name, language string) (*model.Template, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var best *model.Template
	for _, t := range r.db.templates {
		if t.ChannelID != channelID || t.Name != name || (language != "" && t.Language != language) {
			continue
		}
		if best == nil || t.ID < best.ID {
			best = t
		}
	}
	if best == nil {
		return nil, appErrors.NewNotFound("template", name)
	}
	cp := *best
	return &cp, nil
}

func (r *memoryTemplates) UpdateStatusByProviderID(_ context.Context, providerTemplateID, status string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	matched := false
	now := time.Now()
	for _, t := range r.db.templates {
		if t.ProviderTemplateID != "" && t.ProviderTemplateID == providerTemplateID {
			t.Status = status
			t.UpdatedAt = &now
			matched = true
		}
	}
	return matched, nil
}

var (
	_ CampaignRepositoryInterface     = (*memoryCampaigns)(nil)
	_ MessageRepositoryInterface      = (*memoryMessages)(nil)
	_ ContactRepositoryInterface      = (*memoryContacts)(nil)
	_ ConversationRepositoryInterface = (*memoryConversations)(nil)
	_ ChannelRepositoryInterface      = (*memoryChannels)(nil)
	_ TemplateRepositoryInterface     = (*memoryTemplates)(nil)
)
