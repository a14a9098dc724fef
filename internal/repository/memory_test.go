package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/wa-campaigns/internal/errors"
	"github.com/unclebandit/wa-campaigns/internal/model"
)

func strPtr(s string) *string { return &s }

func seedCampaign(t *testing.T, store *Store, n int) *model.Campaign {
	t.Helper()
	var recs []*model.CampaignRecipient
	for i := 0; i < n; i++ {
		recs = append(recs, &model.CampaignRecipient{Phone: "25470000000" + string(rune('0'+i)), Name: "r"})
	}
	c := &model.Campaign{Name: "promo", ChannelID: 1, TemplateID: 1}
	require.NoError(t, store.Campaigns.Create(context.Background(), c, recs))
	return c
}

func TestCampaignCreateMaterializesRecipients(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := seedCampaign(t, store, 3)

	require.Equal(t, model.CampaignDraft, c.Status)
	require.Equal(t, 3, c.RecipientCount)

	pending, err := store.Campaigns.ListPendingRecipients(ctx, c.ID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, rec := range pending {
		require.Equal(t, i, rec.Position)
	}

	require.NoError(t, store.Campaigns.MarkRecipientProcessed(ctx, pending[0].ID, 99))
	pending, err = store.Campaigns.ListPendingRecipients(ctx, c.ID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, 1, pending[0].Position)
}

func TestCampaignTransitionIsConditional(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := seedCampaign(t, store, 1)

	require.NoError(t, store.Campaigns.TransitionStatus(ctx, c.ID, model.CampaignDraft, model.CampaignActive, ""))

	err := store.Campaigns.TransitionStatus(ctx, c.ID, model.CampaignDraft, model.CampaignActive, "")
	require.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	got, err := store.Campaigns.GetByID(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, model.CampaignActive, got.Status)
	require.NotNil(t, got.StartedAt)

	_, err = store.Campaigns.GetByID(ctx, 404)
	require.True(t, appErrors.IsNotFound(err))
}

func TestCountersFloorAtZero(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := seedCampaign(t, store, 2)

	m := &model.Message{CampaignID: &c.ID, Status: model.StatusFailed}
	require.NoError(t, store.Messages.CreateCounted(ctx, m, model.CounterDelta{Sent: -1, Failed: 1}))
	got, _ := store.Campaigns.GetByID(ctx, c.ID)
	require.Equal(t, 0, got.SentCount)
	require.Equal(t, 1, got.FailedCount)
}

func TestCompleteIfDone(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	c := seedCampaign(t, store, 2)
	require.NoError(t, store.Campaigns.TransitionStatus(ctx, c.ID, model.CampaignDraft, model.CampaignActive, ""))

	sent := &model.Message{CampaignID: &c.ID, Status: model.StatusSent}
	require.NoError(t, store.Messages.CreateCounted(ctx, sent, model.CounterDelta{Sent: 1}))
	done, err := store.Campaigns.CompleteIfDone(ctx, c.ID)
	require.NoError(t, err)
	require.False(t, done)

	failed := &model.Message{CampaignID: &c.ID, Status: model.StatusFailed}
	require.NoError(t, store.Messages.CreateCounted(ctx, failed, model.CounterDelta{Failed: 1}))
	done, err = store.Campaigns.CompleteIfDone(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, done)

	got, _ := store.Campaigns.GetByID(ctx, c.ID)
	require.Equal(t, model.CampaignCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestListDueScheduled(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	past, future := now.Add(-time.Minute), now.Add(time.Hour)

	due := &model.Campaign{Name: "due", Status: model.CampaignScheduled, ScheduledAt: &past}
	later := &model.Campaign{Name: "later", Status: model.CampaignScheduled, ScheduledAt: &future}
	require.NoError(t, store.Campaigns.Create(ctx, due, nil))
	require.NoError(t, store.Campaigns.Create(ctx, later, nil))

	out, err := store.Campaigns.ListDueScheduled(ctx, now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, due.ID, out[0].ID)
}

func TestMessageUpdateStatusCompareAndSwap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	m := &model.Message{ChannelID: 1, Direction: model.Outbound, Status: model.StatusSent, ProviderMessageID: strPtr("wamid.1")}
	require.NoError(t, store.Messages.Create(ctx, m))

	first, _ := store.Messages.GetByProviderID(ctx, "wamid.1")
	second, _ := store.Messages.GetByProviderID(ctx, "wamid.1")

	first.Status = model.StatusDelivered
	ok, err := store.Messages.UpdateStatus(ctx, first, model.StatusSent, model.CounterDelta{})
	require.NoError(t, err)
	require.True(t, ok)

	second.Status = model.StatusRead
	ok, err = store.Messages.UpdateStatus(ctx, second, model.StatusSent, model.CounterDelta{})
	require.NoError(t, err)
	require.False(t, ok, "stale writer must lose")

	got, _ := store.Messages.GetByID(ctx, m.ID)
	require.Equal(t, model.StatusDelivered, got.Status)
}

func TestMessageDuplicateProviderIDConflicts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Messages.Create(ctx, &model.Message{Direction: model.Inbound, Status: model.StatusReceived, ProviderMessageID: strPtr("wamid.in")}))
	err := store.Messages.Create(ctx, &model.Message{Direction: model.Inbound, Status: model.StatusReceived, ProviderMessageID: strPtr("wamid.in")})
	require.True(t, errors.Is(err, appErrors.ErrConflict))
}

func TestListRetryableFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	create := func(m *model.Message) int {
		m.Direction = model.Outbound
		require.NoError(t, store.Messages.Create(ctx, m))
		return m.ID
	}
	eligible := create(&model.Message{Status: model.StatusFailed, RetryCount: 2})
	create(&model.Message{Status: model.StatusFailed, RetryCount: 3})
	create(&model.Message{Status: model.StatusFailed, ErrorPermanent: true})
	create(&model.Message{Status: model.StatusSent})
	second := create(&model.Message{Status: model.StatusFailed})
	require.NoError(t, store.Messages.Create(ctx, &model.Message{Direction: model.Inbound, Status: model.StatusFailed}))

	out, err := store.Messages.ListRetryable(ctx, model.RetryCountLimit, 100)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, eligible, out[0].ID)
	require.Equal(t, second, out[1].ID)

	out, err = store.Messages.ListRetryable(ctx, model.RetryCountLimit, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestRecordRetryGuardsConcurrentRedrive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	m := &model.Message{Direction: model.Outbound, Status: model.StatusFailed}
	require.NoError(t, store.Messages.Create(ctx, m))

	m.RetryCount = 1
	m.Status = model.StatusSent
	m.ProviderMessageID = strPtr("wamid.retry")
	ok, err := store.Messages.RecordRetry(ctx, m, 0, model.CounterDelta{})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Messages.RecordRetry(ctx, m, 0, model.CounterDelta{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateCountedAppliesDeltaWithRow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := &model.Campaign{Name: "c", Status: model.CampaignActive}
	require.NoError(t, store.Campaigns.Create(ctx, c, []*model.CampaignRecipient{{Phone: "254700000001"}}))

	cid := c.ID
	m := &model.Message{CampaignID: &cid, Direction: model.Outbound, Status: model.StatusSent, ProviderMessageID: strPtr("wamid.c1")}
	require.NoError(t, store.Messages.CreateCounted(ctx, m, model.CounterDelta{Sent: 1}))

	got, _ := store.Campaigns.GetByID(ctx, c.ID)
	require.Equal(t, 1, got.SentCount)

	missing := 999
	orphan := &model.Message{CampaignID: &missing, Direction: model.Outbound, Status: model.StatusSent, ProviderMessageID: strPtr("wamid.c2")}
	require.Error(t, store.Messages.CreateCounted(ctx, orphan, model.CounterDelta{Sent: 1}))
	_, err := store.Messages.GetByProviderID(ctx, "wamid.c2")
	require.True(t, appErrors.IsNotFound(err), "row must not be stored without its counters")
}

func TestUpdateStatusDeltaOnlyWhenWon(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := &model.Campaign{Name: "c", Status: model.CampaignActive}
	require.NoError(t, store.Campaigns.Create(ctx, c, []*model.CampaignRecipient{{Phone: "254700000001"}}))
	cid := c.ID
	m := &model.Message{CampaignID: &cid, Direction: model.Outbound, Status: model.StatusSent, ProviderMessageID: strPtr("wamid.u1")}
	require.NoError(t, store.Messages.CreateCounted(ctx, m, model.CounterDelta{Sent: 1}))

	m.Status = model.StatusDelivered
	ok, err := store.Messages.UpdateStatus(ctx, m, model.StatusSent, model.CounterDelta{Delivered: 1})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Messages.UpdateStatus(ctx, m, model.StatusSent, model.CounterDelta{Delivered: 1})
	require.NoError(t, err)
	require.False(t, ok)

	got, _ := store.Campaigns.GetByID(ctx, c.ID)
	require.Equal(t, 1, got.DeliveredCount)
}

func TestRecordRetryClearsDeliveryTimestamps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	at := time.Now()
	m := &model.Message{Direction: model.Outbound, Status: model.StatusFailed, DeliveredAt: &at, ReadAt: &at}
	require.NoError(t, store.Messages.Create(ctx, m))

	m.RetryCount = 1
	m.Status = model.StatusSent
	m.ProviderMessageID = strPtr("wamid.again")
	ok, err := store.Messages.RecordRetry(ctx, m, 0, model.CounterDelta{})
	require.NoError(t, err)
	require.True(t, ok)

	got, _ := store.Messages.GetByID(ctx, m.ID)
	require.Nil(t, got.DeliveredAt)
	require.Nil(t, got.ReadAt)
}

func TestConversationRecordInbound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	conv := &model.Conversation{ChannelID: 1, ContactID: 1, ContactPhone: "254700000001"}
	require.NoError(t, store.Conversations.Create(ctx, conv))
	err := store.Conversations.Create(ctx, &model.Conversation{ChannelID: 1, ContactID: 1, ContactPhone: "254700000001"})
	require.ErrorIs(t, err, appErrors.ErrConflict)

	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Conversations.RecordInbound(ctx, conv.ID, "second", t1.Add(time.Minute)))
	require.NoError(t, store.Conversations.RecordInbound(ctx, conv.ID, "first", t1))

	got, err := store.Conversations.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.UnreadCount)
	require.Equal(t, "second", got.LastMessage)
}

func TestContactUpsertKeepsExistingFields(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := &model.Contact{Phone: "254700000001", Name: "Alice", Email: "a@example.com"}
	require.NoError(t, store.Contacts.Upsert(ctx, c))

	again := &model.Contact{Phone: "254700000001", Name: "Alice B"}
	require.NoError(t, store.Contacts.Upsert(ctx, again))
	require.Equal(t, c.ID, again.ID)
	require.Equal(t, "a@example.com", again.Email)

	got, err := store.Contacts.GetByIDs(ctx, []int{again.ID, 999})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Alice B", got[0].Name)
}
