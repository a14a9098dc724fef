package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/wa-campaigns/internal/lock"
	"github.com/unclebandit/wa-campaigns/internal/model"
	"github.com/unclebandit/wa-campaigns/internal/repository"
	"github.com/unclebandit/wa-campaigns/internal/service"
	"github.com/unclebandit/wa-campaigns/internal/whatsapp"
)

// fakeSender records sends and fails the phones listed in fail.
type fakeSender struct {
	mu     sync.Mutex
	sent   []whatsapp.TemplateMessage
	fail   map[string]error
	next   int
	before func(msg whatsapp.TemplateMessage)
}

func newFakeSender() *fakeSender {
	return &fakeSender{fail: map[string]error{}}
}

func (f *fakeSender) Send(_ context.Context, _ *model.Channel, msg whatsapp.TemplateMessage) (string, error) {
	if f.before != nil {
		f.before(msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.fail[msg.Phone]; ok {
		return "", err
	}
	f.sent = append(f.sent, msg)
	f.next++
	return fmt.Sprintf("wamid.%d", f.next), nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// hookedMessages calls its hooks after a counted write has been stored, the
// way a webhook racing the writer would observe it.
type hookedMessages struct {
	repository.MessageRepositoryInterface
	afterCreate func(m *model.Message)
	afterRetry  func(m *model.Message)
}

func (h *hookedMessages) CreateCounted(ctx context.Context, m *model.Message, delta model.CounterDelta) error {
	if err := h.MessageRepositoryInterface.CreateCounted(ctx, m, delta); err != nil {
		return err
	}
	if h.afterCreate != nil && m.ProviderMessageID != nil {
		h.afterCreate(m)
	}
	return nil
}

func (h *hookedMessages) RecordRetry(ctx context.Context, m *model.Message, prevRetryCount int, delta model.CounterDelta) (bool, error) {
	won, err := h.MessageRepositoryInterface.RecordRetry(ctx, m, prevRetryCount, delta)
	if err != nil || !won {
		return won, err
	}
	if h.afterRetry != nil && m.ProviderMessageID != nil {
		h.afterRetry(m)
	}
	return true, nil
}

type fixture struct {
	ctx      context.Context
	store    *repository.Store
	sender   *fakeSender
	channel  *model.Channel
	template *model.Template
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore()

	ch := &model.Channel{
		Name:               "main",
		PhoneNumberID:      "1001",
		AccessToken:        "token",
		DefaultCountryCode: "254",
		APIKey:             "key-1",
		LiteEnabled:        true,
	}
	require.NoError(t, store.Channels.Create(ctx, ch))

	tpl := &model.Template{
		ChannelID:          ch.ID,
		Name:               "promo",
		Language:           "en_US",
		Category:           model.CategoryMarketing,
		Status:             model.TemplateApproved,
		ProviderTemplateID: "tpl-1",
		Body:               "Hi {{1}}",
	}
	require.NoError(t, store.Templates.Create(ctx, tpl))

	return &fixture{ctx: ctx, store: store, sender: newFakeSender(), channel: ch, template: tpl}
}

func phoneFor(i int) string {
	return fmt.Sprintf("2547000000%02d", i)
}

// activeCampaign stores an active campaign with one recipient per name.
func (f *fixture) activeCampaign(t *testing.T, names ...string) *model.Campaign {
	t.Helper()
	recs := make([]*model.CampaignRecipient, len(names))
	for i, n := range names {
		recs[i] = &model.CampaignRecipient{Phone: phoneFor(i + 1), Name: n}
	}
	c := &model.Campaign{
		Name:            "launch",
		ChannelID:       f.channel.ID,
		TemplateID:      f.template.ID,
		DeliveryPath:    model.DeliveryStandard,
		RecipientSource: model.SourceAPI,
		VariableMapping: model.VariableMapping{"1": model.ParseBinding("name")},
		Status:          model.CampaignActive,
	}
	require.NoError(t, f.store.Campaigns.Create(f.ctx, c, recs))
	return c
}

func (f *fixture) executor() *service.Executor {
	return service.NewExecutor(f.store, f.sender, lock.NewMemoryLocker(), zap.NewNop())
}

func (f *fixture) reconciler() *service.Reconciler {
	return service.NewReconciler(f.store, nil, zap.NewNop())
}

func (f *fixture) reload(t *testing.T, id int) *model.Campaign {
	t.Helper()
	c, err := f.store.Campaigns.GetByID(f.ctx, id)
	require.NoError(t, err)
	return c
}

// sentMessage stores a sent campaign message with the given provider id.
func (f *fixture) sentMessage(t *testing.T, campaignID int, providerID string) *model.Message {
	t.Helper()
	cid, tid := campaignID, f.template.ID
	m := &model.Message{
		ChannelID:         f.channel.ID,
		CampaignID:        &cid,
		TemplateID:        &tid,
		ContactPhone:      phoneFor(1),
		Direction:         model.Outbound,
		Content:           "Hi Alice",
		TemplateParams:    model.Params{"Alice"},
		ProviderMessageID: &providerID,
		Status:            model.StatusSent,
	}
	require.NoError(t, f.store.Messages.CreateCounted(f.ctx, m, model.CounterDelta{Sent: 1}))
	return m
}

// recipientMessage returns the message recorded for the recipient at position.
func (f *fixture) recipientMessage(t *testing.T, campaignID, position int) *model.Message {
	t.Helper()
	rec, err := f.store.Campaigns.GetRecipientByPosition(f.ctx, campaignID, position)
	require.NoError(t, err)
	require.NotNil(t, rec.MessageID)
	m, err := f.store.Messages.GetByID(f.ctx, *rec.MessageID)
	require.NoError(t, err)
	return m
}

// failWebhook applies a provider "failed" callback with code to providerID.
func (f *fixture) failWebhook(t *testing.T, providerID string, code int) {
	t.Helper()
	ev := service.StatusEvent{
		ProviderMessageID: providerID,
		Status:            "failed",
		Timestamp:         time.Now(),
		Errors:            []model.MessageError{{Code: code, Message: "delivery failed"}},
	}
	applied, err := f.reconciler().ApplyStatus(f.ctx, f.channel.ID, ev)
	require.NoError(t, err)
	require.True(t, applied)
}

func requireConserved(t *testing.T, c *model.Campaign) {
	t.Helper()
	require.Equal(t, c.RecipientCount, c.SentCount+c.FailedCount, "sent+failed must equal recipients")
	require.LessOrEqual(t, c.ReadCount, c.DeliveredCount)
	require.LessOrEqual(t, c.DeliveredCount, c.SentCount)
}
