package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/wa-campaigns/internal/errors"
	"github.com/unclebandit/wa-campaigns/internal/model"
	"github.com/unclebandit/wa-campaigns/internal/queue"
	"github.com/unclebandit/wa-campaigns/internal/service"
)

// recordingQueue captures published jobs without running them.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (q *recordingQueue) Publish(topic string, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Subscribe(topic string, handler func(job queue.Job) error) error {
	return nil
}

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func newCampaignService(f *fixture) (*service.CampaignService, *recordingQueue) {
	q := &recordingQueue{}
	return service.NewCampaignService(f.store, q, zap.NewNop()), q
}

func (f *fixture) input() service.CreateCampaignInput {
	return service.CreateCampaignInput{
		Name:            "Spring sale",
		ChannelID:       f.channel.ID,
		TemplateID:      f.template.ID,
		VariableMapping: model.VariableMapping{"1": model.ParseBinding("name")},
		Recipients: []service.RecipientInput{
			{Phone: "7000000001", Name: "Alice"},
			{Phone: "+254 700 000 002", Name: "Bob"},
		},
	}
}

func TestCreateCampaignFromRecipients(t *testing.T) {
	f := newFixture(t)
	svc, q := newCampaignService(f)

	c, err := svc.CreateCampaign(f.ctx, f.input())
	require.NoError(t, err)
	require.Equal(t, model.CampaignDraft, c.Status)
	require.Equal(t, model.SourceAPI, c.RecipientSource)
	require.Equal(t, model.DeliveryStandard, c.DeliveryPath)
	require.Equal(t, 2, c.RecipientCount)
	require.Zero(t, q.count())

	rec, err := f.store.Campaigns.GetRecipientByPosition(f.ctx, c.ID, 0)
	require.NoError(t, err)
	require.Equal(t, "2547000000001", rec.Phone)
}

func TestCreateCampaignFromCSVUpsertsContactsAndDedupes(t *testing.T) {
	f := newFixture(t)
	svc, _ := newCampaignService(f)

	in := f.input()
	in.Recipients = nil
	in.VariableMapping = model.VariableMapping{"1": model.ParseBinding("field:city")}
	in.CSVRows = []map[string]string{
		{"phone_number": "254711000001", "name": "Alice", "city": "Nairobi"},
		{"Mobile": "+254 711 000 001", "name": "Alice again"},
		{"phone": "", "name": "Nobody"},
		{"phone": "254711000002", "name": "Bob", "email": "bob@example.com", "city": "Mombasa"},
	}

	c, err := svc.CreateCampaign(f.ctx, in)
	require.NoError(t, err)
	require.Equal(t, model.SourceCSV, c.RecipientSource)
	require.Equal(t, 2, c.RecipientCount)

	rec, err := f.store.Campaigns.GetRecipientByPosition(f.ctx, c.ID, 1)
	require.NoError(t, err)
	require.Equal(t, "Bob", rec.Name)
	require.Equal(t, "Mombasa", rec.Fields["city"])
	require.NotNil(t, rec.ContactID)

	contact, err := f.store.Contacts.GetByPhone(f.ctx, "254711000002")
	require.NoError(t, err)
	require.Equal(t, "bob@example.com", contact.Email)

	preview, err := svc.Preview(f.ctx, c.ID, 0)
	require.NoError(t, err)
	require.Equal(t, "Hi Nairobi", preview.Rendered.Body)
}

func TestCreateCampaignFromContactList(t *testing.T) {
	f := newFixture(t)
	svc, _ := newCampaignService(f)

	a := &model.Contact{Phone: "254722000001", Name: "Ann"}
	b := &model.Contact{Phone: "254722000002", Name: "Ben"}
	require.NoError(t, f.store.Contacts.Create(f.ctx, a))
	require.NoError(t, f.store.Contacts.Create(f.ctx, b))

	in := f.input()
	in.Recipients = nil
	in.ContactIDs = []int{b.ID, a.ID, 999}

	c, err := svc.CreateCampaign(f.ctx, in)
	require.NoError(t, err)
	require.Equal(t, model.SourceContactList, c.RecipientSource)
	require.Equal(t, 2, c.RecipientCount)

	first, err := f.store.Campaigns.GetRecipientByPosition(f.ctx, c.ID, 0)
	require.NoError(t, err)
	require.Equal(t, "Ben", first.Name)
	require.Equal(t, b.ID, *first.ContactID)
}

func TestCreateCampaignValidation(t *testing.T) {
	f := newFixture(t)
	svc, _ := newCampaignService(f)

	utility := &model.Template{ChannelID: f.channel.ID, Name: "receipt", Language: "en_US", Category: model.CategoryUtility, Status: model.TemplateApproved, Body: "Paid"}
	require.NoError(t, f.store.Templates.Create(f.ctx, utility))
	pending := &model.Template{ChannelID: f.channel.ID, Name: "draft", Language: "en_US", Category: model.CategoryMarketing, Status: model.TemplatePending, Body: "Soon"}
	require.NoError(t, f.store.Templates.Create(f.ctx, pending))

	cases := map[string]func(in *service.CreateCampaignInput){
		"missing name":      func(in *service.CreateCampaignInput) { in.Name = " " },
		"unknown channel":   func(in *service.CreateCampaignInput) { in.ChannelID = 999 },
		"unknown template":  func(in *service.CreateCampaignInput) { in.TemplateID = 999 },
		"unapproved":        func(in *service.CreateCampaignInput) { in.TemplateID = pending.ID },
		"bad delivery path": func(in *service.CreateCampaignInput) { in.DeliveryPath = "express" },
		"lite with utility": func(in *service.CreateCampaignInput) { in.DeliveryPath = model.DeliveryLite; in.TemplateID = utility.ID },
		"bad source":        func(in *service.CreateCampaignInput) { in.RecipientSource = "fax" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := f.input()
			mutate(&in)
			_, err := svc.CreateCampaign(f.ctx, in)
			require.ErrorIs(t, err, appErrors.ErrInvalidInput)
		})
	}
}

func TestCreateLiteCampaignRequiresLiteChannel(t *testing.T) {
	f := newFixture(t)
	svc, _ := newCampaignService(f)

	ch := &model.Channel{Name: "plain", PhoneNumberID: "2002", AccessToken: "t"}
	require.NoError(t, f.store.Channels.Create(f.ctx, ch))
	tpl := &model.Template{ChannelID: ch.ID, Name: "promo", Language: "en_US", Category: model.CategoryMarketing, Status: model.TemplateApproved, Body: "Hi"}
	require.NoError(t, f.store.Templates.Create(f.ctx, tpl))

	in := f.input()
	in.ChannelID, in.TemplateID, in.DeliveryPath = ch.ID, tpl.ID, model.DeliveryLite
	_, err := svc.CreateCampaign(f.ctx, in)
	require.ErrorIs(t, err, appErrors.ErrInvalidInput)

	in = f.input()
	in.DeliveryPath = model.DeliveryLite
	c, err := svc.CreateCampaign(f.ctx, in)
	require.NoError(t, err)
	require.True(t, c.UseLite())
}

func TestCreateCampaignAutoStartDispatches(t *testing.T) {
	f := newFixture(t)
	svc, q := newCampaignService(f)

	in := f.input()
	in.AutoStart = true
	c, err := svc.CreateCampaign(f.ctx, in)
	require.NoError(t, err)
	require.Equal(t, model.CampaignActive, c.Status)
	require.NotNil(t, c.StartedAt)
	require.Equal(t, 1, q.count())
	require.Equal(t, c.ID, q.jobs[0].CampaignID)
}

func TestScheduledCampaignActivatesWhenDue(t *testing.T) {
	f := newFixture(t)
	svc, q := newCampaignService(f)
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return now }

	in := f.input()
	at := now.Add(time.Hour)
	in.ScheduledAt = &at
	c, err := svc.CreateCampaign(f.ctx, in)
	require.NoError(t, err)
	require.Equal(t, model.CampaignScheduled, c.Status)

	n, err := svc.ActivateDue(f.ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	now = now.Add(2 * time.Hour)
	n, err = svc.ActivateDue(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, model.CampaignActive, f.reload(t, c.ID).Status)
	require.Equal(t, 1, q.count())
}

func TestUpdateStatusTransitions(t *testing.T) {
	f := newFixture(t)
	svc, q := newCampaignService(f)
	c, err := svc.CreateCampaign(f.ctx, f.input())
	require.NoError(t, err)

	_, err = svc.UpdateStatus(f.ctx, c.ID, "paused")
	require.ErrorIs(t, err, appErrors.ErrInvalidTransition, "draft cannot be paused")

	got, err := svc.UpdateStatus(f.ctx, c.ID, "active")
	require.NoError(t, err)
	require.Equal(t, model.CampaignActive, got.Status)
	require.Equal(t, 1, q.count())

	got, err = svc.UpdateStatus(f.ctx, c.ID, "paused")
	require.NoError(t, err)
	require.Equal(t, model.CampaignPaused, got.Status)

	_, err = svc.UpdateStatus(f.ctx, c.ID, "completed")
	require.ErrorIs(t, err, appErrors.ErrInvalidInput)

	got, err = svc.Start(f.ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, model.CampaignActive, got.Status)
	require.Equal(t, 2, q.count())

	_, err = svc.Start(f.ctx, c.ID)
	require.NoError(t, err, "starting an active campaign re-dispatches it")
	require.Equal(t, 3, q.count())

	require.NoError(t, f.store.Campaigns.TransitionStatus(f.ctx, c.ID, model.CampaignActive, model.CampaignCompleted, ""))
	_, err = svc.Start(f.ctx, c.ID)
	require.ErrorIs(t, err, appErrors.ErrInvalidTransition)
}

func TestStartRunsThroughQueue(t *testing.T) {
	f := newFixture(t)
	q := queue.NewInMemoryQueue(zap.NewNop())
	svc := service.NewCampaignService(f.store, q, zap.NewNop())
	require.NoError(t, queue.StartCampaignExecuteSubscriber(context.Background(), q, f.executor().Execute, zap.NewNop()))

	in := f.input()
	in.AutoStart = true
	c, err := svc.CreateCampaign(f.ctx, in)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	got := f.reload(t, c.ID)
	require.Equal(t, model.CampaignCompleted, got.Status)
	require.Equal(t, 2, got.SentCount)
}

func TestListCampaignsPagination(t *testing.T) {
	f := newFixture(t)
	svc, _ := newCampaignService(f)
	for i := 0; i < 5; i++ {
		_, err := svc.CreateCampaign(f.ctx, f.input())
		require.NoError(t, err)
	}

	campaigns, pagination, err := svc.ListCampaigns(f.ctx, 2, 2, 0, "")
	require.NoError(t, err)
	require.Len(t, campaigns, 2)
	require.Equal(t, 3, campaigns[0].ID, "newest first")
	require.Equal(t, map[string]int{"page": 2, "page_size": 2, "total_count": 5, "total_pages": 3}, pagination)

	_, pagination, err = svc.ListCampaigns(f.ctx, 0, 500, 0, "draft")
	require.NoError(t, err)
	require.Equal(t, 1, pagination["page"])
	require.Equal(t, 100, pagination["page_size"])
	require.Equal(t, 5, pagination["total_count"])
}

func TestCampaignDetailsWithStats(t *testing.T) {
	f := newFixture(t)
	c := f.activeCampaign(t, "Alice", "Bob")
	require.NoError(t, f.executor().Execute(f.ctx, c.ID))

	svc, _ := newCampaignService(f)
	details, err := svc.GetCampaignDetailsWithStats(f.ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, c.ID, details.ID)
	require.Equal(t, 2, details.Stats["sent"])
	require.Equal(t, 2, details.Stats["total"])
	require.Equal(t, 0, details.Stats["failed"])

	_, err = svc.GetCampaignDetailsWithStats(f.ctx, 999)
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestPreviewUnknownPosition(t *testing.T) {
	f := newFixture(t)
	c := f.activeCampaign(t, "Alice")
	svc, _ := newCampaignService(f)

	p, err := svc.Preview(f.ctx, c.ID, 0)
	require.NoError(t, err)
	require.Equal(t, "Hi Alice", p.Rendered.Body)
	require.Equal(t, []string{"Alice"}, p.Rendered.BodyParams)

	_, err = svc.Preview(f.ctx, c.ID, 5)
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestResumeActiveRedispatches(t *testing.T) {
	f := newFixture(t)
	a := f.activeCampaign(t, "Alice")
	f.activeCampaign(t, "Bob")
	svc, q := newCampaignService(f)

	_, err := svc.CreateCampaign(f.ctx, f.input())
	require.NoError(t, err)

	n, err := svc.ResumeActive(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, q.count())

	require.NoError(t, f.store.Campaigns.TransitionStatus(f.ctx, a.ID, model.CampaignActive, model.CampaignPaused, ""))
	n, err = svc.ResumeActive(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
