package outreach

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-engine/internal/lock"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/resilience"
	"github.com/sells-group/outreach-engine/internal/store"
	"github.com/sells-group/outreach-engine/internal/transport"
)

// Thursday.
var t0 = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type sentCall struct {
	Channel model.Channel
	Msg     transport.Rendered
	To      model.Contact
}

// fakeTransport accepts everything unless an outcome is set for the lead.
type fakeTransport struct {
	mu       sync.Mutex
	calls    []sentCall
	outcomes map[int64]transport.Status
	onSend   func(to model.Contact)
}

func (f *fakeTransport) Send(_ context.Context, ch model.Channel, msg transport.Rendered, to model.Contact) transport.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentCall{Channel: ch, Msg: msg, To: to})
	if f.onSend != nil {
		f.onSend(to)
	}
	switch f.outcomes[to.LeadID] {
	case transport.Failed:
		return transport.Result{Status: transport.Failed, Err: eris.New("recipient rejected")}
	case transport.Transient:
		return transport.Result{Status: transport.Transient, Err: resilience.NewTransientError(eris.New("throttled"), 429)}
	}
	return transport.Result{Status: transport.Accepted, ProviderMessageID: fmt.Sprintf("pm-%d-%d", to.LeadID, len(f.calls))}
}

func (f *fakeTransport) Calls() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCall(nil), f.calls...)
}

type harness struct {
	st     *store.SQLiteStore
	svc    *Service
	disp   *Dispatcher
	tr     *fakeTransport
	clock  *fakeClock
	locker *lock.Local
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "outreach.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	h := &harness{
		st:     st,
		tr:     &fakeTransport{outcomes: map[int64]transport.Status{}},
		clock:  &fakeClock{t: t0},
		locker: lock.NewLocal(),
	}
	h.svc = NewService(st, h.locker, nil)
	h.svc.now = h.clock.Now
	h.disp = NewDispatcher(st, h.tr, nil, h.locker, nil, DispatchConfig{})
	h.disp.now = h.clock.Now
	return h
}

func (h *harness) leads(t *testing.T, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		l := &model.Lead{
			FirstName:   "lead",
			LastName:    string(rune('a' + i)),
			Email:       fmt.Sprintf("lead%d@example.com", i),
			LinkedInURL: fmt.Sprintf("https://linkedin.com/in/lead%d", i),
			Company:     "Acme",
		}
		require.NoError(t, h.st.CreateLead(context.Background(), l))
		ids = append(ids, l.ID)
	}
	return ids
}

func businessHours(limit int) model.SendSettings {
	return model.SendSettings{DailyLimit: limit, SendWindowStart: "09:00", SendWindowEnd: "17:00", Timezone: "UTC"}
}

func allDay(limit int) model.SendSettings {
	return model.SendSettings{DailyLimit: limit, SendWindowStart: "00:00", SendWindowEnd: "23:59", Timezone: "UTC"}
}

func emailStep(n, delay int, body string) model.SequenceStep {
	return model.SequenceStep{StepNumber: n, DelayDays: delay, Content: model.EmailStep{Subject: "Hi {{first_name}}", Body: body}}
}

// running creates, schedules and starts a campaign at the current clock.
func (h *harness) running(t *testing.T, settings model.SendSettings, steps []model.SequenceStep, leadIDs []int64) *model.Campaign {
	t.Helper()
	ctx := context.Background()
	c := &model.Campaign{Name: "Founders Q4", Steps: steps, Settings: settings, LeadIDs: leadIDs}
	require.NoError(t, h.svc.Create(ctx, c))
	_, err := h.svc.Schedule(ctx, c.ID)
	require.NoError(t, err)
	started, err := h.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	return started
}

func (h *harness) tick(t *testing.T) *TickReport {
	t.Helper()
	rep, err := h.disp.Tick(context.Background())
	require.NoError(t, err)
	return rep
}

func (h *harness) messages(t *testing.T, campaignID string) []model.Message {
	t.Helper()
	msgs, err := h.st.ListMessages(context.Background(), campaignID)
	require.NoError(t, err)
	return msgs
}

func countStatus(msgs []model.Message, s model.MessageStatus) int {
	n := 0
	for _, m := range msgs {
		if m.Status == s {
			n++
		}
	}
	return n
}
