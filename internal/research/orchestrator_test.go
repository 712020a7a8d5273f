package research

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-engine/internal/cost"
	"github.com/sells-group/outreach-engine/internal/lock"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/monitoring"
	"github.com/sells-group/outreach-engine/internal/store"
)

var t0 = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

// fakeEnricher succeeds for every lead not in fail. Successful leads cost
// 0.01; failed ones report 0.002 already spent.
type fakeEnricher struct {
	mu    sync.Mutex
	fail  map[int64]bool
	block bool
	calls []int64
}

func (f *fakeEnricher) Research(ctx context.Context, lead model.Lead) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, lead.ID)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return &Result{Cost: cost.Breakdown{Search: 0.001}}, ctx.Err()
	}
	if f.fail[lead.ID] {
		return &Result{Cost: cost.Breakdown{Search: 0.002}}, eris.New("synthesis missing profile")
	}
	return &Result{
		Research: model.LeadResearch{
			Profile:    "Profile of " + lead.FullName(),
			DMSequence: []string{"Hi " + lead.FirstName, "Following up"},
			CostUSD:    0.01,
		},
		Cost: cost.Breakdown{Search: 0.004, Synthesis: 0.006},
	}, nil
}

func (f *fakeEnricher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	st     *store.SQLiteStore
	en     *fakeEnricher
	orch   *Orchestrator
	locker *lock.Local
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "research.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	h := &harness{st: st, en: &fakeEnricher{fail: map[int64]bool{}}, locker: lock.NewLocal()}
	h.orch = NewOrchestrator(st, h.en, h.locker, monitoring.NewMetrics(prometheus.NewRegistry()), cfg)
	h.orch.now = func() time.Time { return t0 }
	return h
}

// list creates n leads in a new list and returns the list id and lead ids.
func (h *harness) list(t *testing.T, n int) (int64, []int64) {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		l := &model.Lead{FirstName: fmt.Sprintf("Lead%d", i+1), LastName: "Smith", Company: "Acme"}
		require.NoError(t, h.st.CreateLead(ctx, l))
		ids = append(ids, l.ID)
	}
	list, err := h.st.CreateLeadList(ctx, "q4 founders")
	require.NoError(t, err)
	require.NoError(t, h.st.AddLeadsToList(ctx, list.ID, ids))
	return list.ID, ids
}

func (h *harness) started(t *testing.T, listID *int64) *model.Batch {
	t.Helper()
	ctx := context.Background()
	b, err := h.orch.CreateBatch(ctx, CreateInput{Name: "Q4 research", ListID: listID})
	require.NoError(t, err)
	assert.Equal(t, model.BatchDraft, b.Status)
	b, err = h.orch.Start(ctx, b.ID)
	require.NoError(t, err)
	return b
}

func TestProcess_PartialFailure(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	listID, ids := h.list(t, 10)
	h.en.fail[ids[3]] = true
	h.en.fail[ids[6]] = true

	b := h.started(t, &listID)
	assert.Equal(t, model.BatchRunning, b.Status)
	assert.Equal(t, 10, b.TotalLeads)

	rep, err := h.orch.Process(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, rep.Processed)
	assert.Equal(t, 8, rep.Succeeded)
	assert.Equal(t, 2, rep.Failed)
	assert.True(t, rep.Completed)

	got, err := h.orch.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchCompleted, got.Status)
	assert.Equal(t, 10, got.ProcessedLeads)
	assert.Equal(t, 2, got.FailedLeads)
	assert.InDelta(t, 8*0.01, got.TotalCostUSD, 1e-6)
	assert.InDelta(t, 8*0.01, rep.CostUSD, 1e-6)
	require.Len(t, got.Errors, 2)
	assert.Equal(t, ids[3], got.Errors[0].LeadID)
	assert.Equal(t, ids[6], got.Errors[1].LeadID)
	assert.Contains(t, got.Errors[0].Error, "synthesis missing profile")
	require.NotNil(t, got.CompletedAt)

	items, err := h.orch.Items(ctx, b.ID)
	require.NoError(t, err)
	var itemSum float64
	for _, it := range items {
		itemSum += it.CostUSD
		assert.NotEqual(t, model.ItemPending, it.Status)
	}
	assert.InDelta(t, got.TotalCostUSD, itemSum, 1e-6)

	failed, err := h.st.GetLead(ctx, ids[3])
	require.NoError(t, err)
	assert.Equal(t, model.ResearchError, failed.ResearchStatus)
	ok, err := h.st.GetLead(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.ResearchComplete, ok.ResearchStatus)
	require.NotNil(t, ok.Research)
	assert.Equal(t, "Profile of Lead1 Smith", ok.Research.Profile)
	assert.Equal(t, []string{"Hi Lead1", "Following up"}, ok.Research.DMSequence)

	assert.Equal(t, 8.0, testutil.ToFloat64(h.orch.metrics.ResearchItems.WithLabelValues("succeeded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.orch.metrics.ResearchItems.WithLabelValues("failed")))
}

func TestProcess_ResumesAcrossTicks(t *testing.T) {
	h := newHarness(t, Config{ItemsPerTick: 4, Concurrency: 2})
	ctx := context.Background()
	listID, _ := h.list(t, 10)
	b := h.started(t, &listID)

	var processed []int
	for i := 0; i < 3; i++ {
		rep, err := h.orch.Process(ctx, b.ID)
		require.NoError(t, err)
		processed = append(processed, rep.Processed)
		assert.Equal(t, i == 2, rep.Completed)
	}
	assert.Equal(t, []int{4, 4, 2}, processed)

	rep, err := h.orch.Process(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, rep.Completed)
	assert.Zero(t, rep.Processed)
	assert.Equal(t, 10, h.en.Calls())
}

func TestProcess_ItemsSettleInPositionOrder(t *testing.T) {
	h := newHarness(t, Config{ItemsPerTick: 3, Concurrency: 1})
	ctx := context.Background()
	listID, ids := h.list(t, 5)
	b := h.started(t, &listID)

	_, err := h.orch.Process(ctx, b.ID)
	require.NoError(t, err)

	items, err := h.orch.Items(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, items, 5)
	for i, it := range items {
		assert.Equal(t, ids[i], it.LeadID)
		assert.Equal(t, i+1, it.Position)
	}
	assert.Equal(t, model.ItemSucceeded, items[2].Status)
	assert.Equal(t, model.ItemPending, items[3].Status)
}

func TestStart_SnapshotsUnresearchedLeads(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, ids := h.list(t, 3)
	require.NoError(t, h.st.MarkLeadResearching(ctx, ids[1], t0))

	b := h.started(t, nil)
	assert.Equal(t, 2, b.TotalLeads)

	items, err := h.orch.Items(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ids[0], items[0].LeadID)
	assert.Equal(t, ids[2], items[1].LeadID)
}

func TestStart_EmptyCompletesImmediately(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	list, err := h.st.CreateLeadList(ctx, "empty")
	require.NoError(t, err)

	b := h.started(t, &list.ID)
	assert.Equal(t, model.BatchCompleted, b.Status)
	assert.Zero(t, b.TotalLeads)

	rep, err := h.orch.Process(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, rep.Completed)
	assert.Zero(t, h.en.Calls())
}

func TestLifecycleErrors(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	listID, _ := h.list(t, 2)

	draft, err := h.orch.CreateBatch(ctx, CreateInput{Name: "draft", ListID: &listID})
	require.NoError(t, err)
	_, err = h.orch.Process(ctx, draft.ID)
	var te *model.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "draft", te.Current)

	_, err = h.orch.Start(ctx, draft.ID)
	require.NoError(t, err)
	_, err = h.orch.Start(ctx, draft.ID)
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "running", te.Current)
	assert.Equal(t, "start", te.Action)

	_, err = h.orch.Start(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = h.orch.Process(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = h.orch.CreateBatch(ctx, CreateInput{})
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "name", ve.Fields[0].Field)
}

func TestProcess_SkipsLockedBatch(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	listID, _ := h.list(t, 2)
	b := h.started(t, &listID)

	unlock, err := h.locker.Lock(ctx, lock.Batch(b.ID))
	require.NoError(t, err)
	rep, err := h.orch.Process(ctx, b.ID)
	unlock()
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
	assert.Zero(t, h.en.Calls())
}

func TestProcess_TimeoutFailsItem(t *testing.T) {
	h := newHarness(t, Config{Timeout: 30 * time.Millisecond})
	h.en.block = true
	ctx := context.Background()
	listID, ids := h.list(t, 1)
	b := h.started(t, &listID)

	rep, err := h.orch.Process(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	got, err := h.orch.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchCompleted, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, ids[0], got.Errors[0].LeadID)
	assert.Contains(t, got.Errors[0].Error, "deadline exceeded")
	assert.Zero(t, got.TotalCostUSD)
}

func TestProcess_CancelledLeavesItemsPending(t *testing.T) {
	h := newHarness(t, Config{Timeout: time.Minute})
	h.en.block = true
	listID, ids := h.list(t, 2)
	b := h.started(t, &listID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	rep, err := h.orch.Process(ctx, b.ID)
	if err == nil {
		assert.Zero(t, rep.Processed)
	}

	items, err := h.orch.Items(context.Background(), b.ID)
	require.NoError(t, err)
	for _, it := range items {
		assert.Equal(t, model.ItemPending, it.Status)
	}
	got, err := h.orch.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchRunning, got.Status)
	assert.Zero(t, got.ProcessedLeads)

	// The interrupted leads are unresearched again, so another batch can take them.
	for _, id := range ids {
		lead, err := h.st.GetLead(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.ResearchNone, lead.ResearchStatus)
	}
	other := h.started(t, nil)
	assert.Equal(t, 2, other.TotalLeads)
}

func TestTick_ProcessesRunningBatches(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	listA, _ := h.list(t, 3)
	listB, idsB := h.list(t, 2)
	h.en.fail[idsB[0]] = true
	h.started(t, &listA)
	h.started(t, &listB)
	_, err := h.orch.CreateBatch(ctx, CreateInput{Name: "draft only"})
	require.NoError(t, err)

	rep, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Batches)
	assert.Equal(t, 5, rep.Processed)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 2, rep.Completed)
	assert.InDelta(t, 4*0.01, rep.CostUSD, 1e-6)

	rep, err = h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Batches)
}

func TestProcess_NoEnricher(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	listID, _ := h.list(t, 2)
	b := h.started(t, &listID)

	orch := NewOrchestrator(h.st, nil, h.locker, nil, Config{})
	_, err := orch.Process(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNoEnricher)

	rep, err := orch.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Batches)

	got, err := h.orch.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ProcessedLeads)
}
