package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opmsync-io/opmsync/internal/catalog"
	"github.com/opmsync-io/opmsync/internal/erp"
	"github.com/opmsync-io/opmsync/internal/queue"
)

// dispatcherFixture wires a dispatcher to fakes preloaded with a syncable
// item that upserts successfully. Tests break individual collaborators.
type dispatcherFixture struct {
	store   *fakeQueueStore
	items   *fakeItemSyncStore
	gate    *fakeGate
	catalog *fakeCatalog
	vendors *fakeVendors
	client  *fakeUpserter
	feed    *fakeFeed

	dispatcher *Dispatcher
}

func newDispatcherFixture(t *testing.T, cfg *Config) *dispatcherFixture {
	t.Helper()

	if cfg == nil {
		cfg = testEngineConfig()
	}

	f := &dispatcherFixture{
		store:   &fakeQueueStore{},
		items:   &fakeItemSyncStore{},
		gate:    &fakeGate{enabled: true},
		catalog: &fakeCatalog{identity: testIdentity(), extracted: testExtraction()},
		vendors: &fakeVendors{mapping: map[int64]int64{9: 501}},
		client:  &fakeUpserter{response: &erp.UpsertResponse{InternalID: "87231", Operation: "update"}},
		feed:    &fakeFeed{},
	}

	dispatcher, err := NewDispatcher(DispatcherDeps{
		Queue:   f.store,
		Items:   f.items,
		Gate:    f.gate,
		Catalog: f.catalog,
		Vendors: f.vendors,
		Builder: erp.NewBuilder(""),
		Client:  f.client,
		Feed:    f.feed,
	}, cfg)
	require.NoError(t, err, "Fixture dispatcher should construct")

	f.dispatcher = dispatcher

	return f
}

func TestNewDispatcher_Validation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := func() DispatcherDeps {
		return DispatcherDeps{
			Queue:   &fakeQueueStore{},
			Items:   &fakeItemSyncStore{},
			Gate:    &fakeGate{enabled: true},
			Catalog: &fakeCatalog{},
			Vendors: &fakeVendors{},
			Builder: erp.NewBuilder(""),
			Client:  &fakeUpserter{},
		}
	}

	t.Run("NilConfig", func(t *testing.T) {
		_, err := NewDispatcher(valid(), nil)

		assert.Error(t, err)
		assert.True(t, errors.Is(err, ErrMissingDependency), "Should return ErrMissingDependency") //nolint:testifylint
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		cfg := testEngineConfig()
		cfg.WindowLimit = 0

		_, err := NewDispatcher(valid(), cfg)

		assert.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidEngineConfig), "Should return ErrInvalidEngineConfig") //nolint:testifylint
	})

	t.Run("MissingCollaborators", func(t *testing.T) {
		breaks := map[string]func(*DispatcherDeps){
			"queue":   func(d *DispatcherDeps) { d.Queue = nil },
			"items":   func(d *DispatcherDeps) { d.Items = nil },
			"gate":    func(d *DispatcherDeps) { d.Gate = nil },
			"catalog": func(d *DispatcherDeps) { d.Catalog = nil },
			"vendors": func(d *DispatcherDeps) { d.Vendors = nil },
			"builder": func(d *DispatcherDeps) { d.Builder = nil },
			"client":  func(d *DispatcherDeps) { d.Client = nil },
		}

		for name, breakDep := range breaks {
			deps := valid()
			breakDep(&deps)

			_, err := NewDispatcher(deps, testEngineConfig())
			assert.True(t, errors.Is(err, ErrMissingDependency), "Missing %s should return ErrMissingDependency", name) //nolint:testifylint
		}
	})

	t.Run("FeedIsOptional", func(t *testing.T) {
		deps := valid()
		deps.Feed = nil

		_, err := NewDispatcher(deps, testEngineConfig())

		assert.NoError(t, err, "Feed should be optional")
	})
}

func TestDispatcher_GateDisabledFailsJob(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newDispatcherFixture(t, nil)
	f.gate.enabled = false

	f.dispatcher.resolve(context.Background(), testJob())

	require.Len(t, f.store.marks, 1, "Job should be marked")
	mark := f.store.marks[0]
	assert.Equal(t, queue.JobStatusFailed, mark.status)
	assert.Equal(t, disabledMessage, mark.lastError)
	assert.Equal(t, queue.OutcomeFailed, mark.result.Outcome)

	// A gate rejection says nothing about the item; its record stays as-is.
	assert.Empty(t, f.items.upserts, "Item sync record should not be touched")
	assert.Equal(t, 0, f.client.calls, "No network call should happen")

	require.Len(t, f.feed.outcomes, 1, "Outcome should be published")
	assert.Equal(t, queue.OutcomeFailed, f.feed.outcomes[0].Outcome)
	assert.Equal(t, disabledMessage, f.feed.outcomes[0].Error)
}

func TestDispatcher_OverrideBypassesDisabledGate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newDispatcherFixture(t, nil)
	f.gate.enabled = false

	job := testJob()
	job.EventData.Source = queue.SourceManualItem
	job.EventData.TriggeredBy = "ops@example.com"
	job.EventData.Override = true

	f.dispatcher.resolve(context.Background(), job)

	assert.Equal(t, 1, f.client.calls, "Override should reach the ERP despite the gate")

	require.Len(t, f.store.marks, 1)
	assert.Equal(t, queue.JobStatusCompleted, f.store.marks[0].status)
	assert.Equal(t, queue.OutcomeSynced, f.store.marks[0].result.Outcome)
}

func TestDispatcher_DigitalItemNeverSyncs(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newDispatcherFixture(t, nil)
	f.catalog.identity.ProductType = "D"

	// Even a manual override cannot push a digital item.
	job := testJob()
	job.EventData.Source = queue.SourceManualItem
	job.EventData.Override = true

	f.dispatcher.resolve(context.Background(), job)

	require.Len(t, f.store.marks, 1)
	mark := f.store.marks[0]
	assert.Equal(t, queue.JobStatusCompleted, mark.status)
	assert.Equal(t, queue.OutcomeSkipped, mark.result.Outcome)
	assert.Equal(t, catalog.ReasonDigitalItem, mark.result.SkipReason)

	assert.Equal(t, 0, f.client.calls, "Digital items must never reach the ERP")

	last := f.items.lastUpsert()
	require.NotNil(t, last)
	assert.Equal(t, queue.ItemStatusSkipped, last.Status)
	assert.Equal(t, catalog.ReasonDigitalItem, last.LastError)
}

func TestDispatcher_NotSyncableSkipsWithReason(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newDispatcherFixture(t, nil)
	f.catalog.identityErr = fmt.Errorf("%w: %s", catalog.ErrItemNotSyncable, catalog.ReasonProductArchived)

	f.dispatcher.resolve(context.Background(), testJob())

	require.Len(t, f.store.marks, 1)
	mark := f.store.marks[0]
	assert.Equal(t, queue.JobStatusCompleted, mark.status)
	assert.Equal(t, queue.OutcomeSkipped, mark.result.Outcome)
	assert.Equal(t, catalog.ReasonProductArchived, mark.result.SkipReason)

	assert.Empty(t, f.store.retries, "Eligibility skips are not retried")
	assert.Equal(t, 0, f.client.calls)
}

func TestDispatcher_ExtractionFailureRetries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newDispatcherFixture(t, nil)
	f.catalog.extractErr = fmt.Errorf("%w: connection reset", catalog.ErrExtractionFailed)

	f.dispatcher.resolve(context.Background(), testJob())

	require.Len(t, f.store.retries, 1, "Transient failure should schedule a retry")
	retry := f.store.retries[0]
	assert.Equal(t, int64(1), retry.id)
	assert.Equal(t, f.dispatcher.retry.Delay(1), retry.delay)
	assert.Contains(t, retry.lastError, "connection reset")

	assert.Empty(t, f.store.marks, "Retried jobs are not marked terminal")
	assert.Empty(t, f.feed.outcomes, "Non-terminal attempts publish nothing")
}

func TestDispatcher_TransformationFailurePermanent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newDispatcherFixture(t, nil)
	f.catalog.extracted = &catalog.ExtractedItem{ItemID: 4711} // no code, no product

	f.dispatcher.resolve(context.Background(), testJob())

	require.Len(t, f.store.marks, 1)
	mark := f.store.marks[0]
	assert.Equal(t, queue.JobStatusFailed, mark.status)
	assert.Equal(t, queue.OutcomeFailed, mark.result.Outcome)

	assert.Empty(t, f.store.retries, "Payload construction failures never retry")

	last := f.items.lastUpsert()
	require.NotNil(t, last)
	assert.Equal(t, queue.ItemStatusFailed, last.Status)
	assert.Contains(t, last.LastError, permanentFailurePrefix)
}

func TestDispatcher_NoLiveSyncStopsBeforeNetwork(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newDispatcherFixture(t, nil)

	job := testJob()
	job.EventData.LiveSync = false

	f.dispatcher.resolve(context.Background(), job)

	assert.Equal(t, 0, f.client.calls, "No-live jobs must not call the ERP")

	require.Len(t, f.store.marks, 1)
	mark := f.store.marks[0]
	assert.Equal(t, queue.JobStatusCompleted, mark.status)
	assert.Equal(t, queue.OutcomeSkipped, mark.result.Outcome)
	assert.Equal(t, liveSyncOffReason, mark.result.SkipReason)

	// The pipeline ran through payload building, so the field classification
	// still lands on the item record.
	last := f.items.lastUpsert()
	require.NotNil(t, last)
	assert.Equal(t, queue.ItemStatusSkipped, last.Status)
	assert.NotEmpty(t, last.ValidationSummary, "Validation counts should be recorded")
	assert.Positive(t, last.ValidationSummary["has_data"])
}

func TestDispatcher_SyncedJobRecordsResponse(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newDispatcherFixture(t, nil)

	job := testJob()
	job.EventData.Environment = "sandbox"

	f.dispatcher.resolve(context.Background(), job)

	require.Equal(t, 1, f.client.calls)
	assert.Equal(t, "sandbox", f.client.lastEnv, "Per-job environment override should route the call")
	require.NotNil(t, f.client.lastPayload)
	assert.Equal(t, "1354-6543", f.client.lastPayload.ItemID)
	require.NotNil(t, f.client.lastPayload.Vendor, "Mapped vendor should be on the payload")
	assert.Equal(t, int64(501), *f.client.lastPayload.Vendor)

	require.Len(t, f.store.marks, 1)
	mark := f.store.marks[0]
	assert.Equal(t, queue.JobStatusCompleted, mark.status)
	assert.Equal(t, queue.OutcomeSynced, mark.result.Outcome)
	assert.Equal(t, "87231", mark.result.ERPInternalID)
	assert.Equal(t, "update", mark.result.Operation)
	assert.Equal(t, 1, mark.result.Attempts)

	last := f.items.lastUpsert()
	require.NotNil(t, last)
	assert.Equal(t, queue.ItemStatusSuccess, last.Status)
	assert.Equal(t, "87231", last.ERPItemID)
	assert.Empty(t, last.LastError)

	require.Len(t, f.feed.outcomes, 1)
	outcome := f.feed.outcomes[0]
	assert.Equal(t, queue.OutcomeSynced, outcome.Outcome)
	assert.Equal(t, "87231", outcome.ERPInternalID)
	assert.Equal(t, int64(4711), outcome.ItemID)

	assert.Equal(t, 1, f.dispatcher.InWindow(), "The upsert should occupy a rate slot")
}

func TestDispatcher_InProgressStampPrecedesAttempt(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newDispatcherFixture(t, nil)

	f.dispatcher.resolve(context.Background(), testJob())

	require.GreaterOrEqual(t, len(f.items.upserts), 2)
	assert.Equal(t, queue.ItemStatusInProgress, f.items.upserts[0].Status,
		"First item write should stamp the attempt in progress")
	assert.Equal(t, queue.ItemStatusSuccess, f.items.upserts[len(f.items.upserts)-1].Status)
}

func TestDispatcher_UnmappedVendorOmitted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newDispatcherFixture(t, nil)
	f.vendors.mapping = nil

	f.dispatcher.resolve(context.Background(), testJob())

	require.Equal(t, 1, f.client.calls)
	require.NotNil(t, f.client.lastPayload)
	assert.Nil(t, f.client.lastPayload.Vendor, "Unmapped vendor should be omitted, not zeroed")
}

func TestDispatcher_TransportFailureSchedulesRetry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newDispatcherFixture(t, nil)
	f.client.err = fmt.Errorf("%w: status 503", erp.ErrTransportFailure)

	job := testJob()
	job.RetryCount = 1

	f.dispatcher.resolve(context.Background(), job)

	require.Len(t, f.store.retries, 1)
	retry := f.store.retries[0]
	assert.Equal(t, f.dispatcher.retry.Delay(2), retry.delay, "Second attempt should use the doubled delay")
	assert.Contains(t, retry.lastError, "503")

	assert.Empty(t, f.store.marks)
}

func TestDispatcher_RetriesExhaustedFailPermanently(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newDispatcherFixture(t, nil)
	f.client.err = fmt.Errorf("%w: status 503", erp.ErrTransportFailure)

	job := testJob()
	job.RetryCount = job.MaxRetries

	f.dispatcher.resolve(context.Background(), job)

	assert.Empty(t, f.store.retries, "Exhausted budget should not schedule another retry")

	require.Len(t, f.store.marks, 1)
	mark := f.store.marks[0]
	assert.Equal(t, queue.JobStatusFailed, mark.status)
	assert.Equal(t, job.MaxRetries+1, mark.result.Attempts)

	last := f.items.lastUpsert()
	require.NotNil(t, last)
	assert.Equal(t, queue.ItemStatusFailed, last.Status)
	assert.Contains(t, last.LastError, permanentFailurePrefix)

	require.Len(t, f.feed.outcomes, 1)
	assert.Equal(t, queue.OutcomeFailed, f.feed.outcomes[0].Outcome)
}

func TestDispatcher_SemanticRejectionFollowsPolicy(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rejection := fmt.Errorf("%w: record locked", erp.ErrSemanticRejection)

	t.Run("RetriedByDefault", func(t *testing.T) {
		f := newDispatcherFixture(t, nil)
		f.client.err = rejection

		f.dispatcher.resolve(context.Background(), testJob())

		assert.Len(t, f.store.retries, 1, "Semantic rejection should retry under the default policy")
		assert.Empty(t, f.store.marks)
	})

	t.Run("PermanentWhenDisabled", func(t *testing.T) {
		cfg := testEngineConfig()
		cfg.Retry.RetrySemantic = false

		f := newDispatcherFixture(t, cfg)
		f.client.err = rejection

		f.dispatcher.resolve(context.Background(), testJob())

		assert.Empty(t, f.store.retries)
		require.Len(t, f.store.marks, 1)
		assert.Equal(t, queue.JobStatusFailed, f.store.marks[0].status)
	})
}

func TestDispatcher_LostLeaseMarkTolerated(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newDispatcherFixture(t, nil)
	f.store.markErr = queue.ErrJobNotFound

	// Must not panic; the reclaimed job will rerun and the upsert is
	// idempotent on the ERP side.
	f.dispatcher.resolve(context.Background(), testJob())

	require.Len(t, f.feed.outcomes, 1, "Outcome publishing should still happen")
	assert.Equal(t, queue.OutcomeSynced, f.feed.outcomes[0].Outcome)
}

func TestDispatcher_DrainProcessesUntilEmpty(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newDispatcherFixture(t, nil)

	first := testJob()
	second := testJob()
	second.ID = 2
	second.ItemID = 4712

	f.store.claims = [][]*queue.SyncJob{{first}, {second}}

	assert.True(t, f.dispatcher.LastTick().IsZero(), "LastTick should be zero before any work")

	f.dispatcher.drain(context.Background())

	assert.Len(t, f.store.marks, 2, "Both claimed jobs should resolve")
	assert.Equal(t, 2, f.client.calls)
	assert.False(t, f.dispatcher.LastTick().IsZero(), "Drain should stamp liveness per job")
}

func TestDispatcher_DrainStopsOnClaimError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newDispatcherFixture(t, nil)
	f.store.claimErr = errors.New("connection refused")

	f.dispatcher.drain(context.Background())

	assert.Empty(t, f.store.marks)
	assert.Equal(t, 0, f.client.calls)
}

func TestDispatcher_PauseResume(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newDispatcherFixture(t, nil)

	assert.False(t, f.dispatcher.Paused())

	f.dispatcher.Pause()
	assert.True(t, f.dispatcher.Paused())

	f.dispatcher.Resume()
	assert.False(t, f.dispatcher.Paused())
}

func TestDispatcher_RunStopsOnContextCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timing test in short mode")
	}

	f := newDispatcherFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.dispatcher.Run(ctx)
	}()

	// Let at least one tick fire, then stop.
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after context cancellation")
	}

	assert.False(t, f.dispatcher.LastTick().IsZero(), "Ticks should have fired while running")
}
