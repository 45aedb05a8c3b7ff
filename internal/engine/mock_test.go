package engine

// In-memory fakes for the engine's collaborators. Each fake records the calls
// it received so tests can assert on the dispatcher's and poller's side
// effects without a database or network.

import (
	"context"
	"sync"
	"time"

	"github.com/opmsync-io/opmsync/internal/catalog"
	"github.com/opmsync-io/opmsync/internal/erp"
	"github.com/opmsync-io/opmsync/internal/queue"
)

type (
	markCall struct {
		id        int64
		status    queue.JobStatus
		result    *queue.ProcessingResult
		lastError string
	}

	retryCall struct {
		id        int64
		delay     time.Duration
		lastError string
	}

	fakeQueueStore struct {
		mu sync.Mutex

		enqueued         []*queue.SyncJob
		enqueueID        int64
		enqueueCalls     int
		enqueueDuplicate bool
		enqueueErr       error
		enqueueFailAt    int // 1-based call index that fails; 0 never

		claims   [][]*queue.SyncJob
		claimErr error

		marks   []markCall
		markErr error

		retries  []retryCall
		retryErr error

		stats     *queue.Stats
		breakdown map[queue.JobStatus]int
		healthErr error
	}
)

func (f *fakeQueueStore) Enqueue(_ context.Context, job *queue.SyncJob) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.enqueueCalls++

	if f.enqueueErr != nil && (f.enqueueFailAt == 0 || f.enqueueCalls == f.enqueueFailAt) {
		return 0, false, f.enqueueErr
	}

	if f.enqueueDuplicate {
		return 0, true, nil
	}

	f.enqueueID++
	f.enqueued = append(f.enqueued, job)

	return f.enqueueID, false, nil
}

func (f *fakeQueueStore) ClaimNext(_ context.Context, _ int) ([]*queue.SyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.claimErr != nil {
		return nil, f.claimErr
	}

	if len(f.claims) == 0 {
		return nil, nil
	}

	next := f.claims[0]
	f.claims = f.claims[1:]

	return next, nil
}

func (f *fakeQueueStore) Mark(
	_ context.Context,
	id int64,
	status queue.JobStatus,
	result *queue.ProcessingResult,
	lastError string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.markErr != nil {
		return f.markErr
	}

	f.marks = append(f.marks, markCall{id: id, status: status, result: result, lastError: lastError})

	return nil
}

func (f *fakeQueueStore) ScheduleRetry(_ context.Context, id int64, delay time.Duration, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.retryErr != nil {
		return f.retryErr
	}

	f.retries = append(f.retries, retryCall{id: id, delay: delay, lastError: lastError})

	return nil
}

func (f *fakeQueueStore) Job(_ context.Context, _ int64) (*queue.SyncJob, error) {
	return nil, queue.ErrJobNotFound
}

func (f *fakeQueueStore) Stats(_ context.Context, window time.Duration) (*queue.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stats != nil {
		return f.stats, nil
	}

	return &queue.Stats{Window: window}, nil
}

func (f *fakeQueueStore) StatusBreakdown(_ context.Context) (map[queue.JobStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.breakdown, nil
}

func (f *fakeQueueStore) RecentJobs(_ context.Context, _ queue.JobStatus, _ int) ([]*queue.SyncJob, error) {
	return nil, nil
}

func (f *fakeQueueStore) ReclaimStale(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeQueueStore) HealthCheck(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.healthErr
}

func (f *fakeQueueStore) markedStatuses() []queue.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	statuses := make([]queue.JobStatus, len(f.marks))
	for i, m := range f.marks {
		statuses[i] = m.status
	}

	return statuses
}

type fakeItemSyncStore struct {
	mu sync.Mutex

	upserts   []*queue.ItemSync
	upsertErr error
}

func (f *fakeItemSyncStore) Upsert(_ context.Context, state *queue.ItemSync) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.upsertErr != nil {
		return f.upsertErr
	}

	f.upserts = append(f.upserts, state)

	return nil
}

func (f *fakeItemSyncStore) Get(_ context.Context, _ int64) (*queue.ItemSync, error) {
	return nil, queue.ErrItemSyncNotFound
}

func (f *fakeItemSyncStore) RecordPricingUpdate(_ context.Context, _ int64, _ time.Time, _ string) error {
	return nil
}

// lastUpsert returns the most recent item sync write, nil when none happened.
func (f *fakeItemSyncStore) lastUpsert() *queue.ItemSync {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.upserts) == 0 {
		return nil
	}

	return f.upserts[len(f.upserts)-1]
}

type fakeChangeLog struct {
	mu sync.Mutex

	entries   []*queue.ChangeEntry
	appendErr error
}

func (f *fakeChangeLog) Append(_ context.Context, entry *queue.ChangeEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.appendErr != nil {
		return f.appendErr
	}

	f.entries = append(f.entries, entry)

	return nil
}

func (f *fakeChangeLog) RecentForItem(_ context.Context, _ int64, _ int) ([]*queue.ChangeEntry, error) {
	return nil, nil
}

type fakeGate struct{ enabled bool }

func (g *fakeGate) IsEnabled(_ context.Context) bool { return g.enabled }

type fakeCatalog struct {
	mu sync.Mutex

	identity    *catalog.ItemIdentity
	identityErr error

	extracted  *catalog.ExtractedItem
	extractErr error

	productItems []*catalog.ItemIdentity
	productErr   error

	modified      []*catalog.ItemIdentity
	modifiedErr   error
	modifiedCalls int
	lastSince     time.Time
}

func (f *fakeCatalog) Identity(_ context.Context, _ int64) (*catalog.ItemIdentity, error) {
	if f.identityErr != nil {
		return nil, f.identityErr
	}

	return f.identity, nil
}

func (f *fakeCatalog) Extract(_ context.Context, _ int64) (*catalog.ExtractedItem, error) {
	if f.extractErr != nil {
		return nil, f.extractErr
	}

	return f.extracted, nil
}

func (f *fakeCatalog) ItemsForProduct(_ context.Context, _ int64) ([]*catalog.ItemIdentity, error) {
	if f.productErr != nil {
		return nil, f.productErr
	}

	return f.productItems, nil
}

func (f *fakeCatalog) ModifiedSince(_ context.Context, since time.Time, _ int) ([]*catalog.ItemIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.modifiedCalls++
	f.lastSince = since

	if f.modifiedErr != nil {
		return nil, f.modifiedErr
	}

	return f.modified, nil
}

type fakeVendors struct{ mapping map[int64]int64 }

func (f *fakeVendors) ERPVendorID(_ context.Context, opmsVendorID int64) (int64, bool) {
	id, ok := f.mapping[opmsVendorID]

	return id, ok
}

type fakeUpserter struct {
	mu sync.Mutex

	calls       int
	lastPayload *erp.Payload
	lastEnv     string

	response *erp.UpsertResponse
	err      error
}

func (f *fakeUpserter) Upsert(_ context.Context, payload *erp.Payload, envOverride string) (*erp.UpsertResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.lastPayload = payload
	f.lastEnv = envOverride

	if f.err != nil {
		return nil, f.err
	}

	return f.response, nil
}

type fakeFeed struct {
	mu sync.Mutex

	outcomes []*JobOutcome
	err      error
}

func (f *fakeFeed) PublishOutcome(_ context.Context, outcome *JobOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.outcomes = append(f.outcomes, outcome)

	return nil
}

type fakeTriggerChecker struct {
	installed map[string]bool
	err       error
}

func (f *fakeTriggerChecker) InstalledTriggers(_ context.Context, names ...string) (map[string]bool, error) {
	if f.err != nil {
		return nil, f.err
	}

	if f.installed != nil {
		return f.installed, nil
	}

	all := make(map[string]bool, len(names))
	for _, name := range names {
		all[name] = true
	}

	return all, nil
}

type fakeDryRunStore struct {
	mu sync.Mutex

	saved   []*DryRunRecord
	saveErr error
}

func (f *fakeDryRunStore) Save(_ context.Context, record *DryRunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.saveErr != nil {
		return f.saveErr
	}

	f.saved = append(f.saved, record)

	return nil
}

// testEngineConfig returns a config with intervals short enough for tests and
// a rate limit wide enough to never block.
func testEngineConfig() *Config {
	return &Config{
		DispatchInterval: 10 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
		PollBatchSize:    100,
		LeaseTTL:         time.Minute,
		HealthInterval:   10 * time.Millisecond,
		GraceWindow:      time.Second,
		MaxRestarts:      3,
		WindowLimit:      1000,
		Window:           time.Second,
		MinSpacing:       0,
		Retry:            RetryPolicy{Base: time.Millisecond, Cap: 8 * time.Millisecond, RetrySemantic: true},
	}
}

// testIdentity returns a syncable item identity.
func testIdentity() *catalog.ItemIdentity {
	return &catalog.ItemIdentity{
		ItemID:       4711,
		ProductID:    210,
		Code:         "1354-6543",
		ProductType:  "R",
		DateModified: time.Now().UTC(),
	}
}

// testExtraction returns a buildable extraction for item 4711.
func testExtraction() *catalog.ExtractedItem {
	width := 54.0

	return &catalog.ExtractedItem{
		ItemID:      4711,
		ItemCode:    "1354-6543",
		ProductID:   210,
		ProductType: "R",
		ProductName: "Brighton Jacquard",
		Width:       &width,
		VendorID:    9,
		VendorName:  "Mills & Co",
		UPCCode:     "812345678901",
		Colors:      "Indigo, Slate",
		Origin:      "Belgium",
		Prop65:      "N",
		AB2998:      "Y",
		ContentFront: catalog.AuxResult{
			Value: "55% Cotton, 45% Rayon",
		},
		ExtractedAt: time.Now().UTC(),
	}
}

// testJob returns a claimed trigger job for item 4711.
func testJob() *queue.SyncJob {
	now := time.Now().UTC()
	started := now

	return &queue.SyncJob{
		ID:        1,
		ItemID:    4711,
		ProductID: 210,
		EventType: queue.EventTypeUpdate,
		EventData: queue.EventData{
			Source:   queue.SourceTrigger,
			LiveSync: true,
		},
		Priority:    queue.PriorityNormal,
		Status:      queue.JobStatusProcessing,
		MaxRetries:  queue.DefaultMaxRetries,
		ScheduledAt: now,
		CreatedAt:   now,
		StartedAt:   &started,
	}
}
