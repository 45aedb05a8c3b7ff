package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opmsync-io/opmsync/internal/erp"
	"github.com/opmsync-io/opmsync/internal/queue"
)

type supervisorFixture struct {
	store    *fakeQueueStore
	items    *fakeItemSyncStore
	changes  *fakeChangeLog
	gate     *fakeGate
	catalog  *fakeCatalog
	vendors  *fakeVendors
	client   *fakeUpserter
	feed     *fakeFeed
	triggers *fakeTriggerChecker

	supervisor *Supervisor
}

func newSupervisorFixture(t *testing.T, cfg *Config) *supervisorFixture {
	t.Helper()

	if cfg == nil {
		cfg = testEngineConfig()
		// Slow the loops so the staleness check stays inert while tests
		// assert on health snapshots.
		cfg.DispatchInterval = time.Second
		cfg.PollInterval = time.Second
		cfg.HealthInterval = time.Second
	}

	f := &supervisorFixture{
		store:    &fakeQueueStore{},
		items:    &fakeItemSyncStore{},
		changes:  &fakeChangeLog{},
		gate:     &fakeGate{enabled: true},
		catalog:  &fakeCatalog{identity: testIdentity(), extracted: testExtraction()},
		vendors:  &fakeVendors{},
		client:   &fakeUpserter{response: &erp.UpsertResponse{InternalID: "87231", Operation: "update"}},
		feed:     &fakeFeed{},
		triggers: &fakeTriggerChecker{},
	}

	supervisor, err := NewSupervisor(SupervisorDeps{
		Queue:    f.store,
		Items:    f.items,
		Changes:  f.changes,
		Gate:     f.gate,
		Catalog:  f.catalog,
		Vendors:  f.vendors,
		Builder:  erp.NewBuilder(""),
		Client:   f.client,
		Feed:     f.feed,
		Triggers: f.triggers,
	}, cfg)
	require.NoError(t, err, "Fixture supervisor should construct")

	f.supervisor = supervisor

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = f.supervisor.Stop(stopCtx)
	})

	return f
}

func TestNewSupervisor_Validation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := func() SupervisorDeps {
		return SupervisorDeps{
			Queue:    &fakeQueueStore{},
			Items:    &fakeItemSyncStore{},
			Changes:  &fakeChangeLog{},
			Gate:     &fakeGate{enabled: true},
			Catalog:  &fakeCatalog{},
			Vendors:  &fakeVendors{},
			Builder:  erp.NewBuilder(""),
			Client:   &fakeUpserter{},
			Triggers: &fakeTriggerChecker{},
		}
	}

	t.Run("NilConfig", func(t *testing.T) {
		_, err := NewSupervisor(valid(), nil)

		assert.True(t, errors.Is(err, ErrMissingDependency), "Should return ErrMissingDependency") //nolint:testifylint
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		cfg := testEngineConfig()
		cfg.Retry.Base = 0

		_, err := NewSupervisor(valid(), cfg)

		assert.True(t, errors.Is(err, ErrInvalidEngineConfig), "Should return ErrInvalidEngineConfig") //nolint:testifylint
	})

	t.Run("MissingComponentDependency", func(t *testing.T) {
		deps := valid()
		deps.Queue = nil

		_, err := NewSupervisor(deps, testEngineConfig())
		assert.True(t, errors.Is(err, ErrMissingDependency), "Should return ErrMissingDependency") //nolint:testifylint

		deps = valid()
		deps.Triggers = nil

		_, err = NewSupervisor(deps, testEngineConfig())
		assert.True(t, errors.Is(err, ErrMissingDependency), "Should return ErrMissingDependency") //nolint:testifylint
	})
}

func TestSupervisor_StartStop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping lifecycle test in short mode")
	}

	f := newSupervisorFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.supervisor.Start(ctx))

	assert.ErrorIs(t, f.supervisor.Start(ctx), ErrSupervisorStarted, "Second start should be rejected")

	snapshot := f.supervisor.Health(ctx)
	assert.Positive(t, snapshot.Uptime)
	assert.Equal(t, componentRunning, snapshot.Components[componentDispatcher].State)
	assert.Equal(t, componentRunning, snapshot.Components[componentPoller].State)
	assert.Equal(t, componentRunning, snapshot.Components[componentHealth].State)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	require.NoError(t, f.supervisor.Stop(stopCtx))

	snapshot = f.supervisor.Health(ctx)
	assert.Equal(t, componentStopped, snapshot.Components[componentDispatcher].State)
	assert.Equal(t, componentStopped, snapshot.Components[componentPoller].State)
}

func TestSupervisor_StopWithoutStart(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newSupervisorFixture(t, nil)

	assert.NoError(t, f.supervisor.Stop(context.Background()), "Stopping a never-started engine is a no-op")
}

func TestSupervisor_StartVerifiesTriggers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping lifecycle test in short mode")
	}

	f := newSupervisorFixture(t, nil)
	f.triggers.installed = map[string]bool{
		ItemTriggerName:    true,
		ProductTriggerName: false,
	}

	require.NoError(t, f.supervisor.Start(context.Background()))

	cached := f.supervisor.Health(context.Background()).Triggers
	assert.False(t, cached.CheckedAt.IsZero(), "Start should run a trigger verification")
	assert.Equal(t, []string{ProductTriggerName}, cached.Missing())
}

func TestSupervisor_PauseResume(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping lifecycle test in short mode")
	}

	f := newSupervisorFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.supervisor.Start(ctx))

	f.supervisor.Pause()
	assert.True(t, f.supervisor.Paused())

	snapshot := f.supervisor.Health(ctx)
	assert.Equal(t, HealthDegraded, snapshot.Status, "A paused engine is degraded, not unhealthy")
	assert.True(t, snapshot.Paused)
	assert.Equal(t, componentPaused, snapshot.Components[componentDispatcher].State)
	assert.Equal(t, componentPaused, snapshot.Components[componentPoller].State)
	assert.Equal(t, componentRunning, snapshot.Components[componentHealth].State,
		"The health monitor itself keeps running through a pause")
	assert.Contains(t, snapshot.Problems, "processing paused by operator")

	f.supervisor.Resume()
	assert.False(t, f.supervisor.Paused())

	snapshot = f.supervisor.Health(ctx)
	assert.Equal(t, HealthHealthy, snapshot.Status)
	assert.Equal(t, componentRunning, snapshot.Components[componentDispatcher].State)
}

func TestSupervisor_HealthHealthyWhenRunning(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping lifecycle test in short mode")
	}

	f := newSupervisorFixture(t, nil)
	f.store.breakdown = map[queue.JobStatus]int{queue.JobStatusPending: 2}
	ctx := context.Background()

	require.NoError(t, f.supervisor.Start(ctx))

	snapshot := f.supervisor.Health(ctx)

	assert.Equal(t, HealthHealthy, snapshot.Status)
	assert.Empty(t, snapshot.Problems)
	assert.True(t, snapshot.SyncEnabled)
	assert.True(t, snapshot.Triggers.AllInstalled())
	assert.Equal(t, 2, snapshot.Breakdown[queue.JobStatusPending])
	require.NotNil(t, snapshot.Queue)
	assert.Equal(t, statsWindow, snapshot.Queue.Window)
	assert.False(t, snapshot.CheckedAt.IsZero())
}

func TestSupervisor_HealthUnhealthyWhenDatabaseDown(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newSupervisorFixture(t, nil)
	f.store.healthErr = errors.New("connection refused")

	snapshot := f.supervisor.Health(context.Background())

	assert.Equal(t, HealthUnhealthy, snapshot.Status)
	require.NotEmpty(t, snapshot.Problems)
	assert.Contains(t, snapshot.Problems[0], "database")
	assert.Nil(t, snapshot.Queue, "No stats are collected from a down database")
}

func TestSupervisor_HealthBeforeStart(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newSupervisorFixture(t, nil)

	snapshot := f.supervisor.Health(context.Background())

	// Triggers were never verified, so detection coverage is unknown.
	assert.Equal(t, HealthDegraded, snapshot.Status)
	assert.Zero(t, snapshot.Uptime)
	assert.Equal(t, componentStopped, snapshot.Components[componentDispatcher].State)
}

func TestSupervisor_ComponentRestartBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping lifecycle test in short mode")
	}

	cfg := testEngineConfig()
	cfg.MaxRestarts = 0

	f := newSupervisorFixture(t, cfg)
	ctx := context.Background()

	f.supervisor.launch(ctx, componentDispatcher, func(context.Context) {
		panic("boom")
	})

	require.Eventually(t, func() bool {
		state, _ := f.supervisor.components[componentDispatcher].get()

		return state == componentFailed
	}, 2*time.Second, 10*time.Millisecond, "A zero budget should fail the component on the first panic")

	snapshot := f.supervisor.Health(ctx)
	assert.Equal(t, HealthUnhealthy, snapshot.Status)
	assert.Contains(t, snapshot.Problems, componentDispatcher+" exhausted its restart budget")
}

func TestSupervisor_ComponentNormalReturnStops(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping lifecycle test in short mode")
	}

	f := newSupervisorFixture(t, nil)

	f.supervisor.launch(context.Background(), componentPoller, func(context.Context) {})

	require.Eventually(t, func() bool {
		state, restarts := f.supervisor.components[componentPoller].get()

		return state == componentStopped && restarts == 0
	}, 2*time.Second, 10*time.Millisecond, "A clean return should not be treated as a panic")
}

func TestSupervisor_RunGuarded(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newSupervisorFixture(t, nil)
	ctx := context.Background()

	assert.True(t, f.supervisor.runGuarded(ctx, "test", func(context.Context) { panic("boom") }),
		"A panic should be reported")
	assert.False(t, f.supervisor.runGuarded(ctx, "test", func(context.Context) {}),
		"A clean return should not")
}

func TestSupervisor_PollerWatermark(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newSupervisorFixture(t, nil)

	assert.False(t, f.supervisor.PollerWatermark().IsZero(),
		"The watermark starts at process start, not at zero")
}
