package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/opmsync-io/opmsync/internal/config"
	"github.com/opmsync-io/opmsync/internal/erp"
	"github.com/opmsync-io/opmsync/internal/queue"
)

// Supervisor sentinel errors.
var (
	// ErrSupervisorStarted indicates Start was called twice.
	ErrSupervisorStarted = errors.New("supervisor already started")

	// ErrShutdownTimeout indicates components did not stop within the grace
	// window.
	ErrShutdownTimeout = errors.New("shutdown grace window expired")
)

// Component names used in logs and health output.
const (
	componentDispatcher = "dispatcher"
	componentPoller     = "poller"
	componentHealth     = "health-monitor"
)

// Component states.
const (
	componentRunning = "running"
	componentPaused  = "paused"
	componentStopped = "stopped"
	componentFailed  = "failed"
)

// Overall health statuses.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// healthCheckTimeout bounds the database probes inside one health evaluation.
const healthCheckTimeout = 5 * time.Second

// statsWindow is the trailing interval health snapshots report throughput for.
const statsWindow = time.Hour

type (
	// SupervisorDeps bundles everything the engine components need. Feed is
	// optional; the rest is required.
	SupervisorDeps struct {
		Queue    queue.Store
		Items    queue.ItemSyncStore
		Changes  queue.ChangeLogStore
		Gate     Gate
		Catalog  Catalog
		Vendors  VendorResolver
		Builder  *erp.Builder
		Client   Upserter
		Feed     OutcomePublisher
		Triggers TriggerChecker
	}

	// Supervisor owns the engine's long-running components: it starts them,
	// restarts them after panics within a bounded budget, pauses and resumes
	// processing, and evaluates health.
	Supervisor struct {
		cfg        *Config
		dispatcher *Dispatcher
		poller     *Poller
		verifier   *TriggerVerifier
		queue      queue.Store
		gate       Gate
		logger     *slog.Logger

		mu        sync.Mutex
		cancel    context.CancelFunc
		started   bool
		startedAt time.Time

		wg         sync.WaitGroup
		components map[string]*componentState
	}

	// ComponentHealth is one component's state in a health snapshot.
	ComponentHealth struct {
		State    string
		Restarts int
		LastTick time.Time
	}

	// HealthSnapshot is one health evaluation.
	HealthSnapshot struct {
		Status       string
		SyncEnabled  bool
		Paused       bool
		Components   map[string]ComponentHealth
		Queue        *queue.Stats
		Breakdown    map[queue.JobStatus]int
		Triggers     TriggerStatus
		RateInWindow int
		Uptime       time.Duration
		Problems     []string
		CheckedAt    time.Time
	}

	componentState struct {
		mu       sync.Mutex
		state    string
		restarts int
	}
)

// NewSupervisor builds the engine components from shared dependencies.
func NewSupervisor(deps SupervisorDeps, cfg *Config) (*Supervisor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config", ErrMissingDependency)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dispatcher, err := NewDispatcher(DispatcherDeps{
		Queue:   deps.Queue,
		Items:   deps.Items,
		Gate:    deps.Gate,
		Catalog: deps.Catalog,
		Vendors: deps.Vendors,
		Builder: deps.Builder,
		Client:  deps.Client,
		Feed:    deps.Feed,
	}, cfg)
	if err != nil {
		return nil, err
	}

	poller, err := NewPoller(PollerDeps{
		Queue:   deps.Queue,
		Changes: deps.Changes,
		Gate:    deps.Gate,
		Catalog: deps.Catalog,
	}, cfg, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	verifier, err := NewTriggerVerifier(deps.Triggers)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	})).With(slog.String("component", "supervisor"))

	return &Supervisor{
		cfg:        cfg,
		dispatcher: dispatcher,
		poller:     poller,
		verifier:   verifier,
		queue:      deps.Queue,
		gate:       deps.Gate,
		logger:     logger,
		components: map[string]*componentState{
			componentDispatcher: {state: componentStopped},
			componentPoller:     {state: componentStopped},
			componentHealth:     {state: componentStopped},
		},
	}, nil
}

// Start verifies the change-capture triggers and launches the components.
// The passed context covers startup work only; components run until Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrSupervisorStarted
	}

	// Missing triggers degrade detection to the poller; they do not block
	// startup. The health evaluation keeps reporting them.
	if _, err := s.verifier.Verify(ctx); err != nil {
		s.logger.Warn("trigger verification failed at startup", slog.String("error", err.Error()))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true
	s.startedAt = time.Now().UTC()

	s.launch(runCtx, componentDispatcher, s.dispatcher.Run)
	s.launch(runCtx, componentPoller, s.poller.Run)
	s.launch(runCtx, componentHealth, s.healthLoop)

	s.logger.Info("engine started",
		slog.Duration("dispatch_interval", s.cfg.DispatchInterval),
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Int("max_component_restarts", s.cfg.MaxRestarts),
	)

	return nil
}

// Stop cancels the components and waits for them within the context.
// A timeout abandons in-flight work to lease reclaim.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	s.cancel = nil
	s.started = false
	s.mu.Unlock()

	if !started || cancel == nil {
		return nil
	}

	s.logger.Info("engine stopping")
	cancel()

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("engine stopped")

		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: in-flight work left to lease reclaim", ErrShutdownTimeout)
	}
}

// Pause suspends the dispatcher and poller without touching the config gate.
// Claimed work finishes; nothing new is claimed or swept.
func (s *Supervisor) Pause() {
	s.dispatcher.Pause()
	s.poller.Pause()
	s.logger.Warn("sync processing paused")
}

// Resume lifts a pause.
func (s *Supervisor) Resume() {
	s.dispatcher.Resume()
	s.poller.Resume()
	s.logger.Info("sync processing resumed")
}

// Paused reports whether processing is suspended.
func (s *Supervisor) Paused() bool {
	return s.dispatcher.Paused()
}

// VerifyTriggers re-checks trigger presence on demand.
func (s *Supervisor) VerifyTriggers(ctx context.Context) (TriggerStatus, error) {
	return s.verifier.Verify(ctx)
}

// PollerWatermark exposes the poller's watermark for status reporting.
func (s *Supervisor) PollerWatermark() time.Time {
	return s.poller.Watermark()
}

// Health evaluates the engine's current health.
func (s *Supervisor) Health(ctx context.Context) *HealthSnapshot {
	checkCtx, cancelCheck := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancelCheck()

	snapshot := &HealthSnapshot{
		Status:       HealthHealthy,
		Paused:       s.Paused(),
		Components:   make(map[string]ComponentHealth, len(s.components)),
		Triggers:     s.verifier.Last(),
		RateInWindow: s.dispatcher.InWindow(),
		CheckedAt:    time.Now().UTC(),
	}

	s.mu.Lock()
	started := s.started
	if started {
		snapshot.Uptime = time.Since(s.startedAt)
	}
	s.mu.Unlock()

	snapshot.SyncEnabled = s.gate.IsEnabled(checkCtx)

	s.collectComponents(snapshot)
	s.collectQueue(checkCtx, snapshot)

	if started {
		s.collectStaleness(snapshot)
	}

	if !snapshot.Triggers.AllInstalled() {
		snapshot.degrade("change-capture triggers missing: detection relies on the poller")
	}

	if snapshot.Paused {
		snapshot.degrade("processing paused by operator")
	}

	return snapshot
}

// collectComponents folds per-component state into the snapshot.
func (s *Supervisor) collectComponents(snapshot *HealthSnapshot) {
	paused := snapshot.Paused

	for name, state := range s.components {
		current, restarts := state.get()

		// A pause is a dispatcher/poller overlay, not a lifecycle state.
		if paused && current == componentRunning && name != componentHealth {
			current = componentPaused
		}

		health := ComponentHealth{State: current, Restarts: restarts}

		switch name {
		case componentDispatcher:
			health.LastTick = s.dispatcher.LastTick()
		case componentPoller:
			health.LastTick = s.poller.LastTick()
		}

		snapshot.Components[name] = health

		if current == componentFailed {
			snapshot.Status = HealthUnhealthy
			snapshot.Problems = append(snapshot.Problems,
				fmt.Sprintf("%s exhausted its restart budget", name))
		}
	}
}

// collectQueue probes the database and folds queue depth into the snapshot.
func (s *Supervisor) collectQueue(ctx context.Context, snapshot *HealthSnapshot) {
	if err := s.queue.HealthCheck(ctx); err != nil {
		snapshot.Status = HealthUnhealthy
		snapshot.Problems = append(snapshot.Problems, "database: "+err.Error())

		return
	}

	if breakdown, err := s.queue.StatusBreakdown(ctx); err == nil {
		snapshot.Breakdown = breakdown
	}

	if stats, err := s.queue.Stats(ctx, statsWindow); err == nil {
		snapshot.Queue = stats
	}
}

// collectStaleness flags loops whose last tick is too old. The dispatcher
// stamps its tick per job during drains, so a busy queue does not read as
// stale.
func (s *Supervisor) collectStaleness(snapshot *HealthSnapshot) {
	checks := []struct {
		name     string
		interval time.Duration
	}{
		{componentDispatcher, s.cfg.DispatchInterval},
		{componentPoller, s.cfg.PollInterval},
	}

	for _, check := range checks {
		component, ok := snapshot.Components[check.name]
		if !ok || component.State != componentRunning || component.LastTick.IsZero() {
			continue
		}

		if age := time.Since(component.LastTick); age > 3*check.interval {
			snapshot.degrade(fmt.Sprintf("%s last ticked %s ago", check.name, age.Round(time.Second)))
		}
	}
}

// launch runs a component with panic recovery and a bounded restart budget.
func (s *Supervisor) launch(ctx context.Context, name string, run func(context.Context)) {
	state := s.components[name]
	state.set(componentRunning)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		for {
			panicked := s.runGuarded(ctx, name, run)

			if ctx.Err() != nil || !panicked {
				state.set(componentStopped)

				return
			}

			restarts := state.bump()
			if restarts > s.cfg.MaxRestarts {
				state.set(componentFailed)
				s.logger.Error("component restart budget exhausted, leaving it down",
					slog.String("component", name),
					slog.Int("restarts", restarts-1),
				)

				return
			}

			s.logger.Warn("restarting component after panic",
				slog.String("component", name),
				slog.Int("restart", restarts),
			)

			// Brief pause keeps a hot panic loop from spinning.
			select {
			case <-ctx.Done():
				state.set(componentStopped)

				return
			case <-time.After(time.Second):
			}
		}
	}()
}

// runGuarded invokes the component body, converting a panic into a report.
func (s *Supervisor) runGuarded(ctx context.Context, name string, run func(context.Context)) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true

			s.logger.Error("component panicked",
				slog.String("component", name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	run(ctx)

	return false
}

// healthLoop periodically evaluates health and logs status transitions.
func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	last := ""

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := s.Health(ctx)
			if snapshot.Status == last {
				continue
			}

			attrs := []any{
				slog.String("status", snapshot.Status),
				slog.Any("problems", snapshot.Problems),
			}

			switch snapshot.Status {
			case HealthHealthy:
				s.logger.Info("health recovered", attrs...)
			case HealthDegraded:
				s.logger.Warn("health degraded", attrs...)
			default:
				s.logger.Error("health check failing", attrs...)
			}

			last = snapshot.Status
		}
	}
}

// degrade lowers the status to degraded (never overriding unhealthy) and
// records the reason.
func (h *HealthSnapshot) degrade(problem string) {
	if h.Status == HealthHealthy {
		h.Status = HealthDegraded
	}

	h.Problems = append(h.Problems, problem)
}

func (c *componentState) get() (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state, c.restarts
}

func (c *componentState) set(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = state
}

func (c *componentState) bump() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.restarts++

	return c.restarts
}
