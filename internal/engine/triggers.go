package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/opmsync-io/opmsync/internal/config"
)

// Names of the change-capture triggers the migrations install. The primary
// detection layer lives in the database: these fire on catalog writes and
// enqueue jobs directly, whether or not this process is running.
const (
	ItemTriggerName    = "opms_item_sync_trigger"
	ProductTriggerName = "opms_product_sync_trigger"
)

// TriggerStatus is the result of a trigger presence check.
type TriggerStatus struct {
	// Installed maps trigger name to presence.
	Installed map[string]bool

	// CheckedAt is when the check ran; zero means never checked.
	CheckedAt time.Time
}

// AllInstalled reports whether every expected trigger is present.
func (s TriggerStatus) AllInstalled() bool {
	if len(s.Installed) == 0 {
		return false
	}

	for _, present := range s.Installed {
		if !present {
			return false
		}
	}

	return true
}

// Missing lists absent triggers in stable order.
func (s TriggerStatus) Missing() []string {
	var missing []string

	for name, present := range s.Installed {
		if !present {
			missing = append(missing, name)
		}
	}

	sort.Strings(missing)

	return missing
}

// TriggerVerifier checks that the change-capture triggers are installed.
//
// Missing triggers degrade, not disable: the poller still catches changes,
// just with up to a poll interval of latency. The supervisor verifies at
// startup and the health evaluation re-reports the cached status.
type TriggerVerifier struct {
	checker TriggerChecker
	logger  *slog.Logger

	mu   sync.Mutex
	last TriggerStatus
}

// NewTriggerVerifier creates a verifier for the expected sync triggers.
func NewTriggerVerifier(checker TriggerChecker) (*TriggerVerifier, error) {
	if checker == nil {
		return nil, fmt.Errorf("%w: trigger checker", ErrMissingDependency)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	})).With(slog.String("component", "trigger-verifier"))

	return &TriggerVerifier{checker: checker, logger: logger}, nil
}

// Verify queries the database for the expected triggers and caches the result.
func (v *TriggerVerifier) Verify(ctx context.Context) (TriggerStatus, error) {
	installed, err := v.checker.InstalledTriggers(ctx, ItemTriggerName, ProductTriggerName)
	if err != nil {
		return TriggerStatus{}, fmt.Errorf("trigger verification failed: %w", err)
	}

	status := TriggerStatus{Installed: installed, CheckedAt: time.Now().UTC()}

	v.mu.Lock()
	v.last = status
	v.mu.Unlock()

	if missing := status.Missing(); len(missing) > 0 {
		v.logger.Warn("change-capture triggers missing, poller is the only detection layer",
			slog.Any("missing", missing),
		)
	} else {
		v.logger.Info("change-capture triggers installed")
	}

	return status, nil
}

// Last returns the most recent verification result without querying.
func (v *TriggerVerifier) Last() TriggerStatus {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.last
}
