package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/opmsync-io/opmsync/internal/catalog"
	"github.com/opmsync-io/opmsync/internal/config"
	"github.com/opmsync-io/opmsync/internal/erp"
)

// Retry defaults: 2s, 4s, 8s, ... capped at 30s.
const (
	DefaultRetryBase = 2 * time.Second
	DefaultRetryCap  = 30 * time.Second
)

// Disposition is the dispatcher's verdict on a failed or ineligible job.
type Disposition int

const (
	// DispositionRetry schedules another attempt with backoff.
	DispositionRetry Disposition = iota

	// DispositionFail marks the job FAILED without further attempts.
	DispositionFail

	// DispositionSkip completes the job without syncing; the item is not
	// eligible rather than broken.
	DispositionSkip
)

// String returns the disposition name for logging.
func (d Disposition) String() string {
	switch d {
	case DispositionRetry:
		return "retry"
	case DispositionFail:
		return "fail"
	case DispositionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// RetryPolicy computes backoff delays and classifies pipeline errors.
type RetryPolicy struct {
	// Base is the delay before the first retry; each subsequent retry
	// doubles it, capped at Cap.
	Base time.Duration
	Cap  time.Duration

	// RetrySemantic controls whether ERP semantic rejections are retried.
	// They usually indicate record state on the ERP side (a locked record,
	// a validation rule) that can clear between attempts, so the default
	// is to retry.
	RetrySemantic bool
}

// LoadRetryPolicy reads the retry policy from environment variables.
func LoadRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:          config.GetEnvDuration("OPMSYNC_RETRY_BASE", DefaultRetryBase),
		Cap:           config.GetEnvDuration("OPMSYNC_RETRY_CAP", DefaultRetryCap),
		RetrySemantic: config.GetEnvBool("OPMSYNC_RETRY_SEMANTIC", true),
	}
}

// Validate checks the retry policy.
func (p RetryPolicy) Validate() error {
	if p.Base <= 0 {
		return fmt.Errorf("%w: retry base must be positive", ErrInvalidEngineConfig)
	}

	if p.Cap < p.Base {
		return fmt.Errorf("%w: retry cap cannot be below the base delay", ErrInvalidEngineConfig)
	}

	return nil
}

// Delay returns the backoff before retry attempt k (1-based):
// base, 2*base, 4*base, ... capped at Cap.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap || delay <= 0 {
			return p.Cap
		}
	}

	if delay > p.Cap {
		return p.Cap
	}

	return delay
}

// Classify maps a pipeline error to a disposition. Eligibility failures skip,
// payload construction failures are permanent, transport and extraction
// failures are transient, and semantic rejections follow RetrySemantic.
// Unknown errors are treated as transient so that a new failure mode cannot
// silently burn jobs.
func (p RetryPolicy) Classify(err error) Disposition {
	switch {
	case errors.Is(err, catalog.ErrItemNotSyncable):
		return DispositionSkip
	case errors.Is(err, erp.ErrTransformationFailed):
		return DispositionFail
	case errors.Is(err, erp.ErrSemanticRejection):
		if p.RetrySemantic {
			return DispositionRetry
		}

		return DispositionFail
	case errors.Is(err, erp.ErrTransportFailure), errors.Is(err, catalog.ErrExtractionFailed):
		return DispositionRetry
	default:
		return DispositionRetry
	}
}
