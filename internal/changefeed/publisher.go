// Package changefeed publishes terminal job outcomes to Kafka for downstream
// consumers (reporting, reconciliation audits).
//
// The feed is optional and best-effort: with no brokers configured the engine
// runs without a publisher, and a failed publish is logged, never retried,
// and never fails the job it describes. The queue remains the source of
// truth; the feed is a convenience stream over it.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/opmsync-io/opmsync/internal/config"
	"github.com/opmsync-io/opmsync/internal/engine"
)

// Sentinel errors for the changefeed.
var (
	// ErrNoBrokers indicates the publisher was constructed without brokers.
	// Callers should treat an empty broker list as "feed disabled" and skip
	// construction instead.
	ErrNoBrokers = errors.New("no Kafka brokers configured")

	// ErrPublishFailed wraps broker-side write failures.
	ErrPublishFailed = errors.New("outcome publish failed")

	// Publisher implements engine.OutcomePublisher.
	_ engine.OutcomePublisher = (*Publisher)(nil)
)

// DefaultTopic is the outcome stream's topic unless overridden.
const DefaultTopic = "opmsync.job-outcomes"

const (
	// batchTimeout keeps synchronous single-message writes from idling in
	// the writer's batch buffer.
	batchTimeout = 10 * time.Millisecond

	// writeTimeout bounds one broker round trip. The dispatcher publishes
	// inline after marking the job, so a dead broker must not stall the
	// drain loop for long.
	writeTimeout = 5 * time.Second
)

// Config holds the changefeed settings, loaded from environment variables.
type Config struct {
	// Brokers is the Kafka bootstrap list. Empty disables the feed.
	Brokers []string

	// Topic receives one message per terminal job.
	Topic string
}

// LoadConfig reads the changefeed configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("OPMSYNC_KAFKA_BROKERS", "")),
		Topic:   config.GetEnvStr("OPMSYNC_KAFKA_TOPIC", DefaultTopic),
	}
}

// Enabled reports whether a broker list is configured.
func (c *Config) Enabled() bool {
	return c != nil && len(c.Brokers) > 0
}

// Publisher writes job outcomes to a Kafka topic.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewPublisher creates a Kafka-backed outcome publisher.
func NewPublisher(cfg *Config) (*Publisher, error) {
	if !cfg.Enabled() {
		return nil, ErrNoBrokers
	}

	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: topic cannot be empty", ErrPublishFailed)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	})).With(slog.String("component", "changefeed"))

	writer := &kafka.Writer{
		Addr:  kafka.TCP(cfg.Brokers...),
		Topic: cfg.Topic,
		// Key by item id: one item's outcomes land on one partition, so
		// consumers see them in resolution order.
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           batchTimeout,
		WriteTimeout:           writeTimeout,
		AllowAutoTopicCreation: true,
	}

	logger.Info("changefeed enabled",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", cfg.Topic),
	)

	return &Publisher{writer: writer, logger: logger}, nil
}

// PublishOutcome implements engine.OutcomePublisher.
func (p *Publisher) PublishOutcome(ctx context.Context, outcome *engine.JobOutcome) error {
	if outcome == nil {
		return fmt.Errorf("%w: outcome is nil", ErrPublishFailed)
	}

	value, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("%w: marshal: %w", ErrPublishFailed, err)
	}

	message := kafka.Message{
		Key:   []byte(strconv.FormatInt(outcome.ItemID, 10)),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	p.logger.Debug("outcome published",
		slog.Int64("job_id", outcome.JobID),
		slog.String("outcome", outcome.Outcome),
	)

	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
