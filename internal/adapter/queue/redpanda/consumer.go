package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/novafoundry/fetcher/internal/adapter/observability"
	"github.com/novafoundry/fetcher/internal/domain"
)

// Handler executes one fetch task and returns the candidate list.
type Handler interface {
	Handle(ctx context.Context, payload domain.FetchTaskPayload) ([]domain.UserRecord, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload domain.FetchTaskPayload) ([]domain.UserRecord, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, payload domain.FetchTaskPayload) ([]domain.UserRecord, error) {
	return f(ctx, payload)
}

// handlerKey selects a handler by platform and action.
type handlerKey struct {
	platform domain.Platform
	action   domain.Action
}

// Consumer pulls work items one at a time and drives them to a
// terminal state. The worker process is stateless; parallelism comes
// from running more worker processes on separate partitions.
type Consumer struct {
	client   *kgo.Client
	tasks    domain.TaskRepository
	handlers map[handlerKey]Handler
	topic    string
	groupID  string
	shutdown chan struct{}
}

// NewConsumer constructs a Consumer in the given consumer group.
func NewConsumer(brokers []string, topic, groupID string, tasks domain.TaskRepository) (*Consumer, error) {
	slog.Info("creating queue consumer",
		slog.Any("brokers", brokers),
		slog.String("topic", topic),
		slog.String("group_id", groupID))
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.DisableAutoCommit(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("queue client: %w", err)
	}

	return &Consumer{
		client:   client,
		tasks:    tasks,
		handlers: map[handlerKey]Handler{},
		topic:    topic,
		groupID:  groupID,
		shutdown: make(chan struct{}),
	}, nil
}

// Register binds a handler to a platform+action pair.
func (c *Consumer) Register(platform domain.Platform, action domain.Action, h Handler) {
	c.handlers[handlerKey{platform, action}] = h
}

// Start polls and processes work items until ctx is cancelled.
// Records are processed strictly sequentially: offsets commit only
// after the task reaches a terminal state.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("queue consumer started", slog.String("topic", c.topic))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.shutdown:
			return nil
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if fe.Err == context.Canceled {
					return ctx.Err()
				}
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Any("error", fe.Err))
			}
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			c.processRecord(ctx, record)
		})
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			slog.Error("offset commit failed", slog.Any("error", err))
		}
	}
}

// processRecord drives one work item to a terminal state.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) {
	var payload domain.FetchTaskPayload
	if err := json.Unmarshal(record.Value, &payload); err != nil {
		slog.Error("malformed work item, skipping",
			slog.String("key", string(record.Key)),
			slog.Any("error", err))
		return
	}
	lg := slog.Default().With(
		slog.String("task_id", payload.TaskID),
		slog.String("platform", string(payload.Platform)),
		slog.String("action", string(payload.Action)))
	lg.Info("processing fetch task")
	start := time.Now()

	// Mark running; a failure here is logged and ignored so a flaky
	// log write cannot block real work.
	if err := c.tasks.UpdateStatus(ctx, payload.TaskID, domain.TaskRunning, nil, ""); err != nil {
		lg.Warn("failed to mark task running", slog.Any("error", err))
	}

	result, err := c.runHandler(ctx, payload)

	status := domain.TaskCompleted
	errMsg := ""
	if err != nil {
		status = domain.TaskFailed
		errMsg = err.Error()
		lg.Error("fetch task failed", slog.Any("error", err))
	} else {
		lg.Info("fetch task completed", slog.Int("result_count", len(result)))
		if result == nil {
			result = []domain.UserRecord{}
		}
	}

	c.writeTerminalState(ctx, payload.TaskID, status, result, errMsg)
	observability.TasksCompletedTotal.WithLabelValues(string(payload.Platform), string(payload.Action), string(status)).Inc()
	observability.TaskDuration.WithLabelValues(string(payload.Platform), string(payload.Action)).Observe(time.Since(start).Seconds())
}

// runHandler dispatches to the registered handler, converting panics
// into task failure.
func (c *Consumer) runHandler(ctx context.Context, payload domain.FetchTaskPayload) (result []domain.UserRecord, err error) {
	h, ok := c.handlers[handlerKey{payload.Platform, payload.Action}]
	if !ok {
		return nil, fmt.Errorf("op=consumer.dispatch: %w: no handler for %s/%s",
			domain.ErrInvalidArgument, payload.Platform, payload.Action)
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("handler panicked",
				slog.String("task_id", payload.TaskID),
				slog.Any("recover", rec))
			err = fmt.Errorf("op=consumer.handle: %w: panic: %v", domain.ErrInternal, rec)
		}
	}()
	return h.Handle(ctx, payload)
}

// writeTerminalState retries the terminal status write with
// exponential backoff; the row must not be left running.
func (c *Consumer) writeTerminalState(ctx context.Context, taskID string, status domain.TaskStatus, result []domain.UserRecord, errMsg string) {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	op := func() error {
		return c.tasks.UpdateStatus(ctx, taskID, status, result, errMsg)
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		slog.Error("failed to write terminal task state",
			slog.String("task_id", taskID),
			slog.String("status", string(status)),
			slog.Any("error", err))
	}
}

// Close stops polling and releases the client.
func (c *Consumer) Close() error {
	close(c.shutdown)
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
