// Package usecase contains application business logic services.
package usecase

import (
	"crypto/md5" //nolint:gosec // Task ids are names, not security material.
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"

	"github.com/novafoundry/fetcher/internal/domain"
	obsctx "github.com/novafoundry/fetcher/internal/observability"
)

// insertRetries bounds transient task-log insert retries.
const insertRetries = 3

// SubmitService is the task coordinator: it validates fetch requests,
// assigns deterministic task ids, persists the pending row, and
// publishes exactly one work item.
type SubmitService struct {
	Tasks domain.TaskRepository
	Queue domain.Queue

	// now is injectable so tests can pin the task-id timestamp.
	now func() time.Time
}

// NewSubmitService constructs a SubmitService.
func NewSubmitService(tasks domain.TaskRepository, queue domain.Queue) SubmitService {
	return SubmitService{Tasks: tasks, Queue: queue, now: time.Now}
}

// TaskID derives the deterministic 32-char hex task id from the
// submission millisecond, platform, and action.
func TaskID(tsMillis int64, platform domain.Platform, action domain.Action) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d_%s_%s", tsMillis, platform, action))) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Submit validates the request, persists the pending task, and
// enqueues one work item. When the insert succeeds but the publish
// fails the row is left orphaned in pending: callers time out and
// resubmit, which yields a distinct task id.
func (s SubmitService) Submit(ctx domain.Context, platform domain.Platform, action domain.Action, params map[string]any) (string, error) {
	tr := otel.Tracer("usecase.submit")
	ctx, span := tr.Start(ctx, "SubmitService.Submit")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)

	if !platform.Valid() {
		return "", fmt.Errorf("op=submit: %w: unknown platform %q", domain.ErrInvalidArgument, platform)
	}
	if !action.Valid() {
		return "", fmt.Errorf("op=submit: %w: unknown action %q", domain.ErrInvalidArgument, action)
	}
	if err := validateParams(action, params); err != nil {
		return "", fmt.Errorf("op=submit: %w", err)
	}

	now := s.now().UTC()
	taskID := TaskID(now.UnixMilli(), platform, action)
	task := domain.FetchTask{
		TaskID:    taskID,
		Platform:  platform,
		Action:    action,
		Params:    params,
		Status:    domain.TaskPending,
		CreatedAt: now,
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), insertRetries)
	insert := func() error { return s.Tasks.Create(ctx, task) }
	if err := backoff.Retry(insert, backoff.WithContext(bo, ctx)); err != nil {
		lg.Error("task insert failed", slog.String("task_id", taskID), slog.Any("error", err))
		return "", fmt.Errorf("op=submit.insert: %w", err)
	}
	lg.Info("task created",
		slog.String("task_id", taskID),
		slog.String("platform", string(platform)),
		slog.String("action", string(action)))

	payload := domain.FetchTaskPayload{TaskID: taskID, Platform: platform, Action: action, Params: params}
	if err := s.Queue.EnqueueFetch(ctx, payload); err != nil {
		lg.Error("work item publish failed, task orphaned pending",
			slog.String("task_id", taskID), slog.Any("error", err))
		return "", fmt.Errorf("op=submit.enqueue: %w", err)
	}
	return taskID, nil
}

func validateParams(action domain.Action, params map[string]any) error {
	switch action {
	case domain.ActionSimilar:
		p, err := domain.SimilarParamsFrom(params)
		if err != nil {
			return err
		}
		return p.Validate()
	case domain.ActionSearch:
		p, err := domain.SearchParamsFrom(params)
		if err != nil {
			return err
		}
		return p.Validate()
	}
	return fmt.Errorf("%w: unknown action %q", domain.ErrInvalidArgument, action)
}
