package usecase

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novafoundry/fetcher/internal/domain"
)

type fakeTasks struct {
	created     []domain.FetchTask
	failCreates int
	updates     []domain.TaskStatus
	getResult   domain.FetchTask
	getErr      error
}

func (f *fakeTasks) Create(_ domain.Context, t domain.FetchTask) error {
	if f.failCreates > 0 {
		f.failCreates--
		return errors.New("transient insert failure")
	}
	f.created = append(f.created, t)
	return nil
}

func (f *fakeTasks) UpdateStatus(_ domain.Context, _ string, status domain.TaskStatus, _ []domain.UserRecord, _ string) error {
	f.updates = append(f.updates, status)
	return nil
}

func (f *fakeTasks) Get(_ domain.Context, _ string) (domain.FetchTask, error) {
	return f.getResult, f.getErr
}

func (f *fakeTasks) Count(_ domain.Context) (int64, error) { return int64(len(f.created)), nil }

type fakeQueue struct {
	payloads []domain.FetchTaskPayload
	err      error
}

func (f *fakeQueue) EnqueueFetch(_ domain.Context, p domain.FetchTaskPayload) error {
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, p)
	return nil
}

func intPtr(n int) *int { return &n }

func similarParams(t *testing.T, count int) map[string]any {
	t.Helper()
	m, err := domain.ParamsMap(domain.SimilarParams{Username: "jack", Count: count})
	require.NoError(t, err)
	return m
}

func newSubmit(tasks *fakeTasks, queue *fakeQueue, at time.Time) SubmitService {
	s := NewSubmitService(tasks, queue)
	s.now = func() time.Time { return at }
	return s
}

func TestTaskID_ShapeAndDeterminism(t *testing.T) {
	id := TaskID(1700000000000, domain.PlatformTwitter, domain.ActionSimilar)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), id)

	// Same millisecond, platform, and action: identical ids.
	assert.Equal(t, id, TaskID(1700000000000, domain.PlatformTwitter, domain.ActionSimilar))
	// Anything else differs.
	assert.NotEqual(t, id, TaskID(1700000000001, domain.PlatformTwitter, domain.ActionSimilar))
	assert.NotEqual(t, id, TaskID(1700000000000, domain.PlatformInstagram, domain.ActionSimilar))
	assert.NotEqual(t, id, TaskID(1700000000000, domain.PlatformTwitter, domain.ActionSearch))
}

func TestSubmit_HappyPath(t *testing.T) {
	tasks := &fakeTasks{}
	queue := &fakeQueue{}
	at := time.UnixMilli(1700000000123)
	s := newSubmit(tasks, queue, at)

	taskID, err := s.Submit(context.Background(), domain.PlatformTwitter, domain.ActionSimilar, similarParams(t, 5))
	require.NoError(t, err)
	assert.Equal(t, TaskID(at.UnixMilli(), domain.PlatformTwitter, domain.ActionSimilar), taskID)

	require.Len(t, tasks.created, 1)
	assert.Equal(t, domain.TaskPending, tasks.created[0].Status)
	assert.Equal(t, taskID, tasks.created[0].TaskID)
	require.Len(t, queue.payloads, 1)
	assert.Equal(t, taskID, queue.payloads[0].TaskID)
}

func TestSubmit_RejectsUnknownPlatformAndAction(t *testing.T) {
	s := newSubmit(&fakeTasks{}, &fakeQueue{}, time.Now())
	_, err := s.Submit(context.Background(), "myspace", domain.ActionSimilar, similarParams(t, 5))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = s.Submit(context.Background(), domain.PlatformTwitter, "scrape", similarParams(t, 5))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmit_CountBoundaries(t *testing.T) {
	s := newSubmit(&fakeTasks{}, &fakeQueue{}, time.Now())
	ctx := context.Background()

	_, err := s.Submit(ctx, domain.PlatformTwitter, domain.ActionSimilar, similarParams(t, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = s.Submit(ctx, domain.PlatformTwitter, domain.ActionSimilar, similarParams(t, 101))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = s.Submit(ctx, domain.PlatformTwitter, domain.ActionSimilar, similarParams(t, 100))
	assert.NoError(t, err)
}

func TestSubmit_FollowsBoundaries(t *testing.T) {
	s := newSubmit(&fakeTasks{}, &fakeQueue{}, time.Now())
	ctx := context.Background()

	params, err := domain.ParamsMap(domain.SimilarParams{
		Username: "jack", Count: 5,
		Follows: &domain.FollowsFilter{Min: intPtr(-1)},
	})
	require.NoError(t, err)
	_, err = s.Submit(ctx, domain.PlatformTwitter, domain.ActionSimilar, params)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	params, err = domain.ParamsMap(domain.SimilarParams{
		Username: "jack", Count: 5,
		Follows: &domain.FollowsFilter{Min: intPtr(0)},
	})
	require.NoError(t, err)
	_, err = s.Submit(ctx, domain.PlatformTwitter, domain.ActionSimilar, params)
	assert.NoError(t, err)
}

func TestSubmit_RetriesTransientInsertFailures(t *testing.T) {
	tasks := &fakeTasks{failCreates: 2}
	queue := &fakeQueue{}
	s := newSubmit(tasks, queue, time.Now())

	_, err := s.Submit(context.Background(), domain.PlatformTwitter, domain.ActionSimilar, similarParams(t, 5))
	require.NoError(t, err)
	assert.Len(t, tasks.created, 1)
}

func TestSubmit_PublishFailureLeavesRowPending(t *testing.T) {
	tasks := &fakeTasks{}
	queue := &fakeQueue{err: errors.New("broker unavailable")}
	s := newSubmit(tasks, queue, time.Now())

	_, err := s.Submit(context.Background(), domain.PlatformTwitter, domain.ActionSimilar, similarParams(t, 5))
	require.Error(t, err)
	// The row stays pending; no status rewrite and no sweeper.
	assert.Len(t, tasks.created, 1)
	assert.Empty(t, tasks.updates)
}

func TestStatus_Get(t *testing.T) {
	tasks := &fakeTasks{getResult: domain.FetchTask{TaskID: "abc", Status: domain.TaskCompleted}}
	s := NewStatusService(tasks)
	task, err := s.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, task.Status)

	tasks.getErr = domain.ErrNotFound
	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
