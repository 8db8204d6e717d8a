package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/novafoundry/fetcher/internal/domain"
)

type fakeTasks struct {
	updates []update
}

type update struct {
	taskID string
	status domain.TaskStatus
	result []domain.UserRecord
	errMsg string
}

func (f *fakeTasks) Create(_ domain.Context, _ domain.FetchTask) error { return nil }

func (f *fakeTasks) UpdateStatus(_ domain.Context, taskID string, status domain.TaskStatus, result []domain.UserRecord, errMsg string) error {
	f.updates = append(f.updates, update{taskID, status, result, errMsg})
	return nil
}

func (f *fakeTasks) Get(_ domain.Context, _ string) (domain.FetchTask, error) {
	return domain.FetchTask{}, domain.ErrNotFound
}

func (f *fakeTasks) Count(_ domain.Context) (int64, error) { return 0, nil }

func newTestConsumer(tasks *fakeTasks) *Consumer {
	return &Consumer{
		tasks:    tasks,
		handlers: map[handlerKey]Handler{},
		topic:    "fetch-tasks",
		shutdown: make(chan struct{}),
	}
}

func record(t *testing.T, payload domain.FetchTaskPayload) *kgo.Record {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return &kgo.Record{Key: []byte(payload.TaskID), Value: b}
}

func TestProcessRecord_SuccessWritesCompleted(t *testing.T) {
	tasks := &fakeTasks{}
	c := newTestConsumer(tasks)
	c.Register(domain.PlatformTwitter, domain.ActionSimilar, HandlerFunc(
		func(_ context.Context, _ domain.FetchTaskPayload) ([]domain.UserRecord, error) {
			return []domain.UserRecord{{UID: "1"}, {UID: "2"}}, nil
		}))

	c.processRecord(context.Background(), record(t, domain.FetchTaskPayload{
		TaskID: "abc", Platform: domain.PlatformTwitter, Action: domain.ActionSimilar,
	}))

	require.Len(t, tasks.updates, 2)
	assert.Equal(t, domain.TaskRunning, tasks.updates[0].status)
	assert.Equal(t, domain.TaskCompleted, tasks.updates[1].status)
	assert.Len(t, tasks.updates[1].result, 2)
	assert.Empty(t, tasks.updates[1].errMsg)
}

func TestProcessRecord_HandlerErrorWritesFailed(t *testing.T) {
	tasks := &fakeTasks{}
	c := newTestConsumer(tasks)
	c.Register(domain.PlatformTwitter, domain.ActionSearch, HandlerFunc(
		func(_ context.Context, _ domain.FetchTaskPayload) ([]domain.UserRecord, error) {
			return nil, errors.New("upstream 500: boom")
		}))

	c.processRecord(context.Background(), record(t, domain.FetchTaskPayload{
		TaskID: "abc", Platform: domain.PlatformTwitter, Action: domain.ActionSearch,
	}))

	last := tasks.updates[len(tasks.updates)-1]
	assert.Equal(t, domain.TaskFailed, last.status)
	assert.Equal(t, "upstream 500: boom", last.errMsg)
}

func TestProcessRecord_PanicBecomesFailed(t *testing.T) {
	tasks := &fakeTasks{}
	c := newTestConsumer(tasks)
	c.Register(domain.PlatformTikTok, domain.ActionSimilar, HandlerFunc(
		func(_ context.Context, _ domain.FetchTaskPayload) ([]domain.UserRecord, error) {
			panic("nil map write")
		}))

	c.processRecord(context.Background(), record(t, domain.FetchTaskPayload{
		TaskID: "abc", Platform: domain.PlatformTikTok, Action: domain.ActionSimilar,
	}))

	last := tasks.updates[len(tasks.updates)-1]
	assert.Equal(t, domain.TaskFailed, last.status)
	assert.Contains(t, last.errMsg, "panic")
}

func TestProcessRecord_UnknownHandlerFails(t *testing.T) {
	tasks := &fakeTasks{}
	c := newTestConsumer(tasks)

	c.processRecord(context.Background(), record(t, domain.FetchTaskPayload{
		TaskID: "abc", Platform: domain.PlatformInstagram, Action: domain.ActionSearch,
	}))

	last := tasks.updates[len(tasks.updates)-1]
	assert.Equal(t, domain.TaskFailed, last.status)
	assert.Contains(t, last.errMsg, "no handler")
}

func TestProcessRecord_MalformedPayloadSkipped(t *testing.T) {
	tasks := &fakeTasks{}
	c := newTestConsumer(tasks)
	c.processRecord(context.Background(), &kgo.Record{Key: []byte("x"), Value: []byte("{not json")})
	assert.Empty(t, tasks.updates)
}

func TestProcessRecord_EmptyResultStaysCompleted(t *testing.T) {
	tasks := &fakeTasks{}
	c := newTestConsumer(tasks)
	c.Register(domain.PlatformTwitter, domain.ActionSimilar, HandlerFunc(
		func(_ context.Context, _ domain.FetchTaskPayload) ([]domain.UserRecord, error) {
			return nil, nil
		}))

	c.processRecord(context.Background(), record(t, domain.FetchTaskPayload{
		TaskID: "abc", Platform: domain.PlatformTwitter, Action: domain.ActionSimilar,
	}))

	last := tasks.updates[len(tasks.updates)-1]
	assert.Equal(t, domain.TaskCompleted, last.status)
	assert.NotNil(t, last.result)
	assert.Empty(t, last.result)
}
