package usecase

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/novafoundry/fetcher/internal/domain"
)

// StatusService serves task status polls. It reads the log directly
// and never blocks on the worker.
type StatusService struct {
	Tasks domain.TaskRepository
}

// NewStatusService constructs a StatusService.
func NewStatusService(tasks domain.TaskRepository) StatusService {
	return StatusService{Tasks: tasks}
}

// Get loads the task by its public id.
func (s StatusService) Get(ctx domain.Context, taskID string) (domain.FetchTask, error) {
	tr := otel.Tracer("usecase.status")
	ctx, span := tr.Start(ctx, "StatusService.Get")
	defer span.End()

	t, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return domain.FetchTask{}, fmt.Errorf("op=status.get: %w", err)
	}
	return t, nil
}
