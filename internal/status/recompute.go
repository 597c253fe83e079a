package status

import (
	"context"
	"time"

	"github.com/ProjectDesk-app/ProjectDesk-app/internal/model"
)

// ProjectStore is the slice of the repository the recompute path needs.
type ProjectStore interface {
	ProjectByID(ctx context.Context, projectID string) (model.Project, error)
	TasksByProject(ctx context.Context, projectID string) ([]model.Task, error)
	UpdateProjectStatus(ctx context.Context, projectID string, status model.ProjectStatus) error
}

// Recompute re-derives a project's status and writes it back when it
// changed. Rewriting an unchanged value is skipped, which keeps the
// write-back idempotent.
func Recompute(ctx context.Context, store ProjectStore, projectID string, now time.Time) (model.ProjectStatus, error) {
	project, err := store.ProjectByID(ctx, projectID)
	if err != nil {
		return "", err
	}
	tasks, err := store.TasksByProject(ctx, projectID)
	if err != nil {
		return "", err
	}

	derived := Derive(tasks, project.EndDate, now)
	if derived == project.Status {
		return derived, nil
	}
	if err := store.UpdateProjectStatus(ctx, projectID, derived); err != nil {
		return "", err
	}
	return derived, nil
}
