package scheduler

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/opsmesh/dispatchd/pkg/models"
	"github.com/opsmesh/dispatchd/pkg/storage"
)

// TaskIntake validates and persists new tasks. Both the dependency manager
// (implicit prerequisite jobs) and the workflow manager (spawned node jobs)
// create work through this path so every task enters the system pending,
// with an identifier, through the same pre-flight checks.
type TaskIntake struct {
	store  storage.Store
	logger Logger
	now    func() time.Time
}

func NewTaskIntake(store storage.Store, logger Logger) *TaskIntake {
	return &TaskIntake{store: store, logger: logger, now: time.Now}
}

// validateTask runs kind-specific pre-flight validation. The kind set is
// closed; an unknown kind is itself a validation error.
func validateTask(t models.Task) error {
	switch t.Kind {
	case models.JobTaskKind, models.WorkflowJobTaskKind:
		if t.Name == "" {
			return errors.Errorf("%s task requires a name", t.Kind)
		}
	case models.ProjectUpdateTaskKind:
		if t.Project == "" {
			return errors.New("project_update task requires a project")
		}
	case models.InventoryUpdateTaskKind:
		if t.Inventory == "" {
			return errors.New("inventory_update task requires an inventory")
		}
	case models.SystemJobTaskKind:
		if t.Name == "" {
			return errors.New("system_job task requires a name")
		}
	default:
		return errors.Errorf("unknown task kind %q", t.Kind)
	}
	if t.Forks < 0 {
		return errors.New("forks must not be negative")
	}
	return nil
}

// Create validates t, assigns it an identifier, and persists it pending.
func (ti *TaskIntake) Create(t models.Task) (task models.Task, err error) {
	if err := validateTask(t); err != nil {
		return models.Task{}, errors.Wrap(err, "task validation failed")
	}
	t.ID = uuid.NewString()
	t.Status = models.PendingTaskStatus
	t.CreatedAt = ti.now()
	t.AssignedNode = nil
	t.StartedAt = nil
	t.FinishedAt = nil

	txStore, err := ti.store.Begin()
	if err != nil {
		return models.Task{}, errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ti.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			ti.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if err = txStore.SaveTask(t); err != nil {
		return models.Task{}, errors.Wrapf(err, "save task %s", t.ID)
	}
	ti.logger.Infof("Created %s task %s (%s)", t.Kind, t.Name, t.ID)
	return t, nil
}
