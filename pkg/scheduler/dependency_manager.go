package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/opsmesh/dispatchd/pkg/models"
	"github.com/opsmesh/dispatchd/pkg/storage"
)

// DependencyManager resolves prerequisite work that must complete before a
// dependent job can run. One pass scans pending jobs in creation order and,
// when a job's project or inventory is stale, creates the implicit update
// task and links it as a blocking dependency edge. Creation is idempotent
// under concurrent scheduler passes: the store enforces one live update per
// distinct need, and losing the race means attaching to the winner's task.
type DependencyManager struct {
	store        storage.Store
	intake       *TaskIntake
	guard        *SignalGuard
	logger       Logger
	cacheTimeout time.Duration
	now          func() time.Time
}

func NewDependencyManager(store storage.Store, intake *TaskIntake, guard *SignalGuard, logger Logger, cacheTimeout time.Duration) *DependencyManager {
	return &DependencyManager{
		store:        store,
		intake:       intake,
		guard:        guard,
		logger:       logger,
		cacheTimeout: cacheTimeout,
		now:          time.Now,
	}
}

// Schedule runs one dependency pass under the signal guard.
func (m *DependencyManager) Schedule() error {
	return m.guard.RunGuarded(m.schedule)
}

func (m *DependencyManager) schedule() error {
	active, err := m.store.ListActiveTasks()
	if err != nil {
		return errors.Wrap(err, "list active tasks")
	}

	var pending []models.Task
	for _, t := range active {
		if t.Status == models.PendingTaskStatus {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	for _, t := range pending {
		if m.guard.SignalReceived() {
			m.logger.Infof("Dependency pass exiting early on signal")
			break
		}
		if t.NeedsProjectUpdate() {
			if err := m.ensurePrerequisite(t, models.ProjectUpdateTaskKind, t.Project); err != nil {
				m.logger.Errorf("Failed to resolve project dependency for task %s: %v", t.ID, err)
			}
		}
		if t.NeedsInventoryUpdate() {
			if err := m.ensurePrerequisite(t, models.InventoryUpdateTaskKind, t.Inventory); err != nil {
				m.logger.Errorf("Failed to resolve inventory dependency for task %s: %v", t.ID, err)
			}
		}
	}
	return nil
}

// ensurePrerequisite applies the cache-freshness check for one need and,
// when stale, links the dependent task to an in-flight update or creates a
// new one. A creation failure marks the dependent task failed with an
// explanation rather than leaving it pending indefinitely.
func (m *DependencyManager) ensurePrerequisite(t models.Task, kind models.TaskKind, key string) error {
	prereq, fresh, err := m.findPrerequisite(kind, key)
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}
	if prereq != nil {
		return m.attach(t, *prereq)
	}

	created, err := m.createPrerequisite(t, kind, key)
	if err != nil {
		// A concurrent pass may have won the uniqueness race; attach to
		// its task before declaring the dependent failed.
		if existing, _, findErr := m.findPrerequisite(kind, key); findErr == nil && existing != nil {
			return m.attach(t, *existing)
		}
		explanation := fmt.Sprintf("could not create %s for %q: %v", kind, key, err)
		if _, updErr := m.store.UpdateTaskStatus(t.ID, models.PendingTaskStatus, models.FailedTaskStatus, explanation); updErr != nil {
			m.logger.Errorf("Failed to mark task %s failed: %v", t.ID, updErr)
		}
		m.logger.Warnf("Task %s failed: %s", t.ID, explanation)
		return err
	}
	return m.attach(t, created)
}

// findPrerequisite reports whether an acceptable update already covers the
// need: fresh=true when a successful update finished within the cache
// timeout, otherwise a non-terminal in-flight update is returned if any.
func (m *DependencyManager) findPrerequisite(kind models.TaskKind, key string) (*models.Task, bool, error) {
	existing, err := m.store.ListTasksByKindAndKey(kind, key)
	if err != nil {
		return nil, false, errors.Wrapf(err, "list %s tasks for %q", kind, key)
	}
	now := m.now()
	for i := range existing {
		p := existing[i]
		if p.Status == models.SuccessfulTaskStatus && p.FinishedAt != nil && now.Sub(*p.FinishedAt) <= m.cacheTimeout {
			return nil, true, nil
		}
		if !p.Status.IsTerminal() {
			return &existing[i], false, nil
		}
	}
	return nil, false, nil
}

func (m *DependencyManager) createPrerequisite(t models.Task, kind models.TaskKind, key string) (models.Task, error) {
	prereq := models.Task{
		Kind:           kind,
		Name:           fmt.Sprintf("%s of %s", kind, key),
		Priority:       t.Priority,
		Forks:          1,
		ControllerNode: t.ControllerNode,
	}
	if kind == models.InventoryUpdateTaskKind {
		prereq.Inventory = key
	} else {
		prereq.Project = key
	}
	return m.intake.Create(prereq)
}

func (m *DependencyManager) attach(t, prereq models.Task) error {
	if err := m.store.SaveDependency(models.Dependency{TaskID: t.ID, DependsOn: prereq.ID}); err != nil {
		return errors.Wrapf(err, "attach dependency %s -> %s", t.ID, prereq.ID)
	}
	m.logger.Debugf("Task %s now blocked on %s %s", t.ID, prereq.Kind, prereq.ID)
	return nil
}
