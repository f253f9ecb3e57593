package scheduler

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/opsmesh/dispatchd/pkg/broker"
	"github.com/opsmesh/dispatchd/pkg/models"
	"github.com/opsmesh/dispatchd/pkg/storage"
)

// ReapedExplanation is recorded on tasks whose owning node went silent.
const ReapedExplanation = "Task was marked as running but the scheduler could not reach its node; reaped"

// TaskManager runs the core allocation loop. Each pass walks non-terminal
// tasks in (priority, creation time) order, parks tasks with unmet
// dependency edges as waiting, assigns eligible tasks to nodes through the
// capacity registry, and reconciles running tasks whose node stopped
// heartbeating.
// In-memory reservations made during a pass are visible to later
// evaluations in the same pass so one pass never overcommits a node.
type TaskManager struct {
	store            storage.Store
	publisher        broker.Publisher
	guard            *SignalGuard
	logger           Logger
	heartbeatTimeout time.Duration
	// maxSkips bounds capacity-miss skips within one pass; zero means
	// unbounded skip-and-continue.
	maxSkips int
	now      func() time.Time
}

func NewTaskManager(store storage.Store, publisher broker.Publisher, guard *SignalGuard, logger Logger, heartbeatTimeout time.Duration, maxSkips int) *TaskManager {
	return &TaskManager{
		store:            store,
		publisher:        publisher,
		guard:            guard,
		logger:           logger,
		heartbeatTimeout: heartbeatTimeout,
		maxSkips:         maxSkips,
		now:              time.Now,
	}
}

// Schedule runs one full scheduling pass under the signal guard.
func (m *TaskManager) Schedule() error {
	return m.guard.RunGuarded(m.schedule)
}

func (m *TaskManager) schedule() error {
	nodes, err := m.store.ListNodes()
	if err != nil {
		return errors.Wrap(err, "list nodes")
	}
	links, err := m.store.ListNodeLinks()
	if err != nil {
		return errors.Wrap(err, "list node links")
	}
	active, err := m.store.ListActiveTasks()
	if err != nil {
		return errors.Wrap(err, "list active tasks")
	}
	deps, err := m.store.ListDependencies()
	if err != nil {
		return errors.Wrap(err, "list dependencies")
	}

	depsByTask := make(map[string][]models.Dependency)
	for _, d := range deps {
		depsByTask[d.TaskID] = append(depsByTask[d.TaskID], d)
	}
	activeByID := make(map[string]models.Task, len(active))
	for _, t := range active {
		activeByID[t.ID] = t
	}

	registry := NewCapacityRegistry(nodes, links, active, m.heartbeatTimeout, m.now())

	skips := 0
	for _, t := range active {
		if t.Status != models.PendingTaskStatus && t.Status != models.WaitingTaskStatus {
			continue
		}
		// safe point between discrete task evaluations
		if m.guard.SignalReceived() {
			m.logger.Infof("Scheduling pass exiting early on signal")
			break
		}

		blocked, failure, err := m.dependencyState(t, depsByTask[t.ID], activeByID)
		if err != nil {
			m.logger.Errorf("Dependency check failed for task %s: %v", t.ID, err)
			continue
		}
		if failure != "" {
			if _, err := m.store.UpdateTaskStatus(t.ID, t.Status, models.FailedTaskStatus, failure); err != nil {
				m.logger.Errorf("Failed to fail task %s: %v", t.ID, err)
			}
			m.logger.Warnf("Task %s failed: %s", t.ID, failure)
			continue
		}
		if blocked {
			// park until the prerequisites settle
			if t.Status == models.PendingTaskStatus {
				if _, err := m.store.UpdateTaskStatus(t.ID, models.PendingTaskStatus, models.WaitingTaskStatus, ""); err != nil {
					m.logger.Errorf("Failed to park task %s: %v", t.ID, err)
				}
			}
			continue
		}

		if err := validateTask(t); err != nil {
			// malformed definition: straight to error, no capacity consumed
			if _, updErr := m.store.UpdateTaskStatus(t.ID, t.Status, models.ErrorTaskStatus, err.Error()); updErr != nil {
				m.logger.Errorf("Failed to mark task %s errored: %v", t.ID, updErr)
			}
			continue
		}

		// Workflow jobs run on the controller, not on an execution node;
		// they consume no fork capacity and are not dispatched.
		if t.Kind == models.WorkflowJobTaskKind {
			if _, err := m.store.UpdateTaskStatus(t.ID, t.Status, models.RunningTaskStatus, ""); err != nil {
				m.logger.Errorf("Failed to start workflow job %s: %v", t.ID, err)
			}
			continue
		}

		node := registry.SelectNode(t)
		if node == nil {
			// transient allocation miss: skip and continue so one starved
			// task does not block the pass
			skips++
			if m.maxSkips > 0 && skips >= m.maxSkips {
				m.logger.Debugf("Reached skip bound (%d), ending pass", m.maxSkips)
				break
			}
			continue
		}

		if err := m.dispatch(t, *node, registry); err != nil {
			m.logger.Errorf("Dispatch of task %s failed: %v", t.ID, err)
		}
	}

	m.reapSilentNodes(active, nodes)
	return nil
}

// dependencyState inspects the task's dependency edges. blocked means a
// prerequisite is still in flight; failure carries an explanation when a
// prerequisite ended in an unacceptable state or no longer exists. A cycle
// of edges simply leaves every member blocked.
func (m *TaskManager) dependencyState(t models.Task, edges []models.Dependency, activeByID map[string]models.Task) (blocked bool, failure string, err error) {
	for _, edge := range edges {
		prereq, ok := activeByID[edge.DependsOn]
		if !ok {
			prereq, err = m.store.GetTask(edge.DependsOn)
			if errors.Is(err, storage.ErrNotFound) {
				return false, fmt.Sprintf("prerequisite task %s no longer exists", edge.DependsOn), nil
			}
			if err != nil {
				return false, "", errors.Wrapf(err, "get prerequisite %s", edge.DependsOn)
			}
		}
		switch prereq.Status {
		case models.SuccessfulTaskStatus:
			// acceptable terminal state, edge resolved
		case models.FailedTaskStatus, models.ErrorTaskStatus, models.CanceledTaskStatus:
			return false, fmt.Sprintf("prerequisite %s (%s) finished %s", prereq.Name, prereq.ID, prereq.Status), nil
		default:
			blocked = true
		}
	}
	return blocked, "", nil
}

// dispatch transactionally claims the task for the node, publishes the
// dispatch message, and applies the pass-local reservation. A failed
// publish rolls the task back to pending so nothing is left "running" with
// no executor behind it.
func (m *TaskManager) dispatch(t models.Task, node models.Node, registry *CapacityRegistry) error {
	txStore, err := m.store.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	claimed, err := txStore.ClaimTask(t.ID, node.Hostname, m.now())
	if err != nil {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			m.logger.Errorf("Failed to rollback claim of task %s: %v", t.ID, rollbackErr)
		}
		return errors.Wrapf(err, "claim task %s", t.ID)
	}
	if !claimed {
		// another scheduler process won the row; nothing to undo
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			m.logger.Errorf("Failed to rollback claim of task %s: %v", t.ID, rollbackErr)
		}
		m.logger.Debugf("Task %s was claimed elsewhere, skipping", t.ID)
		return nil
	}
	if err := txStore.Commit(); err != nil {
		return errors.Wrapf(err, "commit claim of task %s", t.ID)
	}

	msg := broker.DispatchMessage{
		TaskID: t.ID,
		Node:   node.Hostname,
		Kind:   t.Kind,
		Params: dispatchParams(t),
	}
	if err := m.publisher.PublishDispatch(msg); err != nil {
		if relErr := m.store.ReleaseTask(t.ID); relErr != nil {
			m.logger.Errorf("Failed to release task %s after publish failure: %v", t.ID, relErr)
		}
		return errors.Wrapf(err, "publish dispatch for task %s", t.ID)
	}

	registry.Reserve(node.Hostname, taskForks(t))
	m.logger.Infof("Dispatched task %s (%s) to node %s", t.ID, t.Name, node.Hostname)
	return nil
}

func dispatchParams(t models.Task) map[string]string {
	params := map[string]string{"name": t.Name}
	if t.Project != "" {
		params["project"] = t.Project
	}
	if t.Inventory != "" {
		params["inventory"] = t.Inventory
	}
	return params
}

// reapSilentNodes fails running tasks whose node has not heartbeated within
// the timeout. A reaped task is never re-dispatched without explicit
// re-submission, to avoid duplicate execution.
func (m *TaskManager) reapSilentNodes(active []models.Task, nodes []models.Node) {
	nodeByName := make(map[string]models.Node, len(nodes))
	for _, n := range nodes {
		nodeByName[n.Hostname] = n
	}
	now := m.now()
	for _, t := range active {
		if t.Status != models.RunningTaskStatus || t.AssignedNode == nil {
			continue
		}
		node, ok := nodeByName[*t.AssignedNode]
		if ok && node.Healthy(now, m.heartbeatTimeout) {
			continue
		}
		if _, err := m.store.UpdateTaskStatus(t.ID, models.RunningTaskStatus, models.FailedTaskStatus, ReapedExplanation); err != nil {
			m.logger.Errorf("Failed to reap task %s: %v", t.ID, err)
			continue
		}
		m.logger.Warnf("Reaped task %s: node %s is silent", t.ID, *t.AssignedNode)
	}
}
