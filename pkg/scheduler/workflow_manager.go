package scheduler

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/opsmesh/dispatchd/pkg/broker"
	"github.com/opsmesh/dispatchd/pkg/models"
	"github.com/opsmesh/dispatchd/pkg/storage"
)

// WorkflowManager advances workflow DAGs. Each pass syncs node states from
// their spawned tasks, launches nodes whose inbound edges are all
// satisfied, completes workflows whose nodes are all terminal, and
// propagates cancellation of a canceled workflow to every non-terminal
// descendant.
type WorkflowManager struct {
	store     storage.Store
	intake    *TaskIntake
	publisher broker.Publisher
	guard     *SignalGuard
	logger    Logger
}

func NewWorkflowManager(store storage.Store, intake *TaskIntake, publisher broker.Publisher, guard *SignalGuard, logger Logger) *WorkflowManager {
	return &WorkflowManager{
		store:     store,
		intake:    intake,
		publisher: publisher,
		guard:     guard,
		logger:    logger,
	}
}

// Schedule runs one workflow pass under the signal guard.
func (m *WorkflowManager) Schedule() error {
	return m.guard.RunGuarded(m.schedule)
}

func (m *WorkflowManager) schedule() error {
	active, err := m.store.ListActiveTasks()
	if err != nil {
		return errors.Wrap(err, "list active tasks")
	}
	for _, t := range active {
		if t.Kind != models.WorkflowJobTaskKind || t.Status != models.RunningTaskStatus {
			continue
		}
		if m.guard.SignalReceived() {
			m.logger.Infof("Workflow pass exiting early on signal")
			return nil
		}
		if err := m.advance(t); err != nil {
			m.logger.Errorf("Failed to advance workflow %s: %v", t.ID, err)
		}
	}

	canceled, err := m.store.ListTasksByKindAndStatus(models.WorkflowJobTaskKind, models.CanceledTaskStatus)
	if err != nil {
		return errors.Wrap(err, "list canceled workflow jobs")
	}
	for _, t := range canceled {
		if m.guard.SignalReceived() {
			m.logger.Infof("Workflow pass exiting early on signal")
			return nil
		}
		if err := m.cancelDescendants(t); err != nil {
			m.logger.Errorf("Failed to cancel descendants of workflow %s: %v", t.ID, err)
		}
	}
	return nil
}

// advance evaluates one running workflow: node state sync, readiness,
// spawning, and completion.
func (m *WorkflowManager) advance(wf models.Task) error {
	nodes, err := m.store.ListWorkflowNodes(wf.ID)
	if err != nil {
		return errors.Wrap(err, "list workflow nodes")
	}
	edges, err := m.store.ListWorkflowEdges(wf.ID)
	if err != nil {
		return errors.Wrap(err, "list workflow edges")
	}

	for i := range nodes {
		if updated, err := m.syncNodeState(&nodes[i]); err != nil {
			m.logger.Errorf("Failed to sync workflow node %d: %v", nodes[i].ID, err)
		} else if updated {
			m.logger.Debugf("Workflow node %d now %s", nodes[i].ID, nodes[i].State)
		}
	}

	stateByID := make(map[int64]models.WorkflowNodeState, len(nodes))
	for _, n := range nodes {
		stateByID[n.ID] = n.State
	}
	inbound := make(map[int64][]models.WorkflowEdge)
	for _, e := range edges {
		inbound[e.ToNode] = append(inbound[e.ToNode], e)
	}

	for i := range nodes {
		n := &nodes[i]
		if n.State != models.PendingNodeState {
			continue
		}
		switch m.readiness(inbound[n.ID], stateByID) {
		case nodeReady:
			if err := m.launch(wf, n); err != nil {
				m.logger.Errorf("Failed to launch workflow node %d: %v", n.ID, err)
			}
			stateByID[n.ID] = n.State
		case nodeUnreachable:
			if ok, err := m.store.UpdateWorkflowNodeState(n.ID, models.PendingNodeState, models.SkippedNodeState); err != nil {
				m.logger.Errorf("Failed to skip workflow node %d: %v", n.ID, err)
			} else if ok {
				n.State = models.SkippedNodeState
				stateByID[n.ID] = n.State
				m.logger.Debugf("Workflow node %d skipped: no inbound edge satisfied", n.ID)
			}
		case nodeWaiting:
			// some predecessor still in flight; evaluate again next pass
		}
	}

	return m.complete(wf, nodes)
}

// syncNodeState pulls a running node's state from its spawned task once the
// task reaches a terminal status.
func (m *WorkflowManager) syncNodeState(n *models.WorkflowNode) (bool, error) {
	if n.State != models.RunningNodeState || n.SpawnedTaskID == nil {
		return false, nil
	}
	t, err := m.store.GetTask(*n.SpawnedTaskID)
	if errors.Is(err, storage.ErrNotFound) {
		_, err = m.store.UpdateWorkflowNodeState(n.ID, models.RunningNodeState, models.FailedNodeState)
		if err == nil {
			n.State = models.FailedNodeState
		}
		return err == nil, err
	}
	if err != nil {
		return false, errors.Wrapf(err, "get spawned task %s", *n.SpawnedTaskID)
	}
	if !t.Status.IsTerminal() {
		return false, nil
	}
	var to models.WorkflowNodeState
	switch t.Status {
	case models.SuccessfulTaskStatus:
		to = models.SuccessfulNodeState
	case models.CanceledTaskStatus:
		to = models.CanceledNodeState
	default:
		to = models.FailedNodeState
	}
	ok, err := m.store.UpdateWorkflowNodeState(n.ID, models.RunningNodeState, to)
	if err != nil {
		return false, err
	}
	if ok {
		n.State = to
	}
	return ok, nil
}

type nodeReadiness int

const (
	nodeWaiting nodeReadiness = iota
	nodeReady
	nodeUnreachable
)

// readiness applies the AND-across-inbound-edges rule. A node with no
// inbound edges is ready immediately. A fan-in node stays waiting until
// every source is terminal; once all sources are terminal, any edge whose
// condition the source state does not satisfy makes the node unreachable.
func (m *WorkflowManager) readiness(in []models.WorkflowEdge, stateByID map[int64]models.WorkflowNodeState) nodeReadiness {
	if len(in) == 0 {
		return nodeReady
	}
	for _, e := range in {
		if !stateByID[e.FromNode].IsTerminal() {
			return nodeWaiting
		}
	}
	for _, e := range in {
		if !e.Condition.Satisfied(stateByID[e.FromNode]) {
			return nodeUnreachable
		}
	}
	return nodeReady
}

// launch spawns the node's task through the intake path. The
// update-if-unchanged state transition guarantees launch-at-most-once even
// across concurrent passes. A validation failure marks the node failed so
// failure-condition successors still fire.
func (m *WorkflowManager) launch(wf models.Task, n *models.WorkflowNode) error {
	ok, err := m.store.UpdateWorkflowNodeState(n.ID, models.PendingNodeState, models.RunningNodeState)
	if err != nil {
		return errors.Wrap(err, "mark node running")
	}
	if !ok {
		return nil // launched by another pass
	}
	n.State = models.RunningNodeState

	spawned, err := m.intake.Create(models.Task{
		Kind:           models.JobTaskKind,
		Name:           n.Template,
		Priority:       wf.Priority,
		Forks:          n.Forks,
		ControllerNode: wf.ControllerNode,
	})
	if err != nil {
		if _, updErr := m.store.UpdateWorkflowNodeState(n.ID, models.RunningNodeState, models.FailedNodeState); updErr != nil {
			return errors.Wrap(updErr, "mark node failed after spawn error")
		}
		n.State = models.FailedNodeState
		m.logger.Warnf("Workflow node %d failed to spawn: %v", n.ID, err)
		return nil
	}
	if err := m.store.SetWorkflowNodeSpawned(n.ID, spawned.ID); err != nil {
		return errors.Wrap(err, "record spawned task")
	}
	n.SpawnedTaskID = &spawned.ID
	m.logger.Infof("Workflow %s node %d spawned task %s (%s)", wf.ID, n.ID, spawned.ID, n.Template)
	return nil
}

// complete transitions the workflow job itself once every node is
// terminal: failed when any node failed, successful otherwise.
func (m *WorkflowManager) complete(wf models.Task, nodes []models.WorkflowNode) error {
	anyFailed := false
	for _, n := range nodes {
		if !n.State.IsTerminal() {
			return nil
		}
		if n.State == models.FailedNodeState {
			anyFailed = true
		}
	}
	to := models.SuccessfulTaskStatus
	explanation := ""
	if anyFailed {
		to = models.FailedTaskStatus
		explanation = "one or more workflow nodes failed"
	}
	if _, err := m.store.UpdateTaskStatus(wf.ID, models.RunningTaskStatus, to, explanation); err != nil {
		return errors.Wrap(err, "complete workflow job")
	}
	m.logger.Infof("Workflow %s finished %s", wf.ID, to)
	return nil
}

// cancelDescendants moves every non-terminal node of a canceled workflow to
// canceled and issues cancellation for spawned tasks still in flight.
func (m *WorkflowManager) cancelDescendants(wf models.Task) error {
	nodes, err := m.store.ListWorkflowNodes(wf.ID)
	if err != nil {
		return errors.Wrap(err, "list workflow nodes")
	}
	for _, n := range nodes {
		if n.State.IsTerminal() {
			continue
		}
		if ok, err := m.store.UpdateWorkflowNodeState(n.ID, n.State, models.CanceledNodeState); err != nil || !ok {
			if err != nil {
				m.logger.Errorf("Failed to cancel workflow node %d: %v", n.ID, err)
			}
			continue
		}
		if n.SpawnedTaskID == nil {
			continue
		}
		spawned, err := m.store.GetTask(*n.SpawnedTaskID)
		if err != nil {
			m.logger.Errorf("Failed to load spawned task %s: %v", *n.SpawnedTaskID, err)
			continue
		}
		if spawned.Status.IsTerminal() {
			continue
		}
		explanation := fmt.Sprintf("workflow %s was canceled", wf.ID)
		if _, err := m.store.UpdateTaskStatus(spawned.ID, spawned.Status, models.CanceledTaskStatus, explanation); err != nil {
			m.logger.Errorf("Failed to cancel task %s: %v", spawned.ID, err)
			continue
		}
		if spawned.Status == models.RunningTaskStatus {
			if err := m.publisher.PublishCancel(spawned.ID); err != nil {
				m.logger.Errorf("Failed to publish cancel for task %s: %v", spawned.ID, err)
			}
		}
		m.logger.Infof("Canceled task %s for canceled workflow %s", spawned.ID, wf.ID)
	}
	return nil
}
