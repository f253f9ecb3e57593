package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/opsmesh/dispatchd/pkg/models"
)

// mockStore implements Store with in-memory state for unit tests. Begin
// returns the store itself; transitions still honor the update-if-unchanged
// contract so scheduler tests exercise the same claim semantics as Postgres.
type mockStore struct {
	mu         sync.Mutex
	tasks      map[string]models.Task
	deps       []models.Dependency
	nodes      map[string]models.Node
	links      []models.NodeLink
	wfNodes    map[int64]models.WorkflowNode
	wfEdges    []models.WorkflowEdge
	nextNodeID int64
}

func NewMockStore() Store {
	return &mockStore{
		tasks:   make(map[string]models.Task),
		nodes:   make(map[string]models.Node),
		wfNodes: make(map[int64]models.WorkflowNode),
	}
}

func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveTask(t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *mockStore) GetTask(id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *mockStore) ListActiveTasks() ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []models.Task
	for _, t := range m.tasks {
		if !t.Status.IsTerminal() {
			active = append(active, t)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})
	return active, nil
}

func (m *mockStore) ListTasksByKindAndKey(kind models.TaskKind, key string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.Kind != kind {
			continue
		}
		if (kind == models.InventoryUpdateTaskKind && t.Inventory == key) ||
			(kind != models.InventoryUpdateTaskKind && t.Project == key) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) ListTasksByKindAndStatus(kind models.TaskKind, status models.TaskStatus) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.Kind == kind && t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) UpdateTaskStatus(id string, from, to models.TaskStatus, explanation string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	if explanation != "" {
		t.Explanation = explanation
	}
	if to.IsTerminal() {
		now := time.Now()
		t.FinishedAt = &now
	}
	m.tasks[id] = t
	return true, nil
}

func (m *mockStore) ClaimTask(id string, node string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != models.PendingTaskStatus && t.Status != models.WaitingTaskStatus {
		return false, nil
	}
	t.Status = models.RunningTaskStatus
	t.AssignedNode = &node
	t.StartedAt = &at
	m.tasks[id] = t
	return true, nil
}

func (m *mockStore) ReleaseTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = models.PendingTaskStatus
	t.AssignedNode = nil
	t.StartedAt = nil
	m.tasks[id] = t
	return nil
}

func (m *mockStore) SaveDependency(d models.Dependency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.deps {
		if existing.TaskID == d.TaskID && existing.DependsOn == d.DependsOn {
			return nil // idempotent
		}
	}
	m.deps = append(m.deps, d)
	return nil
}

func (m *mockStore) ListDependencies() ([]models.Dependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Dependency, len(m.deps))
	copy(out, m.deps)
	return out, nil
}

func (m *mockStore) ListNodes() ([]models.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Node
	for _, n := range m.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

func (m *mockStore) GetNode(hostname string) (models.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[hostname]
	if !ok {
		return models.Node{}, ErrNotFound
	}
	return n, nil
}

func (m *mockStore) SaveNode(n models.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.Hostname] = n
	return nil
}

func (m *mockStore) UpdateNodeHeartbeat(hostname string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[hostname]
	if !ok {
		return ErrNotFound
	}
	n.LastHeartbeat = at
	m.nodes[hostname] = n
	return nil
}

func (m *mockStore) ListNodeLinks() ([]models.NodeLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.NodeLink, len(m.links))
	copy(out, m.links)
	return out, nil
}

func (m *mockStore) UpdateNodeLinkState(source, target string, state models.LinkState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.links {
		if l.Source == source && l.Target == target {
			m.links[i].State = state
			return nil
		}
	}
	m.links = append(m.links, models.NodeLink{Source: source, Target: target, State: state})
	return nil
}

func (m *mockStore) SaveWorkflowNode(n models.WorkflowNode) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == 0 {
		m.nextNodeID++
		n.ID = m.nextNodeID
	} else if n.ID > m.nextNodeID {
		m.nextNodeID = n.ID
	}
	m.wfNodes[n.ID] = n
	return n.ID, nil
}

func (m *mockStore) SaveWorkflowEdge(e models.WorkflowEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wfEdges = append(m.wfEdges, e)
	return nil
}

func (m *mockStore) ListWorkflowNodes(workflowTaskID string) ([]models.WorkflowNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowNode
	for _, n := range m.wfNodes {
		if n.WorkflowTaskID == workflowTaskID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) ListWorkflowEdges(workflowTaskID string) ([]models.WorkflowEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowEdge
	for _, e := range m.wfEdges {
		if e.WorkflowTaskID == workflowTaskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateWorkflowNodeState(id int64, from, to models.WorkflowNodeState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.wfNodes[id]
	if !ok {
		return false, ErrNotFound
	}
	if n.State != from {
		return false, nil
	}
	n.State = to
	m.wfNodes[id] = n
	return true, nil
}

func (m *mockStore) SetWorkflowNodeSpawned(id int64, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.wfNodes[id]
	if !ok {
		return ErrNotFound
	}
	n.SpawnedTaskID = &taskID
	m.wfNodes[id] = n
	return nil
}
