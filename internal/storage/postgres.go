package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/opsmesh/dispatchd/pkg/models"
	"github.com/opsmesh/dispatchd/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // no-op for *sqlx.Tx
}

func (s *PostgresStore) SaveTask(t models.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, kind, name, status, priority, forks, project, inventory,
			assigned_node, controller_node, explanation, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.Kind, t.Name, t.Status, t.Priority, t.Forks, t.Project, t.Inventory,
		t.AssignedNode, t.ControllerNode, t.Explanation, t.CreatedAt, t.StartedAt, t.FinishedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(id string) (models.Task, error) {
	var t models.Task
	err := s.db.Get(&t, "SELECT * FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	return t, nil
}

// ListActiveTasks returns non-terminal tasks in the stable pass order:
// priority descending, then creation time, then id as the final tie-break.
func (s *PostgresStore) ListActiveTasks() ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE status IN ('pending', 'waiting', 'running')
		ORDER BY priority DESC, created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *PostgresStore) ListTasksByKindAndKey(kind models.TaskKind, key string) ([]models.Task, error) {
	tasks := []models.Task{}
	column := "project"
	if kind == models.InventoryUpdateTaskKind {
		column = "inventory"
	}
	query := fmt.Sprintf("SELECT * FROM tasks WHERE kind = $1 AND %s = $2 ORDER BY created_at DESC", column)
	if err := s.db.Select(&tasks, query, kind, key); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *PostgresStore) ListTasksByKindAndStatus(kind models.TaskKind, status models.TaskStatus) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.Select(&tasks, "SELECT * FROM tasks WHERE kind = $1 AND status = $2 ORDER BY created_at ASC", kind, status)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateTaskStatus only matches the row while it is still in the expected
// status, so a transition lost to a concurrent scheduler reports false
// instead of clobbering the winner's write.
func (s *PostgresStore) UpdateTaskStatus(id string, from, to models.TaskStatus, explanation string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = $1,
		explanation = CASE WHEN $2 <> '' THEN $2 ELSE explanation END,
		finished_at = CASE WHEN $1 IN ('successful', 'failed', 'canceled', 'error') THEN CURRENT_TIMESTAMP ELSE finished_at END
		WHERE id = $3 AND status = $4`,
		to, explanation, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimTask dispatches from either queue state; a task already running or
// terminal reports false so the pass never double-dispatches.
func (s *PostgresStore) ClaimTask(id string, node string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = 'running', assigned_node = $1, started_at = $2
		WHERE id = $3 AND status IN ('pending', 'waiting')`,
		node, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) ReleaseTask(id string) error {
	_, err := s.db.Exec(`
		UPDATE tasks
		SET status = 'pending', assigned_node = NULL, started_at = NULL
		WHERE id = $1 AND status = 'running'`,
		id)
	return err
}

// SaveDependency relies on the unique (task_id, depends_on) constraint to
// stay idempotent under concurrent scheduler passes.
func (s *PostgresStore) SaveDependency(d models.Dependency) error {
	_, err := s.db.Exec(`
		INSERT INTO dependencies (task_id, depends_on) VALUES ($1, $2)
		ON CONFLICT (task_id, depends_on) DO NOTHING`,
		d.TaskID, d.DependsOn)
	return err
}

func (s *PostgresStore) ListDependencies() ([]models.Dependency, error) {
	deps := []models.Dependency{}
	if err := s.db.Select(&deps, "SELECT task_id, depends_on FROM dependencies"); err != nil {
		return nil, err
	}
	return deps, nil
}

func (s *PostgresStore) ListNodes() ([]models.Node, error) {
	nodes := []models.Node{}
	if err := s.db.Select(&nodes, "SELECT * FROM nodes ORDER BY hostname"); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *PostgresStore) GetNode(hostname string) (models.Node, error) {
	var n models.Node
	err := s.db.Get(&n, "SELECT * FROM nodes WHERE hostname = $1", hostname)
	if err == sql.ErrNoRows {
		return models.Node{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Node{}, err
	}
	return n, nil
}

func (s *PostgresStore) SaveNode(n models.Node) error {
	_, err := s.db.Exec(`
		INSERT INTO nodes (hostname, node_type, capacity, enabled, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hostname) DO UPDATE
		SET node_type = EXCLUDED.node_type, capacity = EXCLUDED.capacity,
		    enabled = EXCLUDED.enabled, last_heartbeat = EXCLUDED.last_heartbeat`,
		n.Hostname, n.NodeType, n.Capacity, n.Enabled, n.LastHeartbeat)
	return err
}

func (s *PostgresStore) UpdateNodeHeartbeat(hostname string, at time.Time) error {
	res, err := s.db.Exec("UPDATE nodes SET last_heartbeat = $1 WHERE hostname = $2", at, hostname)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListNodeLinks() ([]models.NodeLink, error) {
	links := []models.NodeLink{}
	if err := s.db.Select(&links, "SELECT source, target, state FROM node_links"); err != nil {
		return nil, err
	}
	return links, nil
}

func (s *PostgresStore) UpdateNodeLinkState(source, target string, state models.LinkState) error {
	_, err := s.db.Exec(`
		INSERT INTO node_links (source, target, state) VALUES ($1, $2, $3)
		ON CONFLICT (source, target) DO UPDATE SET state = EXCLUDED.state`,
		source, target, state)
	return err
}

func (s *PostgresStore) SaveWorkflowNode(n models.WorkflowNode) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO workflow_nodes (workflow_task_id, template, forks, state, spawned_task_id)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		n.WorkflowTaskID, n.Template, n.Forks, n.State, n.SpawnedTaskID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save workflow node: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) SaveWorkflowEdge(e models.WorkflowEdge) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_edges (workflow_task_id, from_node, to_node, condition)
		VALUES ($1, $2, $3, $4)`,
		e.WorkflowTaskID, e.FromNode, e.ToNode, e.Condition)
	return err
}

func (s *PostgresStore) ListWorkflowNodes(workflowTaskID string) ([]models.WorkflowNode, error) {
	nodes := []models.WorkflowNode{}
	err := s.db.Select(&nodes, "SELECT * FROM workflow_nodes WHERE workflow_task_id = $1 ORDER BY id", workflowTaskID)
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *PostgresStore) ListWorkflowEdges(workflowTaskID string) ([]models.WorkflowEdge, error) {
	edges := []models.WorkflowEdge{}
	err := s.db.Select(&edges, "SELECT * FROM workflow_edges WHERE workflow_task_id = $1 ORDER BY from_node, to_node", workflowTaskID)
	if err != nil {
		return nil, err
	}
	return edges, nil
}

func (s *PostgresStore) UpdateWorkflowNodeState(id int64, from, to models.WorkflowNodeState) (bool, error) {
	res, err := s.db.Exec("UPDATE workflow_nodes SET state = $1 WHERE id = $2 AND state = $3", to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) SetWorkflowNodeSpawned(id int64, taskID string) error {
	_, err := s.db.Exec("UPDATE workflow_nodes SET spawned_task_id = $1 WHERE id = $2", taskID, id)
	return err
}
