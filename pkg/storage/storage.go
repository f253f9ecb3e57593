package storage

import (
	"time"

	"github.com/pkg/errors"

	"github.com/opsmesh/dispatchd/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persisted task/node operations the scheduling core uses.
// Begin returns a Store bound to a transaction; state transitions use
// update-if-unchanged semantics so concurrent scheduler processes cannot
// double-dispatch a task or attach the same dependency edge twice.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Task operations
	SaveTask(t models.Task) error
	GetTask(id string) (models.Task, error)
	// ListActiveTasks returns all non-terminal tasks ordered by priority
	// then creation time, the stable order every scheduling pass walks.
	ListActiveTasks() ([]models.Task, error)
	// ListTasksByKindAndKey returns tasks of the given kind whose project
	// or inventory key matches, newest first. Used for cache freshness.
	ListTasksByKindAndKey(kind models.TaskKind, key string) ([]models.Task, error)
	// ListTasksByKindAndStatus returns tasks of the given kind in the given
	// status. The workflow manager uses it to find canceled workflow jobs
	// whose descendants still need cancellation.
	ListTasksByKindAndStatus(kind models.TaskKind, status models.TaskStatus) ([]models.Task, error)
	// UpdateTaskStatus transitions the task from one status to another only
	// if it is still in the expected status. Returns false when the row
	// changed underneath us, which the caller treats as "someone else won".
	UpdateTaskStatus(id string, from, to models.TaskStatus, explanation string) (bool, error)
	// ClaimTask atomically marks a pending or waiting task running and
	// records its assigned node. Returns false if the task already left
	// the queue.
	ClaimTask(id string, node string, at time.Time) (bool, error)
	// ReleaseTask rolls a claimed task back to pending, clearing its
	// assigned node. Used when the dispatch publish fails.
	ReleaseTask(id string) error

	// Dependency operations
	// SaveDependency is idempotent: saving an existing edge is a no-op.
	SaveDependency(d models.Dependency) error
	ListDependencies() ([]models.Dependency, error)

	// Node operations
	ListNodes() ([]models.Node, error)
	GetNode(hostname string) (models.Node, error)
	SaveNode(n models.Node) error
	UpdateNodeHeartbeat(hostname string, at time.Time) error
	ListNodeLinks() ([]models.NodeLink, error)
	UpdateNodeLinkState(source, target string, state models.LinkState) error

	// Workflow operations
	SaveWorkflowNode(n models.WorkflowNode) (int64, error)
	SaveWorkflowEdge(e models.WorkflowEdge) error
	ListWorkflowNodes(workflowTaskID string) ([]models.WorkflowNode, error)
	ListWorkflowEdges(workflowTaskID string) ([]models.WorkflowEdge, error)
	// UpdateWorkflowNodeState is update-if-unchanged, mirroring
	// UpdateTaskStatus, so a node is launched at most once.
	UpdateWorkflowNodeState(id int64, from, to models.WorkflowNodeState) (bool, error)
	SetWorkflowNodeSpawned(id int64, taskID string) error
}
