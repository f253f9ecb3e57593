package broker

import "github.com/opsmesh/dispatchd/pkg/models"

// DispatchMessage tells an execution node to start (or stop) a task.
// Delivery is at-least-once: the executing side must treat a duplicate
// dispatch for an already-running task as a no-op.
type DispatchMessage struct {
	TaskID string            `json:"task_id"`
	Node   string            `json:"node"`
	Kind   models.TaskKind   `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
}

// Publisher is the message-broker collaborator. Publish is a bounded
// network call; retry policy lives with the broker, never inside a
// scheduling pass.
type Publisher interface {
	// PublishDispatch announces one task assignment to its target node.
	PublishDispatch(msg DispatchMessage) error
	// PublishCancel asks whichever node runs the task to stop it.
	PublishCancel(taskID string) error
	Close() error
}
