package models

type WorkflowNodeState string

const (
	PendingNodeState    WorkflowNodeState = "pending"
	RunningNodeState    WorkflowNodeState = "running"
	SuccessfulNodeState WorkflowNodeState = "successful"
	FailedNodeState     WorkflowNodeState = "failed"
	SkippedNodeState    WorkflowNodeState = "skipped"
	CanceledNodeState   WorkflowNodeState = "canceled"
)

// IsTerminal reports whether the node will not transition again.
func (s WorkflowNodeState) IsTerminal() bool {
	switch s {
	case SuccessfulNodeState, FailedNodeState, SkippedNodeState, CanceledNodeState:
		return true
	}
	return false
}

type EdgeCondition string

const (
	AlwaysEdgeCondition  EdgeCondition = "always"
	SuccessEdgeCondition EdgeCondition = "success"
	FailureEdgeCondition EdgeCondition = "failure"
)

// Satisfied reports whether a source node that finished in state meets the
// edge's trigger condition. Non-terminal source states never satisfy.
func (c EdgeCondition) Satisfied(state WorkflowNodeState) bool {
	if !state.IsTerminal() {
		return false
	}
	switch c {
	case AlwaysEdgeCondition:
		return true
	case SuccessEdgeCondition:
		return state == SuccessfulNodeState
	case FailureEdgeCondition:
		return state == FailedNodeState
	}
	return false
}

// WorkflowNode is one element of a workflow job's DAG. A node is launched
// at most once; SpawnedTaskID records the task created when it launched.
type WorkflowNode struct {
	ID             int64             `json:"id" db:"id"`
	WorkflowTaskID string            `json:"workflow_task_id" db:"workflow_task_id"`
	Template       string            `json:"template" db:"template"` // unified job template reference
	Forks          int               `json:"forks" db:"forks"`
	State          WorkflowNodeState `json:"state" db:"state"`
	SpawnedTaskID  *string           `json:"spawned_task_id,omitempty" db:"spawned_task_id"`
}

// WorkflowEdge connects two nodes of the same workflow, tagged with the
// condition under which the target may fire.
type WorkflowEdge struct {
	WorkflowTaskID string        `json:"workflow_task_id" db:"workflow_task_id"`
	FromNode       int64         `json:"from_node" db:"from_node"`
	ToNode         int64         `json:"to_node" db:"to_node"`
	Condition      EdgeCondition `json:"condition" db:"condition"`
}
