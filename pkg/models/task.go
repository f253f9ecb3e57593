package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus    TaskStatus = "pending"
	WaitingTaskStatus    TaskStatus = "waiting"
	RunningTaskStatus    TaskStatus = "running"
	SuccessfulTaskStatus TaskStatus = "successful"
	FailedTaskStatus     TaskStatus = "failed"
	CanceledTaskStatus   TaskStatus = "canceled"
	ErrorTaskStatus      TaskStatus = "error"
)

// IsTerminal reports whether no further transition is possible from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case SuccessfulTaskStatus, FailedTaskStatus, CanceledTaskStatus, ErrorTaskStatus:
		return true
	}
	return false
}

type TaskKind string

const (
	JobTaskKind             TaskKind = "job"
	ProjectUpdateTaskKind   TaskKind = "project_update"
	InventoryUpdateTaskKind TaskKind = "inventory_update"
	SystemJobTaskKind       TaskKind = "system_job"
	WorkflowJobTaskKind     TaskKind = "workflow_job"
)

// Task is a unit of schedulable work. Tasks move pending -> waiting ->
// running -> terminal; a task is never dispatched twice and never runs
// while one of its dependency edges points at a non-terminal prerequisite.
type Task struct {
	ID             string     `json:"id" db:"id"`
	Kind           TaskKind   `json:"kind" db:"kind"`
	Name           string     `json:"name" db:"name"`
	Status         TaskStatus `json:"status" db:"status"`
	Priority       int        `json:"priority" db:"priority"`
	Forks          int        `json:"forks" db:"forks"` // capacity units consumed while running
	Project        string     `json:"project,omitempty" db:"project"`
	Inventory      string     `json:"inventory,omitempty" db:"inventory"`
	AssignedNode   *string    `json:"assigned_node,omitempty" db:"assigned_node"`
	ControllerNode string     `json:"controller_node,omitempty" db:"controller_node"`
	Explanation    string     `json:"explanation,omitempty" db:"explanation"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// NeedsProjectUpdate reports whether the task declares a project that must
// be freshly updated before the task may run.
func (t Task) NeedsProjectUpdate() bool {
	return t.Kind == JobTaskKind && t.Project != ""
}

// NeedsInventoryUpdate reports whether the task declares an inventory that
// must be freshly synced before the task may run.
func (t Task) NeedsInventoryUpdate() bool {
	return t.Kind == JobTaskKind && t.Inventory != ""
}
