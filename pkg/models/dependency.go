package models

// Dependency is a precedence edge: TaskID may not run until DependsOn has
// reached an acceptable terminal state. The pair is unique in the store so
// concurrent scheduler passes cannot attach the same edge twice.
type Dependency struct {
	TaskID    string `json:"task_id" db:"task_id"`       // dependent task
	DependsOn string `json:"depends_on" db:"depends_on"` // prerequisite task
}
