package models

import "time"

type NodeType string

const (
	ControlNodeType   NodeType = "control"
	HybridNodeType    NodeType = "hybrid"
	ExecutionNodeType NodeType = "execution"
	HopNodeType       NodeType = "hop"
)

// CanRunTasks reports whether the node type accepts task assignments at all.
// Control-only and hop nodes route or coordinate, they never execute work.
func (t NodeType) CanRunTasks() bool {
	return t == HybridNodeType || t == ExecutionNodeType
}

type LinkState string

const (
	AddingLinkState      LinkState = "adding"
	EstablishedLinkState LinkState = "established"
)

// Node is an execution or control host in the mesh. Capacity is the
// reported maximum concurrent forks; consumed capacity is derived from the
// forks of its non-terminal assigned tasks and never tracked on the row.
type Node struct {
	Hostname      string    `json:"hostname" db:"hostname"`
	NodeType      NodeType  `json:"node_type" db:"node_type"`
	Capacity      int       `json:"capacity" db:"capacity"`
	Enabled       bool      `json:"enabled" db:"enabled"`
	LastHeartbeat time.Time `json:"last_heartbeat" db:"last_heartbeat"`
}

// Healthy reports whether the node is enabled and has sent a heartbeat
// within timeout of now. Unhealthy nodes receive no new assignments.
func (n Node) Healthy(now time.Time, timeout time.Duration) bool {
	return n.Enabled && now.Sub(n.LastHeartbeat) <= timeout
}

// NodeLink records mesh connectivity between two peers.
type NodeLink struct {
	Source string    `json:"source" db:"source"`
	Target string    `json:"target" db:"target"`
	State  LinkState `json:"state" db:"state"`
}
