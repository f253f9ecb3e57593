package scheduler

import (
	"time"

	"github.com/opsmesh/dispatchd/pkg/models"
)

// CapacityRegistry answers available-capacity queries over a snapshot of
// node and task state taken at the start of a scheduling pass. It never
// mutates persisted capacity; the task manager reserves pass-locally after
// a dispatch commits so later evaluations in the same pass see the load.
type CapacityRegistry struct {
	heartbeatTimeout time.Duration
	now              time.Time
	nodes            []models.Node
	consumed         map[string]int
	reserved         map[string]int
	linked           map[string]bool
	reachable        map[string]bool
}

// NewCapacityRegistry builds a registry from the pass snapshot. Consumed
// capacity is derived from the forks of every non-terminal task already
// assigned to a node. Mesh links gate reachability: a node that is the
// target of link rows is unassignable until at least one of them is
// established, while a node with no link rows stands alone and needs none.
func NewCapacityRegistry(nodes []models.Node, links []models.NodeLink, active []models.Task, heartbeatTimeout time.Duration, now time.Time) *CapacityRegistry {
	consumed := make(map[string]int, len(nodes))
	for _, t := range active {
		if t.AssignedNode == nil || t.Status.IsTerminal() {
			continue
		}
		consumed[*t.AssignedNode] += taskForks(t)
	}
	linked := make(map[string]bool, len(links))
	reachable := make(map[string]bool, len(links))
	for _, l := range links {
		linked[l.Target] = true
		if l.State == models.EstablishedLinkState {
			reachable[l.Target] = true
		}
	}
	return &CapacityRegistry{
		heartbeatTimeout: heartbeatTimeout,
		now:              now,
		nodes:            nodes,
		consumed:         consumed,
		reserved:         make(map[string]int),
		linked:           linked,
		reachable:        reachable,
	}
}

func taskForks(t models.Task) int {
	if t.Forks < 1 {
		return 1
	}
	return t.Forks
}

// AvailableCapacity returns the node's reported capacity minus consumed and
// pass-local reservations, or zero when the node is unhealthy, unreachable
// over the mesh, or cannot run tasks at all.
func (r *CapacityRegistry) AvailableCapacity(n models.Node) int {
	if !n.NodeType.CanRunTasks() || !n.Healthy(r.now, r.heartbeatTimeout) {
		return 0
	}
	if r.linked[n.Hostname] && !r.reachable[n.Hostname] {
		return 0
	}
	avail := n.Capacity - r.consumed[n.Hostname] - r.reserved[n.Hostname]
	if avail < 0 {
		return 0
	}
	return avail
}

// SelectNode deterministically picks the least-loaded healthy node with
// enough remaining capacity for the task, breaking ties on hostname. Nil
// means no candidate qualifies; the caller leaves the task queued and
// retries next pass.
func (r *CapacityRegistry) SelectNode(t models.Task) *models.Node {
	need := taskForks(t)
	var best *models.Node
	bestAvail := 0
	for i := range r.nodes {
		n := r.nodes[i]
		avail := r.AvailableCapacity(n)
		if avail < need {
			continue
		}
		if best == nil || avail > bestAvail || (avail == bestAvail && n.Hostname < best.Hostname) {
			best = &r.nodes[i]
			bestAvail = avail
		}
	}
	return best
}

// Reserve records a pass-local reservation after a dispatch commits.
func (r *CapacityRegistry) Reserve(hostname string, forks int) {
	if forks < 1 {
		forks = 1
	}
	r.reserved[hostname] += forks
}

// Consumed returns the derived load of a node including pass-local
// reservations. Exposed for invariant checks in tests.
func (r *CapacityRegistry) Consumed(hostname string) int {
	return r.consumed[hostname] + r.reserved[hostname]
}
