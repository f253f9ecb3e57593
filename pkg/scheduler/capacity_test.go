package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opsmesh/dispatchd/pkg/models"
	"github.com/opsmesh/dispatchd/pkg/scheduler"
)

type logger struct{}

func (l logger) Debugf(format string, args ...interface{}) {}
func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Warnf(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

func strPtr(s string) *string { return &s }

func TestCapacityRegistry(t *testing.T) {
	now := time.Now()
	heartbeat := 90 * time.Second

	newNode := func(hostname string, capacity int) models.Node {
		return models.Node{
			Hostname:      hostname,
			NodeType:      models.ExecutionNodeType,
			Capacity:      capacity,
			Enabled:       true,
			LastHeartbeat: now,
		}
	}

	t.Run("AvailableCapacitySubtractsAssignedForks", func(t *testing.T) {
		n := newNode("exec1", 10)
		active := []models.Task{
			{ID: "a", Status: models.RunningTaskStatus, Forks: 3, AssignedNode: strPtr("exec1")},
			{ID: "b", Status: models.WaitingTaskStatus, Forks: 2, AssignedNode: strPtr("exec1")},
			{ID: "c", Status: models.PendingTaskStatus, Forks: 5}, // unassigned, consumes nothing
		}
		r := scheduler.NewCapacityRegistry([]models.Node{n}, nil, active, heartbeat, now)
		assert.Equal(t, 5, r.AvailableCapacity(n))
	})

	t.Run("UnhealthyNodeHasZeroCapacity", func(t *testing.T) {
		stale := newNode("exec1", 10)
		stale.LastHeartbeat = now.Add(-5 * time.Minute)
		disabled := newNode("exec2", 10)
		disabled.Enabled = false
		r := scheduler.NewCapacityRegistry([]models.Node{stale, disabled}, nil, nil, heartbeat, now)
		assert.Equal(t, 0, r.AvailableCapacity(stale))
		assert.Equal(t, 0, r.AvailableCapacity(disabled))
	})

	t.Run("ControlAndHopNodesNeverRunTasks", func(t *testing.T) {
		control := newNode("ctl", 100)
		control.NodeType = models.ControlNodeType
		hop := newNode("hop", 100)
		hop.NodeType = models.HopNodeType
		r := scheduler.NewCapacityRegistry([]models.Node{control, hop}, nil, nil, heartbeat, now)
		assert.Equal(t, 0, r.AvailableCapacity(control))
		assert.Equal(t, 0, r.AvailableCapacity(hop))
		assert.Nil(t, r.SelectNode(models.Task{Forks: 1}))
	})

	t.Run("SelectNodePrefersLeastLoaded", func(t *testing.T) {
		busy := newNode("busy", 10)
		idle := newNode("idle", 10)
		active := []models.Task{
			{ID: "a", Status: models.RunningTaskStatus, Forks: 6, AssignedNode: strPtr("busy")},
		}
		r := scheduler.NewCapacityRegistry([]models.Node{busy, idle}, nil, active, heartbeat, now)
		selected := r.SelectNode(models.Task{Forks: 2})
		if assert.NotNil(t, selected) {
			assert.Equal(t, "idle", selected.Hostname)
		}
	})

	t.Run("SelectNodeTieBreaksOnHostname", func(t *testing.T) {
		b := newNode("beta", 10)
		a := newNode("alpha", 10)
		r := scheduler.NewCapacityRegistry([]models.Node{b, a}, nil, nil, heartbeat, now)
		selected := r.SelectNode(models.Task{Forks: 1})
		if assert.NotNil(t, selected) {
			assert.Equal(t, "alpha", selected.Hostname)
		}
	})

	t.Run("SelectNodeReturnsNilWhenNothingFits", func(t *testing.T) {
		n := newNode("exec1", 2)
		r := scheduler.NewCapacityRegistry([]models.Node{n}, nil, nil, heartbeat, now)
		assert.Nil(t, r.SelectNode(models.Task{Forks: 3}))
	})

	t.Run("ReservationsVisibleWithinPass", func(t *testing.T) {
		n := newNode("exec1", 4)
		r := scheduler.NewCapacityRegistry([]models.Node{n}, nil, nil, heartbeat, now)
		assert.Equal(t, 4, r.AvailableCapacity(n))
		r.Reserve("exec1", 3)
		assert.Equal(t, 1, r.AvailableCapacity(n))
		assert.Nil(t, r.SelectNode(models.Task{Forks: 2}))
		assert.NotNil(t, r.SelectNode(models.Task{Forks: 1}))
	})

	t.Run("NodeWithoutEstablishedLinkIsUnreachable", func(t *testing.T) {
		n := newNode("exec1", 10)
		links := []models.NodeLink{
			{Source: "ctl1", Target: "exec1", State: models.AddingLinkState},
		}
		r := scheduler.NewCapacityRegistry([]models.Node{n}, links, nil, heartbeat, now)
		assert.Equal(t, 0, r.AvailableCapacity(n))
		assert.Nil(t, r.SelectNode(models.Task{Forks: 1}))
	})

	t.Run("OneEstablishedLinkMakesNodeAssignable", func(t *testing.T) {
		n := newNode("exec1", 10)
		links := []models.NodeLink{
			{Source: "ctl1", Target: "exec1", State: models.AddingLinkState},
			{Source: "ctl2", Target: "exec1", State: models.EstablishedLinkState},
		}
		r := scheduler.NewCapacityRegistry([]models.Node{n}, links, nil, heartbeat, now)
		assert.Equal(t, 10, r.AvailableCapacity(n))
	})

	t.Run("StandaloneNodeNeedsNoLinks", func(t *testing.T) {
		n := newNode("exec1", 10)
		r := scheduler.NewCapacityRegistry([]models.Node{n}, nil, nil, heartbeat, now)
		assert.Equal(t, 10, r.AvailableCapacity(n))
	})

	t.Run("ZeroForkTaskCountsAsOne", func(t *testing.T) {
		n := newNode("exec1", 1)
		r := scheduler.NewCapacityRegistry([]models.Node{n}, nil, nil, heartbeat, now)
		selected := r.SelectNode(models.Task{Forks: 0})
		assert.NotNil(t, selected)
		r.Reserve("exec1", 0)
		assert.Equal(t, 0, r.AvailableCapacity(n))
	})
}
