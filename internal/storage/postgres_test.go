package storage_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	internal_storage "github.com/opsmesh/dispatchd/internal/storage"
	"github.com/opsmesh/dispatchd/internal/testutil"
	"github.com/opsmesh/dispatchd/pkg/models"
	"github.com/opsmesh/dispatchd/pkg/storage"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	// Helper to create a transactional store; rollback keeps subtests isolated
	newTxStore := func(t *testing.T) storage.Store {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		assert.NoError(t, err)
		txStore, err := store.Begin()
		assert.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore
	}

	newTask := func(kind models.TaskKind, status models.TaskStatus) models.Task {
		return models.Task{
			ID:        uuid.NewString(),
			Kind:      kind,
			Name:      "task " + string(kind),
			Status:    status,
			Forks:     1,
			CreatedAt: time.Now(),
		}
	}

	t.Run("SaveAndGetTask", func(t *testing.T) {
		store := newTxStore(t)
		task := newTask(models.JobTaskKind, models.PendingTaskStatus)
		task.Priority = 5
		task.Project = "acme"
		task.Inventory = "dc1"
		assert.NoError(t, store.SaveTask(task))

		got, err := store.GetTask(task.ID)
		assert.NoError(t, err)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, task.Kind, got.Kind)
		assert.Equal(t, task.Status, got.Status)
		assert.Equal(t, 5, got.Priority)
		assert.Equal(t, "acme", got.Project)
		assert.Equal(t, "dc1", got.Inventory)
		assert.Nil(t, got.AssignedNode)
		assert.WithinDuration(t, task.CreatedAt, got.CreatedAt, time.Second)
	})

	t.Run("GetNonExistingTask", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetTask(uuid.NewString())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListActiveTasksOrderAndFilter", func(t *testing.T) {
		store := newTxStore(t)
		base := time.Now()
		low := newTask(models.JobTaskKind, models.PendingTaskStatus)
		low.Priority = 1
		low.CreatedAt = base
		high := newTask(models.JobTaskKind, models.PendingTaskStatus)
		high.Priority = 9
		high.CreatedAt = base.Add(time.Second)
		older := newTask(models.JobTaskKind, models.RunningTaskStatus)
		older.Priority = 1
		older.CreatedAt = base.Add(-time.Second)
		done := newTask(models.JobTaskKind, models.SuccessfulTaskStatus)
		for _, task := range []models.Task{low, high, older, done} {
			assert.NoError(t, store.SaveTask(task))
		}

		active, err := store.ListActiveTasks()
		assert.NoError(t, err)
		assert.Len(t, active, 3)
		assert.Equal(t, high.ID, active[0].ID)
		assert.Equal(t, older.ID, active[1].ID)
		assert.Equal(t, low.ID, active[2].ID)
	})

	t.Run("ListTasksByKindAndKey", func(t *testing.T) {
		store := newTxStore(t)
		upd := newTask(models.ProjectUpdateTaskKind, models.PendingTaskStatus)
		upd.Project = "acme"
		other := newTask(models.ProjectUpdateTaskKind, models.SuccessfulTaskStatus)
		other.Project = "globex"
		inv := newTask(models.InventoryUpdateTaskKind, models.PendingTaskStatus)
		inv.Inventory = "dc1"
		for _, task := range []models.Task{upd, other, inv} {
			assert.NoError(t, store.SaveTask(task))
		}

		got, err := store.ListTasksByKindAndKey(models.ProjectUpdateTaskKind, "acme")
		assert.NoError(t, err)
		if assert.Len(t, got, 1) {
			assert.Equal(t, upd.ID, got[0].ID)
		}

		got, err = store.ListTasksByKindAndKey(models.InventoryUpdateTaskKind, "dc1")
		assert.NoError(t, err)
		if assert.Len(t, got, 1) {
			assert.Equal(t, inv.ID, got[0].ID)
		}
	})

	t.Run("UpdateTaskStatusOnlyFromExpectedState", func(t *testing.T) {
		store := newTxStore(t)
		task := newTask(models.JobTaskKind, models.PendingTaskStatus)
		assert.NoError(t, store.SaveTask(task))

		ok, err := store.UpdateTaskStatus(task.ID, models.PendingTaskStatus, models.FailedTaskStatus, "prerequisite failed")
		assert.NoError(t, err)
		assert.True(t, ok)

		got, err := store.GetTask(task.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, got.Status)
		assert.Equal(t, "prerequisite failed", got.Explanation)
		assert.NotNil(t, got.FinishedAt)

		// stale expectation loses without clobbering
		ok, err = store.UpdateTaskStatus(task.ID, models.PendingTaskStatus, models.RunningTaskStatus, "")
		assert.NoError(t, err)
		assert.False(t, ok)
		got, err = store.GetTask(task.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, got.Status)
		assert.Equal(t, "prerequisite failed", got.Explanation)
	})

	t.Run("ClaimAndReleaseTask", func(t *testing.T) {
		store := newTxStore(t)
		task := newTask(models.JobTaskKind, models.PendingTaskStatus)
		assert.NoError(t, store.SaveTask(task))
		at := time.Now()

		claimed, err := store.ClaimTask(task.ID, "exec1", at)
		assert.NoError(t, err)
		assert.True(t, claimed)

		got, err := store.GetTask(task.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.RunningTaskStatus, got.Status)
		if assert.NotNil(t, got.AssignedNode) {
			assert.Equal(t, "exec1", *got.AssignedNode)
		}
		if assert.NotNil(t, got.StartedAt) {
			assert.WithinDuration(t, at, *got.StartedAt, time.Second)
		}

		// already running, a second claim must lose
		claimed, err = store.ClaimTask(task.ID, "exec2", time.Now())
		assert.NoError(t, err)
		assert.False(t, claimed)

		assert.NoError(t, store.ReleaseTask(task.ID))
		got, err = store.GetTask(task.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.PendingTaskStatus, got.Status)
		assert.Nil(t, got.AssignedNode)
		assert.Nil(t, got.StartedAt)

		// a parked task is claimable too
		ok, err := store.UpdateTaskStatus(task.ID, models.PendingTaskStatus, models.WaitingTaskStatus, "")
		assert.NoError(t, err)
		assert.True(t, ok)
		claimed, err = store.ClaimTask(task.ID, "exec1", time.Now())
		assert.NoError(t, err)
		assert.True(t, claimed)
	})

	t.Run("SaveDependencyIsIdempotent", func(t *testing.T) {
		store := newTxStore(t)
		a := newTask(models.JobTaskKind, models.PendingTaskStatus)
		b := newTask(models.ProjectUpdateTaskKind, models.PendingTaskStatus)
		b.Project = "acme"
		assert.NoError(t, store.SaveTask(a))
		assert.NoError(t, store.SaveTask(b))

		edge := models.Dependency{TaskID: a.ID, DependsOn: b.ID}
		assert.NoError(t, store.SaveDependency(edge))
		assert.NoError(t, store.SaveDependency(edge))

		deps, err := store.ListDependencies()
		assert.NoError(t, err)
		assert.Equal(t, []models.Dependency{edge}, deps)
	})

	t.Run("OneLiveUpdatePerNeed", func(t *testing.T) {
		store := newTxStore(t)
		first := newTask(models.ProjectUpdateTaskKind, models.PendingTaskStatus)
		first.Project = "acme"
		assert.NoError(t, store.SaveTask(first))

		second := newTask(models.ProjectUpdateTaskKind, models.PendingTaskStatus)
		second.Project = "acme"
		assert.Error(t, store.SaveTask(second), "unique index must reject a second live update")
	})

	t.Run("SaveNodeUpsertsAndHeartbeats", func(t *testing.T) {
		store := newTxStore(t)
		node := models.Node{
			Hostname:      "exec1",
			NodeType:      models.ExecutionNodeType,
			Capacity:      32,
			Enabled:       true,
			LastHeartbeat: time.Now(),
		}
		assert.NoError(t, store.SaveNode(node))
		node.Capacity = 64
		assert.NoError(t, store.SaveNode(node))

		got, err := store.GetNode("exec1")
		assert.NoError(t, err)
		assert.Equal(t, 64, got.Capacity)

		beat := time.Now().Add(time.Minute)
		assert.NoError(t, store.UpdateNodeHeartbeat("exec1", beat))
		got, err = store.GetNode("exec1")
		assert.NoError(t, err)
		assert.WithinDuration(t, beat, got.LastHeartbeat, time.Second)

		assert.ErrorIs(t, store.UpdateNodeHeartbeat("ghost", beat), storage.ErrNotFound)
	})

	t.Run("NodeLinkStateUpserts", func(t *testing.T) {
		store := newTxStore(t)
		for _, h := range []string{"ctl1", "exec1"} {
			assert.NoError(t, store.SaveNode(models.Node{
				Hostname: h, NodeType: models.ExecutionNodeType, LastHeartbeat: time.Now(),
			}))
		}

		assert.NoError(t, store.UpdateNodeLinkState("ctl1", "exec1", models.AddingLinkState))
		assert.NoError(t, store.UpdateNodeLinkState("ctl1", "exec1", models.EstablishedLinkState))

		links, err := store.ListNodeLinks()
		assert.NoError(t, err)
		assert.Equal(t, []models.NodeLink{{Source: "ctl1", Target: "exec1", State: models.EstablishedLinkState}}, links)
	})

	t.Run("WorkflowNodesAndEdges", func(t *testing.T) {
		store := newTxStore(t)
		wf := newTask(models.WorkflowJobTaskKind, models.RunningTaskStatus)
		assert.NoError(t, store.SaveTask(wf))

		buildID, err := store.SaveWorkflowNode(models.WorkflowNode{
			WorkflowTaskID: wf.ID, Template: "build", Forks: 1, State: models.PendingNodeState,
		})
		assert.NoError(t, err)
		assert.Greater(t, buildID, int64(0))
		deployID, err := store.SaveWorkflowNode(models.WorkflowNode{
			WorkflowTaskID: wf.ID, Template: "deploy", Forks: 1, State: models.PendingNodeState,
		})
		assert.NoError(t, err)

		assert.NoError(t, store.SaveWorkflowEdge(models.WorkflowEdge{
			WorkflowTaskID: wf.ID, FromNode: buildID, ToNode: deployID, Condition: models.SuccessEdgeCondition,
		}))

		nodes, err := store.ListWorkflowNodes(wf.ID)
		assert.NoError(t, err)
		assert.Len(t, nodes, 2)
		assert.Equal(t, "build", nodes[0].Template)

		edges, err := store.ListWorkflowEdges(wf.ID)
		assert.NoError(t, err)
		if assert.Len(t, edges, 1) {
			assert.Equal(t, models.SuccessEdgeCondition, edges[0].Condition)
		}

		ok, err := store.UpdateWorkflowNodeState(buildID, models.PendingNodeState, models.RunningNodeState)
		assert.NoError(t, err)
		assert.True(t, ok)
		ok, err = store.UpdateWorkflowNodeState(buildID, models.PendingNodeState, models.RunningNodeState)
		assert.NoError(t, err)
		assert.False(t, ok)

		spawned := newTask(models.JobTaskKind, models.PendingTaskStatus)
		assert.NoError(t, store.SaveTask(spawned))
		assert.NoError(t, store.SetWorkflowNodeSpawned(buildID, spawned.ID))
		nodes, err = store.ListWorkflowNodes(wf.ID)
		assert.NoError(t, err)
		if assert.NotNil(t, nodes[0].SpawnedTaskID) {
			assert.Equal(t, spawned.ID, *nodes[0].SpawnedTaskID)
		}
	})
}
