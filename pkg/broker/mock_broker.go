package broker

import (
	"sync"

	"github.com/pkg/errors"
)

// MockPublisher records published messages in memory. FailNext makes the
// next publish fail, for exercising the rollback-to-pending path.
type MockPublisher struct {
	mu         sync.Mutex
	Dispatched []DispatchMessage
	Canceled   []string
	failNext   bool
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) FailNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
}

func (m *MockPublisher) PublishDispatch(msg DispatchMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.New("broker unavailable")
	}
	m.Dispatched = append(m.Dispatched, msg)
	return nil
}

func (m *MockPublisher) PublishCancel(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.New("broker unavailable")
	}
	m.Canceled = append(m.Canceled, taskID)
	return nil
}

func (m *MockPublisher) Close() error { return nil }

// DispatchedIDs returns the task IDs published so far, in order.
func (m *MockPublisher) DispatchedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.Dispatched))
	for i, msg := range m.Dispatched {
		ids[i] = msg.TaskID
	}
	return ids
}
