package chainrpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Mock is an in-process Client used by dispatcher and registry tests. It
// never talks to a network; SignAndExecute always succeeds unless a caller
// has queued a scripted failure via FailNext.
type Mock struct {
	mu      sync.Mutex
	events  []Event
	objects map[string]Object

	failNext  error
	execDelay func()
}

// NewMock constructs an empty mock chain.
func NewMock() *Mock {
	return &Mock{objects: make(map[string]Object)}
}

// FailNext causes the next SignAndExecute call to return err instead of
// succeeding.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// SetExecDelay installs a hook invoked synchronously inside SignAndExecute,
// letting tests observe/assert ordering across concurrent callers.
func (m *Mock) SetExecDelay(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execDelay = fn
}

func (m *Mock) SignAndExecute(ctx context.Context, tx SignedTx) (ExecutionResult, error) {
	m.mu.Lock()
	delay := m.execDelay
	m.mu.Unlock()
	if delay != nil {
		delay()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return ExecutionResult{}, err
	}

	digest := fmt.Sprintf("digest-%s", uuid.New().String())
	return ExecutionResult{Digest: digest, Effects: map[string]any{}}, nil
}

// EmitEvent lets tests/registry code record an event the mock chain has
// "seen" (e.g. RegistryCreated), to be returned by later QueryEvents calls.
func (m *Mock) EmitEvent(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *Mock) QueryEvents(ctx context.Context, eventType string, maxPages, pageSize int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Type == eventType {
			matched = append(matched, m.events[i])
		}
		if len(matched) >= maxPages*pageSize {
			break
		}
	}
	return matched, nil
}

// PutObject lets tests seed an object the mock chain will resolve.
func (m *Mock) PutObject(obj Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[obj.ID] = obj
}

func (m *Mock) GetObject(ctx context.Context, objectID string) (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[objectID]
	if !ok {
		return Object{}, fmt.Errorf("chainrpc: object %s not found", objectID)
	}
	return obj, nil
}

var _ Client = (*Mock)(nil)
