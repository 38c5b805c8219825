package ha

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing
type MockClient struct {
	states      map[string]*State
	history     []*State
	statesMu    sync.RWMutex
	setStateErr error
	subscribers map[string][]subscriberEntry
	subsMu      sync.RWMutex
	nextSubID   int
	nextSubIDMu sync.Mutex
	hooks       []func()
	hooksMu     sync.Mutex
	connected   bool
	connectErr  error
	connMu      sync.RWMutex
}

// mockSubscription implements Subscription interface for MockClient
type mockSubscription struct {
	eventType string
	subID     int
	mock      *MockClient
}

func (s *mockSubscription) Unsubscribe() error {
	return s.mock.unsubscribe(s.eventType, s.subID)
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:      make(map[string]*State),
		history:     make([]*State, 0),
		subscribers: make(map[string][]subscriberEntry),
		connected:   false,
	}
}

// Connect simulates connecting to Home Assistant and runs the OnConnect hooks
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	if m.connectErr != nil {
		err := m.connectErr
		m.connMu.Unlock()
		return err
	}
	if m.connected {
		m.connMu.Unlock()
		return fmt.Errorf("already connected")
	}
	m.connected = true
	m.connMu.Unlock()

	m.runHooks()
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// SetConnectError makes subsequent Connect calls fail with err
func (m *MockClient) SetConnectError(err error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.connectErr = err
}

// SimulateReconnect drops and re-establishes the connection, running the OnConnect hooks
func (m *MockClient) SimulateReconnect() {
	m.connMu.Lock()
	m.connected = true
	m.connMu.Unlock()

	m.runHooks()
}

// OnConnect registers a hook run after every simulated connect
func (m *MockClient) OnConnect(hook func()) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, hook)
}

func (m *MockClient) runHooks() {
	m.hooksMu.Lock()
	hooks := append([]func(){}, m.hooks...)
	m.hooksMu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

// SetState records a state write
func (m *MockClient) SetState(ctx context.Context, state *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.statesMu.Lock()
	defer m.statesMu.Unlock()

	if m.setStateErr != nil {
		return m.setStateErr
	}

	now := time.Now()
	stored := &State{
		EntityID:    state.EntityID,
		State:       state.State,
		Attributes:  state.Attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	if old, ok := m.states[state.EntityID]; ok && old.State == state.State {
		stored.LastChanged = old.LastChanged
	}

	m.states[state.EntityID] = stored
	m.history = append(m.history, stored)
	return nil
}

// SetStateError makes subsequent SetState calls fail with err; nil clears it
func (m *MockClient) SetStateError(err error) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	m.setStateErr = err
}

// GetState returns the last state written for entityID
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}

	return state, nil
}

// GetAllStates returns the last state written for every entity
func (m *MockClient) GetAllStates() []*State {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}

	return states
}

// GetHistory returns every state write in order
func (m *MockClient) GetHistory() []*State {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	history := make([]*State, len(m.history))
	copy(history, m.history)
	return history
}

// ClearHistory clears the state write history, keeping the latest states
func (m *MockClient) ClearHistory() {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	m.history = make([]*State, 0)
}

// SubscribeEvents registers handler for eventType
func (m *MockClient) SubscribeEvents(eventType string, handler EventHandler) (Subscription, error) {
	// Get unique subscription ID
	m.nextSubIDMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.nextSubIDMu.Unlock()

	m.subsMu.Lock()
	m.subscribers[eventType] = append(m.subscribers[eventType], subscriberEntry{
		subID:   subID,
		handler: handler,
	})
	m.subsMu.Unlock()

	return &mockSubscription{
		eventType: eventType,
		subID:     subID,
		mock:      m,
	}, nil
}

// unsubscribe removes a specific subscription by event type and subscription ID
func (m *MockClient) unsubscribe(eventType string, subID int) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	subscribers, ok := m.subscribers[eventType]
	if !ok {
		return nil // Already unsubscribed
	}

	for i, entry := range subscribers {
		if entry.subID == subID {
			m.subscribers[eventType] = append(subscribers[:i], subscribers[i+1:]...)

			if len(m.subscribers[eventType]) == 0 {
				delete(m.subscribers, eventType)
			}
			break
		}
	}

	return nil
}

// SimulateEvent delivers an event of eventType to its subscribers
func (m *MockClient) SimulateEvent(eventType string) {
	m.subsMu.RLock()
	entries := append([]subscriberEntry(nil), m.subscribers[eventType]...)
	m.subsMu.RUnlock()

	event := &Event{
		EventType: eventType,
		Origin:    "LOCAL",
		TimeFired: time.Now(),
	}
	for _, entry := range entries {
		entry.handler(event)
	}
}
