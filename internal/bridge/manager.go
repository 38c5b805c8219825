package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tacitus/internal/entity"
	"tacitus/internal/ha"
	"tacitus/internal/metrics"
	"tacitus/internal/poller"
	"tacitus/internal/tacitus"

	"go.uber.org/zap"
)

// EntityState is an entity together with the state last rendered for it
type EntityState struct {
	*entity.Entity
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager turns poller updates into Home Assistant entity states and Prometheus series
type Manager struct {
	haClient ha.HAClient
	registry *entity.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
	readOnly bool

	// Latest update per resource, coalesced until the worker picks it up
	pending   map[tacitus.Resource]poller.Update
	republish bool
	pendingMu sync.Mutex
	wake      chan struct{}

	// Rendered and published states keyed by entity id
	states    map[string]*ha.State
	updated   map[string]time.Time
	published map[string]string
	statesMu  sync.RWMutex

	pollerSubscriptions []poller.Subscription
	haSubscriptions     []ha.Subscription
}

// NewManager creates a bridge. haClient may be nil, in which case states are only rendered locally.
// m may be nil to disable Prometheus export.
func NewManager(haClient ha.HAClient, registry *entity.Registry, m *metrics.Metrics, logger *zap.Logger, readOnly bool) *Manager {
	return &Manager{
		haClient:            haClient,
		registry:            registry,
		metrics:             m,
		logger:              logger.Named("bridge"),
		readOnly:            readOnly,
		pending:             make(map[tacitus.Resource]poller.Update),
		wake:                make(chan struct{}, 1),
		states:              make(map[string]*ha.State),
		updated:             make(map[string]time.Time),
		published:           make(map[string]string),
		pollerSubscriptions: make([]poller.Subscription, 0),
		haSubscriptions:     make([]ha.Subscription, 0),
	}
}

// Attach subscribes the bridge to every update of p
func (m *Manager) Attach(p *poller.Poller) {
	sub := p.Subscribe(m.enqueue)
	m.pollerSubscriptions = append(m.pollerSubscriptions, sub)
	m.logger.Debug("Attached poller", zap.String("resource", string(p.Resource())))
}

// Start hooks the bridge into the Home Assistant session: every (re)connect and every
// homeassistant_started event republishes all known states.
func (m *Manager) Start() error {
	m.logger.Info("Starting bridge", zap.Bool("read_only", m.readOnly))

	if m.haClient == nil {
		m.logger.Warn("No Home Assistant client configured, states are only exposed locally")
		return nil
	}

	m.haClient.OnConnect(m.requestRepublish)

	sub, err := m.haClient.SubscribeEvents(ha.EventHomeAssistantStarted, func(event *ha.Event) {
		m.logger.Info("Home Assistant started, republishing states")
		m.requestRepublish()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", ha.EventHomeAssistantStarted, err)
	}
	m.haSubscriptions = append(m.haSubscriptions, sub)

	return nil
}

// Stop unsubscribes from pollers and Home Assistant
func (m *Manager) Stop() {
	m.logger.Info("Stopping bridge")

	for _, sub := range m.pollerSubscriptions {
		sub.Unsubscribe()
	}
	m.pollerSubscriptions = nil

	for _, sub := range m.haSubscriptions {
		sub.Unsubscribe()
	}
	m.haSubscriptions = nil
}

// Run processes queued updates until ctx is cancelled. Publishing happens here, off the
// pollers' goroutines, so a slow Home Assistant never delays a fetch.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
			m.drain(ctx)
		}
	}
}

// enqueue is the poller observer; it only records the update and wakes the worker
func (m *Manager) enqueue(update poller.Update) {
	m.pendingMu.Lock()
	m.pending[update.Resource] = update
	m.pendingMu.Unlock()
	m.signal()
}

func (m *Manager) requestRepublish() {
	m.pendingMu.Lock()
	m.republish = true
	m.pendingMu.Unlock()
	m.signal()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) drain(ctx context.Context) {
	m.pendingMu.Lock()
	updates := make([]poller.Update, 0, len(m.pending))
	for _, update := range m.pending {
		updates = append(updates, update)
	}
	m.pending = make(map[tacitus.Resource]poller.Update)
	republish := m.republish
	m.republish = false
	m.pendingMu.Unlock()

	for _, update := range updates {
		m.HandleUpdate(ctx, update)
	}
	if republish {
		m.Republish(ctx)
	}
}

// HandleUpdate discovers new entities from a successful snapshot, renders every entity of
// the update's resource and publishes the states that changed. A failed fetch renders the
// resource's entities unavailable.
func (m *Manager) HandleUpdate(ctx context.Context, update poller.Update) {
	kind, ok := entity.KindFor(update.Resource)

	if update.Err != nil {
		m.logger.Warn("Resource unavailable",
			zap.String("resource", string(update.Resource)),
			zap.Error(update.Err))
		if m.metrics != nil {
			m.metrics.ObserveFailure(update.Resource)
		}
	} else {
		if m.metrics != nil {
			m.metrics.ObserveSnapshot(update.Snapshot)
		}
		if ok {
			m.registry.Discover(kind, update.Snapshot)
		}
	}

	if !ok {
		// Resource has no entity kind; only metrics are exported for it
		return
	}

	for _, e := range m.registry.ForResource(update.Resource) {
		state, ok := e.Render(update.Snapshot, update.Err)
		if !ok {
			// Record is gone from the snapshot: keep the last state, stop updating
			continue
		}
		m.setState(ctx, state, update.At)
	}
}

// Republish pushes every known state to Home Assistant regardless of whether it changed
func (m *Manager) Republish(ctx context.Context) {
	m.statesMu.RLock()
	states := make([]*ha.State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}
	m.statesMu.RUnlock()

	m.logger.Info("Republishing states", zap.Int("count", len(states)))
	for _, state := range states {
		m.publish(ctx, state, true)
	}
}

// setState records state as the latest rendering and publishes it when it changed
func (m *Manager) setState(ctx context.Context, state *ha.State, at time.Time) {
	m.statesMu.Lock()
	m.states[state.EntityID] = state
	m.updated[state.EntityID] = at
	m.statesMu.Unlock()

	m.publish(ctx, state, false)
}

func (m *Manager) publish(ctx context.Context, state *ha.State, force bool) {
	m.statesMu.RLock()
	last, seen := m.published[state.EntityID]
	m.statesMu.RUnlock()

	if !force && seen && last == state.State {
		return
	}

	if m.haClient == nil {
		return
	}

	if m.readOnly {
		m.logger.Info("READ-ONLY mode: Would publish state",
			zap.String("entity_id", state.EntityID),
			zap.String("state", state.State))
		m.markPublished(state)
		return
	}

	if err := m.haClient.SetState(ctx, state); err != nil {
		// Not marked published, so the next update retries
		m.logger.Error("Failed to publish state",
			zap.String("entity_id", state.EntityID),
			zap.Error(err))
		return
	}

	m.logger.Debug("Published state",
		zap.String("entity_id", state.EntityID),
		zap.String("state", state.State))
	m.markPublished(state)
}

func (m *Manager) markPublished(state *ha.State) {
	m.statesMu.Lock()
	m.published[state.EntityID] = state.State
	m.statesMu.Unlock()
}

// States returns every discovered entity with its last rendered state, in discovery order.
// Entities that were never rendered report unknown.
func (m *Manager) States() []EntityState {
	entities := m.registry.All()

	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	result := make([]EntityState, 0, len(entities))
	for _, e := range entities {
		es := EntityState{Entity: e, State: entity.StateUnknown}
		if state, ok := m.states[e.EntityID]; ok {
			es.State = state.State
			es.UpdatedAt = m.updated[e.EntityID]
		}
		result = append(result, es)
	}
	return result
}

// State returns the last rendered state of entityID
func (m *Manager) State(entityID string) (*ha.State, bool) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	return state, ok
}
