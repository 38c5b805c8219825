// Package poller serves the latest snapshot of one Tacitus resource to any
// number of consumers while issuing at most one remote fetch per interval.
//
// A Poller has a single writer: fetches started by Run and by on-demand
// FetchOrCached calls share one singleflight group, so concurrent callers
// observe the same fetch instead of issuing their own. A failed fetch never
// replaces the cached snapshot.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tacitus/internal/clock"
	"tacitus/internal/tacitus"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds a single remote fetch
const DefaultTimeout = 10 * time.Second

// State is a position in the polling cadence state machine
type State int

const (
	StateNeverFetched State = iota
	StateFresh
	StateStale
	StateFetching
	StateFetchFailed
)

func (s State) String() string {
	switch s {
	case StateNeverFetched:
		return "never_fetched"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateFetching:
		return "fetching"
	case StateFetchFailed:
		return "fetch_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// BackoffError is returned instead of fetching while a failing resource is backing off
type BackoffError struct {
	Resource tacitus.Resource
	RetryAt  time.Time
	Err      error
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("%s: backing off until %s after: %v", e.Resource, e.RetryAt.Format(time.RFC3339), e.Err)
}

func (e *BackoffError) Unwrap() error {
	return e.Err
}

// Update is delivered to observers after every fetch attempt. On failure Err is
// set and Snapshot is the last good snapshot, which may be nil.
type Update struct {
	Resource tacitus.Resource
	Snapshot *tacitus.Snapshot
	Err      error
	At       time.Time
}

// Observer receives fetch outcomes
type Observer func(Update)

// Subscription represents an active observer registration
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	id     int
	poller *Poller
}

func (s *subscription) Unsubscribe() {
	s.poller.unsubscribe(s.id)
}

// Option configures a Poller
type Option func(*Poller)

// WithClock replaces the real clock, mainly for tests
func WithClock(c clock.Clock) Option {
	return func(p *Poller) {
		p.clock = c
	}
}

// WithTimeout sets the per-fetch timeout
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithFailureBackoff delays retries after consecutive failures: initial after the
// first, doubling up to max. A zero initial disables backoff.
func WithFailureBackoff(initial, max time.Duration) Option {
	return func(p *Poller) {
		p.backoffInitial = initial
		p.backoffMax = max
		if p.backoffMax < p.backoffInitial {
			p.backoffMax = p.backoffInitial
		}
	}
}

// Poller owns the fetch state of one resource
type Poller struct {
	resource       tacitus.Resource
	fetcher        tacitus.Fetcher
	interval       time.Duration
	timeout        time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	clock          clock.Clock
	logger         *zap.Logger
	group          singleflight.Group

	mu          sync.RWMutex
	snapshot    *tacitus.Snapshot
	lastSuccess time.Time
	lastFailure time.Time
	lastErr     error
	failures    int
	fetching    bool
	fetches     int

	subsMu      sync.RWMutex
	subscribers map[int]Observer
	nextSubID   int
}

// New creates a poller for resource that refetches at most once per interval
func New(resource tacitus.Resource, fetcher tacitus.Fetcher, interval time.Duration, logger *zap.Logger, opts ...Option) *Poller {
	p := &Poller{
		resource:    resource,
		fetcher:     fetcher,
		interval:    interval,
		timeout:     DefaultTimeout,
		clock:       clock.NewRealClock(),
		logger:      logger.With(zap.String("resource", string(resource))),
		subscribers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resource returns the resource this poller fetches
func (p *Poller) Resource() tacitus.Resource {
	return p.resource
}

// Interval returns the minimum time between fetches
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// FetchOrCached returns the cached snapshot while it is younger than the interval.
// Otherwise it fetches, joining a fetch already in flight if there is one. On
// failure the typed error is returned and the cached snapshot is left untouched.
func (p *Poller) FetchOrCached(ctx context.Context) (*tacitus.Snapshot, error) {
	if snap, ok := p.fresh(); ok {
		return snap, nil
	}

	if err := p.backingOff(); err != nil {
		return nil, err
	}

	// The fetch must not die with whichever caller happened to start it
	fetchCtx := context.WithoutCancel(ctx)
	ch := p.group.DoChan(string(p.resource), func() (interface{}, error) {
		return p.fetch(fetchCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*tacitus.Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cached returns the last good snapshot without fetching, however old it is
func (p *Poller) Cached() (*tacitus.Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot, p.snapshot != nil
}

// State reports the current cadence state
func (p *Poller) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stateLocked()
}

func (p *Poller) stateLocked() State {
	switch {
	case p.fetching:
		return StateFetching
	case p.lastErr != nil:
		return StateFetchFailed
	case p.snapshot == nil:
		return StateNeverFetched
	case p.clock.Since(p.lastSuccess) < p.interval:
		return StateFresh
	default:
		return StateStale
	}
}

// Run is the single-writer polling loop. It fetches immediately, then whenever the
// snapshot goes stale (or the failure backoff expires) until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Starting poller",
		zap.String("url", p.fetcher.BaseURL()+p.resource.Path()),
		zap.Duration("interval", p.interval),
		zap.Duration("timeout", p.timeout))

	for {
		// Failures are logged and delivered to observers by fetch
		_, _ = p.FetchOrCached(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("Stopping poller")
			return nil
		case <-p.clock.After(p.nextDelay()):
		}
	}
}

// Subscribe registers an observer for every subsequent fetch outcome
func (p *Poller) Subscribe(observer Observer) Subscription {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()

	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = observer

	return &subscription{id: id, poller: p}
}

func (p *Poller) unsubscribe(id int) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	delete(p.subscribers, id)
}

// fresh returns the cached snapshot if it is still inside the staleness window
func (p *Poller) fresh() (*tacitus.Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.snapshot == nil || p.clock.Since(p.lastSuccess) >= p.interval {
		return nil, false
	}
	return p.snapshot, true
}

// backingOff returns a BackoffError while the failure backoff window is open
func (p *Poller) backingOff() error {
	if p.backoffInitial <= 0 {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.failures == 0 || p.lastErr == nil {
		return nil
	}

	retryAt := p.lastFailure.Add(p.backoffDelay(p.failures))
	if p.clock.Now().Before(retryAt) {
		return &BackoffError{Resource: p.resource, RetryAt: retryAt, Err: p.lastErr}
	}
	return nil
}

// backoffDelay returns initial * 2^(failures-1), capped at the configured maximum
func (p *Poller) backoffDelay(failures int) time.Duration {
	delay := p.backoffInitial
	for i := 1; i < failures && delay < p.backoffMax; i++ {
		delay *= 2
	}
	if delay > p.backoffMax {
		delay = p.backoffMax
	}
	return delay
}

// nextDelay is how long Run sleeps before its next cadence check
func (p *Poller) nextDelay() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.lastErr != nil {
		if p.backoffInitial > 0 {
			return p.backoffDelay(p.failures)
		}
		return p.interval
	}

	if p.snapshot == nil {
		return p.interval
	}

	remaining := p.interval - p.clock.Since(p.lastSuccess)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// fetch performs the remote call and commits its outcome. It only runs inside the singleflight group.
func (p *Poller) fetch(ctx context.Context) (*tacitus.Snapshot, error) {
	// Another flight may have completed between the caller's check and this one starting
	if snap, ok := p.fresh(); ok {
		return snap, nil
	}

	p.mu.Lock()
	p.fetching = true
	p.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.clock.Now()
	snap, err := p.fetcher.Fetch(fetchCtx, p.resource)
	now := p.clock.Now()

	if err == nil && snap == nil {
		err = fmt.Errorf("%w: empty snapshot", tacitus.ErrResponseInvalid)
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, tacitus.ErrUnreachable) {
		err = fmt.Errorf("%w: %w", tacitus.ErrUnreachable, err)
	}

	p.mu.Lock()
	p.fetching = false
	p.fetches++

	if err != nil {
		p.lastErr = err
		p.lastFailure = now
		p.failures++
		stale := p.snapshot
		failures := p.failures
		p.mu.Unlock()

		p.logger.Warn("Fetch failed",
			zap.Error(err),
			zap.Int("consecutive_failures", failures),
			zap.Bool("serving_stale", stale != nil))

		p.notify(Update{Resource: p.resource, Snapshot: stale, Err: err, At: now})
		return nil, err
	}

	recovered := p.failures > 0
	p.snapshot = snap
	p.lastSuccess = now
	p.lastErr = nil
	p.failures = 0
	p.mu.Unlock()

	if recovered {
		p.logger.Info("Fetch recovered", zap.Int("records", snap.Len()))
	}
	p.logger.Debug("Fetched snapshot",
		zap.Int("records", snap.Len()),
		zap.Duration("elapsed", now.Sub(start)))

	p.notify(Update{Resource: p.resource, Snapshot: snap, At: now})
	return snap, nil
}

func (p *Poller) notify(update Update) {
	p.subsMu.RLock()
	observers := make([]Observer, 0, len(p.subscribers))
	for _, observer := range p.subscribers {
		observers = append(observers, observer)
	}
	p.subsMu.RUnlock()

	for _, observer := range observers {
		observer(update)
	}
}
