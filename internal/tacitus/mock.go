package tacitus

import (
	"context"
	"sync"
	"time"
)

// MockClient implements Fetcher for testing
type MockClient struct {
	mu      sync.Mutex
	records map[Resource][]Record
	errs    map[Resource]error
	calls   map[Resource]int

	// FetchFn, when set, replaces the canned records and errors
	FetchFn func(ctx context.Context, resource Resource) (*Snapshot, error)
}

// NewMockClient creates a new mock Tacitus client
func NewMockClient() *MockClient {
	return &MockClient{
		records: make(map[Resource][]Record),
		errs:    make(map[Resource]error),
		calls:   make(map[Resource]int),
	}
}

// BaseURL returns a placeholder URL
func (m *MockClient) BaseURL() string {
	return "http://tacitus.mock"
}

// Fetch returns the canned records or error for resource and counts the call
func (m *MockClient) Fetch(ctx context.Context, resource Resource) (*Snapshot, error) {
	m.mu.Lock()
	m.calls[resource]++
	fn := m.FetchFn
	records, hasRecords := m.records[resource]
	err := m.errs[resource]
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, resource)
	}
	if err != nil {
		return nil, err
	}
	if !hasRecords {
		return nil, &UnavailableError{Resource: resource, StatusCode: 404}
	}

	return &Snapshot{
		Resource:  resource,
		Records:   records,
		FetchedAt: time.Now(),
	}, nil
}

// SetRecords sets the records served for resource and clears any canned error
func (m *MockClient) SetRecords(resource Resource, records ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if records == nil {
		records = []Record{}
	}
	m.records[resource] = records
	delete(m.errs, resource)
}

// SetError makes every fetch of resource fail with err until SetRecords is called
func (m *MockClient) SetError(resource Resource, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[resource] = err
}

// Calls returns how many times resource has been fetched
func (m *MockClient) Calls(resource Resource) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[resource]
}
