package tacitus

import (
	"fmt"
	"strings"
	"time"
)

// Resource names one collection exposed by the Tacitus API
type Resource string

const (
	ResourceDrives    Resource = "drives"
	ResourceZpools    Resource = "zpools"
	ResourceWireguard Resource = "wireguard"
	ResourceSmartctl  Resource = "smartctl"
)

// AllResources lists every resource the API is known to serve
var AllResources = []Resource{ResourceDrives, ResourceZpools, ResourceWireguard, ResourceSmartctl}

// Path returns the URL path of the resource, including the trailing slash the API expects
func (r Resource) Path() string {
	return "/" + string(r) + "/"
}

// ParseResource validates a resource name
func ParseResource(name string) (Resource, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, r := range AllResources {
		if string(r) == name {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown resource %q", name)
}

// Record is one entity reported by the API (a drive, a pool, ...) as a flat field mapping
type Record map[string]any

// Lookup returns the value of field. A missing field and an explicit null are both absent.
func (r Record) Lookup(field string) (any, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// String returns a scalar field rendered as a string, used for identity and label fields
func (r Record) String(field string) (string, bool) {
	v, ok := r.Lookup(field)
	if !ok {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case float64, bool:
		return fmt.Sprint(val), true
	default:
		return "", false
	}
}

// Snapshot is the decoded body of one successful fetch. It is never mutated after
// construction; a newer fetch produces a new Snapshot.
type Snapshot struct {
	Resource  Resource  `json:"resource"`
	Records   []Record  `json:"result"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Len returns the number of records in the snapshot
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}
