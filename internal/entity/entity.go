// Package entity models the Home Assistant entities published for Tacitus
// records. There is a single entity type: a field projection parameterized by
// the record identity, the projected field, an optional transform and display
// metadata taken from a Descriptor.
package entity

import (
	"fmt"
	"regexp"
	"strings"

	"tacitus/internal/ha"
	"tacitus/internal/metric"
	"tacitus/internal/tacitus"
)

const (
	// StateUnavailable is rendered when the backing fetch failed
	StateUnavailable = "unavailable"

	// StateUnknown is rendered when the record no longer carries the field
	StateUnknown = "unknown"
)

// DeviceInfo groups entities of one physical device, in Home Assistant's device registry shape
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// DeviceDefaults fills in device metadata the API does not report
type DeviceDefaults struct {
	Manufacturer string
	SWVersion    string
	// Models overrides Kind.DeviceModel, keyed by kind name
	Models map[string]string
}

// Entity is one published metric of one record
type Entity struct {
	UniqueID   string           `json:"unique_id"`
	EntityID   string           `json:"entity_id"`
	Name       string           `json:"name"`
	Kind       string           `json:"kind"`
	Resource   tacitus.Resource `json:"resource"`
	Key        string           `json:"key"`
	Label      string           `json:"label"`
	Field      string           `json:"field"`
	Platform   Platform         `json:"platform"`
	Device     DeviceInfo       `json:"device"`
	descriptor Descriptor
	reader     metric.Reader
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and collapses every run of other characters into one underscore
func Slugify(s string) string {
	return strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(s), "_"), "_")
}

// New builds the entity for desc from the record it was discovered in
func New(kind Kind, desc Descriptor, record tacitus.Record, defaults DeviceDefaults) (*Entity, error) {
	key, ok := record.String(kind.IdentityField)
	if !ok || key == "" {
		return nil, fmt.Errorf("%s record has no %s", kind.Name, kind.IdentityField)
	}

	label, ok := record.String(kind.LabelField)
	if !ok || label == "" {
		label = key
	}

	uniqueID := fmt.Sprintf("%s_%s_%s_%s", Domain, kind.Name, strings.ToLower(key), desc.Suffix)

	model := kind.DeviceModel
	if override, ok := defaults.Models[kind.Name]; ok && override != "" {
		model = override
	}

	return &Entity{
		UniqueID: uniqueID,
		EntityID: fmt.Sprintf("%s.%s", desc.Platform, Slugify(uniqueID)),
		Name:     fmt.Sprintf(desc.NameFormat, label),
		Kind:     kind.Name,
		Resource: kind.Resource,
		Key:      key,
		Label:    label,
		Field:    desc.Field,
		Platform: desc.Platform,
		Device: DeviceInfo{
			Identifiers:  []string{Domain, key},
			Name:         fmt.Sprintf(kind.DeviceFormat, label),
			Manufacturer: defaults.Manufacturer,
			Model:        model,
			SWVersion:    defaults.SWVersion,
		},
		descriptor: desc,
		reader: metric.Reader{
			IdentityField: kind.IdentityField,
			Field:         desc.Field,
			Transform:     desc.Transform,
		},
	}, nil
}

// Read projects the entity's value out of snap
func (e *Entity) Read(snap *tacitus.Snapshot) (metric.Value, bool) {
	return e.reader.Read(snap, e.Key)
}

// Present reports whether snap still contains the entity's record
func (e *Entity) Present(snap *tacitus.Snapshot) bool {
	_, ok := metric.Find(snap, e.reader.IdentityField, e.Key)
	return ok
}

// Render returns the Home Assistant state for snap. A failed fetch renders
// unavailable and a missing field renders unknown, never a zero value. When the
// record itself is gone the entity stops updating and false is returned.
func (e *Entity) Render(snap *tacitus.Snapshot, fetchErr error) (*ha.State, bool) {
	if fetchErr != nil {
		return e.state(StateUnavailable), true
	}

	if !e.Present(snap) {
		return nil, false
	}

	value, ok := e.Read(snap)
	if !ok {
		return e.state(StateUnknown), true
	}

	rendered := metric.FormatState(value)
	if rendered == "" {
		rendered = StateUnknown
	}
	return e.state(rendered), true
}

// Unavailable returns the state published when the entity cannot be read
func (e *Entity) Unavailable() *ha.State {
	return e.state(StateUnavailable)
}

func (e *Entity) state(value string) *ha.State {
	return &ha.State{
		EntityID:   e.EntityID,
		State:      value,
		Attributes: e.attributes(),
	}
}

func (e *Entity) attributes() map[string]interface{} {
	attrs := map[string]interface{}{
		"friendly_name": e.Name,
		"unique_id":     e.UniqueID,
		"device": map[string]interface{}{
			"identifiers":  e.Device.Identifiers,
			"name":         e.Device.Name,
			"manufacturer": e.Device.Manufacturer,
			"model":        e.Device.Model,
			"sw_version":   e.Device.SWVersion,
		},
		e.reader.IdentityField: e.Key,
	}

	if e.descriptor.DeviceClass != "" {
		attrs["device_class"] = e.descriptor.DeviceClass
	}
	if e.descriptor.Unit != "" {
		attrs["unit_of_measurement"] = e.descriptor.Unit
	}
	if e.descriptor.StateClass != "" {
		attrs["state_class"] = e.descriptor.StateClass
	}
	if e.descriptor.Icon != "" {
		attrs["icon"] = e.descriptor.Icon
	}

	return attrs
}
