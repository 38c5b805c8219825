package entity

import (
	"tacitus/internal/metric"
	"tacitus/internal/tacitus"
)

// Domain prefixes every unique id and device identifier
const Domain = "tacitus"

// Platform is the Home Assistant entity platform an entity belongs to
type Platform string

const (
	PlatformSensor       Platform = "sensor"
	PlatformBinarySensor Platform = "binary_sensor"
)

// Descriptor declares one metric of a kind: which field it projects and how it is presented
type Descriptor struct {
	Suffix      string
	NameFormat  string
	Field       string
	Platform    Platform
	DeviceClass string
	Unit        string
	StateClass  string
	Icon        string
	Transform   metric.Transform
}

// Kind groups the descriptors instantiated for every record of one resource
type Kind struct {
	Name          string
	Resource      tacitus.Resource
	IdentityField string
	LabelField    string
	DeviceFormat  string
	DeviceModel   string
	Descriptors   []Descriptor
}

// Drive publishes five entities per drive, identified by serial number
var Drive = Kind{
	Name:          "drive",
	Resource:      tacitus.ResourceDrives,
	IdentityField: "serial_number",
	LabelField:    "block_device_path",
	DeviceFormat:  "HDD %s",
	DeviceModel:   "Carbon",
	Descriptors: []Descriptor{
		{
			Suffix:     "power_state",
			NameFormat: "HDD %s Power State",
			Field:      "power_mode",
			Platform:   PlatformSensor,
			Icon:       "mdi:power",
		},
		{
			Suffix:      "temperature",
			NameFormat:  "HDD %s temperature",
			Field:       "temperature",
			Platform:    PlatformSensor,
			DeviceClass: "temperature",
			Unit:        "°C",
			StateClass:  "measurement",
		},
		{
			Suffix:     "model_name",
			NameFormat: "HDD %s Model Name",
			Field:      "model_name",
			Platform:   PlatformSensor,
			Icon:       "mdi:harddisk",
		},
		{
			Suffix:      "smart_error",
			NameFormat:  "HDD %s error S.M.A.R.T.",
			Field:       "smart_status_passed",
			Platform:    PlatformBinarySensor,
			DeviceClass: "problem",
			Transform:   metric.InvertBool,
		},
		{
			Suffix:     "type",
			NameFormat: "HDD %s type",
			Field:      "drive_type",
			Platform:   PlatformSensor,
			Icon:       "mdi:connection",
		},
	},
}

// Zpool publishes three entities per ZFS pool, identified by pool name
var Zpool = Kind{
	Name:          "zpool",
	Resource:      tacitus.ResourceZpools,
	IdentityField: "name",
	LabelField:    "name",
	DeviceFormat:  "Zpool %s",
	DeviceModel:   "Erskine",
	Descriptors: []Descriptor{
		{
			Suffix:     "size",
			NameFormat: "Zpool %s size",
			Field:      "size",
			Platform:   PlatformSensor,
			Icon:       "mdi:database",
		},
		{
			Suffix:     "allocated_size",
			NameFormat: "Zpool %s allocated size",
			Field:      "alloc",
			Platform:   PlatformSensor,
			Icon:       "mdi:database-arrow-up",
		},
		{
			Suffix:     "health",
			NameFormat: "Zpool %s health",
			Field:      "health",
			Platform:   PlatformSensor,
			Icon:       "mdi:heart-pulse",
		},
	},
}

// Kinds lists every kind with entities, in publishing order
var Kinds = []Kind{Drive, Zpool}

// KindFor returns the kind backed by resource. Resources without entities return false.
func KindFor(resource tacitus.Resource) (Kind, bool) {
	for _, kind := range Kinds {
		if kind.Resource == resource {
			return kind, true
		}
	}
	return Kind{}, false
}
