package entity

import (
	"testing"

	"tacitus/internal/tacitus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var defaults = DeviceDefaults{Manufacturer: "JJs homelab", SWVersion: "0.0.1"}

func descriptor(t *testing.T, kind Kind, suffix string) Descriptor {
	t.Helper()
	for _, d := range kind.Descriptors {
		if d.Suffix == suffix {
			return d
		}
	}
	t.Fatalf("no descriptor %q in kind %s", suffix, kind.Name)
	return Descriptor{}
}

func driveSnapshot(records ...tacitus.Record) *tacitus.Snapshot {
	return &tacitus.Snapshot{Resource: tacitus.ResourceDrives, Records: records}
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "tacitus_drive_wd_wcc4n123_temperature", Slugify("tacitus_drive_WD-WCC4N123_temperature"))
	assert.Equal(t, "dev_sda", Slugify("/dev/sda"))
	assert.Equal(t, "a_b", Slugify("__a  b__"))
}

func TestNew_Drive(t *testing.T) {
	record := tacitus.Record{"serial_number": "WD-ABC123", "block_device_path": "/dev/sda", "temperature": float64(38)}

	e, err := New(Drive, descriptor(t, Drive, "temperature"), record, defaults)
	require.NoError(t, err)

	assert.Equal(t, "tacitus_drive_wd-abc123_temperature", e.UniqueID)
	assert.Equal(t, "sensor.tacitus_drive_wd_abc123_temperature", e.EntityID)
	assert.Equal(t, "HDD /dev/sda temperature", e.Name)
	assert.Equal(t, "WD-ABC123", e.Key)
	assert.Equal(t, "/dev/sda", e.Label)
	assert.Equal(t, tacitus.ResourceDrives, e.Resource)
	assert.Equal(t, DeviceInfo{
		Identifiers:  []string{"tacitus", "WD-ABC123"},
		Name:         "HDD /dev/sda",
		Manufacturer: "JJs homelab",
		Model:        "Carbon",
		SWVersion:    "0.0.1",
	}, e.Device)
}

func TestNew_LabelFallsBackToIdentity(t *testing.T) {
	e, err := New(Drive, descriptor(t, Drive, "type"), tacitus.Record{"serial_number": "S1"}, defaults)
	require.NoError(t, err)
	assert.Equal(t, "HDD S1 type", e.Name)
}

func TestNew_ModelOverride(t *testing.T) {
	d := DeviceDefaults{Models: map[string]string{"zpool": "TrueNAS"}}
	e, err := New(Zpool, descriptor(t, Zpool, "health"), tacitus.Record{"name": "tank"}, d)
	require.NoError(t, err)

	assert.Equal(t, "TrueNAS", e.Device.Model)
	assert.Equal(t, "Zpool tank", e.Device.Name)
	assert.Equal(t, "tacitus_zpool_tank_health", e.UniqueID)
	assert.Equal(t, "sensor.tacitus_zpool_tank_health", e.EntityID)
}

func TestNew_MissingIdentity(t *testing.T) {
	_, err := New(Drive, descriptor(t, Drive, "temperature"), tacitus.Record{"block_device_path": "/dev/sdb"}, defaults)
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	temp, err := New(Drive, descriptor(t, Drive, "temperature"), tacitus.Record{"serial_number": "S1"}, defaults)
	require.NoError(t, err)
	smart, err := New(Drive, descriptor(t, Drive, "smart_error"), tacitus.Record{"serial_number": "S1"}, defaults)
	require.NoError(t, err)

	t.Run("numeric value", func(t *testing.T) {
		state, ok := temp.Render(driveSnapshot(tacitus.Record{"serial_number": "S1", "temperature": float64(42)}), nil)
		require.True(t, ok)
		assert.Equal(t, "42", state.State)
		assert.Equal(t, temp.EntityID, state.EntityID)
		assert.Equal(t, "°C", state.Attributes["unit_of_measurement"])
		assert.Equal(t, "temperature", state.Attributes["device_class"])
		assert.Equal(t, "measurement", state.Attributes["state_class"])
		assert.Equal(t, "HDD S1 temperature", state.Attributes["friendly_name"])
		assert.Equal(t, "S1", state.Attributes["serial_number"])
	})

	t.Run("missing field renders unknown", func(t *testing.T) {
		state, ok := temp.Render(driveSnapshot(tacitus.Record{"serial_number": "S1"}), nil)
		require.True(t, ok)
		assert.Equal(t, StateUnknown, state.State)
	})

	t.Run("fetch failure renders unavailable", func(t *testing.T) {
		state, ok := temp.Render(driveSnapshot(tacitus.Record{"serial_number": "S1", "temperature": float64(42)}), tacitus.ErrUnreachable)
		require.True(t, ok)
		assert.Equal(t, StateUnavailable, state.State)
		assert.Equal(t, StateUnavailable, temp.Unavailable().State)
	})

	t.Run("missing record stops updating", func(t *testing.T) {
		state, ok := temp.Render(driveSnapshot(tacitus.Record{"serial_number": "S2", "temperature": float64(30)}), nil)
		assert.False(t, ok)
		assert.Nil(t, state)
	})

	t.Run("smart problem flag", func(t *testing.T) {
		state, ok := smart.Render(driveSnapshot(tacitus.Record{"serial_number": "S1", "smart_status_passed": true}), nil)
		require.True(t, ok)
		assert.Equal(t, "off", state.State)
		assert.Equal(t, "problem", state.Attributes["device_class"])

		state, ok = smart.Render(driveSnapshot(tacitus.Record{"serial_number": "S1", "smart_status_passed": false}), nil)
		require.True(t, ok)
		assert.Equal(t, "on", state.State)

		state, ok = smart.Render(driveSnapshot(tacitus.Record{"serial_number": "S1"}), nil)
		require.True(t, ok)
		assert.Equal(t, StateUnknown, state.State, "absent S.M.A.R.T. status is not 'no problem'")
	})

	t.Run("non-scalar value renders unknown", func(t *testing.T) {
		state, ok := temp.Render(driveSnapshot(tacitus.Record{"serial_number": "S1", "temperature": map[string]any{"c": 1}}), nil)
		require.True(t, ok)
		assert.Equal(t, StateUnknown, state.State)
	})
}

func TestKindFor(t *testing.T) {
	kind, ok := KindFor(tacitus.ResourceZpools)
	assert.True(t, ok)
	assert.Equal(t, "zpool", kind.Name)

	_, ok = KindFor(tacitus.ResourceWireguard)
	assert.False(t, ok)
}

func TestKinds_DescriptorTable(t *testing.T) {
	suffixes := func(k Kind) []string {
		var out []string
		for _, d := range k.Descriptors {
			out = append(out, d.Suffix)
		}
		return out
	}

	assert.Equal(t, []string{"power_state", "temperature", "model_name", "smart_error", "type"}, suffixes(Drive))
	assert.Equal(t, []string{"size", "allocated_size", "health"}, suffixes(Zpool))
	assert.Equal(t, PlatformBinarySensor, descriptor(t, Drive, "smart_error").Platform)
}

func TestRegistry_Discover(t *testing.T) {
	r := NewRegistry(defaults, zap.NewNop())

	first := r.Discover(Drive, driveSnapshot(
		tacitus.Record{"serial_number": "S1", "block_device_path": "/dev/sda"},
		tacitus.Record{"serial_number": "S1", "block_device_path": "/dev/sdz"},
		tacitus.Record{"block_device_path": "/dev/sdq"},
	))
	require.Len(t, first, len(Drive.Descriptors), "duplicate identity and records without identity add nothing")
	assert.Equal(t, "HDD /dev/sda temperature", first[1].Name, "first record with an identity wins")

	again := r.Discover(Drive, driveSnapshot(tacitus.Record{"serial_number": "S1"}))
	assert.Empty(t, again)

	more := r.Discover(Drive, driveSnapshot(tacitus.Record{"serial_number": "S2"}))
	assert.Len(t, more, len(Drive.Descriptors))

	pools := r.Discover(Zpool, &tacitus.Snapshot{Resource: tacitus.ResourceZpools, Records: []tacitus.Record{{"name": "tank"}}})
	assert.Len(t, pools, len(Zpool.Descriptors))

	assert.Equal(t, 2*len(Drive.Descriptors)+len(Zpool.Descriptors), r.Len())
	assert.Len(t, r.ForResource(tacitus.ResourceDrives), 2*len(Drive.Descriptors))
	assert.Len(t, r.ForResource(tacitus.ResourceZpools), len(Zpool.Descriptors))
	assert.Len(t, r.All(), r.Len())

	e, ok := r.Get("tacitus_zpool_tank_health")
	require.True(t, ok)
	assert.Equal(t, "tank", e.Key)

	assert.Nil(t, r.Discover(Drive, nil))
}
