package safety

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeParamsOverlaysDefaults(t *testing.T) {
	doc := `
steering:
  maxTorque: 2048
freshness:
  vehicle_speed: 80ms
  odometer: 2s
faults:
  rxTimeout: 50ms
inertFrames:
  - bus: 0
    id: 0x18DAB0F1
`
	p, err := DecodeParams(strings.NewReader(doc), hondaDefaults())
	require.NoError(t, err)

	assert.Equal(t, 2048.0, p.Steering.MaxTorque)
	assert.Equal(t, 60.0, p.Steering.MaxRate, "unset fields keep the default")
	assert.Equal(t, 80*time.Millisecond, p.MaxAge(SignalVehicleSpeed))
	assert.Equal(t, 50*time.Millisecond, p.MaxAge(SignalSteerTorqueDriver))
	assert.Equal(t, 2*time.Second, p.MaxAge("odometer"))
	assert.Equal(t, 100*time.Millisecond, p.MaxAge("unknown"), "falls back to defaultFreshness")
	assert.Equal(t, 50*time.Millisecond, p.Faults.RxTimeout)
	assert.Equal(t, 5, p.Faults.MaxConsecutiveDenies)
	assert.Equal(t, []MessageRef{{Bus: 0, ID: 0x18DAB0F1}}, p.InertFrames)
}

func TestDecodeParamsDoesNotMutateBase(t *testing.T) {
	base := hondaDefaults()
	_, err := DecodeParams(strings.NewReader("freshness:\n  vehicle_speed: 1s\n"), base)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, base.Freshness[SignalVehicleSpeed])
}

func TestDecodeParamsRejectsUnknownFields(t *testing.T) {
	_, err := DecodeParams(strings.NewReader("steering:\n  maxTorqe: 1\n"), hondaDefaults())
	require.Error(t, err)
}

func TestDecodeParamsEmptyDocument(t *testing.T) {
	p, err := DecodeParams(strings.NewReader(""), hondaDefaults())
	require.NoError(t, err)
	assert.Equal(t, hondaDefaults().Steering, p.Steering)
}

func TestLoadParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte("defaultFreshness: 40ms\n"), 0o644))

	p, err := LoadParams(path, baseDefaults())
	require.NoError(t, err)
	assert.Equal(t, 40*time.Millisecond, p.DefaultFreshness)

	_, err = LoadParams(filepath.Join(t.TempDir(), "missing.yaml"), baseDefaults())
	require.Error(t, err)
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, hondaDefaults().Validate())

	p := hondaDefaults()
	p.DefaultFreshness = 0
	p.Freshness[SignalVehicleSpeed] = -time.Millisecond
	p.Faults.MaxConsecutiveDenies = 0
	p.Faults.MaxClockSkew = -time.Millisecond
	err := p.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidParams))
	for _, want := range []string{"defaultFreshness", "freshness[vehicle_speed]", "maxConsecutiveDenies", "maxClockSkew"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestSteeringLimitsValidate(t *testing.T) {
	require.NoError(t, testParams().Steering.validate())

	l := testParams().Steering
	l.DriverOverride = l.DriverAllowance
	l.MaxCatchUpCycles = 0
	err := l.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driverOverride")
	assert.Contains(t, err.Error(), "maxCatchUpCycles")
}
