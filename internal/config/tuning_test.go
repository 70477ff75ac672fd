package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEmptyConfig_AccessorDefaults(t *testing.T) {
	c := EmptyTuningConfig()

	assert.Equal(t, 10.0, c.GetFilterLocationDeltaMeters())
	assert.Equal(t, 1.0, c.GetFilterSocDeltaPct())
	assert.Equal(t, 15*time.Minute, c.GetFilterHeartbeatInterval())
	assert.Equal(t, 5*time.Minute, c.GetParkingSampleWindow())
	assert.Equal(t, 90*time.Second, c.GetParkingSiteMinWindow())
	assert.Equal(t, 15.0, c.GetParkingMaxDriftMeters())
	assert.Equal(t, 30*time.Minute, c.GetParkingWidenedWindow())
	assert.Equal(t, time.Minute, c.GetParkingConfirmDelay())
	assert.Equal(t, 45*time.Second, c.GetParkingIgnitionCycleWindow())
	assert.Equal(t, 100, c.GetTripMaxRoutePoints())
	assert.Equal(t, 250.0, c.GetDepotRadiusMeters())
	assert.Equal(t, 6, c.GetBusinessHoursStart())
	assert.Equal(t, 20, c.GetBusinessHoursEnd())
	assert.Equal(t, 5*time.Second, c.GetBusinessInterval())
	assert.Equal(t, 10*time.Minute, c.GetOffHoursInterval())
	assert.Equal(t, 24*time.Hour, c.GetReconstructLookback())
	assert.Equal(t, 100.0, c.GetReconstructMinJumpM())
	assert.Equal(t, 40.0, c.GetReconstructMinScore())
	assert.Equal(t, time.Hour, c.GetReconstructRunInterval())
}

func TestLoadTuningConfig_PartialOverride(t *testing.T) {
	path := writeConfig(t, "tuning.json", `{
		"filter_soc_delta_pct": 2.5,
		"parking_confirm_delay": "30s",
		"business_hours_start": 7
	}`)

	c, err := LoadTuningConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2.5, c.GetFilterSocDeltaPct())
	assert.Equal(t, 30*time.Second, c.GetParkingConfirmDelay())
	assert.Equal(t, 7, c.GetBusinessHoursStart())

	// Everything not overridden keeps its default.
	assert.Equal(t, 10.0, c.GetFilterLocationDeltaMeters())
	assert.Equal(t, 20, c.GetBusinessHoursEnd())
}

func TestLoadTuningConfig_RejectsBadFiles(t *testing.T) {
	t.Run("wrong extension", func(t *testing.T) {
		path := writeConfig(t, "tuning.yaml", "{}")
		_, err := LoadTuningConfig(path)
		assert.ErrorContains(t, err, ".json extension")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTuningConfig(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		path := writeConfig(t, "tuning.json", "{not json")
		_, err := LoadTuningConfig(path)
		assert.ErrorContains(t, err, "parse config JSON")
	})
}

func TestValidate_Bounds(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad duration", `{"parking_sample_window": "five minutes"}`, "parking_sample_window"},
		{"hour out of range", `{"business_hours_start": 24}`, "business_hours_start"},
		{"latitude out of range", `{"depot_latitude": 91.0}`, "depot_latitude"},
		{"longitude out of range", `{"depot_longitude": -190.0}`, "depot_longitude"},
		{"score out of range", `{"reconstruct_min_score": 150}`, "reconstruct_min_score"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "tuning.json", tt.body)
			_, err := LoadTuningConfig(path)
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestDuration_IgnoresUnparseableValue(t *testing.T) {
	// Validate catches bad strings at load time; an accessor reading a bad
	// string directly still falls back rather than returning zero.
	bad := "soon"
	c := &TuningConfig{ParkingConfirmDelay: &bad}
	assert.Equal(t, time.Minute, c.GetParkingConfirmDelay())
}

func TestMustLoadDefaultConfig_FindsRepoDefaults(t *testing.T) {
	c := MustLoadDefaultConfig()
	require.NotNil(t, c)

	// The shipped defaults file should agree with the accessor fallbacks.
	assert.Equal(t, 15*time.Minute, c.GetFilterHeartbeatInterval())
	assert.Equal(t, 100.0, c.GetReconstructMinJumpM())
}
