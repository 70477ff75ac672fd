package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for pipeline tuning
// parameters. Fields omitted from the JSON file retain their defaults, so
// partial configs are safe; the Get* accessors supply the fallback values.
type TuningConfig struct {
	// Signal filter params
	FilterLocationDeltaMeters *float64 `json:"filter_location_delta_meters,omitempty"`
	FilterSocDeltaPct         *float64 `json:"filter_soc_delta_pct,omitempty"`
	FilterRangeDeltaMiles     *float64 `json:"filter_range_delta_miles,omitempty"`
	FilterOdometerDeltaMiles  *float64 `json:"filter_odometer_delta_miles,omitempty"`
	FilterHeartbeatInterval   *string  `json:"filter_heartbeat_interval,omitempty"` // duration string like "15m"

	// Parking detector params
	ParkingSampleWindow        *string  `json:"parking_sample_window,omitempty"`
	ParkingMaxSamples          *int     `json:"parking_max_samples,omitempty"`
	ParkingSiteMinWindow       *string  `json:"parking_site_min_window,omitempty"`
	ParkingSiteMaxDriftMeters  *float64 `json:"parking_site_max_drift_meters,omitempty"`
	ParkingMinWindow           *string  `json:"parking_min_window,omitempty"`
	ParkingMaxDriftMeters      *float64 `json:"parking_max_drift_meters,omitempty"`
	ParkingWidenedWindow       *string  `json:"parking_widened_window,omitempty"`
	ParkingWidenedDriftMeters  *float64 `json:"parking_widened_drift_meters,omitempty"`
	ParkingConfirmDelay        *string  `json:"parking_confirm_delay,omitempty"`
	ParkingIgnitionCycleWindow *string  `json:"parking_ignition_cycle_window,omitempty"`

	// Trip lifecycle params
	TripRoutePointInterval  *string  `json:"trip_route_point_interval,omitempty"`
	TripRoutePointDistanceM *float64 `json:"trip_route_point_distance_m,omitempty"`
	TripMaxRoutePoints      *int     `json:"trip_max_route_points,omitempty"`
	TripDistanceTolerance   *string  `json:"trip_distance_tolerance,omitempty"`

	// Depot geofence params
	DepotLatitude     *float64 `json:"depot_latitude,omitempty"`
	DepotLongitude    *float64 `json:"depot_longitude,omitempty"`
	DepotRadiusMeters *float64 `json:"depot_radius_meters,omitempty"`

	// Scheduler params
	BusinessHoursStart *int    `json:"business_hours_start,omitempty"` // local hour, inclusive
	BusinessHoursEnd   *int    `json:"business_hours_end,omitempty"`   // local hour, exclusive
	BusinessInterval   *string `json:"business_interval,omitempty"`
	OffHoursInterval   *string `json:"off_hours_interval,omitempty"`

	// Reconstructor params
	ReconstructLookback    *string  `json:"reconstruct_lookback,omitempty"`
	ReconstructMinJumpM    *float64 `json:"reconstruct_min_jump_m,omitempty"`
	ReconstructMinGap      *string  `json:"reconstruct_min_gap,omitempty"`
	ReconstructMinScore    *float64 `json:"reconstruct_min_score,omitempty"`
	ReconstructRunInterval *string  `json:"reconstruct_run_interval,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	durations := map[string]*string{
		"filter_heartbeat_interval":     c.FilterHeartbeatInterval,
		"parking_sample_window":         c.ParkingSampleWindow,
		"parking_site_min_window":       c.ParkingSiteMinWindow,
		"parking_min_window":            c.ParkingMinWindow,
		"parking_widened_window":        c.ParkingWidenedWindow,
		"parking_confirm_delay":         c.ParkingConfirmDelay,
		"parking_ignition_cycle_window": c.ParkingIgnitionCycleWindow,
		"trip_route_point_interval":     c.TripRoutePointInterval,
		"trip_distance_tolerance":       c.TripDistanceTolerance,
		"business_interval":             c.BusinessInterval,
		"off_hours_interval":            c.OffHoursInterval,
		"reconstruct_lookback":          c.ReconstructLookback,
		"reconstruct_min_gap":           c.ReconstructMinGap,
		"reconstruct_run_interval":      c.ReconstructRunInterval,
	}
	for name, v := range durations {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	if c.BusinessHoursStart != nil {
		if *c.BusinessHoursStart < 0 || *c.BusinessHoursStart > 23 {
			return fmt.Errorf("business_hours_start must be 0-23, got %d", *c.BusinessHoursStart)
		}
	}
	if c.BusinessHoursEnd != nil {
		if *c.BusinessHoursEnd < 0 || *c.BusinessHoursEnd > 24 {
			return fmt.Errorf("business_hours_end must be 0-24, got %d", *c.BusinessHoursEnd)
		}
	}
	if c.DepotLatitude != nil {
		if *c.DepotLatitude < -90 || *c.DepotLatitude > 90 {
			return fmt.Errorf("depot_latitude must be between -90 and 90, got %f", *c.DepotLatitude)
		}
	}
	if c.DepotLongitude != nil {
		if *c.DepotLongitude < -180 || *c.DepotLongitude > 180 {
			return fmt.Errorf("depot_longitude must be between -180 and 180, got %f", *c.DepotLongitude)
		}
	}
	if c.ReconstructMinScore != nil {
		if *c.ReconstructMinScore < 0 || *c.ReconstructMinScore > 100 {
			return fmt.Errorf("reconstruct_min_score must be 0-100, got %f", *c.ReconstructMinScore)
		}
	}

	return nil
}

func (c *TuningConfig) duration(v *string, fallback time.Duration) time.Duration {
	if v == nil || *v == "" {
		return fallback
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fallback
	}
	return d
}

// GetFilterLocationDeltaMeters returns the displacement above which a signal
// is stored as important.
func (c *TuningConfig) GetFilterLocationDeltaMeters() float64 {
	if c.FilterLocationDeltaMeters == nil {
		return 10.0
	}
	return *c.FilterLocationDeltaMeters
}

// GetFilterSocDeltaPct returns the state-of-charge change threshold.
func (c *TuningConfig) GetFilterSocDeltaPct() float64 {
	if c.FilterSocDeltaPct == nil {
		return 1.0
	}
	return *c.FilterSocDeltaPct
}

// GetFilterRangeDeltaMiles returns the battery range change threshold.
func (c *TuningConfig) GetFilterRangeDeltaMiles() float64 {
	if c.FilterRangeDeltaMiles == nil {
		return 2.0
	}
	return *c.FilterRangeDeltaMiles
}

// GetFilterOdometerDeltaMiles returns the odometer change threshold.
func (c *TuningConfig) GetFilterOdometerDeltaMiles() float64 {
	if c.FilterOdometerDeltaMiles == nil {
		return 0.1
	}
	return *c.FilterOdometerDeltaMiles
}

// GetFilterHeartbeatInterval returns the maximum silence before a routine
// heartbeat row is forced.
func (c *TuningConfig) GetFilterHeartbeatInterval() time.Duration {
	return c.duration(c.FilterHeartbeatInterval, 15*time.Minute)
}

// GetParkingSampleWindow returns the primary lookback window for the parking
// detector.
func (c *TuningConfig) GetParkingSampleWindow() time.Duration {
	return c.duration(c.ParkingSampleWindow, 5*time.Minute)
}

// GetParkingMaxSamples returns the sample cap within the primary window.
func (c *TuningConfig) GetParkingMaxSamples() int {
	if c.ParkingMaxSamples == nil {
		return 20
	}
	return *c.ParkingMaxSamples
}

// GetParkingSiteMinWindow returns the minimum observation span at a known site.
func (c *TuningConfig) GetParkingSiteMinWindow() time.Duration {
	return c.duration(c.ParkingSiteMinWindow, 90*time.Second)
}

// GetParkingSiteMaxDriftMeters returns the drift ceiling at a known site.
func (c *TuningConfig) GetParkingSiteMaxDriftMeters() float64 {
	if c.ParkingSiteMaxDriftMeters == nil {
		return 20.0
	}
	return *c.ParkingSiteMaxDriftMeters
}

// GetParkingMinWindow returns the minimum observation span away from sites.
func (c *TuningConfig) GetParkingMinWindow() time.Duration {
	return c.duration(c.ParkingMinWindow, 120*time.Second)
}

// GetParkingMaxDriftMeters returns the drift ceiling away from sites.
func (c *TuningConfig) GetParkingMaxDriftMeters() float64 {
	if c.ParkingMaxDriftMeters == nil {
		return 15.0
	}
	return *c.ParkingMaxDriftMeters
}

// GetParkingWidenedWindow returns the sparse-history fallback window.
func (c *TuningConfig) GetParkingWidenedWindow() time.Duration {
	return c.duration(c.ParkingWidenedWindow, 30*time.Minute)
}

// GetParkingWidenedDriftMeters returns the drift ceiling in the widened window.
func (c *TuningConfig) GetParkingWidenedDriftMeters() float64 {
	if c.ParkingWidenedDriftMeters == nil {
		return 25.0
	}
	return *c.ParkingWidenedDriftMeters
}

// GetParkingConfirmDelay returns the grace period before parking is confirmed.
func (c *TuningConfig) GetParkingConfirmDelay() time.Duration {
	return c.duration(c.ParkingConfirmDelay, time.Minute)
}

// GetParkingIgnitionCycleWindow returns the longest On/Off toggle still
// treated as an ignition cycle inside a parking session.
func (c *TuningConfig) GetParkingIgnitionCycleWindow() time.Duration {
	return c.duration(c.ParkingIgnitionCycleWindow, 45*time.Second)
}

// GetTripRoutePointInterval returns the minimum spacing between route points
// while a trip is active.
func (c *TuningConfig) GetTripRoutePointInterval() time.Duration {
	return c.duration(c.TripRoutePointInterval, 60*time.Second)
}

// GetTripRoutePointDistanceM returns the movement that forces a route point
// regardless of elapsed time.
func (c *TuningConfig) GetTripRoutePointDistanceM() float64 {
	if c.TripRoutePointDistanceM == nil {
		return 25.0
	}
	return *c.TripRoutePointDistanceM
}

// GetTripMaxRoutePoints returns the per-trip route history bound.
func (c *TuningConfig) GetTripMaxRoutePoints() int {
	if c.TripMaxRoutePoints == nil {
		return 100
	}
	return *c.TripMaxRoutePoints
}

// GetTripDistanceTolerance returns the start-time matching tolerance for the
// provider's per-trip distance figures.
func (c *TuningConfig) GetTripDistanceTolerance() time.Duration {
	return c.duration(c.TripDistanceTolerance, 5*time.Minute)
}

// GetDepotLatitude returns the home-base geofence centre latitude.
func (c *TuningConfig) GetDepotLatitude() float64 {
	if c.DepotLatitude == nil {
		return 0
	}
	return *c.DepotLatitude
}

// GetDepotLongitude returns the home-base geofence centre longitude.
func (c *TuningConfig) GetDepotLongitude() float64 {
	if c.DepotLongitude == nil {
		return 0
	}
	return *c.DepotLongitude
}

// GetDepotRadiusMeters returns the home-base geofence radius.
func (c *TuningConfig) GetDepotRadiusMeters() float64 {
	if c.DepotRadiusMeters == nil {
		return 250.0
	}
	return *c.DepotRadiusMeters
}

// GetBusinessHoursStart returns the first local hour of the fast-poll window.
func (c *TuningConfig) GetBusinessHoursStart() int {
	if c.BusinessHoursStart == nil {
		return 6
	}
	return *c.BusinessHoursStart
}

// GetBusinessHoursEnd returns the local hour (exclusive) ending the fast-poll window.
func (c *TuningConfig) GetBusinessHoursEnd() int {
	if c.BusinessHoursEnd == nil {
		return 20
	}
	return *c.BusinessHoursEnd
}

// GetBusinessInterval returns the poll interval during business hours.
func (c *TuningConfig) GetBusinessInterval() time.Duration {
	return c.duration(c.BusinessInterval, 5*time.Second)
}

// GetOffHoursInterval returns the poll interval outside business hours.
func (c *TuningConfig) GetOffHoursInterval() time.Duration {
	return c.duration(c.OffHoursInterval, 10*time.Minute)
}

// GetReconstructLookback returns the reconstructor's analysis window.
func (c *TuningConfig) GetReconstructLookback() time.Duration {
	return c.duration(c.ReconstructLookback, 24*time.Hour)
}

// GetReconstructMinJumpM returns the displacement that marks a possible
// missed trip.
func (c *TuningConfig) GetReconstructMinJumpM() float64 {
	if c.ReconstructMinJumpM == nil {
		return 100.0
	}
	return *c.ReconstructMinJumpM
}

// GetReconstructMinGap returns the elapsed time that marks a possible missed trip.
func (c *TuningConfig) GetReconstructMinGap() time.Duration {
	return c.duration(c.ReconstructMinGap, 5*time.Minute)
}

// GetReconstructMinScore returns the confidence cutoff for accepting a candidate.
func (c *TuningConfig) GetReconstructMinScore() float64 {
	if c.ReconstructMinScore == nil {
		return 40.0
	}
	return *c.ReconstructMinScore
}

// GetReconstructRunInterval returns how often the reconstructor worker runs.
func (c *TuningConfig) GetReconstructRunInterval() time.Duration {
	return c.duration(c.ReconstructRunInterval, time.Hour)
}
