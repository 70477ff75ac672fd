package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleet-data/fleettrace/internal/monitoring"
)

// Engine wires the per-signal pipeline: provider pull, filter, derivation,
// trip lifecycle. One instance serves the whole fleet.
type Engine struct {
	Provider Provider
	Filter   *SignalFilter
	Deriver  *StateDeriver
	Trips    *TripManager
}

// ProcessVehicle runs one polling cycle for one vehicle. Errors are
// returned for the scheduler to log; they never affect other vehicles.
func (e *Engine) ProcessVehicle(ctx context.Context, vehicleID string) error {
	sig, err := e.Provider.GetSignal(ctx, vehicleID)
	if err != nil {
		if errors.Is(err, ErrProviderAuthExpired) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	tier, err := e.Filter.Process(ctx, sig)
	if err != nil {
		// Persistence failed after retries. Derivation still proceeds on
		// the in-memory signal so canonical state keeps moving.
		monitoring.Logf("failed to persist signal for %s: %v", vehicleID, err)
	}
	if tier == TierSkip {
		return nil
	}

	d, err := e.Deriver.Derive(ctx, sig)
	if err != nil {
		return fmt.Errorf("derivation failed: %w", err)
	}

	return e.Trips.HandleSignal(ctx, sig, d)
}
