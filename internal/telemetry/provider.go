package telemetry

import (
	"context"
	"errors"
	"time"
)

// Provider pulls normalized telemetry from the upstream vehicle platform.
// GetTripsInRange serves as the trip-distance authority: the provider's own
// per-trip distance beats GPS accumulation.
type Provider interface {
	GetSignal(ctx context.Context, vehicleID string) (*Signal, error)
	GetTripsInRange(ctx context.Context, vehicleID string, start, end time.Time) ([]ProviderTrip, error)
}

// Provider failure classes. The scheduler skips a vehicle for the cycle on
// ErrProviderUnavailable; ErrProviderAuthExpired triggers a credential
// refresh instead of blind retries.
var (
	ErrProviderUnavailable = errors.New("telemetry provider unavailable")
	ErrProviderAuthExpired = errors.New("telemetry provider credentials expired")
)

// CredentialSource supplies and refreshes the provider bearer token.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// StaticToken is a CredentialSource with a fixed token and no refresh.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) { return string(t), nil }
func (t StaticToken) Refresh(ctx context.Context) error         { return ErrProviderAuthExpired }
