package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fleet-data/fleettrace/internal/httputil"
	"github.com/fleet-data/fleettrace/internal/monitoring"
	"github.com/fleet-data/fleettrace/internal/timeutil"
)

// Client is the HTTP implementation of Provider. Transient failures are
// retried with backoff; a 401 triggers one credential refresh before the
// request is retried.
type Client struct {
	HTTP    httputil.HTTPClient
	BaseURL string
	Creds   CredentialSource
	Clock   timeutil.Clock
	// MaxAttempts bounds transport retries per call.
	MaxAttempts int
}

// NewClient creates a provider client for the given base URL.
func NewClient(httpClient httputil.HTTPClient, baseURL string, creds CredentialSource) *Client {
	if httpClient == nil {
		httpClient = httputil.NewStandardClient(&http.Client{Timeout: 30 * time.Second})
	}
	return &Client{
		HTTP:        httpClient,
		BaseURL:     baseURL,
		Creds:       creds,
		Clock:       timeutil.RealClock{},
		MaxAttempts: 3,
	}
}

// signalResponse is the provider's wire shape for a snapshot.
type signalResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Ignition  string    `json:"ignition"`
	Position  struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"position"`
	Odometer      float64  `json:"odometer"`
	StateOfCharge float64  `json:"stateOfCharge"`
	RangeKm       *float64 `json:"rangeKm,omitempty"`
	PlugStatus    bool     `json:"plugStatus"`
}

// GetSignal pulls the current snapshot for a vehicle.
func (c *Client) GetSignal(ctx context.Context, vehicleID string) (*Signal, error) {
	u := fmt.Sprintf("%s/v1/vehicles/%s/signal", c.BaseURL, url.PathEscape(vehicleID))

	var wire signalResponse
	if err := c.getJSON(ctx, u, &wire); err != nil {
		return nil, err
	}

	return &Signal{
		VehicleID:     vehicleID,
		ProviderTime:  wire.Timestamp,
		ReceivedTime:  c.Clock.Now().UTC(),
		Ignition:      ParseIgnition(wire.Ignition),
		Latitude:      wire.Position.Lat,
		Longitude:     wire.Position.Lon,
		OdometerMiles: wire.Odometer,
		SocPct:        wire.StateOfCharge,
		PluggedIn:     wire.PlugStatus,
		RangeKm:       wire.RangeKm,
	}, nil
}

type providerTripResponse struct {
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	DistanceKm float64   `json:"distanceKm"`
	StartPos   struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"startPos"`
	EndPos struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"endPos"`
}

// GetTripsInRange asks the provider for its own trip records in a window.
func (c *Client) GetTripsInRange(ctx context.Context, vehicleID string, start, end time.Time) ([]ProviderTrip, error) {
	u := fmt.Sprintf("%s/v1/vehicles/%s/trips?start=%d&end=%d",
		c.BaseURL, url.PathEscape(vehicleID), start.Unix(), end.Unix())

	var wire []providerTripResponse
	if err := c.getJSON(ctx, u, &wire); err != nil {
		return nil, err
	}

	trips := make([]ProviderTrip, 0, len(wire))
	for _, t := range wire {
		trips = append(trips, ProviderTrip{
			StartTime:  t.StartTime,
			EndTime:    t.EndTime,
			DistanceKm: t.DistanceKm,
			StartLat:   t.StartPos.Lat,
			StartLon:   t.StartPos.Lon,
			EndLat:     t.EndPos.Lat,
			EndLon:     t.EndPos.Lon,
		})
	}
	return trips, nil
}

// getJSON fetches u and decodes the body. Network errors and 5xx responses
// count against MaxAttempts with exponential backoff; a 401 gets exactly
// one credential refresh.
func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	refreshed := false
	delay := 500 * time.Millisecond
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.Clock.After(delay):
			}
			delay *= 2
		}

		body, status, err := c.fetch(ctx, u)
		if err != nil {
			lastErr = err
			monitoring.Debugf("provider request failed (attempt %d/%d): %v", attempt, attempts, err)
			continue
		}

		switch {
		case status == http.StatusOK:
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("failed to decode provider response: %w", err)
			}
			return nil
		case status == http.StatusUnauthorized:
			if refreshed {
				return fmt.Errorf("%w: refresh did not restore access", ErrProviderAuthExpired)
			}
			refreshed = true
			monitoring.Logf("provider returned 401, refreshing credentials")
			if err := c.Creds.Refresh(ctx); err != nil {
				return fmt.Errorf("%w: %v", ErrProviderAuthExpired, err)
			}
			// Refresh does not consume a transport attempt.
			attempt--
		case status >= 500:
			lastErr = fmt.Errorf("provider returned status %d", status)
			monitoring.Debugf("provider server error (attempt %d/%d): %v", attempt, attempts, lastErr)
		default:
			return fmt.Errorf("provider returned status %d: %s", status, string(body))
		}
	}

	return fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
}

func (c *Client) fetch(ctx context.Context, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.Creds != nil {
		token, err := c.Creds.Token(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrProviderAuthExpired, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
