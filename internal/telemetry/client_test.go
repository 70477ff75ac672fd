package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fleet-data/fleettrace/internal/httputil"
	"github.com/fleet-data/fleettrace/internal/timeutil"
)

const signalBody = `{
	"timestamp": "2026-05-11T17:00:00Z",
	"ignition": "On",
	"position": {"lat": 33.4484, "lon": -112.0740},
	"odometer": 12345.6,
	"stateOfCharge": 81.5,
	"rangeKm": 210.0,
	"plugStatus": false
}`

// refreshableCreds counts refreshes and swaps the token on each one.
type refreshableCreds struct {
	mu        sync.Mutex
	token     string
	refreshes int
}

func (c *refreshableCreds) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

func (c *refreshableCreds) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	c.token = fmt.Sprintf("token-%d", c.refreshes)
	return nil
}

func newTestClient(mock *httputil.MockHTTPClient, creds CredentialSource) *Client {
	c := NewClient(mock, "https://provider.test", creds)
	c.Clock = timeutil.RealClock{}
	// Keep retry backoff out of test wall time.
	c.MaxAttempts = 3
	return c
}

func TestClient_GetSignal(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, signalBody)
	c := newTestClient(mock, StaticToken("tok"))

	sig, err := c.GetSignal(context.Background(), "veh-1")
	if err != nil {
		t.Fatalf("GetSignal failed: %v", err)
	}

	if sig.VehicleID != "veh-1" {
		t.Errorf("vehicle id = %q", sig.VehicleID)
	}
	if sig.Ignition != IgnitionOn {
		t.Errorf("ignition = %q, want On", sig.Ignition)
	}
	if sig.Latitude != 33.4484 || sig.Longitude != -112.0740 {
		t.Errorf("position = (%v, %v)", sig.Latitude, sig.Longitude)
	}
	if sig.RangeKm == nil || *sig.RangeKm != 210 {
		t.Errorf("range = %v, want 210", sig.RangeKm)
	}

	req := mock.GetRequest(0)
	if req.URL.Path != "/v1/vehicles/veh-1/signal" {
		t.Errorf("request path = %q", req.URL.Path)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("authorization header = %q", got)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(503, "try later")
	mock.AddResponse(502, "still warming up")
	mock.AddResponse(200, signalBody)
	c := newTestClient(mock, StaticToken("tok"))
	c.Clock = timeutil.NewMockClock(time.Now())
	go driveBackoff(c.Clock.(*timeutil.MockClock))

	sig, err := c.GetSignal(context.Background(), "veh-1")
	if err != nil {
		t.Fatalf("GetSignal failed after retries: %v", err)
	}
	if sig.SocPct != 81.5 {
		t.Errorf("soc = %v, want 81.5", sig.SocPct)
	}
	if mock.RequestCount() != 3 {
		t.Errorf("request count = %d, want 3", mock.RequestCount())
	}
}

// driveBackoff keeps advancing a mock clock so retry sleeps return.
func driveBackoff(clock *timeutil.MockClock) {
	for i := 0; i < 200; i++ {
		clock.Advance(time.Second)
		time.Sleep(time.Millisecond)
	}
}

func TestClient_ExhaustedRetriesReportOutage(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(500, "broken")
	mock.AddResponse(500, "broken")
	mock.AddResponse(500, "broken")
	c := newTestClient(mock, StaticToken("tok"))
	c.Clock = timeutil.NewMockClock(time.Now())
	go driveBackoff(c.Clock.(*timeutil.MockClock))

	_, err := c.GetSignal(context.Background(), "veh-1")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("error = %v, want ErrProviderUnavailable", err)
	}
	if mock.RequestCount() != 3 {
		t.Errorf("request count = %d, want 3", mock.RequestCount())
	}
}

func TestClient_RefreshesOn401(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(401, "expired")
	mock.AddResponse(200, signalBody)
	creds := &refreshableCreds{token: "stale"}
	c := newTestClient(mock, creds)

	sig, err := c.GetSignal(context.Background(), "veh-1")
	if err != nil {
		t.Fatalf("GetSignal failed: %v", err)
	}
	if sig == nil {
		t.Fatal("nil signal")
	}
	if creds.refreshes != 1 {
		t.Errorf("refresh count = %d, want 1", creds.refreshes)
	}
	if got := mock.GetRequest(1).Header.Get("Authorization"); got != "Bearer token-1" {
		t.Errorf("post-refresh authorization = %q", got)
	}
}

func TestClient_SecondUnauthorizedIsAuthExpired(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(401, "expired")
	mock.AddResponse(401, "still expired")
	c := newTestClient(mock, &refreshableCreds{token: "stale"})

	_, err := c.GetSignal(context.Background(), "veh-1")
	if !errors.Is(err, ErrProviderAuthExpired) {
		t.Errorf("error = %v, want ErrProviderAuthExpired", err)
	}
}

func TestClient_ClientErrorDoesNotRetry(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(404, "no such vehicle")
	c := newTestClient(mock, StaticToken("tok"))

	_, err := c.GetSignal(context.Background(), "veh-ghost")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if errors.Is(err, ErrProviderUnavailable) {
		t.Error("4xx misreported as an outage")
	}
	if mock.RequestCount() != 1 {
		t.Errorf("request count = %d, want 1", mock.RequestCount())
	}
}

func TestClient_GetTripsInRange(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(200, `[
		{"startTime": "2026-05-11T16:00:00Z", "endTime": "2026-05-11T16:20:00Z",
		 "distanceKm": 4.2,
		 "startPos": {"lat": 33.4484, "lon": -112.0740},
		 "endPos": {"lat": 33.4934, "lon": -112.0740}}
	]`)
	c := newTestClient(mock, StaticToken("tok"))

	start := time.Date(2026, 5, 11, 15, 55, 0, 0, time.UTC)
	end := time.Date(2026, 5, 11, 16, 25, 0, 0, time.UTC)
	trips, err := c.GetTripsInRange(context.Background(), "veh-1", start, end)
	if err != nil {
		t.Fatalf("GetTripsInRange failed: %v", err)
	}
	if len(trips) != 1 {
		t.Fatalf("trip count = %d, want 1", len(trips))
	}
	if trips[0].DistanceKm != 4.2 {
		t.Errorf("distance = %v, want 4.2", trips[0].DistanceKm)
	}

	q := mock.GetRequest(0).URL.Query()
	if q.Get("start") != fmt.Sprint(start.Unix()) || q.Get("end") != fmt.Sprint(end.Unix()) {
		t.Errorf("query window = %s..%s", q.Get("start"), q.Get("end"))
	}
}
