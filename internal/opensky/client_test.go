package opensky

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
)

const (
	testBaseURL  = "https://opensky.test/api"
	testTokenURL = "https://auth.opensky.test/token"
)

// setupHTTPMock activates httpmock and registers cleanup.
func setupHTTPMock(t *testing.T) {
	t.Helper()
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.BaseURL == "" {
		cfg.BaseURL = testBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = testTokenURL
	}
	c, err := NewClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

const statesBody = `{"time":1700000000,"states":[
	["abc123","DAL12   ","United States",1699999990,1699999999,-73.7781,40.6413,3048.0,false,180.2,45.0,5.2,null,3100.0,"1200",false,0,3],
	["def456",null,"Germany",null,1699999999,null,50.03,null,true,null,null,null,null,null,null,false,0,0],
	["0a1b2c","BAW1","United Kingdom",1699999995,1699999999,-0.4543,51.47,10000.0,false,230.0,270.0,0.0,null,10100.0,null,false,2]
]}`

func TestStatesDecodesVectors(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder("GET", testBaseURL+"/states/all",
		httpmock.NewStringResponder(http.StatusOK, statesBody))

	c := newTestClient(t, Config{})
	resp, err := c.States(context.Background())
	if err != nil {
		t.Fatalf("States: %v", err)
	}

	if resp.Time != 1700000000 {
		t.Errorf("Time = %d", resp.Time)
	}
	if len(resp.States) != 3 {
		t.Fatalf("len(States) = %d, want 3", len(resp.States))
	}
	if resp.States[1].Longitude != nil {
		t.Error("second vector should have no longitude")
	}
	if resp.States[2].Category != nil {
		t.Error("short vector should have no category")
	}
	if resp.States[0].Callsign == nil || *resp.States[0].Callsign != "DAL12   " {
		t.Errorf("raw callsign should be untouched, got %v", resp.States[0].Callsign)
	}
}

func TestStatesBoundingBoxQuery(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponderWithQuery("GET", testBaseURL+"/states/all",
		"lamin=45.8389&lomin=5.9962&lamax=47.8229&lomax=10.5226",
		httpmock.NewStringResponder(http.StatusOK, `{"time":1,"states":[]}`))

	c := newTestClient(t, Config{BoundingBox: &BoundingBox{
		LatMin: 45.8389, LonMin: 5.9962, LatMax: 47.8229, LonMax: 10.5226,
	}})
	if _, err := c.States(context.Background()); err != nil {
		t.Fatalf("States: %v", err)
	}
	if n := httpmock.GetTotalCallCount(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestStatesFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantAuth bool
	}{
		{"server error", http.StatusInternalServerError, false},
		{"rate limited", http.StatusTooManyRequests, false},
		{"not found", http.StatusNotFound, false},
		{"unauthorised", http.StatusUnauthorized, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupHTTPMock(t)
			httpmock.RegisterResponder("GET", testBaseURL+"/states/all",
				httpmock.NewStringResponder(tt.status, "nope"))

			c := newTestClient(t, Config{})
			_, err := c.States(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrAuth); got != tt.wantAuth {
				t.Errorf("errors.Is(err, ErrAuth) = %v, want %v (%v)", got, tt.wantAuth, err)
			}
			if !tt.wantAuth {
				var apiErr *APIError
				if !errors.As(err, &apiErr) {
					t.Fatalf("expected *APIError, got %T", err)
				}
				if apiErr.StatusCode != tt.status {
					t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
				}
			}
		})
	}
}

func TestFlightsIntervalNotFoundIsEmpty(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder("GET", testBaseURL+"/flights/all",
		httpmock.NewStringResponder(http.StatusNotFound, "[]"))

	c := newTestClient(t, Config{})
	end := time.Unix(1700000000, 0)
	flights, err := c.FlightsInterval(context.Background(), end.Add(-2*time.Hour), end)
	if err != nil {
		t.Fatalf("FlightsInterval: %v", err)
	}
	if len(flights) != 0 {
		t.Errorf("len = %d, want 0", len(flights))
	}
}

func TestFlightsIntervalDecodes(t *testing.T) {
	setupHTTPMock(t)
	body := `[
		{"icao24":"abc123","firstSeen":1699990000,"estDepartureAirport":"KJFK","lastSeen":1699999000,"estArrivalAirport":"KLAX","callsign":"DAL12   ","estDepartureAirportHorizDistance":1200,"departureAirportCandidatesCount":1,"arrivalAirportCandidatesCount":2},
		{"icao24":"def456","firstSeen":1699990000,"estDepartureAirport":null,"lastSeen":1699999000,"estArrivalAirport":"","callsign":null,"departureAirportCandidatesCount":0,"arrivalAirportCandidatesCount":0}
	]`
	httpmock.RegisterResponderWithQuery("GET", testBaseURL+"/flights/all",
		"begin=1699992800&end=1700000000",
		httpmock.NewStringResponder(http.StatusOK, body))

	c := newTestClient(t, Config{})
	end := time.Unix(1700000000, 0)
	flights, err := c.FlightsInterval(context.Background(), end.Add(-2*time.Hour), end)
	if err != nil {
		t.Fatalf("FlightsInterval: %v", err)
	}
	if len(flights) != 2 {
		t.Fatalf("len = %d, want 2", len(flights))
	}

	r := flights[0].Route()
	if r.EstDepartureAirport == nil || *r.EstDepartureAirport != "KJFK" {
		t.Errorf("departure = %v", r.EstDepartureAirport)
	}
	if r.LastSeen == nil || *r.LastSeen != 1699999000 {
		t.Errorf("last seen = %v", r.LastSeen)
	}

	r = flights[1].Route()
	if r.EstDepartureAirport != nil || r.EstArrivalAirport != nil {
		t.Error("null and empty airports should map to nil")
	}
}

func TestFlightsIntervalRejectsWideWindow(t *testing.T) {
	c := newTestClient(t, Config{})
	end := time.Unix(1700000000, 0)
	if _, err := c.FlightsInterval(context.Background(), end.Add(-3*time.Hour), end); err == nil {
		t.Error("expected error for a 3h interval")
	}
	if _, err := c.FlightsInterval(context.Background(), end, end); err == nil {
		t.Error("expected error for an empty interval")
	}
}

func TestFlightsIntervalServerError(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder("GET", testBaseURL+"/flights/all",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "maintenance"))

	c := newTestClient(t, Config{})
	end := time.Unix(1700000000, 0)
	_, err := c.FlightsInterval(context.Background(), end.Add(-time.Hour), end)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Body != "maintenance" {
		t.Errorf("Body = %q", apiErr.Body)
	}
}

func TestFlightsByAircraftNormalisesAddress(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponderWithQuery("GET", testBaseURL+"/flights/aircraft",
		"icao24=00abcd&begin=1699913600&end=1700000000",
		httpmock.NewStringResponder(http.StatusOK, `[{"icao24":"00abcd","firstSeen":1,"lastSeen":2}]`))

	c := newTestClient(t, Config{})
	end := time.Unix(1700000000, 0)
	flights, err := c.FlightsByAircraft(context.Background(), "ABCD", end.Add(-24*time.Hour), end)
	if err != nil {
		t.Fatalf("FlightsByAircraft: %v", err)
	}
	if len(flights) != 1 {
		t.Errorf("len = %d, want 1", len(flights))
	}
}

func TestClientCredentialsBearerToken(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder("POST", testTokenURL,
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{
			"access_token": "tok-123",
			"token_type":   "Bearer",
			"expires_in":   1800,
		}))
	httpmock.RegisterResponder("GET", testBaseURL+"/states/all",
		func(req *http.Request) (*http.Response, error) {
			if got := req.Header.Get("Authorization"); got != "Bearer tok-123" {
				return httpmock.NewStringResponse(http.StatusUnauthorized, "bad token "+got), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, `{"time":1,"states":[]}`), nil
		})

	c := newTestClient(t, Config{ClientID: "id", ClientSecret: "secret"})
	if !c.Authenticated() {
		t.Error("client should report credentials")
	}
	if _, err := c.States(context.Background()); err != nil {
		t.Fatalf("States: %v", err)
	}
}

func TestClientCredentialsRejected(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder("POST", testTokenURL,
		httpmock.NewStringResponder(http.StatusUnauthorized, `{"error":"invalid_client"}`))

	c := newTestClient(t, Config{ClientID: "id", ClientSecret: "wrong"})
	_, err := c.States(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestNewClientIncompleteCredentials(t *testing.T) {
	_, err := NewClient(Config{ClientID: "id"}, nil)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestIsRateLimited(t *testing.T) {
	if !IsRateLimited(&APIError{StatusCode: 429}) {
		t.Error("429 should be rate limited")
	}
	if IsRateLimited(&APIError{StatusCode: 500}) || IsRateLimited(errors.New("x")) {
		t.Error("only 429 is rate limited")
	}
}
