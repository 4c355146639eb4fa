// Package opensky fetches live aircraft state vectors from the OpenSky Network REST API.
package opensky

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/skysentry/internal/models"
	"github.com/rewired-gh/skysentry/internal/ratelimit"
)

const maxBodyBytes = 32 << 20

// Client provides access to the OpenSky states endpoint. Every Fetch first claims a slot on
// the injected limiter and fails fast without touching the network when none is available.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
}

// ClientConfig holds optional credentials and connection pool settings.
type ClientConfig struct {
	Username            string
	Password            string
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// NewClient creates a new OpenSky client gated by limiter.
func NewClient(baseURL string, timeout time.Duration, limiter *ratelimit.Limiter, cfg ClientConfig) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConns > 0 {
		transport.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		transport.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout > 0 {
		transport.IdleConnTimeout = cfg.IdleConnTimeout
	}
	return &Client{
		baseURL:  baseURL,
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		limiter: limiter,
	}
}

// Limiter returns the limiter gating this client.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// statesResponse is the /states/all payload. States stay raw because each state is a
// heterogeneous JSON array.
type statesResponse struct {
	Time   *int64            `json:"time"`
	States []json.RawMessage `json:"states"`
}

// Fetch retrieves the current state vectors inside region.
// Errors are *FetchError classified as ErrRateLimited, ErrTransient or ErrMalformed,
// except context cancellation which is returned as is.
func (c *Client) Fetch(ctx context.Context, region models.Region) (*models.Snapshot, error) {
	if err := c.limiter.Reserve(); err != nil {
		return nil, &FetchError{Kind: ErrRateLimited, Region: region.Name, Err: err}
	}

	u, err := url.Parse(c.baseURL + "/states/all")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if region.Box != nil {
		q := u.Query()
		q.Set("lamin", formatCoord(region.Box.MinLat))
		q.Set("lomin", formatCoord(region.Box.MinLon))
		q.Set("lamax", formatCoord(region.Box.MaxLat))
		q.Set("lomax", formatCoord(region.Box.MaxLon))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &FetchError{Kind: ErrTransient, Region: region.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{
			Kind:       ErrTransient,
			Region:     region.Name,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &FetchError{Kind: ErrTransient, Region: region.Name, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	snap, err := ParseStates(body, region.Name)
	if err != nil {
		return nil, &FetchError{Kind: ErrMalformed, Region: region.Name, StatusCode: resp.StatusCode, Err: err}
	}
	return snap, nil
}

// ParseStates decodes a /states/all payload into a snapshot for region.
// Structural violations are rejected rather than coerced. Aircraft reported more than once
// keep their most recent observation.
func ParseStates(body []byte, region string) (*models.Snapshot, error) {
	var payload statesResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode states: %w", err)
	}
	if payload.Time == nil {
		return nil, errors.New("missing time field")
	}

	snap := &models.Snapshot{
		FetchedAt: time.Unix(*payload.Time, 0).UTC(),
		Region:    region,
		Aircraft:  make([]models.StateVector, 0, len(payload.States)),
	}
	index := make(map[string]int, len(payload.States))
	for i, raw := range payload.States {
		sv, err := parseState(raw)
		if err != nil {
			return nil, fmt.Errorf("state %d: %w", i, err)
		}
		sv.Region = region
		if j, dup := index[sv.ICAO24]; dup {
			if sv.Timestamp.After(snap.Aircraft[j].Timestamp) {
				snap.Aircraft[j] = sv
			}
			continue
		}
		index[sv.ICAO24] = len(snap.Aircraft)
		snap.Aircraft = append(snap.Aircraft, sv)
	}
	return snap, nil
}

// State vector tuple positions in the OpenSky response.
const (
	idxICAO24       = 0
	idxCallsign     = 1
	idxLastContact  = 4
	idxLongitude    = 5
	idxLatitude     = 6
	idxBaroAltitude = 7
	idxOnGround     = 8
	idxVelocity     = 9
	idxVerticalRate = 11
	minStateFields  = 12
)

func parseState(raw json.RawMessage) (models.StateVector, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return models.StateVector{}, fmt.Errorf("state is not an array: %w", err)
	}
	if len(fields) < minStateFields {
		return models.StateVector{}, fmt.Errorf("state has %d fields, want at least %d", len(fields), minStateFields)
	}

	var sv models.StateVector
	if err := json.Unmarshal(fields[idxICAO24], &sv.ICAO24); err != nil {
		return sv, fmt.Errorf("icao24: %w", err)
	}
	if !models.ValidICAO24(sv.ICAO24) {
		return sv, fmt.Errorf("icao24 %q is not a 24-bit hex address", sv.ICAO24)
	}

	callsign, err := optString(fields[idxCallsign])
	if err != nil {
		return sv, fmt.Errorf("callsign: %w", err)
	}
	sv.Callsign = callsign

	var lastContact int64
	if isNull(fields[idxLastContact]) {
		return sv, errors.New("last_contact is null")
	}
	if err := json.Unmarshal(fields[idxLastContact], &lastContact); err != nil {
		return sv, fmt.Errorf("last_contact: %w", err)
	}
	sv.Timestamp = time.Unix(lastContact, 0).UTC()

	if sv.Longitude, err = optFloat(fields[idxLongitude]); err != nil {
		return sv, fmt.Errorf("longitude: %w", err)
	}
	if sv.Latitude, err = optFloat(fields[idxLatitude]); err != nil {
		return sv, fmt.Errorf("latitude: %w", err)
	}
	if sv.AltitudeM, err = optFloat(fields[idxBaroAltitude]); err != nil {
		return sv, fmt.Errorf("baro_altitude: %w", err)
	}
	// Barometric altitude dips below zero near sea level; that reading is unknown, not zero.
	if sv.AltitudeM != nil && *sv.AltitudeM < 0 {
		sv.AltitudeM = nil
	}

	if isNull(fields[idxOnGround]) {
		return sv, errors.New("on_ground is null")
	}
	if err := json.Unmarshal(fields[idxOnGround], &sv.OnGround); err != nil {
		return sv, fmt.Errorf("on_ground: %w", err)
	}

	velocity, err := optFloat(fields[idxVelocity])
	if err != nil {
		return sv, fmt.Errorf("velocity: %w", err)
	}
	if velocity != nil {
		if *velocity < 0 {
			return sv, fmt.Errorf("velocity %v is negative", *velocity)
		}
		sv.SpeedKmh = models.Float(*velocity * 3.6)
	}

	if sv.VertRateMs, err = optFloat(fields[idxVerticalRate]); err != nil {
		return sv, fmt.Errorf("vertical_rate: %w", err)
	}

	if err := sv.Validate(); err != nil {
		return sv, err
	}
	return sv, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func optFloat(raw json.RawMessage) (*float64, error) {
	if isNull(raw) {
		return nil, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func optString(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
