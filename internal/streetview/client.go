// Package streetview implements the client side of the street view tile API:
// session creation, panorama lookup for a coordinate, and tile retrieval.
package streetview

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultBaseURL is the production tile API endpoint.
	DefaultBaseURL = "https://tile.googleapis.com"

	// DefaultRadius is the panorama search radius in meters.
	DefaultRadius = 50

	// User agent
	UserAgent = "streetview-harvest/1.0"
)

var (
	panoLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_pano_lookups_total",
		Help: "Total panorama lookups by result",
	}, []string{"result"})

	tilesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_tiles_fetched_total",
		Help: "Total tile fetch attempts by result",
	}, []string{"result"})

	sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_sessions_created_total",
		Help: "Total session tokens created",
	})
)

// Config holds client configuration.
type Config struct {
	BaseURL string
	APIKey  string

	// Radius is the panorama search radius in meters (default 50).
	Radius int

	// AuthStatuses are the HTTP statuses treated as an expired or invalid
	// session on lookup and tile requests. Which status the remote actually
	// uses is not documented, so this is configuration rather than a
	// hard-coded code. Defaults to 401 and 403.
	AuthStatuses []int

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client

	Timeout time.Duration
}

// Client handles communication with the street view tile API.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	radius       int
	authStatuses map[int]bool
}

// NewClient creates a new street view client with system proxy support.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		// Use http.ProxyFromEnvironment to respect system proxy settings
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	radius := cfg.Radius
	if radius <= 0 {
		radius = DefaultRadius
	}

	auth := cfg.AuthStatuses
	if len(auth) == 0 {
		auth = []int{http.StatusUnauthorized, http.StatusForbidden}
	}
	authStatuses := make(map[int]bool, len(auth))
	for _, status := range auth {
		authStatuses[status] = true
	}

	return &Client{
		httpClient:   httpClient,
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		radius:       radius,
		authStatuses: authStatuses,
	}
}

// CreateSession requests a new session token from the remote API.
func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	payload := map[string]string{
		"mapType":  "streetview",
		"language": "en-US",
		"region":   "US",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session payload: %w", err)
	}

	url := fmt.Sprintf("%s/v1/createSession?key=%s", c.baseURL, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Op: "create_session", Class: ErrorClassSession, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Op:         "create_session",
			Class:      ErrorClassSession,
			StatusCode: resp.StatusCode,
			Message:    "session creation rejected",
		}
	}

	var result struct {
		Session string `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &APIError{Op: "create_session", Class: ErrorClassSession, StatusCode: resp.StatusCode, Message: "bad session response", Err: err}
	}
	if result.Session == "" {
		return nil, &APIError{Op: "create_session", Class: ErrorClassSession, StatusCode: resp.StatusCode, Message: "response contained no session token"}
	}

	sessionsCreatedTotal.Inc()
	return &Session{Token: result.Session, CreatedAt: time.Now()}, nil
}

// ResolvePanoID maps a coordinate to the identifier of the nearest panorama.
// Returns a not_found error when the remote reports no panorama within the
// search radius, and an auth error when the session token was rejected.
func (c *Client) ResolvePanoID(ctx context.Context, session *Session, lat, lng float64) (string, error) {
	payload := struct {
		Locations []map[string]float64 `json:"locations"`
		Radius    int                  `json:"radius"`
	}{
		Locations: []map[string]float64{{"lat": lat, "lng": lng}},
		Radius:    c.radius,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal lookup payload: %w", err)
	}

	url := fmt.Sprintf("%s/v1/streetview/panoIds?session=%s&key=%s", c.baseURL, session.Token, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		panoLookupsTotal.WithLabelValues("network_error").Inc()
		return "", &APIError{Op: "resolve_pano", Class: ErrorClassTransient, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		class := c.classifyStatus(resp.StatusCode)
		panoLookupsTotal.WithLabelValues(string(class)).Inc()
		return "", &APIError{
			Op:         "resolve_pano",
			Class:      class,
			StatusCode: resp.StatusCode,
			Message:    "panorama lookup failed",
		}
	}

	var result struct {
		PanoIDs []string `json:"panoIds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		panoLookupsTotal.WithLabelValues("bad_response").Inc()
		return "", &APIError{Op: "resolve_pano", Class: ErrorClassTransient, StatusCode: resp.StatusCode, Message: "bad lookup response", Err: err}
	}

	if len(result.PanoIDs) == 0 || result.PanoIDs[0] == "" {
		panoLookupsTotal.WithLabelValues("not_found").Inc()
		return "", &APIError{Op: "resolve_pano", Class: ErrorClassNotFound, StatusCode: resp.StatusCode, Message: "no panorama at this location"}
	}

	panoLookupsTotal.WithLabelValues("ok").Inc()
	return result.PanoIDs[0], nil
}

// FetchTile downloads and decodes one tile of a panorama grid. The decoded
// image must be exactly TileSize x TileSize; anything else is a tile error.
func (c *Client) FetchTile(ctx context.Context, session *Session, panoID string, grid TileGrid, col, row int) (image.Image, error) {
	url := fmt.Sprintf("%s/v1/streetview/tiles/%d/%d/%d?session=%s&key=%s&panoId=%s",
		c.baseURL, grid.Zoom, col, row, session.Token, c.apiKey, panoID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		tilesFetchedTotal.WithLabelValues("network_error").Inc()
		return nil, &APIError{Op: "fetch_tile", Class: ErrorClassTile, Message: fmt.Sprintf("tile %d,%d request failed", col, row), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		class := ErrorClassTile
		if c.authStatuses[resp.StatusCode] {
			class = ErrorClassAuth
		}
		tilesFetchedTotal.WithLabelValues(string(class)).Inc()
		return nil, &APIError{
			Op:         "fetch_tile",
			Class:      class,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("tile %d,%d request failed", col, row),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		tilesFetchedTotal.WithLabelValues("read_error").Inc()
		return nil, &APIError{Op: "fetch_tile", Class: ErrorClassTile, Message: fmt.Sprintf("tile %d,%d body read failed", col, row), Err: err}
	}
	if len(data) == 0 {
		tilesFetchedTotal.WithLabelValues("empty").Inc()
		return nil, &APIError{Op: "fetch_tile", Class: ErrorClassTile, StatusCode: resp.StatusCode, Message: fmt.Sprintf("tile %d,%d response was empty", col, row)}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		tilesFetchedTotal.WithLabelValues("undecodable").Inc()
		return nil, &APIError{Op: "fetch_tile", Class: ErrorClassTile, StatusCode: resp.StatusCode, Message: fmt.Sprintf("tile %d,%d is not a decodable image", col, row), Err: err}
	}

	bounds := img.Bounds()
	if bounds.Dx() != grid.TileSize || bounds.Dy() != grid.TileSize {
		tilesFetchedTotal.WithLabelValues("wrong_size").Inc()
		return nil, &APIError{
			Op:         "fetch_tile",
			Class:      ErrorClassTile,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("tile %d,%d is %dx%d, expected %dx%d", col, row, bounds.Dx(), bounds.Dy(), grid.TileSize, grid.TileSize),
		}
	}

	tilesFetchedTotal.WithLabelValues("ok").Inc()
	return img, nil
}

// classifyStatus maps a lookup response status to an error class.
func (c *Client) classifyStatus(status int) ErrorClass {
	switch {
	case c.authStatuses[status]:
		return ErrorClassAuth
	case status == http.StatusNotFound:
		return ErrorClassNotFound
	default:
		// 429, 5xx and anything unexpected: worth another attempt.
		return ErrorClassTransient
	}
}
