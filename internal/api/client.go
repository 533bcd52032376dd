// Package api is the storage.Backend that talks to the story map REST
// service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/atlasnote/livesync/internal/storage"
	"github.com/atlasnote/livesync/pkg/core"
)

// Client handles communication with the story map REST service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a new API client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Init checks that the service is reachable.
func (c *Client) Init() error {
	return c.Healthcheck()
}

// Close is a no-op.
func (c *Client) Close() error {
	return nil
}

// Healthcheck checks if the REST service is reachable.
func (c *Client) Healthcheck() error {
	resp, err := c.httpClient.Get(c.baseURL + "/healthcheck")
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

// do sends a request with an optional JSON body and decodes a JSON answer
// into out when out is non-nil. 404 maps to storage.ErrNotFound.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, storage.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func esc(s string) string {
	return url.PathEscape(s)
}

// GetSegments returns a map's segments.
func (c *Client) GetSegments(ctx context.Context, mapID string) ([]core.Segment, error) {
	var out []core.Segment
	if err := c.do(ctx, http.MethodGet, "/maps/"+esc(mapID)+"/segments", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTransitions returns a map's transitions.
func (c *Client) GetTransitions(ctx context.Context, mapID string) ([]core.TimelineTransition, error) {
	var out []core.TimelineTransition
	if err := c.do(ctx, http.MethodGet, "/maps/"+esc(mapID)+"/transitions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMapLocations returns a segment's locations.
func (c *Client) GetMapLocations(ctx context.Context, segmentID string) ([]core.MapLocation, error) {
	var out []core.MapLocation
	if err := c.do(ctx, http.MethodGet, "/segments/"+esc(segmentID)+"/locations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRouteAnimationsBySegment returns a segment's route animations.
func (c *Client) GetRouteAnimationsBySegment(ctx context.Context, segmentID string) ([]core.RouteAnimation, error) {
	var out []core.RouteAnimation
	if err := c.do(ctx, http.MethodGet, "/segments/"+esc(segmentID)+"/route-animations", nil, &out); err != nil {
		return nil, err
	}
	core.SortRouteAnimations(out)
	return out, nil
}

type routeSearchRequest struct {
	Points []core.LngLat `json:"points"`
}

type routeSearchResponse struct {
	Path [][2]float64 `json:"path"`
}

// SearchRouteWithMultipleLocations asks the routing service for a path
// through the points in order.
func (c *Client) SearchRouteWithMultipleLocations(ctx context.Context, points []core.LngLat) ([][2]float64, error) {
	if len(points) < 2 {
		return nil, storage.ErrTooFewPoints
	}
	var out routeSearchResponse
	if err := c.do(ctx, http.MethodPost, "/routes/search", routeSearchRequest{Points: points}, &out); err != nil {
		return nil, err
	}
	return out.Path, nil
}

// GetFeature returns one feature.
func (c *Client) GetFeature(ctx context.Context, mapID, featureID string) (core.Feature, error) {
	var out core.Feature
	err := c.do(ctx, http.MethodGet, "/maps/"+esc(mapID)+"/features/"+esc(featureID), nil, &out)
	return out, err
}

// ListFeatures returns every feature of a map.
func (c *Client) ListFeatures(ctx context.Context, mapID string) ([]core.Feature, error) {
	var out []core.Feature
	if err := c.do(ctx, http.MethodGet, "/maps/"+esc(mapID)+"/features", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateFeature posts a new feature and returns it as stored.
func (c *Client) CreateFeature(ctx context.Context, f core.Feature) (core.Feature, error) {
	var out core.Feature
	err := c.do(ctx, http.MethodPost, "/maps/"+esc(f.MapID)+"/features", f, &out)
	return out, err
}

// UpdateFeature replaces a feature and returns it as stored.
func (c *Client) UpdateFeature(ctx context.Context, f core.Feature) (core.Feature, error) {
	var out core.Feature
	err := c.do(ctx, http.MethodPut, "/maps/"+esc(f.MapID)+"/features/"+esc(f.FeatureID), f, &out)
	return out, err
}

// DeleteFeature removes a feature.
func (c *Client) DeleteFeature(ctx context.Context, mapID, featureID string) error {
	return c.do(ctx, http.MethodDelete, "/maps/"+esc(mapID)+"/features/"+esc(featureID), nil, nil)
}
