package location

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/teslashibe/go-narrator/internal/httpc"
)

// StaticLocator always reports the configured coordinates.
type StaticLocator struct {
	Latitude  float64
	Longitude float64
}

// Locate returns the static position.
func (s StaticLocator) Locate(ctx context.Context) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	return Fix{Latitude: s.Latitude, Longitude: s.Longitude, Source: "static"}, nil
}

// DefaultIPEndpoint is an IP geolocation service returning lat/lon JSON.
const DefaultIPEndpoint = "http://ip-api.com/json/?fields=status,message,lat,lon"

// IPLocator resolves a coarse position from the public IP address.
type IPLocator struct {
	Endpoint string
	Client   *http.Client
}

// NewIPLocator creates an IP locator. An empty endpoint uses DefaultIPEndpoint.
func NewIPLocator(endpoint string) *IPLocator {
	if endpoint == "" {
		endpoint = DefaultIPEndpoint
	}
	return &IPLocator{Endpoint: endpoint, Client: httpc.Client}
}

type ipResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// Locate queries the endpoint.
func (l *IPLocator) Locate(ctx context.Context) (Fix, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.Endpoint, nil)
	if err != nil {
		return Fix{}, err
	}
	resp, err := l.Client.Do(req)
	if err != nil {
		return Fix{}, fmt.Errorf("ip geolocation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Fix{}, fmt.Errorf("ip geolocation: status %d: %s", resp.StatusCode, body)
	}

	var out ipResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Fix{}, fmt.Errorf("ip geolocation: decode: %w", err)
	}
	if out.Status != "" && out.Status != "success" {
		return Fix{}, fmt.Errorf("ip geolocation: %s", out.Message)
	}
	return Fix{Latitude: out.Lat, Longitude: out.Lon, Accuracy: 5000, Source: "ip"}, nil
}
