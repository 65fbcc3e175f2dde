// Package weather wraps the current-conditions lookup API and formats its
// answer for chat replies.
package weather

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/dialogd/dialogd/internal/model"
)

// Data is one current-conditions observation.
type Data struct {
	City      string `json:"city"`
	Condition string `json:"condition"`
	TempC     int    `json:"temp_c"`
	FeelsC    int    `json:"feels_c"`
	Humidity  int    `json:"humidity"`
	Wind      string `json:"wind"`
	UpdatedAt string `json:"updated_at"`
}

// Format renders the observation as a chat reply.
func (d *Data) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "📍 %s天气\n", d.City)
	fmt.Fprintf(&b, "🌤 %s\n", d.Condition)
	fmt.Fprintf(&b, "🌡 温度：%d°C（体感 %d°C）\n", d.TempC, d.FeelsC)
	fmt.Fprintf(&b, "💧 湿度：%d%%\n", d.Humidity)
	fmt.Fprintf(&b, "💨 风力：%s", d.Wind)
	if d.UpdatedAt != "" {
		fmt.Fprintf(&b, "\n⏰ 更新时间：%s", d.UpdatedAt)
	}
	return b.String()
}

// Client queries the weather API.
type Client struct {
	http *resty.Client
	key  string
	log  zerolog.Logger
}

// NewClient builds a Client for the given API root.
func NewClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout),
		key: apiKey,
		log: log.With().Str("component", "weather").Logger(),
	}
}

type lookupResponse struct {
	Data  *Data  `json:"data"`
	Error string `json:"error,omitempty"`
}

// LookupWeather fetches current conditions for location. An unknown location
// surfaces as ErrNotFound; transport and server failures as
// ErrUpstreamUnavailable.
func (c *Client) LookupWeather(ctx context.Context, location string) (*Data, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, model.Invalid("location is required")
	}
	var out lookupResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("location", location).
		SetQueryParam("key", c.key).
		SetResult(&out).
		ForceContentType("application/json").
		Get("/v1/current")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode() == 404 {
		return nil, fmt.Errorf("%w: unknown location %q", model.ErrNotFound, location)
	}
	if resp.IsError() {
		c.log.Warn().Int("status", resp.StatusCode()).Str("location", location).Msg("weather lookup failed")
		return nil, fmt.Errorf("%w: weather endpoint returned %d", model.ErrUpstreamUnavailable, resp.StatusCode())
	}
	if out.Data == nil {
		return nil, fmt.Errorf("%w: empty weather payload", model.ErrUpstreamUnavailable)
	}
	return out.Data, nil
}
