package weather

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialogd/dialogd/internal/model"
	"github.com/dialogd/dialogd/internal/platform/logger"
)

func TestLookupWeather(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/current", r.URL.Path)
		require.Equal(t, "北京", r.URL.Query().Get("location"))
		require.Equal(t, "k123", r.URL.Query().Get("key"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(lookupResponse{Data: &Data{
			City: "北京", Condition: "晴", TempC: 25, FeelsC: 26,
			Humidity: 40, Wind: "3级", UpdatedAt: "2025-06-01 12:00",
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k123", 5*time.Second, logger.New("test"))
	d, err := c.LookupWeather(context.Background(), "北京")
	require.NoError(t, err)
	assert.Equal(t, "北京", d.City)
	assert.Equal(t, 25, d.TempC)

	text := d.Format()
	assert.Contains(t, text, "📍 北京天气")
	assert.Contains(t, text, "🌡 温度：25°C")
	assert.Contains(t, text, "💧 湿度：40%")
	assert.Contains(t, text, "⏰ 更新时间：2025-06-01 12:00")
}

func TestLookupWeatherErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("location") {
		case "亚特兰蒂斯":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second, logger.New("test"))

	_, err := c.LookupWeather(context.Background(), "")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = c.LookupWeather(context.Background(), "亚特兰蒂斯")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = c.LookupWeather(context.Background(), "北京")
	assert.ErrorIs(t, err, model.ErrUpstreamUnavailable)
}
