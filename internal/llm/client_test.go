package llm

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

func TestGenerateReply(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "你好！"}}},
			"usage":   map[string]int{"total_tokens": 42},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk-test", "test-model", 5*time.Second, logger.New("test"))
	history := []model.ChatMessage{
		{Role: model.RoleUser, Text: "在吗"},
		{Role: model.RoleAssistant, Text: "在的"},
	}
	text, cost, err := c.GenerateReply(context.Background(), "You are helpful.", history, "你好")
	require.NoError(t, err)
	assert.Equal(t, "你好！", text)
	assert.Equal(t, 42, cost)

	require.Len(t, gotReq.Messages, 4)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "你好", gotReq.Messages[3].Content)
}

func TestGenerateReplyUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "test-model", 5*time.Second, logger.New("test"))
	_, _, err := c.GenerateReply(context.Background(), "", nil, "hi")
	assert.ErrorIs(t, err, model.ErrUpstreamUnavailable)
}

func TestClassifyViaModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{
				"role":    "assistant",
				"content": "```json\n{\"intent\":\"WEATHER\",\"confidence\":0.8,\"entities\":{\"location\":\"北京\"}}\n```",
			}}},
			"usage": map[string]int{"total_tokens": 10},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "test-model", 5*time.Second, logger.New("test"))
	res, err := c.ClassifyViaModel(context.Background(), "伞要带吗")
	require.NoError(t, err)
	assert.Equal(t, model.IntentWeather, res.Intent)
	assert.Equal(t, "北京", res.Entities["location"])
}

func TestClassifyViaModelGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "no idea"}}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "test-model", 5*time.Second, logger.New("test"))
	_, err := c.ClassifyViaModel(context.Background(), "whatever")
	assert.ErrorIs(t, err, model.ErrUpstreamUnavailable)
}

func TestHistoryTruncation(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "ok"}}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "test-model", 5*time.Second, logger.New("test"))
	history := make([]model.ChatMessage, 50)
	for i := range history {
		history[i] = model.ChatMessage{Role: model.RoleUser, Text: "x"}
	}
	_, _, err := c.GenerateReply(context.Background(), "", history, "latest")
	require.NoError(t, err)
	// 20 history turns plus the new input.
	assert.Len(t, gotReq.Messages, historyLimit+1)
}
