package dify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatMessages(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat-messages", r.URL.Path)
		assert.Equal(t, "Bearer app-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"event\": \"message\"}\n\n")
	}))
	defer server.Close()

	client := NewClient(0)
	resp, err := client.ChatMessages(context.Background(), server.URL+"/v1/", "app-key", &ChatRequest{
		Query: "hi",
		User:  "u1",
		Files: []File{DocumentFile("f1")},
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"event\": \"message\"}\n\n", string(body))

	assert.Equal(t, map[string]any{}, got["inputs"])
	assert.Equal(t, "streaming", got["response_mode"])
	assert.NotContains(t, got, "conversation_id")
	assert.Equal(t, []any{map[string]any{
		"type":            "document",
		"transfer_method": "local_file",
		"upload_file_id":  "f1",
	}}, got["files"])
}

func TestChatMessagesNon2xxIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":"invalid_param","message":"bad"}`)
	}))
	defer server.Close()

	resp, err := NewClient(time.Second).ChatMessages(context.Background(), server.URL, "k", &ChatRequest{Query: "q"})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatMessagesTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewClient(time.Second).ChatMessages(context.Background(), url, "k", &ChatRequest{Query: "q"})
	assert.Error(t, err)
}
