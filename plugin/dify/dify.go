// Package dify is a minimal client for the Dify chat-messages API.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// DefaultTimeout bounds a whole chat call, streaming body included.
	DefaultTimeout = 120 * time.Second
)

const (
	ResponseModeStreaming = "streaming"

	FileTypeDocument        = "document"
	TransferMethodLocalFile = "local_file"
)

// File references a file previously uploaded to Dify.
type File struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id"`
}

// DocumentFile returns the only file shape the relay sends upstream.
func DocumentFile(uploadFileID string) File {
	return File{
		Type:           FileTypeDocument,
		TransferMethod: TransferMethodLocalFile,
		UploadFileID:   uploadFileID,
	}
}

// ChatRequest is the body of POST {api_url}/chat-messages.
type ChatRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	User           string         `json:"user"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Files          []File         `json:"files,omitempty"`
}

// Client talks to Dify-compatible endpoints. The endpoint and key are passed
// per call since every model has its own.
type Client struct {
	httpClient *http.Client
}

// NewClient returns a client whose calls are bounded by timeout. Zero means DefaultTimeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ChatMessages starts a chat call. Any response, including a non-2xx one, is
// returned with its body open; the caller must close it. An error is returned
// only when no response was received.
func (c *Client) ChatMessages(ctx context.Context, apiURL, apiKey string, request *ChatRequest) (*http.Response, error) {
	if request.Inputs == nil {
		request.Inputs = map[string]any{}
	}
	if request.ResponseMode == "" {
		request.ResponseMode = ResponseModeStreaming
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal chat request")
	}

	url := strings.TrimRight(apiURL, "/") + "/chat-messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to construct chat request to %s", url)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to post chat request to %s", url)
	}
	return resp, nil
}
