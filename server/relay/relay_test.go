package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/hrygo/convrelay/internal/modelconfig"
	"github.com/hrygo/convrelay/plugin/dify"
	"github.com/hrygo/convrelay/server/metrics"
	"github.com/hrygo/convrelay/store"
	"github.com/hrygo/convrelay/store/db/jsonfile"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Keep-alive connections of the shared transport wind down asynchronously.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type recordingSink struct {
	mu      sync.Mutex
	opened  bool
	buf     bytes.Buffer
	flushes int
}

func (s *recordingSink) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
}

func (s *recordingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return 0, errors.New("write before open")
	}
	return s.buf.Write(p)
}

func (s *recordingSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

func (s *recordingSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

type fixture struct {
	relay    *Relay
	store    *store.Store
	configs  *modelconfig.Holder
	exporter *metrics.PrometheusExporter
}

func newFixture(t *testing.T, upstream http.Handler) *fixture {
	t.Helper()

	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	s := store.New(jsonfile.New(filepath.Join(dir, "history")))
	configs := modelconfig.NewHolder(filepath.Join(dir, "model_config.json"))
	require.NoError(t, configs.Save("dify1", server.URL+"/v1", "app-key"))

	exporter := metrics.NewPrometheusExporter(metrics.Config{})
	r := NewRelay(dify.NewClient(5*time.Second), configs, NewReconciler(s, exporter), exporter, 4)
	t.Cleanup(r.Wait)

	return &fixture{relay: r, store: s, configs: configs, exporter: exporter}
}

// sseUpstream streams frames one write at a time, flushing between writes.
func sseUpstream(t *testing.T, requests chan<- map[string]any, frames ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if requests != nil {
			requests <- body
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			_, _ = io.WriteString(w, frame)
			w.(http.Flusher).Flush()
		}
	})
}

func (f *fixture) scrape(t *testing.T) string {
	t.Helper()
	w := httptest.NewRecorder()
	f.exporter.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	return w.Body.String()
}

func TestServeReconcilesUpstreamID(t *testing.T) {
	frames := []string{
		"data: {\"event\": \"message\", \"answer\": \"Hel\"}\n\n",
		"data: {\"event\": \"message\", \"answer\": \"lo\"}\n\ndata: {\"event\": \"message_e",
		"nd\", \"conversation_id\": \"U1\"}\n\n",
	}
	requests := make(chan map[string]any, 2)
	f := newFixture(t, sseUpstream(t, requests, frames...))
	ctx := context.Background()
	localID := f.store.CreateConversation(ctx, "dify1")

	sink := &recordingSink{}
	err := f.relay.Serve(ctx, &ChatInput{Model: "dify1", Query: "hello", ConversationID: localID}, sink)
	require.NoError(t, err)
	f.relay.Wait()

	assert.True(t, sink.opened)
	assert.Equal(t, strings.Join(frames, ""), sink.String())
	assert.GreaterOrEqual(t, sink.flushes, 1)

	first := <-requests
	assert.NotContains(t, first, "conversation_id")
	assert.Equal(t, "hello", first["query"])
	assert.Equal(t, "streaming", first["response_mode"])
	assert.Equal(t, DefaultUser, first["user"])

	conv, err := f.store.GetConversation(ctx, "dify1", localID)
	require.NoError(t, err)
	assert.Equal(t, "U1", conv.UpstreamID)

	// The next turn continues the upstream session.
	require.NoError(t, f.relay.Serve(ctx, &ChatInput{Model: "dify1", Query: "again", ConversationID: localID}, &recordingSink{}))
	f.relay.Wait()
	second := <-requests
	assert.Equal(t, "U1", second["conversation_id"])

	body := f.scrape(t)
	assert.Contains(t, body, `convrelay_relay_chat_requests_total{model="dify1",outcome="passthrough"} 2`)
	assert.Contains(t, body, `convrelay_relay_reconcile_total{result="updated"} 1`)
	assert.Contains(t, body, `convrelay_relay_reconcile_total{result="unchanged"} 1`)
}

func TestServeTemporaryIDIsNotReconciled(t *testing.T) {
	requests := make(chan map[string]any, 1)
	f := newFixture(t, sseUpstream(t, requests, "data: {\"event\": \"message_end\", \"conversation_id\": \"U1\"}\n\n"))
	ctx := context.Background()

	sink := &recordingSink{}
	require.NoError(t, f.relay.Serve(ctx, &ChatInput{Query: "hi", ConversationID: "temp-1700000000"}, sink))
	f.relay.Wait()

	assert.NotContains(t, <-requests, "conversation_id")
	list, err := f.store.ListConversations(ctx, "dify1")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Contains(t, f.scrape(t), `convrelay_relay_reconcile_total{result="skipped"} 1`)
}

func TestServeUpstreamErrorFrame(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{
			name:    "file type mismatch",
			status:  http.StatusBadRequest,
			body:    `{"code":"invalid_param","message":"type does not match"}`,
			message: msgFileTypeMismatch,
		},
		{
			name:    "file not accessible",
			status:  http.StatusBadRequest,
			body:    `{"code":"file_not_accessible","message":"nope"}`,
			message: msgFileNotAccessible,
		},
		{
			name:    "other structured error",
			status:  http.StatusNotFound,
			body:    `{"code":"not_found","message":"Conversation \"x\" Not Exists."}`,
			message: "上游 API 错误: Conversation \"x\" Not Exists.",
		},
		{
			name:    "plain text body",
			status:  http.StatusBadGateway,
			body:    "<html>bad gateway</html>",
			message: "服务器错误，状态码: 502",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			ctx := context.Background()
			localID := f.store.CreateConversation(ctx, "dify1")

			sink := &recordingSink{}
			err := f.relay.Serve(ctx, &ChatInput{Query: "hi", ConversationID: localID}, sink)
			require.NoError(t, err)
			f.relay.Wait()

			assert.True(t, sink.opened)
			out := sink.String()
			require.True(t, strings.HasPrefix(out, "data: "), out)
			require.True(t, strings.HasSuffix(out, "\n\n"), out)
			assert.Equal(t, 1, strings.Count(out, "data: "))

			payload := strings.TrimSuffix(strings.TrimPrefix(out, "data: "), "\n\n")
			require.True(t, gjson.Valid(payload), payload)
			assert.Equal(t, "error", gjson.Get(payload, "event").String())
			assert.Equal(t, tt.message, gjson.Get(payload, "message").String())

			conv, err := f.store.GetConversation(ctx, "dify1", localID)
			require.NoError(t, err)
			assert.Empty(t, conv.UpstreamID)
		})
	}
}

func TestServeValidation(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("upstream must not be called")
	}))

	sink := &recordingSink{}
	err := f.relay.Serve(context.Background(), &ChatInput{Model: "dify1"}, sink)
	assert.ErrorIs(t, err, ErrValidation)
	assert.False(t, sink.opened)

	var input ChatInput
	require.NoError(t, json.Unmarshal([]byte(`{"query": "hi", "files": [5]}`), &input))
	err = f.relay.Serve(context.Background(), &input, sink)
	assert.ErrorIs(t, err, ErrValidation)
	assert.False(t, sink.opened)
}

func TestServeUnconfiguredModel(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("upstream must not be called")
	}))

	sink := &recordingSink{}
	err := f.relay.Serve(context.Background(), &ChatInput{Model: "dify9", Query: "hi"}, sink)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.False(t, sink.opened)
}

func TestServeUpstreamUnreachable(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler())

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	require.NoError(t, f.configs.Save("dify1", deadURL, "app-key"))

	sink := &recordingSink{}
	err := f.relay.Serve(context.Background(), &ChatInput{Query: "hi"}, sink)

	var upstreamErr *UpstreamError
	require.True(t, errors.As(err, &upstreamErr), "got %v", err)
	assert.Equal(t, http.StatusBadGateway, upstreamErr.HTTPStatus())
	assert.False(t, sink.opened)
}

func TestServeFileOnlyQuery(t *testing.T) {
	requests := make(chan map[string]any, 1)
	f := newFixture(t, sseUpstream(t, requests, "data: {\"event\": \"message_end\"}\n\n"))

	var input ChatInput
	require.NoError(t, json.Unmarshal([]byte(`{
		"query": "我上传了 1 个文件。",
		"file_ids": ["abc", {"upload_file_id": "xyz", "name": "a.txt"}]
	}`), &input))
	require.NoError(t, f.relay.Serve(context.Background(), &input, &recordingSink{}))

	got := <-requests
	assert.Equal(t, FileAnalysisPrompt, got["query"])
	assert.Equal(t, []any{
		map[string]any{"type": "document", "transfer_method": "local_file", "upload_file_id": "abc"},
		map[string]any{"type": "document", "transfer_method": "local_file", "upload_file_id": "xyz"},
	}, got["files"])
}

func TestServeWaitsForStreamSlot(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	f.relay = NewRelay(dify.NewClient(5*time.Second), f.configs, NewReconciler(f.store, nil), nil, 1)
	t.Cleanup(f.relay.Wait)

	done := make(chan error, 1)
	go func() {
		done <- f.relay.Serve(context.Background(), &ChatInput{Query: "first"}, &recordingSink{})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sink := &recordingSink{}
	err := f.relay.Serve(ctx, &ChatInput{Query: "second"}, sink)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, sink.opened)

	close(release)
	assert.NoError(t, <-done)
}

func TestServeClientDisconnectStillReconciles(t *testing.T) {
	f := newFixture(t, sseUpstream(t, nil,
		"data: {\"event\": \"message_end\", \"conversation_id\": \"U7\"}\n\n",
		"data: {\"event\": \"tts_message_end\"}\n\n",
	))
	ctx := context.Background()
	localID := f.store.CreateConversation(ctx, "dify1")

	sink := &failingSink{}
	require.NoError(t, f.relay.Serve(ctx, &ChatInput{Query: "hi", ConversationID: localID}, sink))
	f.relay.Wait()

	conv, err := f.store.GetConversation(ctx, "dify1", localID)
	require.NoError(t, err)
	assert.Equal(t, "U7", conv.UpstreamID)
}

// failingSink accepts the first write and then behaves like a closed connection.
type failingSink struct {
	writes int
}

func (s *failingSink) Open()  {}
func (s *failingSink) Flush() {}
func (s *failingSink) Write(p []byte) (int, error) {
	s.writes++
	if s.writes > 1 {
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "error_framed", StateErrorFramed.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestServeAfterClose(t *testing.T) {
	f := newFixture(t, sseUpstream(t, nil, "data: {\"event\": \"message_end\", \"conversation_id\": \"U1\"}\n\n"))
	f.relay.Close()

	sink := &recordingSink{}
	err := f.relay.Serve(context.Background(), &ChatInput{Query: "hi"}, sink)
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, sink.opened)
}

func TestCloseDuringStreamSkipsReconcile(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		close(started)
		<-release
		_, _ = io.WriteString(w, "data: {\"event\": \"message_end\", \"conversation_id\": \"U1\"}\n\n")
	}))
	ctx := context.Background()
	localID := f.store.CreateConversation(ctx, "dify1")

	done := make(chan error, 1)
	go func() {
		done <- f.relay.Serve(ctx, &ChatInput{Model: "dify1", Query: "hi", ConversationID: localID}, &recordingSink{})
	}()

	<-started
	f.relay.Close()
	close(release)
	require.NoError(t, <-done)
	f.relay.Wait()

	conv, err := f.store.GetConversation(ctx, "dify1", localID)
	require.NoError(t, err)
	assert.Empty(t, conv.UpstreamID)
}
