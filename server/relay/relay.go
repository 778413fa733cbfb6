// Package relay streams chat turns to the upstream chat API and ties the
// upstream session back to the local conversation once a stream completes.
package relay

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/hrygo/convrelay/internal/modelconfig"
	"github.com/hrygo/convrelay/plugin/dify"
	"github.com/hrygo/convrelay/server/metrics"
)

// State is the position of one chat request in the relay lifecycle.
//
//	Idle -> ResolvingID -> Requesting -> ErrorFramed | Passthrough -> Reconciling -> Closed
type State int

const (
	StateIdle State = iota
	StateResolvingID
	StateRequesting
	StateErrorFramed
	StatePassthrough
	StateReconciling
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolvingID:
		return "resolving_id"
	case StateRequesting:
		return "requesting"
	case StateErrorFramed:
		return "error_framed"
	case StatePassthrough:
		return "passthrough"
	case StateReconciling:
		return "reconciling"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Request outcomes, used as metric labels.
const (
	OutcomePassthrough  = "passthrough"
	OutcomeErrorFrame   = "error_frame"
	OutcomeInvalid      = "invalid"
	OutcomeUnconfigured = "unconfigured"
	OutcomeUnreachable  = "upstream_unreachable"
	OutcomeCanceled     = "canceled"
)

const (
	// ReconcileTimeout bounds the store update after a stream ended.
	ReconcileTimeout = 5 * time.Second

	maxErrorBody = 64 << 10
	chunkSize    = 32 << 10
)

// Sink receives the event stream. Open is called once, right before the
// first Write; after it the HTTP status can no longer change.
type Sink interface {
	Open()
	io.Writer
	Flush()
}

// Relay runs chat requests against the upstream API.
type Relay struct {
	client     *dify.Client
	configs    *modelconfig.Holder
	reconciler *Reconciler
	metrics    *metrics.PrometheusExporter
	streams    *semaphore.Weighted
	logger     *slog.Logger

	// pending tracks reconciliations still running after their response closed.
	// closing is guarded by mu; once set, no new request or reconciliation starts.
	pending sync.WaitGroup
	mu      sync.Mutex
	closing bool
}

// NewRelay creates a relay allowing at most maxStreams concurrent upstream streams.
func NewRelay(client *dify.Client, configs *modelconfig.Holder, reconciler *Reconciler, metrics *metrics.PrometheusExporter, maxStreams int) *Relay {
	if maxStreams <= 0 {
		maxStreams = 1
	}
	return &Relay{
		client:     client,
		configs:    configs,
		reconciler: reconciler,
		metrics:    metrics,
		streams:    semaphore.NewWeighted(int64(maxStreams)),
		logger:     slog.Default(),
	}
}

// Wait blocks until every background reconciliation has finished.
func (r *Relay) Wait() {
	r.pending.Wait()
}

// Close stops accepting chat turns and waits for pending reconciliations.
// Streams still running when Close is called finish without reconciling.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	r.pending.Wait()
}

func (r *Relay) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

// track registers a background reconciliation unless the relay is closing.
func (r *Relay) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.pending.Add(1)
	return true
}

// stream is the per-request state.
type stream struct {
	state   State
	model   string
	localID string
	logger  *slog.Logger
}

func (s *stream) transition(next State) {
	s.logger.Debug("relay state", "from", s.state.String(), "to", next.String())
	s.state = next
}

// Serve relays one chat turn into sink.
//
// An error is returned only while nothing has been written: ErrValidation,
// ErrConfiguration, *UpstreamError, or the context error when the client went
// away while waiting for a stream slot. ErrClosed is returned after Close.
// Once sink is opened every failure is reported in-band and Serve returns nil.
func (r *Relay) Serve(ctx context.Context, in *ChatInput, sink Sink) error {
	start := time.Now()
	if r.isClosing() {
		return ErrClosed
	}
	files, err := in.normalize()
	if err != nil {
		r.metrics.RecordChatRequest(in.Model, OutcomeInvalid, time.Since(start))
		return err
	}

	s := &stream{
		state:   StateIdle,
		model:   in.Model,
		localID: in.ConversationID,
		logger:  r.logger.With("model", in.Model, "conversation_id", in.ConversationID),
	}

	endpoint, ok := r.configs.Current().Endpoint(in.Model)
	if !ok || !endpoint.Configured() {
		r.metrics.RecordChatRequest(in.Model, OutcomeUnconfigured, time.Since(start))
		return errors.Wrapf(ErrConfiguration, "%s API未配置", in.Model)
	}

	if err := r.streams.Acquire(ctx, 1); err != nil {
		r.metrics.RecordChatRequest(in.Model, OutcomeCanceled, time.Since(start))
		return errors.Wrap(err, "waiting for a stream slot")
	}
	defer r.streams.Release(1)
	r.metrics.StreamStarted()
	defer r.metrics.StreamFinished()

	s.transition(StateResolvingID)
	upstreamID := r.reconciler.Resolve(ctx, in.Model, in.ConversationID)

	s.transition(StateRequesting)
	request := &dify.ChatRequest{
		Inputs:         in.Inputs,
		Query:          in.Query,
		User:           in.User,
		ResponseMode:   dify.ResponseModeStreaming,
		ConversationID: upstreamID,
		Files:          files,
	}
	s.logger.Debug("sending chat request",
		"upstream_id", upstreamID,
		"files", len(files),
		"api_url", endpoint.APIURL,
	)
	resp, err := r.client.ChatMessages(ctx, endpoint.APIURL, endpoint.APIKey, request)
	if err != nil {
		outcome := OutcomeUnreachable
		if ctx.Err() != nil {
			outcome = OutcomeCanceled
		}
		r.metrics.RecordChatRequest(in.Model, outcome, time.Since(start))
		s.logger.Warn("upstream request failed", "error", err)
		return &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	var observed string
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.transition(StateErrorFramed)
		r.writeErrorFrame(s, resp.StatusCode, resp.Body, sink)
		r.metrics.RecordChatRequest(in.Model, OutcomeErrorFrame, time.Since(start))
	} else {
		s.transition(StatePassthrough)
		observed = r.passthrough(s, resp.Body, sink)
		r.metrics.RecordChatRequest(in.Model, OutcomePassthrough, time.Since(start))
	}

	s.transition(StateReconciling)
	if observed != "" && !r.track() {
		s.logger.Warn("relay closed, upstream id not recorded", "upstream_id", observed)
	} else if observed != "" {
		// The client may already be gone; the update must not depend on its context.
		reconcileCtx := context.WithoutCancel(ctx)
		go func() {
			defer r.pending.Done()
			ctx, cancel := context.WithTimeout(reconcileCtx, ReconcileTimeout)
			defer cancel()
			r.reconciler.ReconcileAfterStream(ctx, s.model, s.localID, observed)
		}()
	}
	s.transition(StateClosed)
	return nil
}

func (r *Relay) writeErrorFrame(s *stream, status int, body io.Reader, sink Sink) {
	raw, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		s.logger.Warn("failed to read upstream error body", "status", status, "error", err)
	}
	message := upstreamErrorMessage(status, raw)
	s.logger.Warn("upstream returned an error",
		"status", status,
		"body", string(raw),
		"message", message,
	)

	sink.Open()
	if _, err := sink.Write(errorFrame(message)); err != nil {
		s.logger.Debug("client went away before the error frame", "error", err)
		return
	}
	sink.Flush()
}

// passthrough copies the upstream body to sink chunk by chunk, flushing after
// each one, and returns the last upstream session id announced in the stream.
func (r *Relay) passthrough(s *stream, body io.Reader, sink Sink) string {
	sniff := &sniffer{}
	buf := make([]byte, chunkSize)
	total := 0

	sink.Open()
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			sniff.Write(chunk)
			if _, werr := sink.Write(chunk); werr != nil {
				s.logger.Info("client disconnected mid-stream", "forwarded_bytes", total, "error", werr)
				break
			}
			sink.Flush()
			total += n
			r.metrics.AddForwardedBytes(s.model, n)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("upstream stream interrupted", "forwarded_bytes", total, "error", err)
			}
			break
		}
	}
	sniff.Close()

	s.logger.Debug("stream relayed", "forwarded_bytes", total, "upstream_id", sniff.ConversationID())
	return sniff.ConversationID()
}
