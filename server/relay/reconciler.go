package relay

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/convrelay/server/metrics"
	"github.com/hrygo/convrelay/store"
)

// Reconciliation results, used as metric labels.
const (
	ReconcileUpdated   = "updated"
	ReconcileUnchanged = "unchanged"
	ReconcileSkipped   = "skipped"
	ReconcileFailed    = "failed"
)

// temporaryIDPrefix marks ids the web client invents before the server assigned one.
const temporaryIDPrefix = "temp-"

// IsTemporaryID reports whether id is a client placeholder that is not backed
// by a stored conversation. Store ids always contain an underscore.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, temporaryIDPrefix) || !strings.Contains(id, "_")
}

// Reconciler maps local conversation ids to upstream session ids.
type Reconciler struct {
	store   *store.Store
	metrics *metrics.PrometheusExporter
	logger  *slog.Logger
}

func NewReconciler(store *store.Store, metrics *metrics.PrometheusExporter) *Reconciler {
	return &Reconciler{
		store:   store,
		metrics: metrics,
		logger:  slog.Default(),
	}
}

// Resolve returns the upstream id recorded for localID, or empty when there
// is none. Read failures are logged and treated as "none" so the upstream
// simply starts a new session.
func (r *Reconciler) Resolve(ctx context.Context, model, localID string) string {
	if localID == "" || IsTemporaryID(localID) {
		return ""
	}
	conv, err := r.store.GetConversation(ctx, model, localID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("failed to resolve upstream conversation id",
				"model", model,
				"conversation_id", localID,
				"error", err,
			)
		}
		return ""
	}
	return conv.UpstreamID
}

// ReconcileAfterStream records observed as the upstream id of localID once a
// stream has been fully relayed. It never fails the caller; problems are
// logged and counted.
func (r *Reconciler) ReconcileAfterStream(ctx context.Context, model, localID, observed string) string {
	result := r.reconcile(ctx, model, localID, observed)
	r.metrics.RecordReconcile(result)
	return result
}

func (r *Reconciler) reconcile(ctx context.Context, model, localID, observed string) string {
	if localID == "" || observed == "" || IsTemporaryID(localID) || localID == observed {
		return ReconcileSkipped
	}

	if conv, err := r.store.GetConversation(ctx, model, localID); err == nil && conv.UpstreamID == observed {
		return ReconcileUnchanged
	}

	if err := r.store.SetUpstreamID(ctx, model, localID, observed); err != nil {
		r.logger.Warn("failed to record upstream conversation id",
			"model", model,
			"conversation_id", localID,
			"upstream_id", observed,
			"error", err,
		)
		r.metrics.RecordStoreError("set_upstream_id")
		return ReconcileFailed
	}
	r.logger.Info("upstream conversation id recorded",
		"model", model,
		"conversation_id", localID,
		"upstream_id", observed,
	)
	return ReconcileUpdated
}
