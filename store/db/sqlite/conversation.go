package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/convrelay/store"
)

func (d *DB) CountConversations(ctx context.Context, model, prefix string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conversation WHERE model = ? AND substr(local_id, 1, ?) = ?",
		model, len(prefix), prefix,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count conversations")
	}
	return count, nil
}

func (d *DB) CreateConversation(ctx context.Context, create *store.Conversation) error {
	now := time.Now().UnixMilli()
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO conversation (model, local_id, created_ts, updated_ts, upstream_id, display_name) VALUES (?, ?, ?, ?, ?, ?)",
		create.Model, create.ID, create.CreatedAt.UnixMilli(), now, create.UpstreamID, create.DisplayName,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert conversation %s", create.ID)
	}
	return nil
}

func (d *DB) GetConversation(ctx context.Context, model, id string) (*store.Conversation, error) {
	conv := &store.Conversation{Model: model, ID: id}
	var createdTs int64
	err := d.db.QueryRowContext(ctx,
		"SELECT created_ts, upstream_id, display_name FROM conversation WHERE model = ? AND local_id = ?",
		model, id,
	).Scan(&createdTs, &conv.UpstreamID, &conv.DisplayName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(store.ErrNotFound, "conversation %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get conversation %s", id)
	}
	conv.CreatedAt = time.UnixMilli(createdTs).UTC()
	return conv, nil
}

func (d *DB) ListMessages(ctx context.Context, model, id string) ([]*store.Message, error) {
	if _, err := d.GetConversation(ctx, model, id); err != nil {
		return nil, err
	}

	rows, err := d.db.QueryContext(ctx,
		"SELECT payload FROM conversation_message WHERE model = ? AND local_id = ? ORDER BY id ASC",
		model, id,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list messages of %s", id)
	}
	defer rows.Close()

	list := []*store.Message{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		msg := &store.Message{}
		if err := json.Unmarshal([]byte(payload), msg); err != nil {
			return nil, errors.Wrap(store.ErrCorrupt, err.Error())
		}
		list = append(list, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate messages")
	}
	return list, nil
}

func (d *DB) AppendMessage(ctx context.Context, model, id string, msg *store.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx,
		"UPDATE conversation SET updated_ts = ? WHERE model = ? AND local_id = ?",
		now, model, id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to touch conversation %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(store.ErrNotFound, "conversation %s", id)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO conversation_message (model, local_id, payload, created_ts) VALUES (?, ?, ?, ?)",
		model, id, string(payload), now,
	); err != nil {
		return errors.Wrapf(err, "failed to insert message into %s", id)
	}
	return errors.Wrap(tx.Commit(), "failed to commit message")
}

func (d *DB) ResetConversation(ctx context.Context, conv *store.Conversation, msgs []*store.Message) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM conversation_message WHERE model = ? AND local_id = ?",
		conv.Model, conv.ID,
	); err != nil {
		return errors.Wrapf(err, "failed to clear messages of %s", conv.ID)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO conversation (model, local_id, created_ts, updated_ts, upstream_id, display_name) VALUES (?, ?, ?, ?, ?, ?)",
		conv.Model, conv.ID, conv.CreatedAt.UnixMilli(), now, conv.UpstreamID, conv.DisplayName,
	); err != nil {
		return errors.Wrapf(err, "failed to write conversation %s", conv.ID)
	}
	for _, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal message")
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO conversation_message (model, local_id, payload, created_ts) VALUES (?, ?, ?, ?)",
			conv.Model, conv.ID, string(payload), now,
		); err != nil {
			return errors.Wrapf(err, "failed to insert message into %s", conv.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit conversation")
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) error {
	set, args := []string{"updated_ts = ?"}, []any{time.Now().UnixMilli()}
	if v := update.DisplayName; v != nil {
		set, args = append(set, "display_name = ?"), append(args, *v)
	}
	if v := update.UpstreamID; v != nil {
		set, args = append(set, "upstream_id = ?"), append(args, *v)
	}
	args = append(args, update.Model, update.ID)

	stmt := "UPDATE conversation SET " + strings.Join(set, ", ") + " WHERE model = ? AND local_id = ?"
	res, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update conversation %s", update.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(store.ErrNotFound, "conversation %s", update.ID)
	}
	return nil
}

func (d *DB) DeleteConversation(ctx context.Context, model, id string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM conversation WHERE model = ? AND local_id = ?", model, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete conversation %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(store.ErrNotFound, "conversation %s", id)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM conversation_message WHERE model = ? AND local_id = ?", model, id); err != nil {
		return errors.Wrapf(err, "failed to delete messages of %s", id)
	}
	return errors.Wrap(tx.Commit(), "failed to commit delete")
}

func (d *DB) ListConversations(ctx context.Context, model string) ([]*store.ConversationSummary, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT local_id, display_name, updated_ts FROM conversation WHERE model = ? ORDER BY updated_ts DESC",
		model,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list conversations of %s", model)
	}
	defer rows.Close()

	list := []*store.ConversationSummary{}
	for rows.Next() {
		summary := &store.ConversationSummary{Model: model}
		if err := rows.Scan(&summary.ID, &summary.Name, &summary.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation")
		}
		if summary.Name == "" {
			summary.Name = store.DefaultDisplayName
		}
		list = append(list, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate conversations")
	}
	return list, nil
}
