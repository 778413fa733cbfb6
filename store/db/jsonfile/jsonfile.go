// Package jsonfile stores each conversation as one JSON document at
// {root}/{model}/{id}.json.
package jsonfile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/convrelay/internal/profile"
	"github.com/hrygo/convrelay/store"
)

const documentExt = ".json"

type DB struct {
	root string
}

// NewDB opens the document tree under the profile's data directory.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.Data == "" {
		return nil, errors.New("data directory required")
	}
	return New(filepath.Join(profile.Data, "history")), nil
}

// New returns a driver rooted at dir. Nothing is created until Migrate or the first write.
func New(dir string) *DB {
	return &DB{root: dir}
}

func (d *DB) Migrate(_ context.Context) error {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create history directory %s", d.root)
	}
	return nil
}

func (d *DB) Close() error {
	return nil
}

func (d *DB) CountConversations(_ context.Context, model, prefix string) (int, error) {
	entries, err := os.ReadDir(d.modelDir(model))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "failed to read model directory %s", model)
	}
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, documentExt) {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			count++
		}
	}
	return count, nil
}

func (d *DB) CreateConversation(_ context.Context, create *store.Conversation) error {
	dir := d.modelDir(create.Model)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create model directory %s", dir)
	}
	path := d.path(create.Model, create.ID)
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("conversation %s already exists", create.ID)
	}
	return d.write(create.Model, create.ID, &document{meta: create, messages: []*store.Message{}})
}

func (d *DB) GetConversation(_ context.Context, model, id string) (*store.Conversation, error) {
	doc, err := d.read(model, id)
	if err != nil {
		return nil, err
	}
	if doc.meta == nil {
		return nil, errors.Wrapf(store.ErrNotFound, "metadata record missing in %s", id)
	}
	return doc.meta, nil
}

func (d *DB) ListMessages(_ context.Context, model, id string) ([]*store.Message, error) {
	doc, err := d.read(model, id)
	if err != nil {
		return nil, err
	}
	return doc.messages, nil
}

// AppendMessage rewrites the whole document with msg added at the end.
func (d *DB) AppendMessage(_ context.Context, model, id string, msg *store.Message) error {
	doc, err := d.read(model, id)
	if err != nil {
		return err
	}
	doc.messages = append(doc.messages, msg)
	return d.write(model, id, doc)
}

func (d *DB) ResetConversation(_ context.Context, conv *store.Conversation, msgs []*store.Message) error {
	if err := os.MkdirAll(d.modelDir(conv.Model), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create model directory for %s", conv.Model)
	}
	return d.write(conv.Model, conv.ID, &document{meta: conv, messages: msgs})
}

func (d *DB) UpdateConversation(_ context.Context, update *store.UpdateConversation) error {
	doc, err := d.read(update.Model, update.ID)
	if err != nil {
		return err
	}
	if doc.meta == nil {
		return errors.Wrapf(store.ErrNotFound, "metadata record missing in %s", update.ID)
	}
	if update.DisplayName != nil {
		doc.meta.DisplayName = *update.DisplayName
	}
	if update.UpstreamID != nil {
		doc.meta.UpstreamID = *update.UpstreamID
	}
	return d.write(update.Model, update.ID, doc)
}

func (d *DB) DeleteConversation(_ context.Context, model, id string) error {
	if err := os.Remove(d.path(model, id)); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(store.ErrNotFound, "conversation %s", id)
		}
		return errors.Wrapf(err, "failed to delete conversation %s", id)
	}
	return nil
}

// ListConversations reads every document in the model directory to recover
// its display name. Unreadable documents are still listed under the default name.
func (d *DB) ListConversations(_ context.Context, model string) ([]*store.ConversationSummary, error) {
	entries, err := os.ReadDir(d.modelDir(model))
	if err != nil {
		if os.IsNotExist(err) {
			return []*store.ConversationSummary{}, nil
		}
		return nil, errors.Wrapf(err, "failed to read model directory %s", model)
	}

	list := make([]*store.ConversationSummary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, documentExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			slog.Warn("failed to stat conversation document", "model", model, "file", name, "error", err)
			continue
		}

		id := strings.TrimSuffix(name, documentExt)
		summary := &store.ConversationSummary{
			ID:        id,
			Name:      store.DefaultDisplayName,
			Model:     model,
			UpdatedTs: info.ModTime().UnixMilli(),
		}
		doc, err := d.read(model, id)
		if err != nil {
			slog.Warn("failed to read conversation name", "model", model, "conversation_id", id, "error", err)
		} else if doc.meta != nil && doc.meta.DisplayName != "" {
			summary.Name = doc.meta.DisplayName
		}
		list = append(list, summary)
	}
	return list, nil
}

func (d *DB) modelDir(model string) string {
	return filepath.Join(d.root, model)
}

func (d *DB) path(model, id string) string {
	return filepath.Join(d.root, model, id+documentExt)
}

func (d *DB) read(model, id string) (*document, error) {
	data, err := os.ReadFile(d.path(model, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(store.ErrNotFound, "conversation %s", id)
		}
		return nil, errors.Wrapf(err, "failed to read conversation %s", id)
	}
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, errors.Wrapf(err, "conversation %s", id)
	}
	return doc, nil
}

// write replaces the document atomically: the new content goes to a hidden
// temp file in the same directory, is synced, then renamed over the target.
func (d *DB) write(model, id string, doc *document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}

	dir := d.modelDir(model)
	tmp, err := os.CreateTemp(dir, "."+id+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrapf(err, "failed to write conversation %s", id)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrapf(err, "failed to sync conversation %s", id)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrapf(err, "failed to close conversation %s", id)
	}
	if err := os.Rename(tmpName, d.path(model, id)); err != nil {
		cleanup()
		return errors.Wrapf(err, "failed to replace conversation %s", id)
	}
	return nil
}
