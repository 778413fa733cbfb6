// Package boltdb keeps conversations in a single bbolt file.
//
// Layout: conversations/{model}/{id} is a bucket per conversation holding
// the "meta" record and a "messages" bucket keyed by a big-endian sequence,
// so iteration order is append order.
package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/hrygo/convrelay/internal/profile"
	"github.com/hrygo/convrelay/store"
)

var (
	conversationsBucket = []byte("conversations")
	messagesBucket      = []byte("messages")
	metaKey             = []byte("meta")
)

// openTimeout bounds the wait for the file lock held by another process.
const openTimeout = time.Second

type DB struct {
	db *bolt.DB
}

type record struct {
	CreatedTs   int64  `json:"created_ts"`
	UpdatedTs   int64  `json:"updated_ts"`
	UpstreamID  string `json:"upstream_id,omitempty"`
	DisplayName string `json:"display_name"`
}

// NewDB opens the bbolt file named by the profile DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}
	return Open(profile.DSN)
}

// Open opens or creates the database file at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for %s", path)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open bolt db %s", path)
	}
	return &DB{db: db}, nil
}

func (d *DB) Migrate(_ context.Context) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return errors.Wrap(err, "failed to create conversations bucket")
	})
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) CountConversations(_ context.Context, model, prefix string) (int, error) {
	count := 0
	err := d.db.View(func(tx *bolt.Tx) error {
		b := modelBucket(tx, model)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			if v == nil {
				count++
			}
		}
		return nil
	})
	return count, errors.Wrap(err, "failed to count conversations")
}

func (d *DB) CreateConversation(_ context.Context, create *store.Conversation) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b, err := createModelBucket(tx, create.Model)
		if err != nil {
			return err
		}
		if b.Bucket([]byte(create.ID)) != nil {
			return errors.Errorf("conversation %s already exists", create.ID)
		}
		return writeConversation(b, create, nil)
	})
}

func (d *DB) GetConversation(_ context.Context, model, id string) (*store.Conversation, error) {
	var conv *store.Conversation
	err := d.db.View(func(tx *bolt.Tx) error {
		b := conversationBucket(tx, model, id)
		if b == nil {
			return errors.Wrapf(store.ErrNotFound, "conversation %s", id)
		}
		rec, err := readRecord(b)
		if err != nil {
			return err
		}
		conv = &store.Conversation{
			CreatedAt:   time.UnixMilli(rec.CreatedTs).UTC(),
			ID:          id,
			Model:       model,
			UpstreamID:  rec.UpstreamID,
			DisplayName: rec.DisplayName,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (d *DB) ListMessages(_ context.Context, model, id string) ([]*store.Message, error) {
	list := []*store.Message{}
	err := d.db.View(func(tx *bolt.Tx) error {
		b := conversationBucket(tx, model, id)
		if b == nil {
			return errors.Wrapf(store.ErrNotFound, "conversation %s", id)
		}
		if _, err := readRecord(b); err != nil {
			return err
		}
		msgs := b.Bucket(messagesBucket)
		if msgs == nil {
			return nil
		}
		return msgs.ForEach(func(_, v []byte) error {
			msg := &store.Message{}
			if err := json.Unmarshal(v, msg); err != nil {
				return errors.Wrap(store.ErrCorrupt, err.Error())
			}
			list = append(list, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (d *DB) AppendMessage(_ context.Context, model, id string, msg *store.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := conversationBucket(tx, model, id)
		if b == nil {
			return errors.Wrapf(store.ErrNotFound, "conversation %s", id)
		}
		rec, err := readRecord(b)
		if err != nil {
			return err
		}
		if err := putMessage(b, payload); err != nil {
			return err
		}
		rec.UpdatedTs = time.Now().UnixMilli()
		return writeRecord(b, rec)
	})
}

func (d *DB) ResetConversation(_ context.Context, conv *store.Conversation, msgs []*store.Message) error {
	payloads := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal message")
		}
		payloads = append(payloads, payload)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b, err := createModelBucket(tx, conv.Model)
		if err != nil {
			return err
		}
		if b.Bucket([]byte(conv.ID)) != nil {
			if err := b.DeleteBucket([]byte(conv.ID)); err != nil {
				return errors.Wrapf(err, "failed to clear conversation %s", conv.ID)
			}
		}
		return writeConversation(b, conv, payloads)
	})
}

func (d *DB) UpdateConversation(_ context.Context, update *store.UpdateConversation) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := conversationBucket(tx, update.Model, update.ID)
		if b == nil {
			return errors.Wrapf(store.ErrNotFound, "conversation %s", update.ID)
		}
		rec, err := readRecord(b)
		if err != nil {
			return err
		}
		if v := update.DisplayName; v != nil {
			rec.DisplayName = *v
		}
		if v := update.UpstreamID; v != nil {
			rec.UpstreamID = *v
		}
		rec.UpdatedTs = time.Now().UnixMilli()
		return writeRecord(b, rec)
	})
}

func (d *DB) DeleteConversation(_ context.Context, model, id string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := modelBucket(tx, model)
		if b == nil || b.Bucket([]byte(id)) == nil {
			return errors.Wrapf(store.ErrNotFound, "conversation %s", id)
		}
		return errors.Wrapf(b.DeleteBucket([]byte(id)), "failed to delete conversation %s", id)
	})
}

func (d *DB) ListConversations(_ context.Context, model string) ([]*store.ConversationSummary, error) {
	list := []*store.ConversationSummary{}
	err := d.db.View(func(tx *bolt.Tx) error {
		b := modelBucket(tx, model)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			rec, err := readRecord(b.Bucket(k))
			if err != nil {
				slog.Warn("skipping unreadable conversation", "model", model, "conversation_id", string(k), "error", err)
				return nil
			}
			summary := &store.ConversationSummary{
				ID:        string(k),
				Name:      rec.DisplayName,
				Model:     model,
				UpdatedTs: rec.UpdatedTs,
			}
			if summary.Name == "" {
				summary.Name = store.DefaultDisplayName
			}
			list = append(list, summary)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list conversations of %s", model)
	}
	return list, nil
}

func modelBucket(tx *bolt.Tx, model string) *bolt.Bucket {
	root := tx.Bucket(conversationsBucket)
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(model))
}

func createModelBucket(tx *bolt.Tx, model string) (*bolt.Bucket, error) {
	root, err := tx.CreateBucketIfNotExists(conversationsBucket)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create conversations bucket")
	}
	b, err := root.CreateBucketIfNotExists([]byte(model))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create bucket for model %s", model)
	}
	return b, nil
}

func conversationBucket(tx *bolt.Tx, model, id string) *bolt.Bucket {
	b := modelBucket(tx, model)
	if b == nil {
		return nil
	}
	return b.Bucket([]byte(id))
}

func writeConversation(model *bolt.Bucket, conv *store.Conversation, payloads [][]byte) error {
	b, err := model.CreateBucket([]byte(conv.ID))
	if err != nil {
		return errors.Wrapf(err, "failed to create conversation %s", conv.ID)
	}
	rec := &record{
		CreatedTs:   conv.CreatedAt.UnixMilli(),
		UpdatedTs:   time.Now().UnixMilli(),
		UpstreamID:  conv.UpstreamID,
		DisplayName: conv.DisplayName,
	}
	if err := writeRecord(b, rec); err != nil {
		return err
	}
	if _, err := b.CreateBucket(messagesBucket); err != nil {
		return errors.Wrap(err, "failed to create messages bucket")
	}
	for _, payload := range payloads {
		if err := putMessage(b, payload); err != nil {
			return err
		}
	}
	return nil
}

func readRecord(b *bolt.Bucket) (*record, error) {
	raw := b.Get(metaKey)
	if raw == nil {
		return nil, errors.Wrap(store.ErrCorrupt, "metadata record missing")
	}
	rec := &record{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, errors.Wrap(store.ErrCorrupt, err.Error())
	}
	return rec, nil
}

func writeRecord(b *bolt.Bucket, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal metadata record")
	}
	return errors.Wrap(b.Put(metaKey, data), "failed to write metadata record")
}

func putMessage(conv *bolt.Bucket, payload []byte) error {
	msgs, err := conv.CreateBucketIfNotExists(messagesBucket)
	if err != nil {
		return errors.Wrap(err, "failed to create messages bucket")
	}
	seq, err := msgs.NextSequence()
	if err != nil {
		return errors.Wrap(err, "failed to allocate message sequence")
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return errors.Wrap(msgs.Put(key, payload), "failed to write message")
}
