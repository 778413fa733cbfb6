package store

import (
	"context"
)

// Driver is the storage backend behind Store.
//
// Drivers do not lock: Store serializes every mutation of a (model, id) key
// before calling into the driver. Each mutating call must be atomic on its own,
// leaving either the previous or the new state on disk.
type Driver interface {
	// Migrate prepares the backend (directories, schema).
	Migrate(ctx context.Context) error
	Close() error

	// CountConversations returns how many conversations in model have an id starting with prefix.
	CountConversations(ctx context.Context, model, prefix string) (int, error)
	// CreateConversation writes a metadata-only record. It fails if the record exists.
	CreateConversation(ctx context.Context, create *Conversation) error
	// GetConversation returns ErrNotFound when absent and ErrCorrupt when unreadable.
	GetConversation(ctx context.Context, model, id string) (*Conversation, error)
	// ListMessages returns ErrNotFound when absent and ErrCorrupt when unreadable.
	ListMessages(ctx context.Context, model, id string) ([]*Message, error)
	// AppendMessage adds msg after the existing messages. Returns ErrNotFound when absent.
	AppendMessage(ctx context.Context, model, id string, msg *Message) error
	// ResetConversation replaces whatever is stored for the key with conv and msgs.
	ResetConversation(ctx context.Context, conv *Conversation, msgs []*Message) error
	UpdateConversation(ctx context.Context, update *UpdateConversation) error
	DeleteConversation(ctx context.Context, model, id string) error
	ListConversations(ctx context.Context, model string) ([]*ConversationSummary, error)
}
