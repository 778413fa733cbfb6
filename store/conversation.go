package store

import (
	"time"

	"github.com/pkg/errors"
)

// DefaultDisplayName is the name given to conversations that were never renamed.
const DefaultDisplayName = "聊天助手"

var (
	// ErrNotFound is returned when a conversation document or its metadata record is absent.
	ErrNotFound = errors.New("conversation not found")
	// ErrCorrupt is returned by drivers when a stored document cannot be decoded.
	ErrCorrupt = errors.New("conversation document is corrupt")
	// ErrInvalidArgument is returned for malformed ids, models or names.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidMessage is returned when a message lacks a usable sender or text.
	ErrInvalidMessage = errors.New("invalid message")
)

// Conversation is the metadata record of a stored conversation.
// One record exists per (Model, ID).
type Conversation struct {
	CreatedAt   time.Time
	ID          string // local conversation id
	Model       string
	UpstreamID  string // empty until reconciled
	DisplayName string
}

// ConversationSummary is a listing entry.
type ConversationSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Model     string `json:"model"`
	UpdatedTs int64  `json:"timestamp"` // unix milliseconds
}

// UpdateConversation patches a metadata record. Nil fields are left untouched.
type UpdateConversation struct {
	DisplayName *string
	UpstreamID  *string
	Model       string
	ID          string
}
