package store

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

// IsValid reports whether s is one of the known senders.
func (s Sender) IsValid() bool {
	switch s {
	case SenderUser, SenderAssistant, SenderSystem:
		return true
	}
	return false
}

// Message is one entry of a conversation history.
//
// Fields the service does not interpret are kept in Extra and written back
// verbatim, so clients can attach their own bookkeeping (ids, file lists, ...).
type Message struct {
	Extra     map[string]json.RawMessage
	Sender    Sender
	Text      string
	Timestamp string
	Model     string

	// rawTimestamp holds a non-string timestamp as received, written back
	// unchanged while Timestamp still matches it.
	rawTimestamp json.RawMessage
}

// transientKeys are UI-only flags that must never reach storage.
var transientKeys = []string{MessageKeyIsLoading, MessageKeyIsError}

// Normalize applies the storage rules to a client supplied message: the role
// alias becomes sender, transient flags are stripped, the timestamp defaults
// to now and the model is forced to the owning namespace.
func (m *Message) Normalize(model string, now time.Time) error {
	if m.Sender == "" {
		if raw, ok := m.Extra[MessageKeyRole]; ok {
			var role string
			if err := json.Unmarshal(raw, &role); err == nil {
				m.Sender = Sender(role)
			}
		}
	}
	if m.Sender == "" {
		return errors.Wrap(ErrInvalidMessage, "sender is required")
	}
	if !m.Sender.IsValid() {
		return errors.Wrapf(ErrInvalidMessage, "unknown sender %q", m.Sender)
	}
	if m.Text == "" {
		return errors.Wrap(ErrInvalidMessage, "text is required")
	}
	for _, k := range transientKeys {
		delete(m.Extra, k)
	}
	if m.Timestamp == "" {
		m.Timestamp = FormatTimestamp(now)
	}
	m.Model = model
	return nil
}

// SameContent reports whether two messages carry the same (sender, text) pair.
func (m *Message) SameContent(other *Message) bool {
	return m.Sender == other.Sender && m.Text == other.Text
}

// FormatTimestamp renders t the way stored documents expect: UTC, RFC3339 with a Z suffix.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

func (m *Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	put := func(key, value string) error {
		b, err := json.Marshal(value)
		if err != nil {
			return err
		}
		out[key] = b
		return nil
	}
	if err := put(MessageKeySender, string(m.Sender)); err != nil {
		return nil, err
	}
	if err := put(MessageKeyText, m.Text); err != nil {
		return nil, err
	}
	if m.rawTimestamp != nil && string(m.rawTimestamp) == m.Timestamp {
		out[MessageKeyTimestamp] = m.rawTimestamp
	} else if m.Timestamp != "" {
		if err := put(MessageKeyTimestamp, m.Timestamp); err != nil {
			return nil, err
		}
	}
	if m.Model != "" {
		if err := put(MessageKeyModel, m.Model); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.Wrap(ErrInvalidMessage, "message must be an object")
	}

	*m = Message{Extra: make(map[string]json.RawMessage, len(raw))}
	for k, v := range raw {
		switch k {
		case MessageKeySender:
			s, err := decodeString(v)
			if err != nil {
				return errors.Wrap(ErrInvalidMessage, "sender must be a string")
			}
			m.Sender = Sender(s)
		case MessageKeyText:
			s, err := decodeString(v)
			if err != nil {
				return errors.Wrap(ErrInvalidMessage, "text must be a string")
			}
			m.Text = s
		case MessageKeyTimestamp:
			if s, err := decodeString(v); err == nil {
				m.Timestamp = s
			} else {
				m.rawTimestamp = json.RawMessage(bytes.TrimSpace(v))
				m.Timestamp = string(m.rawTimestamp)
			}
		case MessageKeyModel:
			s, _ := decodeString(v)
			m.Model = s
		default:
			m.Extra[k] = v
		}
	}
	return nil
}

func decodeString(raw json.RawMessage) (string, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", nil
	}
	var s string
	err := json.Unmarshal(raw, &s)
	return s, err
}

