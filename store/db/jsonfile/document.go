package jsonfile

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hrygo/convrelay/store"
)

// document is the decoded form of one conversation file.
type document struct {
	meta     *store.Conversation // nil when the file carries no metadata record
	messages []*store.Message
}

// decodeDocument parses a stored JSON array.
//
// Elements are discriminated by their record_type tag. Untagged files come
// from older versions: there only the first element may be metadata, and only
// if it carries both creation_time and conversation_id. Every other object is
// a message, whatever keys it has.
func decodeDocument(data []byte) (*document, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.Wrap(store.ErrCorrupt, "invalid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return nil, errors.Wrap(store.ErrCorrupt, "document is not an array")
	}

	doc := &document{messages: []*store.Message{}}
	for i, elem := range root.Array() {
		if !elem.IsObject() {
			continue
		}
		switch elem.Get(store.RecordTypeKey).String() {
		case store.RecordTypeMetadata:
			if doc.meta == nil {
				doc.meta = decodeMetadata(elem)
			}
		case "":
			if i == 0 && isLegacyMetadata(elem) {
				doc.meta = decodeMetadata(elem)
				continue
			}
			msg, err := decodeMessage(elem)
			if err != nil {
				return nil, err
			}
			doc.messages = append(doc.messages, msg)
		default:
			msg, err := decodeMessage(elem)
			if err != nil {
				return nil, err
			}
			doc.messages = append(doc.messages, msg)
		}
	}
	return doc, nil
}

func isLegacyMetadata(elem gjson.Result) bool {
	keys := map[string]bool{}
	elem.ForEach(func(key, _ gjson.Result) bool {
		keys[key.String()] = true
		return true
	})
	return store.IsLegacyMetadata(keys)
}

func decodeMetadata(elem gjson.Result) *store.Conversation {
	conv := &store.Conversation{
		ID:          elem.Get(store.MetadataKeyConversationID).String(),
		Model:       elem.Get(store.MetadataKeyModel).String(),
		UpstreamID:  elem.Get(store.MetadataKeyUpstreamID).String(),
		DisplayName: elem.Get(store.MetadataKeyCustomName).String(),
	}
	if ts := elem.Get(store.MetadataKeyCreationTime).String(); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			conv.CreatedAt = t
		}
	}
	return conv
}

func decodeMessage(elem gjson.Result) (*store.Message, error) {
	raw := []byte(elem.Raw)
	if elem.Get(store.RecordTypeKey).Exists() {
		var err error
		if raw, err = sjson.DeleteBytes(raw, store.RecordTypeKey); err != nil {
			return nil, errors.Wrap(store.ErrCorrupt, err.Error())
		}
	}
	msg := &store.Message{}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, errors.Wrap(store.ErrCorrupt, err.Error())
	}
	return msg, nil
}

// encodeDocument renders doc as an indented JSON array with the metadata record first.
func encodeDocument(doc *document) ([]byte, error) {
	elements := make([]json.RawMessage, 0, len(doc.messages)+1)
	if doc.meta != nil {
		meta, err := encodeMetadata(doc.meta)
		if err != nil {
			return nil, err
		}
		elements = append(elements, meta)
	}
	for _, msg := range doc.messages {
		b, err := json.Marshal(msg)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal message")
		}
		if b, err = sjson.SetBytes(b, store.RecordTypeKey, store.RecordTypeMessage); err != nil {
			return nil, errors.Wrap(err, "failed to tag message")
		}
		elements = append(elements, b)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(elements); err != nil {
		return nil, errors.Wrap(err, "failed to encode document")
	}
	return buf.Bytes(), nil
}

func encodeMetadata(conv *store.Conversation) ([]byte, error) {
	b := []byte("{}")
	var err error
	set := func(key string, value any) {
		if err == nil {
			b, err = sjson.SetBytes(b, key, value)
		}
	}
	set(store.RecordTypeKey, store.RecordTypeMetadata)
	set(store.MetadataKeyCreationTime, store.FormatTimestamp(conv.CreatedAt))
	set(store.MetadataKeyModel, conv.Model)
	set(store.MetadataKeyConversationID, conv.ID)
	if conv.UpstreamID == "" {
		if err == nil {
			b, err = sjson.SetRawBytes(b, store.MetadataKeyUpstreamID, []byte("null"))
		}
	} else {
		set(store.MetadataKeyUpstreamID, conv.UpstreamID)
	}
	if conv.DisplayName != "" {
		set(store.MetadataKeyCustomName, conv.DisplayName)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode metadata")
	}
	return b, nil
}
