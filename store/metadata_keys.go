package store

// Keys of the stored conversation document. A document is a JSON array whose
// first element is the metadata record and whose remaining elements are messages.
const (
	// RecordTypeKey discriminates document elements. Documents written before the
	// tag existed are read structurally (see IsLegacyMetadata).
	RecordTypeKey = "record_type"

	RecordTypeMetadata = "metadata"
	RecordTypeMessage  = "message"
)

// Metadata record keys.
const (
	MetadataKeyCreationTime   = "creation_time"
	MetadataKeyModel          = "model"
	MetadataKeyConversationID = "conversation_id"
	MetadataKeyUpstreamID     = "dify_conversation_id"
	MetadataKeyCustomName     = "custom_name"
)

// Message keys.
const (
	MessageKeySender    = "sender"
	MessageKeyRole      = "role"
	MessageKeyText      = "text"
	MessageKeyTimestamp = "timestamp"
	MessageKeyModel     = "model"
	MessageKeyIsLoading = "isLoading"
	MessageKeyIsError   = "isError"
)

// IsLegacyMetadata reports whether an untagged object has the shape of a
// metadata record. Only the first element of a legacy document is tested.
func IsLegacyMetadata(keys map[string]bool) bool {
	return keys[MetadataKeyCreationTime] && keys[MetadataKeyConversationID]
}
