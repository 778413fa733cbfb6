package relay

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/hrygo/convrelay/plugin/dify"
)

func TestErrorFrameEscapes(t *testing.T) {
	frame := string(errorFrame("bad \"quote\"\nsecond line"))

	require.True(t, strings.HasPrefix(frame, "data: "))
	require.True(t, strings.HasSuffix(frame, "\n\n"))
	payload := strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")
	assert.NotContains(t, payload, "\n")
	require.True(t, gjson.Valid(payload))
	assert.Equal(t, "error", gjson.Get(payload, "event").String())
	assert.Equal(t, "bad \"quote\"\nsecond line", gjson.Get(payload, "message").String())
}

func TestUpstreamErrorMessage(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"file type", 400, `{"code":"invalid_param","message":"File type does not match"}`, msgFileTypeMismatch},
		{"invalid param other", 400, `{"code":"invalid_param","message":"query is required"}`, "上游 API 错误: query is required"},
		{"file not accessible", 400, `{"code":"file_not_accessible"}`, msgFileNotAccessible},
		{"error field", 401, `{"error":"unauthorized"}`, "上游 API 错误: unauthorized"},
		{"empty object", 503, `{}`, "上游 API 错误: 503 Service Unavailable"},
		{"json array", 500, `[1,2]`, "服务器错误，状态码: 500"},
		{"not json", 500, `Internal Server Error`, "服务器错误，状态码: 500"},
		{"empty body", 500, ``, "服务器错误，状态码: 500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, upstreamErrorMessage(tt.status, []byte(tt.body)))
		})
	}
}

func TestSniffer(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{
			name:   "single chunk",
			chunks: []string{"data: {\"event\":\"message_end\",\"conversation_id\":\"U1\"}\n\n"},
			want:   "U1",
		},
		{
			name:   "split across chunks",
			chunks: []string{"data: {\"event\":\"mess", "age_end\",\"conversation_id\":", "\"U2\"}\n\n"},
			want:   "U2",
		},
		{
			name: "last wins",
			chunks: []string{
				"data: {\"event\":\"message_end\",\"conversation_id\":\"A\"}\n\n",
				"data: {\"event\":\"message_end\",\"conversation_id\":\"B\"}\r\n\r\n",
			},
			want: "B",
		},
		{
			name:   "other events ignored",
			chunks: []string{"data: {\"event\":\"message\",\"conversation_id\":\"X\"}\n\n", "event: ping\n\n"},
			want:   "",
		},
		{
			name:   "empty id ignored",
			chunks: []string{"data: {\"event\":\"message_end\",\"conversation_id\":\"U3\"}\n", "data: {\"event\":\"message_end\",\"conversation_id\":\"\"}\n"},
			want:   "U3",
		},
		{
			name:   "garbage ignored",
			chunks: []string{"data: {not json\n", "data:\n", ": comment\n"},
			want:   "",
		},
		{
			name:   "trailing line without newline",
			chunks: []string{"data: {\"event\":\"message_end\",\"conversation_id\":\"U4\"}"},
			want:   "U4",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &sniffer{}
			for _, chunk := range tt.chunks {
				s.Write([]byte(chunk))
			}
			s.Close()
			assert.Equal(t, tt.want, s.ConversationID())
		})
	}
}

func TestSnifferSkipsOversizedLine(t *testing.T) {
	s := &sniffer{}
	s.Write([]byte("data: {\"event\":\"message_end\",\"conversation_id\":\"" + strings.Repeat("x", maxSniffLine)))
	s.Write([]byte("\"}\n"))
	s.Write([]byte("data: {\"event\":\"message_end\",\"conversation_id\":\"U5\"}\n"))
	s.Close()
	assert.Equal(t, "U5", s.ConversationID())
}

func TestNormalizeFiles(t *testing.T) {
	var refs []FileRef
	require.NoError(t, json.Unmarshal([]byte(`["abc", {"upload_file_id": "xyz"}]`), &refs))

	files, err := NormalizeFiles(refs)
	require.NoError(t, err)
	assert.Equal(t, []dify.File{
		{Type: "document", TransferMethod: "local_file", UploadFileID: "abc"},
		{Type: "document", TransferMethod: "local_file", UploadFileID: "xyz"},
	}, files)

	for _, raw := range []string{`[5]`, `[{"id": "abc"}]`, `[""]`, `[null]`} {
		var bad []FileRef
		require.NoError(t, json.Unmarshal([]byte(raw), &bad))
		_, err := NormalizeFiles(bad)
		assert.ErrorIs(t, err, ErrValidation, raw)
	}

	files, err = NormalizeFiles(nil)
	require.NoError(t, err)
	assert.Nil(t, files)
}

func TestChatInputNormalize(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		in := &ChatInput{Query: "hi"}
		files, err := in.normalize()
		require.NoError(t, err)
		assert.Nil(t, files)
		assert.Equal(t, DefaultModel, in.Model)
		assert.Equal(t, DefaultUser, in.User)
		assert.Equal(t, "hi", in.Query)
	})

	t.Run("files win over file_ids", func(t *testing.T) {
		in := &ChatInput{
			Query:   "look",
			Files:   []FileRef{{UploadFileID: "a"}},
			FileIDs: []FileRef{{UploadFileID: "b"}},
		}
		files, err := in.normalize()
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, "a", files[0].UploadFileID)
	})

	t.Run("empty query with files", func(t *testing.T) {
		in := &ChatInput{Files: []FileRef{{UploadFileID: "a"}}}
		_, err := in.normalize()
		require.NoError(t, err)
		assert.Equal(t, FileAnalysisPrompt, in.Query)
	})

	t.Run("nothing to send", func(t *testing.T) {
		_, err := (&ChatInput{Query: "  "}).normalize()
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestIsTemporaryID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"temp-1700000000", true},
		{"temp-a_b", true},
		{"abc", true},
		{"20250314_1_deadbeef", false},
		{"new_0123456789abcdef", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTemporaryID(tt.id))
		})
	}
}
