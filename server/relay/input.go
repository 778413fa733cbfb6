package relay

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/hrygo/convrelay/plugin/dify"
)

const (
	// DefaultModel is used when a request names no model.
	DefaultModel = "dify1"
	// DefaultUser is the upstream user tag when the caller sends none.
	DefaultUser = "default-user"

	// FileOnlyPlaceholder is what the web client sends as query when the user only attached a file.
	FileOnlyPlaceholder = "我上传了 1 个文件。"
	// FileAnalysisPrompt replaces an empty or placeholder query.
	FileAnalysisPrompt = "请基于我上传的文件进行漏洞分析，一步步地思考，包括代码功能，明确的漏洞，代码修复意见等。"
)

// ChatInput is one chat turn as sent by a client.
type ChatInput struct {
	Model          string         `json:"model"`
	Query          string         `json:"query"`
	ConversationID string         `json:"conversation_id"` // local id, may be empty or temporary
	User           string         `json:"user"`
	Inputs         map[string]any `json:"inputs"`
	Files          []FileRef      `json:"files"`
	// FileIDs is the older name of Files; used only when Files is empty.
	FileIDs []FileRef `json:"file_ids"`
}

// FileRef is a file reference as supplied by the client: either a bare
// upload id or an object carrying upload_file_id.
type FileRef struct {
	UploadFileID string
	raw          json.RawMessage
}

func (f *FileRef) UnmarshalJSON(data []byte) error {
	f.raw = append(f.raw[:0], data...)
	f.UploadFileID = ""

	result := gjson.ParseBytes(data)
	switch {
	case result.Type == gjson.String:
		f.UploadFileID = result.String()
	case result.IsObject():
		if id := result.Get("upload_file_id"); id.Type == gjson.String {
			f.UploadFileID = id.String()
		}
	}
	return nil
}

func (f FileRef) MarshalJSON() ([]byte, error) {
	if len(f.raw) > 0 {
		return f.raw, nil
	}
	return json.Marshal(f.UploadFileID)
}

// normalize fills defaults and validates the input. It returns the upstream file list.
func (in *ChatInput) normalize() ([]dify.File, error) {
	in.Model = strings.TrimSpace(in.Model)
	if in.Model == "" {
		in.Model = DefaultModel
	}
	if in.User == "" {
		in.User = DefaultUser
	}
	refs := in.Files
	if len(refs) == 0 {
		refs = in.FileIDs
	}

	if strings.TrimSpace(in.Query) == "" && len(refs) == 0 {
		return nil, errors.Wrap(ErrValidation, "query or files required")
	}
	if strings.TrimSpace(in.Query) == "" || in.Query == FileOnlyPlaceholder {
		in.Query = FileAnalysisPrompt
	}
	return NormalizeFiles(refs)
}

// NormalizeFiles converts client file references to the upstream document shape.
func NormalizeFiles(refs []FileRef) ([]dify.File, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	files := make([]dify.File, 0, len(refs))
	for i, ref := range refs {
		if strings.TrimSpace(ref.UploadFileID) == "" {
			return nil, errors.Wrapf(ErrValidation, "files[%d]: unsupported file reference %s", i, bytes.TrimSpace(ref.raw))
		}
		files = append(files, dify.DocumentFile(ref.UploadFileID))
	}
	return files, nil
}
