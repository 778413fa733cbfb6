// Package artifact declares the collaborators that accept uploaded files and
// run out-of-process analysis on them. Implementations live outside this
// module; the HTTP layer only talks to these interfaces.
package artifact

import (
	"context"
	"encoding/json"
	"io"
)

// Kinds of stored upload.
const (
	KindDocument = "document"
	KindBinary   = "binary"
)

// UploadResult describes a stored upload.
//
// Documents carry FileID, which can be passed as a files entry of a chat
// request. Binaries are kept locally and carry Path instead; they never
// reach the upstream.
type UploadResult struct {
	Kind   string `json:"type"`
	Name   string `json:"name"`
	FileID string `json:"file_id,omitempty"`
	Path   string `json:"file_path,omitempty"`
}

// Uploader stores one uploaded file for a user of model.
type Uploader interface {
	Upload(ctx context.Context, model, user, filename string, r io.Reader) (*UploadResult, error)
}

// Analyzer runs the external analysis tool against a previously uploaded
// binary. The result is opaque and returned to the caller as is.
type Analyzer interface {
	Analyze(ctx context.Context, filename string) (json.RawMessage, error)
}
