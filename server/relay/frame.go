package relay

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Messages shown to users for upstream failures.
const (
	msgFileTypeMismatch   = "文件类型错误: 上游无法处理您上传的文件类型。请尝试使用TXT或PDF格式。"
	msgFileNotAccessible  = "文件无法访问: 服务器无法读取您上传的文件。请重新上传。"
	msgUpstreamAPIError   = "上游 API 错误: %s"
	msgUpstreamStatusOnly = "服务器错误，状态码: %d"
)

// errorFrame renders one event-stream frame carrying message. The message is
// JSON encoded, so quotes and newlines cannot break the framing.
func errorFrame(message string) []byte {
	payload, err := sjson.SetBytes([]byte(`{"event":"error"}`), "message", message)
	if err != nil {
		// Setting a string on a literal object cannot fail; keep a valid frame anyway.
		payload = []byte(`{"event":"error","message":"internal error"}`)
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame
}

// upstreamErrorMessage maps a non-2xx upstream response to user-facing text.
func upstreamErrorMessage(status int, body []byte) string {
	if !gjson.ValidBytes(body) {
		return fmt.Sprintf(msgUpstreamStatusOnly, status)
	}
	result := gjson.ParseBytes(body)
	if !result.IsObject() {
		return fmt.Sprintf(msgUpstreamStatusOnly, status)
	}

	code := result.Get("code").String()
	message := result.Get("message").String()
	switch {
	case code == "invalid_param" && strings.Contains(message, "type does not match"):
		return msgFileTypeMismatch
	case code == "file_not_accessible":
		return msgFileNotAccessible
	}

	if message == "" {
		message = result.Get("error").String()
	}
	if message == "" {
		message = strings.TrimSpace(fmt.Sprintf("%d %s", status, http.StatusText(status)))
	}
	return fmt.Sprintf(msgUpstreamAPIError, message)
}
