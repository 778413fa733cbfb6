package v1

import (
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/convrelay/server/relay"
)

type analyzeBinaryRequest struct {
	Filename string `json:"filename"`
}

// UploadFile hands a multipart upload to the configured Uploader.
func (s *APIV1Service) UploadFile(c echo.Context) error {
	if s.Uploader == nil {
		return errorJSON(c, http.StatusNotImplemented, "文件上传未启用")
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "未找到上传文件")
	}
	filename := filepath.Base(fileHeader.Filename)
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return errorJSON(c, http.StatusBadRequest, "未选择文件")
	}
	model := strings.TrimSpace(c.FormValue("model"))
	if model == "" {
		model = relay.DefaultModel
	}
	user := strings.TrimSpace(c.FormValue("user"))
	if user == "" {
		user = relay.DefaultUser
	}

	file, err := fileHeader.Open()
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "无法读取上传文件")
	}
	defer file.Close()

	result, err := s.Uploader.Upload(c.Request().Context(), model, user, filename, file)
	if err != nil {
		slog.Error("upload failed", "model", model, "filename", filename, "error", err)
		return errorJSON(c, http.StatusBadGateway, "文件处理错误: "+err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":   true,
		"type":      result.Kind,
		"name":      result.Name,
		"file_id":   result.FileID,
		"file_path": result.Path,
	})
}

// AnalyzeBinary runs the configured Analyzer and returns its result untouched.
func (s *APIV1Service) AnalyzeBinary(c echo.Context) error {
	if s.Analyzer == nil {
		return errorJSON(c, http.StatusNotImplemented, "二进制分析未启用")
	}

	var req analyzeBinaryRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Filename) == "" {
		return errorJSON(c, http.StatusBadRequest, "缺少文件名参数")
	}

	analysis, err := s.Analyzer.Analyze(c.Request().Context(), filepath.Base(req.Filename))
	if err != nil {
		slog.Error("binary analysis failed", "filename", req.Filename, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "后端分析异常: "+err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":  true,
		"analysis": analysis,
	})
}
