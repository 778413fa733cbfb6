package v1

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/hrygo/convrelay/store"
)

type createConversationRequest struct {
	Model string `json:"model"`
}

type createConversationResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Timestamp string `json:"timestamp"`
}

type appendMessageRequest struct {
	Message json.RawMessage `json:"message"`
	Model   string          `json:"model"`
}

type renameConversationRequest struct {
	Name string `json:"name"`
}

// CreateConversation allocates a new conversation. It always succeeds; when
// storage fails the returned id is a fallback that is not backed by a record.
func (s *APIV1Service) CreateConversation(c echo.Context) error {
	var req createConversationRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "无效的请求数据")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = modelParam(c)
	}

	id := s.Store.CreateConversation(c.Request().Context(), model)
	return c.JSON(http.StatusCreated, createConversationResponse{
		ID:        id,
		Name:      store.DefaultDisplayName,
		Timestamp: store.FormatTimestamp(s.now()),
	})
}

func (s *APIV1Service) ListConversations(c echo.Context) error {
	model := modelParam(c)
	list, err := s.Store.ListConversations(c.Request().Context(), model)
	if err != nil {
		return s.storeError(c, "list_conversations", err)
	}
	if list == nil {
		list = []*store.ConversationSummary{}
	}
	return c.JSON(http.StatusOK, list)
}

// ListMessages returns the stored history; unknown conversations yield [].
func (s *APIV1Service) ListMessages(c echo.Context) error {
	msgs, err := s.Store.ListMessages(c.Request().Context(), modelParam(c), c.Param("id"))
	if err != nil {
		return s.storeError(c, "list_messages", err)
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *APIV1Service) AppendMessage(c echo.Context) error {
	var req appendMessageRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "无效的消息数据")
	}
	raw := gjson.ParseBytes(req.Message)
	if !raw.IsObject() {
		return errorJSON(c, http.StatusBadRequest, "无效的消息数据")
	}
	model := messageModel(req.Model, raw)

	msg := &store.Message{}
	if err := json.Unmarshal(req.Message, msg); err != nil {
		return errorJSON(c, http.StatusBadRequest, "无效的消息数据")
	}

	appended, err := s.Store.AppendMessage(c.Request().Context(), model, c.Param("id"), msg)
	if err != nil {
		return s.storeError(c, "append_message", err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"message":   "消息保存成功",
		"duplicate": !appended,
	})
}

func (s *APIV1Service) RenameConversation(c echo.Context) error {
	var req renameConversationRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		return errorJSON(c, http.StatusBadRequest, "缺少新的对话名称 'name'")
	}

	if err := s.Store.RenameConversation(c.Request().Context(), modelParam(c), c.Param("id"), req.Name); err != nil {
		return s.storeError(c, "rename_conversation", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "重命名成功"})
}

func (s *APIV1Service) DeleteConversation(c echo.Context) error {
	if err := s.Store.DeleteConversation(c.Request().Context(), modelParam(c), c.Param("id")); err != nil {
		return s.storeError(c, "delete_conversation", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "删除成功"})
}

// storeError maps a store failure to a JSON error response.
func (s *APIV1Service) storeError(c echo.Context, operation string, err error) error {
	switch {
	case errors.Is(err, store.ErrInvalidArgument), errors.Is(err, store.ErrInvalidMessage):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrCorrupt):
		return errorJSON(c, http.StatusNotFound, "对话未找到")
	}

	s.Metrics.RecordStoreError(operation)
	slog.Error("store operation failed",
		"operation", operation,
		"conversation_id", c.Param("id"),
		"error", err,
	)
	return errorJSON(c, http.StatusInternalServerError, "服务器内部错误")
}
