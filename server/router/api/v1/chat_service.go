package v1

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/convrelay/server/relay"
)

// Chat relays one chat turn as a text/event-stream response.
//
// Failures detected before the stream starts are answered with a JSON error
// and a matching status. Once the first byte went out the status stays 200
// and upstream failures arrive as an in-band error frame.
func (s *APIV1Service) Chat(c echo.Context) error {
	in := &relay.ChatInput{}
	if err := c.Bind(in); err != nil {
		return errorJSON(c, http.StatusBadRequest, "无效的请求数据")
	}

	userKey := chatUserKey(in)
	if !s.chatLimiter.Allow(userKey) {
		slog.Warn("chat rate limit exceeded", "user", userKey)
		return errorJSON(c, http.StatusTooManyRequests, "请求过于频繁，请稍后再试")
	}

	sink := &eventStreamSink{response: c.Response()}
	err := s.Relay.Serve(c.Request().Context(), in, sink)
	if err == nil {
		return nil
	}
	if sink.opened {
		slog.Warn("chat stream ended with error", "model", in.Model, "error", err)
		return nil
	}

	var upstreamErr *relay.UpstreamError
	switch {
	case errors.Is(err, relay.ErrValidation):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, relay.ErrConfiguration):
		return errorJSON(c, http.StatusBadRequest, fmt.Sprintf("%s API未配置", in.Model))
	case errors.As(err, &upstreamErr):
		return errorJSON(c, upstreamErr.HTTPStatus(), fmt.Sprintf("与上游 API 通信失败: %v", upstreamErr.Err))
	case errors.Is(err, relay.ErrClosed):
		return errorJSON(c, http.StatusServiceUnavailable, "服务正在关闭，请稍后重试")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		slog.Info("chat request abandoned before streaming", "model", in.Model, "error", err)
		return errorJSON(c, http.StatusServiceUnavailable, "服务繁忙，请稍后重试")
	}

	slog.Error("chat request failed", "model", in.Model, "error", err)
	return errorJSON(c, http.StatusInternalServerError, "服务器内部错误")
}

// eventStreamSink writes relay output to an echo response.
type eventStreamSink struct {
	response *echo.Response
	opened   bool
}

func (s *eventStreamSink) Open() {
	if s.opened {
		return
	}
	s.opened = true
	header := s.response.Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set(echo.HeaderCacheControl, "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	s.response.WriteHeader(http.StatusOK)
}

func (s *eventStreamSink) Write(p []byte) (int, error) {
	return s.response.Write(p)
}

func (s *eventStreamSink) Flush() {
	s.response.Flush()
}
