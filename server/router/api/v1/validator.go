package v1

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"

	"github.com/hrygo/convrelay/server/relay"
)

// modelParam returns the model query parameter, defaulting like the web client expects.
func modelParam(c echo.Context) string {
	if model := strings.TrimSpace(c.QueryParam("model")); model != "" {
		return model
	}
	return relay.DefaultModel
}

// messageModel picks the model of a message POST: the request field, then the
// message's own model, then the default.
func messageModel(model string, message gjson.Result) string {
	if model = strings.TrimSpace(model); model != "" {
		return model
	}
	if m := message.Get("model"); m.Type == gjson.String && strings.TrimSpace(m.String()) != "" {
		return strings.TrimSpace(m.String())
	}
	return relay.DefaultModel
}

// chatUserKey is the rate limit key of a chat request.
func chatUserKey(in *relay.ChatInput) string {
	if user := strings.TrimSpace(in.User); user != "" {
		return user
	}
	return relay.DefaultUser
}
