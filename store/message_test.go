package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/hrygo/convrelay/store"
)

func TestMessageNumericTimestamp(t *testing.T) {
	msg := &store.Message{}
	require.NoError(t, json.Unmarshal([]byte(`{"sender":"user","text":"hi","timestamp":1700000000000}`), msg))
	assert.Equal(t, "1700000000000", msg.Timestamp)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Equal(t, gjson.Number, gjson.GetBytes(data, "timestamp").Type)
	assert.Equal(t, int64(1700000000000), gjson.GetBytes(data, "timestamp").Int())

	// An overwritten timestamp is written as a string again.
	msg.Timestamp = "2025-03-14T08:00:00.000000Z"
	data, err = json.Marshal(msg)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-14T08:00:00.000000Z", gjson.GetBytes(data, "timestamp").String())
	assert.Equal(t, gjson.String, gjson.GetBytes(data, "timestamp").Type)
}

func TestMessageNumericTimestampIsStored(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *store.Store) {
		ctx := context.Background()
		id := s.CreateConversation(ctx, testModel)

		msg := &store.Message{}
		require.NoError(t, json.Unmarshal([]byte(`{"sender":"assistant","text":"hello","timestamp":1700000000000}`), msg))
		appended, err := s.AppendMessage(ctx, testModel, id, msg)
		require.NoError(t, err)
		require.True(t, appended)

		msgs, err := s.ListMessages(ctx, testModel, id)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		data, err := json.Marshal(msgs[0])
		require.NoError(t, err)
		assert.Equal(t, gjson.Number, gjson.GetBytes(data, "timestamp").Type)
		assert.Equal(t, int64(1700000000000), gjson.GetBytes(data, "timestamp").Int())
	})
}

func TestNormalizeKeepsWhitespaceText(t *testing.T) {
	msg := &store.Message{Sender: store.SenderUser, Text: "   "}
	require.NoError(t, msg.Normalize(testModel, time.Now()))
	assert.Equal(t, "   ", msg.Text)

	empty := &store.Message{Sender: store.SenderUser}
	assert.ErrorIs(t, empty.Normalize(testModel, time.Now()), store.ErrInvalidMessage)
}
