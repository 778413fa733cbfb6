package relay

import (
	"bytes"

	"github.com/tidwall/gjson"
)

// maxSniffLine caps the partial line kept between chunks. Longer lines are
// skipped; they are still forwarded, just not inspected.
const maxSniffLine = 1 << 20

// sniffer watches a copy of the event stream for message_end records and
// remembers the last conversation_id they carry. It never fails: anything
// it cannot decode is ignored.
type sniffer struct {
	partial        []byte
	overflow       bool
	conversationID string
}

func (s *sniffer) Write(p []byte) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			if len(s.partial)+len(p) > maxSniffLine {
				s.partial = s.partial[:0]
				s.overflow = true
				return
			}
			s.partial = append(s.partial, p...)
			return
		}

		line := p[:i]
		if len(s.partial) > 0 {
			line = append(s.partial, line...)
		}
		if !s.overflow {
			s.inspect(line)
		}
		s.partial = s.partial[:0]
		s.overflow = false
		p = p[i+1:]
	}
}

// Close inspects a trailing line that was not newline terminated.
func (s *sniffer) Close() {
	if len(s.partial) > 0 && !s.overflow {
		s.inspect(s.partial)
	}
	s.partial = nil
}

func (s *sniffer) inspect(line []byte) {
	line = bytes.TrimRight(line, "\r")
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || !gjson.ValidBytes(data) {
		return
	}
	record := gjson.ParseBytes(data)
	if record.Get("event").String() != "message_end" {
		return
	}
	if id := record.Get("conversation_id").String(); id != "" {
		s.conversationID = id
	}
}

// ConversationID returns the last upstream session id seen, or empty.
func (s *sniffer) ConversationID() string {
	return s.conversationID
}
