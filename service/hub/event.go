package hub

import (
	"encoding/json"

	"github.com/pkg/errors"

	"vibehub/tools/decode"
)

// UserID identifies a user; stable for a connection's lifetime.
type UserID int64

// Event kinds on the wire.
const (
	EventMessageNew     = "message:new"
	EventReceiptUpdate  = "receipt:update"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventPresenceUpdate = "presence:update"
)

// Event is the unit of fanout. The hub never interprets Payload; it reads
// Type and Recipients only. Recipients are computed by the caller, never
// derived here. Wire form is flat JSON:
//
//	{"type": "message:new", "recipients": [1, 2], "message": {...}}
type Event struct {
	Type       string
	Recipients []UserID
	Payload    map[string]any
}

type eventHeader struct {
	Type       string   `json:"type"`
	Recipients []UserID `json:"recipients"`
}

func (e *Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		m[k] = v
	}
	m["type"] = e.Type
	recipients := e.Recipients
	if recipients == nil {
		recipients = []UserID{}
	}
	m["recipients"] = recipients
	return json.Marshal(m)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return errors.Wrap(err, "event unmarshal")
	}
	hdr, err := decode.Map[eventHeader](m)
	if err != nil {
		return errors.Wrap(err, "event header")
	}
	if hdr.Type == "" {
		return errors.New("event missing type")
	}
	delete(m, "type")
	delete(m, "recipients")
	e.Type = hdr.Type
	e.Recipients = hdr.Recipients
	e.Payload = m
	return nil
}
