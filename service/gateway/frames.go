package gateway

import (
	"encoding/json"

	"github.com/pkg/errors"

	"vibehub/service/hub"
	"vibehub/tools/decode"
)

// Frame is an inbound client event:
//
//	{"type": "typing:start", "conversation_id": 42, "recipients": [8, 9]}
//
// recipients is optional; without it the gateway falls back to broadcasting
// to everyone online.
type Frame struct {
	Type           string       `json:"type"`
	ConversationID int64        `json:"conversation_id"`
	Recipients     []hub.UserID `json:"recipients"`
}

// ParseFrame decodes a raw websocket frame. Decoding is weakly typed so
// clients may send IDs as numbers or strings.
func ParseFrame(raw []byte) (*Frame, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "frame unmarshal")
	}
	f, err := decode.Map[Frame](m)
	if err != nil {
		return nil, errors.Wrap(err, "frame decode")
	}
	if f.Type == "" {
		return nil, errors.New("frame missing type")
	}
	return f, nil
}
