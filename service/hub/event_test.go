package hub

import (
	"encoding/json"
	"testing"
)

func TestEventWireFormatIsFlat(t *testing.T) {
	ev := &Event{
		Type:       EventTypingStart,
		Recipients: []UserID{8},
		Payload:    map[string]any{"conversation_id": 12, "user_id": 7},
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != EventTypingStart {
		t.Fatalf("type not at top level: %v", m)
	}
	if m["conversation_id"] != float64(12) {
		t.Fatalf("payload fields must sit flat next to type: %v", m)
	}
	if _, nested := m["payload"]; nested {
		t.Fatalf("payload must not be nested: %v", m)
	}
}

func TestEventUnmarshalWeakRecipients(t *testing.T) {
	var ev Event
	raw := []byte(`{"type":"message:new","recipients":[1,2,3],"message":{"id":9}}`)
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(ev.Recipients) != 3 || ev.Recipients[0] != 1 || ev.Recipients[2] != 3 {
		t.Fatalf("recipients should decode from JSON numbers: %v", ev.Recipients)
	}
	if _, ok := ev.Payload["message"]; !ok {
		t.Fatalf("opaque payload fields must be preserved: %v", ev.Payload)
	}
	if _, leaked := ev.Payload["recipients"]; leaked {
		t.Fatalf("recipients must be stripped from the payload: %v", ev.Payload)
	}
}

func TestEventUnmarshalRejectsMissingType(t *testing.T) {
	var ev Event
	if err := json.Unmarshal([]byte(`{"recipients":[1]}`), &ev); err == nil {
		t.Fatalf("events without a type discriminator must be rejected")
	}
}

func TestEventMarshalNilRecipients(t *testing.T) {
	raw, err := json.Marshal(&Event{Type: EventPresenceUpdate})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if recipients, ok := m["recipients"].([]any); !ok || len(recipients) != 0 {
		t.Fatalf("nil recipients must encode as an empty list: %v", m)
	}
}
