package relay

import (
	"encoding/json"
	"testing"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"type":"offer","target":7,"sender":3,"chatId":12,"sdp":"x"}`))
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if env.Type != TypeOffer || env.Target != 7 || env.Sender != 3 || env.ChatID != 12 {
		t.Errorf("envelope = %+v", env)
	}
}

func TestDecodeEnvelopeInit(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"type":"init","userId":42}`))
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if env.Type != TypeInit || env.UserID != 42 {
		t.Errorf("envelope = %+v", env)
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := decodeEnvelope([]byte("not json")); err == nil {
		t.Error("expected error for unparseable message")
	}
	if _, err := decodeEnvelope([]byte(`{"target":7}`)); err == nil {
		t.Error("expected error for missing type")
	}
}

func TestStampSenderOverridesClientValue(t *testing.T) {
	raw := []byte(`{"type":"offer","target":7,"sender":999,"sdp":"keep-me"}`)
	out := stampSender(raw, 3)

	var fields map[string]any
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("stamped payload is not JSON: %v", err)
	}
	if got := fields["sender"].(float64); got != 3 {
		t.Errorf("sender = %v, want 3", got)
	}
	if fields["sdp"] != "keep-me" {
		t.Errorf("sdp = %v, opaque fields must pass through", fields["sdp"])
	}
	if fields["type"] != "offer" {
		t.Errorf("type = %v", fields["type"])
	}
}

func TestStampSenderAddsMissingField(t *testing.T) {
	out := stampSender([]byte(`{"type":"answer","target":7}`), 5)

	var fields map[string]any
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("stamped payload is not JSON: %v", err)
	}
	if got := fields["sender"].(float64); got != 5 {
		t.Errorf("sender = %v, want 5", got)
	}
}
