package network

import (
	"errors"
	"strings"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	envelope, err := newEnvelope(TypeRequest, "r1", ReactionParams{PostID: "p1", Type: "LIKE"})
	if err != nil {
		t.Fatalf("newEnvelope failed: %v", err)
	}
	envelope.Op = OpAddReaction

	payload, err := EncodeJSON(envelope)
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	got, err := DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if got.Type != TypeRequest || got.ID != "r1" || got.Op != OpAddReaction {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if !strings.Contains(string(got.Payload), `"post_id":"p1"`) {
		t.Fatalf("payload not carried: %s", got.Payload)
	}
}

func TestDecodeMessageTypeRejectsMissingType(t *testing.T) {
	if _, err := DecodeMessageType([]byte(`{"id":"x"}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
	if _, err := DecodeMessageType([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestEncodeJSONRejectsOversizedPayload(t *testing.T) {
	params := UploadParams{Name: "big.png", Data: make([]byte, MaxFrameSize)}
	if _, err := EncodeJSON(params); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
