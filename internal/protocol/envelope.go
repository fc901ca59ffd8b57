package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Built-in events every peer understands. Everything else is opaque to the
// core and routed to application subscribers by name.
const (
	EventDownloadAttachment = "downloadattachment"
	EventAttachmentChunk    = "receiveattachmentchunk"
	EventAttachmentError    = "receiveattachmenterror"
)

// Envelope is the application message carried over an open peer link.
// Payload stays opaque here; consumers decode it by event name.
type Envelope struct {
	Event    string             `msgpack:"event" json:"event"`
	SenderID string             `msgpack:"senderId" json:"senderId"`
	Payload  msgpack.RawMessage `msgpack:"payload" json:"payload"`
}

// EncodeEnvelope marshals payload and wraps it for the data channel.
func EncodeEnvelope(event, senderID string, payload any) ([]byte, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	data, err := msgpack.Marshal(Envelope{Event: event, SenderID: senderID, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return data, nil
}

// DecodeEnvelope parses a data channel message.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// DecodePayload unpacks the opaque payload into v.
func (e *Envelope) DecodePayload(v any) error {
	return msgpack.Unmarshal(e.Payload, v)
}
