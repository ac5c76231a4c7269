// Package protocol defines the JSON envelope and message payloads spoken
// over the websocket. Every frame in both directions is an Envelope; the
// type field selects which payload struct the data field decodes into.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/errorsx"
)

// Version of the wire envelope.
const Version = 1

type Envelope struct {
	V       int             `json:"v"`
	TurnID  string          `json:"turnId,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	T       int64           `json:"t"`
	Type    string          `json:"type"`
	MsgID   string          `json:"msgId"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// New stamps an outbound envelope: current unix-millis timestamp and a
// fresh message id. payload may be nil for data-less frames.
func New(typ, turnID, replyTo string, payload any) (Envelope, error) {
	env := Envelope{
		V:       Version,
		TurnID:  turnID,
		ReplyTo: replyTo,
		T:       time.Now().UnixMilli(),
		Type:    typ,
		MsgID:   uuid.NewString(),
	}
	if payload != nil {
		raw, err := sonic.Marshal(payload)
		if err != nil {
			return Envelope{}, errorsx.Wrap(fmt.Errorf("encode %s payload: %w", typ, err), errorsx.ReasonProtocolDecode)
		}
		env.Data = raw
	}
	return env, nil
}

// Encode serializes an envelope to a wire frame.
func Encode(env Envelope) ([]byte, error) {
	raw, err := sonic.Marshal(env)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("encode envelope: %w", err), errorsx.ReasonProtocolDecode)
	}
	return raw, nil
}

// Decode parses an inbound frame and checks the version and type fields.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errorsx.Wrap(fmt.Errorf("decode envelope: %w", err), errorsx.ReasonProtocolDecode)
	}
	if env.V != Version {
		return Envelope{}, errorsx.Wrap(fmt.Errorf("unsupported envelope version %d", env.V), errorsx.ReasonProtocolDecode)
	}
	if env.Type == "" {
		return Envelope{}, errorsx.Wrap(fmt.Errorf("envelope missing type"), errorsx.ReasonProtocolDecode)
	}
	return env, nil
}

// DecodePayload parses env.Data into dst.
func DecodePayload(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return errorsx.Wrap(fmt.Errorf("%s: missing payload", env.Type), errorsx.ReasonProtocolDecode)
	}
	if err := sonic.Unmarshal(env.Data, dst); err != nil {
		return errorsx.Wrap(fmt.Errorf("decode %s payload: %w", env.Type, err), errorsx.ReasonProtocolDecode)
	}
	return nil
}
