package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

const (
	MsgPull        = "pull"
	MsgSnapshot    = "snapshot"
	MsgAdd         = "add"
	MsgItemAdded   = "item-added"
	MsgDelete      = "delete"
	MsgItemDeleted = "item-deleted"
	MsgPatch       = "patch"
	MsgItemPatched = "item-patched"
	MsgMove        = "move"
	MsgItemMoved   = "item-moved"
)

var (
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Message is the envelope exchanged between a replica and the authority.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IsRequest reports whether typ is an operation a replica may send upstream.
func IsRequest(typ string) bool {
	switch typ {
	case MsgAdd, MsgDelete, MsgPatch, MsgMove:
		return true
	}
	return false
}

// IsBroadcast reports whether typ is an applied-operation relay.
func IsBroadcast(typ string) bool {
	switch typ {
	case MsgItemAdded, MsgItemDeleted, MsgItemPatched, MsgItemMoved:
		return true
	}
	return false
}

// PullMessage asks the authority for a full snapshot.
func PullMessage() Message {
	return Message{Type: MsgPull}
}

// RequestMessage wraps op for sending upstream.
func RequestMessage(op Op) (Message, error) {
	return wrap(op.Type(), op)
}

// BroadcastMessage wraps an applied op for relaying to other replicas.
func BroadcastMessage(op Op) (Message, error) {
	return wrap(op.BroadcastType(), op)
}

// SnapshotMessage wraps the full board.
func SnapshotMessage(s BoardState) (Message, error) {
	data, err := s.Encode()
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MsgSnapshot, Data: data}, nil
}

func wrap(typ string, payload any) (Message, error) {
	data, err := sonic.ConfigStd.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return Message{Type: typ, Data: data}, nil
}

// EncodeMessage serializes a message for the wire.
func EncodeMessage(m Message) ([]byte, error) {
	return sonic.ConfigStd.Marshal(m)
}

// DecodeMessage parses a wire frame into an envelope. The payload is left undecoded.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := sonic.ConfigStd.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}
	return m, nil
}

// Op decodes the payload of a request or broadcast message.
func (m Message) Op() (Op, error) {
	return DecodeOp(m.Type, m.Data)
}

// Snapshot decodes the payload of a snapshot message.
func (m Message) Snapshot() (BoardState, error) {
	if m.Type != MsgSnapshot {
		return BoardState{}, fmt.Errorf("%w: %s is not a snapshot", ErrUnknownMessage, m.Type)
	}
	var s BoardState
	if err := strictDecode(m.Data, &s); err != nil {
		return BoardState{}, err
	}
	return s, nil
}

// DecodeOp decodes data as the operation named by typ. Unknown fields, missing
// ids or lanes, unknown sources and empty patches are all malformed.
func DecodeOp(typ string, data []byte) (Op, error) {
	switch typ {
	case MsgAdd, MsgItemAdded:
		var op AddOp
		if err := strictDecode(data, &op); err != nil {
			return nil, err
		}
		if op.Item.ID == "" || op.Lane == "" || !op.Item.Source.valid() {
			return nil, fmt.Errorf("%w: add requires item id, lane and a known source", ErrMalformedPayload)
		}
		return op, nil
	case MsgDelete, MsgItemDeleted:
		var op DeleteOp
		if err := strictDecode(data, &op); err != nil {
			return nil, err
		}
		if op.ID == "" {
			return nil, fmt.Errorf("%w: delete requires id", ErrMalformedPayload)
		}
		return op, nil
	case MsgPatch, MsgItemPatched:
		var op PatchOp
		if err := strictDecode(data, &op); err != nil {
			return nil, err
		}
		if op.ID == "" || op.Fields.Empty() {
			return nil, fmt.Errorf("%w: patch requires id and at least one field", ErrMalformedPayload)
		}
		return op, nil
	case MsgMove, MsgItemMoved:
		var op MoveOp
		if err := strictDecode(data, &op); err != nil {
			return nil, err
		}
		if op.ID == "" || op.From == "" || op.To == "" {
			return nil, fmt.Errorf("%w: move requires id, from and to", ErrMalformedPayload)
		}
		return op, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, typ)
	}
}

func strictDecode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
