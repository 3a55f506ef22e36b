package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// control messages are two-part text frames split at the first newline.
// part 1 is a checkpoint label, possibly empty.
// part 2, when present and a json array `[kind, code, payload]`, is a control signal.
// a frame without a parseable second part is a plain data delta.

const (
	StatusRevert       = -1
	StatusUnauthorized = -2
)

const (
	SignalKindStatus = "status"
	SignalKindLoad   = "load"
)

// close reasons used with the normal closure code (1000)
const (
	CloseReasonDestroyed     = "destroyed"
	CloseReasonNotAuthorized = "not authorized"
)

type MessageKind int

const (
	// the whole frame is a data delta to merge
	MessageKindDelta MessageKind = iota
	// status -1. roll back to the checkpoint before `Checkpoint`
	MessageKindRevert
	// status -2. stop synchronizing and close the transport
	MessageKindUnauthorized
	// client to server. reply with a full-content delta
	MessageKindLoadRequest
)

func (self MessageKind) String() string {
	switch self {
	case MessageKindDelta:
		return "delta"
	case MessageKindRevert:
		return "revert"
	case MessageKindUnauthorized:
		return "unauthorized"
	case MessageKindLoadRequest:
		return "load"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type Message struct {
	Kind MessageKind
	// checkpoint label carried in part 1 of a status frame
	Checkpoint string
	// error text carried by a status frame
	Error string
	// the full frame bytes for a delta
	Delta []byte
}

type signalPayload struct {
	Data struct {
		Error string `json:"error"`
	} `json:"data"`
}

// Parse never fails. A frame that does not carry a well-formed
// control signal is a plain delta, per the wire contract.
func Parse(frame []byte) *Message {
	label, body, split := bytes.Cut(frame, []byte("\n"))
	if !split || len(body) == 0 {
		return &Message{
			Kind:  MessageKindDelta,
			Delta: frame,
		}
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil || len(parts) < 2 {
		return &Message{
			Kind:  MessageKindDelta,
			Delta: frame,
		}
	}

	var kind string
	if err := json.Unmarshal(parts[0], &kind); err != nil {
		return &Message{
			Kind:  MessageKindDelta,
			Delta: frame,
		}
	}

	var code int
	if err := json.Unmarshal(parts[1], &code); err != nil {
		return &Message{
			Kind:  MessageKindDelta,
			Delta: frame,
		}
	}

	switch kind {
	case SignalKindLoad:
		return &Message{
			Kind: MessageKindLoadRequest,
		}
	case SignalKindStatus:
		message := &Message{
			Checkpoint: string(label),
		}
		if 3 <= len(parts) {
			var payload signalPayload
			if err := json.Unmarshal(parts[2], &payload); err == nil {
				message.Error = payload.Data.Error
			}
		}
		switch code {
		case StatusRevert:
			message.Kind = MessageKindRevert
			return message
		case StatusUnauthorized:
			message.Kind = MessageKindUnauthorized
			return message
		}
	}

	// unknown signal kinds and codes pass through as deltas
	return &Message{
		Kind:  MessageKindDelta,
		Delta: frame,
	}
}

func EncodeStatus(checkpoint string, code int, errorText string) []byte {
	payload := signalPayload{}
	payload.Data.Error = errorText
	parts := []any{SignalKindStatus, code, payload}
	body, err := json.Marshal(parts)
	if err != nil {
		// the payload is a fixed shape, this cannot happen
		panic(err)
	}
	frame := []byte(checkpoint)
	frame = append(frame, '\n')
	return append(frame, body...)
}

func EncodeLoadRequest() []byte {
	return []byte("\n[\"load\",0,null]")
}
