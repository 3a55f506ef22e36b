package protocol

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseStatusRevert(t *testing.T) {
	frame := EncodeStatus("addRow:t:1", StatusRevert, "readonly")
	message := Parse(frame)
	assert.Equal(t, MessageKindRevert, message.Kind)
	assert.Equal(t, "addRow:t:1", message.Checkpoint)
	assert.Equal(t, "readonly", message.Error)
}

func TestParseStatusUnauthorized(t *testing.T) {
	frame := EncodeStatus("", StatusUnauthorized, "token expired")
	message := Parse(frame)
	assert.Equal(t, MessageKindUnauthorized, message.Kind)
	assert.Equal(t, "", message.Checkpoint)
	assert.Equal(t, "token expired", message.Error)
}

func TestParseLoadRequest(t *testing.T) {
	message := Parse(EncodeLoadRequest())
	assert.Equal(t, MessageKindLoadRequest, message.Kind)
}

func TestParsePlainDelta(t *testing.T) {
	frame := []byte(`{"origin":"setRow:t:1","tables":{"t":{"1":{"name":{"v":"a","t":1}}}}}`)
	message := Parse(frame)
	assert.Equal(t, MessageKindDelta, message.Kind)
	assert.Equal(t, frame, message.Delta)
}

func TestParseMalformedSignal(t *testing.T) {
	// a second part that is not a signal array stays a delta
	frames := [][]byte{
		[]byte("label\nnot json"),
		[]byte("label\n{\"data\":{}}"),
		[]byte("label\n[\"status\"]"),
		[]byte("label\n[1,2,3]"),
		[]byte("label\n"),
		[]byte(""),
	}
	for _, frame := range frames {
		message := Parse(frame)
		assert.Equal(t, MessageKindDelta, message.Kind)
		assert.Equal(t, frame, message.Delta)
	}
}

func TestParseUnknownStatusCode(t *testing.T) {
	frame := []byte("label\n[\"status\",7,{\"data\":{\"error\":\"x\"}}]")
	message := Parse(frame)
	assert.Equal(t, MessageKindDelta, message.Kind)
}

func TestStatusRoundTrip(t *testing.T) {
	frame := EncodeStatus("setCell:t:1:name", StatusRevert, "no such column")
	message := Parse(frame)
	assert.Equal(t, MessageKindRevert, message.Kind)
	assert.Equal(t, "setCell:t:1:name", message.Checkpoint)
	assert.Equal(t, "no such column", message.Error)
}
