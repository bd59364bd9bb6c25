package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNoChannel is returned for a message with no channel separator.
	ErrNoChannel = errors.New("message without channel")

	// ErrBinaryControl is returned for a binary message whose channel id is
	// empty. Control messages are always text.
	ErrBinaryControl = errors.New("binary control message")

	// ErrInvalidControl is returned when a control payload is not a JSON object.
	ErrInvalidControl = errors.New("invalid control message")
)

// Encode serializes a data frame. The channel id and a single separator
// byte precede the payload; binary and text frames share the layout.
func Encode(f Frame) Message {
	buf := make([]byte, 0, len(f.Channel)+1+len(f.Payload))
	buf = append(buf, f.Channel...)
	buf = append(buf, Separator)
	buf = append(buf, f.Payload...)
	return Message{Binary: f.Binary, Data: buf}
}

// EncodeControl serializes a control message onto the empty channel.
func EncodeControl(c Control) (Message, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return Message{}, fmt.Errorf("encode %q control: %w", c.Command(), err)
	}
	return Encode(Frame{Payload: payload}), nil
}

// Decode splits a Message into its channel id and payload, parsing the
// payload as JSON when the channel is empty. Errors are recoverable: the
// caller drops the message and keeps the session.
func Decode(m Message) (Frame, error) {
	pos := bytes.IndexByte(m.Data, Separator)
	if pos < 0 {
		return Frame{}, ErrNoChannel
	}
	if pos == 0 && m.Binary {
		return Frame{}, ErrBinaryControl
	}

	f := Frame{
		Channel: string(m.Data[:pos]),
		Payload: m.Data[pos+1:],
		Binary:  m.Binary,
	}
	if f.Channel != "" {
		return f, nil
	}

	ctrl, err := ParseControl(f.Payload)
	if err != nil {
		return Frame{}, err
	}
	f.Control = ctrl
	return f, nil
}

// ParseControl decodes a JSON control object.
func ParseControl(payload []byte) (Control, error) {
	var ctrl Control
	if err := json.Unmarshal(payload, &ctrl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	if ctrl == nil {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidControl)
	}
	return ctrl, nil
}

// ChannelOf returns the channel id of m without decoding the payload.
func ChannelOf(m Message) (string, error) {
	pos := bytes.IndexByte(m.Data, Separator)
	if pos < 0 {
		return "", ErrNoChannel
	}
	if pos == 0 && m.Binary {
		return "", ErrBinaryControl
	}
	return string(m.Data[:pos]), nil
}
