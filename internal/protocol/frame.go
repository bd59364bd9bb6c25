// Package protocol defines the wire format shared by every physical
// connection: text and binary frames addressed by channel id, and JSON
// control messages carried on the empty channel.
package protocol

// Separator terminates the channel id prefix of every frame.
const Separator = '\n'

// Message is one unit on a physical connection: a WebSocket message, a
// DataChannel message or a cross-frame post. Text messages carry UTF-8 in
// Data. An empty text message is reserved by the parent relay to mean
// "link closed".
type Message struct {
	Binary bool
	Data   []byte
}

// TextMessage wraps s as a text Message.
func TextMessage(s string) Message { return Message{Data: []byte(s)} }

// BinaryMessage wraps b as a binary Message.
func BinaryMessage(b []byte) Message { return Message{Binary: true, Data: b} }

// IsEmpty reports whether m carries no bytes at all.
func (m Message) IsEmpty() bool { return len(m.Data) == 0 }

// Frame is a decoded Message. Control is non-nil only for messages on the
// empty channel, in which case Payload holds the raw JSON.
type Frame struct {
	Channel string
	Payload []byte
	Binary  bool
	Control Control
}

// IsControl reports whether f is a control message.
func (f *Frame) IsControl() bool { return f.Channel == "" }
