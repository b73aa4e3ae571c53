package wire

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/encoding"
)

// MessageType represents the kind of a control message.
type MessageType byte

const (
	_ = iota // ignore first value so the zero value doesn't look like a message type.
	// MessageOpen announces a task, its task count and its descriptor.
	MessageOpen MessageType = iota
	// MessageRecord carries one encoded record.
	MessageRecord
	// MessageClose marks the end of a task's stream.
	MessageClose
)

func (t MessageType) String() string {
	switch t {
	case MessageOpen:
		return "open"
	case MessageRecord:
		return "record"
	case MessageClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrEmptyMessage       = errors.New("empty message")
)

// Message is a decoded control message. Fields that do not apply to the
// message type are left at their zero value.
type Message struct {
	Type      MessageType
	RunID     string
	TaskIndex int

	// Open only.
	TaskCount  int
	Descriptor []byte

	// Record only.
	Payload []byte
}

// EncodeOpen encodes the Open message a task sends before anything else.
func EncodeOpen(runID string, taskIndex, taskCount int, descriptor []byte) []byte {
	buf := header(nil, MessageOpen, runID, taskIndex)
	buf.PutUvarint(taskCount)
	buf.PutUvarintBytes(descriptor)
	return buf.Get()
}

// EncodeRecord encodes a Record message around an already encoded value.
func EncodeRecord(runID string, taskIndex int, payload []byte) []byte {
	buf := header(make([]byte, 0, len(payload)+len(runID)+16), MessageRecord, runID, taskIndex)
	buf.PutUvarintBytes(payload)
	return buf.Get()
}

// EncodeClose encodes the Close message that ends a task's stream.
func EncodeClose(runID string, taskIndex int) []byte {
	buf := header(nil, MessageClose, runID, taskIndex)
	return buf.Get()
}

// Encode re-encodes a decoded message.
func (m Message) Encode() ([]byte, error) {
	switch m.Type {
	case MessageOpen:
		return EncodeOpen(m.RunID, m.TaskIndex, m.TaskCount, m.Descriptor), nil
	case MessageRecord:
		return EncodeRecord(m.RunID, m.TaskIndex, m.Payload), nil
	case MessageClose:
		return EncodeClose(m.RunID, m.TaskIndex), nil
	default:
		return nil, errors.Wrapf(ErrUnknownMessageType, "type %d", byte(m.Type))
	}
}

func header(b []byte, t MessageType, runID string, taskIndex int) encoding.Encbuf {
	buf := encoding.Encbuf{B: b}
	buf.PutByte(byte(t))
	buf.PutUvarintStr(runID)
	buf.PutUvarint(taskIndex)
	return buf
}

// DecodeMessage decodes a single control message. The returned message does
// not share memory with b.
func DecodeMessage(b []byte) (Message, error) {
	if len(b) == 0 {
		return Message{}, ErrEmptyMessage
	}

	var (
		m   Message
		dec = encoding.Decbuf{B: b}
	)

	m.Type = MessageType(dec.Byte())
	m.RunID = string(dec.UvarintBytes())
	m.TaskIndex = dec.Uvarint()

	switch m.Type {
	case MessageOpen:
		m.TaskCount = dec.Uvarint()
		m.Descriptor = cloneBytes(dec.UvarintBytes())
	case MessageRecord:
		m.Payload = cloneBytes(dec.UvarintBytes())
	case MessageClose:
	default:
		return Message{}, errors.Wrapf(ErrUnknownMessageType, "type %d", byte(m.Type))
	}

	if dec.Err() != nil {
		return Message{}, errors.Wrapf(dec.Err(), "decode %s message", m.Type)
	}
	if dec.Len() > 0 {
		return Message{}, errors.Errorf("unexpected %d bytes left in %s message", dec.Len(), m.Type)
	}
	return m, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}
