package message

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Envelope is one JSONL line: a typed header plus a kind-specific payload.
type Envelope struct {
	// Type identifies the payload kind (e.g., "jobtally.file_status.v1").
	Type Kind `json:"type"`

	// TS is when the envelope was written.
	TS time.Time `json:"ts"`

	// Header carries message provenance.
	Header Header `json:"header"`

	// Data contains the kind-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// Wrap encodes msg into an envelope. A zero header is replaced with a fresh
// one for the current process.
func Wrap(msg Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, fmt.Errorf("%w: message is nil", ErrInvalid)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", msg.Kind(), err)
	}
	hdr := msg.MessageHeader()
	if hdr.IsZero() {
		hdr = NewHeader()
	}
	return Envelope{
		Type:   msg.Kind(),
		TS:     time.Now().UTC(),
		Header: hdr,
		Data:   data,
	}, nil
}

// Decode unmarshals the payload into the concrete message type for e.Type
// and attaches the envelope header. The message is not validated.
func (e Envelope) Decode() (Message, error) {
	var msg Message
	switch e.Type {
	case KindJobAnnouncement:
		m := &JobAnnouncement{}
		if err := json.Unmarshal(e.Data, m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		m.Header = e.Header
		msg = m
	case KindCollectionInfo:
		m := &CollectionInfo{}
		if err := json.Unmarshal(e.Data, m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		m.Header = e.Header
		msg = m
	case KindFileStatus:
		m := &FileStatus{}
		if err := json.Unmarshal(e.Data, m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		m.Header = e.Header
		msg = m
	case KindFileVerification:
		m := &FileVerification{}
		if err := json.Unmarshal(e.Data, m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		m.Header = e.Header
		msg = m
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalid, e.Type)
	}
	return msg, nil
}

// Writer writes messages as newline-delimited envelopes.
//
// Writer is safe for concurrent use; each Write emits one complete line.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a JSONL message writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write wraps msg and writes it as a single line.
func (mw *Writer) Write(msg Message) error {
	env, err := Wrap(msg)
	if err != nil {
		return err
	}
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	line = append(line, '\n')

	mw.mu.Lock()
	defer mw.mu.Unlock()
	if _, err := mw.w.Write(line); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}
