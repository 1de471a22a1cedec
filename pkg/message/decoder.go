package message

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const DefaultMaxLineBytes = 1 << 20

// Decoder reads envelopes from a JSONL stream. Blank lines are skipped.
type Decoder struct {
	r            *bufio.Reader
	maxLineBytes int
	strict       bool
	line         int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), maxLineBytes: DefaultMaxLineBytes}
}

func (d *Decoder) SetMaxLineBytes(n int) {
	if n <= 0 {
		d.maxLineBytes = DefaultMaxLineBytes
		return
	}
	d.maxLineBytes = n
}

// SetStrict makes Next check every line against the envelope schema, so
// unknown fields and malformed payloads are rejected before decoding.
func (d *Decoder) SetStrict(strict bool) {
	d.strict = strict
}

// Line returns the 1-based line number of the most recently returned envelope.
func (d *Decoder) Line() int {
	return d.line
}

// Next returns the next envelope, or io.EOF at end of input. A line that is
// not a JSON envelope yields an ErrInvalid error and decoding may continue; any
// other error leaves the decoder unusable.
func (d *Decoder) Next() (Envelope, error) {
	for {
		raw, err := readLineLimited(d.r, d.maxLineBytes)
		if err != nil {
			return Envelope{}, err
		}
		d.line++
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		if d.strict {
			if err := ValidateRaw(raw); err != nil {
				return Envelope{}, fmt.Errorf("line %d: %w", d.line, err)
			}
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return Envelope{}, fmt.Errorf("%w: line %d: %v", ErrInvalid, d.line, err)
		}
		return env, nil
	}
}

func readLineLimited(r *bufio.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLineBytes
	}

	var out []byte
	for {
		frag, err := r.ReadSlice('\n')
		out = append(out, frag...)
		if len(out) > maxBytes {
			return nil, errors.New("jsonl line exceeds max bytes")
		}
		if err == nil {
			return bytes.TrimSuffix(out, []byte("\n")), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(out) == 0 {
				return nil, io.EOF
			}
			return out, nil
		}
		return nil, err
	}
}
