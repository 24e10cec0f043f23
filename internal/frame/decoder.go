// Package frame decodes the line-oriented "data: " event stream produced by the AI backend.
package frame

import (
	"bytes"
	"encoding/json"
)

const (
	// Prefix marks a line that carries an event payload.
	Prefix = "data: "
	// DoneToken is the payload that terminates the stream without producing an event.
	DoneToken = "[DONE]"
)

// SkipFunc is called for every data line whose payload could not be parsed.
type SkipFunc func(payload []byte, err error)

// Option configures a Decoder.
type Option func(*Decoder)

// WithSkipHandler installs a callback for dropped frames.
func WithSkipHandler(fn SkipFunc) Option {
	return func(d *Decoder) {
		d.onSkip = fn
	}
}

// Decoder reassembles frames from arbitrarily split byte chunks. It keeps the
// unterminated tail of the previous chunk and only emits complete lines.
type Decoder struct {
	buf     []byte
	done    bool
	skipped int
	onSkip  SkipFunc
}

// NewDecoder creates a decoder with an empty carry-over buffer.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed consumes the next chunk in arrival order and returns the payloads it completed.
// After the terminal token has been seen Feed returns nothing.
func (d *Decoder) Feed(chunk []byte) []Payload {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var out []Payload
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(d.buf[:i], []byte{'\r'})
		d.buf = d.buf[i+1:]

		payload, ok := d.decodeLine(line)
		if d.done {
			d.buf = nil
			return out
		}
		if ok {
			out = append(out, payload)
		}
	}

	if len(d.buf) == 0 {
		d.buf = nil
	} else {
		d.buf = append([]byte(nil), d.buf...)
	}
	return out
}

// Done reports whether the terminal token has been decoded.
func (d *Decoder) Done() bool {
	return d.done
}

// Skipped returns how many data lines were dropped as malformed.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Pending returns the size of the unterminated carry-over buffer.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Reset discards the carry-over buffer. A partial trailing frame is not an error.
func (d *Decoder) Reset() {
	d.buf = nil
}

func (d *Decoder) decodeLine(line []byte) (Payload, bool) {
	if !bytes.HasPrefix(line, []byte(Prefix)) {
		// Comments and keep-alives.
		return Payload{}, false
	}
	data := bytes.TrimSpace(line[len(Prefix):])
	if string(data) == DoneToken {
		d.done = true
		return Payload{}, false
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		d.skipped++
		if d.onSkip != nil {
			d.onSkip(data, err)
		}
		return Payload{}, false
	}
	return p, true
}
