package frame

import (
	"errors"
	"io"
)

const readBufferSize = 4096

// Reader pulls payloads from a byte stream. The sequence is finite and cannot
// be restarted: Next returns io.EOF once the terminal token is decoded or the
// stream closes, and any unterminated trailing line is dropped.
type Reader struct {
	src     io.Reader
	dec     *Decoder
	buf     []byte
	pending []Payload
	err     error
}

// NewReader wraps src with a fresh Decoder.
func NewReader(src io.Reader, opts ...Option) *Reader {
	return &Reader{
		src: src,
		dec: NewDecoder(opts...),
		buf: make([]byte, readBufferSize),
	}
}

// Next blocks until the next payload is decoded.
func (r *Reader) Next() (Payload, error) {
	for len(r.pending) == 0 {
		if r.dec.Done() {
			return Payload{}, io.EOF
		}
		if r.err != nil {
			return Payload{}, r.err
		}

		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.pending = append(r.pending, r.dec.Feed(r.buf[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.dec.Reset()
				r.err = io.EOF
			} else {
				r.err = err
			}
		}
	}

	p := r.pending[0]
	r.pending = r.pending[1:]
	return p, nil
}

// Skipped returns how many malformed frames were dropped so far.
func (r *Reader) Skipped() int {
	return r.dec.Skipped()
}
