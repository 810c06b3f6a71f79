package wire

import (
	"encoding/binary"
	"fmt"
)

// Decoder frames a byte stream into protocol messages. Bytes are appended
// with Feed; Next returns complete messages and leaves partial trailing
// frames buffered for the next call.
//
// The startup phase (the first frame of a client connection) carries no tag
// byte. The decoder starts in startup mode and switches to tagged framing
// after the first non-SSLRequest startup frame; an SSLRequest keeps the
// decoder in startup mode so the re-sent Startup after a TLS upgrade is
// framed correctly.
type Decoder struct {
	buf     []byte
	startup bool
	maxLen  int
}

// NewDecoder returns a decoder for the tagged (post-startup) phase.
func NewDecoder() *Decoder {
	return &Decoder{maxLen: DefaultMaxMessageLen}
}

// NewStartupDecoder returns a decoder expecting an untagged startup-phase
// frame first.
func NewStartupDecoder() *Decoder {
	return &Decoder{startup: true, maxLen: DefaultMaxMessageLen}
}

// SetMaxMessageLen overrides the frame length limit. Zero keeps the default.
func (d *Decoder) SetMaxMessageLen(n int) {
	if n > 0 {
		d.maxLen = n
	}
}

// Feed appends raw bytes to the decoder's buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes held but not yet framed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete message, or nil when the buffer holds only
// a partial frame. A non-nil error means the stream is unrecoverable and
// the connection must be dropped.
func (d *Decoder) Next() (*Message, error) {
	if d.startup {
		return d.nextStartup()
	}
	return d.nextTagged()
}

func (d *Decoder) nextStartup() (*Message, error) {
	if len(d.buf) < 4 {
		return nil, nil
	}
	total := int(binary.BigEndian.Uint32(d.buf[:4]))
	if total < 8 {
		return nil, fmt.Errorf("%w: startup frame length %d", ErrMalformed, total)
	}
	if total > d.maxLen {
		return nil, fmt.Errorf("%w: startup frame length %d", ErrMessageTooLarge, total)
	}
	if len(d.buf) < total {
		return nil, nil
	}

	payload := make([]byte, total-4)
	copy(payload, d.buf[4:total])
	d.buf = d.buf[total:]

	msg := &Message{Payload: payload}
	if !msg.IsSSLRequest() {
		// The real Startup has arrived; everything after it is tagged.
		d.startup = false
	}
	return msg, nil
}

func (d *Decoder) nextTagged() (*Message, error) {
	if len(d.buf) < 5 {
		return nil, nil
	}
	length := int(binary.BigEndian.Uint32(d.buf[1:5]))
	if length < 4 {
		return nil, fmt.Errorf("%w: frame length %d", ErrMalformed, length)
	}
	if length > d.maxLen {
		return nil, fmt.Errorf("%w: frame length %d", ErrMessageTooLarge, length)
	}
	total := 1 + length
	if len(d.buf) < total {
		return nil, nil
	}

	payload := make([]byte, length-4)
	copy(payload, d.buf[5:total])
	msg := &Message{Type: d.buf[0], Payload: payload}
	d.buf = d.buf[total:]
	return msg, nil
}
