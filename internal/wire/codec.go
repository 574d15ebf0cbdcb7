// Package wire implements the chat framing format: a 2-byte big-endian
// length prefix followed by exactly that many payload bytes. The same
// framing is used in both directions.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

const (
	// HeaderSize is the length of the frame prefix in bytes.
	HeaderSize = 2
	// MaxPayload is the largest payload a single frame can carry.
	MaxPayload = 1<<16 - 1
)

// ErrPayloadTooLarge is returned by Encode when a payload does not fit
// in one frame. Payloads are never truncated.
var ErrPayloadTooLarge = errors.New("wire: payload exceeds 65535 bytes")

// Encode returns the frame for payload.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: got %d", ErrPayloadTooLarge, len(payload))
	}

	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// Decode reads exactly one frame from r and returns its payload.
//
// A stream that ends cleanly before the header yields io.EOF; a stream that
// ends inside a frame yields io.ErrUnexpectedEOF. Any other read error is
// returned unchanged. Decode does not retry partial reads.
func Decode(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	payload := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// Cut extracts the first complete frame from buf. It reports ok=false when
// buf does not yet hold a whole frame; the caller keeps buffering and calls
// Cut again once more bytes have arrived. payload and rest alias buf.
func Cut(buf []byte) (payload, rest []byte, ok bool) {
	if len(buf) < HeaderSize {
		return nil, buf, false
	}

	end := HeaderSize + int(binary.BigEndian.Uint16(buf))
	if len(buf) < end {
		return nil, buf, false
	}
	return buf[HeaderSize:end], buf[end:], true
}

// Sanitize converts a payload to text. Each maximal ill-formed subsequence
// is replaced with one U+FFFD, so "\xff\xfe" becomes two replacement
// characters while a truncated multibyte sequence becomes one. Surrounding
// whitespace is trimmed.
func Sanitize(payload []byte) string {
	if utf8.Valid(payload) {
		return strings.TrimSpace(string(payload))
	}

	var b strings.Builder
	b.Grow(len(payload) + 2*utf8.UTFMax)
	for len(payload) > 0 {
		r, size := utf8.DecodeRune(payload)
		if r == utf8.RuneError && size == 1 {
			b.WriteRune(utf8.RuneError)
			payload = payload[maximalSubpart(payload):]
			continue
		}
		b.Write(payload[:size])
		payload = payload[size:]
	}
	return strings.TrimSpace(b.String())
}

// maximalSubpart returns the length of the ill-formed sequence at the start
// of p: the longest prefix that could begin a well-formed sequence, or one
// byte if p[0] can not start one.
func maximalSubpart(p []byte) int {
	lo, hi := byte(0x80), byte(0xBF)
	var need int
	switch b := p[0]; {
	case b >= 0xC2 && b <= 0xDF:
		need = 1
	case b == 0xE0:
		need, lo = 2, 0xA0
	case b == 0xED:
		need, hi = 2, 0x9F
	case b >= 0xE1 && b <= 0xEF:
		need = 2
	case b == 0xF0:
		need, lo = 3, 0x90
	case b >= 0xF1 && b <= 0xF3:
		need = 3
	case b == 0xF4:
		need, hi = 3, 0x8F
	default:
		return 1
	}

	n := 1
	for n <= need && n < len(p) && p[n] >= lo && p[n] <= hi {
		lo, hi = 0x80, 0xBF
		n++
	}
	return n
}
