// Package codec implements the recorder's wire format.
//
// A datagram carries one or more frames back to back. Each frame is a
// 4-byte little-endian header followed by the payload:
//
//	+--------+--------+----------------+
//	| tag    | length | payload ...    |
//	| uint16 | uint16 | length bytes   |
//	+--------+--------+----------------+
//
// length counts payload bytes only. Payloads are protobuf wire format with
// field numbers fixed per record kind, see payload.go.
package codec

import (
	"encoding/binary"
	"math"

	"github.com/xtxerr/feedrec/internal/errors"
)

// HeaderSize is the encoded frame header length.
const HeaderSize = 4

// MaxPayload is the largest payload a header can describe.
const MaxPayload = math.MaxUint16

// Header is a decoded frame header.
type Header struct {
	Tag    uint16
	Length uint16
}

// ReadHeader decodes the header at the start of b.
func ReadHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.Wrapf(errors.ErrTruncated, "header needs %d bytes, have %d", HeaderSize, len(b))
	}
	return Header{
		Tag:    binary.LittleEndian.Uint16(b[0:2]),
		Length: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// NextFrame splits the first frame off b. It returns the header, the
// payload and the remaining bytes. The payload aliases b.
func NextFrame(b []byte) (Header, []byte, []byte, error) {
	h, err := ReadHeader(b)
	if err != nil {
		return h, nil, nil, err
	}
	end := HeaderSize + int(h.Length)
	if end > len(b) {
		return h, nil, nil, errors.Wrapf(errors.ErrTruncated,
			"tag %d declares %d payload bytes, have %d", h.Tag, h.Length, len(b)-HeaderSize)
	}
	return h, b[HeaderSize:end], b[end:], nil
}

// AppendFrame appends a frame with the given tag and payload.
func AppendFrame(dst []byte, tag uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, errors.Wrapf(errors.ErrMalformed, "payload %d bytes exceeds %d", len(payload), MaxPayload)
	}
	dst = binary.LittleEndian.AppendUint16(dst, tag)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}

// AppendRecord encodes src with c and appends it as one frame.
func AppendRecord[T any](dst []byte, tag uint16, c Codec[T], src *T) ([]byte, error) {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	dst = c.Append(dst, src)

	n := len(dst) - start - HeaderSize
	if n > MaxPayload {
		return dst[:start], errors.Wrapf(errors.ErrMalformed, "payload %d bytes exceeds %d", n, MaxPayload)
	}
	binary.LittleEndian.PutUint16(dst[start:], tag)
	binary.LittleEndian.PutUint16(dst[start+2:], uint16(n))
	return dst, nil
}
