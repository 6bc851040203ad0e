// Package binconv converts between text and the fixed-width code unit
// buffers that CWDTP puts on the wire.
//
// The default mode stores one UTF-16 code unit per 2 bytes (little-endian),
// which is what the browser client produced with a Uint16Array. Code-point
// mode stores one code point per 4 bytes and never splits a rune into
// surrogates.
package binconv

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"unicode/utf16"
)

// Errors returned by the codec.
var (
	ErrNoBuffers   = errors.New("binconv: no buffers to concatenate")
	ErrOddLength   = errors.New("binconv: buffer length is not a multiple of 2")
	ErrUnalignedCP = errors.New("binconv: buffer length is not a multiple of 4")
)

// ToBinary encodes text as little-endian UTF-16 code units.
func ToBinary(text string) []byte {
	units := utf16.Encode([]rune(text))
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}
	return buf
}

// ToString decodes a buffer produced by ToBinary.
func ToString(buf []byte) (string, error) {
	if len(buf)%2 != 0 {
		return "", ErrOddLength
	}
	units := make([]uint16, len(buf)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(buf[2*i:])
	}
	return string(utf16.Decode(units)), nil
}

// ToBinaryCodePoints encodes text with one 32-bit unit per code point.
func ToBinaryCodePoints(text string) []byte {
	runes := []rune(text)
	buf := make([]byte, 4*len(runes))
	for i, r := range runes {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(r))
	}
	return buf
}

// ToStringCodePoints decodes a buffer produced by ToBinaryCodePoints.
func ToStringCodePoints(buf []byte) (string, error) {
	if len(buf)%4 != 0 {
		return "", ErrUnalignedCP
	}
	runes := make([]rune, len(buf)/4)
	for i := range runes {
		runes[i] = rune(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return string(runes), nil
}

// ToBase64 returns the standard base64 encoding of buf.
func ToBase64(buf []byte) string {
	return base64.StdEncoding.EncodeToString(buf)
}

// ConcatBuffers joins bufs into one contiguous buffer.
// A single buffer is copied; more than one is copied into a buffer
// allocated once at the summed length.
func ConcatBuffers(bufs ...[]byte) ([]byte, error) {
	switch len(bufs) {
	case 0:
		return nil, ErrNoBuffers
	case 1:
		out := make([]byte, len(bufs[0]))
		copy(out, bufs[0])
		return out, nil
	}

	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	out := make([]byte, total)
	offset := 0
	for _, b := range bufs {
		offset += copy(out[offset:], b)
	}
	return out, nil
}
