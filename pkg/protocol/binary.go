package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sugawarayuuta/sonnet"
)

// BinaryKind identifies the buffer or view type of a Binary value.
type BinaryKind uint8

const (
	KindArrayBuffer BinaryKind = iota + 1
	KindDataView
	KindInt8Array
	KindUint8Array
	KindUint8ClampedArray
	KindInt16Array
	KindUint16Array
	KindInt32Array
	KindUint32Array
	KindFloat32Array
	KindFloat64Array
	KindBigInt64Array
	KindBigUint64Array
)

// String returns the wire tag of the kind.
func (k BinaryKind) String() string {
	switch k {
	case KindArrayBuffer:
		return "arraybuffer"
	case KindDataView:
		return "dataview"
	case KindInt8Array:
		return "int8array"
	case KindUint8Array:
		return "uint8array"
	case KindUint8ClampedArray:
		return "uint8clampedarray"
	case KindInt16Array:
		return "int16array"
	case KindUint16Array:
		return "uint16array"
	case KindInt32Array:
		return "int32array"
	case KindUint32Array:
		return "uint32array"
	case KindFloat32Array:
		return "float32array"
	case KindFloat64Array:
		return "float64array"
	case KindBigInt64Array:
		return "bigint64array"
	case KindBigUint64Array:
		return "biguint64array"
	default:
		return "unknown"
	}
}

// ParseBinaryKind maps a wire tag back to its kind.
func ParseBinaryKind(tag string) (BinaryKind, bool) {
	for k := KindArrayBuffer; k <= KindBigUint64Array; k++ {
		if k.String() == tag {
			return k, true
		}
	}
	return 0, false
}

// ElemSize returns the byte width of one element of the kind.
func (k BinaryKind) ElemSize() int {
	switch k {
	case KindInt16Array, KindUint16Array:
		return 2
	case KindInt32Array, KindUint32Array, KindFloat32Array:
		return 4
	case KindFloat64Array, KindBigInt64Array, KindBigUint64Array:
		return 8
	default:
		return 1
	}
}

// Binary is a tagged byte buffer. Typed array contents are stored in
// little-endian element order.
type Binary struct {
	Kind     BinaryKind
	Contents []byte
}

// Len returns the number of elements.
func (b Binary) Len() int {
	return len(b.Contents) / b.Kind.ElemSize()
}

func (b Binary) String() string {
	return fmt.Sprintf("%s(%d)", b.Kind, b.Len())
}

func cloneBytes(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

// NewArrayBuffer wraps a copy of p.
func NewArrayBuffer(p []byte) Binary { return Binary{Kind: KindArrayBuffer, Contents: cloneBytes(p)} }

// NewDataView wraps a copy of p.
func NewDataView(p []byte) Binary { return Binary{Kind: KindDataView, Contents: cloneBytes(p)} }

// NewUint8Array wraps a copy of p.
func NewUint8Array(p []uint8) Binary { return Binary{Kind: KindUint8Array, Contents: cloneBytes(p)} }

// NewUint8ClampedArray wraps a copy of p.
func NewUint8ClampedArray(p []uint8) Binary {
	return Binary{Kind: KindUint8ClampedArray, Contents: cloneBytes(p)}
}

func newTyped[T any](kind BinaryKind, v []T) Binary {
	if len(v) == 0 {
		return Binary{Kind: kind, Contents: []byte{}}
	}
	buf, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		// Only reachable for non fixed-size element types.
		panic(err)
	}
	return Binary{Kind: kind, Contents: buf}
}

// Typed array constructors copy v in little-endian element order.

func NewInt8Array(v []int8) Binary        { return newTyped(KindInt8Array, v) }
func NewInt16Array(v []int16) Binary      { return newTyped(KindInt16Array, v) }
func NewUint16Array(v []uint16) Binary    { return newTyped(KindUint16Array, v) }
func NewInt32Array(v []int32) Binary      { return newTyped(KindInt32Array, v) }
func NewUint32Array(v []uint32) Binary    { return newTyped(KindUint32Array, v) }
func NewFloat32Array(v []float32) Binary  { return newTyped(KindFloat32Array, v) }
func NewFloat64Array(v []float64) Binary  { return newTyped(KindFloat64Array, v) }
func NewBigInt64Array(v []int64) Binary   { return newTyped(KindBigInt64Array, v) }
func NewBigUint64Array(v []uint64) Binary { return newTyped(KindBigUint64Array, v) }

func view[T any](b Binary, kind BinaryKind) ([]T, error) {
	if b.Kind != kind {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrKindMismatch, b.Kind, kind)
	}
	size := kind.ElemSize()
	if len(b.Contents)%size != 0 {
		return nil, fmt.Errorf("protocol: %s length %d not a multiple of %d", kind, len(b.Contents), size)
	}
	out := make([]T, len(b.Contents)/size)
	if len(out) == 0 {
		return out, nil
	}
	if _, err := binary.Decode(b.Contents, binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("protocol: %s view: %w", kind, err)
	}
	return out, nil
}

// Bytes returns the raw contents of an arraybuffer, dataview, uint8array or
// uint8clampedarray.
func (b Binary) Bytes() ([]byte, error) {
	switch b.Kind {
	case KindArrayBuffer, KindDataView, KindUint8Array, KindUint8ClampedArray:
		return b.Contents, nil
	}
	return nil, fmt.Errorf("%w: %s is not a byte buffer", ErrKindMismatch, b.Kind)
}

// Typed views decode Contents. They fail with ErrKindMismatch unless the
// kind matches exactly.

func (b Binary) Int8s() ([]int8, error)     { return view[int8](b, KindInt8Array) }
func (b Binary) Int16s() ([]int16, error)   { return view[int16](b, KindInt16Array) }
func (b Binary) Uint16s() ([]uint16, error) { return view[uint16](b, KindUint16Array) }
func (b Binary) Int32s() ([]int32, error)   { return view[int32](b, KindInt32Array) }
func (b Binary) Uint32s() ([]uint32, error) { return view[uint32](b, KindUint32Array) }
func (b Binary) Float32s() ([]float32, error) {
	return view[float32](b, KindFloat32Array)
}
func (b Binary) Float64s() ([]float64, error) {
	return view[float64](b, KindFloat64Array)
}
func (b Binary) BigInt64s() ([]int64, error)   { return view[int64](b, KindBigInt64Array) }
func (b Binary) BigUint64s() ([]uint64, error) { return view[uint64](b, KindBigUint64Array) }

// Tagged object fields.
const (
	tagBinary   = "binary"
	tagType     = "type"
	tagContents = "contents"
)

// taggedBinary is the wire object standing in for a Binary.
type taggedBinary struct {
	Binary   bool   `json:"binary"`
	Type     string `json:"type"`
	Contents []int  `json:"contents"`
}

// MarshalJSON writes b in its tagged form. Since the encoder calls it at any
// depth, a Binary inside a struct field, typed slice or typed map is tagged
// the same as one passed directly as an argument.
func (b Binary) MarshalJSON() ([]byte, error) {
	contents := make([]int, len(b.Contents))
	for i, c := range b.Contents {
		contents[i] = int(c)
	}
	return sonnet.Marshal(taggedBinary{Binary: true, Type: b.Kind.String(), Contents: contents})
}

// untag reconstructs a Binary from its tagged form. ok is false when m is not
// tagged at all.
func untag(m map[string]any) (b Binary, ok bool, err error) {
	flag, isBool := m[tagBinary].(bool)
	if !isBool || !flag {
		return Binary{}, false, nil
	}
	tag, _ := m[tagType].(string)
	kind, known := ParseBinaryKind(tag)
	if !known {
		return Binary{}, true, decodeErr(ReasonBinary, fmt.Sprintf("unknown type %q", tag), nil)
	}
	raw, isArr := m[tagContents].([]any)
	if !isArr {
		return Binary{}, true, decodeErr(ReasonBinary, "contents is not an array", nil)
	}
	contents := make([]byte, len(raw))
	for i, v := range raw {
		f, isNum := v.(float64)
		if !isNum || f < 0 || f > math.MaxUint8 || f != math.Trunc(f) {
			return Binary{}, true, decodeErr(ReasonBinary, fmt.Sprintf("contents[%d] is not a byte", i), nil)
		}
		contents[i] = byte(f)
	}
	if len(contents)%kind.ElemSize() != 0 {
		return Binary{}, true, decodeErr(ReasonBinary, fmt.Sprintf("%s length %d misaligned", kind, len(contents)), nil)
	}
	return Binary{Kind: kind, Contents: contents}, true, nil
}
