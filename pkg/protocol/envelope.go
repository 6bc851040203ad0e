package protocol

import (
	"github.com/sugawarayuuta/sonnet"

	"github.com/colonialwars/cwclient/pkg/binconv"
)

// Envelope is one protocol message.
type Envelope struct {
	Event string
	Meta  Meta
	Data  []any
}

// IsControl reports whether the envelope carries a protocol control event.
func (e *Envelope) IsControl() bool {
	return IsReserved(e.Event)
}

// Arg returns data[i], or nil when i is out of range.
func (e *Envelope) Arg(i int) any {
	if i < 0 || i >= len(e.Data) {
		return nil
	}
	return e.Data[i]
}

type wireEnvelope struct {
	Event string         `json:"event"`
	Meta  map[string]any `json:"meta"`
	Data  []any          `json:"data"`
}

// EncodeText serializes an envelope to JSON text.
func EncodeText(event string, meta Meta, data ...any) (string, error) {
	b, err := marshal(event, meta, data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Encode serializes an envelope to its wire form: JSON text as
// little-endian UTF-16 code units.
func Encode(event string, meta Meta, data ...any) ([]byte, error) {
	text, err := EncodeText(event, meta, data...)
	if err != nil {
		return nil, err
	}
	return binconv.ToBinary(text), nil
}

func marshal(event string, meta Meta, data []any) ([]byte, error) {
	if event == "" {
		return nil, ErrEmptyEvent
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if meta == nil {
		meta = Meta{}
	}
	w := wireEnvelope{
		Event: event,
		Meta:  meta,
		Data:  make([]any, len(data)),
	}
	copy(w.Data, data)
	return sonnet.Marshal(w)
}

// Decode parses a wire payload.
func Decode(payload []byte) (*Envelope, error) {
	text, err := binconv.ToString(payload)
	if err != nil {
		return nil, decodeErr(ReasonPayload, "", err)
	}
	return DecodeText(text)
}

// DecodeBinary parses a wire payload carried in a buffer or view.
func DecodeBinary(b Binary) (*Envelope, error) {
	return Decode(b.Contents)
}

// DecodeChunks concatenates chunks and parses the result.
func DecodeChunks(chunks ...[]byte) (*Envelope, error) {
	payload, err := binconv.ConcatBuffers(chunks...)
	if err != nil {
		return nil, decodeErr(ReasonPayload, "", err)
	}
	return Decode(payload)
}

// DecodeText parses an envelope from JSON text.
func DecodeText(text string) (*Envelope, error) {
	var raw map[string]any
	if err := sonnet.Unmarshal([]byte(text), &raw); err != nil {
		return nil, decodeErr(ReasonPayload, "invalid JSON", err)
	}
	if raw == nil {
		return nil, decodeErr(ReasonPayload, "not an object", nil)
	}

	event, ok := raw["event"].(string)
	if !ok {
		return nil, decodeErr(ReasonEvent, "missing or not a string", nil)
	}
	meta, ok := raw["meta"].(map[string]any)
	if !ok {
		return nil, decodeErr(ReasonMeta, "missing or not an object", nil)
	}
	if err := Meta(meta).Validate(); err != nil {
		return nil, err
	}
	data, ok := raw["data"].([]any)
	if !ok {
		return nil, decodeErr(ReasonData, "missing or not an array", nil)
	}
	for i, v := range data {
		u, err := untagValue(v)
		if err != nil {
			return nil, err
		}
		data[i] = u
	}

	return &Envelope{Event: event, Meta: Meta(meta), Data: data}, nil
}

func untagValue(v any) (any, error) {
	switch x := v.(type) {
	case []any:
		for i, e := range x {
			u, err := untagValue(e)
			if err != nil {
				return nil, err
			}
			x[i] = u
		}
		return x, nil
	case map[string]any:
		b, tagged, err := untag(x)
		if err != nil {
			return nil, err
		}
		if tagged {
			return b, nil
		}
		for k, e := range x {
			u, err := untagValue(e)
			if err != nil {
				return nil, err
			}
			x[k] = u
		}
		return x, nil
	default:
		return v, nil
	}
}
