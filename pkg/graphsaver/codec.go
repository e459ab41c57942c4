package graphsaver

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/randalmurphal/graphsaver/pkg/graphsaver/serde"
)

// payloadCodec encodes every value the store writes and decodes every
// value it reads.
type payloadCodec struct {
	ser serde.Serializer

	// plain writes with the JSON codec instead of ser.
	plain bool
}

// plainSerde writes plain mode rows: JSON text, with raw bytes kept under
// the bytes tag.
var plainSerde = serde.New(serde.JSON{})

func (c payloadCodec) encode(v any) (string, []byte, error) {
	if c.plain {
		return plainSerde.Encode(v)
	}
	return c.ser.Encode(v)
}

// decode reads data written under tag. A serializer that does not know the
// json or bytes tags still reads rows written in plain mode.
func (c payloadCodec) decode(tag string, data []byte, out any) error {
	err := c.ser.Decode(tag, data, out)
	if errors.Is(err, serde.ErrUnknownType) && (tag == serde.TypeJSON || tag == serde.TypeBytes) {
		err = plainSerde.Decode(tag, data, out)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return nil
}

var escapedNUL = []byte(`\u0000`)

// stripNUL removes escaped NUL characters from JSON text, which text
// columns in some databases reject. Other escape sequences are copied
// whole, so an escaped backslash followed by "u0000" is left alone.
func stripNUL(tag string, data []byte) []byte {
	if tag != serde.TypeJSON || !bytes.Contains(data, escapedNUL) {
		return data
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' {
			out = append(out, data[i])
			continue
		}
		if bytes.HasPrefix(data[i:], escapedNUL) {
			i += len(escapedNUL) - 1
			continue
		}
		out = append(out, data[i])
		if i+1 < len(data) {
			i++
			out = append(out, data[i])
		}
	}
	return out
}
