package serde

import (
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// JSON is the text codec. Decoded numbers become float64 and objects
// become map[string]any, as with encoding/json.
type JSON struct{}

// Tag implements Codec.
func (JSON) Tag() string { return TypeJSON }

// Marshal implements Codec.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, out any) error { return json.Unmarshal(data, out) }

// CBOR is the binary codec. Maps decode as map[string]any so values read
// back under either codec have the same shape, and times keep nanosecond
// precision.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR builds the CBOR codec.
func NewCBOR() *CBOR {
	enc, err := cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic("serde: invalid cbor encode options: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("serde: invalid cbor decode options: " + err.Error())
	}
	return &CBOR{enc: enc, dec: dec}
}

// Tag implements Codec.
func (*CBOR) Tag() string { return TypeCBOR }

// Marshal implements Codec.
func (c *CBOR) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

// Unmarshal implements Codec.
func (c *CBOR) Unmarshal(data []byte, out any) error { return c.dec.Unmarshal(data, out) }
