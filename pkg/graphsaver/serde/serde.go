// Package serde encodes values into type-tagged bytes and back.
//
// Every stored payload carries the tag of the codec that produced it, so a
// database may hold rows written by different codecs and each is decoded
// with the right one.
package serde

import (
	"errors"
	"fmt"
)

// Type tags written next to encoded payloads.
const (
	TypeJSON  = "json"
	TypeCBOR  = "cbor"
	TypeBytes = "bytes"
)

// ErrUnknownType indicates a payload whose tag has no registered codec.
var ErrUnknownType = errors.New("unknown serde type")

// Serializer turns values into (tag, bytes) pairs and back.
// Encoding must be deterministic per tag for the lifetime of a store.
type Serializer interface {
	// Encode returns the tag of the codec used and the encoded bytes.
	Encode(v any) (tag string, data []byte, err error)

	// Decode decodes data written under tag into out, which must be a
	// non-nil pointer.
	Decode(tag string, data []byte, out any) error
}

// Codec is one encoding registered with a Typed serializer.
type Codec interface {
	Tag() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, out any) error
}

// Typed encodes with a primary codec and decodes any registered tag.
// Raw []byte values bypass the codec and are stored under TypeBytes.
type Typed struct {
	primary Codec
	codecs  *Registry
}

// Compile-time interface check.
var _ Serializer = (*Typed)(nil)

// New returns a serializer that encodes with primary and can also decode
// the tags of extra.
func New(primary Codec, extra ...Codec) *Typed {
	r := NewRegistry()
	r.Register(primary)
	for _, c := range extra {
		r.Register(c)
	}
	return &Typed{primary: primary, codecs: r}
}

// Default returns a JSON-encoding serializer that also decodes CBOR.
func Default() *Typed {
	return New(JSON{}, NewCBOR())
}

// Encode implements Serializer.
func (s *Typed) Encode(v any) (string, []byte, error) {
	if b, ok := v.([]byte); ok {
		return TypeBytes, append([]byte(nil), b...), nil
	}
	data, err := s.primary.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", s.primary.Tag(), err)
	}
	return s.primary.Tag(), data, nil
}

// Decode implements Serializer.
func (s *Typed) Decode(tag string, data []byte, out any) error {
	if tag == TypeBytes {
		return decodeBytes(data, out)
	}
	c, ok := s.codecs.Get(tag)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, tag)
	}
	if err := c.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", tag, err)
	}
	return nil
}

// Tags returns the tags this serializer can decode.
func (s *Typed) Tags() []string {
	return append(s.codecs.Tags(), TypeBytes)
}

func decodeBytes(data []byte, out any) error {
	b := append([]byte(nil), data...)
	switch p := out.(type) {
	case *[]byte:
		*p = b
	case *any:
		*p = b
	default:
		return fmt.Errorf("decode %s into %T", TypeBytes, out)
	}
	return nil
}
