package indexes

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec converts index keys and values to and from stored bytes. Key codecs
// must preserve ordering where an index relies on range scans; Uint64BE and
// Raw do, JSON and CBOR generally do not.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Stock codecs.
var (
	CBOR     Codec = cborCodec{}
	JSON     Codec = jsonCodec{}
	Raw      Codec = rawCodec{}
	Uint64BE Codec = uint64Codec{}
)

type cborCodec struct{}

var codecEncMode, _ = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()

func (cborCodec) Marshal(v any) ([]byte, error) {
	return codecEncMode.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec wants []byte, got %T", v)
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	out, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec wants *[]byte, got %T", v)
	}
	*out = data
	return nil
}

// uint64Codec stores 8 big-endian bytes, so byte order equals numeric
// order.
type uint64Codec struct{}

func (uint64Codec) Marshal(v any) ([]byte, error) {
	n, ok := v.(uint64)
	if !ok {
		return nil, fmt.Errorf("uint64 codec wants uint64, got %T", v)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return buf[:], nil
}

func (uint64Codec) Unmarshal(data []byte, v any) error {
	out, ok := v.(*uint64)
	if !ok {
		return fmt.Errorf("uint64 codec wants *uint64, got %T", v)
	}
	if len(data) != 8 {
		return fmt.Errorf("uint64 codec wants 8 bytes, got %d", len(data))
	}
	*out = binary.BigEndian.Uint64(data)
	return nil
}
