// Package codec holds the CBOR encoding used for job arguments, job
// results and RPC messages. The same modes are registered with gRPC so
// both sides of a connection agree on the wire encoding.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// Name is the gRPC content subtype ("application/grpc+cbor").
const Name = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	encoding.RegisterCodec(grpcCodec{})
}

// Marshal encodes v with Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is an encoded CBOR value whose decoding is delayed.
type RawMessage = cbor.RawMessage

type grpcCodec struct{}

func (grpcCodec) Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (grpcCodec) Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func (grpcCodec) Name() string {
	return Name
}
