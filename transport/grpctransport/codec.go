// Package grpctransport implements transport.Transport and transport.Master
// over gRPC, without a .proto/protoc build step: RPCs are registered by
// hand as a grpc.ServiceDesc (the shape protoc-gen-go-grpc would otherwise
// generate), and messages are encoded with a hand-registered gRPC
// encoding.Codec named "arrowlog" that delegates to package codec instead
// of protobuf — reusing the same bit-exact framer as every on-disk format
// (SPEC_FULL.md §4.9). Interceptors follow grpc-ecosystem/go-grpc-
// middleware's chain-then-install pattern for logging and panic recovery.
package grpctransport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is negotiated via the "grpc+arrowlog" content-subtype; both
// client and server register it so no protobuf codec is ever touched.
const codecName = "arrowlog"

// wireMessage is implemented by every request/response type exchanged over
// this transport; it lets arrowlogCodec stay generic instead of special-
// casing each RPC.
type wireMessage interface {
	MarshalWire() []byte
	UnmarshalWire([]byte) error
}

type arrowlogCodec struct{}

func (arrowlogCodec) Name() string { return codecName }

func (arrowlogCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("grpctransport: %T does not implement wireMessage", v)
	}
	return m.MarshalWire(), nil
}

func (arrowlogCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("grpctransport: %T does not implement wireMessage", v)
	}
	return m.UnmarshalWire(data)
}

func init() {
	encoding.RegisterCodec(arrowlogCodec{})
}
