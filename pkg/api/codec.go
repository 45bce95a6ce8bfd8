// Package api implements the operator-facing control plane: a gRPC
// service exposing mount/unmount/freeze/unfreeze/remount/reshard and
// replica CRUD over mTLS, scoped to the tablet manager's own RPC
// surface.
//
// There is no protoc-generated message package here (generated code,
// not hand-written source, so nothing to adapt from). Rather than
// fabricate a protobuf toolchain output by hand, this package registers
// its own grpc codec (msgpack, the same wire format already used for
// the consensus and tablet-manager-to-cell protocols) under the name
// "proto", which is the content-subtype grpc-go selects by default for
// a plain "application/grpc" request. This keeps every other piece of
// the gRPC+mTLS stack genuine (real google.golang.org/grpc transport,
// real credentials.NewTLS, a real grpc.ServiceDesc) while avoiding
// invented generated code. See DESIGN.md for the tradeoff.
package api

import (
	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
	"google.golang.org/grpc/encoding"
)

var mh = &msgpack.MsgpackHandle{}

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	var buf []byte
	enc := msgpack.NewEncoderBytes(&buf, mh)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoderBytes(data, mh)
	return dec.Decode(v)
}

func (msgpackCodec) Name() string {
	return "proto"
}

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}
