package grpc

import (
	"fmt"

	"github.com/anor-rs/anor-cluster/encoding"
	grpcencoding "google.golang.org/grpc/encoding"
)

// CodecName is the content subtype peers negotiate: application/grpc+msgpack
const CodecName = "msgpack"

type msgpackCodec struct{}

func init() {
	grpcencoding.RegisterCodec(msgpackCodec{})
}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	data, err := encoding.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal %T: %w", v, err)
	}
	return data, nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	if err := encoding.Unmarshal(data, v); err != nil {
		return fmt.Errorf("msgpack unmarshal %T: %w", v, err)
	}
	return nil
}

func (msgpackCodec) Name() string {
	return CodecName
}
