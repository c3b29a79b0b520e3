package transport

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

const codecName = "msgpack"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec is a grpc codec for msgpack-encoded messages.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (codec) Name() string {
	return codecName
}
