package transport

import (
	"bytes"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
)

var msgpackHandle = &msgpack.MsgpackHandle{}

// encode serializes v with the same msgpack codec hashicorp/raft uses for
// its RPC bodies (codec.MsgpackHandle), since no generated wire format is
// available to ground a different choice on.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data), msgpackHandle)
	return dec.Decode(v)
}
