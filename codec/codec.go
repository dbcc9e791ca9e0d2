// Package codec defines the message serialization contract for calls. The
// transport treats message payloads as opaque length-prefixed bytes; a Codec
// converts between application values and those bytes.
package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Codec marshals and unmarshals messages for a call.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Name() string
}

// Proto is a Codec for protobuf messages.
type Proto struct{}

func (Proto) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("codec: %T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

func (Proto) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("codec: %T is not a proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}

func (Proto) Name() string { return "proto" }

// Bytes is a Codec for raw []byte and *[]byte messages. It is used by the
// in-repo test service and by callers that frame their own payloads.
type Bytes struct{}

func (Bytes) Marshal(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return nil, fmt.Errorf("codec: %T is not a byte slice", v)
}

func (Bytes) Unmarshal(data []byte, v interface{}) error {
	out, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("codec: %T is not a *[]byte", v)
	}
	*out = append((*out)[:0], data...)
	return nil
}

func (Bytes) Name() string { return "bytes" }
