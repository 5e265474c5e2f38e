package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Encoding selects the wire form of a payload.
type Encoding int

const (
	// Binary is protobuf wire format. Payload bytes are unconstrained.
	Binary Encoding = iota
	// Text is protojson with proto field names. It never contains a NUL.
	Text
)

func (e Encoding) String() string {
	switch e {
	case Binary:
		return "binary"
	case Text:
		return "text"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// DecodeError reports a payload that does not parse as the expected message.
type DecodeError struct {
	Message  protoreflect.FullName
	Encoding Encoding
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed %s payload for %s: %v", e.Encoding, e.Message, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	textMarshal   = protojson.MarshalOptions{UseProtoNames: true}
	textUnmarshal = protojson.UnmarshalOptions{}
	wireMarshal   = proto.MarshalOptions{Deterministic: true}
)

// Marshal encodes v, a struct from this package, as message md.
func Marshal(md protoreflect.MessageDescriptor, v any, enc Encoding) ([]byte, error) {
	msg, err := toDynamic(md, v)
	if err != nil {
		return nil, err
	}
	switch enc {
	case Binary:
		return wireMarshal.Marshal(msg)
	case Text:
		return textMarshal.Marshal(msg)
	default:
		return nil, fmt.Errorf("unknown encoding %v", enc)
	}
}

// Unmarshal decodes data, encoded as message md, into v.
func Unmarshal(md protoreflect.MessageDescriptor, data []byte, enc Encoding, v any) error {
	msg := dynamicpb.NewMessage(md)
	var err error
	switch enc {
	case Binary:
		err = proto.Unmarshal(data, msg)
	case Text:
		if len(bytes.TrimSpace(data)) == 0 {
			data = []byte("{}")
		}
		err = textUnmarshal.Unmarshal(data, msg)
	default:
		err = fmt.Errorf("unknown encoding %v", enc)
	}
	if err != nil {
		return &DecodeError{Message: md.FullName(), Encoding: enc, Err: err}
	}
	return fromDynamic(msg, v)
}

// Transcode converts a payload between encodings without a Go struct.
func Transcode(md protoreflect.MessageDescriptor, data []byte, from, to Encoding) ([]byte, error) {
	if from == to {
		return data, nil
	}
	var raw json.RawMessage
	if err := Unmarshal(md, data, from, &raw); err != nil {
		return nil, err
	}
	return Marshal(md, raw, to)
}

// DecodeRequest decodes a request payload for m.
func (m *Method) DecodeRequest(data []byte, enc Encoding, v any) error {
	return Unmarshal(m.Input, data, enc, v)
}

// EncodeRequest encodes a request for m.
func (m *Method) EncodeRequest(v any, enc Encoding) ([]byte, error) {
	return Marshal(m.Input, v, enc)
}

// DecodeResponse decodes a response payload for m.
func (m *Method) DecodeResponse(data []byte, enc Encoding, v any) error {
	return Unmarshal(m.Output, data, enc, v)
}

// EncodeResponse encodes a response for m.
func (m *Method) EncodeResponse(v any, enc Encoding) ([]byte, error) {
	return Marshal(m.Output, v, enc)
}

// toDynamic maps a Go value onto md through its JSON form. protojson is
// strict, so a Go struct that drifted from the schema fails here.
func toDynamic(md protoreflect.MessageDescriptor, v any) (*dynamicpb.Message, error) {
	js, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", md.FullName(), err)
	}
	msg := dynamicpb.NewMessage(md)
	if err := textUnmarshal.Unmarshal(js, msg); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", md.FullName(), err)
	}
	return msg, nil
}

func fromDynamic(msg *dynamicpb.Message, v any) error {
	js, err := textMarshal.Marshal(msg)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", msg.Descriptor().FullName(), err)
	}
	if err := json.Unmarshal(js, v); err != nil {
		return fmt.Errorf("decoding %s: %w", msg.Descriptor().FullName(), err)
	}
	return nil
}
