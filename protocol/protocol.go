// Package protocol defines every message that crosses a context boundary:
// the page <-> router port protocol, the extension inter-context protocol and
// the page-visible window envelope. Each message is a concrete struct tagged
// by its Type; decoding goes through a Schema that rejects unknown types and
// validates required fields before a handler ever sees the message.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
	ErrForeign     = errors.New("foreign message source")
)

// Type tags a message variant.
type Type string

// Message is implemented by every variant.
type Message interface {
	MessageType() Type
}

type validator interface {
	Validate() error
}

// Schema is the set of message variants accepted on one boundary.
type Schema struct {
	name  string
	ctors map[Type]func() Message
}

func newSchema(name string, ctors ...func() Message) Schema {
	s := Schema{name: name, ctors: make(map[Type]func() Message, len(ctors))}
	for _, ctor := range ctors {
		s.ctors[ctor().MessageType()] = ctor
	}
	return s
}

// Accepts reports whether t belongs to the schema.
func (s Schema) Accepts(t Type) bool {
	_, ok := s.ctors[t]
	return ok
}

// Decode parses data into the variant named by its "type" field.
func (s Schema) Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, s.name, err)
	}

	ctor, ok := s.ctors[head.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s: %q", ErrUnknownType, s.name, head.Type)
	}

	msg := ctor()
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
	}

	if v, ok := msg.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
		}
	}

	return msg, nil
}

// Encode marshals msg with its "type" tag.
func Encode(msg Message) ([]byte, error) {
	return encodeWith(msg, nil)
}

func encodeWith(msg Message, extra map[string]any) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	fields := map[string]json.RawMessage{}
	if err = json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}

	fields["type"], _ = json.Marshal(msg.MessageType())
	for k, v := range extra {
		if fields[k], err = json.Marshal(v); err != nil {
			return nil, err
		}
	}

	return json.Marshal(fields)
}

// RoundTrip encodes msg and decodes it again through s, giving the receiving
// side its own copy and running validation on the way in.
func (s Schema) RoundTrip(msg Message) (Message, error) {
	data, err := Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s.Decode(data)
}
