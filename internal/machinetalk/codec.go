package machinetalk

import "encoding/json"

// Codec serializes and deserializes Container envelopes. The wire format
// is treated as a provided, schema-driven collaborator; this interface
// lets endpoints stay agnostic of which concrete codec is in use.
type Codec interface {
	Encode(c *Container) ([]byte, error)
	Decode(b []byte, c *Container) error
}

// JSONCodec is the default Codec implementation. It round-trips a
// Container through encoding/json, which is sufficient for the single-frame
// (rcmd) and two-frame (rcomp) transports this client speaks.
type JSONCodec struct{}

func NewJSONCodec() *JSONCodec { return &JSONCodec{} }

func (JSONCodec) Encode(c *Container) ([]byte, error) {
	return json.Marshal(c)
}

func (JSONCodec) Decode(b []byte, c *Container) error {
	return json.Unmarshal(b, c)
}
