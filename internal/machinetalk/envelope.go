// Package machinetalk defines the wire envelope exchanged with the rcmd
// and rcomp services: a discriminated container type carrying component
// and pin lists, protocol parameters, and free-form notes.
package machinetalk

// ContainerType discriminates the purpose of a Container on the wire.
type ContainerType string

const (
	MsgPing ContainerType = "MT_PING"
	MsgPingAcknowledge ContainerType = "MT_PING_ACKNOWLEDGE"

	MsgHalrcompBind        ContainerType = "MT_HALRCOMP_BIND"
	MsgHalrcompBindConfirm ContainerType = "MT_HALRCOMP_BIND_CONFIRM"
	MsgHalrcompBindReject  ContainerType = "MT_HALRCOMP_BIND_REJECT"

	MsgHalrcompSet        ContainerType = "MT_HALRCOMP_SET"
	MsgHalrcompSetReject  ContainerType = "MT_HALRCOMP_SET_REJECT"

	MsgHalrcompFullUpdate        ContainerType = "MT_HALRCOMP_FULL_UPDATE"
	MsgHalrcompIncrementalUpdate ContainerType = "MT_HALRCOMP_INCREMENTAL_UPDATE"

	MsgHalrcommandError ContainerType = "MT_HALRCOMMAND_ERROR"
)

// ValueType mirrors the local pin value types understood by the protocol.
type ValueType string

const (
	ValueBit   ValueType = "HAL_BIT"
	ValueFloat ValueType = "HAL_FLOAT"
	ValueS32   ValueType = "HAL_S32"
	ValueU32   ValueType = "HAL_U32"
)

// PinDirection mirrors the local pin direction understood by the protocol.
type PinDirection string

const (
	DirIn  PinDirection = "HAL_IN"
	DirOut PinDirection = "HAL_OUT"
	DirIO  PinDirection = "HAL_IO"
)

// ProtocolParameters carries publisher-advertised settings. Only the
// keepalive timer is used by this client.
type ProtocolParameters struct {
	KeepaliveTimer int `json:"keepalive_timer,omitempty"` // ms
}

// Pin is one wire-level pin entry. Exactly one of the four value fields is
// populated at a time; the others are left at their zero value and omitted
// on encode.
type Pin struct {
	Name   string       `json:"name,omitempty"`
	Handle uint32       `json:"handle,omitempty"`
	Type   ValueType    `json:"type,omitempty"`
	Dir    PinDirection `json:"dir,omitempty"`

	HalBit   *bool    `json:"halbit,omitempty"`
	HalFloat *float64 `json:"halfloat,omitempty"`
	HalS32   *int32   `json:"hals32,omitempty"`
	HalU32   *uint32  `json:"halu32,omitempty"`
}

// Component is one declared or reported component and its pins.
type Component struct {
	Name     string `json:"name,omitempty"`
	NoCreate bool   `json:"no_create,omitempty"`
	Pin      []Pin  `json:"pin,omitempty"`
}

// Container is the single envelope type transmitted as one DEALER frame or
// as the second of two SUB frames (the first being the topic).
type Container struct {
	Type ContainerType `json:"type"`

	Comp []Component `json:"comp,omitempty"`
	Pin  []Pin       `json:"pin,omitempty"`
	Note []string    `json:"note,omitempty"`

	PParams *ProtocolParameters `json:"pparams,omitempty"`
}

// Reset clears a Container so the same instance can be reused for the next
// outbound send without allocating a fresh one.
func (c *Container) Reset() {
	c.Type = ""
	c.Comp = c.Comp[:0]
	c.Pin = c.Pin[:0]
	c.Note = nil
	c.PParams = nil
}

// Notes concatenates note entries separated by newlines, matching the
// protocol-error convention used by BIND_REJECT/SET_REJECT/HALRCOMMAND_ERROR.
func (c *Container) Notes() string {
	s := ""
	for _, n := range c.Note {
		s += n + "\n"
	}
	return s
}
