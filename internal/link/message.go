package link

import (
	"encoding/binary"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
)

// Kind identifies a message. Replies carry the request kind with
// ReplyFlag set.
type Kind uint8

const (
	KindSetHeater         Kind = 0x01
	KindGetCurrentAverage Kind = 0x02
	KindGetVoltage        Kind = 0x03
	KindGetElapsedTime    Kind = 0x04
	KindHeartbeat         Kind = 0x05
	KindClearFault        Kind = 0x06

	ReplyFlag Kind = 0x80
)

var kindNames = map[Kind]string{
	KindSetHeater:         "SetHeater",
	KindGetCurrentAverage: "GetCurrentAverage",
	KindGetVoltage:        "GetVoltage",
	KindGetElapsedTime:    "GetElapsedTime",
	KindHeartbeat:         "Heartbeat",
	KindClearFault:        "ClearFault",
}

func (k Kind) String() string {
	base := k &^ ReplyFlag
	name, ok := kindNames[base]
	if !ok {
		name = "Unknown"
	}
	if k.IsReply() {
		return name + "Reply"
	}
	return name
}

// IsReply reports whether k is a reply kind.
func (k Kind) IsReply() bool { return k&ReplyFlag != 0 }

// Reply returns the reply kind for request kind k.
func (k Kind) Reply() Kind { return k | ReplyFlag }

// Known reports whether k (request or reply) is a defined message.
func (k Kind) Known() bool {
	_, ok := kindNames[k&^ReplyFlag]
	return ok
}

// Status is the first byte of every reply payload.
type Status uint8

const (
	StatusOK Status = iota
	// StatusRejected means the BI refused the command because a fault
	// is latched.
	StatusRejected
	// StatusInvalid means an argument was out of range.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRejected:
		return "rejected"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// MaxDuty is the largest SetHeater duty.
const MaxDuty = 100

const flagAllowUndercurrent = 0x01

// SetHeater is the payload of a SetHeater request.
type SetHeater struct {
	Duty              uint8
	AllowUndercurrent bool
}

func (s SetHeater) Encode() []byte {
	var flags byte
	if s.AllowUndercurrent {
		flags |= flagAllowUndercurrent
	}
	return []byte{s.Duty, flags}
}

// DecodeSetHeater parses a SetHeater payload. Duty range is checked by the
// receiver so it can answer StatusInvalid.
func DecodeSetHeater(p []byte) (SetHeater, error) {
	if len(p) != 2 {
		return SetHeater{}, malformed(KindSetHeater, len(p))
	}
	return SetHeater{Duty: p[0], AllowUndercurrent: p[1]&flagAllowUndercurrent != 0}, nil
}

// Reply is a decoded reply payload. Every reply carries the BI's latched
// fault so the host observes it on its next request.
type Reply struct {
	Status Status
	Fault  domain.FaultKind
	Data   []byte
}

func (r Reply) Encode() []byte {
	out := make([]byte, 0, 2+len(r.Data))
	out = append(out, byte(r.Status), byte(r.Fault))
	return append(out, r.Data...)
}

// DecodeReply parses a reply payload for request kind k and checks that the
// data length matches what k carries.
func DecodeReply(k Kind, p []byte) (Reply, error) {
	if len(p) < 2 {
		return Reply{}, malformed(k, len(p))
	}
	r := Reply{Status: Status(p[0]), Fault: domain.FaultKind(p[1]), Data: p[2:]}
	if !r.Fault.Valid() {
		return Reply{}, malformed(k, len(p))
	}
	if r.Status == StatusOK && len(r.Data) != replyDataLen(k) {
		return Reply{}, malformed(k, len(p))
	}
	return r, nil
}

func replyDataLen(k Kind) int {
	switch k &^ ReplyFlag {
	case KindGetCurrentAverage, KindGetVoltage:
		return 2
	case KindGetElapsedTime:
		return 4
	default:
		return 0
	}
}

// Uint16 and Uint32 encode reply values big-endian.
func Uint16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }

func Uint32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

// MilliAmps decodes a GetCurrentAverage value.
func (r Reply) MilliAmps() domain.MilliAmps {
	return domain.MilliAmps(binary.BigEndian.Uint16(r.Data))
}

// MilliVolts decodes a GetVoltage value.
func (r Reply) MilliVolts() domain.MilliVolts {
	return domain.MilliVolts(binary.BigEndian.Uint16(r.Data))
}

// Millis decodes a GetElapsedTime value.
func (r Reply) Millis() uint32 {
	return binary.BigEndian.Uint32(r.Data)
}

func malformed(k Kind, n int) error {
	return errors.New().WithData(ErrMalformedPayload, struct {
		Kind string
		Len  int
	}{
		Kind: k.String(),
		Len:  n,
	})
}
