// Package link implements the framed request/response protocol spoken
// between the host and the Battery Interface over a serial line.
//
// Wire layout of one frame:
//
//	SOF(0xA5) | LEN | KIND | SEQ | PAYLOAD[LEN] | CRC32
//
// The CRC is IEEE CRC-32, big-endian, computed over LEN..PAYLOAD.
package link

import (
	"encoding/binary"
	"hash/crc32"

	"codeberg.org/mutker/battester/internal/errors"
)

const (
	SOF        byte = 0xA5
	MaxPayload      = 32

	headerLen  = 3 // LEN, KIND, SEQ
	trailerLen = 4
	// MaxFrameLen is the largest encoded frame, SOF included.
	MaxFrameLen = 1 + headerLen + MaxPayload + trailerLen
)

// Frame is one decoded link frame.
type Frame struct {
	Kind    Kind
	Seq     uint8
	Payload []byte
}

// Encode serializes f into its wire form.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, errors.New().WithData(ErrFrameTooLong, struct {
			Kind string
			Len  int
		}{
			Kind: f.Kind.String(),
			Len:  len(f.Payload),
		})
	}

	out := make([]byte, 0, 1+headerLen+len(f.Payload)+trailerLen)
	out = append(out, SOF, byte(len(f.Payload)), byte(f.Kind), f.Seq)
	out = append(out, f.Payload...)
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out[1:]))

	return out, nil
}
