package p2p

import (
	"errors"

	"github.com/dmksnnk/lobby/internal/nbo"
	"github.com/dmksnnk/lobby/internal/platform"
)

// Datagram format (network byte order):
//
//	socket name (uint32 length + bytes)
//	destination channel uint16
//	source channel uint16
//	payload (rest of the datagram)

// maxFrameSize leaves room for QUIC headers within platform.MTU.
const maxFrameSize = platform.MTU - 100

var (
	errFrameTooLarge = errors.New("p2p: message too long")
	errInvalidFrame  = errors.New("p2p: invalid frame")
)

type frame struct {
	socket  string
	dst     uint16
	src     uint16
	payload []byte
}

func (f frame) MarshalBinary() ([]byte, error) {
	w := nbo.NewWriter(maxFrameSize)
	w.WriteString(f.socket)
	w.WriteUint16(f.dst)
	w.WriteUint16(f.src)
	w.WriteBytes(f.payload)

	if w.HasOverflow() {
		return nil, errFrameTooLarge
	}

	return w.Bytes(), nil
}

func (f *frame) UnmarshalBinary(p []byte) error {
	r := nbo.NewReader(p)
	f.socket = r.ReadString()
	f.dst = r.ReadUint16()
	f.src = r.ReadUint16()
	if r.HasOverflow() {
		return errInvalidFrame
	}

	f.payload = r.ReadBytes(r.Remaining())
	return nil
}
