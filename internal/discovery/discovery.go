// Package discovery advertises and finds LAN sessions with UDP broadcast.
//
// Every packet starts with a fixed header (network byte order):
//
//	[0:4]   Magic: 'L','O','B','Y'
//	[4]     Version: 0x01
//	[5]     Type: 0x01=query, 0x02=response
//	[6:10]  Bucket ID: only packets of the same bucket are handled
//	[10:18] Nonce: random per search, echoed in responses
//
// The body after the header is opaque to this package.
package discovery

import (
	"encoding"
	"errors"
	"fmt"

	"github.com/dmksnnk/lobby/internal/nbo"
)

const (
	magic   uint32 = 0x4c4f4259 // 'LOBY'
	version byte   = 0x01

	// HeaderSize is the size of the packet header.
	HeaderSize = 18
)

// PacketType is a type of beacon packet.
type PacketType byte

const (
	Query    PacketType = 0x01
	Response PacketType = 0x02
)

func (t PacketType) String() string {
	switch t {
	case Query:
		return "query"
	case Response:
		return "response"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

var errInvalidPacket = errors.New("discovery: invalid packet")

// Header starts every beacon packet.
type Header struct {
	Type     PacketType
	BucketID uint32
	Nonce    uint64
}

var (
	_ encoding.BinaryAppender    = Header{}
	_ encoding.BinaryUnmarshaler = &Header{}
)

// AppendBinary appends the header in its wire format.
func (h Header) AppendBinary(b []byte) ([]byte, error) {
	w := nbo.NewWriter(HeaderSize)
	w.WriteUint32(magic)
	w.WriteUint8(version)
	w.WriteUint8(byte(h.Type))
	w.WriteUint32(h.BucketID)
	w.WriteUint64(h.Nonce)

	return append(b, w.Bytes()...), nil
}

// UnmarshalBinary decodes the header from the beginning of p.
func (h *Header) UnmarshalBinary(p []byte) error {
	if len(p) < HeaderSize {
		return errInvalidPacket
	}

	r := nbo.NewReader(p[:HeaderSize])
	if r.ReadUint32() != magic || r.ReadUint8() != version {
		return errInvalidPacket
	}

	typ := PacketType(r.ReadUint8())
	if typ != Query && typ != Response {
		return errInvalidPacket
	}

	h.Type = typ
	h.BucketID = r.ReadUint32()
	h.Nonce = r.ReadUint64()
	return nil
}

// NewPacket builds a packet from a header and a body.
func NewPacket(h Header, body []byte) ([]byte, error) {
	pkt := make([]byte, 0, HeaderSize+len(body))
	pkt, err := h.AppendBinary(pkt)
	if err != nil {
		return nil, err
	}

	return append(pkt, body...), nil
}
