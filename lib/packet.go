package lib

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strconv"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Packet is one datagram of the transfer protocol.
type Packet struct {
	Type    PacketType // Type selects how Payload is interpreted
	Flags   uint8      // Flags is reserved and always zero on send
	Seq     uint16     // Seq is the sequence number of this packet
	Ack     uint16     // Ack is the acknowledged sequence number (ACK packets only)
	Payload []byte     // Payload is file bytes for DATA and FileInfo for FILE_INFO
	chunk   *rp.Element
}

func NewPacket(ptype PacketType, seq, ack uint16, payload []byte) *Packet {
	return &Packet{
		Type:    ptype,
		Seq:     seq,
		Ack:     ack,
		Payload: payload,
	}
}

func newAckPacket(ack uint16) *Packet {
	return NewPacket(AckPacket, 0, ack, nil)
}

// Marshal converts a Packet to a newly allocated byte slice.
func (p *Packet) Marshal() []byte {
	buffer := make([]byte, HeaderLength+len(p.Payload))
	p.MarshalTo(buffer)
	return buffer
}

// MarshalTo writes the header and payload into buffer and returns the frame length.
func (p *Packet) MarshalTo(buffer []byte) (int, error) {
	frameLength := HeaderLength + len(p.Payload)
	if frameLength > len(buffer) {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold the frame (%d)", len(buffer), frameLength)
	}
	buffer[0] = byte(p.Type)
	buffer[1] = p.Flags
	binary.BigEndian.PutUint16(buffer[2:4], p.Seq)
	binary.BigEndian.PutUint16(buffer[4:6], p.Ack)
	copy(buffer[HeaderLength:], p.Payload)
	return frameLength, nil
}

// Unmarshal decodes a datagram. The returned payload aliases data.
func Unmarshal(data []byte) (*Packet, error) {
	if len(data) < HeaderLength {
		return nil, newFormatError("the length(%d) of data is shorter than the header", len(data))
	}
	p := &Packet{
		Type:  PacketType(data[0]),
		Flags: data[1],
		Seq:   binary.BigEndian.Uint16(data[2:4]),
		Ack:   binary.BigEndian.Uint16(data[4:6]),
	}
	if len(data) > HeaderLength {
		p.Payload = data[HeaderLength:]
	}
	return p, nil
}

// Validate checks type and payload limits. Receivers drop packets that fail it.
func (p *Packet) Validate() error {
	switch p.Type {
	case DataPacket:
		if len(p.Payload) > MaxPayloadSize {
			return newFormatError("DATA payload of %d bytes exceeds %d", len(p.Payload), MaxPayloadSize)
		}
	case AckPacket, FinishPacket:
		if len(p.Payload) != 0 {
			return newFormatError("%s carries a %d byte payload", p.Type, len(p.Payload))
		}
	case FileInfoPacket:
		if len(p.Payload) == 0 {
			return newFormatError("empty FILE_INFO payload")
		}
	default:
		return newFormatError("unknown packet type %d", uint8(p.Type))
	}
	return nil
}

// CopyToPayload moves the payload into a pooled chunk so the caller's read
// buffer can be reused. The chunk must be given back with ReturnChunk.
func (p *Packet) CopyToPayload(src []byte) error {
	if len(src) == 0 {
		p.Payload = nil
		return nil
	}
	elem, payload, err := getChunk(src)
	if err != nil {
		return fmt.Errorf("packet copy to payload: %w", err)
	}
	p.chunk = elem
	p.Payload = payload
	return nil
}

func (p *Packet) ReturnChunk() {
	if p.chunk != nil {
		returnChunk(p.chunk)
		p.chunk = nil
		p.Payload = nil
	}
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s seq=%d ack=%d len=%d", p.Type, p.Seq, p.Ack, len(p.Payload))
}

// FileInfo is the metadata announced before any DATA packet.
type FileInfo struct {
	Filename  string
	TotalSize uint64
}

// EncodeFileInfo builds a FILE_INFO payload: filename, NUL, decimal size.
func EncodeFileInfo(info FileInfo) []byte {
	buf := make([]byte, 0, len(info.Filename)+21)
	buf = append(buf, info.Filename...)
	buf = append(buf, 0)
	return strconv.AppendUint(buf, info.TotalSize, 10)
}

// DecodeFileInfo parses a FILE_INFO payload.
func DecodeFileInfo(payload []byte) (FileInfo, error) {
	nul := bytes.IndexByte(payload, 0)
	if nul == -1 {
		return FileInfo{}, newFormatError("FILE_INFO payload has no NUL delimiter")
	}
	name := string(payload[:nul])
	if err := checkFilename(name); err != nil {
		return FileInfo{}, err
	}
	size, err := strconv.ParseUint(string(payload[nul+1:]), 10, 64)
	if err != nil {
		return FileInfo{}, newFormatError("FILE_INFO size %q is not a decimal number", payload[nul+1:])
	}
	return FileInfo{Filename: name, TotalSize: size}, nil
}

// checkFilename rejects names that do not reduce to a plain file name.
func checkFilename(name string) error {
	if name == "" {
		return newFormatError("empty filename")
	}
	base := filepath.Base(name)
	if base == "." || base == ".." || base == string(filepath.Separator) || base == "/" {
		return newFormatError("filename %q does not name a file", name)
	}
	return nil
}
