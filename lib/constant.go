package lib

import "time"

// PacketType is the first header byte of every datagram.
type PacketType uint8

// Packet type constants
const (
	DataPacket     PacketType = 1
	AckPacket      PacketType = 2
	FileInfoPacket PacketType = 4
	FinishPacket   PacketType = 5
)

func (t PacketType) String() string {
	switch t {
	case DataPacket:
		return "DATA"
	case AckPacket:
		return "ACK"
	case FileInfoPacket:
		return "FILE_INFO"
	case FinishPacket:
		return "FINISH"
	default:
		return "UNKNOWN"
	}
}

const (
	HeaderLength   = 6    // type(1) flags(1) seq(2) ack(2)
	MaxPayloadSize = 4096 // largest DATA payload, matches the path MTU assumption
	MaxDatagramLen = HeaderLength + MaxPayloadSize
	readBufferLen  = 65536 // read buffer big enough for any UDP datagram
)

// sender defaults
const (
	DefaultWindowCapacity    = 4
	DefaultChunkSize         = MaxPayloadSize
	DefaultMetadataTimeout   = 5 * time.Second
	DefaultMetadataRetries   = 3
	DefaultAckPollTimeout    = 100 * time.Millisecond
	DefaultRetransmitTimeout = time.Second
	DefaultFinishTimeout     = time.Second
	DefaultFinishRetries     = 3
)

// receiver defaults
const (
	DefaultReadTimeout     = 500 * time.Millisecond
	DefaultSessionQueueLen = 64
	DefaultMaxGapPackets   = 256
	DefaultCompletedTTL    = 30 * time.Second
	DefaultSessionIdle     = 30 * time.Second
	DefaultPayloadPoolSize = 2000
	DefaultPartialDir      = "partial_transfers"
	DefaultDestinationDir  = "."
	janitorInterval        = time.Second
	maxRecentReports       = 100
)

// sender transfer states
const (
	StateInit            = 0
	StateSendingMetadata = 1
	StateTransferring    = 2
	StateFinishing       = 3
	StateDone            = 4
	StateFailed          = 5
)

// receiver session states
const (
	StateAwaitingMetadata = 0
	StateReceiving        = 1
	StateComplete         = 2
	StateAborted          = 3
)
