package lib

import (
	"fmt"
	"log/slog"
	"sync"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var (
	emptySlice []byte
	// Pool holds the payload chunks shared by senders and receivers of this process.
	Pool     *rp.RingPool
	poolOnce sync.Once
)

// InitPool creates the payload pool. Only the first call has any effect;
// senders and receivers call it with their configured size.
func InitPool(size int) {
	poolOnce.Do(func() {
		if size <= 0 {
			size = DefaultPayloadPoolSize
		}
		emptySlice = make([]byte, MaxPayloadSize)
		Pool = rp.NewRingPool("transfer: ", size, NewPayload, MaxPayloadSize)
		slog.Debug("payload pool created", "chunks", size, "chunkSize", MaxPayloadSize)
	})
}

// Payload is a fixed-capacity byte buffer handed out by Pool.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool element. The only parameter is the buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	bufferLength := MaxPayloadSize
	if len(params) == 1 {
		if n, ok := params[0].(int); ok && n > 0 {
			bufferLength = n
		}
	}
	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// SetContent sets the content of the payload
func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

// Reset clears the content of the payload
func (p *Payload) Reset() {
	copy(p.payloadBytes, emptySlice)
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source (%d bytes) is longer than buffer (%d bytes)", len(src), len(p.payloadBytes))
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// getChunk copies src into a pooled chunk. A nil element means the pool had
// nothing to give and the returned slice is a private heap copy.
func getChunk(src []byte) (*rp.Element, []byte, error) {
	InitPool(0)
	if len(src) > MaxPayloadSize {
		return nil, nil, newFormatError("payload of %d bytes exceeds chunk size %d", len(src), MaxPayloadSize)
	}
	elem := Pool.GetElement()
	if elem == nil {
		return nil, append([]byte(nil), src...), nil
	}
	payload, ok := elem.Data.(*Payload)
	if !ok {
		Pool.ReturnElement(elem)
		return nil, append([]byte(nil), src...), nil
	}
	if err := payload.Copy(src); err != nil {
		Pool.ReturnElement(elem)
		return nil, nil, err
	}
	return elem, payload.GetSlice(), nil
}

func returnChunk(elem *rp.Element) {
	if elem != nil {
		Pool.ReturnElement(elem)
	}
}
