package lib

import (
	"sort"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// windowEntry represents a DATA packet that is sent but not yet acknowledged
type windowEntry struct {
	seq         uint16
	payload     []byte
	sentAt      time.Time // Time the packet was last sent
	resendCount int       // Number of times the packet has been resent
	chunk       *rp.Element
}

// SendWindow tracks the in-flight DATA packets of one transfer. Entries are
// keyed by SEQ and retired by cumulative acknowledgment.
type SendWindow struct {
	mutex    sync.Mutex
	capacity int
	baseSeq  uint16 // oldest unacknowledged SEQ
	nextSeq  uint16 // SEQ assigned to the next pushed packet
	entries  map[uint16]*windowEntry
}

func NewSendWindow(capacity int, firstSeq uint16) *SendWindow {
	if capacity <= 0 {
		capacity = DefaultWindowCapacity
	}
	return &SendWindow{
		capacity: capacity,
		baseSeq:  firstSeq,
		nextSeq:  firstSeq,
		entries:  make(map[uint16]*windowEntry),
	}
}

func (w *SendWindow) Len() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return len(w.entries)
}

func (w *SendWindow) Full() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return len(w.entries) >= w.capacity
}

func (w *SendWindow) Empty() bool {
	return w.Len() == 0
}

func (w *SendWindow) Capacity() int {
	return w.capacity
}

// NextSeq returns the SEQ the next pushed packet will get.
func (w *SendWindow) NextSeq() uint16 {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.nextSeq
}

// Push assigns the next SEQ to payload and records it as sent now. The window
// keeps a pooled copy of payload until the entry is retired.
func (w *SendWindow) Push(payload []byte, now time.Time) (uint16, []byte, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if len(w.entries) >= w.capacity {
		return 0, nil, ErrWindowFull
	}
	chunk, stored, err := getChunk(payload)
	if err != nil {
		return 0, nil, err
	}
	seq := w.nextSeq
	w.entries[seq] = &windowEntry{
		seq:     seq,
		payload: stored,
		sentAt:  now,
		chunk:   chunk,
	}
	w.nextSeq = SeqIncrement(seq)
	return seq, stored, nil
}

// Retire handles a cumulative acknowledgment: every entry from the window
// base up to and including ack is removed. Acks that fall before the base
// or beyond the last assigned SEQ retire nothing. It returns the number of
// packets and payload bytes retired.
func (w *SendWindow) Retire(ack uint16) (int, int) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	outstanding := seqDistance(w.baseSeq, w.nextSeq)
	covered := seqDistance(w.baseSeq, ack) + 1
	if outstanding == 0 || covered > outstanding {
		return 0, 0
	}

	retired, retiredBytes := 0, 0
	for i := 0; i < covered; i++ {
		seq := SeqIncrementBy(w.baseSeq, uint16(i))
		entry, ok := w.entries[seq]
		if !ok {
			continue
		}
		delete(w.entries, seq)
		retiredBytes += len(entry.payload)
		returnChunk(entry.chunk)
		retired++
	}
	w.baseSeq = SeqIncrement(ack)
	return retired, retiredBytes
}

// Expired returns the entries whose last transmission is older than rto,
// oldest SEQ first.
func (w *SendWindow) Expired(now time.Time, rto time.Duration) []windowEntry {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	expired := make([]windowEntry, 0)
	for _, entry := range w.entries {
		if now.Sub(entry.sentAt) > rto {
			expired = append(expired, *entry)
		}
	}
	base := w.baseSeq
	sort.Slice(expired, func(i, j int) bool {
		return seqDistance(base, expired[i].seq) < seqDistance(base, expired[j].seq)
	})
	return expired
}

// Touch refreshes the send time of a retransmitted entry and returns its resend count.
func (w *SendWindow) Touch(seq uint16, now time.Time) int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	entry, ok := w.entries[seq]
	if !ok {
		return 0
	}
	entry.sentAt = now
	entry.resendCount++
	return entry.resendCount
}

// Clear drops every entry and returns their chunks to the pool.
func (w *SendWindow) Clear() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	for seq, entry := range w.entries {
		returnChunk(entry.chunk)
		delete(w.entries, seq)
	}
	w.baseSeq = w.nextSeq
}
