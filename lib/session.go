package lib

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// ReportStatus is the final state of a receiver session.
type ReportStatus int

const (
	ReportComplete   ReportStatus = iota // all declared bytes received and finalized
	ReportIncomplete                     // FINISH arrived before all bytes did
	ReportAborted                        // replaced by new metadata, idle too long or receiver shutdown
	ReportFailed                         // sink failure or declared size exceeded
)

func (s ReportStatus) String() string {
	switch s {
	case ReportComplete:
		return "complete"
	case ReportIncomplete:
		return "incomplete"
	case ReportAborted:
		return "aborted"
	case ReportFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Report describes a finished or abandoned transfer on the receiver.
type Report struct {
	ID            string
	Peer          string
	Filename      string
	Path          string // final path, set for complete transfers
	TotalSize     uint64
	ReceivedBytes uint64
	Status        ReportStatus
	Err           error
	Duration      time.Duration
	FinishedAt    time.Time
}

// SessionStatus is a snapshot of a live session.
type SessionStatus struct {
	ID            string
	Peer          string
	Filename      string
	TotalSize     uint64
	ReceivedBytes uint64
	State         int
	StartedAt     time.Time
}

// session is the per-peer receive state machine. All its packets are
// applied by its own goroutine in arrival order.
type session struct {
	id          string
	key         string
	peer        net.Addr
	info        FileInfo
	metaSeq     uint16 // SEQ of the FILE_INFO that created the session
	nextSeq     uint16 // next DATA SEQ to apply
	received    atomic.Uint64
	state       atomic.Int32
	sink        Sink
	gap         map[uint16][]byte // DATA that arrived ahead of nextSeq
	inbox       chan *Packet
	closeSignal chan struct{}
	startedAt   time.Time
	registry    *Registry
}

func newSession(r *Registry, id, key string, peer net.Addr, info FileInfo, metaSeq uint16) *session {
	s := &session{
		id:          id,
		key:         key,
		peer:        peer,
		info:        info,
		metaSeq:     metaSeq,
		nextSeq:     SeqIncrement(metaSeq),
		gap:         make(map[uint16][]byte),
		inbox:       make(chan *Packet, r.config.SessionQueueLen),
		closeSignal: make(chan struct{}),
		startedAt:   time.Now(),
		registry:    r,
	}
	s.state.Store(StateAwaitingMetadata)
	return s
}

// enqueue hands a packet to the session goroutine. A full inbox drops the
// packet like the network would; the sender retransmits it.
func (s *session) enqueue(pkt *Packet) {
	select {
	case s.inbox <- pkt:
	default:
		slog.Debug("session queue full, dropping packet", "peer", s.key, "packet", pkt.String())
		pkt.ReturnChunk()
	}
}

func (s *session) status() SessionStatus {
	return SessionStatus{
		ID:            s.id,
		Peer:          s.key,
		Filename:      s.info.Filename,
		TotalSize:     s.info.TotalSize,
		ReceivedBytes: s.received.Load(),
		State:         int(s.state.Load()),
		StartedAt:     s.startedAt,
	}
}

func (s *session) run() {
	defer s.registry.wg.Done()

	idle := s.registry.config.SessionIdleTimeout
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		// an abort wins over queued packets
		select {
		case <-s.closeSignal:
			s.drain(false)
			s.finish(ReportAborted, ErrAborted, "")
			return
		default:
		}

		select {
		case <-s.closeSignal:
			s.drain(false)
			s.finish(ReportAborted, ErrAborted, "")
			return
		case <-timer.C:
			s.expire(idle)
			s.drain(true)
			return
		case pkt := <-s.inbox:
			done := s.handlePacket(pkt)
			pkt.ReturnChunk()
			if done {
				s.drain(true)
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
		}
	}
}

// handlePacket applies one packet and reports whether the session ended.
func (s *session) handlePacket(pkt *Packet) bool {
	switch pkt.Type {
	case FileInfoPacket:
		return s.handleFileInfo(pkt)
	case DataPacket:
		return s.handleData(pkt)
	case FinishPacket:
		return s.handleFinish(pkt)
	}
	return false
}

func (s *session) handleFileInfo(pkt *Packet) bool {
	if s.state.Load() != StateAwaitingMetadata {
		// duplicate announcement of this transfer
		s.ack(s.metaSeq)
		return false
	}
	sink, err := s.registry.newSink(s.id, s.info)
	if err != nil {
		slog.Error("cannot open sink", "peer", s.key, "file", s.info.Filename, "err", err)
		s.end(ReportFailed, err, "")
		return true
	}
	s.sink = sink
	s.state.Store(StateReceiving)
	slog.Info("transfer started", "id", s.id, "peer", s.key, "file", s.info.Filename, "size", s.info.TotalSize)
	if s.info.TotalSize == 0 {
		return s.complete(s.metaSeq)
	}
	s.ack(s.metaSeq)
	return false
}

func (s *session) handleData(pkt *Packet) bool {
	if s.state.Load() != StateReceiving {
		return false
	}
	switch {
	case pkt.Seq == s.nextSeq:
		if err := s.apply(pkt.Payload); err != nil {
			return s.fail(err)
		}
		// flush packets that were waiting for this one
		for {
			payload, ok := s.gap[s.nextSeq]
			if !ok {
				break
			}
			delete(s.gap, s.nextSeq)
			if err := s.apply(payload); err != nil {
				return s.fail(err)
			}
		}
		if s.received.Load() == s.info.TotalSize {
			return s.complete(s.lastApplied())
		}
		s.ack(s.lastApplied())
	case isGreater(pkt.Seq, s.nextSeq):
		// ahead of the receive point: keep it, repeat the last in-order ack
		if _, ok := s.gap[pkt.Seq]; !ok && len(s.gap) < s.registry.config.MaxGapPackets {
			s.gap[pkt.Seq] = append([]byte(nil), pkt.Payload...)
		}
		s.ack(s.lastApplied())
	default:
		// already applied; acknowledge again without writing
		slog.Debug("duplicate DATA", "peer", s.key, "seq", pkt.Seq)
		s.ack(pkt.Seq)
	}
	return false
}

func (s *session) handleFinish(pkt *Packet) bool {
	s.ack(pkt.Seq)
	if s.state.Load() != StateReceiving {
		return false
	}
	received := s.received.Load()
	slog.Warn("transfer incomplete", "id", s.id, "peer", s.key, "file", s.info.Filename,
		"received", received, "total", s.info.TotalSize)
	s.discardSink()
	s.end(ReportIncomplete, &SizeMismatchError{Received: received, Expected: s.info.TotalSize}, "")
	return true
}

func (s *session) lastApplied() uint16 {
	return s.nextSeq - 1
}

// apply appends an in-order payload and advances the receive point.
func (s *session) apply(payload []byte) error {
	received := s.received.Load()
	if received+uint64(len(payload)) > s.info.TotalSize {
		return &SizeMismatchError{Received: received + uint64(len(payload)), Expected: s.info.TotalSize}
	}
	if _, err := s.sink.Write(payload); err != nil {
		return err
	}
	s.received.Store(received + uint64(len(payload)))
	s.nextSeq = SeqIncrement(s.nextSeq)
	return nil
}

// complete finalizes the sink and only then sends the acknowledgment that
// tells the sender every byte arrived.
func (s *session) complete(ack uint16) bool {
	path, err := s.sink.Finalize()
	if err != nil {
		slog.Error("cannot finalize transfer", "id", s.id, "peer", s.key, "file", s.info.Filename, "err", err)
		s.discardSink()
		s.end(ReportFailed, err, "")
		return true
	}
	s.state.Store(StateComplete)
	s.registry.retire(s, &tombstone{
		info:    s.info,
		metaSeq: s.metaSeq,
		lastSeq: s.lastApplied(),
	})
	s.ack(ack)
	s.report(ReportComplete, nil, path)
	return true
}

func (s *session) fail(err error) bool {
	slog.Error("transfer failed", "id", s.id, "peer", s.key, "file", s.info.Filename,
		"received", s.received.Load(), "total", s.info.TotalSize, "err", err)
	s.discardSink()
	s.end(ReportFailed, err, "")
	return true
}

// expire abandons a session whose sender went quiet.
func (s *session) expire(idle time.Duration) {
	slog.Warn("transfer abandoned by peer", "id", s.id, "peer", s.key, "file", s.info.Filename,
		"received", s.received.Load(), "total", s.info.TotalSize, "idle", idle)
	s.discardSink()
	s.end(ReportAborted, &TimeoutError{msg: fmt.Sprintf("no packets from %s for %v", s.key, idle)}, "")
}

// end removes the session from the registry and reports it.
func (s *session) end(status ReportStatus, err error, path string) {
	s.state.Store(StateAborted)
	s.registry.retire(s, nil)
	s.report(status, err, path)
}

// finish handles an abort requested by the registry, which already
// removed the session.
func (s *session) finish(status ReportStatus, err error, path string) {
	s.state.Store(StateAborted)
	s.discardSink()
	s.report(status, err, path)
}

func (s *session) discardSink() {
	if s.sink == nil {
		return
	}
	if err := s.sink.Discard(); err != nil {
		slog.Error("cannot discard partial file", "id", s.id, "err", err)
	}
}

func (s *session) report(status ReportStatus, err error, path string) {
	s.registry.emit(Report{
		ID:            s.id,
		Peer:          s.key,
		Filename:      s.info.Filename,
		Path:          path,
		TotalSize:     s.info.TotalSize,
		ReceivedBytes: s.received.Load(),
		Status:        status,
		Err:           err,
		Duration:      time.Since(s.startedAt),
		FinishedAt:    time.Now(),
	})
}

// drain empties the inbox after the session ended. Packets of a completed
// transfer are still answered from its tombstone.
func (s *session) drain(answer bool) {
	for {
		select {
		case pkt := <-s.inbox:
			if answer {
				s.registry.answerCompleted(s.key, s.peer, pkt)
			}
			pkt.ReturnChunk()
		default:
			return
		}
	}
}

func (s *session) ack(seq uint16) {
	s.registry.sendAck(seq, s.peer)
}

func (s *session) String() string {
	return fmt.Sprintf("session %s (%s, %s)", s.id, s.key, s.info.Filename)
}
