package lib

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// tombstone remembers a completed transfer so that retransmissions that
// cross the final acknowledgment are still answered.
type tombstone struct {
	info    FileInfo
	metaSeq uint16
	lastSeq uint16 // SEQ of the last DATA packet applied
	expires time.Time
}

// covers reports whether seq is one of the DATA SEQs of the transfer.
func (t *tombstone) covers(seq uint16) bool {
	d := seqDistance(t.metaSeq, seq)
	return d >= 1 && d <= seqDistance(t.metaSeq, t.lastSeq)
}

// Registry maps peers to their active sessions. A peer has at most one
// active session; the newest FILE_INFO wins.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*session
	completed map[string]*tombstone
	closed    bool

	config  *ReceiverConfig
	send    func(b []byte, addr net.Addr) error
	newSink SinkFactory

	reportMu sync.Mutex
	reports  []Report

	wg          sync.WaitGroup
	closeSignal chan struct{}
}

func NewRegistry(config *ReceiverConfig, send func(b []byte, addr net.Addr) error, newSink SinkFactory) *Registry {
	config.normalize()
	r := &Registry{
		sessions:    make(map[string]*session),
		completed:   make(map[string]*tombstone),
		config:      config,
		send:        send,
		newSink:     newSink,
		closeSignal: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.janitor()
	return r
}

// Route hands a validated packet from peer to its session. It never blocks
// on a session, so one slow transfer cannot stall the others.
func (r *Registry) Route(peer net.Addr, pkt *Packet) {
	key := peerKey(peer)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		pkt.ReturnChunk()
		return
	}

	s := r.sessions[key]
	switch pkt.Type {
	case FileInfoPacket:
		info, err := DecodeFileInfo(pkt.Payload)
		pkt.ReturnChunk()
		if err != nil {
			slog.Warn("dropping FILE_INFO", "peer", key, "err", err)
			return
		}
		pkt.Payload = nil
		if s != nil {
			if s.metaSeq == pkt.Seq && s.info == info {
				s.enqueue(pkt)
				return
			}
			slog.Info("new metadata replaces active transfer", "peer", key, "old", s.info.Filename, "new", info.Filename)
			r.abortLocked(s)
		} else if t, ok := r.completed[key]; ok {
			if t.metaSeq == pkt.Seq && t.info == info {
				r.sendAck(pkt.Seq, peer)
				return
			}
			delete(r.completed, key)
		}
		s = newSession(r, uuid.NewString(), key, peer, info, pkt.Seq)
		r.sessions[key] = s
		r.wg.Add(1)
		go s.run()
		s.enqueue(pkt)

	case DataPacket, FinishPacket:
		if s != nil {
			s.enqueue(pkt)
			return
		}
		if !r.answerCompletedLocked(key, peer, pkt) {
			slog.Debug("packet from unknown peer", "peer", key, "packet", pkt.String(), "err", ErrUnknownPeer)
		}
		pkt.ReturnChunk()

	default:
		pkt.ReturnChunk()
	}
}

// answerCompleted re-acknowledges DATA or FINISH of a completed transfer.
func (r *Registry) answerCompleted(key string, peer net.Addr, pkt *Packet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answerCompletedLocked(key, peer, pkt)
}

func (r *Registry) answerCompletedLocked(key string, peer net.Addr, pkt *Packet) bool {
	t, ok := r.completed[key]
	if !ok {
		return false
	}
	switch pkt.Type {
	case DataPacket:
		if !t.covers(pkt.Seq) {
			return false
		}
		r.sendAck(pkt.Seq, peer)
	case FinishPacket:
		r.sendAck(pkt.Seq, peer)
	case FileInfoPacket:
		if pkt.Seq != t.metaSeq {
			return false
		}
		r.sendAck(pkt.Seq, peer)
	default:
		return false
	}
	return true
}

// retire removes s from the active set, leaving t behind when the transfer completed.
func (r *Registry) retire(s *session, t *tombstone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.key] != s {
		return
	}
	delete(r.sessions, s.key)
	if t != nil {
		t.expires = time.Now().Add(r.config.CompletedTTL)
		r.completed[s.key] = t
	}
}

// Abort cancels the active session of peer, discarding its partial file.
func (r *Registry) Abort(peer net.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[peerKey(peer)]
	if !ok {
		return ErrUnknownPeer
	}
	r.abortLocked(s)
	return nil
}

func (r *Registry) abortLocked(s *session) {
	delete(r.sessions, s.key)
	close(s.closeSignal)
}

// Sessions returns a snapshot of the active sessions.
func (r *Registry) Sessions() []SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]SessionStatus, 0, len(r.sessions))
	for _, s := range r.sessions {
		statuses = append(statuses, s.status())
	}
	return statuses
}

// RecentReports returns the latest finished transfers, oldest first.
func (r *Registry) RecentReports() []Report {
	r.reportMu.Lock()
	defer r.reportMu.Unlock()
	return append([]Report(nil), r.reports...)
}

func (r *Registry) emit(report Report) {
	r.reportMu.Lock()
	r.reports = append(r.reports, report)
	if len(r.reports) > maxRecentReports {
		r.reports = r.reports[len(r.reports)-maxRecentReports:]
	}
	r.reportMu.Unlock()

	attrs := []any{"id", report.ID, "peer", report.Peer, "file", report.Filename,
		"received", report.ReceivedBytes, "total", report.TotalSize, "status", report.Status.String()}
	if report.Status == ReportComplete {
		slog.Info("transfer finished", append(attrs, "path", report.Path, "duration", report.Duration)...)
	} else {
		slog.Warn("transfer finished", append(attrs, "err", report.Err)...)
	}
	if r.config.OnReport != nil {
		r.config.OnReport(report)
	}
}

func (r *Registry) sendAck(seq uint16, peer net.Addr) {
	if err := r.send(newAckPacket(seq).Marshal(), peer); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Debug("cannot send ACK", "peer", peerKey(peer), "ack", seq, "err", err)
	}
}

// janitor expires tombstones.
func (r *Registry) janitor() {
	defer r.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.closeSignal:
			return
		case now := <-ticker.C:
			r.mu.Lock()
			for key, t := range r.completed {
				if now.After(t.expires) {
					delete(r.completed, key)
				}
			}
			r.mu.Unlock()
		}
	}
}

// Close aborts every active session and waits for their goroutines.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, s := range r.sessions {
		r.abortLocked(s)
	}
	close(r.closeSignal)
	r.mu.Unlock()
	r.wg.Wait()
}
