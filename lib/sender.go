package lib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

type SenderConfig struct {
	WindowCapacity       int           // max unacknowledged DATA packets
	ChunkSize            int           // DATA payload size, at most MaxPayloadSize
	MetadataTimeout      time.Duration // wait for the FILE_INFO acknowledgment
	MetadataRetries      int           // FILE_INFO attempts before giving up
	AckPollTimeout       time.Duration // ACK poll interval of the data loop
	RetransmitTimeout    time.Duration // resend DATA not acknowledged within this time
	MaxRetransmits       int           // per packet resend limit, 0 means unlimited
	FinishTimeout        time.Duration // wait for the FINISH acknowledgment
	FinishRetries        int           // FINISH attempts before reporting degraded success
	InitialSeq           uint16        // SEQ of the FILE_INFO packet
	RandomISN            bool          // pick InitialSeq at random per upload
	PayloadPoolSize      int           // number of pooled payload chunks
	LocalIP              string        // local address to bind, empty for any
	TOS                  int           // TOS / traffic class for outgoing datagrams, 0 leaves the default
	PacketLostSimulation bool          // drop outgoing datagrams at DropRate
	DropRate             float64       // fraction of datagrams dropped when simulating loss
	TraceFile            string        // pcap file receiving every datagram, empty disables tracing
	PortPool             *PortPool     // local port range, nil for an ephemeral port

	OnProgress func(sent, total uint64) // called after every new DATA packet
}

func DefaultSenderConfig() *SenderConfig {
	return &SenderConfig{
		WindowCapacity:    DefaultWindowCapacity,
		ChunkSize:         DefaultChunkSize,
		MetadataTimeout:   DefaultMetadataTimeout,
		MetadataRetries:   DefaultMetadataRetries,
		AckPollTimeout:    DefaultAckPollTimeout,
		RetransmitTimeout: DefaultRetransmitTimeout,
		FinishTimeout:     DefaultFinishTimeout,
		FinishRetries:     DefaultFinishRetries,
		PayloadPoolSize:   DefaultPayloadPoolSize,
		DropRate:          0.1,
	}
}

func (c *SenderConfig) normalize() {
	d := DefaultSenderConfig()
	if c.WindowCapacity <= 0 {
		c.WindowCapacity = d.WindowCapacity
	}
	if c.ChunkSize <= 0 || c.ChunkSize > MaxPayloadSize {
		c.ChunkSize = d.ChunkSize
	}
	if c.MetadataTimeout <= 0 {
		c.MetadataTimeout = d.MetadataTimeout
	}
	if c.MetadataRetries <= 0 {
		c.MetadataRetries = d.MetadataRetries
	}
	if c.AckPollTimeout <= 0 {
		c.AckPollTimeout = d.AckPollTimeout
	}
	if c.RetransmitTimeout <= 0 {
		c.RetransmitTimeout = d.RetransmitTimeout
	}
	if c.FinishTimeout <= 0 {
		c.FinishTimeout = d.FinishTimeout
	}
	if c.FinishRetries <= 0 {
		c.FinishRetries = d.FinishRetries
	}
}

// Outcome is the caller-facing result of an upload.
type Outcome int

const (
	OutcomeSuccess        Outcome = iota // every byte and the FINISH were acknowledged
	OutcomeDegraded                      // every byte acknowledged, FINISH never was
	OutcomePartialFailure                // the transfer stopped before all bytes were acknowledged
	OutcomeNoResponse                    // the receiver never acknowledged FILE_INFO
	OutcomeAborted                       // the caller cancelled the upload
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDegraded:
		return "degraded"
	case OutcomePartialFailure:
		return "partial failure"
	case OutcomeNoResponse:
		return "no response"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type UploadResult struct {
	Outcome     Outcome
	Filename    string
	TotalSize   uint64
	BytesSent   uint64 // distinct file bytes handed to the transport
	BytesAcked  uint64 // file bytes retired by acknowledgments
	DataPackets int    // distinct DATA packets, retransmissions excluded
	Retransmits int
	Duration    time.Duration
}

// Sender drives uploads to one receiver over its own transport.
type Sender struct {
	config    *SenderConfig
	transport Transport
	remote    net.Addr
	sendMu    sync.Mutex // serializes packet construction and dispatch
	sendBuf   []byte
	recvBuf   []byte
	stateMu   sync.Mutex
	state     int
	release   func()
}

func NewSender(transport Transport, remote net.Addr, config *SenderConfig) *Sender {
	if config == nil {
		config = DefaultSenderConfig()
	}
	config.normalize()
	InitPool(config.PayloadPoolSize)
	return &Sender{
		config:    config,
		transport: transport,
		remote:    remote,
		sendBuf:   make([]byte, MaxDatagramLen),
		recvBuf:   make([]byte, readBufferLen),
	}
}

// DialSender binds a UDP socket for one sender and points it at remote.
func DialSender(remote string, config *SenderConfig) (*Sender, error) {
	if config == nil {
		config = DefaultSenderConfig()
	}
	remoteAddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("resolve receiver %s: %w", remote, err)
	}

	port := 0
	if config.PortPool != nil {
		if port, err = config.PortPool.allocatePort(); err != nil {
			return nil, err
		}
	}
	udp, err := ListenUDP(net.JoinHostPort(config.LocalIP, strconv.Itoa(port)))
	if err != nil {
		if config.PortPool != nil {
			config.PortPool.returnPort(port)
		}
		return nil, err
	}
	if config.TOS != 0 {
		if err := udp.SetTOS(config.TOS); err != nil {
			slog.Warn("cannot set TOS on sender socket", "err", err)
		}
	}

	var transport Transport = udp
	if config.PacketLostSimulation {
		transport = NewLossyTransport(transport, config.DropRate)
	}
	if config.TraceFile != "" {
		tracer, err := NewTracingTransport(transport, config.TraceFile)
		if err != nil {
			udp.Close()
			if config.PortPool != nil {
				config.PortPool.returnPort(port)
			}
			return nil, err
		}
		transport = tracer
	}

	s := NewSender(transport, remoteAddr, config)
	s.release = func() {
		if config.PortPool != nil {
			config.PortPool.returnPort(port)
		}
	}
	return s, nil
}

// Close releases the transport and, for dialed senders, the local port.
func (s *Sender) Close() error {
	err := s.transport.Close()
	if s.release != nil {
		s.release()
		s.release = nil
	}
	return err
}

func (s *Sender) LocalAddr() net.Addr {
	return s.transport.LocalAddr()
}

// State returns the transfer state of the upload in progress.
func (s *Sender) State() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Sender) setState(state int) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// Upload sends the file at path. The returned error is nil only for
// OutcomeSuccess; the result is always filled in as far as the transfer got.
func (s *Sender) Upload(ctx context.Context, path string) (*UploadResult, error) {
	start := time.Now()
	s.setState(StateInit)

	f, err := os.Open(path)
	if err != nil {
		s.setState(StateFailed)
		return &UploadResult{Outcome: OutcomePartialFailure, Filename: filepath.Base(path)}, &IOError{Op: "open", Err: err}
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		s.setState(StateFailed)
		return &UploadResult{Outcome: OutcomePartialFailure, Filename: filepath.Base(path)}, &IOError{Op: "stat", Err: err}
	}
	if !stat.Mode().IsRegular() {
		s.setState(StateFailed)
		return &UploadResult{Outcome: OutcomePartialFailure, Filename: filepath.Base(path)}, fmt.Errorf("%s is not a regular file", path)
	}

	result := &UploadResult{
		Filename:  filepath.Base(path),
		TotalSize: uint64(stat.Size()),
	}
	err = s.upload(ctx, io.LimitReader(f, stat.Size()), result)
	result.Duration = time.Since(start)
	if err != nil {
		s.setState(StateFailed)
		slog.Warn("upload finished without confirmation", "file", result.Filename, "outcome", result.Outcome.String(),
			"acked", result.BytesAcked, "total", result.TotalSize, "err", err)
		return result, err
	}
	s.setState(StateDone)
	slog.Info("upload completed", "file", result.Filename, "bytes", result.TotalSize,
		"packets", result.DataPackets, "retransmits", result.Retransmits, "duration", result.Duration)
	return result, nil
}

func (s *Sender) upload(ctx context.Context, r io.Reader, result *UploadResult) error {
	isn := s.config.InitialSeq
	if s.config.RandomISN {
		var err error
		if isn, err = GenerateISN(); err != nil {
			return fmt.Errorf("generate initial sequence number: %w", err)
		}
	}

	s.setState(StateSendingMetadata)
	info := FileInfo{Filename: result.Filename, TotalSize: result.TotalSize}
	if err := s.sendMetadata(ctx, info, isn); err != nil {
		result.Outcome = OutcomeNoResponse
		if ctx.Err() != nil {
			result.Outcome = OutcomeAborted
		}
		return err
	}

	s.setState(StateTransferring)
	window := NewSendWindow(s.config.WindowCapacity, SeqIncrement(isn))
	defer window.Clear()
	if err := s.transferData(ctx, r, window, result); err != nil {
		result.Outcome = OutcomePartialFailure
		if ctx.Err() != nil {
			result.Outcome = OutcomeAborted
		}
		s.abandon(window.NextSeq())
		return err
	}

	s.setState(StateFinishing)
	acked, err := s.finish(ctx, window.NextSeq())
	if err != nil {
		result.Outcome = OutcomeAborted
		return err
	}
	if result.BytesSent != result.TotalSize {
		result.Outcome = OutcomePartialFailure
		return &SizeMismatchError{Received: result.BytesSent, Expected: result.TotalSize}
	}
	if !acked {
		result.Outcome = OutcomeDegraded
		return &TimeoutError{msg: fmt.Sprintf("no acknowledgment for FINISH after %d attempts", s.config.FinishRetries)}
	}
	result.Outcome = OutcomeSuccess
	return nil
}

// abandon sends one unacknowledged FINISH so the receiver drops the
// partial file now instead of waiting out its idle timeout.
func (s *Sender) abandon(seq uint16) {
	if err := s.sendPacket(NewPacket(FinishPacket, seq, 0, nil)); err != nil {
		slog.Debug("cannot announce abandoned transfer", "seq", seq, "err", err)
		return
	}
	slog.Debug("FINISH sent for abandoned transfer", "seq", seq)
}

// sendMetadata announces the file and waits for the receiver to accept it.
func (s *Sender) sendMetadata(ctx context.Context, info FileInfo, seq uint16) error {
	payload := EncodeFileInfo(info)
	for attempt := 1; attempt <= s.config.MetadataRetries; attempt++ {
		if err := s.sendPacket(NewPacket(FileInfoPacket, seq, 0, payload)); err != nil {
			return err
		}
		slog.Debug("FILE_INFO sent", "file", info.Filename, "size", info.TotalSize, "seq", seq, "attempt", attempt)
		ok, err := s.awaitAck(ctx, seq, s.config.MetadataTimeout)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return &TimeoutError{msg: fmt.Sprintf("no response from %s to FILE_INFO after %d attempts", peerKey(s.remote), s.config.MetadataRetries)}
}

// transferData runs the windowed send loop until every byte is read and acknowledged.
func (s *Sender) transferData(ctx context.Context, r io.Reader, window *SendWindow, result *UploadResult) error {
	chunk := make([]byte, s.config.ChunkSize)
	eof := result.TotalSize == 0

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrAborted, err)
		}

		// Fill the window
		for !eof && !window.Full() {
			n, err := io.ReadFull(r, chunk)
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				eof = true
			} else if err != nil {
				return &IOError{Op: "read", Err: err}
			}
			if n == 0 {
				break
			}
			seq, payload, err := window.Push(chunk[:n], time.Now())
			if err != nil {
				return err
			}
			if err := s.sendPacket(NewPacket(DataPacket, seq, 0, payload)); err != nil {
				return err
			}
			result.BytesSent += uint64(n)
			result.DataPackets++
			if result.BytesSent >= result.TotalSize {
				eof = true
			}
			if s.config.OnProgress != nil {
				s.config.OnProgress(result.BytesSent, result.TotalSize)
			}
		}

		if eof && window.Empty() {
			return nil
		}

		// Check ACK
		pkt, err := s.receivePacket(s.config.AckPollTimeout)
		if err != nil {
			return err
		}
		if pkt != nil && pkt.Type == AckPacket {
			if _, bytes := window.Retire(pkt.Ack); bytes > 0 {
				result.BytesAcked += uint64(bytes)
			}
		}

		// Resend stale packets
		now := time.Now()
		for _, entry := range window.Expired(now, s.config.RetransmitTimeout) {
			count := window.Touch(entry.seq, now)
			if s.config.MaxRetransmits > 0 && count > s.config.MaxRetransmits {
				return &TimeoutError{msg: fmt.Sprintf("DATA seq %d unacknowledged after %d retransmissions", entry.seq, s.config.MaxRetransmits)}
			}
			slog.Debug("retransmitting DATA", "seq", entry.seq, "count", count)
			if err := s.sendPacket(NewPacket(DataPacket, entry.seq, 0, entry.payload)); err != nil {
				return err
			}
			result.Retransmits++
		}
	}
}

// finish sends FINISH until acknowledged or the retries run out. It reports
// false without error when no acknowledgment ever arrived.
func (s *Sender) finish(ctx context.Context, seq uint16) (bool, error) {
	for attempt := 1; attempt <= s.config.FinishRetries; attempt++ {
		if err := s.sendPacket(NewPacket(FinishPacket, seq, 0, nil)); err != nil {
			return false, err
		}
		ok, err := s.awaitAck(ctx, seq, s.config.FinishTimeout)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		slog.Debug("FINISH not acknowledged", "seq", seq, "attempt", attempt)
	}
	return false, nil
}

// awaitAck waits up to timeout for an ACK of want, ignoring anything else.
func (s *Sender) awaitAck(ctx context.Context, want uint16, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrAborted, err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if remaining > s.config.AckPollTimeout {
			remaining = s.config.AckPollTimeout
		}
		pkt, err := s.receivePacket(remaining)
		if err != nil {
			return false, err
		}
		if pkt != nil && pkt.Type == AckPacket && pkt.Ack == want {
			return true, nil
		}
	}
}

// receivePacket returns the next well-formed packet, or nil when the poll
// timed out or the datagram was malformed.
func (s *Sender) receivePacket(timeout time.Duration) (*Packet, error) {
	n, _, err := s.transport.Receive(s.recvBuf, timeout)
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, &IOError{Op: "receive", Err: err}
		}
		slog.Debug("sender receive error", "err", err)
		return nil, nil
	}
	pkt, err := Unmarshal(s.recvBuf[:n])
	if err != nil {
		slog.Debug("dropping malformed datagram", "err", err)
		return nil, nil
	}
	return pkt, nil
}

func (s *Sender) sendPacket(pkt *Packet) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	n, err := pkt.MarshalTo(s.sendBuf)
	if err != nil {
		return err
	}
	if err := s.transport.Send(s.sendBuf[:n], s.remote); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return &IOError{Op: "send", Err: err}
		}
		// treat like a lost datagram, retransmission covers it
		slog.Debug("send failed", "packet", pkt.String(), "err", err)
	}
	return nil
}
