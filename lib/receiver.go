package lib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

type ReceiverConfig struct {
	PartialDir           string        // directory for in-progress files
	DestinationDir       string        // directory completed files are renamed into
	ReadTimeout          time.Duration // receive poll interval, bounds shutdown latency
	SessionQueueLen      int           // per session inbox length
	MaxGapPackets        int           // out-of-order DATA packets buffered per session
	CompletedTTL         time.Duration // how long completed transfers are still acknowledged
	SessionIdleTimeout   time.Duration // a session with no packets for this long is abandoned
	PayloadPoolSize      int           // number of pooled payload chunks
	TOS                  int           // TOS / traffic class for ACKs, 0 leaves the default
	PacketLostSimulation bool          // drop outgoing ACKs at DropRate
	DropRate             float64       // fraction of ACKs dropped when simulating loss
	TraceFile            string        // pcap file receiving every datagram, empty disables tracing

	OnReport    func(Report) // called once per finished session
	SinkFactory SinkFactory  // storage for received files, nil for files under PartialDir/DestinationDir
}

func DefaultReceiverConfig() *ReceiverConfig {
	return &ReceiverConfig{
		PartialDir:         DefaultPartialDir,
		DestinationDir:     DefaultDestinationDir,
		ReadTimeout:        DefaultReadTimeout,
		SessionQueueLen:    DefaultSessionQueueLen,
		MaxGapPackets:      DefaultMaxGapPackets,
		CompletedTTL:       DefaultCompletedTTL,
		SessionIdleTimeout: DefaultSessionIdle,
		PayloadPoolSize:    DefaultPayloadPoolSize,
		DropRate:           0.1,
	}
}

func (c *ReceiverConfig) normalize() {
	d := DefaultReceiverConfig()
	if c.PartialDir == "" {
		c.PartialDir = d.PartialDir
	}
	if c.DestinationDir == "" {
		c.DestinationDir = d.DestinationDir
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.SessionQueueLen <= 0 {
		c.SessionQueueLen = d.SessionQueueLen
	}
	if c.MaxGapPackets < 0 {
		c.MaxGapPackets = d.MaxGapPackets
	}
	if c.CompletedTTL <= 0 {
		c.CompletedTTL = d.CompletedTTL
	}
	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = d.SessionIdleTimeout
	}
}

// Receiver accepts uploads from any number of senders on one transport.
type Receiver struct {
	config    *ReceiverConfig
	transport Transport
	registry  *Registry
	recvBuf   []byte
	closeOnce sync.Once
}

func NewReceiver(transport Transport, config *ReceiverConfig) (*Receiver, error) {
	if config == nil {
		config = DefaultReceiverConfig()
	}
	config.normalize()
	InitPool(config.PayloadPoolSize)

	newSink := config.SinkFactory
	if newSink == nil {
		var err error
		if newSink, err = NewFileSinkFactory(config.PartialDir, config.DestinationDir); err != nil {
			return nil, err
		}
	}
	return &Receiver{
		config:    config,
		transport: transport,
		registry:  NewRegistry(config, transport.Send, newSink),
		recvBuf:   make([]byte, readBufferLen),
	}, nil
}

// ListenReceiver binds addr and builds a receiver on it, stacking loss
// simulation and tracing as configured.
func ListenReceiver(addr string, config *ReceiverConfig) (*Receiver, error) {
	if config == nil {
		config = DefaultReceiverConfig()
	}
	udp, err := ListenUDP(addr)
	if err != nil {
		return nil, err
	}
	if config.TOS != 0 {
		if err := udp.SetTOS(config.TOS); err != nil {
			slog.Warn("cannot set TOS on receiver socket", "err", err)
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
			return nil, err
		}
		transport = tracer
	}

	r, err := NewReceiver(transport, config)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return r, nil
}

func (r *Receiver) LocalAddr() net.Addr {
	return r.transport.LocalAddr()
}

// Serve reads datagrams until ctx is done or the transport is closed.
// Active sessions are aborted on return.
func (r *Receiver) Serve(ctx context.Context) error {
	slog.Info("receiver listening", "addr", r.transport.LocalAddr().String())
	defer r.registry.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}
		n, addr, err := r.transport.Receive(r.recvBuf, r.config.ReadTimeout)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("receive error", "err", err)
			return &IOError{Op: "receive", Err: err}
		}
		r.processDatagram(r.recvBuf[:n], addr)
	}
}

func (r *Receiver) processDatagram(data []byte, addr net.Addr) {
	pkt, err := Unmarshal(data)
	if err != nil {
		slog.Debug("dropping datagram", "peer", peerKey(addr), "err", err)
		return
	}
	if err := pkt.Validate(); err != nil {
		slog.Debug("dropping packet", "peer", peerKey(addr), "err", err)
		return
	}
	if pkt.Type == AckPacket {
		return
	}
	if err := pkt.CopyToPayload(pkt.Payload); err != nil {
		slog.Error("cannot buffer payload", "peer", peerKey(addr), "err", err)
		return
	}
	r.registry.Route(addr, pkt)
}

// Abort cancels the active transfer from peer.
func (r *Receiver) Abort(peer net.Addr) error {
	if err := r.registry.Abort(peer); err != nil {
		return fmt.Errorf("abort %s: %w", peerKey(peer), err)
	}
	return nil
}

func (r *Receiver) Sessions() []SessionStatus {
	return r.registry.Sessions()
}

func (r *Receiver) RecentReports() []Report {
	return r.registry.RecentReports()
}

// Close stops the receiver, aborting every active session.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.transport.Close()
		r.registry.Close()
	})
	return err
}
