package lib

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Transport moves opaque datagrams to and from peers. The protocol core never
// touches sockets directly.
type Transport interface {
	Send(b []byte, addr net.Addr) error
	// Receive blocks for at most timeout and returns a *TimeoutError when nothing arrived.
	Receive(buf []byte, timeout time.Duration) (int, net.Addr, error)
	LocalAddr() net.Addr
	Close() error
}

// UDPTransport is the Transport over a UDP socket.
type UDPTransport struct {
	conn *net.UDPConn
}

// ListenUDP binds a UDP socket at addr ("host:port", port 0 for ephemeral).
func ListenUDP(addr string) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return NewUDPTransport(conn), nil
}

func NewUDPTransport(conn *net.UDPConn) *UDPTransport {
	return &UDPTransport{conn: conn}
}

// SetTOS marks outgoing datagrams with the given TOS / traffic class byte.
func (t *UDPTransport) SetTOS(tos int) error {
	err4 := ipv4.NewConn(t.conn).SetTOS(tos)
	if err4 == nil {
		return nil
	}
	if err6 := ipv6.NewConn(t.conn).SetTrafficClass(tos); err6 != nil {
		return fmt.Errorf("set tos %d: %w", tos, errors.Join(err4, err6))
	}
	return nil
}

func (t *UDPTransport) Send(b []byte, addr net.Addr) error {
	_, err := t.conn.WriteTo(b, addr)
	return err
}

func (t *UDPTransport) Receive(buf []byte, timeout time.Duration) (int, net.Addr, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, err
	}
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		// Check if the error is a timeout
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return 0, nil, &TimeoutError{msg: "receive timed out"}
		}
		return 0, nil, err
	}
	return n, addr, nil
}

func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

// LossyTransport drops a fraction of outgoing datagrams. It exists to
// exercise retransmission against a real network path.
type LossyTransport struct {
	Transport
	dropRate float64
	mu       sync.Mutex
	rng      *rand.Rand
	dropped  int
}

func NewLossyTransport(inner Transport, dropRate float64) *LossyTransport {
	return &LossyTransport{
		Transport: inner,
		dropRate:  dropRate,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (l *LossyTransport) Send(b []byte, addr net.Addr) error {
	l.mu.Lock()
	lost := l.rng.Float64() < l.dropRate
	if lost {
		l.dropped++
	}
	l.mu.Unlock()
	if lost {
		slog.Debug("simulated packet loss", "to", peerKey(addr), "size", len(b))
		return nil
	}
	return l.Transport.Send(b, addr)
}

// Dropped returns how many datagrams were discarded so far.
func (l *LossyTransport) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
