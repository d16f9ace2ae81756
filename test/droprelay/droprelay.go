/*
droprelay is a UDP relay that sits between a sender and a receiver and
mistreats the datagrams it forwards, to exercise retransmission, duplicate
handling and reordering over a real network path.

Every sender address gets its own upstream socket, so the receiver sees one
peer per sender and replies travel back the same way.

Usage:

	./droprelay [options]
	Options:
	  -listen string     relay address senders talk to (default "127.0.0.1:9001")
	  -target string     receiver address (default "127.0.0.1:9000")
	  -droprate float    fraction of datagrams dropped (default 0.1)
	  -duprate float     fraction of datagrams delivered twice
	  -reorderrate float fraction of datagrams held back behind the next one
	  -loglevel string   log level (default "info")
*/
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/udp-file-transfer/lib"
)

var (
	listenAddr  string
	targetAddr  string
	dropRate    float64
	dupRate     float64
	reorderRate float64
	logLevel    string
)

const idleTimeout = 2 * time.Minute

func init() {
	flag.StringVar(&listenAddr, "listen", "127.0.0.1:9001", "relay address senders talk to")
	flag.StringVar(&targetAddr, "target", "127.0.0.1:9000", "receiver address")
	flag.Float64Var(&dropRate, "droprate", 0.1, "Packet drop rate (0.0-1.0)")
	flag.Float64Var(&dupRate, "duprate", 0, "Packet duplication rate (0.0-1.0)")
	flag.Float64Var(&reorderRate, "reorderrate", 0, "Packet reorder rate (0.0-1.0)")
	flag.StringVar(&logLevel, "loglevel", "info", "log level")
}

// impairment decides what happens to each forwarded datagram.
type impairment struct {
	mu      sync.Mutex
	rng     *rand.Rand
	held    []byte // datagram waiting to be sent after the next one
	heldDst net.Addr
}

// forward sends b to dst through conn, applying drop, duplication and reordering.
func (im *impairment) forward(conn net.PacketConn, b []byte, dst net.Addr, direction string) {
	im.mu.Lock()
	defer im.mu.Unlock()

	if im.rng.Float64() < dropRate {
		slog.Debug("dropped datagram", "direction", direction, "size", len(b))
		return
	}
	if im.held == nil && im.rng.Float64() < reorderRate {
		im.held = append([]byte(nil), b...)
		im.heldDst = dst
		slog.Debug("holding datagram back", "direction", direction, "size", len(b))
		return
	}
	write(conn, b, dst)
	if im.rng.Float64() < dupRate {
		slog.Debug("duplicated datagram", "direction", direction, "size", len(b))
		write(conn, b, dst)
	}
	if im.held != nil {
		write(conn, im.held, im.heldDst)
		im.held, im.heldDst = nil, nil
	}
}

func write(conn net.PacketConn, b []byte, dst net.Addr) {
	if _, err := conn.WriteTo(b, dst); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Warn("relay write failed", "to", dst.String(), "err", err)
	}
}

// peer is the upstream leg of one sender.
type peer struct {
	client   net.Addr
	upstream *net.UDPConn
	lastSeen time.Time
}

type relay struct {
	listener *net.UDPConn
	target   *net.UDPAddr
	mu       sync.Mutex
	peers    map[string]*peer
	toServer *impairment
	toClient *impairment
	wg       sync.WaitGroup
}

func main() {
	flag.Parse()
	lib.SetupLogging(logLevel, "text")

	target, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		slog.Error("invalid target address", "addr", targetAddr, "err", err)
		os.Exit(1)
	}
	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		slog.Error("invalid listen address", "addr", listenAddr, "err", err)
		os.Exit(1)
	}
	listener, err := net.ListenUDP("udp", laddr)
	if err != nil {
		slog.Error("cannot listen", "addr", listenAddr, "err", err)
		os.Exit(1)
	}

	seed := time.Now().UnixNano()
	r := &relay{
		listener: listener,
		target:   target,
		peers:    make(map[string]*peer),
		toServer: &impairment{rng: rand.New(rand.NewSource(seed))},
		toClient: &impairment{rng: rand.New(rand.NewSource(seed + 1))},
	}
	slog.Info("relay started", "listen", listenAddr, "target", targetAddr,
		"dropRate", dropRate, "dupRate", dupRate, "reorderRate", reorderRate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		listener.Close()
	}()

	r.serve()
	r.closePeers()
	r.wg.Wait()
	slog.Info("relay exiting")
}

// serve forwards sender datagrams to the receiver until the listener closes.
func (r *relay) serve() {
	buf := make([]byte, 65536)
	for {
		n, from, err := r.listener.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Error("relay read failed", "err", err)
			}
			return
		}
		p, err := r.peerFor(from)
		if err != nil {
			slog.Warn("cannot open upstream socket", "client", from.String(), "err", err)
			continue
		}
		r.toServer.forward(p.upstream, buf[:n], r.target, "client-to-server")
	}
}

func (r *relay) peerFor(client *net.UDPAddr) (*peer, error) {
	key := client.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[key]; ok {
		p.lastSeen = time.Now()
		return p, nil
	}
	upstream, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	p := &peer{client: client, upstream: upstream, lastSeen: time.Now()}
	r.peers[key] = p
	slog.Info("new client", "client", key, "upstream", upstream.LocalAddr().String())

	r.wg.Add(1)
	go r.replies(key, p)
	return p, nil
}

// replies forwards receiver datagrams back to one sender.
func (r *relay) replies(key string, p *peer) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if r.peers[key] == p {
			delete(r.peers, key)
		}
		r.mu.Unlock()
		p.upstream.Close()
	}()

	buf := make([]byte, 65536)
	for {
		p.upstream.SetReadDeadline(time.Now().Add(idleTimeout))
		n, _, err := p.upstream.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				r.mu.Lock()
				idle := time.Since(p.lastSeen) >= idleTimeout
				r.mu.Unlock()
				if idle {
					slog.Info("client idle, closing upstream", "client", key)
					return
				}
				continue
			}
			return
		}
		r.toClient.forward(r.listener, buf[:n], p.client, "server-to-client")
	}
}

func (r *relay) closePeers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		p.upstream.Close()
	}
}
