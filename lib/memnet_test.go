package lib

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

// verdict tells memNetwork what to do with one datagram.
type verdict int

const (
	deliver   verdict = iota
	drop              // lose it
	duplicate         // deliver it twice
	hold              // deliver it after the next datagram to the same destination
)

// memNetwork is an in-memory datagram network. Every datagram passes through
// intercept, which tests use to inject loss, duplication and reordering.
type memNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*memEndpoint
	held      map[string][]memDatagram
	nextPort  int
	intercept func(from, to net.Addr, pkt *Packet) verdict
	log       []memDatagram
}

type memDatagram struct {
	from net.Addr
	to   net.Addr
	data []byte
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		endpoints: make(map[string]*memEndpoint),
		held:      make(map[string][]memDatagram),
		nextPort:  40000,
	}
}

func (n *memNetwork) setIntercept(f func(from, to net.Addr, pkt *Packet) verdict) {
	n.mu.Lock()
	n.intercept = f
	n.mu.Unlock()
}

// listen creates an endpoint on 127.0.0.1 with a fresh port.
func (n *memNetwork) listen() *memEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1).To4(), Port: n.nextPort}
	n.nextPort++
	e := &memEndpoint{
		network: n,
		addr:    addr,
		inbox:   make(chan memDatagram, 1024),
		closed:  make(chan struct{}),
	}
	n.endpoints[addr.String()] = e
	return e
}

// sent returns the packets that entered the network, dropped ones included.
func (n *memNetwork) sent(from net.Addr, ptype PacketType) []*Packet {
	n.mu.Lock()
	defer n.mu.Unlock()
	var pkts []*Packet
	for _, d := range n.log {
		if from != nil && d.from.String() != from.String() {
			continue
		}
		pkt, err := Unmarshal(d.data)
		if err == nil && pkt.Type == ptype {
			pkts = append(pkts, pkt)
		}
	}
	return pkts
}

func (n *memNetwork) send(from, to net.Addr, b []byte) {
	d := memDatagram{from: from, to: to, data: append([]byte(nil), b...)}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.log = append(n.log, d)
	dst, ok := n.endpoints[to.String()]
	if !ok {
		return
	}
	v := deliver
	if n.intercept != nil {
		if pkt, err := Unmarshal(d.data); err == nil {
			v = n.intercept(from, to, pkt)
		}
	}
	switch v {
	case drop:
		return
	case hold:
		n.held[to.String()] = append(n.held[to.String()], d)
		return
	case duplicate:
		dst.push(d)
	}
	dst.push(d)
	for _, h := range n.held[to.String()] {
		dst.push(h)
	}
	delete(n.held, to.String())
}

// memEndpoint is the Transport side of memNetwork.
type memEndpoint struct {
	network   *memNetwork
	addr      *net.UDPAddr
	inbox     chan memDatagram
	closed    chan struct{}
	closeOnce sync.Once
}

func (e *memEndpoint) push(d memDatagram) {
	select {
	case e.inbox <- d:
	default:
	}
}

func (e *memEndpoint) Send(b []byte, addr net.Addr) error {
	select {
	case <-e.closed:
		return net.ErrClosed
	default:
	}
	e.network.send(e.addr, addr, b)
	return nil
}

func (e *memEndpoint) Receive(buf []byte, timeout time.Duration) (int, net.Addr, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.closed:
		return 0, nil, net.ErrClosed
	case d := <-e.inbox:
		return copy(buf, d.data), d.from, nil
	case <-timer.C:
		return 0, nil, &TimeoutError{msg: "receive timed out"}
	}
}

func (e *memEndpoint) LocalAddr() net.Addr {
	return e.addr
}

func (e *memEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.network.mu.Lock()
		delete(e.network.endpoints, e.addr.String())
		e.network.mu.Unlock()
	})
	return nil
}

// testSenderConfig shortens every timer so lossy transfers finish quickly.
func testSenderConfig() *SenderConfig {
	cfg := DefaultSenderConfig()
	cfg.MetadataTimeout = 200 * time.Millisecond
	cfg.MetadataRetries = 5
	cfg.AckPollTimeout = 5 * time.Millisecond
	cfg.RetransmitTimeout = 60 * time.Millisecond
	cfg.FinishTimeout = 100 * time.Millisecond
	cfg.FinishRetries = 5
	return cfg
}

// steadySenderConfig never retransmits on a lossless network, for tests
// that count packets exactly.
func steadySenderConfig() *SenderConfig {
	cfg := testSenderConfig()
	cfg.MetadataTimeout = 5 * time.Second
	cfg.RetransmitTimeout = 5 * time.Second
	cfg.FinishTimeout = 5 * time.Second
	return cfg
}

type testReceiver struct {
	*Receiver
	endpoint   *memEndpoint
	partialDir string
	destDir    string
	reports    chan Report
	done       chan struct{}
}

// startReceiver runs a receiver on network until the test ends.
func startReceiver(t *testing.T, network *memNetwork, tweak func(*ReceiverConfig)) *testReceiver {
	t.Helper()
	dir := t.TempDir()
	reports := make(chan Report, 16)
	cfg := DefaultReceiverConfig()
	cfg.PartialDir = dir + "/partial"
	cfg.DestinationDir = dir + "/received"
	cfg.ReadTimeout = 20 * time.Millisecond
	cfg.OnReport = func(r Report) {
		select {
		case reports <- r:
		default:
		}
	}
	if tweak != nil {
		tweak(cfg)
	}

	endpoint := network.listen()
	r, err := NewReceiver(endpoint, cfg)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	tr := &testReceiver{
		Receiver:   r,
		endpoint:   endpoint,
		partialDir: cfg.PartialDir,
		destDir:    cfg.DestinationDir,
		reports:    reports,
		done:       make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(tr.done)
		if err := r.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		r.Close()
		<-tr.done
	})
	return tr
}

func (tr *testReceiver) waitReport(t *testing.T) Report {
	t.Helper()
	select {
	case r := <-tr.reports:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no transfer report within 5s")
	}
	return Report{}
}

// expectCleanedUp waits for the session report and checks the receiver kept
// neither the session nor its partial file.
func (tr *testReceiver) expectCleanedUp(t *testing.T, want ReportStatus) Report {
	t.Helper()
	report := tr.waitReport(t)
	if report.Status != want {
		t.Errorf("report status = %s, want %s", report.Status, want)
	}
	if sessions := tr.Sessions(); len(sessions) != 0 {
		t.Errorf("%d sessions still live: %+v", len(sessions), sessions)
	}
	if names := partialFiles(t, tr); len(names) != 0 {
		t.Errorf("partial files left behind: %v", names)
	}
	return report
}

func (tr *testReceiver) noReport(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case r := <-tr.reports:
		t.Fatalf("unexpected report %+v", r)
	case <-time.After(wait):
	}
}

// newTestSender builds a sender on its own endpoint of network.
func newTestSender(t *testing.T, network *memNetwork, remote net.Addr, cfg *SenderConfig) (*Sender, *memEndpoint) {
	t.Helper()
	if cfg == nil {
		cfg = testSenderConfig()
	}
	endpoint := network.listen()
	s := NewSender(endpoint, remote, cfg)
	t.Cleanup(func() { s.Close() })
	return s, endpoint
}
