package lib

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// rawPeer speaks the protocol by hand to drive a receiver through exact packet sequences.
type rawPeer struct {
	t        *testing.T
	endpoint *memEndpoint
	tr       *testReceiver
	buf      []byte
}

func newRawPeer(t *testing.T, network *memNetwork, tr *testReceiver) *rawPeer {
	endpoint := network.listen()
	t.Cleanup(func() { endpoint.Close() })
	return &rawPeer{t: t, endpoint: endpoint, tr: tr, buf: make([]byte, readBufferLen)}
}

func (p *rawPeer) send(ptype PacketType, seq uint16, payload []byte) {
	p.t.Helper()
	if err := p.endpoint.Send(NewPacket(ptype, seq, 0, payload).Marshal(), p.tr.LocalAddr()); err != nil {
		p.t.Fatalf("send: %v", err)
	}
}

func (p *rawPeer) sendRaw(b []byte) {
	p.t.Helper()
	if err := p.endpoint.Send(b, p.tr.LocalAddr()); err != nil {
		p.t.Fatalf("send: %v", err)
	}
}

func (p *rawPeer) fileInfo(seq uint16, name string, size uint64) {
	p.t.Helper()
	p.send(FileInfoPacket, seq, EncodeFileInfo(FileInfo{Filename: name, TotalSize: size}))
}

func (p *rawPeer) expectAck(want uint16) {
	p.t.Helper()
	n, _, err := p.endpoint.Receive(p.buf, 2*time.Second)
	if err != nil {
		p.t.Fatalf("waiting for ACK %d: %v", want, err)
	}
	pkt, err := Unmarshal(p.buf[:n])
	if err != nil {
		p.t.Fatalf("Unmarshal: %v", err)
	}
	if pkt.Type != AckPacket || pkt.Ack != want {
		p.t.Fatalf("got %s, want ACK %d", pkt, want)
	}
}

func (p *rawPeer) expectSilence(wait time.Duration) {
	p.t.Helper()
	n, _, err := p.endpoint.Receive(p.buf, wait)
	if err == nil {
		pkt, _ := Unmarshal(p.buf[:n])
		p.t.Fatalf("unexpected reply %v", pkt)
	}
	if !isTimeout(err) {
		p.t.Fatalf("Receive: %v", err)
	}
}

func partialFiles(t *testing.T, tr *testReceiver) []string {
	t.Helper()
	entries, err := os.ReadDir(tr.partialDir)
	if err != nil {
		t.Fatalf("read partial dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFileInfoThenFinishIsIncomplete(t *testing.T) {
	network := newMemNetwork()
	tr := startReceiver(t, network, nil)
	peer := newRawPeer(t, network, tr)

	peer.fileInfo(0, "short.bin", 10000)
	peer.expectAck(0)
	peer.send(FinishPacket, 1, nil)
	peer.expectAck(1)

	report := tr.waitReport(t)
	if report.Status != ReportIncomplete {
		t.Fatalf("status = %s, want incomplete", report.Status)
	}
	if report.ReceivedBytes != 0 || report.TotalSize != 10000 {
		t.Errorf("report bytes %d/%d, want 0/10000", report.ReceivedBytes, report.TotalSize)
	}
	var mismatch *SizeMismatchError
	if !errors.As(report.Err, &mismatch) || mismatch.Expected != 10000 {
		t.Errorf("report err = %v, want size mismatch", report.Err)
	}
	if _, err := os.Stat(filepath.Join(tr.destDir, "short.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("incomplete transfer left a final file: %v", err)
	}
	if names := partialFiles(t, tr); len(names) != 0 {
		t.Errorf("partial files left behind: %v", names)
	}
	if len(tr.Sessions()) != 0 {
		t.Errorf("session still active after FINISH")
	}
}

func TestDuplicateFileInfoDoesNotReset(t *testing.T) {
	network := newMemNetwork()
	tr := startReceiver(t, network, nil)
	peer := newRawPeer(t, network, tr)

	peer.fileInfo(10, "dup.bin", 6)
	peer.expectAck(10)
	peer.send(DataPacket, 11, []byte("abc"))
	peer.expectAck(11)
	peer.fileInfo(10, "dup.bin", 6)
	peer.expectAck(10)
	peer.send(DataPacket, 12, []byte("def"))
	peer.expectAck(12)

	report := tr.waitReport(t)
	if report.Status != ReportComplete {
		t.Fatalf("status = %s (%v), want complete", report.Status, report.Err)
	}
	checkReceived(t, tr, "dup.bin", []byte("abcdef"))
}

func TestNewFileInfoReplacesSession(t *testing.T) {
	network := newMemNetwork()
	tr := startReceiver(t, network, nil)
	peer := newRawPeer(t, network, tr)

	peer.fileInfo(0, "first.bin", 100)
	peer.expectAck(0)
	peer.send(DataPacket, 1, []byte("partial"))
	peer.expectAck(1)

	peer.fileInfo(500, "second.bin", 3)
	peer.expectAck(500)
	aborted := tr.waitReport(t)
	if aborted.Status != ReportAborted || aborted.Filename != "first.bin" {
		t.Fatalf("first report = %s for %q, want aborted first.bin", aborted.Status, aborted.Filename)
	}

	peer.send(DataPacket, 501, []byte("xyz"))
	peer.expectAck(501)
	done := tr.waitReport(t)
	if done.Status != ReportComplete || done.Filename != "second.bin" {
		t.Fatalf("second report = %s for %q, want complete second.bin", done.Status, done.Filename)
	}
	checkReceived(t, tr, "second.bin", []byte("xyz"))
	if names := partialFiles(t, tr); len(names) != 0 {
		t.Errorf("partial files left behind: %v", names)
	}
}

func TestPacketsFromUnknownPeerAreDropped(t *testing.T) {
	network := newMemNetwork()
	tr := startReceiver(t, network, nil)
	peer := newRawPeer(t, network, tr)

	peer.send(DataPacket, 1, []byte("orphan"))
	peer.send(FinishPacket, 2, nil)
	peer.expectSilence(100 * time.Millisecond)
	tr.noReport(t, 50*time.Millisecond)
}

func TestOutOfOrderDataIsBuffered(t *testing.T) {
	network := newMemNetwork()
	tr := startReceiver(t, network, nil)
	peer := newRawPeer(t, network, tr)

	peer.fileInfo(0, "gap.bin", 9)
	peer.expectAck(0)
	peer.send(DataPacket, 2, []byte("def"))
	peer.expectAck(0) // nothing in order yet
	peer.send(DataPacket, 3, []byte("ghi"))
	peer.expectAck(0)
	peer.send(DataPacket, 1, []byte("abc"))
	peer.expectAck(3)

	if report := tr.waitReport(t); report.Status != ReportComplete {
		t.Fatalf("status = %s (%v), want complete", report.Status, report.Err)
	}
	checkReceived(t, tr, "gap.bin", []byte("abcdefghi"))
}

func TestDuplicateDataIsAckedNotWritten(t *testing.T) {
	network := newMemNetwork()
	tr := startReceiver(t, network, nil)
	peer := newRawPeer(t, network, tr)

	peer.fileInfo(0, "once.bin", 6)
	peer.expectAck(0)
	peer.send(DataPacket, 1, []byte("abc"))
	peer.expectAck(1)
	peer.send(DataPacket, 1, []byte("abc"))
	peer.expectAck(1)

	sessions := tr.Sessions()
	if len(sessions) != 1 || sessions[0].ReceivedBytes != 3 {
		t.Fatalf("sessions = %+v, want one session with 3 bytes", sessions)
	}
	if sessions[0].State != StateReceiving || sessions[0].Filename != "once.bin" {
		t.Errorf("session snapshot = %+v", sessions[0])
	}

	peer.send(DataPacket, 2, []byte("def"))
	peer.expectAck(2)
	tr.waitReport(t)
	checkReceived(t, tr, "once.bin", []byte("abcdef"))
}

func TestDataBeyondDeclaredSizeFails(t *testing.T) {
	network := newMemNetwork()
	tr := startReceiver(t, network, nil)
	peer := newRawPeer(t, network, tr)

	peer.fileInfo(0, "small.bin", 4)
	peer.expectAck(0)
	peer.send(DataPacket, 1, []byte("too long"))

	report := tr.waitReport(t)
	if report.Status != ReportFailed {
		t.Fatalf("status = %s, want failed", report.Status)
	}
	var mismatch *SizeMismatchError
	if !errors.As(report.Err, &mismatch) {
		t.Errorf("report err = %v, want size mismatch", report.Err)
	}
	if report.ReceivedBytes != 0 {
		t.Errorf("ReceivedBytes = %d, want 0", report.ReceivedBytes)
	}
	peer.expectSilence(50 * time.Millisecond)
}

func TestCompletedTransferIsStillAcknowledged(t *testing.T) {
	network := newMemNetwork()
	tr := startReceiver(t, network, nil)
	peer := newRawPeer(t, network, tr)

	peer.fileInfo(7, "late.bin", 6)
	peer.expectAck(7)
	peer.send(DataPacket, 8, []byte("abc"))
	peer.expectAck(8)
	peer.send(DataPacket, 9, []byte("def"))
	peer.expectAck(9)
	tr.waitReport(t)

	// retransmissions that crossed the final acknowledgment
	peer.send(DataPacket, 9, []byte("def"))
	peer.expectAck(9)
	peer.send(DataPacket, 8, []byte("abc"))
	peer.expectAck(8)
	peer.fileInfo(7, "late.bin", 6)
	peer.expectAck(7)
	peer.send(FinishPacket, 10, nil)
	peer.expectAck(10)

	// a SEQ that never belonged to the transfer is not acknowledged
	peer.send(DataPacket, 11, []byte("ghi"))
	peer.expectSilence(50 * time.Millisecond)

	tr.noReport(t, 50*time.Millisecond)
	checkReceived(t, tr, "late.bin", []byte("abcdef"))
}

func TestTombstoneExpires(t *testing.T) {
	network := newMemNetwork()
	tr := startReceiver(t, network, func(c *ReceiverConfig) { c.CompletedTTL = 10 * time.Millisecond })
	peer := newRawPeer(t, network, tr)

	peer.fileInfo(0, "ttl.bin", 0)
	peer.expectAck(0)
	tr.waitReport(t)

	time.Sleep(2*janitorInterval + 100*time.Millisecond)
	peer.send(FinishPacket, 1, nil)
	peer.expectSilence(100 * time.Millisecond)
}

func TestAbortDiscardsPartialFile(t *testing.T) {
	network := newMemNetwork()
	tr := startReceiver(t, network, nil)
	peer := newRawPeer(t, network, tr)

	peer.fileInfo(0, "abort.bin", 100)
	peer.expectAck(0)
	peer.send(DataPacket, 1, []byte("some bytes"))
	peer.expectAck(1)
	if names := partialFiles(t, tr); len(names) != 1 {
		t.Fatalf("partial files = %v, want one", names)
	}

	if err := tr.Abort(peer.endpoint.LocalAddr()); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	report := tr.waitReport(t)
	if report.Status != ReportAborted || !errors.Is(report.Err, ErrAborted) {
		t.Fatalf("report = %s (%v), want aborted", report.Status, report.Err)
	}
	if names := partialFiles(t, tr); len(names) != 0 {
		t.Errorf("partial files left behind: %v", names)
	}
	if err := tr.Abort(peer.endpoint.LocalAddr()); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("second Abort = %v, want ErrUnknownPeer", err)
	}
}

func TestIdleSessionExpires(t *testing.T) {
	network := newMemNetwork()
	tr := startReceiver(t, network, func(c *ReceiverConfig) { c.SessionIdleTimeout = 100 * time.Millisecond })
	peer := newRawPeer(t, network, tr)

	peer.fileInfo(0, "quiet.bin", 10000)
	peer.expectAck(0)
	peer.send(DataPacket, 1, make([]byte, 1000))
	peer.expectAck(1)

	report := tr.expectCleanedUp(t, ReportAborted)
	var te *TimeoutError
	if !errors.As(report.Err, &te) {
		t.Errorf("report err = %v, want a TimeoutError", report.Err)
	}
	if report.ReceivedBytes != 1000 {
		t.Errorf("ReceivedBytes = %d, want 1000", report.ReceivedBytes)
	}

	// the peer may start over once the stale session is gone
	peer.fileInfo(7, "again.bin", 0)
	peer.expectAck(7)
	if again := tr.waitReport(t); again.Status != ReportComplete {
		t.Errorf("new transfer status = %s, want complete", again.Status)
	}
}

func TestTrafficKeepsSessionAlive(t *testing.T) {
	network := newMemNetwork()
	tr := startReceiver(t, network, func(c *ReceiverConfig) { c.SessionIdleTimeout = 300 * time.Millisecond })
	peer := newRawPeer(t, network, tr)

	peer.fileInfo(0, "steady.bin", 10000)
	peer.expectAck(0)
	for seq := uint16(1); seq <= 5; seq++ {
		time.Sleep(100 * time.Millisecond)
		peer.send(DataPacket, seq, make([]byte, 100))
		peer.expectAck(seq)
	}
	tr.noReport(t, 50*time.Millisecond)
	if sessions := tr.Sessions(); len(sessions) != 1 || sessions[0].ReceivedBytes != 500 {
		t.Errorf("sessions = %+v, want one with 500 bytes", sessions)
	}
}

func TestCloseAbortsActiveSessions(t *testing.T) {
	network := newMemNetwork()
	tr := startReceiver(t, network, nil)
	peer := newRawPeer(t, network, tr)

	peer.fileInfo(0, "open.bin", 100)
	peer.expectAck(0)
	tr.Close()

	report := tr.waitReport(t)
	if report.Status != ReportAborted {
		t.Fatalf("status = %s, want aborted", report.Status)
	}
	if names := partialFiles(t, tr); len(names) != 0 {
		t.Errorf("partial files left behind: %v", names)
	}
}

func TestMalformedDatagramsAreIgnored(t *testing.T) {
	network := newMemNetwork()
	tr := startReceiver(t, network, nil)
	peer := newRawPeer(t, network, tr)

	peer.sendRaw([]byte{1, 0, 0})                          // shorter than the header
	peer.sendRaw([]byte{9, 0, 0, 1, 0, 0})                 // unknown type
	peer.send(FileInfoPacket, 0, []byte("no-delimiter"))   // no NUL
	peer.send(FileInfoPacket, 0, []byte("name\x00twelve")) // size not decimal
	peer.send(FileInfoPacket, 0, []byte("..\x0010"))       // not a file name
	peer.send(DataPacket, 1, make([]byte, MaxPayloadSize+1))
	peer.send(FinishPacket, 1, []byte("payload"))
	peer.expectSilence(100 * time.Millisecond)

	// the receiver keeps serving
	peer.fileInfo(0, "ok.bin", 2)
	peer.expectAck(0)
	peer.send(DataPacket, 1, []byte("ok"))
	peer.expectAck(1)
	if report := tr.waitReport(t); report.Status != ReportComplete {
		t.Fatalf("status = %s, want complete", report.Status)
	}
}

func TestSinkFailureAbortsOnlyThatSession(t *testing.T) {
	network := newMemNetwork()
	failing := errors.New("disk full")
	tr := startReceiver(t, network, func(c *ReceiverConfig) {
		files, err := NewFileSinkFactory(c.PartialDir, c.DestinationDir)
		if err != nil {
			t.Fatalf("NewFileSinkFactory: %v", err)
		}
		c.SinkFactory = func(id string, info FileInfo) (Sink, error) {
			if info.Filename == "bad.bin" {
				return nil, &IOError{Op: "create", Err: failing}
			}
			return files(id, info)
		}
	})
	bad := newRawPeer(t, network, tr)
	good := newRawPeer(t, network, tr)

	bad.fileInfo(0, "bad.bin", 10)
	report := tr.waitReport(t)
	if report.Status != ReportFailed || !errors.Is(report.Err, failing) {
		t.Fatalf("report = %s (%v), want failed with the sink error", report.Status, report.Err)
	}
	bad.expectSilence(50 * time.Millisecond)

	good.fileInfo(0, "good.bin", 2)
	good.expectAck(0)
	good.send(DataPacket, 1, []byte("hi"))
	good.expectAck(1)
	if report := tr.waitReport(t); report.Status != ReportComplete {
		t.Fatalf("status = %s, want complete", report.Status)
	}
}

func TestRecentReportsAreBounded(t *testing.T) {
	network := newMemNetwork()
	tr := startReceiver(t, network, nil)
	peer := newRawPeer(t, network, tr)

	for i := 0; i < maxRecentReports+5; i++ {
		seq := uint16(i * 2)
		peer.fileInfo(seq, "empty.bin", 0)
		peer.expectAck(seq)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(tr.RecentReports()) < maxRecentReports && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(tr.RecentReports()); n != maxRecentReports {
		t.Errorf("RecentReports holds %d entries, want %d", n, maxRecentReports)
	}
}
