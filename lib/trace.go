package lib

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// LayerTypeTransfer decodes the transfer protocol header inside UDP.
var LayerTypeTransfer = gopacket.RegisterLayerType(2317, gopacket.LayerTypeMetadata{
	Name:    "FileTransfer",
	Decoder: gopacket.DecodeFunc(decodeTransfer),
})

// TransferLayer is the transfer protocol header as a gopacket layer.
type TransferLayer struct {
	layers.BaseLayer
	Type  PacketType
	Flags uint8
	Seq   uint16
	Ack   uint16
}

func (t *TransferLayer) LayerType() gopacket.LayerType { return LayerTypeTransfer }

func (t *TransferLayer) CanDecode() gopacket.LayerClass { return LayerTypeTransfer }

func (t *TransferLayer) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

// Payload implements gopacket.ApplicationLayer.
func (t *TransferLayer) Payload() []byte { return t.BaseLayer.Payload }

func (t *TransferLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < HeaderLength {
		df.SetTruncated()
		return newFormatError("the length(%d) of data is shorter than the header", len(data))
	}
	t.Type = PacketType(data[0])
	t.Flags = data[1]
	t.Seq = binary.BigEndian.Uint16(data[2:4])
	t.Ack = binary.BigEndian.Uint16(data[4:6])
	t.BaseLayer = layers.BaseLayer{Contents: data[:HeaderLength], Payload: data[HeaderLength:]}
	return nil
}

// SerializeTo writes the header and payload; the payload travels in the layer itself.
func (t *TransferLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	pkt := NewPacket(t.Type, t.Seq, t.Ack, t.BaseLayer.Payload)
	pkt.Flags = t.Flags
	bytes, err := b.PrependBytes(HeaderLength + len(pkt.Payload))
	if err != nil {
		return err
	}
	_, err = pkt.MarshalTo(bytes)
	return err
}

// Packet converts the layer back to a protocol packet.
func (t *TransferLayer) Packet() *Packet {
	p := NewPacket(t.Type, t.Seq, t.Ack, t.BaseLayer.Payload)
	p.Flags = t.Flags
	return p
}

func decodeTransfer(data []byte, p gopacket.PacketBuilder) error {
	t := &TransferLayer{}
	if err := t.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(t)
	p.SetApplicationLayer(t)
	return nil
}

// RegisterUDPPort makes gopacket decode UDP traffic on port as transfer packets.
func RegisterUDPPort(port int) {
	layers.RegisterUDPPortLayerType(layers.UDPPort(port), LayerTypeTransfer)
}

var (
	traceLocalMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	traceRemoteMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

const traceSnapLen = 65536

// TracingTransport records every datagram it carries into a pcap file so
// transfers can be inspected with standard capture tools.
type TracingTransport struct {
	Transport
	mu     sync.Mutex
	file   *os.File
	writer *pcapgo.Writer
	buf    gopacket.SerializeBuffer
}

func NewTracingTransport(inner Transport, path string) (*TracingTransport, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(traceSnapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("write trace header: %w", err)
	}
	return &TracingTransport{
		Transport: inner,
		file:      f,
		writer:    w,
		buf:       gopacket.NewSerializeBuffer(),
	}, nil
}

func (t *TracingTransport) Send(b []byte, addr net.Addr) error {
	err := t.Transport.Send(b, addr)
	if err == nil {
		t.record(t.Transport.LocalAddr(), addr, b, true)
	}
	return err
}

func (t *TracingTransport) Receive(buf []byte, timeout time.Duration) (int, net.Addr, error) {
	n, addr, err := t.Transport.Receive(buf, timeout)
	if err == nil {
		t.record(addr, t.Transport.LocalAddr(), buf[:n], false)
	}
	return n, addr, err
}

func (t *TracingTransport) Close() error {
	err := t.Transport.Close()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		err = errors.Join(err, t.file.Close())
		t.file = nil
	}
	return err
}

func (t *TracingTransport) record(src, dst net.Addr, data []byte, outgoing bool) {
	srcUDP, ok1 := src.(*net.UDPAddr)
	dstUDP, ok2 := dst.(*net.UDPAddr)
	if !ok1 || !ok2 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return
	}

	eth := &layers.Ethernet{SrcMAC: traceLocalMAC, DstMAC: traceRemoteMAC}
	if !outgoing {
		eth.SrcMAC, eth.DstMAC = traceRemoteMAC, traceLocalMAC
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcUDP.Port), DstPort: layers.UDPPort(dstUDP.Port)}

	var network gopacket.NetworkLayer
	srcIP4, dstIP4 := traceIPv4(srcUDP.IP), traceIPv4(dstUDP.IP)
	if srcIP4 != nil && dstIP4 != nil {
		eth.EthernetType = layers.EthernetTypeIPv4
		network = &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: srcIP4, DstIP: dstIP4}
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		network = &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolUDP, SrcIP: traceIPv6(srcUDP.IP), DstIP: traceIPv6(dstUDP.IP)}
	}
	if err := udp.SetNetworkLayerForChecksum(network); err != nil {
		slog.Debug("trace checksum setup failed", "err", err)
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(t.buf, opts,
		eth, network.(gopacket.SerializableLayer), udp, gopacket.Payload(data)); err != nil {
		slog.Debug("cannot serialize trace record", "err", err)
		return
	}
	frame := t.buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(frame), Length: len(frame)}
	if err := t.writer.WritePacket(ci, frame); err != nil {
		slog.Warn("cannot write trace record", "err", err)
	}
}

// traceIPv4 returns the IPv4 form of ip, mapping the unspecified address to loopback.
func traceIPv4(ip net.IP) net.IP {
	if ip == nil || ip.IsUnspecified() {
		return net.IPv4(127, 0, 0, 1).To4()
	}
	return ip.To4()
}

func traceIPv6(ip net.IP) net.IP {
	if ip == nil || ip.IsUnspecified() {
		return net.IPv6loopback
	}
	return ip.To16()
}

// TraceRecord is one datagram read back from a trace file.
type TraceRecord struct {
	Timestamp time.Time
	Src       string
	Dst       string
	Packet    *Packet
}

// ReadTrace decodes every transfer packet of a pcap file written by TracingTransport.
// Frames that carry no transfer packet are skipped.
func ReadTrace(r io.Reader) ([]TraceRecord, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	var records []TraceRecord
	for {
		data, ci, err := reader.ReadPacketData()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("read trace: %w", err)
		}
		packet := gopacket.NewPacket(data, reader.LinkType(), gopacket.Default)
		udpLayer, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		transfer, ok := packet.Layer(LayerTypeTransfer).(*TransferLayer)
		if !ok {
			// port not registered: decode the UDP payload directly
			transfer = &TransferLayer{}
			if err := transfer.DecodeFromBytes(udpLayer.Payload, gopacket.NilDecodeFeedback); err != nil {
				continue
			}
		}
		src, dst := "", ""
		if nl := packet.NetworkLayer(); nl != nil {
			flow := nl.NetworkFlow()
			src = net.JoinHostPort(flow.Src().String(), strconv.Itoa(int(udpLayer.SrcPort)))
			dst = net.JoinHostPort(flow.Dst().String(), strconv.Itoa(int(udpLayer.DstPort)))
		}
		records = append(records, TraceRecord{
			Timestamp: ci.Timestamp,
			Src:       src,
			Dst:       dst,
			Packet:    transfer.Packet(),
		})
	}
}
