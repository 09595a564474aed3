// Package tracetest synthesizes frames and capture files for tests.
package tracetest

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Frame is one synthesized capture record.
type Frame struct {
	Time time.Time
	Data []byte
}

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Segment describes one TCP segment.
type Segment struct {
	Src, Dst netip.AddrPort
	Seq, Ack uint32
	SYN, ACK bool
	FIN, RST bool
	PSH      bool
	Window   uint16
	Options  []layers.TCPOption
	Payload  []byte
}

// TCP serializes an Ethernet/IP/TCP frame with valid checksums.
func TCP(s Segment) []byte {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.Src.Port()),
		DstPort: layers.TCPPort(s.Dst.Port()),
		Seq:     s.Seq,
		Ack:     s.Ack,
		SYN:     s.SYN,
		ACK:     s.ACK,
		FIN:     s.FIN,
		RST:     s.RST,
		PSH:     s.PSH,
		Window:  s.Window,
		Options: s.Options,
	}
	if tcp.Window == 0 {
		tcp.Window = 65535
	}
	return serialize(s.Src.Addr(), s.Dst.Addr(), layers.IPProtocolTCP, tcp, s.Payload)
}

// UDP serializes an Ethernet/IP/UDP frame with valid checksums.
func UDP(src, dst netip.AddrPort, payload []byte) []byte {
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	return serialize(src.Addr(), dst.Addr(), layers.IPProtocolUDP, udp, payload)
}

type checksummed interface {
	gopacket.SerializableLayer
	SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
}

func serialize(src, dst netip.Addr, proto layers.IPProtocol, l4 checksummed, payload []byte) []byte {
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: serverMAC}
	var l3 gopacket.SerializableLayer
	if src.Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Flags:    layers.IPv4DontFragment,
			Protocol: proto,
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}
		l4.SetNetworkLayerForChecksum(ip)
		l3 = ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: proto,
			SrcIP:      net.IP(src.AsSlice()),
			DstIP:      net.IP(dst.AsSlice()),
		}
		l4.SetNetworkLayerForChecksum(ip)
		l3 = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, l3, l4, gopacket.Payload(payload)); err != nil {
		panic(fmt.Sprintf("tracetest: serialize: %v", err))
	}
	return append([]byte(nil), buf.Bytes()...)
}

// WritePcap writes frames as a classic microsecond pcap with Ethernet link type.
func WritePcap(w io.Writer, frames []Frame) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return err
	}
	for _, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: f.Time, CaptureLength: len(f.Data), Length: len(f.Data)}
		if err := pw.WritePacket(ci, f.Data); err != nil {
			return err
		}
	}
	return nil
}

// WritePcapNG writes frames as pcapng with one Ethernet interface.
func WritePcapNG(w io.Writer, frames []Frame) error {
	nw, err := pcapgo.NewNgWriter(w, layers.LinkTypeEthernet)
	if err != nil {
		return err
	}
	for _, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: f.Time, CaptureLength: len(f.Data), Length: len(f.Data)}
		if err := nw.WritePacket(ci, f.Data); err != nil {
			return err
		}
	}
	return nw.Flush()
}

// Pcap returns frames encoded as a classic pcap file.
func Pcap(frames []Frame) []byte {
	var buf bytes.Buffer
	if err := WritePcap(&buf, frames); err != nil {
		panic(fmt.Sprintf("tracetest: write pcap: %v", err))
	}
	return buf.Bytes()
}

// Conversation scripts a TCP exchange between a client and a server.
// Every call advances the clock by Step.
type Conversation struct {
	Client, Server netip.AddrPort
	Step           time.Duration
	Now            time.Time
	Frames         []Frame

	clientSeq, serverSeq uint32
}

// NewConversation starts a conversation at start with a 10ms step.
func NewConversation(client, server string, start time.Time) *Conversation {
	return &Conversation{
		Client:    netip.MustParseAddrPort(client),
		Server:    netip.MustParseAddrPort(server),
		Step:      10 * time.Millisecond,
		Now:       start,
		clientSeq: 1000,
		serverSeq: 5000,
	}
}

func (c *Conversation) emit(s Segment) {
	c.Frames = append(c.Frames, Frame{Time: c.Now, Data: TCP(s)})
	c.Now = c.Now.Add(c.Step)
}

// ISN sets both initial sequence numbers.
func (c *Conversation) ISN(client, server uint32) *Conversation {
	c.clientSeq, c.serverSeq = client, server
	return c
}

// Handshake emits SYN, SYN/ACK, ACK.
func (c *Conversation) Handshake() *Conversation {
	mss := []layers.TCPOption{{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}}}
	c.emit(Segment{Src: c.Client, Dst: c.Server, Seq: c.clientSeq, SYN: true, Options: mss})
	c.clientSeq++
	c.emit(Segment{Src: c.Server, Dst: c.Client, Seq: c.serverSeq, Ack: c.clientSeq, SYN: true, ACK: true, Options: mss})
	c.serverSeq++
	c.emit(Segment{Src: c.Client, Dst: c.Server, Seq: c.clientSeq, Ack: c.serverSeq, ACK: true})
	return c
}

// ClientSends emits payload from client to server in segments of at most 1400 bytes.
func (c *Conversation) ClientSends(payload []byte) *Conversation {
	return c.send(true, payload)
}

// ServerSends emits payload from server to client in segments of at most 1400 bytes.
func (c *Conversation) ServerSends(payload []byte) *Conversation {
	return c.send(false, payload)
}

func (c *Conversation) send(fromClient bool, payload []byte) *Conversation {
	for len(payload) > 0 {
		n := min(len(payload), 1400)
		chunk := payload[:n]
		payload = payload[n:]
		if fromClient {
			c.emit(Segment{Src: c.Client, Dst: c.Server, Seq: c.clientSeq, Ack: c.serverSeq, ACK: true, PSH: true, Payload: chunk})
			c.clientSeq += uint32(n)
		} else {
			c.emit(Segment{Src: c.Server, Dst: c.Client, Seq: c.serverSeq, Ack: c.clientSeq, ACK: true, PSH: true, Payload: chunk})
			c.serverSeq += uint32(n)
		}
	}
	return c
}

// RetransmitLast re-emits the last frame at the current time.
func (c *Conversation) RetransmitLast() *Conversation {
	last := c.Frames[len(c.Frames)-1]
	c.Frames = append(c.Frames, Frame{Time: c.Now, Data: last.Data})
	c.Now = c.Now.Add(c.Step)
	return c
}

// Close emits FIN/ACK from both ends and the final ACK.
func (c *Conversation) Close() *Conversation {
	c.emit(Segment{Src: c.Client, Dst: c.Server, Seq: c.clientSeq, Ack: c.serverSeq, FIN: true, ACK: true})
	c.clientSeq++
	c.emit(Segment{Src: c.Server, Dst: c.Client, Seq: c.serverSeq, Ack: c.clientSeq, FIN: true, ACK: true})
	c.serverSeq++
	c.emit(Segment{Src: c.Client, Dst: c.Server, Seq: c.clientSeq, Ack: c.serverSeq, ACK: true})
	return c
}

// Reset emits RST from the client.
func (c *Conversation) Reset() *Conversation {
	c.emit(Segment{Src: c.Client, Dst: c.Server, Seq: c.clientSeq, RST: true})
	return c
}

// Wait advances the clock.
func (c *Conversation) Wait(d time.Duration) *Conversation {
	c.Now = c.Now.Add(d)
	return c
}
