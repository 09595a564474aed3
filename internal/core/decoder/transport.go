// Package decoder implements protocol decoding.
package decoder

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/tracelens/internal/core"
)

const (
	udpHeaderLen = 8

	// Protocol numbers
	protocolICMPv4 = 1
	protocolTCP    = 6
	protocolUDP    = 17
	protocolICMPv6 = 58

	dnsPort  = 53
	mdnsPort = 5353
)

// decodeTransport decodes the transport header into pkt, which already
// carries its IP header. seg is the IP payload.
func decodeTransport(pkt *core.ParsedPacket, seg []byte, verify bool) error {
	pkt.Segment = seg
	switch pkt.IP.Protocol {
	case protocolTCP:
		return decodeTCP(pkt, seg, verify)
	case protocolUDP:
		return decodeUDP(pkt, seg, verify)
	case protocolICMPv4:
		return decodeICMPv4(pkt, seg)
	case protocolICMPv6:
		return decodeICMPv6(pkt, seg)
	}
	pkt.Transport = core.TransportOther
	pkt.Payload = seg
	return nil
}

// decodeTCP decodes the TCP header and options, and verifies the checksum
// over the pseudo-header when the segment was captured whole.
func decodeTCP(pkt *core.ParsedPacket, seg []byte, verify bool) error {
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(seg, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("%w: %v", core.ErrPacketTooShort, err)
	}

	h := core.TCPHeader{
		SrcPort:   uint16(tcp.SrcPort),
		DstPort:   uint16(tcp.DstPort),
		Seq:       tcp.Seq,
		Ack:       tcp.Ack,
		Window:    tcp.Window,
		Urgent:    tcp.Urgent,
		HeaderLen: int(tcp.DataOffset) * 4,
		Checksum:  tcp.Checksum,
	}
	// Flag byte at offset 13
	h.Flags = core.TCPFlags(seg[13])
	h.Options = parseTCPOptions(tcp.Options)

	if verify {
		h.ChecksumStatus = verifyTransport(pkt.IP, protocolTCP, seg)
	}

	pkt.Transport = core.TransportTCP
	pkt.TCP = h
	pkt.Payload = tcp.Payload
	return nil
}

func parseTCPOptions(opts []layers.TCPOption) core.TCPOptions {
	var out core.TCPOptions
	for _, o := range opts {
		d := o.OptionData
		switch o.OptionType {
		case layers.TCPOptionKindMSS:
			if len(d) == 2 {
				mss := binary.BigEndian.Uint16(d)
				out.MSS = &mss
			}
		case layers.TCPOptionKindWindowScale:
			if len(d) == 1 {
				ws := d[0]
				out.WindowScale = &ws
			}
		case layers.TCPOptionKindSACKPermitted:
			out.SACKPermitted = true
		case layers.TCPOptionKindSACK:
			for i := 0; i+8 <= len(d); i += 8 {
				out.SACK = append(out.SACK, core.SACKBlock{
					Left:  binary.BigEndian.Uint32(d[i : i+4]),
					Right: binary.BigEndian.Uint32(d[i+4 : i+8]),
				})
			}
		case layers.TCPOptionKindTimestamps:
			if len(d) == 8 {
				out.Timestamp = &core.TCPTimestamp{
					Value: binary.BigEndian.Uint32(d[0:4]),
					Echo:  binary.BigEndian.Uint32(d[4:8]),
				}
			}
		}
	}
	return out
}

// decodeUDP decodes the UDP header and, on DNS ports, the DNS message.
func decodeUDP(pkt *core.ParsedPacket, seg []byte, verify bool) error {
	if len(seg) < udpHeaderLen {
		return core.ErrPacketTooShort
	}

	h := core.UDPHeader{
		SrcPort:  binary.BigEndian.Uint16(seg[0:2]),
		DstPort:  binary.BigEndian.Uint16(seg[2:4]),
		Length:   binary.BigEndian.Uint16(seg[4:6]),
		Checksum: binary.BigEndian.Uint16(seg[6:8]),
	}
	// Zero means no checksum was sent
	if verify && h.Checksum != 0 {
		h.ChecksumStatus = verifyTransport(pkt.IP, protocolUDP, seg)
	}

	payload := seg[udpHeaderLen:]
	if l := int(h.Length); l >= udpHeaderLen && l <= len(seg) {
		payload = seg[udpHeaderLen:l]
	}

	pkt.Transport = core.TransportUDP
	pkt.UDP = h
	pkt.Payload = payload

	if isDNSPort(h.SrcPort) || isDNSPort(h.DstPort) {
		pkt.DNS = decodeDNS(payload)
	}
	return nil
}

func isDNSPort(p uint16) bool { return p == dnsPort || p == mdnsPort }

// decodeDNS returns nil for payloads that are not DNS.
func decodeDNS(payload []byte) *core.DNSMessage {
	var dns layers.DNS
	if err := dns.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return nil
	}
	msg := &core.DNSMessage{
		ID:       dns.ID,
		Response: dns.QR,
		RCode:    uint8(dns.ResponseCode),
	}
	for _, q := range dns.Questions {
		msg.Questions = append(msg.Questions, string(q.Name))
	}
	for _, a := range dns.Answers {
		if a.Type != layers.DNSTypeA && a.Type != layers.DNSTypeAAAA {
			continue
		}
		if addr, ok := netip.AddrFromSlice(a.IP); ok {
			msg.Answers = append(msg.Answers, addr.Unmap())
		}
	}
	return msg
}

func decodeICMPv4(pkt *core.ParsedPacket, seg []byte) error {
	var icmp layers.ICMPv4
	if err := icmp.DecodeFromBytes(seg, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("%w: %v", core.ErrPacketTooShort, err)
	}
	pkt.Transport = core.TransportICMPv4
	pkt.ICMP = core.ICMPHeader{Type: icmp.TypeCode.Type(), Code: icmp.TypeCode.Code()}
	pkt.Payload = icmp.Payload
	return nil
}

func decodeICMPv6(pkt *core.ParsedPacket, seg []byte) error {
	var icmp layers.ICMPv6
	if err := icmp.DecodeFromBytes(seg, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("%w: %v", core.ErrPacketTooShort, err)
	}
	pkt.Transport = core.TransportICMPv6
	pkt.ICMP = core.ICMPHeader{Type: icmp.TypeCode.Type(), Code: icmp.TypeCode.Code()}
	pkt.Payload = icmp.Payload
	return nil
}

func verifyTransport(ip core.IPHeader, proto uint8, seg []byte) core.ChecksumStatus {
	if TransportChecksum(ip.SrcIP, ip.DstIP, proto, seg) == 0 {
		return core.ChecksumValid
	}
	return core.ChecksumInvalid
}
