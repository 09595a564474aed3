package decoder

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tracelens/internal/core"
	"firestige.xyz/tracelens/internal/tracetest"
)

var (
	client = netip.MustParseAddrPort("192.168.1.10:40000")
	server = netip.MustParseAddrPort("93.184.216.34:80")
)

func rawFrame(data []byte, lt core.LinkType) core.RawFrame {
	return core.RawFrame{
		Index:      7,
		Timestamp:  time.Unix(1700000000, 0),
		LinkType:   lt,
		Data:       data,
		CaptureLen: uint32(len(data)),
		OrigLen:    uint32(len(data)),
	}
}

func optionFrame(payload []byte) []byte {
	return tracetest.TCP(tracetest.Segment{
		Src: client, Dst: server, Seq: 100, Ack: 200, ACK: true, PSH: true, Window: 512,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
			{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
			{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{7}},
			{OptionType: layers.TCPOptionKindSACKPermitted, OptionLength: 2},
			{OptionType: layers.TCPOptionKindTimestamps, OptionLength: 10, OptionData: []byte{0, 0, 0, 1, 0, 0, 0, 2}},
		},
		Payload: payload,
	})
}

func TestDecodeTCP(t *testing.T) {
	d := New(Config{})
	data := optionFrame([]byte("hello"))

	pkt, err := d.Decode(rawFrame(data, core.LinkTypeEthernet))
	require.NoError(t, err)

	assert.Equal(t, 7, pkt.Index)
	assert.Equal(t, core.NetworkIPv4, pkt.Network)
	assert.Equal(t, core.TransportTCP, pkt.Transport)
	assert.Equal(t, client.Addr(), pkt.IP.SrcIP)
	assert.Equal(t, server.Addr(), pkt.IP.DstIP)
	assert.True(t, pkt.IP.DontFragment)
	assert.Equal(t, uint8(64), pkt.IP.TTL)
	assert.Equal(t, core.ChecksumValid, pkt.IP.ChecksumStatus)

	tcp := pkt.TCP
	assert.Equal(t, uint16(40000), tcp.SrcPort)
	assert.Equal(t, uint16(80), tcp.DstPort)
	assert.Equal(t, uint32(100), tcp.Seq)
	assert.Equal(t, uint32(200), tcp.Ack)
	assert.Equal(t, core.TCPFlagACK|core.TCPFlagPSH, tcp.Flags)
	assert.Equal(t, uint16(512), tcp.Window)
	assert.Equal(t, 40, tcp.HeaderLen)
	assert.Equal(t, core.ChecksumValid, tcp.ChecksumStatus)

	require.NotNil(t, tcp.Options.MSS)
	assert.Equal(t, uint16(1460), *tcp.Options.MSS)
	require.NotNil(t, tcp.Options.WindowScale)
	assert.Equal(t, uint8(7), *tcp.Options.WindowScale)
	assert.True(t, tcp.Options.SACKPermitted)
	require.NotNil(t, tcp.Options.Timestamp)
	assert.Equal(t, core.TCPTimestamp{Value: 1, Echo: 2}, *tcp.Options.Timestamp)

	assert.Equal(t, []byte("hello"), pkt.Payload)
	assert.Equal(t, 14+20+40, pkt.PayloadOffset)
	assert.Equal(t, data[pkt.PayloadOffset:], pkt.Payload, "payload is a range of the frame")
	assert.False(t, pkt.Corrupted)
}

func TestDecodeChecksumMismatchIsAdvisory(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte)
		check  func(t *testing.T, p core.ParsedPacket)
	}{
		{
			name:   "tcp payload",
			mutate: func(b []byte) { b[len(b)-1] ^= 0xff },
			check: func(t *testing.T, p core.ParsedPacket) {
				assert.Equal(t, core.ChecksumValid, p.IP.ChecksumStatus)
				assert.Equal(t, core.ChecksumInvalid, p.TCP.ChecksumStatus)
			},
		},
		{
			name:   "ipv4 ttl",
			mutate: func(b []byte) { b[14+8]-- },
			check: func(t *testing.T, p core.ParsedPacket) {
				assert.Equal(t, core.ChecksumInvalid, p.IP.ChecksumStatus)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := optionFrame([]byte("payload"))
			tt.mutate(data)
			pkt, err := New(Config{}).Decode(rawFrame(data, core.LinkTypeEthernet))
			require.NoError(t, err, "checksum failures never reject the packet")
			assert.True(t, pkt.Corrupted)
			assert.Equal(t, core.TransportTCP, pkt.Transport)
			tt.check(t, pkt)
		})
	}
}

func TestValidIPv4ChecksumRecomputesToZero(t *testing.T) {
	d := New(Config{})
	for i, payload := range [][]byte{nil, []byte("a"), make([]byte, 999)} {
		data := tracetest.TCP(tracetest.Segment{Src: client, Dst: server, Seq: uint32(i), ACK: true, Payload: payload})
		pkt, err := d.Decode(rawFrame(data, core.LinkTypeEthernet))
		require.NoError(t, err)
		require.Equal(t, core.ChecksumValid, pkt.IP.ChecksumStatus)
		hdr := data[14 : 14+pkt.IP.HeaderLen]
		assert.Zero(t, Checksum(hdr))
	}
}

func TestDecodeLinkTypes(t *testing.T) {
	eth := tracetest.UDP(client, netip.MustParseAddrPort("192.168.1.1:9999"), []byte{1, 2, 3})
	ipOnly := eth[14:]

	vlan := append([]byte{}, eth[:12]...)
	vlan = append(vlan, 0x81, 0x00, 0x00, 0x64) // VLAN 100
	vlan = append(vlan, eth[12:]...)

	sll := make([]byte, 16)
	sll[5] = 6 // address length
	copy(sll[6:12], []byte{1, 2, 3, 4, 5, 6})
	sll[14], sll[15] = 0x08, 0x00
	sll = append(sll, ipOnly...)

	loopLE := append([]byte{2, 0, 0, 0}, ipOnly...)
	loopBE := append([]byte{0, 0, 0, 2}, ipOnly...)

	tests := []struct {
		name string
		lt   core.LinkType
		data []byte
	}{
		{"ethernet", core.LinkTypeEthernet, eth},
		{"vlan", core.LinkTypeEthernet, vlan},
		{"raw", core.LinkTypeRaw, ipOnly},
		{"ipv4", core.LinkTypeIPv4, ipOnly},
		{"linux sll", core.LinkTypeLinuxSLL, sll},
		{"null little endian", core.LinkTypeNull, loopLE},
		{"loop big endian", core.LinkTypeLoop, loopBE},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, err := New(Config{}).Decode(rawFrame(tt.data, tt.lt))
			require.NoError(t, err)
			assert.Equal(t, core.NetworkIPv4, pkt.Network)
			assert.Equal(t, core.TransportUDP, pkt.Transport)
			assert.Equal(t, uint16(9999), pkt.UDP.DstPort)
			assert.Equal(t, core.ChecksumValid, pkt.UDP.ChecksumStatus)
			assert.Equal(t, []byte{1, 2, 3}, pkt.Payload)
			assert.Equal(t, tt.data[pkt.PayloadOffset:pkt.PayloadOffset+len(pkt.Payload)], pkt.Payload)
		})
	}

	pkt, err := New(Config{}).Decode(rawFrame(vlan, core.LinkTypeEthernet))
	require.NoError(t, err)
	assert.Equal(t, []uint16{100}, pkt.Link.VLANs)
}

func TestDecodeOtherVariants(t *testing.T) {
	arp := make([]byte, 42)
	arp[12], arp[13] = 0x08, 0x06

	tests := []struct {
		name string
		lt   core.LinkType
		data []byte
	}{
		{"unknown link type", core.LinkType(147), []byte{1, 2, 3, 4}},
		{"arp", core.LinkTypeEthernet, arp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, err := New(Config{}).Decode(rawFrame(tt.data, tt.lt))
			require.NoError(t, err)
			assert.Equal(t, core.NetworkOther, pkt.Network)
			assert.Equal(t, core.TransportNone, pkt.Transport)
		})
	}
}

func TestDecodeTruncatedFrames(t *testing.T) {
	full := optionFrame([]byte("x"))
	badIHL := append([]byte{}, full[:34]...)
	badIHL[14] = 0x4f // IHL 60 bytes, only 20 present

	tests := []struct {
		name  string
		data  []byte
		layer string
	}{
		{"ethernet", full[:10], "link"},
		{"ipv4 header", full[:14+12], "ipv4"},
		{"ipv4 ihl", badIHL, "ipv4"},
		{"tcp header", full[:14+20+10], "tcp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{}).Decode(rawFrame(tt.data, core.LinkTypeEthernet))
			require.Error(t, err)
			var pe *core.ParseError
			require.True(t, errors.As(err, &pe), "got %T", err)
			assert.Equal(t, tt.layer, pe.Layer)
			assert.Equal(t, 7, pe.Index)
			assert.ErrorIs(t, err, core.ErrPacketTooShort)
		})
	}
}

func TestDecodeSnappedFrameIsUnverified(t *testing.T) {
	data := optionFrame(make([]byte, 200))
	snapped := data[:len(data)-100]
	frame := rawFrame(snapped, core.LinkTypeEthernet)
	frame.OrigLen = uint32(len(data))

	pkt, err := New(Config{}).Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, core.ChecksumUnverified, pkt.TCP.ChecksumStatus)
	assert.Equal(t, len(data), pkt.Length)
	assert.Len(t, pkt.Payload, 100)
	assert.False(t, pkt.Corrupted)
}

func TestDecodeDNS(t *testing.T) {
	dns := &layers.DNS{
		ID:           0x1234,
		QR:           true,
		OpCode:       layers.DNSOpCodeQuery,
		ResponseCode: layers.DNSResponseCodeNoErr,
		Questions:    []layers.DNSQuestion{{Name: []byte("example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN}},
		Answers: []layers.DNSResourceRecord{{
			Name: []byte("example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN,
			TTL: 60, IP: net.IP{93, 184, 216, 34},
		}},
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, dns.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}))

	data := tracetest.UDP(netip.MustParseAddrPort("8.8.8.8:53"), client, buf.Bytes())
	pkt, err := New(Config{}).Decode(rawFrame(data, core.LinkTypeEthernet))
	require.NoError(t, err)
	require.NotNil(t, pkt.DNS)
	assert.Equal(t, uint16(0x1234), pkt.DNS.ID)
	assert.True(t, pkt.DNS.Response)
	assert.Equal(t, []string{"example.com"}, pkt.DNS.Questions)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("93.184.216.34")}, pkt.DNS.Answers)
}

func TestDecodeICMP(t *testing.T) {
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolICMPv4,
		SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2}}
	eth := &layers.Ethernet{SrcMAC: net.HardwareAddr{0, 1, 2, 3, 4, 5}, DstMAC: net.HardwareAddr{0, 1, 2, 3, 4, 6},
		EthernetType: layers.EthernetTypeIPv4}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, icmp, gopacket.Payload("ping")))

	pkt, err := New(Config{}).Decode(rawFrame(buf.Bytes(), core.LinkTypeEthernet))
	require.NoError(t, err)
	assert.Equal(t, core.TransportICMPv4, pkt.Transport)
	assert.Equal(t, uint8(layers.ICMPv4TypeEchoRequest), pkt.ICMP.Type)
}
