package session

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"

	"firestige.xyz/tracelens/internal/core"
)

// streamFactory hands tcpassembly one stream per session direction.
type streamFactory struct {
	session *Session
	client  gopacket.Endpoint
	port    gopacket.Endpoint
	closed  [2]bool
}

func newStreamFactory(s *Session) *streamFactory {
	return &streamFactory{
		session: s,
		client:  addrEndpoint(s.Client.Addr()),
		port:    layers.NewTCPPortEndpoint(layers.TCPPort(s.Client.Port())),
	}
}

func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	dir := core.DirDownlink
	if netFlow.Src() == f.client && tcpFlow.Src() == f.port {
		dir = core.DirUplink
	}
	// A direction is reassembled once. Segments after its FIN would open a
	// second connection in the assembler.
	if f.closed[dir] {
		return discard{}
	}
	return &stream{factory: f, dir: dir}
}

type stream struct {
	factory *streamFactory
	dir     core.Direction
}

func (s *stream) Reassembled(rs []tcpassembly.Reassembly) {
	sess := s.factory.session
	for _, r := range rs {
		if len(r.Bytes) == 0 {
			continue
		}
		// Bytes are only valid for the duration of the call
		data := make([]byte, len(r.Bytes))
		copy(data, r.Bytes)
		sess.streams[s.dir] = append(sess.streams[s.dir], Chunk{
			Data: data,
			Seen: r.Seen,
			Skip: r.Skip,
		})
	}
}

func (s *stream) ReassemblyComplete() {
	s.factory.closed[s.dir] = true
}

type discard struct{}

func (discard) Reassembled([]tcpassembly.Reassembly) {}
func (discard) ReassemblyComplete()                  {}

func addrEndpoint(a netip.Addr) gopacket.Endpoint {
	return layers.NewIPEndpoint(a.AsSlice())
}

// reassemble runs the session's packets through a private assembler.
func (s *Session) reassemble(packets []core.ParsedPacket, maxPages int) {
	factory := newStreamFactory(s)
	pool := tcpassembly.NewStreamPool(factory)
	asm := tcpassembly.NewAssembler(pool)
	asm.MaxBufferedPagesPerConnection = maxPages

	for _, idx := range s.Packets {
		p := &packets[idx]
		var tcp layers.TCP
		if err := tcp.DecodeFromBytes(p.Segment, gopacket.NilDecodeFeedback); err != nil {
			continue
		}
		netFlow, _ := gopacket.FlowFromEndpoints(addrEndpoint(p.IP.SrcIP), addrEndpoint(p.IP.DstIP))
		asm.AssembleWithTimestamp(netFlow, &tcp, p.Timestamp)
	}
	asm.FlushAll()
}
