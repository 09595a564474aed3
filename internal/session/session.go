package session

import (
	"bytes"
	"fmt"
	"net/netip"
	"time"

	"firestige.xyz/tracelens/internal/core"
)

// State is the TCP lifecycle state of a session.
type State uint8

const (
	StateSynSeen State = iota
	StateEstablished
	StateClosing
	StateClosed
	StateReset
)

func (s State) String() string {
	switch s {
	case StateSynSeen:
		return "SYN_SEEN"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateReset:
		return "RESET"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Entry is one packet of a session direction, in arrival order.
type Entry struct {
	Packet         int // Index into the packet arena
	Timestamp      time.Time
	Seq            uint32
	Len            int // Payload bytes
	Flags          core.TCPFlags
	Retransmission bool // Starts below the highest sequence already accepted
	OutOfOrder     bool // Starts beyond the next expected sequence
}

// Chunk is a run of reassembled stream bytes.
type Chunk struct {
	Data []byte
	Seen time.Time
	Skip int // Bytes missing before Data, -1 when the stream start is unknown
}

// Stats are per-session counters, indexed by direction.
type Stats struct {
	Packets         [2]int
	PayloadBytes    [2]int
	Retransmissions [2]int
	RetransBytes    [2]int
	OutOfOrder      [2]int
	HandshakeRTT    time.Duration
}

// Session is one TCP connection lifecycle on a 4-tuple. A 4-tuple reused
// after FIN or RST yields a new Session.
type Session struct {
	ID     int
	Key    Key
	Client netip.AddrPort
	Server netip.AddrPort
	State  State
	Start  time.Time
	End    time.Time

	Packets []int      // Packet indices in arrival order
	Entries [2][]Entry // Per direction, arrival order
	Stats   Stats

	Protected bool // Payload is TLS
	TLS       int  // Index into the TLS arena, -1 when none

	Anomalies []core.Anomaly

	streams [2][]Chunk
	dirs    [2]seqTracker
	isn     uint32
	synTime time.Time
	synAck  bool
	fin     [2]bool
}

type seqTracker struct {
	init    bool
	highest uint32 // One past the highest sequence accepted
}

// SawSyn reports whether the capture holds the client's SYN.
func (s *Session) SawSyn() bool { return !s.synTime.IsZero() }

// Direction returns the direction of a packet belonging to s.
func (s *Session) Direction(p *core.ParsedPacket) core.Direction {
	if p.IP.SrcIP == s.Client.Addr() && p.TCP.SrcPort == s.Client.Port() {
		return core.DirUplink
	}
	return core.DirDownlink
}

// Stream returns the reassembled chunks of one direction.
func (s *Session) Stream(dir core.Direction) []Chunk { return s.streams[dir] }

// Payload returns the reassembled bytes of one direction.
func (s *Session) Payload(dir core.Direction) []byte {
	var buf bytes.Buffer
	for _, c := range s.streams[dir] {
		buf.Write(c.Data)
	}
	return buf.Bytes()
}

// Duration is the time between the first and last packet.
func (s *Session) Duration() time.Duration { return s.End.Sub(s.Start) }

// Open reports whether the session ended without FIN or RST.
func (s *Session) Open() bool {
	return s.State != StateClosed && s.State != StateReset
}

func (s *Session) anomaly(kind core.AnomalyKind, frame int, format string, args ...any) {
	s.Anomalies = append(s.Anomalies, core.Anomaly{
		Kind:    kind,
		Frame:   frame,
		Session: s.ID,
		Message: fmt.Sprintf(format, args...),
	})
}

// seqLess compares sequence numbers in serial arithmetic (RFC 1982).
func seqLess(a, b uint32) bool { return int32(a-b) < 0 }

// add appends a packet to the session and advances its state.
func (s *Session) add(p *core.ParsedPacket, idx int) {
	dir := s.Direction(p)
	flags := p.TCP.Flags
	e := Entry{
		Packet:    idx,
		Timestamp: p.Timestamp,
		Seq:       p.TCP.Seq,
		Len:       len(p.Payload),
		Flags:     flags,
	}

	switch {
	case flags.Has(core.TCPFlagSYN | core.TCPFlagFIN):
		s.anomaly(core.AnomalyMalformedFlags, idx, "SYN and FIN set")
	case flags.Has(core.TCPFlagSYN | core.TCPFlagRST):
		s.anomaly(core.AnomalyMalformedFlags, idx, "SYN and RST set")
	case flags == 0:
		s.anomaly(core.AnomalyMalformedFlags, idx, "no flags set")
	}

	s.track(dir, &e, flags)

	s.Packets = append(s.Packets, idx)
	s.Entries[dir] = append(s.Entries[dir], e)
	s.Stats.Packets[dir]++
	s.Stats.PayloadBytes[dir] += e.Len
	if p.Timestamp.After(s.End) {
		s.End = p.Timestamp
	}

	s.transition(dir, p, flags)
}

// track classifies the segment against the direction's sequence space.
func (s *Session) track(dir core.Direction, e *Entry, flags core.TCPFlags) {
	span := uint32(e.Len)
	if flags.Has(core.TCPFlagSYN) {
		span++
	}
	if flags.Has(core.TCPFlagFIN) {
		span++
	}
	d := &s.dirs[dir]
	end := e.Seq + span
	if !d.init {
		d.init = true
		d.highest = end
		return
	}
	if span == 0 {
		return
	}
	switch {
	case seqLess(e.Seq, d.highest):
		e.Retransmission = true
		s.Stats.Retransmissions[dir]++
		dup := end
		if seqLess(d.highest, end) {
			dup = d.highest
		}
		if e.Len > 0 {
			s.Stats.RetransBytes[dir] += min(int(dup-e.Seq), e.Len)
		}
	case seqLess(d.highest, e.Seq):
		e.OutOfOrder = true
		s.Stats.OutOfOrder[dir]++
	}
	if seqLess(d.highest, end) {
		d.highest = end
	}
}

func (s *Session) transition(dir core.Direction, p *core.ParsedPacket, flags core.TCPFlags) {
	if flags.Has(core.TCPFlagRST) {
		s.State = StateReset
		return
	}
	if s.State == StateReset {
		return
	}

	if flags.Has(core.TCPFlagSYN|core.TCPFlagACK) && dir == core.DirDownlink && !s.synAck {
		s.synAck = true
		if !s.synTime.IsZero() {
			s.Stats.HandshakeRTT = p.Timestamp.Sub(s.synTime)
		}
	}
	if s.State == StateSynSeen && dir == core.DirUplink && s.synAck && flags.Has(core.TCPFlagACK) {
		s.State = StateEstablished
	}

	if flags.Has(core.TCPFlagFIN) {
		s.fin[dir] = true
		if s.fin[0] && s.fin[1] {
			s.State = StateClosed
		} else {
			s.State = StateClosing
		}
	}
}

// finished reports whether the session saw FIN or RST, so a new SYN on the
// same 4-tuple starts a new lifecycle.
func (s *Session) finished() bool {
	return s.fin[0] || s.fin[1] || s.State == StateReset
}
