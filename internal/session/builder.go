package session

import (
	"net/netip"
	"runtime"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"firestige.xyz/tracelens/internal/core"
	"firestige.xyz/tracelens/internal/log"
)

// Config tunes session building.
type Config struct {
	Workers          int `mapstructure:"workers"`
	MaxBufferedPages int `mapstructure:"max_buffered_pages"` // Per connection per direction, 0 unlimited
}

// Builder turns parsed packets into sessions.
type Builder struct {
	config Config
	log    log.Logger
}

func NewBuilder(cfg Config) *Builder {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	return &Builder{
		config: cfg,
		log:    log.GetLogger().WithField("prefix", "session"),
	}
}

type group struct {
	key     Key
	packets []int
}

// Build groups the TCP packets by 4-tuple and splits each group into
// lifecycles. Sessions are ordered by their first packet and numbered from 0.
func (b *Builder) Build(packets []core.ParsedPacket) []*Session {
	groups := groupByKey(packets)

	shards := make([][]*group, b.config.Workers)
	for _, g := range groups {
		n := g.key.Shard(b.config.Workers)
		shards[n] = append(shards[n], g)
	}

	results := make([][]*Session, len(shards))
	p := pool.New().WithMaxGoroutines(b.config.Workers)
	for i, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		p.Go(func() {
			var out []*Session
			for _, g := range shard {
				out = append(out, b.split(packets, g)...)
			}
			results[i] = out
		})
	}
	p.Wait()

	var sessions []*Session
	for _, r := range results {
		sessions = append(sessions, r...)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Packets[0] < sessions[j].Packets[0]
	})
	for id, s := range sessions {
		s.ID = id
		for i := range s.Anomalies {
			s.Anomalies[i].Session = id
		}
	}

	b.log.WithFields(map[string]interface{}{
		"groups":   len(groups),
		"sessions": len(sessions),
		"workers":  b.config.Workers,
	}).Info("sessions built")
	return sessions
}

func groupByKey(packets []core.ParsedPacket) []*group {
	index := make(map[Key]*group)
	var groups []*group
	for i := range packets {
		p := &packets[i]
		if !p.IsTCP() {
			continue
		}
		k := KeyOf(p)
		g, ok := index[k]
		if !ok {
			g = &group{key: k}
			index[k] = g
			groups = append(groups, g)
		}
		g.packets = append(g.packets, i)
	}
	return groups
}

// split walks one 4-tuple in arrival order keeping a single open slot.
func (b *Builder) split(packets []core.ParsedPacket, g *group) []*Session {
	var (
		out []*Session
		cur *Session
	)
	finalize := func() {
		if cur == nil {
			return
		}
		b.finalize(packets, cur)
		out = append(out, cur)
		cur = nil
	}

	for _, idx := range g.packets {
		p := &packets[idx]
		syn := p.TCP.Flags.Has(core.TCPFlagSYN) && !p.TCP.Flags.Has(core.TCPFlagACK)
		if cur != nil && syn {
			switch {
			case cur.finished():
				finalize()
			case cur.State == StateSynSeen && p.TCP.Seq == cur.isn &&
				cur.Direction(p) == core.DirUplink:
				// Retransmitted SYN, same lifecycle
			default:
				cur.anomaly(core.AnomalyPortReuse, idx,
					"SYN with new ISN %d on open session (ISN %d)", p.TCP.Seq, cur.isn)
				finalize()
			}
		}
		if cur == nil {
			cur = open(g.key, p, idx)
		}
		cur.add(p, idx)
	}
	finalize()
	return out
}

// open starts a session with p as its first packet.
func open(key Key, p *core.ParsedPacket, idx int) *Session {
	src := netip.AddrPortFrom(p.IP.SrcIP, p.TCP.SrcPort)
	dst := netip.AddrPortFrom(p.IP.DstIP, p.TCP.DstPort)
	s := &Session{
		Key:   key,
		Start: p.Timestamp,
		End:   p.Timestamp,
		TLS:   -1,
	}

	flags := p.TCP.Flags
	switch {
	case flags.Has(core.TCPFlagSYN) && !flags.Has(core.TCPFlagACK):
		s.Client, s.Server = src, dst
		s.State = StateSynSeen
		s.isn = p.TCP.Seq
		s.synTime = p.Timestamp
		return s
	case flags.Has(core.TCPFlagSYN | core.TCPFlagACK):
		// The SYN was not captured
		s.Client, s.Server = dst, src
	default:
		s.Client, s.Server = roles(src, dst)
	}
	s.State = StateEstablished
	s.anomaly(core.AnomalyNoHandshake, idx, "first packet is not a SYN")
	return s
}

// roles picks client and server when no SYN was seen. The endpoint on a
// well-known port is the server, else the first sender is the client.
func roles(src, dst netip.AddrPort) (client, server netip.AddrPort) {
	srcWK, dstWK := wellKnown(src.Port()), wellKnown(dst.Port())
	switch {
	case dstWK && !srcWK:
		return src, dst
	case srcWK && !dstWK:
		return dst, src
	case srcWK && dstWK && src.Port() < dst.Port():
		return dst, src
	}
	return src, dst
}

func wellKnown(port uint16) bool {
	return port < 1024 || port == 8080 || port == 8443
}

func (b *Builder) finalize(packets []core.ParsedPacket, s *Session) {
	s.reassemble(packets, b.config.MaxBufferedPages)
	if n := s.Stats.Retransmissions[0] + s.Stats.Retransmissions[1]; n > 0 {
		s.anomaly(core.AnomalyRetransmission, s.Packets[0],
			"%d retransmitted segments, %d bytes", n, s.Stats.RetransBytes[0]+s.Stats.RetransBytes[1])
	}
	if b.log.IsDebugEnabled() {
		b.log.WithFields(map[string]interface{}{
			"key":     s.Key.String(),
			"state":   s.State.String(),
			"packets": len(s.Packets),
		}).Debug("session finalized")
	}
}
