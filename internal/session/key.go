// Package session builds TCP sessions from parsed packets.
package session

import (
	"fmt"
	"hash/fnv"
	"net/netip"

	"firestige.xyz/tracelens/internal/core"
)

// Key is a direction-independent TCP 4-tuple. A is the lower endpoint.
type Key struct {
	A netip.AddrPort
	B netip.AddrPort
}

// KeyOf returns the key of a TCP packet.
func KeyOf(p *core.ParsedPacket) Key {
	src := netip.AddrPortFrom(p.IP.SrcIP, p.TCP.SrcPort)
	dst := netip.AddrPortFrom(p.IP.DstIP, p.TCP.DstPort)
	return NewKey(src, dst)
}

// NewKey orders the two endpoints.
func NewKey(x, y netip.AddrPort) Key {
	if x.Compare(y) > 0 {
		x, y = y, x
	}
	return Key{A: x, B: y}
}

func (k Key) String() string {
	return fmt.Sprintf("%s<->%s", k.A, k.B)
}

// Hash is FNV-1a over both endpoints. Equal for both directions.
func (k Key) Hash() uint32 {
	h := fnv.New32a()
	a, b := k.A.Addr().As16(), k.B.Addr().As16()
	h.Write(a[:])
	h.Write([]byte{byte(k.A.Port() >> 8), byte(k.A.Port())})
	h.Write(b[:])
	h.Write([]byte{byte(k.B.Port() >> 8), byte(k.B.Port())})
	return h.Sum32()
}

// Shard maps the key onto one of n workers.
func (k Key) Shard(n int) int {
	if n <= 1 {
		return 0
	}
	return int(k.Hash() % uint32(n))
}
