// Package decoder implements protocol decoding.
package decoder

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"time"

	"firestige.xyz/tracelens/internal/core"
)

// Reassembly constants from the BSD-Right algorithm (RFC 791).
const (
	ipv4MinFragSize    = 1     // Minimum valid fragment payload size
	ipv4MaxSize        = 65535 // Maximum IPv4 datagram size
	ipv4MaxFragOffset  = 8183  // Maximum valid fragment offset (in 8-byte units)
	ipv4MaxFragListLen = 8192  // Maximum fragments per datagram before eviction
)

// ReassemblyConfig contains configuration for IP reassembly.
type ReassemblyConfig struct {
	MaxFragments      int           `mapstructure:"max_fragments"` // Per datagram (default 100)
	MaxReassembleSize int           `mapstructure:"max_size"`      // Default 65535
	Timeout           time.Duration `mapstructure:"timeout"`       // Trace time, default 30s
}

// fragmentKey uniquely identifies a fragmented IPv4 datagram.
type fragmentKey struct {
	srcIP    [4]byte
	dstIP    [4]byte
	protocol uint8
	id       uint16
}

type fragment struct {
	offset  uint16 // In bytes
	length  uint16
	payload []byte // Copy of the fragment data
}

// fragmentList keeps fragments sorted by offset. On overlap the earlier
// arrival wins and the new fragment is trimmed (BSD-Right).
type fragmentList struct {
	list          list.List // of *fragment
	highest       uint16    // max(offset + length)
	current       uint16    // unique bytes accumulated
	finalReceived bool      // MF=0 fragment seen
	lastSeen      time.Time
}

// ReassemblyStats counts fragment handling outcomes.
type ReassemblyStats struct {
	Completed int
	Expired   int
	Rejected  int
}

// Reassembler rebuilds fragmented IPv4 datagrams. Timestamps are capture
// times, so expiry follows the trace rather than the wall clock.
// Not safe for concurrent use; decoding is sequential.
type Reassembler struct {
	flows     map[fragmentKey]*fragmentList
	config    ReassemblyConfig
	lastSweep time.Time
	stats     ReassemblyStats
}

// NewReassembler creates a new IP fragment reassembler.
func NewReassembler(cfg ReassemblyConfig) *Reassembler {
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = 100
	}
	if cfg.MaxReassembleSize <= 0 || cfg.MaxReassembleSize > ipv4MaxSize {
		cfg.MaxReassembleSize = ipv4MaxSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Reassembler{
		flows:  make(map[fragmentKey]*fragmentList),
		config: cfg,
	}
}

// Stats returns the outcome counters.
func (r *Reassembler) Stats() ReassemblyStats { return r.stats }

// Pending returns the number of incomplete datagrams held.
func (r *Reassembler) Pending() int { return len(r.flows) }

// Process takes raw IPv4 packet bytes (including IP header). Returns:
//   - Non-fragmented packet: (payload, true, nil), no copy
//   - Fragment not yet complete: (nil, false, nil)
//   - Fragment reassembled: (datagram payload, true, nil)
//   - Limits exceeded: (nil, false, err)
func (r *Reassembler) Process(ipData []byte, timestamp time.Time) ([]byte, bool, error) {
	if len(ipData) < ipv4HeaderMinLen {
		return nil, false, core.ErrPacketTooShort
	}
	r.expire(timestamp)

	ihl := int(ipData[0]&0x0F) * 4
	if ihl < ipv4HeaderMinLen || len(ipData) < ihl {
		return nil, false, core.ErrPacketTooShort
	}

	totalLen := int(binary.BigEndian.Uint16(ipData[2:4]))
	if totalLen < ihl || totalLen > len(ipData) {
		totalLen = len(ipData)
	}

	flagsOffset := binary.BigEndian.Uint16(ipData[6:8])
	moreFragments := flagsOffset&0x2000 != 0
	fragOffset := flagsOffset & 0x1FFF

	if !moreFragments && fragOffset == 0 {
		return ipData[ihl:totalLen], true, nil
	}

	byteOffset := fragOffset * 8
	fragPayloadLen := uint16(totalLen - ihl)
	if err := securityChecks(fragPayloadLen, fragOffset); err != nil {
		r.stats.Rejected++
		return nil, false, err
	}

	key := fragmentKey{protocol: ipData[9], id: binary.BigEndian.Uint16(ipData[4:6])}
	copy(key.srcIP[:], ipData[12:16])
	copy(key.dstIP[:], ipData[16:20])

	fl, ok := r.flows[key]
	if !ok {
		fl = &fragmentList{}
		r.flows[key] = fl
	}

	if fl.list.Len() >= ipv4MaxFragListLen || fl.list.Len() >= r.config.MaxFragments {
		delete(r.flows, key)
		r.stats.Rejected++
		return nil, false, fmt.Errorf("%w: %d fragments", core.ErrReassemblyLimit, fl.list.Len())
	}

	fl.lastSeen = timestamp
	if !moreFragments {
		fl.finalReceived = true
		if end := byteOffset + fragPayloadLen; end > fl.highest {
			fl.highest = end
		}
	}

	payload := make([]byte, fragPayloadLen)
	copy(payload, ipData[ihl:totalLen])
	fl.insert(&fragment{offset: byteOffset, length: fragPayloadLen, payload: payload})

	if !fl.finalReceived || fl.current < fl.highest {
		return nil, false, nil
	}

	delete(r.flows, key)
	if int(fl.highest) > r.config.MaxReassembleSize {
		r.stats.Rejected++
		return nil, false, fmt.Errorf("%w: reassembled size %d", core.ErrReassemblyLimit, fl.highest)
	}
	r.stats.Completed++
	return fl.build(), true, nil
}

// securityChecks rejects fragments that cannot belong to a valid datagram.
func securityChecks(fragSize, fragOffset uint16) error {
	if fragSize < ipv4MinFragSize {
		return fmt.Errorf("%w: fragment too small: %d bytes", core.ErrReassemblyLimit, fragSize)
	}
	if fragOffset > ipv4MaxFragOffset {
		return fmt.Errorf("%w: fragment offset too large: %d", core.ErrReassemblyLimit, fragOffset)
	}
	if end := uint32(fragOffset)*8 + uint32(fragSize); end > ipv4MaxSize {
		return fmt.Errorf("%w: fragment would end at %d", core.ErrReassemblyLimit, end)
	}
	return nil
}

// insert places frag by offset, keeping earlier data on overlap.
func (fl *fragmentList) insert(frag *fragment) {
	fragEnd := frag.offset + frag.length
	if fragEnd > fl.highest && !fl.finalReceived {
		fl.highest = fragEnd
	}

	// First element with offset >= frag.offset
	var insertBefore *list.Element
	for e := fl.list.Front(); e != nil; e = e.Next() {
		if e.Value.(*fragment).offset >= frag.offset {
			insertBefore = e
			break
		}
	}

	startAt := frag.offset
	var prev *list.Element
	if insertBefore != nil {
		prev = insertBefore.Prev()
	} else {
		prev = fl.list.Back()
	}
	if prev != nil {
		p := prev.Value.(*fragment)
		if prevEnd := p.offset + p.length; prevEnd > startAt {
			startAt = prevEnd
		}
	}

	endAt := fragEnd
	if insertBefore != nil {
		if next := insertBefore.Value.(*fragment); next.offset < endAt {
			endAt = next.offset
		}
	}
	if startAt >= endAt {
		return
	}

	trimmed := &fragment{
		offset:  startAt,
		length:  endAt - startAt,
		payload: frag.payload[startAt-frag.offset : endAt-frag.offset],
	}
	if insertBefore != nil {
		fl.list.InsertBefore(trimmed, insertBefore)
	} else {
		fl.list.PushBack(trimmed)
	}
	fl.current += trimmed.length
}

func (fl *fragmentList) build() []byte {
	out := make([]byte, fl.highest)
	for e := fl.list.Front(); e != nil; e = e.Next() {
		f := e.Value.(*fragment)
		copy(out[f.offset:f.offset+f.length], f.payload)
	}
	return out
}

// expire drops incomplete datagrams idle longer than the timeout.
func (r *Reassembler) expire(now time.Time) {
	if now.Sub(r.lastSweep) < r.config.Timeout/2 {
		return
	}
	r.lastSweep = now
	for key, fl := range r.flows {
		if now.Sub(fl.lastSeen) > r.config.Timeout {
			delete(r.flows, key)
			r.stats.Expired++
		}
	}
}
