package decoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"firestige.xyz/tracelens/internal/core"
)

// buildIPv4Fragment constructs a raw IPv4 packet with fragmentation fields
// and a valid header checksum. fragOffset is in 8-byte units.
func buildIPv4Fragment(id uint16, fragOffset uint16, moreFragments bool, payload []byte) []byte {
	pkt := make([]byte, 20+len(payload))
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	binary.BigEndian.PutUint16(pkt[4:6], id)
	flagsOffset := fragOffset & 0x1FFF
	if moreFragments {
		flagsOffset |= 0x2000
	}
	binary.BigEndian.PutUint16(pkt[6:8], flagsOffset)
	pkt[8] = 64
	pkt[9] = protocolUDP
	copy(pkt[12:16], []byte{10, 0, 0, 1})
	copy(pkt[16:20], []byte{10, 0, 0, 2})
	binary.BigEndian.PutUint16(pkt[10:12], Checksum(pkt[:20]))
	copy(pkt[20:], payload)
	return pkt
}

func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestReassemblerNonFragment(t *testing.T) {
	r := NewReassembler(ReassemblyConfig{})
	ipData := buildIPv4Fragment(1, 0, false, []byte("whole"))

	out, done, err := r.Process(ipData, time.Unix(0, 0))
	if err != nil || !done {
		t.Fatalf("Expected pass-through, got done=%v err=%v", done, err)
	}
	if !bytes.Equal(out, []byte("whole")) {
		t.Errorf("Unexpected payload %q", out)
	}
	if r.Pending() != 0 {
		t.Errorf("Non-fragments must not allocate state")
	}
}

func TestReassemblerOrders(t *testing.T) {
	data := sequence(24)
	frags := [][]byte{
		buildIPv4Fragment(7, 0, true, data[0:8]),
		buildIPv4Fragment(7, 1, true, data[8:16]),
		buildIPv4Fragment(7, 2, false, data[16:24]),
	}

	tests := []struct {
		name  string
		order []int
	}{
		{"in order", []int{0, 1, 2}},
		{"reverse", []int{2, 1, 0}},
		{"last first", []int{2, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReassembler(ReassemblyConfig{})
			now := time.Unix(100, 0)
			var out []byte
			for i, idx := range tt.order {
				got, done, err := r.Process(frags[idx], now)
				if err != nil {
					t.Fatalf("fragment %d: %v", idx, err)
				}
				if done != (i == len(tt.order)-1) {
					t.Fatalf("fragment %d: unexpected done=%v", idx, done)
				}
				out = got
			}
			if !bytes.Equal(out, data) {
				t.Errorf("Expected %v, got %v", data, out)
			}
			if r.Stats().Completed != 1 || r.Pending() != 0 {
				t.Errorf("Unexpected state: %+v pending=%d", r.Stats(), r.Pending())
			}
		})
	}
}

func TestReassemblerOverlapKeepsEarlierData(t *testing.T) {
	r := NewReassembler(ReassemblyConfig{})
	now := time.Unix(100, 0)

	first := bytes.Repeat([]byte{'A'}, 16)
	overlap := bytes.Repeat([]byte{'B'}, 16) // offset 8, overlaps A's second half
	if _, done, _ := r.Process(buildIPv4Fragment(9, 0, true, first), now); done {
		t.Fatal("Unexpected completion")
	}
	out, done, err := r.Process(buildIPv4Fragment(9, 1, false, overlap), now)
	if err != nil || !done {
		t.Fatalf("Expected completion, got done=%v err=%v", done, err)
	}
	want := append(bytes.Repeat([]byte{'A'}, 16), bytes.Repeat([]byte{'B'}, 8)...)
	if !bytes.Equal(out, want) {
		t.Errorf("Expected %q, got %q", want, out)
	}
}

func TestReassemblerLimits(t *testing.T) {
	r := NewReassembler(ReassemblyConfig{MaxFragments: 2})
	now := time.Unix(100, 0)
	for i := uint16(0); i < 2; i++ {
		if _, _, err := r.Process(buildIPv4Fragment(3, i, true, sequence(8)), now); err != nil {
			t.Fatalf("fragment %d: %v", i, err)
		}
	}
	_, _, err := r.Process(buildIPv4Fragment(3, 2, true, sequence(8)), now)
	if !errors.Is(err, core.ErrReassemblyLimit) {
		t.Fatalf("Expected ErrReassemblyLimit, got %v", err)
	}
	if r.Pending() != 0 {
		t.Errorf("Flow should be evicted after limit")
	}

	_, _, err = r.Process(buildIPv4Fragment(4, 8190, true, sequence(8)), now)
	if !errors.Is(err, core.ErrReassemblyLimit) {
		t.Errorf("Expected offset check to fail, got %v", err)
	}
}

func TestReassemblerExpiresOnTraceTime(t *testing.T) {
	r := NewReassembler(ReassemblyConfig{Timeout: 10 * time.Second})
	start := time.Unix(1000, 0)

	r.Process(buildIPv4Fragment(5, 0, true, sequence(8)), start)
	if r.Pending() != 1 {
		t.Fatalf("Expected one pending datagram")
	}
	// Unrelated traffic 20s later in the trace triggers expiry
	r.Process(buildIPv4Fragment(6, 0, false, sequence(8)), start.Add(20*time.Second))
	if r.Pending() != 0 || r.Stats().Expired != 1 {
		t.Errorf("Expected expiry, pending=%d stats=%+v", r.Pending(), r.Stats())
	}
}

func TestDecoderReassemblesUDP(t *testing.T) {
	datagram := udpHeader(4000, 5000, sequence(40))
	binary.BigEndian.PutUint16(datagram[6:8], 0)

	frag1 := buildIPv4Fragment(11, 0, true, datagram[:24])
	frag2 := buildIPv4Fragment(11, 3, false, datagram[24:])

	d := New(Config{})
	p1, err := d.Decode(rawFrame(frag1, core.LinkTypeRaw))
	if err != nil {
		t.Fatalf("frag1: %v", err)
	}
	if !p1.Fragment || p1.Transport != core.TransportNone {
		t.Errorf("First fragment should carry no transport, got %+v", p1.Transport)
	}

	p2, err := d.Decode(rawFrame(frag2, core.LinkTypeRaw))
	if err != nil {
		t.Fatalf("frag2: %v", err)
	}
	if !p2.Reassembled || p2.Transport != core.TransportUDP {
		t.Fatalf("Expected reassembled UDP, got reassembled=%v transport=%v", p2.Reassembled, p2.Transport)
	}
	if p2.UDP.DstPort != 5000 || !bytes.Equal(p2.Payload, sequence(40)) {
		t.Errorf("Unexpected reassembled payload: port=%d len=%d", p2.UDP.DstPort, len(p2.Payload))
	}
	if p2.PayloadOffset != -1 {
		t.Errorf("Reassembled payload is not a frame range, got offset %d", p2.PayloadOffset)
	}
}

func TestDecoderWithoutReassembly(t *testing.T) {
	d := New(Config{DisableReassembly: true})
	pkt, err := d.Decode(rawFrame(buildIPv4Fragment(1, 0, true, sequence(16)), core.LinkTypeRaw))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !pkt.Fragment {
		t.Error("Expected fragment flag")
	}
	if d.Reassembler() != nil {
		t.Error("Expected no reassembler")
	}
}
