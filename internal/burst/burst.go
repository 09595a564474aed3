// Package burst partitions a packet timeline into bursts, classifies them
// and attributes radio energy to each.
package burst

import (
	"net/netip"
	"sort"
	"time"

	"firestige.xyz/tracelens/internal/core"
	"firestige.xyz/tracelens/internal/rrc"
)

// Category is the inferred cause of a burst.
type Category string

const (
	CategoryUserInput     Category = "USER_INPUT"
	CategoryPeriodic      Category = "PERIODIC"
	CategoryProtocolLoss  Category = "PROTOCOL_LOSS"
	CategoryAppBackground Category = "APP_BACKGROUND"
	CategoryUnknown       Category = "UNKNOWN"
)

// Packet is the burst view of one parsed packet.
type Packet struct {
	Index          int
	Timestamp      time.Time
	Size           int
	PayloadLen     int
	Direction      core.Direction
	Remote         netip.Addr
	Retransmission bool
}

// Burst is a run of packets whose gaps stay below the burst threshold.
type Burst struct {
	ID              int          `yaml:"id" json:"id"`
	Start           time.Time    `yaml:"start" json:"start"`
	End             time.Time    `yaml:"end" json:"end"`
	Category        Category     `yaml:"category" json:"category"`
	Packets         []int        `yaml:"-" json:"-"`
	PacketCount     int          `yaml:"packets" json:"packets"`
	Bytes           int          `yaml:"bytes" json:"bytes"`
	PayloadBytes    int          `yaml:"payload_bytes" json:"payload_bytes"`
	PayloadPackets  int          `yaml:"payload_packets" json:"payload_packets"`
	Retransmissions int          `yaml:"retransmissions" json:"retransmissions"`
	Remotes         []netip.Addr `yaml:"remotes" json:"remotes"`
	Energy          float64      `yaml:"energy" json:"energy"` // Joules over [Start, next burst start)
	Owned           [2]time.Time `yaml:"-" json:"-"`
	bytesByRemote   map[netip.Addr]int
}

func (b *Burst) Duration() time.Duration { return b.End.Sub(b.Start) }

// Primary is the remote that exchanged the most bytes in the burst.
func (b *Burst) Primary() netip.Addr {
	var best netip.Addr
	n := -1
	for _, r := range b.Remotes {
		if c := b.bytesByRemote[r]; c > n {
			best, n = r, c
		}
	}
	return best
}

// Options tunes the analysis.
type Options struct {
	rrc.BurstParams
	UserEvents []time.Time
}

// OptionsFor takes the burst parameters of a profile.
func OptionsFor(p rrc.Profile, events []time.Time) Options {
	return Options{BurstParams: p.Burst, UserEvents: events}
}

// Analyze groups the packets into bursts, classifies them and attributes the
// energy of the timeline to them. Packets must be in timestamp order.
func Analyze(packets []Packet, tl *rrc.Timeline, opts Options) []*Burst {
	bursts := split(packets, opts.Threshold)
	if len(bursts) == 0 {
		return nil
	}
	attribute(bursts, tl)
	classify(bursts, opts)
	return bursts
}

func split(packets []Packet, threshold time.Duration) []*Burst {
	var (
		bursts []*Burst
		cur    *Burst
	)
	for i := range packets {
		p := &packets[i]
		if cur == nil || p.Timestamp.Sub(cur.End) >= threshold {
			cur = &Burst{ID: len(bursts), Start: p.Timestamp, bytesByRemote: make(map[netip.Addr]int)}
			bursts = append(bursts, cur)
		}
		cur.End = p.Timestamp
		cur.Packets = append(cur.Packets, p.Index)
		cur.PacketCount++
		cur.Bytes += p.Size
		if p.PayloadLen > 0 {
			cur.PayloadBytes += p.PayloadLen
			cur.PayloadPackets++
			if p.Retransmission {
				cur.Retransmissions++
			}
		}
		if p.Remote.IsValid() {
			if _, seen := cur.bytesByRemote[p.Remote]; !seen {
				cur.Remotes = append(cur.Remotes, p.Remote)
			}
			cur.bytesByRemote[p.Remote] += p.Size
		}
	}
	return bursts
}

// attribute gives every burst the energy of [start, next start). The first
// burst also owns the head of the window and the last one its tail, so the
// energies sum to the timeline total.
func attribute(bursts []*Burst, tl *rrc.Timeline) {
	for i, b := range bursts {
		from, to := b.Start, tl.Window.End
		if i == 0 {
			from = tl.Window.Start
		}
		if i+1 < len(bursts) {
			to = bursts[i+1].Start
		}
		b.Owned = [2]time.Time{from, to}
		b.Energy = tl.EnergyBetween(from, to)
	}
}

func classify(bursts []*Burst, opts Options) {
	events := append([]time.Time(nil), opts.UserEvents...)
	sort.Slice(events, func(i, j int) bool { return events[i].Before(events[j]) })
	periodic := periodicBursts(bursts, opts.BurstParams)

	for _, b := range bursts {
		switch {
		case userInput(b, events, opts.UserInputWindow):
			b.Category = CategoryUserInput
		case periodic[b.ID]:
			b.Category = CategoryPeriodic
		case b.PayloadPackets > 0 && 2*b.Retransmissions > b.PayloadPackets:
			b.Category = CategoryProtocolLoss
		case b.PayloadBytes > 0:
			b.Category = CategoryAppBackground
		default:
			b.Category = CategoryUnknown
		}
	}
}

func userInput(b *Burst, events []time.Time, window time.Duration) bool {
	from := b.Start.Add(-window)
	i := sort.Search(len(events), func(i int) bool { return !events[i].Before(from) })
	return i < len(events) && !events[i].After(b.End)
}

// periodicBursts finds runs of bursts to the same remote whose start
// intervals are at least MinCycle and within CycleTolerance of the median
// interval. Runs shorter than MinSamples bursts do not count.
func periodicBursts(bursts []*Burst, p rrc.BurstParams) map[int]bool {
	byRemote := make(map[netip.Addr][]*Burst)
	var order []netip.Addr
	for _, b := range bursts {
		r := b.Primary()
		if !r.IsValid() || b.PayloadBytes == 0 {
			continue
		}
		if _, ok := byRemote[r]; !ok {
			order = append(order, r)
		}
		byRemote[r] = append(byRemote[r], b)
	}

	minSamples := max(p.MinSamples, 2)
	out := make(map[int]bool)
	for _, r := range order {
		list := byRemote[r]
		if len(list) < minSamples {
			continue
		}
		intervals := make([]time.Duration, len(list)-1)
		for i := range intervals {
			intervals[i] = list[i+1].Start.Sub(list[i].Start)
		}
		med := median(intervals)

		fits := func(d time.Duration) bool {
			diff := d - med
			if diff < 0 {
				diff = -diff
			}
			return d >= p.MinCycle && diff <= p.CycleTolerance
		}
		for i := 0; i < len(intervals); {
			if !fits(intervals[i]) {
				i++
				continue
			}
			j := i
			for j < len(intervals) && fits(intervals[j]) {
				j++
			}
			// intervals[i:j] link bursts i..j
			if j-i+1 >= minSamples {
				for k := i; k <= j; k++ {
					out[list[k].ID] = true
				}
			}
			i = j
		}
	}
	return out
}

func median(ds []time.Duration) time.Duration {
	s := append([]time.Duration(nil), ds...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
