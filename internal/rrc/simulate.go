package rrc

import (
	"sort"
	"time"

	"firestige.xyz/tracelens/internal/core"
)

// never is later than any demotion boundary of a trace.
var never = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// builder collects ranges clipped to the window, merging adjacent ranges of
// the same state.
type builder struct {
	profile Profile
	window  Window
	ranges  []Range
}

func (b *builder) emit(s State, from, to time.Time) {
	if from.Before(b.window.Start) {
		from = b.window.Start
	}
	if to.After(b.window.End) {
		to = b.window.End
	}
	if !to.After(from) {
		return
	}
	if n := len(b.ranges); n > 0 && b.ranges[n-1].State == s {
		b.ranges[n-1].End = to
		return
	}
	b.ranges = append(b.ranges, Range{State: s, Start: from, End: to, Power: b.profile.Power(s)})
}

// Simulate runs the radio state machine of the profile over the packets and
// returns a gapless partition of the window. Packets must be in timestamp
// order; packets outside the window are clamped to it.
func Simulate(p Profile, packets []Packet, w Window) *Timeline {
	if w.End.Before(w.Start) {
		w.End = w.Start
	}
	if !sort.SliceIsSorted(packets, func(i, j int) bool { return packets[i].Timestamp.Before(packets[j].Timestamp) }) {
		packets = append([]Packet(nil), packets...)
		sort.SliceStable(packets, func(i, j int) bool { return packets[i].Timestamp.Before(packets[j].Timestamp) })
	}

	b := &builder{profile: p, window: w}
	switch p.Family {
	case Family3G:
		simulate3G(b, packets)
	case FamilyLTE:
		simulateLTE(b, packets)
	default:
		simulateWiFi(b, packets)
	}

	if len(b.ranges) == 0 {
		idle := p.Idle()
		b.ranges = []Range{{State: idle, Start: w.Start, End: w.End, Power: p.Power(idle)}}
	}
	return &Timeline{Profile: p.Name, Family: p.Family, Window: w, Ranges: b.ranges}
}

func clamp(t time.Time, w Window) time.Time {
	if t.Before(w.Start) {
		return w.Start
	}
	if t.After(w.End) {
		return w.End
	}
	return t
}

// umts is the 3G machine. start opens the current range, last is the latest
// activity in it.
type umts struct {
	b           *builder
	cfg         UMTS
	level       State // StateIdle, StateDCH or StateFACH
	start, last time.Time
}

func simulate3G(b *builder, packets []Packet) {
	m := &umts{b: b, cfg: b.profile.UMTS, level: StateIdle, start: b.window.Start}
	for _, pkt := range packets {
		t := clamp(pkt.Timestamp, b.window)
		m.advance(t)
		switch m.level {
		case StateIdle:
			m.promote(StateIdle, StateIdleToDCH, t, m.cfg.IdleToDCH)
		case StateDCH:
			if t.After(m.last) {
				m.last = t
			}
		case StateFACH:
			if pkt.Size > m.threshold(pkt.Direction) {
				m.promote(StateFACH, StateFACHToDCH, t, m.cfg.FACHToDCH)
			} else if t.After(m.last) {
				m.last = t
			}
		}
	}
	m.advance(never)
	b.emit(StateIdle, m.start, b.window.End)
}

func (m *umts) threshold(dir core.Direction) int {
	if dir == core.DirDownlink {
		return m.cfg.DownlinkThreshold
	}
	return m.cfg.UplinkThreshold
}

// promote closes the current range at t and enters DCH after the promotion
// delay. Packets arriving during the promotion are served at its end.
func (m *umts) promote(from, via State, t time.Time, d time.Duration) {
	m.b.emit(from, m.start, t)
	m.b.emit(via, t, t.Add(d))
	m.level = StateDCH
	m.start = t.Add(d)
	m.last = m.start
}

// advance applies every demotion whose timer expires by t.
func (m *umts) advance(t time.Time) {
	for {
		switch m.level {
		case StateDCH:
			end := m.last.Add(m.cfg.DCHTail)
			if t.Before(end) {
				return
			}
			m.b.emit(StateDCH, m.start, m.last)
			m.b.emit(StateDCHTail, m.last, end)
			m.level, m.start, m.last = StateFACH, end, end
		case StateFACH:
			end := m.last.Add(m.cfg.FACHTail)
			if t.Before(end) {
				return
			}
			m.b.emit(StateFACH, m.start, m.last)
			m.b.emit(StateFACHTail, m.last, end)
			m.level, m.start = StateIdle, end
		default:
			return
		}
	}
}

type lte struct {
	b           *builder
	cfg         LTE
	connected   bool
	start, last time.Time
}

func simulateLTE(b *builder, packets []Packet) {
	m := &lte{b: b, cfg: b.profile.LTE, start: b.window.Start}
	for _, pkt := range packets {
		t := clamp(pkt.Timestamp, b.window)
		m.advance(t)
		switch {
		case !m.connected:
			b.emit(StateLTEIdle, m.start, t)
			b.emit(StateLTEPromotion, t, t.Add(m.cfg.Promotion))
			m.connected = true
			m.start = t.Add(m.cfg.Promotion)
			m.last = m.start
		case !t.After(m.last):
			// Queued behind the promotion
		case t.Before(m.last.Add(m.cfg.Inactivity)):
			m.last = t
		default:
			// Woken from DRX
			b.emit(StateLTEContinuous, m.start, m.last)
			m.tail(t)
			m.start, m.last = t, t
		}
	}
	m.advance(never)
	b.emit(StateLTEIdle, m.start, b.window.End)
}

func (m *lte) tailEnd() time.Time {
	return m.last.Add(m.cfg.Inactivity + m.cfg.ShortDRX + m.cfg.LongDRX)
}

// tail emits the tail phases after the last activity up to t.
func (m *lte) tail(t time.Time) {
	from := m.last
	for _, ph := range []struct {
		s State
		d time.Duration
	}{
		{StateLTECRTail, m.cfg.Inactivity},
		{StateLTEDRXShort, m.cfg.ShortDRX},
		{StateLTEDRXLong, m.cfg.LongDRX},
	} {
		to := from.Add(ph.d)
		if to.After(t) {
			to = t
		}
		m.b.emit(ph.s, from, to)
		if !to.Before(t) {
			return
		}
		from = to
	}
}

func (m *lte) advance(t time.Time) {
	if !m.connected {
		return
	}
	end := m.tailEnd()
	if t.Before(end) {
		return
	}
	m.b.emit(StateLTEContinuous, m.start, m.last)
	m.tail(end)
	m.connected = false
	m.start = end
}

func simulateWiFi(b *builder, packets []Packet) {
	tail := b.profile.WiFi.Tail
	active := false
	start, last := b.window.Start, b.window.Start
	for _, pkt := range packets {
		t := clamp(pkt.Timestamp, b.window)
		if active && !t.Before(last.Add(tail)) {
			b.emit(StateWiFiActive, start, last.Add(tail))
			start, active = last.Add(tail), false
		}
		if !active {
			b.emit(StateWiFiIdle, start, t)
			start, active = t, true
		}
		last = t
	}
	if active {
		b.emit(StateWiFiActive, start, last.Add(tail))
		start = last.Add(tail)
	}
	b.emit(StateWiFiIdle, start, b.window.End)
}
