package rrc

import (
	"sort"
	"time"
)

// Range is one radio state held over [Start, End).
type Range struct {
	State State     `yaml:"state" json:"state"`
	Start time.Time `yaml:"start" json:"start"`
	End   time.Time `yaml:"end" json:"end"`
	Power float64   `yaml:"power" json:"power"` // Watts
}

func (r Range) Duration() time.Duration { return r.End.Sub(r.Start) }

// Energy is the energy spent in the range, in joules.
func (r Range) Energy() float64 { return r.Power * r.Duration().Seconds() }

// Total aggregates the time and energy of one state.
type Total struct {
	Duration time.Duration `yaml:"duration" json:"duration"`
	Energy   float64       `yaml:"energy" json:"energy"`
}

// Timeline is the simulated radio state of one profile over a window.
type Timeline struct {
	Profile string  `yaml:"profile" json:"profile"`
	Family  Family  `yaml:"family" json:"family"`
	Window  Window  `yaml:"window" json:"window"`
	Ranges  []Range `yaml:"ranges" json:"ranges"`
}

// Energy is the total energy of the timeline.
func (t *Timeline) Energy() float64 {
	var e float64
	for _, r := range t.Ranges {
		e += r.Energy()
	}
	return e
}

// EnergyBetween integrates the power over [from, to).
func (t *Timeline) EnergyBetween(from, to time.Time) float64 {
	if !to.After(from) {
		return 0
	}
	i := sort.Search(len(t.Ranges), func(i int) bool { return t.Ranges[i].End.After(from) })
	var e float64
	for ; i < len(t.Ranges) && t.Ranges[i].Start.Before(to); i++ {
		r := t.Ranges[i]
		s, end := r.Start, r.End
		if s.Before(from) {
			s = from
		}
		if end.After(to) {
			end = to
		}
		e += r.Power * end.Sub(s).Seconds()
	}
	return e
}

// StateAt returns the state held at ts, the zero State outside the window.
func (t *Timeline) StateAt(ts time.Time) State {
	i := sort.Search(len(t.Ranges), func(i int) bool { return t.Ranges[i].End.After(ts) })
	if i < len(t.Ranges) && !ts.Before(t.Ranges[i].Start) {
		return t.Ranges[i].State
	}
	return ""
}

// Totals returns duration and energy per state.
func (t *Timeline) Totals() map[State]Total {
	out := make(map[State]Total)
	for _, r := range t.Ranges {
		tot := out[r.State]
		tot.Duration += r.Duration()
		tot.Energy += r.Energy()
		out[r.State] = tot
	}
	return out
}
