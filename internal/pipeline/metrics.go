package pipeline

import (
	"strconv"

	"firestige.xyz/tracelens/internal/core"
	"firestige.xyz/tracelens/internal/httprec"
	"firestige.xyz/tracelens/pkg/model"
)

// aggregate computes the trace-wide statistics of m. Stats already
// collected while decoding are kept.
func aggregate(m *model.Model) model.Stats {
	st := m.Stats
	st.Network = make(map[string]int)
	st.Transport = make(map[string]int)
	st.Sessions = make(map[string]int)
	st.TLSSessions = make(map[string]int)
	st.BytesUp, st.BytesDown = 0, 0

	for i := range m.Packets {
		p := &m.Packets[i]
		st.Network[p.Network.String()]++
		st.Transport[p.Transport.String()]++
		if m.Direction(i) == core.DirUplink {
			st.BytesUp += p.Length
		} else {
			st.BytesDown += p.Length
		}
	}

	st.Retransmissions = 0
	for _, s := range m.Sessions {
		st.Sessions[s.State.String()]++
		st.Retransmissions += s.Stats.Retransmissions[0] + s.Stats.Retransmissions[1]
	}

	st.HTTPRequests, st.HTTPResponses, st.HTTPPaired = 0, 0, 0
	for _, msg := range m.HTTP {
		if msg.Kind == httprec.KindRequest {
			st.HTTPRequests++
			if msg.Pair >= 0 {
				st.HTTPPaired++
			}
		} else {
			st.HTTPResponses++
		}
	}

	for _, info := range m.TLS {
		st.TLSSessions[info.State.String()]++
	}
	return st
}

// record publishes the model to the run registry.
func (r *run) record() {
	m, reg := r.model, r.reg
	st := &m.Stats

	reg.FramesTotal.Add(float64(st.Frames))
	reg.FramesFiltered.Add(float64(st.Filtered))
	for i := range m.Packets {
		p := &m.Packets[i]
		reg.PacketsTotal.WithLabelValues(p.Network.String(), p.Transport.String()).Inc()
	}
	reg.BytesTotal.WithLabelValues(core.DirUplink.String()).Add(float64(st.BytesUp))
	reg.BytesTotal.WithLabelValues(core.DirDownlink.String()).Add(float64(st.BytesDown))

	for _, a := range m.Anomalies {
		reg.AnomaliesTotal.WithLabelValues(string(a.Kind)).Inc()
	}
	for state, n := range st.Sessions {
		reg.Sessions.WithLabelValues(state).Set(float64(n))
	}
	for state, n := range st.TLSSessions {
		reg.TLSSessions.WithLabelValues(state).Set(float64(n))
	}
	for _, msg := range m.HTTP {
		protected := m.SessionOf(msg) != nil && m.SessionOf(msg).Protected
		reg.HTTPMessagesTotal.WithLabelValues(msg.Kind.String(), strconv.FormatBool(protected)).Inc()
	}

	for _, pr := range m.Profiles {
		for state, tot := range pr.Timeline.Totals() {
			reg.EnergyJoules.WithLabelValues(pr.Profile.Name, string(state)).Set(tot.Energy)
		}
		counts := make(map[string]int)
		for _, b := range pr.Bursts {
			counts[string(b.Category)]++
		}
		for cat, n := range counts {
			reg.Bursts.WithLabelValues(pr.Profile.Name, cat).Set(float64(n))
		}
	}
}
