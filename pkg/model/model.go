// Package model is the read-only result of an analysis run. Sessions, TLS
// states and HTTP messages live in index-addressed arenas; references
// between them are indices, never pointers.
package model

import (
	"net/netip"
	"sort"
	"strings"

	"firestige.xyz/tracelens/internal/burst"
	"firestige.xyz/tracelens/internal/core"
	"firestige.xyz/tracelens/internal/core/decoder"
	"firestige.xyz/tracelens/internal/httprec"
	"firestige.xyz/tracelens/internal/metrics"
	"firestige.xyz/tracelens/internal/rrc"
	"firestige.xyz/tracelens/internal/session"
	"firestige.xyz/tracelens/internal/tlsx"
)

// Re-export the types reachable from a Model
type (
	Packet   = core.ParsedPacket
	Anomaly  = core.Anomaly
	Status   = core.Status
	Session  = session.Session
	Message  = httprec.Message
	TLSInfo  = tlsx.Info
	Profile  = rrc.Profile
	Timeline = rrc.Timeline
	Window   = rrc.Window
	Burst    = burst.Burst
)

// Model is everything reconstructed from one trace.
type Model struct {
	RunID   string
	Trace   string
	Variant string
	Status  Status
	Window  Window
	Device  netip.Addr

	Packets  []Packet   // Decoded packets in capture order
	Sessions []*Session // Indexed by Session.ID
	TLS      []*TLSInfo // Indexed by Session.TLS
	HTTP     []*Message // Grouped by session, Message.Pair indexes this slice
	Profiles []*ProfileResult

	// Directions holds the device direction of every packet.
	Directions []core.Direction

	Stats     Stats
	Anomalies []Anomaly
	Results   []Result // Best-practice verdicts

	Metrics *metrics.Registry
}

// ProfileResult is the radio simulation and burst analysis of one profile.
type ProfileResult struct {
	Profile  Profile
	Timeline *Timeline
	Bursts   []*Burst
}

// Stats are trace-wide aggregates.
type Stats struct {
	Frames      int            `yaml:"frames" json:"frames"`
	Filtered    int            `yaml:"filtered" json:"filtered"`
	Packets     int            `yaml:"packets" json:"packets"`
	ParseErrors int            `yaml:"parse_errors" json:"parse_errors"`
	Corrupted   int            `yaml:"corrupted" json:"corrupted"`
	Network     map[string]int `yaml:"network" json:"network"`
	Transport   map[string]int `yaml:"transport" json:"transport"`
	BytesUp     int            `yaml:"bytes_up" json:"bytes_up"`
	BytesDown   int            `yaml:"bytes_down" json:"bytes_down"`

	Sessions        map[string]int `yaml:"sessions" json:"sessions"`
	Retransmissions int            `yaml:"retransmissions" json:"retransmissions"`
	HTTPRequests    int            `yaml:"http_requests" json:"http_requests"`
	HTTPResponses   int            `yaml:"http_responses" json:"http_responses"`
	HTTPPaired      int            `yaml:"http_paired" json:"http_paired"`
	TLSSessions     map[string]int `yaml:"tls_sessions" json:"tls_sessions"`

	Reassembly decoder.ReassemblyStats `yaml:"ip_reassembly" json:"ip_reassembly"`
}

// Verdict is the outcome of one best-practice analyzer.
type Verdict string

const (
	VerdictPass          Verdict = "PASS"
	VerdictWarn          Verdict = "WARN"
	VerdictFail          Verdict = "FAIL"
	VerdictNotApplicable Verdict = "N/A"
)

// Finding points at what triggered a verdict. Session and Message are
// arena indices, -1 when not applicable.
type Finding struct {
	Session int    `yaml:"session" json:"session"`
	Message int    `yaml:"message" json:"message"`
	Detail  string `yaml:"detail" json:"detail"`
}

// Result is the verdict of one analyzer.
type Result struct {
	Analyzer string    `yaml:"analyzer" json:"analyzer"`
	Verdict  Verdict   `yaml:"verdict" json:"verdict"`
	Summary  string    `yaml:"summary" json:"summary"`
	Findings []Finding `yaml:"findings,omitempty" json:"findings,omitempty"`
}

// Session returns the session with the given ID, nil when out of range.
func (m *Model) Session(id int) *Session {
	if id < 0 || id >= len(m.Sessions) {
		return nil
	}
	return m.Sessions[id]
}

// SessionOf returns the session that carried msg.
func (m *Model) SessionOf(msg *Message) *Session { return m.Session(msg.Session) }

// TLSOf returns the TLS state of s, nil for plaintext sessions.
func (m *Model) TLSOf(s *Session) *TLSInfo {
	if s == nil || s.TLS < 0 || s.TLS >= len(m.TLS) {
		return nil
	}
	return m.TLS[s.TLS]
}

// Pair returns the request or response paired with msg.
func (m *Model) Pair(msg *Message) *Message {
	if msg.Pair < 0 || msg.Pair >= len(m.HTTP) {
		return nil
	}
	return m.HTTP[msg.Pair]
}

// Messages returns the HTTP messages of one session.
func (m *Model) Messages(sessionID int) []*Message {
	lo := sort.Search(len(m.HTTP), func(i int) bool { return m.HTTP[i].Session >= sessionID })
	hi := sort.Search(len(m.HTTP), func(i int) bool { return m.HTTP[i].Session > sessionID })
	return m.HTTP[lo:hi]
}

// Responses returns every response in arena order.
func (m *Model) Responses() []*Message {
	var out []*Message
	for _, msg := range m.HTTP {
		if msg.Kind == httprec.KindResponse {
			out = append(out, msg)
		}
	}
	return out
}

// Profile returns the result of the named profile, case-insensitively.
func (m *Model) Profile(name string) *ProfileResult {
	for _, p := range m.Profiles {
		if strings.EqualFold(p.Profile.Name, name) {
			return p
		}
	}
	return nil
}

// Direction returns the device direction of the packet at arena index i.
func (m *Model) Direction(i int) core.Direction {
	if i < 0 || i >= len(m.Directions) {
		return core.DirUplink
	}
	return m.Directions[i]
}
