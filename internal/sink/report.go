package sink

import (
	"time"

	"firestige.xyz/tracelens/internal/burst"
	"firestige.xyz/tracelens/internal/core"
	"firestige.xyz/tracelens/internal/rrc"
	"firestige.xyz/tracelens/pkg/model"
)

// Report is the serializable summary of a run.
type Report struct {
	RunID     string          `yaml:"run_id" json:"run_id"`
	Trace     string          `yaml:"trace,omitempty" json:"trace,omitempty"`
	Variant   string          `yaml:"variant" json:"variant"`
	Status    core.Status     `yaml:"status" json:"status"`
	Start     time.Time       `yaml:"start" json:"start"`
	End       time.Time       `yaml:"end" json:"end"`
	Device    string          `yaml:"device,omitempty" json:"device,omitempty"`
	Stats     model.Stats     `yaml:"stats" json:"stats"`
	Sessions  []SessionReport `yaml:"sessions" json:"sessions"`
	HTTP      []MessageReport `yaml:"http" json:"http"`
	Profiles  []ProfileReport `yaml:"profiles" json:"profiles"`
	Results   []model.Result  `yaml:"best_practices" json:"best_practices"`
	Anomalies []core.Anomaly  `yaml:"anomalies" json:"anomalies"`
}

// SessionReport summarizes one TCP session.
type SessionReport struct {
	ID              int        `yaml:"id" json:"id"`
	Client          string     `yaml:"client" json:"client"`
	Server          string     `yaml:"server" json:"server"`
	State           string     `yaml:"state" json:"state"`
	Start           time.Time  `yaml:"start" json:"start"`
	End             time.Time  `yaml:"end" json:"end"`
	Packets         int        `yaml:"packets" json:"packets"`
	BytesUp         int        `yaml:"payload_up" json:"payload_up"`
	BytesDown       int        `yaml:"payload_down" json:"payload_down"`
	Retransmissions int        `yaml:"retransmissions" json:"retransmissions"`
	HandshakeRTT    string     `yaml:"handshake_rtt,omitempty" json:"handshake_rtt,omitempty"`
	TLS             *TLSReport `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// TLSReport summarizes the TLS state of a session.
type TLSReport struct {
	State      string `yaml:"state" json:"state"`
	Version    string `yaml:"version,omitempty" json:"version,omitempty"`
	Suite      string `yaml:"cipher_suite,omitempty" json:"cipher_suite,omitempty"`
	ServerName string `yaml:"server_name,omitempty" json:"server_name,omitempty"`
	ALPN       string `yaml:"alpn,omitempty" json:"alpn,omitempty"`
	Resumed    bool   `yaml:"resumed" json:"resumed"`
	KeySource  string `yaml:"key_source,omitempty" json:"key_source,omitempty"`
}

// MessageReport summarizes one HTTP message.
type MessageReport struct {
	Index       int    `yaml:"index" json:"index"`
	Session     int    `yaml:"session" json:"session"`
	Kind        string `yaml:"kind" json:"kind"`
	Method      string `yaml:"method,omitempty" json:"method,omitempty"`
	URI         string `yaml:"uri,omitempty" json:"uri,omitempty"`
	Host        string `yaml:"host,omitempty" json:"host,omitempty"`
	StatusCode  int    `yaml:"status_code,omitempty" json:"status_code,omitempty"`
	ContentType string `yaml:"content_type,omitempty" json:"content_type,omitempty"`
	Encoding    string `yaml:"content_encoding,omitempty" json:"content_encoding,omitempty"`
	BodyBytes   int    `yaml:"body_bytes" json:"body_bytes"`
	BodyState   string `yaml:"body_state" json:"body_state"`
	WireBytes   int    `yaml:"wire_bytes" json:"wire_bytes"`
	Protected   bool   `yaml:"protected" json:"protected"`
	Pair        int    `yaml:"pair" json:"pair"`
}

// ProfileReport summarizes the simulation of one radio profile.
type ProfileReport struct {
	Name   string                  `yaml:"name" json:"name"`
	Family rrc.Family              `yaml:"family" json:"family"`
	Energy float64                 `yaml:"energy" json:"energy"`
	States map[rrc.State]StateTime `yaml:"states" json:"states"`
	Bursts []*burst.Burst          `yaml:"bursts" json:"bursts"`
}

// StateTime is the time and energy spent in one radio state.
type StateTime struct {
	Duration string  `yaml:"duration" json:"duration"`
	Energy   float64 `yaml:"energy" json:"energy"`
}

// NewReport summarizes m.
func NewReport(m *model.Model) *Report {
	r := &Report{
		RunID:     m.RunID,
		Trace:     m.Trace,
		Variant:   m.Variant,
		Status:    m.Status,
		Start:     m.Window.Start,
		End:       m.Window.End,
		Stats:     m.Stats,
		Sessions:  make([]SessionReport, 0, len(m.Sessions)),
		HTTP:      make([]MessageReport, 0, len(m.HTTP)),
		Profiles:  make([]ProfileReport, 0, len(m.Profiles)),
		Results:   m.Results,
		Anomalies: m.Anomalies,
	}
	if m.Device.IsValid() {
		r.Device = m.Device.String()
	}

	for _, s := range m.Sessions {
		sr := SessionReport{
			ID:              s.ID,
			Client:          s.Client.String(),
			Server:          s.Server.String(),
			State:           s.State.String(),
			Start:           s.Start,
			End:             s.End,
			Packets:         len(s.Packets),
			BytesUp:         s.Stats.PayloadBytes[core.DirUplink],
			BytesDown:       s.Stats.PayloadBytes[core.DirDownlink],
			Retransmissions: s.Stats.Retransmissions[0] + s.Stats.Retransmissions[1],
		}
		if s.Stats.HandshakeRTT > 0 {
			sr.HandshakeRTT = s.Stats.HandshakeRTT.String()
		}
		if info := m.TLSOf(s); info != nil {
			sr.TLS = &TLSReport{
				State:      info.State.String(),
				ServerName: info.ServerName,
				ALPN:       info.ALPN,
				Resumed:    info.Resumed,
				KeySource:  string(info.KeySource),
			}
			if info.Version != 0 {
				sr.TLS.Version = info.VersionName()
				sr.TLS.Suite = info.SuiteName()
			}
		}
		r.Sessions = append(r.Sessions, sr)
	}

	for i, msg := range m.HTTP {
		s := m.SessionOf(msg)
		r.HTTP = append(r.HTTP, MessageReport{
			Index:       i,
			Session:     msg.Session,
			Kind:        msg.Kind.String(),
			Method:      msg.Method,
			URI:         msg.URI,
			Host:        msg.Host,
			StatusCode:  msg.StatusCode,
			ContentType: msg.ContentType,
			Encoding:    msg.ContentEncoding,
			BodyBytes:   len(msg.Body),
			BodyState:   msg.BodyState.String(),
			WireBytes:   msg.WireBytes,
			Protected:   s != nil && s.Protected,
			Pair:        msg.Pair,
		})
	}

	for _, pr := range m.Profiles {
		rep := ProfileReport{
			Name:   pr.Profile.Name,
			Family: pr.Profile.Family,
			Energy: pr.Timeline.Energy(),
			States: make(map[rrc.State]StateTime),
			Bursts: pr.Bursts,
		}
		for state, tot := range pr.Timeline.Totals() {
			rep.States[state] = StateTime{Duration: tot.Duration.String(), Energy: tot.Energy}
		}
		r.Profiles = append(r.Profiles, rep)
	}

	return r
}
