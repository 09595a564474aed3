package core

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
)

// AnomalyKind classifies a non-fatal condition found during analysis.
type AnomalyKind string

const (
	AnomalyTruncatedRecord  AnomalyKind = "truncated-record"
	AnomalyParseError       AnomalyKind = "parse-error"
	AnomalyChecksumMismatch AnomalyKind = "checksum-mismatch"
	AnomalyReordered        AnomalyKind = "timestamp-reordered"
	AnomalyFragment         AnomalyKind = "fragment-reassembly"
	AnomalyRetransmission   AnomalyKind = "retransmission"
	AnomalyMalformedFlags   AnomalyKind = "malformed-flags"
	AnomalyNoHandshake      AnomalyKind = "no-handshake"
	AnomalyPortReuse        AnomalyKind = "port-reuse-open"
	AnomalyHTTPFraming      AnomalyKind = "http-framing"
	AnomalyUndecodableBody  AnomalyKind = "undecodable-body"
	AnomalyTLSKeyMissing    AnomalyKind = "tls-key-unavailable"
	AnomalyTLSDecrypt       AnomalyKind = "tls-decrypt-failure"
	AnomalyTLSUnsupported   AnomalyKind = "tls-unsupported-version"
)

// advisory kinds tag packets without degrading the result.
var advisory = map[AnomalyKind]bool{
	AnomalyChecksumMismatch: true,
	AnomalyReordered:        true,
	AnomalyRetransmission:   true,
}

// Status is the overall outcome of an analysis run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial" // Result is usable, some data could not be reconstructed
)

// Anomaly is one entry of the per-trace anomaly report.
type Anomaly struct {
	Kind    AnomalyKind `yaml:"kind" json:"kind"`
	Frame   int         `yaml:"frame" json:"frame"`     // -1 when not tied to a frame
	Session int         `yaml:"session" json:"session"` // -1 when not tied to a session
	Message string      `yaml:"message" json:"message"`
	Err     error       `yaml:"-" json:"-"`
}

// NewAnomaly builds an anomaly from an error.
func NewAnomaly(kind AnomalyKind, frame, session int, err error) Anomaly {
	return Anomaly{Kind: kind, Frame: frame, Session: session, Message: err.Error(), Err: err}
}

func (a Anomaly) Error() string {
	switch {
	case a.Session >= 0 && a.Frame >= 0:
		return fmt.Sprintf("%s: session %d frame %d: %s", a.Kind, a.Session, a.Frame, a.Message)
	case a.Session >= 0:
		return fmt.Sprintf("%s: session %d: %s", a.Kind, a.Session, a.Message)
	case a.Frame >= 0:
		return fmt.Sprintf("%s: frame %d: %s", a.Kind, a.Frame, a.Message)
	}
	return fmt.Sprintf("%s: %s", a.Kind, a.Message)
}

func (a Anomaly) Unwrap() error { return a.Err }

// AnomalyReport accumulates anomalies. Safe for concurrent use.
type AnomalyReport struct {
	mu    sync.Mutex
	items []Anomaly
}

// Add appends anomalies to the report.
func (r *AnomalyReport) Add(a ...Anomaly) {
	if len(a) == 0 {
		return
	}
	r.mu.Lock()
	r.items = append(r.items, a...)
	r.mu.Unlock()
}

// Len returns the number of anomalies recorded.
func (r *AnomalyReport) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// List returns a copy ordered by session, then frame, then insertion.
func (r *AnomalyReport) List() []Anomaly {
	r.mu.Lock()
	out := make([]Anomaly, len(r.items))
	copy(out, r.items)
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Session != out[j].Session {
			return out[i].Session < out[j].Session
		}
		return out[i].Frame < out[j].Frame
	})
	return out
}

// CountByKind returns the number of anomalies per kind.
func (r *AnomalyReport) CountByKind() map[AnomalyKind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[AnomalyKind]int)
	for _, a := range r.items {
		counts[a.Kind]++
	}
	return counts
}

// Status is partial when any non-advisory anomaly was recorded.
func (r *AnomalyReport) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.items {
		if !advisory[a.Kind] {
			return StatusPartial
		}
	}
	return StatusSuccess
}

// Err combines the anomalies into one error, nil when there are none.
func (r *AnomalyReport) Err() error {
	var err error
	for _, a := range r.List() {
		err = multierr.Append(err, a)
	}
	return err
}
