package console

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tracelens/internal/burst"
	"firestige.xyz/tracelens/internal/core"
	"firestige.xyz/tracelens/internal/rrc"
	"firestige.xyz/tracelens/pkg/model"
)

func TestWrite(t *testing.T) {
	prof := rrc.DefaultWiFi()
	m := &model.Model{
		RunID:  "run-1",
		Trace:  "capture.pcap",
		Status: core.StatusPartial,
		Stats:  model.Stats{Frames: 10, Packets: 9, ParseErrors: 1, Sessions: map[string]int{"CLOSED": 2}},
		Profiles: []*model.ProfileResult{{
			Profile:  prof,
			Timeline: rrc.Simulate(prof, nil, rrc.Window{}),
			Bursts:   []*burst.Burst{{Category: burst.CategoryUserInput}, {Category: burst.CategoryUnknown}},
		}},
		Results:   []model.Result{{Analyzer: "tls-visibility", Verdict: model.VerdictNotApplicable, Summary: "no TLS sessions"}},
		Anomalies: []core.Anomaly{{Kind: core.AnomalyParseError, Frame: 3, Session: -1, Message: "short"}},
	}

	var buf bytes.Buffer
	require.NoError(t, NewSink(&buf).Write(m))
	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "partial")
	assert.Contains(t, out, "10 read, 0 filtered, 9 decoded, 1 errors")
	assert.Contains(t, out, "CLOSED=2")
	assert.Contains(t, out, "UNKNOWN=1, USER_INPUT=1")
	assert.Contains(t, out, "tls-visibility")
	assert.Contains(t, out, "parse-error=1")
}
