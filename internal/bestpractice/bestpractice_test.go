package bestpractice

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tracelens/internal/burst"
	"firestige.xyz/tracelens/internal/httprec"
	"firestige.xyz/tracelens/internal/rrc"
	"firestige.xyz/tracelens/internal/tlsx"
	"firestige.xyz/tracelens/pkg/model"
)

// exchange appends a paired request and response to the arena.
func exchange(m *model.Model, session int, uri, contentType, encoding string, body []byte) {
	req := &httprec.Message{Kind: httprec.KindRequest, Session: session, Method: "GET", URI: uri, Host: "example.test", Pair: len(m.HTTP) + 1}
	resp := &httprec.Message{
		Kind:            httprec.KindResponse,
		Session:         session,
		StatusCode:      200,
		ContentType:     contentType,
		ContentEncoding: encoding,
		Body:            body,
		BodyState:       httprec.BodyComplete,
		WireBytes:       len(body) + 100,
		Pair:            len(m.HTTP),
	}
	m.HTTP = append(m.HTTP, req, resp)
}

func TestTextCompression(t *testing.T) {
	m := &model.Model{}
	assert.Equal(t, VerdictNotApplicable, TextCompression{MinBytes: 1024}.Evaluate(m).Verdict)

	page := bytes.Repeat([]byte("<p>hello</p>"), 200)
	exchange(m, 0, "/index.html", "text/html; charset=utf-8", "", page)
	exchange(m, 0, "/app.js", "application/javascript", "gzip", page)
	exchange(m, 1, "/small.json", "application/json", "", []byte(`{"ok":true}`))
	exchange(m, 1, "/logo.png", "image/png", "", page)

	r := TextCompression{MinBytes: 1024}.Evaluate(m)
	assert.Equal(t, VerdictFail, r.Verdict)
	require.Len(t, r.Findings, 1)
	assert.Equal(t, 1, r.Findings[0].Message)
	assert.Equal(t, 0, r.Findings[0].Session)
	assert.Contains(t, r.Findings[0].Detail, "GET example.test/index.html")
	assert.Contains(t, r.Summary, "1 of 3")
}

func TestDuplicateContent(t *testing.T) {
	m := &model.Model{}
	exchange(m, 0, "/a.css", "text/css", "", []byte("body{}"))
	exchange(m, 1, "/b.css", "text/css", "", []byte("p{}"))
	r := DuplicateContent{}.Evaluate(m)
	assert.Equal(t, VerdictPass, r.Verdict)

	exchange(m, 2, "/a.css?v=2", "text/css", "", []byte("body{}"))
	r = DuplicateContent{}.Evaluate(m)
	assert.Equal(t, VerdictWarn, r.Verdict)
	require.Len(t, r.Findings, 1)
	assert.Equal(t, 5, r.Findings[0].Message)
	assert.Contains(t, r.Findings[0].Detail, "same 6 bytes as GET example.test/a.css")
	assert.Contains(t, r.Summary, "106 wire bytes")
}

func TestPeriodicTransfers(t *testing.T) {
	tracker := netip.MustParseAddr("198.51.100.7")
	m := &model.Model{}
	assert.Equal(t, VerdictNotApplicable, PeriodicTransfers{}.Evaluate(m).Verdict)

	m.Profiles = []*model.ProfileResult{{
		Profile: rrc.DefaultLTE(),
		Bursts: []*burst.Burst{
			{Category: burst.CategoryPeriodic, Remotes: []netip.Addr{tracker}, Energy: 1.25},
			{Category: burst.CategoryUserInput, Remotes: []netip.Addr{tracker}, Energy: 4},
			{Category: burst.CategoryPeriodic, Remotes: []netip.Addr{tracker}, Energy: 0.75},
		},
	}}
	r := PeriodicTransfers{}.Evaluate(m)
	assert.Equal(t, VerdictWarn, r.Verdict)
	require.Len(t, r.Findings, 1)
	assert.Equal(t, "2 periodic bursts to 198.51.100.7, 2.000 J under LTE", r.Findings[0].Detail)

	m.Profiles[0].Bursts = m.Profiles[0].Bursts[1:2]
	assert.Equal(t, VerdictPass, PeriodicTransfers{}.Evaluate(m).Verdict)
}

func TestTLSVisibility(t *testing.T) {
	m := &model.Model{}
	assert.Equal(t, VerdictNotApplicable, TLSVisibility{}.Evaluate(m).Verdict)

	m.TLS = []*tlsx.Info{
		{Session: 0, State: tlsx.StateDecrypting},
		{Session: 2, State: tlsx.StateServerHelloSeen, ServerName: "cdn.example.test"},
		{Session: 3, State: tlsx.StateServerHelloSeen, Unsupported: true, Version: tlsx.VersionTLS13},
	}
	r := TLSVisibility{}.Evaluate(m)
	assert.Equal(t, VerdictWarn, r.Verdict)
	require.Len(t, r.Findings, 2)
	assert.Equal(t, Finding{Session: 2, Message: -1, Detail: "cdn.example.test: no key material"}, r.Findings[0])
	assert.Equal(t, "unsupported version TLS1.3", r.Findings[1].Detail)

	m.TLS = m.TLS[:1]
	assert.Equal(t, VerdictPass, TLSVisibility{}.Evaluate(m).Verdict)
}

func TestRunAndLookup(t *testing.T) {
	results := Run(&model.Model{})
	require.Len(t, results, 4)
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.Analyzer
		assert.Equal(t, VerdictNotApplicable, r.Verdict, r.Analyzer)
	}
	assert.Equal(t, []string{"text-compression", "duplicate-content", "periodic-transfers", "tls-visibility"}, names)

	as, err := Lookup([]string{"TLS-Visibility"})
	require.NoError(t, err)
	require.Len(t, as, 1)
	assert.Equal(t, "tls-visibility", as[0].Name())

	_, err = Lookup([]string{"battery-saver"})
	assert.Error(t, err)
}
