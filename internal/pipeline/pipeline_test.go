package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tracelens/internal/core"
	"firestige.xyz/tracelens/internal/httprec"
	"firestige.xyz/tracelens/internal/rrc"
	"firestige.xyz/tracelens/internal/session"
	"firestige.xyz/tracelens/internal/tracetest"
)

var epoch = time.Unix(1700000000, 0)

const (
	request  = "GET /index.html HTTP/1.1\r\nHost: example.test\r\n\r\n"
	response = "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello"
)

func getTrace() []byte {
	c := tracetest.NewConversation("10.0.0.2:40000", "93.184.216.34:80", epoch).
		Handshake().
		ClientSends([]byte(request)).
		ServerSends([]byte(response)).
		Close()
	return tracetest.Pcap(c.Frames)
}

func TestRunHTTPExchange(t *testing.T) {
	p, err := NewBuilder().WithWorkers(2).Build()
	require.NoError(t, err)

	m, err := p.Run(context.Background(), Input{Trace: bytes.NewReader(getTrace())})
	require.NoError(t, err)

	assert.NotEmpty(t, m.RunID)
	assert.Equal(t, "pcap", m.Variant)
	assert.Equal(t, core.StatusSuccess, m.Status)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), m.Device)
	assert.Equal(t, 8, m.Stats.Frames)
	assert.Equal(t, 8, m.Stats.Packets)

	require.Len(t, m.Sessions, 1)
	s := m.Sessions[0]
	assert.Equal(t, session.StateClosed, s.State)
	assert.False(t, s.Protected)
	assert.Equal(t, -1, s.TLS)

	require.Len(t, m.HTTP, 2)
	req, resp := m.HTTP[0], m.HTTP[1]
	assert.Equal(t, httprec.KindRequest, req.Kind)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/index.html", req.URI)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []byte("hello"), resp.Body)
	assert.Same(t, resp, m.Pair(req))
	assert.Same(t, req, m.Pair(resp))
	assert.Equal(t, 1, m.Stats.HTTPPaired)
	assert.Len(t, m.Messages(0), 2)

	assert.Equal(t, core.DirUplink, m.Direction(0))
	assert.Equal(t, core.DirDownlink, m.Direction(1))
	assert.Greater(t, m.Stats.BytesUp, 0)
	assert.Greater(t, m.Stats.BytesDown, 0)

	require.Len(t, m.Profiles, len(rrc.Defaults()))
	for _, pr := range m.Profiles {
		assert.Greater(t, pr.Timeline.Energy(), 0.0, pr.Profile.Name)
		assert.Len(t, pr.Bursts, 1, pr.Profile.Name)
	}
	assert.Len(t, m.Results, 4)
	assert.NotNil(t, m.Metrics)
}

func TestRunFilter(t *testing.T) {
	p, err := NewBuilder().WithFilter("host 192.0.2.1").Build()
	require.NoError(t, err)

	m, err := p.Run(context.Background(), Input{Trace: bytes.NewReader(getTrace())})
	require.NoError(t, err)
	assert.Equal(t, 8, m.Stats.Filtered)
	assert.Empty(t, m.Packets)
	assert.Empty(t, m.Sessions)
	assert.Empty(t, m.HTTP)
}

func TestRunTraceEnd(t *testing.T) {
	end := epoch.Add(time.Minute)
	p, err := NewBuilder().WithTraceEnd(end).WithProfiles(rrc.DefaultLTE()).Build()
	require.NoError(t, err)

	m, err := p.Run(context.Background(), Input{Trace: bytes.NewReader(getTrace())})
	require.NoError(t, err)
	assert.True(t, epoch.Equal(m.Window.Start))
	assert.True(t, end.Equal(m.Window.End))
	require.Len(t, m.Profiles, 1)
	assert.Equal(t, rrc.StateLTEIdle, m.Profiles[0].Timeline.StateAt(end.Add(-time.Millisecond)))
}

func TestRunNotATrace(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)

	_, err = p.Run(context.Background(), Input{Trace: bytes.NewReader([]byte("definitely not a capture"))})
	var fe *core.FormatError
	assert.True(t, errors.As(err, &fe))
}

func TestRunCancelled(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Run(ctx, Input{Trace: bytes.NewReader(getTrace())})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Filter: "host not-an-address"})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Config{Analyzers: []string{"battery-saver"}})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Config{Profiles: []rrc.Profile{{}}})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}
