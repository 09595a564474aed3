package burst

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tracelens/internal/core"
	"firestige.xyz/tracelens/internal/rrc"
)

var (
	t0      = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	server  = netip.MustParseAddr("93.184.216.34")
	tracker = netip.MustParseAddr("198.51.100.7")
)

func at(d time.Duration) time.Time { return t0.Add(d) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

type trace struct{ packets []Packet }

func (tr *trace) add(d time.Duration, payload int, remote netip.Addr, retrans bool) {
	tr.packets = append(tr.packets, Packet{
		Index:          len(tr.packets),
		Timestamp:      at(d),
		Size:           54 + payload,
		PayloadLen:     payload,
		Direction:      core.DirUplink,
		Remote:         remote,
		Retransmission: retrans,
	})
}

func (tr *trace) analyze(t *testing.T, p rrc.Profile, end time.Duration, events ...time.Time) ([]*Burst, *rrc.Timeline) {
	t.Helper()
	rp := make([]rrc.Packet, len(tr.packets))
	for i, pk := range tr.packets {
		rp[i] = rrc.Packet{Timestamp: pk.Timestamp, Size: pk.Size, Direction: pk.Direction}
	}
	tl := rrc.Simulate(p, rp, rrc.Window{Start: t0, End: at(end)})
	return Analyze(tr.packets, tl, OptionsFor(p, events)), tl
}

func TestSplitByThreshold(t *testing.T) {
	var tr trace
	tr.add(ms(100), 100, server, false)
	tr.add(ms(900), 200, server, false) // 800ms gap joins
	tr.add(ms(2000), 0, server, false)  // 1.1s gap splits
	tr.add(ms(2100), 300, tracker, false)

	bursts, _ := tr.analyze(t, rrc.DefaultLTE(), 10*time.Second)
	require.Len(t, bursts, 2)

	assert.Equal(t, at(ms(100)), bursts[0].Start)
	assert.Equal(t, at(ms(900)), bursts[0].End)
	assert.Equal(t, []int{0, 1}, bursts[0].Packets)
	assert.Equal(t, 300, bursts[0].PayloadBytes)
	assert.Equal(t, 408, bursts[0].Bytes)

	assert.Equal(t, 2, bursts[1].PacketCount)
	assert.Equal(t, []netip.Addr{server, tracker}, bursts[1].Remotes)
	assert.Equal(t, tracker, bursts[1].Primary())
	assert.Equal(t, ms(100), bursts[1].Duration())
}

func TestEnergiesSumToTimeline(t *testing.T) {
	var tr trace
	for _, off := range []int{500, 600, 3000, 3050, 3100, 9000, 15000, 15900} {
		tr.add(ms(off), off%700, server, false)
	}
	for _, p := range rrc.Defaults() {
		t.Run(p.Name, func(t *testing.T) {
			bursts, tl := tr.analyze(t, p, 30*time.Second)
			require.NotEmpty(t, bursts)

			var sum float64
			for _, b := range bursts {
				sum += b.Energy
			}
			assert.InDelta(t, tl.Energy(), sum, 1e-9)
			assert.Equal(t, t0, bursts[0].Owned[0])
			assert.Equal(t, at(30*time.Second), bursts[len(bursts)-1].Owned[1])
		})
	}
}

func TestClassification(t *testing.T) {
	var tr trace
	tr.add(ms(1000), 500, server, false) // user tap at 800ms
	tr.add(ms(5000), 100, server, true)  // loss: 2 of 3 retransmitted
	tr.add(ms(5100), 100, server, true)
	tr.add(ms(5200), 100, server, false)
	tr.add(ms(9000), 0, server, false) // bare ACK
	tr.add(ms(13000), 700, server, false)

	bursts, _ := tr.analyze(t, rrc.DefaultWiFi(), 20*time.Second, at(ms(800)))
	require.Len(t, bursts, 4)
	assert.Equal(t, CategoryUserInput, bursts[0].Category)
	assert.Equal(t, CategoryProtocolLoss, bursts[1].Category)
	assert.Equal(t, 2, bursts[1].Retransmissions)
	assert.Equal(t, CategoryUnknown, bursts[2].Category)
	assert.Equal(t, CategoryAppBackground, bursts[3].Category)
}

func TestUserInputWindow(t *testing.T) {
	var tr trace
	tr.add(ms(5000), 100, server, false)

	bursts, _ := tr.analyze(t, rrc.DefaultWiFi(), 10*time.Second, at(ms(3000)))
	assert.Equal(t, CategoryAppBackground, bursts[0].Category)

	bursts, _ = tr.analyze(t, rrc.DefaultWiFi(), 10*time.Second, at(ms(4000)))
	assert.Equal(t, CategoryUserInput, bursts[0].Category)
}

func TestPeriodicBeacons(t *testing.T) {
	var tr trace
	for i, off := range []time.Duration{0, 30 * time.Second, 60*time.Second + ms(400), 90 * time.Second} {
		tr.add(time.Second+off, 200+i, tracker, false)
	}
	tr.add(100*time.Second, 50, server, false)
	tr.add(101*time.Second+ms(500), 80, tracker, false)

	bursts, _ := tr.analyze(t, rrc.DefaultLTE(), 120*time.Second, at(100*time.Second))
	require.Len(t, bursts, 6)
	for i := 0; i < 4; i++ {
		assert.Equal(t, CategoryPeriodic, bursts[i].Category, "burst %d", i)
	}
	assert.Equal(t, CategoryUserInput, bursts[4].Category)
	// 11.5s after the previous beacon, far from the 30s cycle
	assert.Equal(t, CategoryAppBackground, bursts[5].Category)
}

func TestTooFewSamplesAreNotPeriodic(t *testing.T) {
	var tr trace
	tr.add(time.Second, 100, tracker, false)
	tr.add(31*time.Second, 100, tracker, false)

	bursts, _ := tr.analyze(t, rrc.DefaultWiFi(), 60*time.Second)
	require.Len(t, bursts, 2)
	assert.Equal(t, CategoryAppBackground, bursts[0].Category)
	assert.Equal(t, CategoryAppBackground, bursts[1].Category)
}

func TestNoPackets(t *testing.T) {
	var tr trace
	bursts, _ := tr.analyze(t, rrc.DefaultWiFi(), time.Second)
	assert.Empty(t, bursts)
}

func TestReadUserEvents(t *testing.T) {
	events, err := ReadUserEvents(strings.NewReader(`
# taps
2024-05-01T09:00:03Z
1714554001.5

2024-05-01T11:00:02.25+02:00
`))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{at(ms(1500)), at(ms(2250)), at(3 * time.Second)}, normalize(events))

	_, err = ReadUserEvents(strings.NewReader("yesterday\n"))
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestLoadUserEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.txt")
	require.NoError(t, os.WriteFile(path, []byte("1714554000\n"), 0o644))
	events, err := LoadUserEvents(path)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{t0}, normalize(events))

	_, err = LoadUserEvents(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func normalize(ts []time.Time) []time.Time {
	out := make([]time.Time, len(ts))
	for i, t := range ts {
		out[i] = t.UTC()
	}
	return out
}
