// Package pipeline runs every analysis stage over one trace.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"runtime"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"firestige.xyz/tracelens/internal/bestpractice"
	"firestige.xyz/tracelens/internal/burst"
	"firestige.xyz/tracelens/internal/core"
	"firestige.xyz/tracelens/internal/core/decoder"
	"firestige.xyz/tracelens/internal/filter"
	"firestige.xyz/tracelens/internal/httprec"
	"firestige.xyz/tracelens/internal/log"
	"firestige.xyz/tracelens/internal/metrics"
	"firestige.xyz/tracelens/internal/rrc"
	"firestige.xyz/tracelens/internal/session"
	"firestige.xyz/tracelens/internal/source/file"
	"firestige.xyz/tracelens/internal/tlsx"
	"firestige.xyz/tracelens/pkg/model"
)

// Config contains pipeline configuration.
type Config struct {
	Workers       int
	Decoder       decoder.Config
	Session       session.Config
	HTTP          httprec.Config
	TLS           tlsx.Config
	Filter        string     // Frame filter expression, empty for none
	DeviceAddress netip.Addr // Inferred from handshakes when invalid
	TraceEnd      time.Time  // Extends the trace window, zero for none
	Profiles      []rrc.Profile
	Analyzers     []string // Empty runs every built-in analyzer
}

// Input is one trace to analyze. Trace takes precedence over TracePath.
type Input struct {
	TracePath  string
	Trace      io.Reader
	KeyLog     *tlsx.KeyLog
	UserEvents []time.Time
}

// Pipeline analyzes traces. A Pipeline holds no per-trace state and may run
// several traces concurrently.
type Pipeline struct {
	config    Config
	filter    *filter.Filter
	analyzers []bestpractice.Analyzer
	log       log.Logger
}

// New validates cfg and creates a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Session.Workers <= 0 {
		cfg.Session.Workers = cfg.Workers
	}
	if len(cfg.Profiles) == 0 {
		cfg.Profiles = rrc.Defaults()
	}
	for _, p := range cfg.Profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	f, err := filter.Compile(cfg.Filter)
	if err != nil {
		return nil, err
	}
	analyzers, err := bestpractice.Lookup(cfg.Analyzers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return &Pipeline{
		config:    cfg,
		filter:    f,
		analyzers: analyzers,
		log:       log.GetLogger().WithField("prefix", "pipeline"),
	}, nil
}

// run is the state of one analysis.
type run struct {
	*Pipeline
	ctx    context.Context
	in     Input
	model  *model.Model
	report *core.AnomalyReport
	reg    *metrics.Registry
	log    log.Logger
}

// Run analyzes one trace. Only an unreadable container or a cancelled
// context fail the run; everything else is recorded as an anomaly and the
// result status becomes partial.
func (p *Pipeline) Run(ctx context.Context, in Input) (m *model.Model, err error) {
	runID := uuid.Must(uuid.NewV4()).String()
	r := &run{
		Pipeline: p,
		ctx:      ctx,
		in:       in,
		report:   &core.AnomalyReport{},
		reg:      metrics.NewRegistry(runID),
	}
	r.model = &model.Model{RunID: runID, Trace: in.TracePath, Metrics: r.reg}
	r.log = p.log.WithField("run", runID)

	src, err := r.open()
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, src.Close())
		if err != nil {
			m = nil
		}
	}()

	stages := []struct {
		name string
		fn   func() error
	}{
		{"decode", func() error { return r.decode(src) }},
		{"session", r.sessions},
		{"application", r.application},
		{"radio", r.radio},
		{"analyzers", r.analyze},
	}
	for _, st := range stages {
		start := time.Now()
		if err := st.fn(); err != nil {
			return nil, err
		}
		r.reg.StageSeconds.WithLabelValues(st.name).Set(time.Since(start).Seconds())
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	r.model.Anomalies = r.report.List()
	r.model.Status = r.report.Status()
	r.record()

	r.log.WithFields(map[string]interface{}{
		"status":    string(r.model.Status),
		"packets":   len(r.model.Packets),
		"sessions":  len(r.model.Sessions),
		"http":      len(r.model.HTTP),
		"anomalies": len(r.model.Anomalies),
	}).Info("analysis finished")
	return r.model, nil
}

func (r *run) open() (*file.Reader, error) {
	if r.in.Trace != nil {
		src, err := file.NewReader(r.in.Trace)
		if err != nil {
			return nil, fmt.Errorf("open trace: %w", err)
		}
		return src, nil
	}
	src, err := file.Open(r.in.TracePath)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	return src, nil
}

// decode reads and decodes every frame in capture order.
func (r *run) decode(src *file.Reader) error {
	dec := decoder.New(r.config.Decoder)
	st := &r.model.Stats
	r.model.Variant = string(src.Variant())

	var first, last time.Time
	for {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var tre *core.TruncatedRecordError
			if errors.As(err, &tre) {
				r.report.Add(core.NewAnomaly(core.AnomalyTruncatedRecord, tre.Index, -1, err))
				break
			}
			return fmt.Errorf("read trace: %w", err)
		}

		st.Frames++
		if st.Frames == 1 {
			first = frame.Timestamp
		}
		last = frame.Timestamp
		if frame.Reordered {
			r.report.Add(core.NewAnomaly(core.AnomalyReordered, frame.Index, -1,
				fmt.Errorf("timestamp %s clamped to %s", frame.OriginalTimestamp.Format(time.RFC3339Nano), frame.Timestamp.Format(time.RFC3339Nano))))
		}
		if !r.filter.Match(frame.LinkType, frame.Data) {
			st.Filtered++
			continue
		}

		pkt, err := dec.Decode(frame)
		if err != nil {
			st.ParseErrors++
			kind := core.AnomalyParseError
			if errors.Is(err, core.ErrReassemblyLimit) {
				kind = core.AnomalyFragment
			}
			r.report.Add(core.NewAnomaly(kind, frame.Index, -1, err))
			continue
		}
		if pkt.Corrupted {
			st.Corrupted++
			r.report.Add(core.Anomaly{Kind: core.AnomalyChecksumMismatch, Frame: frame.Index, Session: -1, Message: "checksum mismatch"})
		}
		r.model.Packets = append(r.model.Packets, pkt)
	}

	if rs := dec.Reassembler(); rs != nil {
		st.Reassembly = rs.Stats()
	}
	st.Packets = len(r.model.Packets)
	r.model.Window = traceWindow(first, last, r.config.TraceEnd)

	r.log.WithFields(map[string]interface{}{
		"variant":  r.model.Variant,
		"frames":   st.Frames,
		"filtered": st.Filtered,
		"packets":  st.Packets,
		"errors":   st.ParseErrors,
	}).Info("trace decoded")
	return nil
}

// traceWindow spans the frames, extended to end when it is later.
func traceWindow(first, last, end time.Time) rrc.Window {
	if first.IsZero() {
		return rrc.Window{Start: end, End: end}
	}
	if end.After(last) {
		last = end
	}
	return rrc.Window{Start: first, End: last}
}

func (r *run) sessions() error {
	sessions := session.NewBuilder(r.config.Session).Build(r.model.Packets)
	for _, s := range sessions {
		r.report.Add(s.Anomalies...)
	}
	r.model.Sessions = sessions
	r.model.Directions = directions(r.model.Packets, r.device())
	return nil
}

// device returns the configured device address or the address that
// initiates most TCP handshakes.
func (r *run) device() netip.Addr {
	if r.config.DeviceAddress.IsValid() {
		r.model.Device = r.config.DeviceAddress
		return r.model.Device
	}
	counts := make(map[netip.Addr]int)
	var best netip.Addr
	for _, s := range r.model.Sessions {
		if s.SawSyn() {
			a := s.Client.Addr()
			counts[a]++
			if counts[a] > counts[best] {
				best = a
			}
		}
	}
	if !best.IsValid() && len(r.model.Sessions) > 0 {
		best = r.model.Sessions[0].Client.Addr()
	}
	if !best.IsValid() {
		for _, p := range r.model.Packets {
			if p.IP.SrcIP.IsValid() {
				best = p.IP.SrcIP
				break
			}
		}
	}
	r.model.Device = best
	return best
}

// directions classifies packets as uplink when they leave the device.
func directions(packets []core.ParsedPacket, device netip.Addr) []core.Direction {
	out := make([]core.Direction, len(packets))
	for i := range packets {
		if packets[i].IP.SrcIP != device {
			out[i] = core.DirDownlink
		}
	}
	return out
}

// sessionResult is what the application stage produces for one session.
type sessionResult struct {
	info      *tlsx.Info
	messages  []*httprec.Message
	anomalies []core.Anomaly
}

// application runs the TLS phases and HTTP reconstruction on every session.
// Key resolution walks sessions in start order so that resumptions find the
// secrets of the sessions they resume.
func (r *run) application() error {
	sessions := r.model.Sessions
	engine := tlsx.NewEngine(r.in.KeyLog, nil, r.config.TLS)
	recon := httprec.New(r.config.HTTP)
	results := make([]sessionResult, len(sessions))

	r.forEach(len(sessions), func(i int) {
		s := sessions[i]
		info, an := engine.Observe(s.ID, s.Stream(core.DirUplink), s.Stream(core.DirDownlink))
		results[i].info = info
		results[i].anomalies = an
	})
	if err := r.ctx.Err(); err != nil {
		return err
	}

	for i := range sessions {
		if info := results[i].info; info != nil {
			results[i].anomalies = append(results[i].anomalies, engine.Resolve(info)...)
		}
	}

	r.forEach(len(sessions), func(i int) {
		s, res := sessions[i], &results[i]
		up, down := s.Stream(core.DirUplink), s.Stream(core.DirDownlink)
		if res.info != nil {
			res.anomalies = append(res.anomalies, engine.Decrypt(res.info)...)
			if res.info.State != tlsx.StateDecrypting {
				return
			}
			up, down = res.info.Plain[core.DirUplink], res.info.Plain[core.DirDownlink]
		}
		msgs, an := recon.Reconstruct(s.ID, up, down)
		res.messages = msgs
		res.anomalies = append(res.anomalies, an...)
	})

	for i, s := range sessions {
		res := results[i]
		r.report.Add(res.anomalies...)
		if res.info != nil {
			s.Protected = true
			s.TLS = len(r.model.TLS)
			r.model.TLS = append(r.model.TLS, res.info)
		}
		// Pair indices are relative to the session's slice.
		base := len(r.model.HTTP)
		for _, msg := range res.messages {
			if msg.Pair >= 0 {
				msg.Pair += base
			}
		}
		r.model.HTTP = append(r.model.HTTP, res.messages...)
	}

	r.log.WithFields(map[string]interface{}{
		"sessions": len(sessions),
		"tls":      len(r.model.TLS),
		"http":     len(r.model.HTTP),
	}).Info("application data reconstructed")
	return nil
}

// forEach runs fn for 0..n-1 on the worker pool and waits.
func (r *run) forEach(n int, fn func(i int)) {
	p := pool.New().WithMaxGoroutines(r.config.Workers)
	for i := 0; i < n; i++ {
		p.Go(func() {
			if r.ctx.Err() != nil {
				return
			}
			fn(i)
		})
	}
	p.Wait()
}

// radio simulates every profile and analyzes the bursts under it.
func (r *run) radio() error {
	m := r.model
	retrans := make(map[int]bool)
	for _, s := range m.Sessions {
		for _, entries := range s.Entries {
			for _, e := range entries {
				if e.Retransmission {
					retrans[e.Packet] = true
				}
			}
		}
	}

	rp := make([]rrc.Packet, len(m.Packets))
	bp := make([]burst.Packet, len(m.Packets))
	for i := range m.Packets {
		pkt := &m.Packets[i]
		dir := m.Directions[i]
		remote := pkt.IP.DstIP
		if dir == core.DirDownlink {
			remote = pkt.IP.SrcIP
		}
		rp[i] = rrc.Packet{Timestamp: pkt.Timestamp, Size: pkt.Length, Direction: dir}
		bp[i] = burst.Packet{
			Index:          i,
			Timestamp:      pkt.Timestamp,
			Size:           pkt.Length,
			PayloadLen:     len(pkt.Payload),
			Direction:      dir,
			Remote:         remote,
			Retransmission: retrans[i],
		}
	}

	m.Profiles = make([]*model.ProfileResult, len(r.config.Profiles))
	r.forEach(len(r.config.Profiles), func(i int) {
		prof := r.config.Profiles[i]
		tl := rrc.Simulate(prof, rp, m.Window)
		m.Profiles[i] = &model.ProfileResult{
			Profile:  prof,
			Timeline: tl,
			Bursts:   burst.Analyze(bp, tl, burst.OptionsFor(prof, r.in.UserEvents)),
		}
	})
	if err := r.ctx.Err(); err != nil {
		return err
	}

	for _, pr := range m.Profiles {
		r.log.WithFields(map[string]interface{}{
			"profile": pr.Profile.Name,
			"energy":  pr.Timeline.Energy(),
			"bursts":  len(pr.Bursts),
		}).Info("radio simulated")
	}
	return nil
}

func (r *run) analyze() error {
	r.model.Stats = aggregate(r.model)
	r.model.Results = bestpractice.Run(r.model, r.analyzers...)
	return nil
}
