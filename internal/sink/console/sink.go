// Package console prints a human readable summary of a run.
package console

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"firestige.xyz/tracelens/internal/sink"
	"firestige.xyz/tracelens/pkg/model"
)

const Name = "console"

type Sink struct {
	w io.Writer
}

func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

func init() {
	sink.Register(Name, func(w io.Writer) sink.Sink { return NewSink(w) })
}

func (s *Sink) Write(m *model.Model) error {
	r := sink.NewReport(m)
	tw := tabwriter.NewWriter(s.w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "run\t%s\n", r.RunID)
	if r.Trace != "" {
		fmt.Fprintf(tw, "trace\t%s (%s)\n", r.Trace, r.Variant)
	}
	fmt.Fprintf(tw, "status\t%s\n", r.Status)
	fmt.Fprintf(tw, "window\t%s .. %s (%s)\n", r.Start.Format("15:04:05.000"), r.End.Format("15:04:05.000"), r.End.Sub(r.Start))
	if r.Device != "" {
		fmt.Fprintf(tw, "device\t%s\n", r.Device)
	}
	st := r.Stats
	fmt.Fprintf(tw, "frames\t%d read, %d filtered, %d decoded, %d errors\n", st.Frames, st.Filtered, st.Packets, st.ParseErrors)
	fmt.Fprintf(tw, "bytes\t%d up, %d down\n", st.BytesUp, st.BytesDown)
	fmt.Fprintf(tw, "sessions\t%d (%s)\n", len(r.Sessions), counts(st.Sessions))
	fmt.Fprintf(tw, "http\t%d requests, %d responses, %d paired\n", st.HTTPRequests, st.HTTPResponses, st.HTTPPaired)
	if len(st.TLSSessions) > 0 {
		fmt.Fprintf(tw, "tls\t%s\n", counts(st.TLSSessions))
	}

	if len(r.Profiles) > 0 {
		fmt.Fprintln(tw, "\nPROFILE\tENERGY (J)\tBURSTS\tCATEGORIES")
		for _, p := range r.Profiles {
			cats := make(map[string]int)
			for _, b := range p.Bursts {
				cats[string(b.Category)]++
			}
			fmt.Fprintf(tw, "%s\t%.3f\t%d\t%s\n", p.Name, p.Energy, len(p.Bursts), counts(cats))
		}
	}

	if len(r.Results) > 0 {
		fmt.Fprintln(tw, "\nANALYZER\tVERDICT\tSUMMARY")
		for _, res := range r.Results {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", res.Analyzer, res.Verdict, res.Summary)
		}
	}

	if len(r.Anomalies) > 0 {
		kinds := make(map[string]int)
		for _, a := range r.Anomalies {
			kinds[string(a.Kind)]++
		}
		fmt.Fprintf(tw, "\nanomalies\t%d (%s)\n", len(r.Anomalies), counts(kinds))
	}
	return tw.Flush()
}

// counts formats a histogram as "a=1, b=2" in key order.
func counts(m map[string]int) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, ", ")
}
