package bestpractice

import (
	"crypto/sha256"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"firestige.xyz/tracelens/internal/burst"
	"firestige.xyz/tracelens/internal/httprec"
	"firestige.xyz/tracelens/internal/tlsx"
	"firestige.xyz/tracelens/pkg/model"
)

const defaultMinCompressBytes = 1024

// TextCompression flags textual responses sent without Content-Encoding.
type TextCompression struct {
	MinBytes int
}

func (TextCompression) Name() string { return "text-compression" }

func (a TextCompression) Evaluate(m *model.Model) Result {
	var (
		r      Result
		text   int
		wasted int
	)
	for i, msg := range m.HTTP {
		if msg.Kind != httprec.KindResponse || msg.BodyState != httprec.BodyComplete || !msg.IsText() {
			continue
		}
		text++
		enc := strings.ToLower(strings.TrimSpace(msg.ContentEncoding))
		if (enc != "" && enc != "identity") || len(msg.Body) < a.MinBytes {
			continue
		}
		wasted += len(msg.Body)
		r.Findings = append(r.Findings, Finding{
			Session: msg.Session,
			Message: i,
			Detail:  fmt.Sprintf("%s: %d bytes of %s sent uncompressed", describe(m, msg), len(msg.Body), msg.MediaType()),
		})
	}

	switch {
	case text == 0:
		r.Verdict, r.Summary = VerdictNotApplicable, "no textual responses"
	case len(r.Findings) > 0:
		r.Verdict = VerdictFail
		r.Summary = fmt.Sprintf("%d of %d textual responses uncompressed, %d bytes", len(r.Findings), text, wasted)
	default:
		r.Verdict, r.Summary = VerdictPass, fmt.Sprintf("%d textual responses compressed or small", text)
	}
	return r
}

// DuplicateContent flags identical response bodies downloaded more than once.
type DuplicateContent struct{}

func (DuplicateContent) Name() string { return "duplicate-content" }

func (DuplicateContent) Evaluate(m *model.Model) Result {
	first := make(map[[sha256.Size]byte]int)
	var (
		r              Result
		bodies, wasted int
	)
	for i, msg := range m.HTTP {
		if msg.Kind != httprec.KindResponse || msg.StatusCode != 200 ||
			msg.BodyState != httprec.BodyComplete || len(msg.Body) == 0 {
			continue
		}
		bodies++
		sum := sha256.Sum256(msg.Body)
		orig, seen := first[sum]
		if !seen {
			first[sum] = i
			continue
		}
		wasted += msg.WireBytes
		r.Findings = append(r.Findings, Finding{
			Session: msg.Session,
			Message: i,
			Detail:  fmt.Sprintf("%s: same %d bytes as %s", describe(m, msg), len(msg.Body), describe(m, m.HTTP[orig])),
		})
	}

	switch {
	case bodies == 0:
		r.Verdict, r.Summary = VerdictNotApplicable, "no response bodies"
	case len(r.Findings) > 0:
		r.Verdict = VerdictWarn
		r.Summary = fmt.Sprintf("%d duplicate downloads, %d wire bytes", len(r.Findings), wasted)
	default:
		r.Verdict, r.Summary = VerdictPass, fmt.Sprintf("%d distinct response bodies", bodies)
	}
	return r
}

// PeriodicTransfers reports periodic bursts found under the first profile.
type PeriodicTransfers struct{}

func (PeriodicTransfers) Name() string { return "periodic-transfers" }

func (PeriodicTransfers) Evaluate(m *model.Model) Result {
	var r Result
	if len(m.Profiles) == 0 || len(m.Profiles[0].Bursts) == 0 {
		r.Verdict, r.Summary = VerdictNotApplicable, "no bursts"
		return r
	}
	pr := m.Profiles[0]

	type group struct {
		count  int
		energy float64
	}
	groups := make(map[netip.Addr]*group)
	var total float64
	for _, b := range pr.Bursts {
		if b.Category != burst.CategoryPeriodic {
			continue
		}
		remote := b.Primary()
		g := groups[remote]
		if g == nil {
			g = &group{}
			groups[remote] = g
		}
		g.count++
		g.energy += b.Energy
		total += b.Energy
	}
	if len(groups) == 0 {
		r.Verdict, r.Summary = VerdictPass, fmt.Sprintf("no periodic bursts in %d", len(pr.Bursts))
		return r
	}

	remotes := make([]netip.Addr, 0, len(groups))
	for a := range groups {
		remotes = append(remotes, a)
	}
	sort.Slice(remotes, func(i, j int) bool { return remotes[i].Less(remotes[j]) })
	for _, a := range remotes {
		g := groups[a]
		r.Findings = append(r.Findings, Finding{
			Session: -1,
			Message: -1,
			Detail:  fmt.Sprintf("%d periodic bursts to %s, %.3f J under %s", g.count, a, g.energy, pr.Profile.Name),
		})
	}
	r.Verdict = VerdictWarn
	r.Summary = fmt.Sprintf("periodic transfers to %d remotes cost %.3f J under %s", len(groups), total, pr.Profile.Name)
	return r
}

// TLSVisibility reports TLS sessions whose payload could not be analyzed.
type TLSVisibility struct{}

func (TLSVisibility) Name() string { return "tls-visibility" }

func (TLSVisibility) Evaluate(m *model.Model) Result {
	var r Result
	if len(m.TLS) == 0 {
		r.Verdict, r.Summary = VerdictNotApplicable, "no TLS sessions"
		return r
	}
	var visible int
	for _, info := range m.TLS {
		var reason string
		switch {
		case info.State == tlsx.StateDecrypting:
			visible++
			continue
		case info.Unsupported:
			reason = "unsupported version " + info.VersionName()
		case info.State == tlsx.StateFailed:
			reason = "decryption failed"
		case info.State == tlsx.StateServerHelloSeen:
			reason = "no key material"
		default:
			reason = "incomplete handshake"
		}
		if info.ServerName != "" {
			reason = info.ServerName + ": " + reason
		}
		r.Findings = append(r.Findings, Finding{Session: info.Session, Message: -1, Detail: reason})
	}
	if len(r.Findings) == 0 {
		r.Verdict, r.Summary = VerdictPass, fmt.Sprintf("all %d TLS sessions decrypted", visible)
		return r
	}
	r.Verdict = VerdictWarn
	r.Summary = fmt.Sprintf("%d of %d TLS sessions opaque", len(r.Findings), len(m.TLS))
	return r
}

// describe names a message by its request line and host.
func describe(m *model.Model, msg *httprec.Message) string {
	req := msg
	if msg.Kind == httprec.KindResponse {
		req = m.Pair(msg)
	}
	if req == nil {
		return fmt.Sprintf("session %d response", msg.Session)
	}
	if req.Host != "" && strings.HasPrefix(req.URI, "/") {
		return req.Method + " " + req.Host + req.URI
	}
	return req.Method + " " + req.URI
}
