package httprec

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"firestige.xyz/tracelens/internal/core"
	"firestige.xyz/tracelens/internal/session"
)

const (
	defaultMaxBodyBytes   = 16 << 20
	defaultMaxHeaderBytes = 64 << 10
)

// Config bounds what a single message may buffer.
type Config struct {
	MaxBodyBytes   int `mapstructure:"max_body_bytes"`
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

type Reconstructor struct {
	config Config
}

func New(cfg Config) *Reconstructor {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	return &Reconstructor{config: cfg}
}

// Reconstruct parses requests from up and responses from down. Messages
// are returned in order of their first byte. The Nth final response pairs
// with the Nth request; leftovers keep Pair == -1.
func (r *Reconstructor) Reconstruct(sessionID int, up, down []session.Chunk) ([]*Message, []core.Anomaly) {
	req := &parser{config: r.config, session: sessionID, kind: KindRequest, st: session.Join(up)}
	req.run()

	resp := &parser{config: r.config, session: sessionID, kind: KindResponse, st: session.Join(down)}
	for _, m := range req.msgs {
		resp.methods = append(resp.methods, m.Method)
	}
	resp.run()

	var finals []*Message
	for _, m := range resp.msgs {
		if m.StatusCode >= 200 {
			finals = append(finals, m)
		}
	}

	msgs := make([]*Message, 0, len(req.msgs)+len(resp.msgs))
	msgs = append(msgs, req.msgs...)
	msgs = append(msgs, resp.msgs...)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].FirstByte.Before(msgs[j].FirstByte)
	})
	pos := make(map[*Message]int, len(msgs))
	for i, m := range msgs {
		pos[m] = i
	}
	for i := 0; i < len(req.msgs) && i < len(finals); i++ {
		a, b := req.msgs[i], finals[i]
		a.Pair, b.Pair = pos[b], pos[a]
	}

	return msgs, append(req.anomalies, resp.anomalies...)
}

type parser struct {
	config    Config
	session   int
	kind      Kind
	st        *session.Buffer
	methods   []string // Request methods, consumed by final responses
	next      int
	msgs      []*Message
	anomalies []core.Anomaly
}

func (p *parser) run() {
	data := p.st.Data
	pos, junk := 0, -1
	for pos < len(data) {
		end := lineEnd(data, pos)
		if end < 0 {
			if junk < 0 {
				junk = pos
			}
			pos = len(data)
			break
		}
		line := trimEOL(data[pos:end])
		if p.startLine(line) {
			p.skipped(junk, pos)
			junk = -1
			pos = p.message(pos, end, string(line))
			continue
		}
		if junk < 0 && len(bytes.TrimSpace(line)) > 0 {
			junk = pos
		}
		pos = end
	}
	p.skipped(junk, pos)
}

func (p *parser) skipped(from, to int) {
	if from >= 0 && to > from {
		p.framing(core.AnomalyHTTPFraming, from, fmt.Sprintf("skipped %d bytes without a start-line", to-from))
	}
}

func (p *parser) framing(kind core.AnomalyKind, offset int, reason string) {
	err := &core.HTTPFramingError{Session: p.session, Offset: offset, Reason: reason}
	p.anomalies = append(p.anomalies, core.NewAnomaly(kind, -1, p.session, err))
}

func (p *parser) startLine(line []byte) bool {
	if p.kind == KindRequest {
		_, _, _, ok := parseRequestLine(string(line))
		return ok
	}
	_, _, _, ok := parseStatusLine(string(line))
	return ok
}

// message parses one message whose start-line spans [start, lineEnd) and
// returns the offset after it.
func (p *parser) message(start, lineEnd int, line string) int {
	data := p.st.Data
	m := &Message{
		Kind:          p.kind,
		Session:       p.session,
		Offset:        start,
		ContentLength: -1,
		Pair:          -1,
		FirstByte:     p.st.TimeAt(start),
	}
	if p.kind == KindRequest {
		m.Method, m.URI, m.Version, _ = parseRequestLine(line)
	} else {
		m.Version, m.StatusCode, m.Reason, _ = parseStatusLine(line)
	}

	hdrEnd, ok := headerEnd(data, lineEnd, p.config.MaxHeaderBytes)
	if !ok {
		if hdrEnd < 0 {
			// Stream ended inside the header block
			m.Header = readHeader(data[lineEnd:])
			p.fill(m)
			m.BodyState = BodyTruncated
			p.finish(m, start, len(data))
			p.framing(core.AnomalyHTTPFraming, start, "header block incomplete")
			return len(data)
		}
		p.framing(core.AnomalyHTTPFraming, start, "header block exceeds limit")
		return lineEnd
	}
	m.Header = readHeader(data[lineEnd:hdrEnd])
	p.fill(m)

	end := p.body(m, hdrEnd)
	p.finish(m, start, end)
	if p.st.GapWithin(start, end) {
		if m.BodyState == BodyComplete {
			m.BodyState = BodyTruncated
		}
		p.framing(core.AnomalyHTTPFraming, start, "stream gap inside message")
	}
	return end
}

func (p *parser) finish(m *Message, start, end int) {
	m.WireBytes = end - start
	m.LastByte = p.st.TimeAt(max(end-1, start))
	p.msgs = append(p.msgs, m)
}

func (p *parser) fill(m *Message) {
	h := m.Header
	m.Host = h.Get("Host")
	if m.Host == "" && m.URI != "" {
		if u, err := url.Parse(m.URI); err == nil {
			m.Host = u.Host
		}
	}
	m.ContentType = h.Get("Content-Type")
	m.ContentEncoding = h.Get("Content-Encoding")
	if te := h.Values("Transfer-Encoding"); len(te) > 0 {
		codings := strings.Split(te[len(te)-1], ",")
		m.Chunked = strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked")
	}
	if cl := h.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && n >= 0 {
			m.ContentLength = n
		} else {
			p.framing(core.AnomalyHTTPFraming, m.Offset, fmt.Sprintf("invalid Content-Length %q", cl))
		}
	}
}

// body frames the body starting at from and returns the offset after it.
func (p *parser) body(m *Message, from int) int {
	data := p.st.Data
	limit := p.config.MaxBodyBytes

	if p.kind == KindResponse {
		method := ""
		if m.StatusCode >= 200 {
			if p.next < len(p.methods) {
				method = p.methods[p.next]
			}
			p.next++
		}
		if method == "HEAD" || m.StatusCode < 200 || m.StatusCode == 204 || m.StatusCode == 304 {
			m.BodyState = BodyNone
			return from
		}
	}

	var (
		raw      []byte
		end      int
		complete = true
		tooLarge bool
	)
	switch {
	case m.Chunked:
		var err error
		raw, end, tooLarge, err = dechunk(data, from, limit)
		if err != nil {
			complete = false
			p.framing(core.AnomalyHTTPFraming, from, err.Error())
		}
	case m.ContentLength >= 0:
		end = from + int(m.ContentLength)
		if end > len(data) || end < from {
			end = len(data)
			complete = false
			p.framing(core.AnomalyHTTPFraming, from,
				fmt.Sprintf("body has %d of %d bytes", len(data)-from, m.ContentLength))
		}
		raw = data[from:end]
	case p.kind == KindRequest:
		m.BodyState = BodyNone
		return from
	default:
		// Delimited by connection close
		end = len(data)
		raw = data[from:end]
	}

	if len(raw) > limit {
		raw, tooLarge = raw[:limit], true
	}
	if tooLarge {
		complete = false
		p.framing(core.AnomalyHTTPFraming, from, core.ErrBodyTooLarge.Error())
	}
	m.RawBody = raw

	switch {
	case len(raw) == 0 && complete:
		m.BodyState = BodyNone
	case complete:
		m.BodyState = BodyComplete
	default:
		m.BodyState = BodyTruncated
	}
	p.decode(m)
	return end
}

func (p *parser) decode(m *Message) {
	if len(m.RawBody) == 0 {
		m.Body = m.RawBody
		return
	}
	body, err := decodeBody(m.ContentEncoding, m.RawBody, p.config.MaxBodyBytes)
	switch {
	case err == nil:
		m.Body = body
	case errors.Is(err, core.ErrBodyTooLarge):
		m.Body = body
		m.BodyState = BodyTruncated
		p.framing(core.AnomalyHTTPFraming, m.Offset, "decoded body exceeds limit")
	default:
		m.Body = m.RawBody
		m.BodyState = BodyUndecodable
		p.framing(core.AnomalyUndecodableBody, m.Offset, err.Error())
	}
}

// headerEnd finds the blank line ending the header block. It returns the
// offset after it, or -1 with ok false when the stream ends first.
func headerEnd(data []byte, from, limit int) (int, bool) {
	pos := from
	for {
		if pos-from > limit {
			return pos, false
		}
		end := lineEnd(data, pos)
		if end < 0 {
			return -1, false
		}
		if len(trimEOL(data[pos:end])) == 0 {
			return end, true
		}
		pos = end
	}
}

// readHeader parses a header block, keeping what precedes a malformed line.
func readHeader(block []byte) textproto.MIMEHeader {
	if !bytes.HasSuffix(block, []byte("\n\n")) && !bytes.HasSuffix(block, []byte("\n\r\n")) {
		block = append(append([]byte(nil), block...), "\r\n\r\n"...)
	}
	h, _ := textproto.NewReader(bufio.NewReader(bytes.NewReader(block))).ReadMIMEHeader()
	if h == nil {
		h = make(textproto.MIMEHeader)
	}
	return h
}

func parseRequestLine(line string) (method, uri, version string, ok bool) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || !isMethod(parts[0]) || parts[1] == "" || !isVersion(parts[2]) {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func parseStatusLine(line string) (version string, code int, reason string, ok bool) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !isVersion(parts[0]) || len(parts[1]) != 3 {
		return "", 0, "", false
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 {
		return "", 0, "", false
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	return parts[0], code, reason, true
}

func isMethod(s string) bool {
	if s == "" || len(s) > 24 {
		return false
	}
	for _, c := range s {
		if (c < 'A' || c > 'Z') && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

func isVersion(s string) bool {
	return len(s) == 8 && strings.HasPrefix(s, "HTTP/1.") && (s[7] == '0' || s[7] == '1')
}
