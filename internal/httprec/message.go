// Package httprec rebuilds HTTP/1.x transactions from reassembled streams.
package httprec

import (
	"mime"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"
)

// Kind tells requests from responses.
type Kind uint8

const (
	KindRequest Kind = iota
	KindResponse
)

func (k Kind) String() string {
	if k == KindResponse {
		return "response"
	}
	return "request"
}

// BodyState describes the outcome of framing and decoding a body.
type BodyState uint8

const (
	BodyNone        BodyState = iota // Message carries no body
	BodyComplete                     // Framed and decoded
	BodyTruncated                    // Stream ended or size cap hit before the framed length
	BodyUndecodable                  // Content-Encoding could not be decoded, Body holds the raw bytes
)

func (s BodyState) String() string {
	switch s {
	case BodyComplete:
		return "complete"
	case BodyTruncated:
		return "truncated"
	case BodyUndecodable:
		return "undecodable"
	}
	return "none"
}

// Message is one request or response.
type Message struct {
	Kind    Kind
	Session int

	// Request line
	Method string
	URI    string

	// Status line
	StatusCode int
	Reason     string

	Version string
	Host    string
	Header  textproto.MIMEHeader

	ContentType     string
	ContentLength   int64 // -1 when not declared
	ContentEncoding string
	Chunked         bool

	RawBody   []byte // Body as framed on the wire, after de-chunking
	Body      []byte // RawBody with Content-Encoding removed
	BodyState BodyState

	FirstByte time.Time
	LastByte  time.Time
	Offset    int // Byte offset of the start-line in its direction's stream
	WireBytes int // Start-line through end of body

	// Pair is the index of the paired message within the same slice, -1 when
	// unpaired.
	Pair int
}

// MediaType returns the Content-Type without parameters, lower-cased.
func (m *Message) MediaType() string {
	if m.ContentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(m.ContentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(m.ContentType, ";", 2)[0]))
	}
	return mt
}

// IsText reports whether the media type is textual.
func (m *Message) IsText() bool {
	mt := m.MediaType()
	switch {
	case strings.HasPrefix(mt, "text/"):
		return true
	case mt == "application/json", mt == "application/javascript", mt == "application/xml",
		mt == "image/svg+xml", strings.HasSuffix(mt, "+json"), strings.HasSuffix(mt, "+xml"):
		return true
	}
	return false
}

// Text returns the decoded body converted to UTF-8 using the charset
// parameter of Content-Type. Unknown charsets return the body unchanged.
func (m *Message) Text() string {
	_, params, err := mime.ParseMediaType(m.ContentType)
	if err == nil {
		if cs := params["charset"]; cs != "" {
			if enc, err := htmlindex.Get(cs); err == nil {
				if out, err := enc.NewDecoder().Bytes(m.Body); err == nil {
					return string(out)
				}
			}
		}
	}
	return string(m.Body)
}

// StartLine renders the request or status line.
func (m *Message) StartLine() string {
	if m.Kind == KindRequest {
		return m.Method + " " + m.URI + " " + m.Version
	}
	line := m.Version + " " + strconv.Itoa(m.StatusCode)
	if m.Reason != "" {
		line += " " + m.Reason
	}
	return line
}
