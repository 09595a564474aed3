package tlsx

import (
	"encoding/binary"
	"errors"
)

// Handshake message types.
const (
	typeClientHello      uint8 = 1
	typeServerHello      uint8 = 2
	typeNewSessionTicket uint8 = 4
)

// Extension types.
const (
	extServerName           uint16 = 0
	extALPN                 uint16 = 16
	extExtendedMasterSecret uint16 = 23
	extSessionTicket        uint16 = 35
	extSupportedVersions    uint16 = 43
)

var errShortHandshake = errors.New("handshake message truncated")

// ClientHello holds the fields the engine needs from a ClientHello.
type ClientHello struct {
	Version              uint16
	Random               []byte
	SessionID            []byte
	CipherSuites         []uint16
	CompressionMethods   []uint8
	ServerName           string
	ALPN                 []string
	SessionTicket        []byte // Ticket offered for resumption
	TicketExtension      bool
	ExtendedMasterSecret bool
}

// ServerHello holds the negotiated parameters.
type ServerHello struct {
	Version              uint16 // From supported_versions when present
	Random               []byte
	SessionID            []byte
	CipherSuite          uint16
	CompressionMethod    uint8
	ALPN                 string
	ExtendedMasterSecret bool
}

type handshakeMsg struct {
	typ  uint8
	body []byte
}

// splitHandshake reassembles handshake messages across record payloads.
// A trailing partial message is dropped.
func splitHandshake(payloads [][]byte) []handshakeMsg {
	var buf []byte
	for _, p := range payloads {
		buf = append(buf, p...)
	}
	var msgs []handshakeMsg
	for len(buf) >= 4 {
		n := int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
		if len(buf) < 4+n {
			break
		}
		msgs = append(msgs, handshakeMsg{typ: buf[0], body: buf[4 : 4+n]})
		buf = buf[4+n:]
	}
	return msgs
}

// reader is a bounds-checked cursor; the first short read latches err.
type reader struct {
	b   []byte
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b) < n {
		r.err = errShortHandshake
		r.b = nil
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() uint8 {
	if b := r.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) vec8() []byte  { return r.bytes(int(r.u8())) }
func (r *reader) vec16() []byte { return r.bytes(int(r.u16())) }
func (r *reader) empty() bool   { return len(r.b) == 0 }

type extension struct {
	typ  uint16
	data []byte
}

func parseExtensions(r *reader) []extension {
	if r.empty() {
		return nil
	}
	block := &reader{b: r.vec16()}
	var exts []extension
	for !block.empty() && block.err == nil {
		typ := block.u16()
		data := block.vec16()
		if block.err != nil {
			break
		}
		exts = append(exts, extension{typ: typ, data: data})
	}
	return exts
}

func parseClientHello(body []byte) (*ClientHello, error) {
	r := &reader{b: body}
	ch := &ClientHello{}
	ch.Version = r.u16()
	ch.Random = clone(r.bytes(randomLen))
	ch.SessionID = clone(r.vec8())
	suites := &reader{b: r.vec16()}
	for !suites.empty() && suites.err == nil {
		ch.CipherSuites = append(ch.CipherSuites, suites.u16())
	}
	ch.CompressionMethods = clone(r.vec8())
	exts := parseExtensions(r)
	if r.err != nil {
		return nil, r.err
	}
	for _, e := range exts {
		switch e.typ {
		case extServerName:
			ch.ServerName = parseServerName(e.data)
		case extALPN:
			ch.ALPN = parseALPN(e.data)
		case extSessionTicket:
			ch.TicketExtension = true
			ch.SessionTicket = clone(e.data)
		case extExtendedMasterSecret:
			ch.ExtendedMasterSecret = true
		}
	}
	return ch, nil
}

func parseServerHello(body []byte) (*ServerHello, error) {
	r := &reader{b: body}
	sh := &ServerHello{}
	sh.Version = r.u16()
	sh.Random = clone(r.bytes(randomLen))
	sh.SessionID = clone(r.vec8())
	sh.CipherSuite = r.u16()
	sh.CompressionMethod = r.u8()
	exts := parseExtensions(r)
	if r.err != nil {
		return nil, r.err
	}
	for _, e := range exts {
		switch e.typ {
		case extSupportedVersions:
			if len(e.data) == 2 {
				sh.Version = binary.BigEndian.Uint16(e.data)
			}
		case extALPN:
			if p := parseALPN(e.data); len(p) > 0 {
				sh.ALPN = p[0]
			}
		case extExtendedMasterSecret:
			sh.ExtendedMasterSecret = true
		}
	}
	return sh, nil
}

// parseNewSessionTicket returns the ticket bytes of a TLS 1.2 ticket.
func parseNewSessionTicket(body []byte) ([]byte, error) {
	r := &reader{b: body}
	r.bytes(4) // Lifetime hint
	ticket := r.vec16()
	if r.err != nil {
		return nil, r.err
	}
	return clone(ticket), nil
}

func parseServerName(data []byte) string {
	r := &reader{b: data}
	list := &reader{b: r.vec16()}
	for !list.empty() && list.err == nil {
		typ := list.u8()
		name := list.vec16()
		if typ == 0 && list.err == nil {
			return string(name)
		}
	}
	return ""
}

func parseALPN(data []byte) []string {
	r := &reader{b: data}
	list := &reader{b: r.vec16()}
	var out []string
	for !list.empty() && list.err == nil {
		p := list.vec8()
		if list.err == nil {
			out = append(out, string(p))
		}
	}
	return out
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
