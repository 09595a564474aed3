package tlsx

import (
	"bytes"
	"fmt"

	"firestige.xyz/tracelens/internal/core"
	"firestige.xyz/tracelens/internal/log"
	"firestige.xyz/tracelens/internal/session"
)

// State is the handshake progress of a TLS session or of one direction.
type State uint8

const (
	StateNone State = iota
	StateClientHelloSeen
	StateServerHelloSeen
	StateKeyed
	StateDecrypting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateClientHelloSeen:
		return "CLIENT_HELLO_SEEN"
	case StateServerHelloSeen:
		return "SERVER_HELLO_SEEN"
	case StateKeyed:
		return "KEYED"
	case StateDecrypting:
		return "DECRYPTING"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// KeySource tells where a master secret came from.
type KeySource string

const (
	KeyFromKeyLog    KeySource = "keylog"
	KeyFromSessionID KeySource = "session-id"
	KeyFromTicket    KeySource = "session-ticket"
)

const defaultMaxPlaintext = 64 << 20

type Config struct {
	MaxRecordBytes    int `mapstructure:"max_record_bytes"`
	MaxPlaintextBytes int `mapstructure:"max_plaintext_bytes"`
}

// Info is the TLS view of one TCP session.
type Info struct {
	Session     int
	State       State
	Dir         [2]State
	Version     uint16
	CipherSuite uint16
	Compression uint8
	ServerName  string
	ALPN        string
	SessionID   []byte
	Tickets     [][]byte // NewSessionTicket messages issued in this session
	Resumed     bool
	KeySource   KeySource
	Unsupported bool

	ClientHello *ClientHello
	ServerHello *ServerHello
	Keys        *KeyBlock

	Records   [2]int
	Decrypted [2]int
	Plain     [2][]session.Chunk

	master  []byte
	records [2][]Record
	ccs     [2]int // index of the first protected record, -1 without ChangeCipherSpec
}

// SuiteName names the negotiated suite.
func (i *Info) SuiteName() string { return SuiteName(i.CipherSuite) }

// VersionName names the negotiated protocol version.
func (i *Info) VersionName() string { return VersionName(i.Version) }

// VersionName names a record or handshake version.
func VersionName(v uint16) string {
	switch v {
	case VersionSSL30:
		return "SSLv3"
	case VersionTLS10:
		return "TLS1.0"
	case VersionTLS11:
		return "TLS1.1"
	case VersionTLS12:
		return "TLS1.2"
	case VersionTLS13:
		return "TLS1.3"
	}
	return fmt.Sprintf("0x%04x", v)
}

// Engine runs the TLS phases for the sessions of one trace. Observe and
// Decrypt may run concurrently for different sessions; Resolve must be
// called sequentially in session start order.
type Engine struct {
	keys  *KeyLog
	cache *ResumptionCache
	cfg   Config
	log   log.Logger
}

func NewEngine(keys *KeyLog, cache *ResumptionCache, cfg Config) *Engine {
	if cache == nil {
		cache = NewResumptionCache()
	}
	if cfg.MaxRecordBytes <= 0 {
		cfg.MaxRecordBytes = maxRecordLen
	}
	if cfg.MaxPlaintextBytes <= 0 {
		cfg.MaxPlaintextBytes = defaultMaxPlaintext
	}
	keys.Seed(cache)
	return &Engine{
		keys:  keys,
		cache: cache,
		cfg:   cfg,
		log:   log.GetLogger().WithField("prefix", "tls"),
	}
}

// Observe parses the records and handshake of a session. It returns nil when
// the uplink does not start with a TLS handshake record.
func (e *Engine) Observe(sessionID int, up, down []session.Chunk) (*Info, []core.Anomaly) {
	bufs := [2]*session.Buffer{session.Join(up), session.Join(down)}
	if !LooksLikeTLS(bufs[core.DirUplink].Data) {
		return nil, nil
	}

	info := &Info{Session: sessionID, ccs: [2]int{-1, -1}}
	for dir := range bufs {
		info.records[dir], _ = parseRecords(bufs[dir], e.cfg.MaxRecordBytes)
		info.Records[dir] = len(info.records[dir])
	}

	var anomalies []core.Anomaly
	for dir := range info.records {
		var payloads [][]byte
		for i, rec := range info.records[dir] {
			if rec.Type == TypeChangeCipherSpec {
				info.ccs[dir] = i + 1
				break
			}
			if rec.Type == TypeHandshake {
				payloads = append(payloads, rec.Payload)
			}
		}
		for _, m := range splitHandshake(payloads) {
			if err := info.handle(core.Direction(dir), m); err != nil {
				anomalies = append(anomalies, core.NewAnomaly(core.AnomalyTLSDecrypt, -1, sessionID,
					&core.TLSDecryptFailureError{Session: sessionID, Direction: core.Direction(dir), Err: err}))
			}
		}
	}

	if info.ServerHello != nil && (info.Version == VersionTLS13 || info.Version < VersionTLS10) {
		info.Unsupported = true
		anomalies = append(anomalies, core.NewAnomaly(core.AnomalyTLSUnsupported, -1, sessionID,
			fmt.Errorf("session %d: %s is not decrypted", sessionID, VersionName(info.Version))))
	}
	return info, anomalies
}

func (i *Info) handle(dir core.Direction, m handshakeMsg) error {
	switch {
	case dir == core.DirUplink && m.typ == typeClientHello && i.ClientHello == nil:
		ch, err := parseClientHello(m.body)
		if err != nil {
			return fmt.Errorf("client hello: %w", err)
		}
		i.ClientHello = ch
		i.ServerName = ch.ServerName
		i.setState(StateClientHelloSeen)
	case dir == core.DirDownlink && m.typ == typeServerHello && i.ServerHello == nil:
		sh, err := parseServerHello(m.body)
		if err != nil {
			return fmt.Errorf("server hello: %w", err)
		}
		i.ServerHello = sh
		i.Version = sh.Version
		i.CipherSuite = sh.CipherSuite
		i.Compression = sh.CompressionMethod
		i.SessionID = sh.SessionID
		i.ALPN = sh.ALPN
		if i.ClientHello != nil {
			i.Resumed = len(sh.SessionID) > 0 && bytes.Equal(sh.SessionID, i.ClientHello.SessionID)
			i.setState(StateServerHelloSeen)
		}
	case dir == core.DirDownlink && m.typ == typeNewSessionTicket:
		t, err := parseNewSessionTicket(m.body)
		if err != nil {
			return fmt.Errorf("new session ticket: %w", err)
		}
		if len(t) > 0 {
			i.Tickets = append(i.Tickets, t)
		}
	}
	return nil
}

func (i *Info) setState(s State) {
	i.State = s
	i.Dir = [2]State{s, s}
}

// Resolve finds the master secret of an observed session, expands the key
// block and registers the secret for later resumptions.
func (e *Engine) Resolve(info *Info) []core.Anomaly {
	if info == nil || info.State != StateServerHelloSeen || info.Unsupported {
		return nil
	}
	suite := LookupSuite(info.CipherSuite)
	if suite == nil {
		return []core.Anomaly{core.NewAnomaly(core.AnomalyTLSUnsupported, -1, info.Session,
			fmt.Errorf("session %d: cipher suite %s is not supported", info.Session, info.SuiteName()))}
	}

	ch, sh := info.ClientHello, info.ServerHello
	master, _ := e.keys.Lookup(ch.Random)
	source := KeyFromKeyLog
	if master == nil && len(sh.SessionID) > 0 {
		master, _ = e.cache.BySessionID(sh.SessionID)
		source = KeyFromSessionID
	}
	if master == nil && len(ch.SessionTicket) > 0 {
		master, _ = e.cache.ByTicket(ch.SessionTicket)
		source = KeyFromTicket
	}
	if master == nil {
		e.log.WithField("session", info.Session).Debug("no master secret")
		return []core.Anomaly{core.NewAnomaly(core.AnomalyTLSKeyMissing, -1, info.Session,
			&core.TLSKeyUnavailableError{Session: info.Session, ClientRandom: ch.Random})}
	}

	info.master = master
	info.KeySource = source
	info.Keys = ExpandKeys(info.Version, suite, master, ch.Random, sh.Random)
	info.setState(StateKeyed)

	e.cache.PutSessionID(sh.SessionID, master)
	for _, t := range info.Tickets {
		e.cache.PutTicket(t, master)
	}
	return nil
}

// Decrypt opens the protected records of a keyed session. A direction that
// fails stays FAILED; records decrypted before the failure are kept.
func (e *Engine) Decrypt(info *Info) []core.Anomaly {
	if info == nil || info.State != StateKeyed {
		return nil
	}
	suite := LookupSuite(info.CipherSuite)
	kb := info.Keys

	var anomalies []core.Anomaly
	for dir := core.DirUplink; dir <= core.DirDownlink; dir++ {
		mac, key, iv := kb.ClientMAC, kb.ClientKey, kb.ClientIV
		if dir == core.DirDownlink {
			mac, key, iv = kb.ServerMAC, kb.ServerKey, kb.ServerIV
		}
		if info.ccs[dir] < 0 {
			continue
		}
		hc, err := newHalfConn(info.Version, suite, mac, key, iv, info.Compression, e.cfg.MaxPlaintextBytes)
		if err != nil {
			info.Dir[dir] = StateFailed
			anomalies = append(anomalies, e.failure(info, dir, 0, err))
			continue
		}
		if a := e.decryptDir(info, dir, hc); a != nil {
			anomalies = append(anomalies, *a)
		}
	}

	switch {
	case info.Dir[0] == StateDecrypting || info.Dir[1] == StateDecrypting:
		info.State = StateDecrypting
	case info.Dir[0] == StateFailed || info.Dir[1] == StateFailed:
		info.State = StateFailed
	}
	e.log.WithFields(map[string]interface{}{
		"session":  info.Session,
		"suite":    info.SuiteName(),
		"state":    info.State.String(),
		"uplink":   info.Decrypted[core.DirUplink],
		"downlink": info.Decrypted[core.DirDownlink],
	}).Debug("tls session decrypted")
	return anomalies
}

func (e *Engine) decryptDir(info *Info, dir core.Direction, hc *halfConn) *core.Anomaly {
	for _, rec := range info.records[dir][info.ccs[dir]:] {
		if rec.Type == TypeChangeCipherSpec {
			hc.seq = 0
			continue
		}
		out, err := hc.open(rec)
		if err != nil {
			info.Dir[dir] = StateFailed
			a := e.failure(info, dir, hc.seq, err)
			return &a
		}
		info.Dir[dir] = StateDecrypting
		info.Decrypted[dir]++
		if rec.Type == TypeApplicationData && len(out) > 0 {
			info.Plain[dir] = append(info.Plain[dir], session.Chunk{Data: out, Seen: rec.Seen})
		}
	}
	return nil
}

func (e *Engine) failure(info *Info, dir core.Direction, seq uint64, err error) core.Anomaly {
	return core.NewAnomaly(core.AnomalyTLSDecrypt, -1, info.Session,
		&core.TLSDecryptFailureError{Session: info.Session, Direction: dir, Record: seq, Err: err})
}
