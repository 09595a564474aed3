package tlsx

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tracelens/internal/core"
	"firestige.xyz/tracelens/internal/session"
)

const (
	e2eRequest  = "GET /index.html HTTP/1.1\r\nHost: example.test\r\n\r\n"
	e2eResponse = "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
)

func selfSigned(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "example.test"},
		DNSNames:     []string{"example.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// tap records every byte written through a connection.
type tap struct {
	net.Conn
	w io.Writer
}

func (c tap) Write(p []byte) (int, error) {
	c.w.Write(p)
	return c.Conn.Write(p)
}

type capture struct {
	up, down bytes.Buffer
	keylog   bytes.Buffer
	state    tls.ConnectionState
}

// exchange runs one request and response over crypto/tls and keeps the
// ciphertext of both directions.
func exchange(t *testing.T, srvCfg, cliCfg *tls.Config) *capture {
	t.Helper()
	c := &capture{}
	cliCfg = cliCfg.Clone()
	cliCfg.KeyLogWriter = &c.keylog

	a, b := net.Pipe()
	srv := tls.Server(tap{b, &c.down}, srvCfg)
	cli := tls.Client(tap{a, &c.up}, cliCfg)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, len(e2eRequest))
		_, err := io.ReadFull(srv, buf)
		if err == nil {
			_, err = srv.Write([]byte(e2eResponse))
		}
		srv.Close()
		done <- err
	}()

	_, err := cli.Write([]byte(e2eRequest))
	require.NoError(t, err)
	got, err := io.ReadAll(cli)
	require.NoError(t, err)
	require.Equal(t, e2eResponse, string(got))
	require.NoError(t, <-done)
	c.state = cli.ConnectionState()
	a.Close()
	return c
}

func configs(t *testing.T, version uint16, suite uint16) (*tls.Config, *tls.Config) {
	cert := selfSigned(t)
	srv := &tls.Config{Certificates: []tls.Certificate{cert}}
	cli := &tls.Config{
		ServerName:         "example.test",
		InsecureSkipVerify: true,
		ClientSessionCache: tls.NewLRUClientSessionCache(4),
	}
	if version != 0 {
		for _, cfg := range []*tls.Config{srv, cli} {
			cfg.MinVersion, cfg.MaxVersion = version, version
			cfg.CipherSuites = []uint16{suite}
		}
	}
	return srv, cli
}

func captured(c *capture) (up, down []session.Chunk) {
	seen := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return []session.Chunk{{Data: c.up.Bytes(), Seen: seen}},
		[]session.Chunk{{Data: c.down.Bytes(), Seen: seen.Add(20 * time.Millisecond)}}
}

func TestDecryptCryptoTLSSessions(t *testing.T) {
	tests := []struct {
		name    string
		version uint16
		suite   uint16
	}{
		{"aes128-gcm", tls.VersionTLS12, tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256},
		{"aes256-gcm-sha384", tls.VersionTLS12, tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384},
		{"chacha20-poly1305", tls.VersionTLS12, tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256},
		{"aes128-cbc-sha256", tls.VersionTLS12, tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256},
		{"aes128-cbc-sha tls1.2", tls.VersionTLS12, tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA},
		{"aes256-cbc-sha tls1.1", tls.VersionTLS11, tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA},
		{"aes128-cbc-sha tls1.0", tls.VersionTLS10, tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srvCfg, cliCfg := configs(t, tt.version, tt.suite)
			c := exchange(t, srvCfg, cliCfg)
			require.Equal(t, tt.suite, c.state.CipherSuite)

			kl, err := ParseKeyLog(&c.keylog)
			require.NoError(t, err)
			require.Equal(t, 1, kl.Len())

			e := NewEngine(kl, nil, Config{})
			up, down := captured(c)
			info, anomalies := process(e, 0, up, down)

			require.NotNil(t, info)
			assert.Empty(t, anomalies)
			assert.Equal(t, StateDecrypting, info.State)
			assert.Equal(t, tt.version, info.Version)
			assert.Equal(t, tt.suite, info.CipherSuite)
			assert.Equal(t, "example.test", info.ServerName)
			assert.Equal(t, e2eRequest, plaintext(info, core.DirUplink))
			assert.Equal(t, e2eResponse, plaintext(info, core.DirDownlink))
		})
	}
}

func TestDecryptResumedByTicket(t *testing.T) {
	srvCfg, cliCfg := configs(t, tls.VersionTLS12, tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256)
	first := exchange(t, srvCfg, cliCfg)
	second := exchange(t, srvCfg, cliCfg)
	require.False(t, first.state.DidResume)
	require.True(t, second.state.DidResume)

	// Only the full handshake is in the key log.
	kl, err := ParseKeyLog(&first.keylog)
	require.NoError(t, err)
	e := NewEngine(kl, NewResumptionCache(), Config{})

	up1, down1 := captured(first)
	up2, down2 := captured(second)
	i1, a1 := e.Observe(0, up1, down1)
	i2, a2 := e.Observe(1, up2, down2)
	require.Empty(t, a1)
	require.Empty(t, a2)
	require.NotEmpty(t, i1.Tickets)

	assert.Empty(t, e.Resolve(i1))
	assert.Empty(t, e.Resolve(i2))
	assert.Empty(t, e.Decrypt(i1))
	assert.Empty(t, e.Decrypt(i2))

	assert.Equal(t, KeyFromKeyLog, i1.KeySource)
	assert.Equal(t, KeyFromTicket, i2.KeySource)
	assert.Equal(t, e2eResponse, plaintext(i2, core.DirDownlink))
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	srvCfg, cliCfg := configs(t, tls.VersionTLS12, tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256)
	c := exchange(t, srvCfg, cliCfg)
	kl, err := ParseKeyLog(&c.keylog)
	require.NoError(t, err)

	data := c.down.Bytes()
	records, _ := parseRecords(session.Join([]session.Chunk{{Data: data}}), 0)
	var flipped bool
	for _, r := range records {
		if r.Type == TypeApplicationData {
			data[r.Offset+recordHeaderLen+len(r.Payload)-1] ^= 0x01
			flipped = true
			break
		}
	}
	require.True(t, flipped)

	e := NewEngine(kl, nil, Config{})
	up, down := captured(c)
	info, anomalies := process(e, 0, up, down)

	assert.Equal(t, StateFailed, info.Dir[core.DirDownlink])
	assert.Equal(t, StateDecrypting, info.Dir[core.DirUplink])
	assert.Equal(t, e2eRequest, plaintext(info, core.DirUplink))
	assert.Empty(t, info.Plain[core.DirDownlink])
	require.Len(t, anomalies, 1)
	assert.Equal(t, core.AnomalyTLSDecrypt, anomalies[0].Kind)
}

func TestTLS13IsDetectedNotDecrypted(t *testing.T) {
	srvCfg, cliCfg := configs(t, 0, 0)
	c := exchange(t, srvCfg, cliCfg)
	require.Equal(t, uint16(tls.VersionTLS13), c.state.Version)

	kl, err := ParseKeyLog(&c.keylog)
	require.NoError(t, err)
	assert.Equal(t, 0, kl.Len())
	assert.Equal(t, 0, kl.Skipped())

	e := NewEngine(kl, nil, Config{})
	up, down := captured(c)
	info, anomalies := process(e, 0, up, down)

	assert.True(t, info.Unsupported)
	assert.Equal(t, VersionTLS13, info.Version)
	assert.Equal(t, StateServerHelloSeen, info.State)
	require.Len(t, anomalies, 1)
	assert.Equal(t, core.AnomalyTLSUnsupported, anomalies[0].Kind)
}
