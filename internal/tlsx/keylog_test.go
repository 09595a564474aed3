package tlsx

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tracelens/internal/session"
)

func hexString(b []byte) string { return hex.EncodeToString(b) }

func TestParseKeyLog(t *testing.T) {
	cr := strings.Repeat("ab", randomLen)
	ms := strings.Repeat("cd", masterLen)
	sid := strings.Repeat("01", 32)
	input := strings.Join([]string{
		"# SSL/TLS secrets log file",
		"",
		"CLIENT_RANDOM " + cr + " " + ms,
		"RSA Session-ID:" + sid + " Master-Key:" + ms,
		"CLIENT_HANDSHAKE_TRAFFIC_SECRET " + cr + " " + strings.Repeat("ee", 32),
		"CLIENT_RANDOM zz " + ms,
		"CLIENT_RANDOM " + cr[:10] + " " + ms,
		"garbage",
	}, "\n")

	kl, err := ParseKeyLog(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, kl.Len())
	assert.Equal(t, 3, kl.Skipped())

	random, _ := hex.DecodeString(cr)
	got, ok := kl.Lookup(random)
	require.True(t, ok)
	assert.Equal(t, ms, hexString(got))

	_, ok = kl.Lookup(make([]byte, randomLen))
	assert.False(t, ok)

	c := NewResumptionCache()
	kl.Seed(c)
	id, _ := hex.DecodeString(sid)
	got, ok = c.BySessionID(id)
	require.True(t, ok)
	assert.Equal(t, ms, hexString(got))
}

func TestNilKeyLog(t *testing.T) {
	var kl *KeyLog
	_, ok := kl.Lookup(make([]byte, randomLen))
	assert.False(t, ok)
	assert.Equal(t, 0, kl.Len())
	kl.Seed(NewResumptionCache())
}

func TestResumptionCache(t *testing.T) {
	c := NewResumptionCache()
	c.PutSessionID(nil, []byte("ignored"))
	c.PutTicket([]byte{}, []byte("ignored"))
	assert.Equal(t, 0, c.Len())

	c.PutSessionID([]byte{1, 2}, []byte("a"))
	c.PutTicket([]byte{1, 2}, []byte("b"))
	assert.Equal(t, 2, c.Len())

	v, ok := c.BySessionID([]byte{1, 2})
	require.True(t, ok)
	assert.Equal(t, []byte("a"), v)
	v, ok = c.ByTicket([]byte{1, 2})
	require.True(t, ok)
	assert.Equal(t, []byte("b"), v)

	_, ok = c.ByTicket(nil)
	assert.False(t, ok)
}

func TestExpandKeysLayout(t *testing.T) {
	tests := []struct {
		version          uint16
		suite            uint16
		mac, key, ivSize int
	}{
		{VersionTLS10, 0x002f, 20, 16, 16},
		{VersionTLS11, 0x002f, 20, 16, 0},
		{VersionTLS12, 0x000a, 20, 24, 0},
		{VersionTLS12, 0xc02f, 0, 16, 4},
		{VersionTLS12, 0xcca8, 0, 32, 12},
		{VersionTLS12, 0x0005, 20, 16, 0},
	}
	for _, tt := range tests {
		kb := ExpandKeys(tt.version, LookupSuite(tt.suite), testMaster, testClientRandom, testServerRandom)
		name := SuiteName(tt.suite)
		assert.Len(t, kb.ClientMAC, tt.mac, name)
		assert.Len(t, kb.ServerMAC, tt.mac, name)
		assert.Len(t, kb.ClientKey, tt.key, name)
		assert.Len(t, kb.ServerKey, tt.key, name)
		assert.Len(t, kb.ClientIV, tt.ivSize, name)
		assert.Len(t, kb.ServerIV, tt.ivSize, name)
		assert.NotEqual(t, kb.ClientKey, kb.ServerKey, name)
	}
}

func TestPRFIsPrefixStable(t *testing.T) {
	suite := LookupSuite(0x002f)
	for _, v := range []uint16{VersionTLS10, VersionTLS12} {
		short, long := make([]byte, 20), make([]byte, 77)
		PRF(v, suite)(short, testMaster, []byte("key expansion"), testServerRandom)
		PRF(v, suite)(long, testMaster, []byte("key expansion"), testServerRandom)
		assert.Equal(t, short, long[:20])
	}

	a, b := make([]byte, 32), make([]byte, 32)
	PRF(VersionTLS10, suite)(a, testMaster, []byte("x"), nil)
	PRF(VersionTLS12, suite)(b, testMaster, []byte("x"), nil)
	assert.NotEqual(t, a, b)
}

func TestParseRecords(t *testing.T) {
	data := append(rawRecord(TypeHandshake, VersionTLS10, []byte("hello")),
		rawRecord(TypeApplicationData, VersionTLS12, []byte("data"))...)
	partial := rawRecord(TypeApplicationData, VersionTLS12, []byte("partial"))
	data = append(data, partial[:8]...)

	records, rest := parseRecords(session.Join([]session.Chunk{{Data: data}}), 0)
	require.Len(t, records, 2)
	assert.Equal(t, 8, rest)
	assert.Equal(t, TypeHandshake, records[0].Type)
	assert.Equal(t, []byte("data"), records[1].Payload)
	assert.Equal(t, 10, records[1].Offset)

	records, rest = parseRecords(session.Join([]session.Chunk{{Data: []byte("GET / HTTP/1.1\r\n")}}), 0)
	assert.Empty(t, records)
	assert.Equal(t, 16, rest)

	assert.True(t, LooksLikeTLS(rawRecord(TypeHandshake, VersionTLS10, []byte{1})))
	assert.False(t, LooksLikeTLS(rawRecord(TypeApplicationData, VersionTLS12, []byte{1})))
	assert.False(t, LooksLikeTLS(rawRecord(TypeHandshake, 0x0200, []byte{1})))
}

func TestHandshakeAcrossRecords(t *testing.T) {
	msg := hsMsg(typeClientHello, clientHelloBody(testClientRandom, []byte{9, 9}, 0x002f, nil))
	msgs := splitHandshake([][]byte{msg[:7], msg[7:], {typeServerHello, 0, 0}})
	require.Len(t, msgs, 1)

	ch, err := parseClientHello(msgs[0].body)
	require.NoError(t, err)
	assert.Equal(t, testClientRandom, ch.Random)
	assert.Equal(t, []byte{9, 9}, ch.SessionID)
	assert.Equal(t, []uint8{1, 0}, ch.CompressionMethods)
	assert.Equal(t, "example.test", ch.ServerName)
	assert.False(t, ch.TicketExtension)

	_, err = parseClientHello(msgs[0].body[:40])
	assert.ErrorIs(t, err, errShortHandshake)
}
