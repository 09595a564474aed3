package tlsx

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

const (
	VersionSSL30 uint16 = 0x0300
	VersionTLS10 uint16 = 0x0301
	VersionTLS11 uint16 = 0x0302
	VersionTLS12 uint16 = 0x0303
	VersionTLS13 uint16 = 0x0304
)

// pHash is P_hash from RFC 5246 section 5, writing len(out) bytes.
func pHash(out, secret, seed []byte, h func() hash.Hash) {
	mac := hmac.New(h, secret)
	mac.Write(seed)
	a := mac.Sum(nil)

	for j := 0; j < len(out); {
		mac.Reset()
		mac.Write(a)
		mac.Write(seed)
		b := mac.Sum(nil)
		j += copy(out[j:], b)

		mac.Reset()
		mac.Write(a)
		a = mac.Sum(nil)
	}
}

// prf10 is the TLS 1.0 and 1.1 PRF: P_MD5 over the first half of the secret
// XOR P_SHA1 over the second half. Halves share the middle byte when the
// length is odd.
func prf10(out, secret, label, seed []byte) {
	labelSeed := make([]byte, 0, len(label)+len(seed))
	labelSeed = append(labelSeed, label...)
	labelSeed = append(labelSeed, seed...)

	half := (len(secret) + 1) / 2
	s1, s2 := secret[:half], secret[len(secret)-half:]

	pHash(out, s1, labelSeed, md5.New)
	tmp := make([]byte, len(out))
	pHash(tmp, s2, labelSeed, sha1.New)
	for i := range out {
		out[i] ^= tmp[i]
	}
}

// prf12 returns the TLS 1.2 PRF for the given hash.
func prf12(h func() hash.Hash) func(out, secret, label, seed []byte) {
	return func(out, secret, label, seed []byte) {
		labelSeed := make([]byte, 0, len(label)+len(seed))
		labelSeed = append(labelSeed, label...)
		labelSeed = append(labelSeed, seed...)
		pHash(out, secret, labelSeed, h)
	}
}

// PRF returns the pseudorandom function negotiated by version and suite.
func PRF(version uint16, suite *Suite) func(out, secret, label, seed []byte) {
	if version < VersionTLS12 {
		return prf10
	}
	if suite != nil && suite.SHA384 {
		return prf12(sha512.New384)
	}
	return prf12(sha256.New)
}

// KeyBlock holds the per-direction keys expanded from a master secret.
type KeyBlock struct {
	ClientMAC, ServerMAC []byte
	ClientKey, ServerKey []byte
	ClientIV, ServerIV   []byte
}

// ExpandKeys derives the key block: PRF(master, "key expansion",
// server_random + client_random) cut into MAC keys, bulk keys and IVs.
func ExpandKeys(version uint16, suite *Suite, master, clientRandom, serverRandom []byte) *KeyBlock {
	macLen, keyLen, ivLen := suite.MACLen, suite.KeyLen, suite.ivLen(version)
	n := 2*macLen + 2*keyLen + 2*ivLen

	seed := make([]byte, 0, len(serverRandom)+len(clientRandom))
	seed = append(seed, serverRandom...)
	seed = append(seed, clientRandom...)

	block := make([]byte, n)
	PRF(version, suite)(block, master, []byte("key expansion"), seed)

	kb := &KeyBlock{}
	kb.ClientMAC, block = block[:macLen], block[macLen:]
	kb.ServerMAC, block = block[:macLen], block[macLen:]
	kb.ClientKey, block = block[:keyLen], block[keyLen:]
	kb.ServerKey, block = block[:keyLen], block[keyLen:]
	kb.ClientIV, block = block[:ivLen], block[ivLen:]
	kb.ServerIV = block[:ivLen]
	return kb
}
