package tlsx

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// CipherKind is the bulk cipher family of a suite.
type CipherKind uint8

const (
	CipherRC4 CipherKind = iota
	Cipher3DES
	CipherAESCBC
	CipherAESGCM
	CipherChaCha20
)

func (k CipherKind) String() string {
	switch k {
	case CipherRC4:
		return "RC4"
	case Cipher3DES:
		return "3DES-EDE-CBC"
	case CipherAESCBC:
		return "AES-CBC"
	case CipherAESGCM:
		return "AES-GCM"
	case CipherChaCha20:
		return "CHACHA20-POLY1305"
	}
	return fmt.Sprintf("CipherKind(%d)", uint8(k))
}

// Suite describes what decryption needs from a cipher suite.
type Suite struct {
	ID     uint16
	Name   string
	Cipher CipherKind
	KeyLen int
	MACLen int              // 0 for AEAD
	MAC    func() hash.Hash // nil for AEAD
	SHA384 bool             // TLS 1.2 PRF uses SHA-384
}

// AEAD reports whether the suite is an AEAD construction.
func (s *Suite) AEAD() bool {
	return s.Cipher == CipherAESGCM || s.Cipher == CipherChaCha20
}

// blockSize is the CBC block size, 0 for other modes.
func (s *Suite) blockSize() int {
	switch s.Cipher {
	case Cipher3DES:
		return 8
	case CipherAESCBC:
		return 16
	}
	return 0
}

// ivLen is the IV length taken from the key block. CBC IVs are only used by
// TLS 1.0; later versions carry them per record.
func (s *Suite) ivLen(version uint16) int {
	switch s.Cipher {
	case CipherAESGCM:
		return 4
	case CipherChaCha20:
		return 12
	case Cipher3DES, CipherAESCBC:
		if version <= VersionTLS10 {
			return s.blockSize()
		}
	}
	return 0
}

func macSuite(id uint16, name string, c CipherKind, keyLen int, mac func() hash.Hash, macLen int, sha384 bool) *Suite {
	return &Suite{ID: id, Name: name, Cipher: c, KeyLen: keyLen, MAC: mac, MACLen: macLen, SHA384: sha384}
}

func aead(id uint16, name string, c CipherKind, keyLen int, sha384 bool) *Suite {
	return &Suite{ID: id, Name: name, Cipher: c, KeyLen: keyLen, SHA384: sha384}
}

var suites = map[uint16]*Suite{}

func init() {
	for _, s := range []*Suite{
		// RSA
		macSuite(0x0004, "TLS_RSA_WITH_RC4_128_MD5", CipherRC4, 16, md5.New, 16, false),
		macSuite(0x0005, "TLS_RSA_WITH_RC4_128_SHA", CipherRC4, 16, sha1.New, 20, false),
		macSuite(0x000a, "TLS_RSA_WITH_3DES_EDE_CBC_SHA", Cipher3DES, 24, sha1.New, 20, false),
		macSuite(0x002f, "TLS_RSA_WITH_AES_128_CBC_SHA", CipherAESCBC, 16, sha1.New, 20, false),
		macSuite(0x0035, "TLS_RSA_WITH_AES_256_CBC_SHA", CipherAESCBC, 32, sha1.New, 20, false),
		macSuite(0x003c, "TLS_RSA_WITH_AES_128_CBC_SHA256", CipherAESCBC, 16, sha256.New, 32, false),
		macSuite(0x003d, "TLS_RSA_WITH_AES_256_CBC_SHA256", CipherAESCBC, 32, sha256.New, 32, false),
		aead(0x009c, "TLS_RSA_WITH_AES_128_GCM_SHA256", CipherAESGCM, 16, false),
		aead(0x009d, "TLS_RSA_WITH_AES_256_GCM_SHA384", CipherAESGCM, 32, true),

		// DHE_RSA
		macSuite(0x0016, "TLS_DHE_RSA_WITH_3DES_EDE_CBC_SHA", Cipher3DES, 24, sha1.New, 20, false),
		macSuite(0x0033, "TLS_DHE_RSA_WITH_AES_128_CBC_SHA", CipherAESCBC, 16, sha1.New, 20, false),
		macSuite(0x0039, "TLS_DHE_RSA_WITH_AES_256_CBC_SHA", CipherAESCBC, 32, sha1.New, 20, false),
		macSuite(0x0067, "TLS_DHE_RSA_WITH_AES_128_CBC_SHA256", CipherAESCBC, 16, sha256.New, 32, false),
		macSuite(0x006b, "TLS_DHE_RSA_WITH_AES_256_CBC_SHA256", CipherAESCBC, 32, sha256.New, 32, false),
		aead(0x009e, "TLS_DHE_RSA_WITH_AES_128_GCM_SHA256", CipherAESGCM, 16, false),
		aead(0x009f, "TLS_DHE_RSA_WITH_AES_256_GCM_SHA384", CipherAESGCM, 32, true),
		aead(0xccaa, "TLS_DHE_RSA_WITH_CHACHA20_POLY1305_SHA256", CipherChaCha20, 32, false),

		// ECDHE_ECDSA
		macSuite(0xc007, "TLS_ECDHE_ECDSA_WITH_RC4_128_SHA", CipherRC4, 16, sha1.New, 20, false),
		macSuite(0xc008, "TLS_ECDHE_ECDSA_WITH_3DES_EDE_CBC_SHA", Cipher3DES, 24, sha1.New, 20, false),
		macSuite(0xc009, "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA", CipherAESCBC, 16, sha1.New, 20, false),
		macSuite(0xc00a, "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA", CipherAESCBC, 32, sha1.New, 20, false),
		macSuite(0xc023, "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256", CipherAESCBC, 16, sha256.New, 32, false),
		macSuite(0xc024, "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384", CipherAESCBC, 32, sha512.New384, 48, true),
		aead(0xc02b, "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256", CipherAESGCM, 16, false),
		aead(0xc02c, "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384", CipherAESGCM, 32, true),
		aead(0xcca9, "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256", CipherChaCha20, 32, false),

		// ECDHE_RSA
		macSuite(0xc011, "TLS_ECDHE_RSA_WITH_RC4_128_SHA", CipherRC4, 16, sha1.New, 20, false),
		macSuite(0xc012, "TLS_ECDHE_RSA_WITH_3DES_EDE_CBC_SHA", Cipher3DES, 24, sha1.New, 20, false),
		macSuite(0xc013, "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA", CipherAESCBC, 16, sha1.New, 20, false),
		macSuite(0xc014, "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA", CipherAESCBC, 32, sha1.New, 20, false),
		macSuite(0xc027, "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256", CipherAESCBC, 16, sha256.New, 32, false),
		macSuite(0xc028, "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384", CipherAESCBC, 32, sha512.New384, 48, true),
		aead(0xc02f, "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", CipherAESGCM, 16, false),
		aead(0xc030, "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384", CipherAESGCM, 32, true),
		aead(0xcca8, "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256", CipherChaCha20, 32, false),
	} {
		suites[s.ID] = s
	}
}

// LookupSuite returns the suite for an identifier, nil when unsupported.
func LookupSuite(id uint16) *Suite { return suites[id] }

// SuiteName names a suite identifier, supported or not.
func SuiteName(id uint16) string {
	if s := suites[id]; s != nil {
		return s.Name
	}
	return fmt.Sprintf("0x%04x", id)
}
