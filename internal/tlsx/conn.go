package tlsx

import (
	"bytes"
	"compress/flate"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"firestige.xyz/tracelens/internal/core"
)

const (
	gcmExplicitNonceLen = 8
	aeadTagLen          = 16
	compressionDeflate  = 1
)

var (
	errBadPadding   = errors.New("bad CBC padding")
	errShortRecord  = errors.New("record too short for cipher")
	errInflate      = errors.New("record decompression failed")
	errUnsupportedC = errors.New("unsupported compression method")
)

// halfConn is the read state of one direction.
type halfConn struct {
	suite   *Suite
	version uint16
	seq     uint64

	mac    hash.Hash
	stream cipher.Stream
	block  cipher.Block
	iv     []byte // Chained CBC IV, TLS 1.0 only
	aead   cipher.AEAD
	fixed  []byte // AEAD fixed IV

	inflate *inflater
}

func newHalfConn(version uint16, suite *Suite, macKey, key, iv []byte, compression uint8, limit int) (*halfConn, error) {
	hc := &halfConn{suite: suite, version: version}
	if suite.MAC != nil {
		hc.mac = hmac.New(suite.MAC, macKey)
	}

	var err error
	switch suite.Cipher {
	case CipherRC4:
		hc.stream, err = rc4.NewCipher(key)
	case Cipher3DES:
		hc.block, err = des.NewTripleDESCipher(key)
		hc.iv = clone(iv)
	case CipherAESCBC:
		hc.block, err = aes.NewCipher(key)
		hc.iv = clone(iv)
	case CipherAESGCM:
		var b cipher.Block
		if b, err = aes.NewCipher(key); err == nil {
			hc.aead, err = cipher.NewGCM(b)
		}
		hc.fixed = clone(iv)
	case CipherChaCha20:
		hc.aead, err = chacha20poly1305.New(key)
		hc.fixed = clone(iv)
	}
	if err != nil {
		return nil, err
	}

	switch compression {
	case 0:
	case compressionDeflate:
		hc.inflate = &inflater{limit: limit}
	default:
		return nil, fmt.Errorf("%w %d", errUnsupportedC, compression)
	}
	return hc, nil
}

// open decrypts, authenticates and decompresses one record.
func (hc *halfConn) open(rec Record) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch hc.suite.Cipher {
	case CipherRC4:
		out = make([]byte, len(rec.Payload))
		hc.stream.XORKeyStream(out, rec.Payload)
		out, err = hc.checkMAC(rec, out)
	case Cipher3DES, CipherAESCBC:
		out, err = hc.openCBC(rec)
	case CipherAESGCM, CipherChaCha20:
		out, err = hc.openAEAD(rec)
	}
	if err != nil {
		return nil, err
	}
	hc.seq++

	if hc.inflate != nil {
		return hc.inflate.next(out)
	}
	return out, nil
}

func (hc *halfConn) openCBC(rec Record) ([]byte, error) {
	bs := hc.block.BlockSize()
	payload := rec.Payload
	iv := hc.iv
	if hc.version >= VersionTLS11 {
		if len(payload) < bs {
			return nil, errShortRecord
		}
		iv, payload = payload[:bs], payload[bs:]
	}
	if len(payload) == 0 || len(payload)%bs != 0 {
		return nil, errShortRecord
	}

	out := make([]byte, len(payload))
	cipher.NewCBCDecrypter(hc.block, iv).CryptBlocks(out, payload)
	if hc.version < VersionTLS11 {
		hc.iv = clone(payload[len(payload)-bs:])
	}

	pad := int(out[len(out)-1])
	if pad+1+hc.suite.MACLen > len(out) {
		return nil, errBadPadding
	}
	for _, b := range out[len(out)-1-pad : len(out)-1] {
		if int(b) != pad {
			return nil, errBadPadding
		}
	}
	return hc.checkMAC(rec, out[:len(out)-1-pad])
}

// checkMAC verifies and strips the trailing HMAC over
// seq | type | version | length | content.
func (hc *halfConn) checkMAC(rec Record, out []byte) ([]byte, error) {
	n := len(out) - hc.suite.MACLen
	if n < 0 {
		return nil, errShortRecord
	}
	content, got := out[:n], out[n:]

	hc.mac.Reset()
	hc.mac.Write(hc.header(rec, n))
	hc.mac.Write(content)
	if !hmac.Equal(hc.mac.Sum(nil), got) {
		return nil, core.ErrBadRecordMAC
	}
	return content, nil
}

func (hc *halfConn) openAEAD(rec Record) ([]byte, error) {
	payload := rec.Payload
	var nonce []byte
	if hc.suite.Cipher == CipherAESGCM {
		if len(payload) < gcmExplicitNonceLen+aeadTagLen {
			return nil, errShortRecord
		}
		nonce = append(clone(hc.fixed), payload[:gcmExplicitNonceLen]...)
		payload = payload[gcmExplicitNonceLen:]
	} else {
		if len(payload) < aeadTagLen {
			return nil, errShortRecord
		}
		nonce = clone(hc.fixed)
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], hc.seq)
		for i := range seq {
			nonce[len(nonce)-8+i] ^= seq[i]
		}
	}
	ad := hc.header(rec, len(payload)-aeadTagLen)
	out, err := hc.aead.Open(nil, nonce, payload, ad)
	if err != nil {
		return nil, core.ErrBadRecordMAC
	}
	return out, nil
}

// header is the pseudo-header authenticated with every record.
func (hc *halfConn) header(rec Record, length int) []byte {
	var h [13]byte
	binary.BigEndian.PutUint64(h[:8], hc.seq)
	h[8] = rec.Type
	binary.BigEndian.PutUint16(h[9:11], rec.Version)
	binary.BigEndian.PutUint16(h[11:13], uint16(length))
	return h[:]
}

// inflateWindow is the DEFLATE back-reference distance.
const inflateWindow = 32 << 10

// inflater undoes DEFLATE record compression. Senders flush at every record
// boundary, so each record decodes on its own given the preceding window
// as dictionary.
type inflater struct {
	zr       io.ReadCloser
	window   []byte
	produced int
	limit    int
	started  bool
}

func (f *inflater) next(compressed []byte) ([]byte, error) {
	data := compressed
	if !f.started {
		f.started = true
		if len(data) >= 2 && data[0]&0x0f == 8 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0 {
			data = data[2:] // zlib header
		}
	}

	src := bytes.NewReader(data)
	if f.zr == nil {
		f.zr = flate.NewReader(src)
	} else if err := f.zr.(flate.Resetter).Reset(src, f.window); err != nil {
		return nil, fmt.Errorf("%w: %v", errInflate, err)
	}

	out, err := io.ReadAll(io.LimitReader(f.zr, int64(f.limit-f.produced)+1))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: %v", errInflate, err)
	}
	if f.produced+len(out) > f.limit {
		return nil, core.ErrBodyTooLarge
	}
	f.produced += len(out)

	f.window = append(f.window, out...)
	if n := len(f.window); n > inflateWindow {
		f.window = append(f.window[:0], f.window[n-inflateWindow:]...)
	}
	return out, nil
}
