package tlsx

import (
	"encoding/binary"
	"time"

	"firestige.xyz/tracelens/internal/session"
)

// Record content types.
const (
	TypeChangeCipherSpec uint8 = 20
	TypeAlert            uint8 = 21
	TypeHandshake        uint8 = 22
	TypeApplicationData  uint8 = 23
	TypeHeartbeat        uint8 = 24

	recordHeaderLen = 5
	maxRecordLen    = 1<<14 + 2048
)

// Record is one TLS record as seen on the wire.
type Record struct {
	Type    uint8
	Version uint16
	Payload []byte
	Seen    time.Time
	Offset  int
}

// parseRecords splits a direction into records. It stops at the first
// header that is not a TLS record or at a trailing partial record; rest is
// the number of bytes left unparsed.
func parseRecords(buf *session.Buffer, maxLen int) (records []Record, rest int) {
	if maxLen <= 0 {
		maxLen = maxRecordLen
	}
	data := buf.Data
	pos := 0
	for len(data)-pos >= recordHeaderLen {
		h := data[pos : pos+recordHeaderLen]
		typ, version := h[0], binary.BigEndian.Uint16(h[1:3])
		n := int(binary.BigEndian.Uint16(h[3:5]))
		if !validRecordHeader(typ, version) || n > maxLen {
			break
		}
		if len(data)-pos-recordHeaderLen < n {
			break
		}
		records = append(records, Record{
			Type:    typ,
			Version: version,
			Payload: data[pos+recordHeaderLen : pos+recordHeaderLen+n],
			Seen:    buf.TimeAt(pos + recordHeaderLen + n - 1),
			Offset:  pos,
		})
		pos += recordHeaderLen + n
	}
	return records, len(data) - pos
}

func validRecordHeader(typ uint8, version uint16) bool {
	return typ >= TypeChangeCipherSpec && typ <= TypeHeartbeat &&
		version >= VersionSSL30 && version <= VersionTLS12
}

// LooksLikeTLS reports whether data starts with a plausible TLS handshake
// record.
func LooksLikeTLS(data []byte) bool {
	return len(data) >= recordHeaderLen && data[0] == TypeHandshake &&
		validRecordHeader(data[0], binary.BigEndian.Uint16(data[1:3]))
}
