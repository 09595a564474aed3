// Package tlsx tracks TLS 1.0-1.2 handshakes and decrypts records with
// externally supplied master secrets.
package tlsx

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	randomLen = 32
	masterLen = 48
)

// KeyLog maps handshake identifiers to master secrets. It reads the NSS key
// log format plus the "RSA Session-ID:... Master-Key:..." form.
type KeyLog struct {
	byRandom    map[string][]byte
	bySessionID map[string][]byte
	skipped     int
}

func NewKeyLog() *KeyLog {
	return &KeyLog{
		byRandom:    make(map[string][]byte),
		bySessionID: make(map[string][]byte),
	}
}

// LoadKeyLog reads a key log file.
func LoadKeyLog(path string) (*KeyLog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open key log: %w", err)
	}
	defer f.Close()
	return ParseKeyLog(f)
}

// ParseKeyLog reads key log lines. Comments, blank lines, labels other than
// CLIENT_RANDOM (such as TLS 1.3 traffic secrets) and malformed entries are
// ignored; Skipped counts the malformed ones.
func ParseKeyLog(r io.Reader) (*KeyLog, error) {
	kl := NewKeyLog()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !kl.parseLine(line) {
			kl.skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read key log: %w", err)
	}
	return kl, nil
}

func (kl *KeyLog) parseLine(line string) bool {
	fields := strings.Fields(line)
	switch {
	case fields[0] == "CLIENT_RANDOM":
		if len(fields) != 3 {
			return false
		}
		cr, err1 := hex.DecodeString(fields[1])
		ms, err2 := hex.DecodeString(fields[2])
		if err1 != nil || err2 != nil || len(cr) != randomLen || len(ms) != masterLen {
			return false
		}
		kl.AddClientRandom(cr, ms)
		return true
	case fields[0] == "RSA" && len(fields) == 3 &&
		strings.HasPrefix(fields[1], "Session-ID:") && strings.HasPrefix(fields[2], "Master-Key:"):
		id, err1 := hex.DecodeString(strings.TrimPrefix(fields[1], "Session-ID:"))
		ms, err2 := hex.DecodeString(strings.TrimPrefix(fields[2], "Master-Key:"))
		if err1 != nil || err2 != nil || len(id) == 0 || len(ms) != masterLen {
			return false
		}
		kl.bySessionID[string(id)] = ms
		return true
	case strings.ToUpper(fields[0]) == fields[0] && len(fields) == 3:
		// Another NSS label
		return true
	}
	return false
}

// AddClientRandom registers a master secret for a client random.
func (kl *KeyLog) AddClientRandom(clientRandom, master []byte) {
	kl.byRandom[string(clientRandom)] = append([]byte(nil), master...)
}

// Lookup returns the master secret for a client random.
func (kl *KeyLog) Lookup(clientRandom []byte) ([]byte, bool) {
	if kl == nil {
		return nil, false
	}
	ms, ok := kl.byRandom[string(clientRandom)]
	return ms, ok
}

// Len is the number of usable entries.
func (kl *KeyLog) Len() int {
	if kl == nil {
		return 0
	}
	return len(kl.byRandom) + len(kl.bySessionID)
}

// Skipped is the number of malformed lines.
func (kl *KeyLog) Skipped() int { return kl.skipped }

// Seed copies the session ID entries into the resumption cache.
func (kl *KeyLog) Seed(c *ResumptionCache) {
	if kl == nil {
		return
	}
	for id, ms := range kl.bySessionID {
		c.PutSessionID([]byte(id), ms)
	}
}
