package burst

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"firestige.xyz/tracelens/internal/core"
)

// ReadUserEvents parses one user input timestamp per line. A line is either
// RFC 3339 or epoch seconds with an optional fraction. Blank lines and lines
// starting with '#' are ignored.
func ReadUserEvents(r io.Reader) ([]time.Time, error) {
	var events []time.Time
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ts, err := parseEvent(line)
		if err != nil {
			return nil, fmt.Errorf("%w: user events line %d: %q", core.ErrConfigInvalid, n, line)
		}
		events = append(events, ts)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Before(events[j]) })
	return events, nil
}

// LoadUserEvents reads a user events file.
func LoadUserEvents(path string) ([]time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open user events: %w", err)
	}
	defer f.Close()
	return ReadUserEvents(f)
}

func parseEvent(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil || sec < 0 || math.IsInf(sec, 0) || math.IsNaN(sec) {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC(), nil
}
