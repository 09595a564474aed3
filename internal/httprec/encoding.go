package httprec

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"firestige.xyz/tracelens/internal/core"
)

var (
	errChunkTruncated = errors.New("chunked body truncated")
	errChunkSize      = errors.New("bad chunk size")
)

// decodeBody removes the content codings in reverse order of application.
func decodeBody(coding string, raw []byte, limit int) ([]byte, error) {
	if coding == "" {
		return raw, nil
	}
	codings := strings.Split(coding, ",")
	body := raw
	for i := len(codings) - 1; i >= 0; i-- {
		var err error
		switch c := strings.ToLower(strings.TrimSpace(codings[i])); c {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			body, err = gunzip(body, limit)
		case "deflate":
			body, err = inflate(body, limit)
		default:
			err = fmt.Errorf("unsupported content-encoding %q", c)
		}
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

func gunzip(data []byte, limit int) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()
	return readLimited(zr, limit)
}

// inflate accepts zlib-wrapped deflate and falls back to raw deflate.
func inflate(data []byte, limit int) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
		out, err := readLimited(zr, limit)
		zr.Close()
		if err == nil || errors.Is(err, core.ErrBodyTooLarge) {
			return out, err
		}
	}
	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()
	out, err := readLimited(fr, limit)
	if err != nil && !errors.Is(err, core.ErrBodyTooLarge) {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	return out, err
}

func readLimited(r io.Reader, limit int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return out[:limit], core.ErrBodyTooLarge
	}
	return out, nil
}

// dechunk decodes a chunked body starting at from. It returns the body, the
// offset after the last chunk and its trailers, and an error when framing
// broke. Bytes beyond limit are framed but not kept.
func dechunk(data []byte, from, limit int) (body []byte, next int, tooLarge bool, err error) {
	pos := from
	for {
		end := lineEnd(data, pos)
		if end < 0 {
			return body, len(data), tooLarge, errChunkTruncated
		}
		line := trimEOL(data[pos:end])
		if i := bytes.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		size, perr := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 64)
		if perr != nil || size < 0 {
			return body, pos, tooLarge, fmt.Errorf("%w %q", errChunkSize, line)
		}
		pos = end

		if size == 0 {
			for {
				end := lineEnd(data, pos)
				if end < 0 {
					return body, len(data), tooLarge, nil
				}
				trailer := trimEOL(data[pos:end])
				pos = end
				if len(trailer) == 0 {
					return body, pos, tooLarge, nil
				}
			}
		}

		avail := int64(len(data) - pos)
		n := int(min(size, avail))
		keep := min(n, limit-len(body))
		if keep < n {
			tooLarge = true
		}
		body = append(body, data[pos:pos+keep]...)
		if size > avail {
			return body, len(data), tooLarge, errChunkTruncated
		}
		pos += n
		if pos < len(data) && data[pos] == '\r' {
			pos++
		}
		if pos < len(data) && data[pos] == '\n' {
			pos++
		}
	}
}

// lineEnd returns the offset after the next '\n' at or after pos, or -1.
func lineEnd(data []byte, pos int) int {
	i := bytes.IndexByte(data[pos:], '\n')
	if i < 0 {
		return -1
	}
	return pos + i + 1
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}
