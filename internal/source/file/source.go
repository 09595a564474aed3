// Package file reads pcap and pcapng capture files.
package file

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/tracelens/internal/core"
)

// Variant is the capture container flavour.
type Variant string

const (
	VariantPcap   Variant = "pcap"
	VariantPcapNG Variant = "pcapng"
)

// Container magic numbers as read big-endian from the first four bytes.
const (
	magicMicros        = 0xa1b2c3d4
	magicMicrosSwapped = 0xd4c3b2a1
	magicNanos         = 0xa1b23c4d
	magicNanosSwapped  = 0x4d3cb2a1
	magicNGSection     = 0x0a0d0d0a
)

// maxSnaplen matches the ceiling tcpdump and wireshark read with. Writers
// that do not enforce their declared snaplen still read cleanly below it.
const maxSnaplen = 262144

// maxBlockLen bounds a single pcapng block buffered by blockReader.
const maxBlockLen = 64 << 20

// packetReader is the subset shared by pcapgo.Reader and pcapgo.NgReader.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Reader yields the frames of one capture file in timestamp order.
type Reader struct {
	path    string
	closer  io.Closer
	variant Variant
	pr      packetReader
	ng      *pcapgo.NgReader
	blocks  *blockReader

	index int
	last  time.Time
	done  bool
}

var _ core.FrameSource = (*Reader)(nil)

// Open opens the capture at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace %s: %w", path, err)
	}
	r, err := newReader(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader reads a capture from r. The caller keeps ownership of r.
func NewReader(r io.Reader) (*Reader, error) {
	return newReader(r, "")
}

func newReader(src io.Reader, path string) (*Reader, error) {
	br := bufio.NewReaderSize(src, 1<<16)
	head, err := br.Peek(4)
	if err != nil {
		return nil, &core.FormatError{Path: path, Err: core.ErrTruncatedHeader}
	}

	r := &Reader{path: path}
	switch binary.BigEndian.Uint32(head) {
	case magicMicros, magicMicrosSwapped, magicNanos, magicNanosSwapped:
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, &core.FormatError{Path: path, Err: headerError(err)}
		}
		if pr.Snaplen() < maxSnaplen {
			pr.SetSnaplen(maxSnaplen)
		}
		r.variant = VariantPcap
		r.pr = pr
	case magicNGSection:
		r.blocks = &blockReader{src: br}
		ng, err := pcapgo.NewNgReader(r.blocks, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, &core.FormatError{Path: path, Err: headerError(err)}
		}
		r.variant = VariantPcapNG
		r.pr = ng
		r.ng = ng
	default:
		return nil, &core.FormatError{Path: path, Err: fmt.Errorf("%w: %x", core.ErrUnknownMagic, head)}
	}
	return r, nil
}

func headerError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return core.ErrTruncatedHeader
	}
	return err
}

// Variant reports the container flavour.
func (r *Reader) Variant() Variant { return r.variant }

// LinkType reports the link type declared by the container.
func (r *Reader) LinkType() core.LinkType { return core.LinkType(r.pr.LinkType()) }

// Next returns the next frame. A record that cannot be read completely is
// reported once as *core.TruncatedRecordError, after which Next returns io.EOF.
func (r *Reader) Next() (core.RawFrame, error) {
	if r.done {
		return core.RawFrame{}, io.EOF
	}

	data, ci, err := r.pr.ReadPacketData()
	if err != nil {
		r.finish()
		if err == io.EOF {
			if r.blocks != nil && r.blocks.partial {
				return core.RawFrame{}, &core.TruncatedRecordError{Index: r.index, Err: io.ErrUnexpectedEOF}
			}
			return core.RawFrame{}, io.EOF
		}
		return core.RawFrame{}, &core.TruncatedRecordError{Index: r.index, Err: err}
	}

	frame := core.RawFrame{
		Index:             r.index,
		Timestamp:         ci.Timestamp,
		OriginalTimestamp: ci.Timestamp,
		LinkType:          r.linkTypeFor(ci.InterfaceIndex),
		Data:              data,
		CaptureLen:        uint32(ci.CaptureLength),
		OrigLen:           uint32(ci.Length),
		InterfaceIndex:    ci.InterfaceIndex,
	}
	if r.index > 0 && frame.Timestamp.Before(r.last) {
		frame.Timestamp = r.last
		frame.Reordered = true
	}
	r.last = frame.Timestamp
	r.index++
	return frame, nil
}

func (r *Reader) linkTypeFor(iface int) core.LinkType {
	if r.ng != nil {
		if intf, err := r.ng.Interface(iface); err == nil {
			return core.LinkType(intf.LinkType)
		}
	}
	return core.LinkType(r.pr.LinkType())
}

// finish releases the file handle once the sequence is exhausted.
func (r *Reader) finish() {
	r.done = true
	if r.closer != nil {
		r.closer.Close()
		r.closer = nil
	}
}

// Close releases the file handle. Safe to call more than once.
func (r *Reader) Close() error {
	r.done = true
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// blockReader hands pcapng blocks to the NgReader whole. A block cut short
// by the end of input is withheld and recorded in partial, since NgReader
// reports a short block as a plain io.EOF.
type blockReader struct {
	src     io.Reader
	order   binary.ByteOrder
	buf     []byte
	off     int
	raw     bool
	partial bool
	err     error
}

func (b *blockReader) Read(p []byte) (int, error) {
	for b.off == len(b.buf) {
		if b.raw {
			return b.src.Read(p)
		}
		if b.err != nil {
			return 0, b.err
		}
		b.fill()
	}
	n := copy(p, b.buf[b.off:])
	b.off += n
	return n, nil
}

func (b *blockReader) fill() {
	b.buf, b.off = b.buf[:0], 0

	var hdr [12]byte
	head := hdr[:8]
	if !b.readFull(head, false) {
		return
	}
	// The section header type reads the same in either byte order
	if binary.LittleEndian.Uint32(hdr[0:4]) == magicNGSection {
		head = hdr[:12]
		if !b.readFull(head[8:], true) {
			return
		}
		switch {
		case binary.LittleEndian.Uint32(hdr[8:12]) == 0x1a2b3c4d:
			b.order = binary.LittleEndian
		case binary.BigEndian.Uint32(hdr[8:12]) == 0x1a2b3c4d:
			b.order = binary.BigEndian
		}
	}

	length := 0
	if b.order != nil {
		length = int(b.order.Uint32(hdr[4:8]))
	}
	if length < len(head) || length > maxBlockLen {
		// Malformed framing is left for NgReader to reject
		b.buf = append(b.buf, head...)
		b.raw = true
		return
	}

	if cap(b.buf) < length {
		b.buf = make([]byte, 0, length)
	}
	b.buf = append(b.buf[:0], head...)
	b.buf = b.buf[:length]
	if !b.readFull(b.buf[len(head):], true) {
		b.buf = b.buf[:0]
	}
}

// readFull reads len(p) bytes of a block, recording a short read as partial
// when the block had begun. It reports whether p was filled.
func (b *blockReader) readFull(p []byte, begun bool) bool {
	n, err := io.ReadFull(b.src, p)
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		b.partial = begun || n > 0
		b.err = io.EOF
	default:
		b.err = err
	}
	return false
}
