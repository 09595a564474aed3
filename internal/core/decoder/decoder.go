// Package decoder implements L2-L4 protocol stack decoding.
package decoder

import (
	"firestige.xyz/tracelens/internal/core"
)

// Config controls the decoder.
type Config struct {
	Reassembly        ReassemblyConfig `mapstructure:"ip_reassembly"`
	DisableReassembly bool             `mapstructure:"disable_reassembly"`
}

// Decoder turns raw frames into parsed packets. Apart from the fragment
// reassembler, decoding a frame depends only on the frame itself.
type Decoder struct {
	reassembler *Reassembler // nil when disabled
}

// New creates a decoder.
func New(cfg Config) *Decoder {
	d := &Decoder{}
	if !cfg.DisableReassembly {
		d.reassembler = NewReassembler(cfg.Reassembly)
	}
	return d
}

// Reassembler returns the fragment reassembler, nil when disabled.
func (d *Decoder) Reassembler() *Reassembler { return d.reassembler }

// Decode decodes one frame. Unknown link or network protocols yield a packet
// with NetworkOther; only frames too short for a header they claim fail,
// with *core.ParseError.
func (d *Decoder) Decode(frame core.RawFrame) (core.ParsedPacket, error) {
	pkt := core.ParsedPacket{
		Index:         frame.Index,
		Timestamp:     frame.Timestamp,
		Length:        int(frame.OrigLen),
		PayloadOffset: -1,
	}
	if pkt.Length == 0 {
		pkt.Length = len(frame.Data)
	}

	link, netData, known, err := decodeLink(frame.LinkType, frame.Data)
	pkt.Link = link
	if err != nil {
		return pkt, &core.ParseError{Index: frame.Index, Layer: "link", Err: err}
	}
	if !known {
		pkt.Network = core.NetworkOther
		pkt.Payload = netData
		return pkt, nil
	}

	var (
		seg  []byte
		info ipInfo
	)
	switch link.EtherType {
	case etherTypeIPv4:
		pkt.Network = core.NetworkIPv4
		pkt.IP, seg, info, err = decodeIPv4(netData)
		if err != nil {
			return pkt, &core.ParseError{Index: frame.Index, Layer: "ipv4", Err: err}
		}
		if info.fragment {
			if d.reassembler == nil {
				pkt.Fragment = true
				pkt.Corrupted = pkt.IP.ChecksumStatus == core.ChecksumInvalid
				return pkt, nil
			}
			datagram, done, err := d.reassembler.Process(netData, frame.Timestamp)
			if err != nil {
				return pkt, &core.ParseError{Index: frame.Index, Layer: "ipv4-fragment", Err: err}
			}
			if !done {
				pkt.Fragment = true
				pkt.Corrupted = pkt.IP.ChecksumStatus == core.ChecksumInvalid
				return pkt, nil
			}
			seg = datagram
			pkt.Reassembled = true
			info.complete = true
		}
	case etherTypeIPv6:
		pkt.Network = core.NetworkIPv6
		pkt.IP, seg, info, err = decodeIPv6(netData)
		if err != nil {
			return pkt, &core.ParseError{Index: frame.Index, Layer: "ipv6", Err: err}
		}
		if info.fragment {
			pkt.Fragment = true
			return pkt, nil
		}
	default:
		pkt.Network = core.NetworkOther
		pkt.Payload = netData
		return pkt, nil
	}

	if err := decodeTransport(&pkt, seg, info.complete); err != nil {
		return pkt, &core.ParseError{Index: frame.Index, Layer: pkt.IP.ProtocolName(), Err: err}
	}
	if !pkt.Reassembled {
		pkt.PayloadOffset = offsetIn(frame.Data, pkt.Payload)
	}
	pkt.Corrupted = pkt.IP.ChecksumStatus == core.ChecksumInvalid ||
		pkt.TCP.ChecksumStatus == core.ChecksumInvalid ||
		pkt.UDP.ChecksumStatus == core.ChecksumInvalid
	return pkt, nil
}

// offsetIn returns where sub starts inside frame. sub must be a reslice of
// frame, so the difference of their capacities is its start index.
func offsetIn(frame, sub []byte) int {
	return cap(frame) - cap(sub)
}
