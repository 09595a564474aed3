// Package filter compiles tcpdump style address expressions into BPF
// programs and runs them against captured frames.
package filter

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/net/bpf"

	"firestige.xyz/tracelens/internal/core"
)

const (
	etherTypeOff  = 12
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD

	// Ethernet header plus the address offset inside the IP header
	ipv4SrcOff = 14 + 12
	ipv4DstOff = 14 + 16
	ipv6SrcOff = 14 + 8
	ipv6DstOff = 14 + 24

	acceptLen = 0x40000
)

// Filter is a compiled frame filter. A nil Filter matches everything.
type Filter struct {
	expr string
	raw  []bpf.RawInstruction
	vm   *bpf.VM
}

// Compile parses expr and assembles it. The grammar is a conjunction of
// terms, optionally joined with "and":
//
//	ip | ip6 | [src|dst] host ADDR | [src|dst] net CIDR | src ADDR | dst ADDR
//
// An empty expression yields a nil Filter.
func Compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(strings.ToLower(expr))
	if expr == "" {
		return nil, nil
	}
	terms, err := parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: filter %q: %v", core.ErrConfigInvalid, expr, err)
	}

	a := &asm{}
	reject := a.label()
	for _, t := range terms {
		t.emit(a, reject)
	}
	a.emit(bpf.RetConstant{Val: acceptLen})
	a.mark(reject)
	a.emit(bpf.RetConstant{Val: 0})

	prog, err := a.resolve()
	if err != nil {
		return nil, fmt.Errorf("%w: filter %q: %v", core.ErrConfigInvalid, expr, err)
	}
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("assemble filter: %w", err)
	}
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, fmt.Errorf("load filter: %w", err)
	}
	return &Filter{expr: expr, raw: raw, vm: vm}, nil
}

// Match reports whether the frame passes. Only Ethernet frames are
// evaluated; frames of other link types always pass.
func (f *Filter) Match(lt core.LinkType, data []byte) bool {
	if f == nil || lt != core.LinkTypeEthernet {
		return true
	}
	n, err := f.vm.Run(data)
	return err == nil && n > 0
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Instructions returns the assembled program.
func (f *Filter) Instructions() []bpf.RawInstruction {
	if f == nil {
		return nil
	}
	return f.raw
}

type side uint8

const (
	sideEither side = iota
	sideSrc
	sideDst
)

// term is one conjunct. family is 4 or 6; a zero prefix means the term only
// checks the ether type.
type term struct {
	family int
	side   side
	prefix netip.Prefix
}

func parse(expr string) ([]term, error) {
	var terms []term
	toks := strings.Fields(expr)
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		switch tok {
		case "and", "&&":
			continue
		case "ip":
			terms = append(terms, term{family: 4})
			continue
		case "ip6":
			terms = append(terms, term{family: 6})
			continue
		}

		t := term{}
		switch tok {
		case "src":
			t.side = sideSrc
		case "dst":
			t.side = sideDst
		}
		if t.side != sideEither {
			if i+1 >= len(toks) {
				return nil, fmt.Errorf("%s needs an address", tok)
			}
			i++
			tok = toks[i]
		}

		kind := "host"
		if tok == "host" || tok == "net" {
			kind = tok
			if i+1 >= len(toks) {
				return nil, fmt.Errorf("%s needs an address", tok)
			}
			i++
		} else if t.side == sideEither {
			return nil, fmt.Errorf("unexpected %q", tok)
		}

		var err error
		if kind == "net" {
			t.prefix, err = netip.ParsePrefix(toks[i])
			t.prefix = t.prefix.Masked()
		} else {
			var addr netip.Addr
			if addr, err = netip.ParseAddr(toks[i]); err == nil {
				t.prefix = netip.PrefixFrom(addr, addr.BitLen())
			}
		}
		if err != nil {
			return nil, err
		}
		if addr := t.prefix.Addr(); addr.Is4In6() && t.prefix.Bits() >= 96 {
			t.prefix = netip.PrefixFrom(addr.Unmap(), t.prefix.Bits()-96)
		}
		t.family = 6
		if t.prefix.Addr().Is4() {
			t.family = 4
		}
		terms = append(terms, t)
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return terms, nil
}

func (t term) emit(a *asm, reject int) {
	etherType, srcOff, dstOff := uint32(etherTypeIPv4), uint32(ipv4SrcOff), uint32(ipv4DstOff)
	if t.family == 6 {
		etherType, srcOff, dstOff = etherTypeIPv6, ipv6SrcOff, ipv6DstOff
	}
	a.emit(bpf.LoadAbsolute{Off: etherTypeOff, Size: 2})
	a.jumpUnless(etherType, reject)
	if !t.prefix.IsValid() {
		return
	}

	switch t.side {
	case sideSrc:
		a.matchPrefix(srcOff, t.prefix, reject)
	case sideDst:
		a.matchPrefix(dstOff, t.prefix, reject)
	default:
		tryDst, ok := a.label(), a.label()
		a.matchPrefix(srcOff, t.prefix, tryDst)
		a.jump(ok)
		a.mark(tryDst)
		a.matchPrefix(dstOff, t.prefix, reject)
		a.mark(ok)
	}
}

// asm assembles instructions with forward jumps to labels.
type asm struct {
	ins    []bpf.Instruction
	labels []int
	fixups []fixup
}

type fixup struct {
	at, label int
}

func (a *asm) label() int {
	a.labels = append(a.labels, -1)
	return len(a.labels) - 1
}

func (a *asm) mark(l int) { a.labels[l] = len(a.ins) }

func (a *asm) emit(i bpf.Instruction) { a.ins = append(a.ins, i) }

// jumpUnless jumps to l when A != val.
func (a *asm) jumpUnless(val uint32, l int) {
	a.fixups = append(a.fixups, fixup{at: len(a.ins), label: l})
	a.emit(bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: val})
}

func (a *asm) jump(l int) {
	a.fixups = append(a.fixups, fixup{at: len(a.ins), label: l})
	a.emit(bpf.Jump{})
}

// matchPrefix falls through when the address at off lies in p and jumps to
// l otherwise.
func (a *asm) matchPrefix(off uint32, p netip.Prefix, l int) {
	addr := p.Addr().AsSlice()
	bits := p.Bits()
	for w := 0; w < len(addr)/4 && bits > 0; w++ {
		n := min(bits, 32)
		bits -= n
		mask := ^uint32(0) << (32 - n)
		word := uint32(addr[4*w])<<24 | uint32(addr[4*w+1])<<16 | uint32(addr[4*w+2])<<8 | uint32(addr[4*w+3])

		a.emit(bpf.LoadAbsolute{Off: off + uint32(4*w), Size: 4})
		if mask != ^uint32(0) {
			a.emit(bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: mask})
		}
		a.jumpUnless(word&mask, l)
	}
}

func (a *asm) resolve() ([]bpf.Instruction, error) {
	for _, f := range a.fixups {
		skip := a.labels[f.label] - f.at - 1
		switch ins := a.ins[f.at].(type) {
		case bpf.JumpIf:
			if skip > 255 {
				return nil, fmt.Errorf("expression too long")
			}
			ins.SkipTrue = uint8(skip)
			a.ins[f.at] = ins
		case bpf.Jump:
			ins.Skip = uint32(skip)
			a.ins[f.at] = ins
		}
	}
	return a.ins, nil
}
