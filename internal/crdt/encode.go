package crdt

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"unicode"
	"unicode/utf8"
)

// Wire format: everything is length-prefixed with unsigned varints. An update
// is a count followed by ops; a state vector is a count followed by
// site/clock pairs.

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendPosition(buf []byte, pos position) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(pos)))
	for _, c := range pos {
		buf = binary.AppendUvarint(buf, uint64(c.Digit))
		buf = appendString(buf, c.Site)
		buf = binary.AppendUvarint(buf, c.Seq)
	}
	return buf
}

// EmptyUpdate returns an update carrying no operations. Applying it is a
// no-op on any replica.
func EmptyUpdate() []byte {
	return encodeOps(nil)
}

func encodeOps(ops []op) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(ops)))
	for _, o := range ops {
		buf = append(buf, o.Type)
		buf = appendString(buf, o.ID.Site)
		buf = binary.AppendUvarint(buf, o.ID.Seq)
		switch o.Type {
		case opInsert:
			buf = binary.AppendUvarint(buf, uint64(o.Ch))
			buf = appendPosition(buf, o.Pos)
		case opDelete:
			buf = appendString(buf, o.Target.Site)
			buf = binary.AppendUvarint(buf, o.Target.Seq)
		}
	}
	return buf
}

func encodeStateVector(clock map[string]uint64) []byte {
	sites := make([]string, 0, len(clock))
	for site := range clock {
		sites = append(sites, site)
	}
	sort.Strings(sites)

	buf := binary.AppendUvarint(nil, uint64(len(sites)))
	for _, site := range sites {
		buf = appendString(buf, site)
		buf = binary.AppendUvarint(buf, clock[site])
	}
	return buf
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		return 0, ErrCorruptUpdate
	}
	d.off += n
	return v, nil
}

func (d *decoder) byte() (byte, error) {
	if d.off >= len(d.buf) {
		return 0, ErrCorruptUpdate
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) string() (string, error) {
	n, err := d.uvarint()
	if err != nil {
		return "", err
	}
	if n > uint64(len(d.buf)-d.off) {
		return "", ErrCorruptUpdate
	}
	s := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return s, nil
}

func (d *decoder) position() (position, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.off) {
		return nil, ErrCorruptUpdate
	}
	pos := make(position, 0, n)
	for i := uint64(0); i < n; i++ {
		digit, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		if digit > math.MaxUint32 {
			return nil, fmt.Errorf("%w: digit %d out of range", ErrCorruptUpdate, digit)
		}
		site, err := d.string()
		if err != nil {
			return nil, err
		}
		seq, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		pos = append(pos, component{Digit: uint32(digit), Site: site, Seq: seq})
	}
	return pos, nil
}

func decodeOps(update []byte) ([]op, error) {
	d := &decoder{buf: update}
	count, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(update)) {
		return nil, fmt.Errorf("%w: implausible op count %d", ErrCorruptUpdate, count)
	}

	ops := make([]op, 0, count)
	for i := uint64(0); i < count; i++ {
		typ, err := d.byte()
		if err != nil {
			return nil, err
		}
		site, err := d.string()
		if err != nil {
			return nil, err
		}
		seq, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		o := op{Type: typ, ID: opID{Site: site, Seq: seq}}
		switch typ {
		case opInsert:
			ch, err := d.uvarint()
			if err != nil {
				return nil, err
			}
			if ch > uint64(unicode.MaxRune) || !utf8.ValidRune(rune(ch)) {
				return nil, fmt.Errorf("%w: invalid rune %d", ErrCorruptUpdate, ch)
			}
			pos, err := d.position()
			if err != nil {
				return nil, err
			}
			if len(pos) == 0 {
				return nil, fmt.Errorf("%w: insert without position", ErrCorruptUpdate)
			}
			o.Ch = rune(ch)
			o.Pos = pos
		case opDelete:
			tSite, err := d.string()
			if err != nil {
				return nil, err
			}
			tSeq, err := d.uvarint()
			if err != nil {
				return nil, err
			}
			o.Target = opID{Site: tSite, Seq: tSeq}
		default:
			return nil, fmt.Errorf("%w: unknown op type %d", ErrCorruptUpdate, typ)
		}
		ops = append(ops, o)
	}
	if d.off != len(update) {
		return nil, fmt.Errorf("%w: trailing bytes", ErrCorruptUpdate)
	}
	return ops, nil
}

func decodeStateVector(sv []byte) (map[string]uint64, error) {
	d := &decoder{buf: sv}
	count, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(sv)) {
		return nil, fmt.Errorf("%w: implausible site count %d", ErrCorruptUpdate, count)
	}
	clock := make(map[string]uint64, count)
	for i := uint64(0); i < count; i++ {
		site, err := d.string()
		if err != nil {
			return nil, err
		}
		seq, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		clock[site] = seq
	}
	if d.off != len(sv) {
		return nil, fmt.Errorf("%w: trailing bytes", ErrCorruptUpdate)
	}
	return clock, nil
}
