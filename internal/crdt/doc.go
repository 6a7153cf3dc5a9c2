// Package crdt implements the conflict-free replicated text type backing
// collaborative documents. Replicas exchange binary updates; merges commute,
// tolerate duplication, and converge regardless of delivery order.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrCorruptUpdate is returned when update bytes cannot be decoded.
var ErrCorruptUpdate = errors.New("crdt: corrupt update")

// opID identifies an operation: a site identifier plus that site's
// monotonically increasing sequence number.
type opID struct {
	Site string
	Seq  uint64
}

// component is one level of a position identifier. Components order by
// digit, then site, then seq, which makes positions globally unique.
type component struct {
	Digit uint32
	Site  string
	Seq   uint64
}

// position is a path of components. Positions order lexicographically,
// shorter prefixes first.
type position []component

const (
	opInsert = 1
	opDelete = 2

	// maxDigit bounds the digit space at each tree level.
	maxDigit = uint32(1) << 20
)

type op struct {
	Type   byte
	ID     opID
	Ch     rune     // insert only
	Pos    position // insert only
	Target opID     // delete only
}

type item struct {
	id      opID
	pos     position
	ch      rune
	deleted bool
}

// Doc is a single text replica. All methods are safe for concurrent use.
type Doc struct {
	mu sync.Mutex

	site    string
	nextSeq uint64

	items  []*item          // sorted by position
	byID   map[opID]*item   // live and tombstoned items
	log    map[string][]op  // applied ops per site, in seq order
	clock  map[string]uint64 // contiguous ops applied per site
	pending map[string][]op  // ops waiting on missing predecessors
}

// NewDoc creates an empty replica owned by the given site.
func NewDoc(site string) *Doc {
	return &Doc{
		site:    site,
		byID:    make(map[opID]*item),
		log:     make(map[string][]op),
		clock:   make(map[string]uint64),
		pending: make(map[string][]op),
	}
}

// Text returns the document content.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]rune, 0, len(d.items))
	for _, it := range d.items {
		if !it.deleted {
			out = append(out, it.ch)
		}
	}
	return string(out)
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, it := range d.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// Insert inserts text at the given visible index and returns the encoded
// update describing the edit, already applied locally.
func (d *Doc) Insert(index int, text string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if index < 0 {
		return nil, fmt.Errorf("crdt: insert index %d out of range", index)
	}

	left, right, err := d.neighbors(index)
	if err != nil {
		return nil, err
	}

	ops := make([]op, 0, len([]rune(text)))
	prev := left
	for _, ch := range text {
		d.nextSeq++
		id := opID{Site: d.site, Seq: d.nextSeq}
		pos := between(prev, right, d.site, id.Seq)
		o := op{Type: opInsert, ID: id, Ch: ch, Pos: pos}
		d.integrate(o)
		ops = append(ops, o)
		prev = pos
	}
	return encodeOps(ops), nil
}

// Delete removes length visible characters starting at index and returns
// the encoded update, already applied locally.
func (d *Doc) Delete(index, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	targets := make([]opID, 0, length)
	seen := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if seen >= index && len(targets) < length {
			targets = append(targets, it.id)
		}
		seen++
	}
	if len(targets) < length {
		return nil, fmt.Errorf("crdt: delete range [%d,%d) out of range", index, index+length)
	}

	ops := make([]op, 0, len(targets))
	for _, target := range targets {
		d.nextSeq++
		o := op{Type: opDelete, ID: opID{Site: d.site, Seq: d.nextSeq}, Target: target}
		d.integrate(o)
		ops = append(ops, o)
	}
	return encodeOps(ops), nil
}

// ApplyUpdate merges an encoded update into the replica. Duplicated ops are
// skipped; ops arriving before their per-site predecessors are buffered until
// the gap closes. Malformed bytes leave the replica untouched.
func (d *Doc) ApplyUpdate(update []byte) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, o := range ops {
		if o.ID.Seq <= d.clock[o.ID.Site] {
			continue // already applied
		}
		d.enqueue(o)
	}
	d.drain()
	return nil
}

// EncodeStateVector returns a compact summary of which operations this
// replica has applied.
func (d *Doc) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeStateVector(d.clock)
}

// EncodeStateAsUpdate returns an update containing every applied operation
// the given state vector is missing. A nil or empty state vector yields the
// full document history.
func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	var remote map[string]uint64
	if len(stateVector) > 0 {
		var err error
		remote, err = decodeStateVector(stateVector)
		if err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var out []op
	sites := make([]string, 0, len(d.log))
	for site := range d.log {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	for _, site := range sites {
		have := remote[site]
		for _, o := range d.log[site] {
			if o.ID.Seq > have {
				out = append(out, o)
			}
		}
	}
	return encodeOps(out), nil
}

// neighbors returns the positions bracketing a visible insert index. The
// right position is nil at the end of the document.
func (d *Doc) neighbors(index int) (position, position, error) {
	var left position
	seen := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if seen == index {
			return left, it.pos, nil
		}
		left = it.pos
		seen++
	}
	if seen < index {
		return nil, nil, fmt.Errorf("crdt: insert index %d out of range", index)
	}
	return left, nil, nil
}

// enqueue inserts o into the pending queue for its site, kept in seq order.
func (d *Doc) enqueue(o op) {
	q := d.pending[o.ID.Site]
	i := sort.Search(len(q), func(i int) bool { return q[i].ID.Seq >= o.ID.Seq })
	if i < len(q) && q[i].ID.Seq == o.ID.Seq {
		return
	}
	q = append(q, op{})
	copy(q[i+1:], q[i:])
	q[i] = o
	d.pending[o.ID.Site] = q
}

// drain applies pending ops until no further progress is possible. An op
// applies only when it is the next in its site's sequence and, for deletes,
// its target item is present.
func (d *Doc) drain() {
	for {
		progressed := false
		for site, q := range d.pending {
			for len(q) > 0 {
				o := q[0]
				if o.ID.Seq != d.clock[site]+1 {
					break
				}
				if o.Type == opDelete {
					if _, ok := d.byID[o.Target]; !ok {
						break
					}
				}
				d.integrate(o)
				q = q[1:]
				progressed = true
			}
			if len(q) == 0 {
				delete(d.pending, site)
			} else {
				d.pending[site] = q
			}
		}
		if !progressed {
			return
		}
	}
}

// integrate applies a causally ready op and advances the site clock.
func (d *Doc) integrate(o op) {
	switch o.Type {
	case opInsert:
		it := &item{id: o.ID, pos: o.Pos, ch: o.Ch}
		i := sort.Search(len(d.items), func(i int) bool {
			return comparePositions(d.items[i].pos, o.Pos) >= 0
		})
		d.items = append(d.items, nil)
		copy(d.items[i+1:], d.items[i:])
		d.items[i] = it
		d.byID[o.ID] = it
	case opDelete:
		if it, ok := d.byID[o.Target]; ok {
			it.deleted = true
		}
	}
	d.clock[o.ID.Site] = o.ID.Seq
	d.log[o.ID.Site] = append(d.log[o.ID.Site], o)
	if o.ID.Site == d.site && o.ID.Seq > d.nextSeq {
		d.nextSeq = o.ID.Seq
	}
}

func compareComponents(a, b component) int {
	switch {
	case a.Digit != b.Digit:
		if a.Digit < b.Digit {
			return -1
		}
		return 1
	case a.Site != b.Site:
		if a.Site < b.Site {
			return -1
		}
		return 1
	case a.Seq != b.Seq:
		if a.Seq < b.Seq {
			return -1
		}
		return 1
	}
	return 0
}

func comparePositions(a, b position) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareComponents(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// between allocates a fresh position strictly after left and strictly before
// right. A nil right means the end of the document.
func between(left, right position, site string, seq uint64) position {
	prefix := position{}
	bounded := right != nil
	for depth := 0; ; depth++ {
		lc := component{}
		if depth < len(left) {
			lc = left[depth]
		}
		rd := maxDigit
		if bounded && depth < len(right) {
			rd = right[depth].Digit
		}
		if rd > lc.Digit+1 {
			out := make(position, len(prefix), len(prefix)+1)
			copy(out, prefix)
			return append(out, component{Digit: lc.Digit + 1, Site: site, Seq: seq})
		}
		prefix = append(prefix, lc)
		if bounded && depth < len(right) && compareComponents(lc, right[depth]) != 0 {
			// Everything below this prefix already sorts before right.
			bounded = false
		}
	}
}
