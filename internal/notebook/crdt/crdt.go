// Package crdt implements a replicated growable array (RGA) for
// collaborative plain text: every character is a tombstoned element with a
// globally unique id, ordered relative to the element it was inserted
// after. Concurrent inserts at the same position are ordered by id, so
// two replicas that apply the same set of updates — in any order —
// converge on the same text. This is the reference shape the notebook's
// WebSocket protocol exchanges as opaque "update" byte arrays.
package crdt

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ID identifies one inserted character uniquely across all replicas. Site
// disambiguates concurrent authors; Seq is that site's local insert
// counter. Zero value is the sentinel "start of document" position.
type ID struct {
	Site uint32 `json:"site"`
	Seq  uint32 `json:"seq"`
}

func (id ID) isZero() bool { return id.Site == 0 && id.Seq == 0 }

// less defines the tie-break order RGA uses when two elements share an
// origin: the element with the greater id sorts first, so inserts from a
// higher-numbered site (or a later local counter) win the position race
// deterministically on every replica.
func less(a, b ID) bool {
	if a.Site != b.Site {
		return a.Site < b.Site
	}
	return a.Seq < b.Seq
}

type opKind string

const (
	opInsert opKind = "insert"
	opDelete opKind = "delete"
)

// Update is the wire shape of one local edit, opaque to the transport
// layer and exchanged verbatim between peers.
type Update struct {
	Op     opKind `json:"op"`
	ID     ID     `json:"id"`
	Origin ID     `json:"origin,omitempty"`
	Value  rune   `json:"value,omitempty"`
}

// Encode marshals u as the byte array the notebook WebSocket protocol
// sends over the wire.
func (u Update) Encode() ([]byte, error) {
	return json.Marshal(u)
}

// Decode parses a byte array produced by Encode.
func Decode(b []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(b, &u); err != nil {
		return Update{}, fmt.Errorf("crdt: decode update: %w", err)
	}
	return u, nil
}

type element struct {
	id      ID
	origin  ID
	value   rune
	deleted bool
}

// Document is a single replica's view of a replicated text. Safe for
// concurrent use. Zero value is not usable; use New.
type Document struct {
	mu    sync.Mutex
	site  uint32
	seq   uint32
	elems []element
	index map[ID]int
}

// New creates an empty document for the given site id. site must be
// unique per concurrently editing peer for the duration of the document's
// lifetime (the notebook service assigns one per WebSocket connection).
func New(site uint32) *Document {
	return &Document{site: site, index: make(map[ID]int)}
}

// Seed loads initial plain text into a fresh document, as the single
// author of every character — used when a page is loaded from storage
// with no prior CRDT history to replay.
func Seed(site uint32, text string) *Document {
	d := New(site)
	origin := ID{}
	for _, r := range text {
		d.seq++
		id := ID{Site: d.site, Seq: d.seq}
		d.integrate(element{id: id, origin: origin, value: r})
		origin = id
	}
	return d
}

// Text returns the document's current visible content in order.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b []rune
	for _, e := range d.elems {
		if !e.deleted {
			b = append(b, e.value)
		}
	}
	return string(b)
}

// Len returns the number of visible characters.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.elems {
		if !e.deleted {
			n++
		}
	}
	return n
}

// InsertLocal inserts ch at visible-character position pos (0 = start of
// document) and returns the encoded update to broadcast to peers.
func (d *Document) InsertLocal(pos int, ch rune) (Update, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	origin, err := d.originAt(pos)
	if err != nil {
		return Update{}, err
	}
	d.seq++
	id := ID{Site: d.site, Seq: d.seq}
	d.integrate(element{id: id, origin: origin, value: ch})
	return Update{Op: opInsert, ID: id, Origin: origin, Value: ch}, nil
}

// DeleteLocal tombstones the visible character at position pos and
// returns the encoded update to broadcast to peers.
func (d *Document) DeleteLocal(pos int) (Update, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx, err := d.visibleIndexAt(pos)
	if err != nil {
		return Update{}, err
	}
	id := d.elems[idx].id
	d.elems[idx].deleted = true
	return Update{Op: opDelete, ID: id}, nil
}

// Apply integrates a remote update (insert or delete) into the document.
// Applying the same update twice is a safe no-op: an insert whose id is
// already present, or a delete of an already-deleted or unknown id, is
// ignored rather than erroring, since updates may be redelivered.
func (d *Document) Apply(u Update) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch u.Op {
	case opInsert:
		if _, exists := d.index[u.ID]; exists {
			return
		}
		d.integrate(element{id: u.ID, origin: u.Origin, value: u.Value})
	case opDelete:
		if idx, ok := d.index[u.ID]; ok {
			d.elems[idx].deleted = true
		}
	}
}

// originAt returns the id of the visible element immediately before
// position pos, or the zero ID if pos is 0 (start of document).
func (d *Document) originAt(pos int) (ID, error) {
	if pos == 0 {
		return ID{}, nil
	}
	idx, err := d.visibleIndexAt(pos - 1)
	if err != nil {
		return ID{}, err
	}
	return d.elems[idx].id, nil
}

// visibleIndexAt returns the elems slice index of the pos-th visible
// (non-deleted) character.
func (d *Document) visibleIndexAt(pos int) (int, error) {
	seen := 0
	for i, e := range d.elems {
		if e.deleted {
			continue
		}
		if seen == pos {
			return i, nil
		}
		seen++
	}
	return 0, fmt.Errorf("crdt: position %d out of range (len=%d)", pos, seen)
}

// integrate inserts e into elems in RGA order: immediately after its
// origin, but after any existing element also anchored to that origin
// whose id is greater than e's, so concurrent inserts at the same origin
// resolve to the same final order on every replica regardless of arrival
// sequence.
func (d *Document) integrate(e element) {
	at := 0
	if !e.origin.isZero() {
		originIdx, ok := d.index[e.origin]
		if !ok {
			// Origin not seen yet (out-of-order delivery); append at the
			// end rather than drop the character.
			at = len(d.elems)
		} else {
			at = originIdx + 1
		}
	}

	for at < len(d.elems) && d.elems[at].origin == e.origin && less(e.id, d.elems[at].id) {
		at++
	}

	d.elems = append(d.elems, element{})
	copy(d.elems[at+1:], d.elems[at:])
	d.elems[at] = e
	d.reindexFrom(at)
}

func (d *Document) reindexFrom(from int) {
	for i := from; i < len(d.elems); i++ {
		d.index[d.elems[i].id] = i
	}
}

// snapshotElement is the serialized wire shape of one element, used by
// Serialize/Load for full-state persistence and reload.
type snapshotElement struct {
	ID      ID   `json:"id"`
	Origin  ID   `json:"origin"`
	Value   rune `json:"value"`
	Deleted bool `json:"deleted"`
}

type snapshot struct {
	Site  uint32            `json:"site"`
	Seq   uint32            `json:"seq"`
	Elems []snapshotElement `json:"elems"`
}

// Serialize encodes the document's full state, tombstones included, so a
// fresh replica can be reconstructed identically via Load.
func (d *Document) Serialize() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := snapshot{Site: d.site, Seq: d.seq, Elems: make([]snapshotElement, len(d.elems))}
	for i, e := range d.elems {
		snap.Elems[i] = snapshotElement{ID: e.id, Origin: e.origin, Value: e.value, Deleted: e.deleted}
	}
	return json.Marshal(snap)
}

// Load replaces the document's state with the snapshot encoded by
// Serialize.
func Load(site uint32, data []byte) (*Document, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("crdt: load snapshot: %w", err)
	}
	d := &Document{site: site, seq: snap.Seq, index: make(map[ID]int, len(snap.Elems))}
	d.elems = make([]element, len(snap.Elems))
	for i, se := range snap.Elems {
		d.elems[i] = element{id: se.ID, origin: se.Origin, value: se.Value, deleted: se.Deleted}
		d.index[se.ID] = i
	}
	return d, nil
}
