package crdt

import (
	"sort"
	"strings"

	"opdoc/common"
)

// textChar is a single RGA-ordered character. Unlike list elements,
// characters never carry a conflict set: concurrent writers cannot
// "overwrite" a character, only insert beside it or delete it, so
// there is nothing to arbitrate.
type textChar struct {
	id      common.OpID
	value   rune
	deleted bool
}

// mark is a formatting range over a span of character ids. Ranges are
// anchored to the characters at their boundaries, not to raw offsets,
// so they survive concurrent edits elsewhere in the text. expand
// controls whether characters inserted exactly at a boundary are
// absorbed into the range.
type mark struct {
	id     common.OpID
	start  common.OpID
	end    common.OpID
	attr   string
	value  interface{}
	expand common.ExpandPolicy
}

// TextObject is a Text CRDT: an RGA-ordered character sequence plus a
// set of mark ranges for rich-text formatting. This generalizes the
// teacher's RGAStringNode (insert/delete over runes only) by folding in
// mark range tracking with boundary-expansion semantics.
type TextObject struct {
	op    common.OpID
	head  *textChar
	chars map[common.OpID]*textChar
	next  map[common.OpID]*textChar
	marks []*mark
}

// NewTextObject creates an empty text object with the given creation id.
func NewTextObject(id common.OpID) *TextObject {
	return &TextObject{
		op:    id,
		chars: make(map[common.OpID]*textChar),
		next:  make(map[common.OpID]*textChar),
	}
}

func (t *TextObject) ID() common.OpID { return t.op }

// Value materialises the text by concatenating every live character in
// RGA order.
func (t *TextObject) Value() interface{} {
	var b strings.Builder
	for c := t.head; c != nil; c = t.next[c.id] {
		if !c.deleted {
			b.WriteRune(c.value)
		}
	}
	return b.String()
}

// Insert places a new character after the character identified by
// after (zero OpID means "at the head"), using the same descending-id
// RGA tie-break as ListObject.
func (t *TextObject) Insert(id common.OpID, after common.OpID, value rune) {
	c := &textChar{id: id, value: value}
	t.chars[id] = c

	if after.IsRoot() {
		t.insertAtHead(c)
		return
	}
	anchor, ok := t.chars[after]
	if !ok {
		log.Warnw("insert anchor not found, placing at head", "text", t.op.String(), "char", id.String(), "after", after.String())
		t.insertAtHead(c)
		return
	}
	t.insertAfterRGA(anchor, c)
}

func (t *TextObject) insertAtHead(c *textChar) {
	if t.head == nil || c.id.Compare(t.head.id) > 0 {
		t.next[c.id] = t.head
		t.head = c
		return
	}
	t.insertAfterRGA(t.head, c)
}

func (t *TextObject) insertAfterRGA(anchor *textChar, c *textChar) {
	cur := anchor
	for {
		nxt := t.next[cur.id]
		if nxt == nil || nxt.id.Compare(c.id) < 0 {
			t.next[cur.id] = c
			t.next[c.id] = nxt
			return
		}
		cur = nxt
	}
}

// Delete tombstones the character with the given id.
func (t *TextObject) Delete(id common.OpID) {
	if c, ok := t.chars[id]; ok {
		c.deleted = true
	}
}

// liveIDs returns the ids of every live character in text order.
func (t *TextObject) liveIDs() []common.OpID {
	out := make([]common.OpID, 0, len(t.chars))
	for c := t.head; c != nil; c = t.next[c.id] {
		if !c.deleted {
			out = append(out, c.id)
		}
	}
	return out
}

// Len returns the number of live (non-tombstoned) characters.
func (t *TextObject) Len() int {
	return len(t.liveIDs())
}

// IDAt returns the character id at the given live rune offset.
func (t *TextObject) IDAt(index int) (common.OpID, bool) {
	ids := t.liveIDs()
	if index < 0 || index >= len(ids) {
		return common.OpID{}, false
	}
	return ids[index], true
}

// AnchorBefore returns the character id a new insertion at the given
// live rune offset should be placed after.
func (t *TextObject) AnchorBefore(index int) common.OpID {
	ids := t.liveIDs()
	if index <= 0 || len(ids) == 0 {
		return common.RootID
	}
	if index > len(ids) {
		index = len(ids)
	}
	return ids[index-1]
}

// AddMark installs a formatting range over [start, end] (inclusive,
// character ids) for the named attribute.
func (t *TextObject) AddMark(id, start, end common.OpID, attr string, value interface{}, expand common.ExpandPolicy) {
	t.marks = append(t.marks, &mark{id: id, start: start, end: end, attr: attr, value: value, expand: expand})
}

// MarksAt returns the attribute set active at the character with the
// given id, applying last-mark-wins per attribute ordered by mark OpID
// (Lamport order), matching the winner-selection rule used elsewhere
// in the document.
func (t *TextObject) MarksAt(id common.OpID) map[string]interface{} {
	var active []*mark
	for _, m := range t.marks {
		if t.charInRange(id, m) {
			active = append(active, m)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].id.Less(active[j].id) })
	out := make(map[string]interface{})
	for _, m := range active {
		out[m.attr] = m.value
	}
	return out
}

// charInRange reports whether the character id falls within a mark's
// span: the characters between start and end (inclusive) in RGA order,
// widened at either boundary per the mark's expand policy. A character
// counts as boundary-inserted when it sits directly beyond the anchor
// and carries a Lamport counter greater than the mark's own, i.e. it
// did not exist when the mark was created.
func (t *TextObject) charInRange(id common.OpID, m *mark) bool {
	ordered := make([]*textChar, 0, len(t.chars))
	for c := t.head; c != nil; c = t.next[c.id] {
		ordered = append(ordered, c)
	}

	startIdx, endIdx := -1, -1
	for i, c := range ordered {
		if c.id == m.start {
			startIdx = i
		}
		if c.id == m.end {
			endIdx = i
		}
	}
	if startIdx == -1 || endIdx == -1 || startIdx > endIdx {
		return false
	}

	newer := func(c *textChar) bool { return m.id.Less(c.id) }
	if m.expand == common.ExpandAfter || m.expand == common.ExpandBoth {
		for endIdx+1 < len(ordered) && newer(ordered[endIdx+1]) {
			endIdx++
		}
	}
	if m.expand == common.ExpandBefore || m.expand == common.ExpandBoth {
		for startIdx > 0 && newer(ordered[startIdx-1]) {
			startIdx--
		}
	}

	for i := startIdx; i <= endIdx; i++ {
		if ordered[i].id == id {
			return true
		}
	}
	return false
}
