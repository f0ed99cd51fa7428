// Package frames gives frames stable, guest-addressable identities and
// reports their parent relationships as they are created and destroyed.
package frames

import "strconv"

// ID identifies a frame to the guest. IDs are never reused.
type ID uint64

// None is the id of "no frame". It stands for the root frame when
// reporting a parent, and is never issued by a Table.
const None ID = 0

func (id ID) String() string {
	if id == None {
		return "none"
	}
	return strconv.FormatUint(uint64(id), 10)
}

// Table is a bidirectional id registry. It is not safe for concurrent use.
type Table[T comparable] struct {
	next    ID
	byID    map[ID]T
	byValue map[T]ID
}

func NewTable[T comparable]() *Table[T] {
	return &Table[T]{byID: make(map[ID]T), byValue: make(map[T]ID)}
}

// Add registers v and returns its id. Adding a registered value returns the
// existing id.
func (t *Table[T]) Add(v T) ID {
	if id, ok := t.byValue[v]; ok {
		return id
	}
	t.next++
	t.byID[t.next] = v
	t.byValue[v] = t.next
	return t.next
}

func (t *Table[T]) Get(id ID) (T, bool) {
	v, ok := t.byID[id]
	return v, ok
}

func (t *Table[T]) Lookup(v T) (ID, bool) {
	id, ok := t.byValue[v]
	return id, ok
}

// Remove drops id and reports whether it was registered.
func (t *Table[T]) Remove(id ID) bool {
	v, ok := t.byID[id]
	if !ok {
		return false
	}
	delete(t.byID, id)
	delete(t.byValue, v)
	return true
}
