package frames

// Document is the frame content reported alongside a new frame.
type Document interface {
	URL() string
	Title() string
}

// Spawned describes a newly created frame. Parent is None when the frame
// is a direct child of the root.
type Spawned struct {
	Document Document
	Frame    ID
	Parent   ID
}

// Tracker turns engine frame creation into Spawned records. The root frame
// is never registered, so it cannot be addressed through the tracker.
//
// A Tracker must only be used from the event loop.
type Tracker[T comparable] struct {
	root  T
	table *Table[T]
}

func NewTracker[T comparable](root T) *Tracker[T] {
	return &Tracker[T]{root: root, table: NewTable[T]()}
}

// Created registers frame and resolves its parent. A parent that is the
// root, or is not registered, is reported as None.
func (t *Tracker[T]) Created(doc Document, frame, parent T) Spawned {
	s := Spawned{Document: doc, Frame: t.table.Add(frame), Parent: None}
	if parent != t.root {
		if id, ok := t.table.Lookup(parent); ok {
			s.Parent = id
		}
	}
	return s
}

// Destroyed forgets frame and returns the id it had.
func (t *Tracker[T]) Destroyed(frame T) (ID, bool) {
	id, ok := t.table.Lookup(frame)
	if !ok {
		return None, false
	}
	t.table.Remove(id)
	return id, true
}

// ID returns the id of a registered frame. The root has none.
func (t *Tracker[T]) ID(frame T) (ID, bool) {
	return t.table.Lookup(frame)
}

// Frame resolves a guest-supplied id.
func (t *Tracker[T]) Frame(id ID) (T, bool) {
	return t.table.Get(id)
}

