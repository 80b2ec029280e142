package shm

// View is a reader's reference to one published value. Its bytes stay
// stable until the view is released; they must not be modified, and they
// become invalid once released or once the owning handle is closed.
type View struct {
	owner    *segment
	index    uint32
	sequence uint64
	data     []byte
}

// Bytes returns the payload, exactly the segment's buffer size long.
func (v View) Bytes() []byte { return v.data }

// Len returns the payload length.
func (v View) Len() int { return len(v.data) }

// Sequence returns the commit sequence of the value: 1 for the first
// commit, 0 for the zero value present before any commit.
func (v View) Sequence() uint64 { return v.sequence }

// Index returns the slot index backing the view.
func (v View) Index() uint32 { return v.index }

// IsZero reports whether v is the zero View.
func (v View) IsZero() bool { return v.owner == nil }
