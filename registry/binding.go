package registry

// OnDelete specifies what a symmetric binding does to the peer side of a
// reference when the owning object is deleted, per spec.md §3.
type OnDelete int

const (
	// OnDeleteError rejects the delete while the field is non-empty.
	OnDeleteError OnDelete = iota
	// OnDeleteClear silently removes the deleted id from the peer's field.
	OnDeleteClear
	// OnDeleteCascade recursively deletes the peer.
	OnDeleteCascade
)

func (k OnDelete) String() string {
	switch k {
	case OnDeleteError:
		return "ERROR"
	case OnDeleteClear:
		return "CLEAR"
	case OnDeleteCascade:
		return "CASCADE"
	default:
		return "UNKNOWN"
	}
}

// Binding declares a symmetric relationship between one field of ClassA
// and one field of ClassB, per spec.md §3. An instance may bind to another
// instance of its own class (ClassA == ClassB is allowed).
type Binding struct {
	ClassA    string
	FieldA    string
	OnDeleteA OnDelete
	ClassB    string
	FieldB    string
	OnDeleteB OnDelete
}

// Side identifies one half of a Binding: one class's bound field.
type Side struct {
	binding *Binding
	// isA is true if this Side is (ClassA, FieldA).
	isA bool
	// peer is set during Build(); it lets traversal jump to the opposite
	// side in O(1) rather than re-searching the binding table, per
	// spec.md §4.1 ("a peer binding pointer so traversal is O(1)").
	peer *Side

	class      string
	field      string
	onDelete   OnDelete
	peerClass  string
	peerField  string
	collection bool
}

// Class returns the class this Side belongs to.
func (s *Side) Class() string { return s.class }

// Field returns the bound field name on this side.
func (s *Side) Field() string { return s.field }

// OnDelete returns this side's on-delete behavior.
func (s *Side) OnDelete() OnDelete { return s.onDelete }

// PeerClass returns the class on the opposite side of the binding.
func (s *Side) PeerClass() string { return s.peerClass }

// PeerField returns the field name on the opposite side of the binding.
func (s *Side) PeerField() string { return s.peerField }

// IsCollection reports whether this side's field holds a reference list.
func (s *Side) IsCollection() bool { return s.collection }

// Peer returns the opposite Side of the same Binding, memoized at Build().
func (s *Side) Peer() *Side { return s.peer }
