package txn

import "path"

// Paths computes backend node paths from a configured root, per spec.md §6:
//
//	<root>/zoom/<version>/models/<ClassSimpleName>/<id>
//	<root>/zoom/<version>/objects/<ClassSimpleName>/<id>
//	<root>/zoom/<version>/locks/zoom-topology
//	<root>/zoom/<version>/zoomlocks/lock
type Paths struct {
	// Base is the fully composed "<root>/zoom/<version>" prefix.
	Base string
}

// NewPaths builds a Paths rooted at rootKey using the given schema version.
func NewPaths(rootKey, version string) Paths {
	return Paths{Base: path.Join(rootKey, "zoom", version)}
}

// ModelPath returns the object payload path for (class, id).
func (p Paths) ModelPath(class, id string) string {
	return path.Join(p.Base, "models", class, id)
}

// ObjectPath returns the provenance sibling path for (class, id).
func (p Paths) ObjectPath(class, id string) string {
	return path.Join(p.Base, "objects", class, id)
}

// ClassModelsDir returns the directory listing all ids of class.
func (p Paths) ClassModelsDir(class string) string {
	return path.Join(p.Base, "models", class)
}

// ClassObjectsDir returns the directory holding class's provenance
// siblings, mirroring ClassModelsDir.
func (p Paths) ClassObjectsDir(class string) string {
	return path.Join(p.Base, "objects", class)
}

// LockPath returns the topology lock mutex node path.
func (p Paths) LockPath() string {
	return path.Join(p.Base, "locks", "zoom-topology")
}

// MarkerPrefix returns the ephemeral-sequential marker path prefix used to
// establish a transaction's snapshot version.
func (p Paths) MarkerPrefix() string {
	return path.Join(p.Base, "zoomlocks", "lock")
}
