package fs

import (
	"sort"

	"github.com/harababurel/gcsf/pkg/fserr"
)

// DirEntry is one visible directory entry.
type DirEntry struct {
	Name   string
	Entity *Entity
}

// Tree owns every entity and the edge index. It is not safe for concurrent
// use; Filesystem serialises access behind its lock.
type Tree struct {
	alloc    *allocator
	entities map[uint64]*Entity
	// edges maps parent handle -> visible name -> child handle. One map
	// entry per directory entry; multi-parent entities appear once per
	// parent.
	edges map[uint64]map[string]uint64

	// renameDups selects the duplicate-name policy: numeric suffixes when
	// true, hide-all-but-first when false.
	renameDups bool
}

// NewTree builds a tree holding the root, trash and shared-with-me
// containers. rootRemoteID binds the root to its remote identity so that
// remote parent references resolve.
func NewTree(rootRemoteID string, renameDups bool) *Tree {
	t := &Tree{
		alloc:      newAllocator(),
		entities:   make(map[uint64]*Entity),
		edges:      make(map[uint64]map[string]uint64),
		renameDups: renameDups,
	}

	root := newSyntheticDir(RootHandle, "/")
	root.RemoteID = rootRemoteID
	t.entities[RootHandle] = root
	t.edges[RootHandle] = make(map[string]uint64)
	t.alloc.bind(RootHandle, rootRemoteID)

	trash := newSyntheticDir(TrashHandle, "Trash")
	t.entities[TrashHandle] = trash
	t.edges[TrashHandle] = make(map[string]uint64)
	t.attachEdge(trash, RootHandle, "Trash")

	shared := newSyntheticDir(SharedHandle, "Shared with me")
	t.entities[SharedHandle] = shared
	t.edges[SharedHandle] = make(map[string]uint64)
	t.attachEdge(shared, RootHandle, "Shared with me")

	return t
}

// Alloc issues a fresh handle.
func (t *Tree) Alloc() uint64 {
	return t.alloc.alloc()
}

// Get returns the entity for a handle.
func (t *Tree) Get(handle uint64) (*Entity, bool) {
	e, ok := t.entities[handle]
	return e, ok
}

// ByRemoteID returns the entity bound to a remote ID.
func (t *Tree) ByRemoteID(id string) (*Entity, bool) {
	handle, ok := t.alloc.lookup(id)
	if !ok {
		return nil, false
	}
	return t.Get(handle)
}

// Len returns the number of entities in the arena.
func (t *Tree) Len() int {
	return len(t.entities)
}

// Register places an entity into the arena and binds its remote identity.
// No edges are created.
func (t *Tree) Register(e *Entity) {
	t.entities[e.Handle] = e
	t.alloc.bind(e.Handle, e.RemoteID)
	if e.IsDir() {
		if _, ok := t.edges[e.Handle]; !ok {
			t.edges[e.Handle] = make(map[string]uint64)
		}
	}
}

// Bind records a remote ID obtained after registration.
func (t *Tree) Bind(e *Entity, remoteID string) {
	e.RemoteID = remoteID
	t.alloc.bind(e.Handle, remoteID)
}

// Attach links an entity under a parent, applying the duplicate-name
// policy. It returns false when the hide policy suppressed the entry (the
// entity stays in the arena, reachable by remote ID, but has no edge).
func (t *Tree) Attach(e *Entity, parent uint64) (bool, error) {
	dir, ok := t.entities[parent]
	if !ok {
		return false, fserr.E(fserr.KindNotFound, "no such parent").WithOp("tree.Attach")
	}
	if !dir.IsDir() {
		return false, fserr.E(fserr.KindNotADirectory, "parent is not a directory").WithOp("tree.Attach")
	}

	siblings := t.edges[parent]
	dups := t.countBaseName(parent, e.Name)
	if dups > 0 && !t.renameDups {
		return false, nil
	}

	visible := suffixedName(e.Name, dups)
	if _, taken := siblings[visible]; taken {
		// The suffixed name itself collides with a literal sibling name.
		// Keep counting until a free slot appears.
		for i := dups + 1; ; i++ {
			visible = suffixedName(e.Name, i)
			if _, taken := siblings[visible]; !taken {
				break
			}
		}
	}

	t.attachEdge(e, parent, visible)
	return true, nil
}

func (t *Tree) attachEdge(e *Entity, parent uint64, visible string) {
	t.edges[parent][visible] = e.Handle
	e.Parents[parent] = struct{}{}
}

// countBaseName counts siblings of parent whose base name matches name.
func (t *Tree) countBaseName(parent uint64, name string) int {
	count := 0
	for _, handle := range t.edges[parent] {
		if sib, ok := t.entities[handle]; ok && sib.Name == name {
			count++
		}
	}
	return count
}

// Detach removes the edge between parent and e. The entity stays in the
// arena even when its parent set becomes empty; retirement is the caller's
// decision.
func (t *Tree) Detach(e *Entity, parent uint64) {
	for name, handle := range t.edges[parent] {
		if handle == e.Handle {
			delete(t.edges[parent], name)
			break
		}
	}
	delete(e.Parents, parent)
}

// DetachAll removes every edge of e.
func (t *Tree) DetachAll(e *Entity) {
	for parent := range e.Parents {
		t.Detach(e, parent)
	}
}

// Remove retires an entity: all edges go, the arena entry goes, and the
// handle is never reused.
func (t *Tree) Remove(e *Entity) {
	t.DetachAll(e)
	delete(t.entities, e.Handle)
	delete(t.edges, e.Handle)
	t.alloc.release(e.Handle)
}

// Resolve finds the child of parent with the given visible name.
func (t *Tree) Resolve(parent uint64, name string) (*Entity, error) {
	dir, ok := t.entities[parent]
	if !ok {
		return nil, fserr.E(fserr.KindNotFound, "no such parent").WithOp("tree.Resolve")
	}
	if !dir.IsDir() {
		return nil, fserr.E(fserr.KindNotADirectory, "parent is not a directory").WithOp("tree.Resolve")
	}
	handle, ok := t.edges[parent][name]
	if !ok {
		return nil, fserr.E(fserr.KindNotFound, "no such entry").WithOp("tree.Resolve")
	}
	e, ok := t.entities[handle]
	if !ok {
		return nil, fserr.E(fserr.KindNotFound, "dangling edge").WithOp("tree.Resolve")
	}
	return e, nil
}

// VisibleName returns the name under which e appears in parent.
func (t *Tree) VisibleName(e *Entity, parent uint64) (string, bool) {
	for name, handle := range t.edges[parent] {
		if handle == e.Handle {
			return name, true
		}
	}
	return "", false
}

// Children enumerates the visible entries of a directory, sorted by name.
func (t *Tree) Children(parent uint64) ([]DirEntry, error) {
	dir, ok := t.entities[parent]
	if !ok {
		return nil, fserr.E(fserr.KindNotFound, "no such directory").WithOp("tree.Children")
	}
	if !dir.IsDir() {
		return nil, fserr.E(fserr.KindNotADirectory, "not a directory").WithOp("tree.Children")
	}

	out := make([]DirEntry, 0, len(t.edges[parent]))
	for name, handle := range t.edges[parent] {
		if child, ok := t.entities[handle]; ok {
			out = append(out, DirEntry{Name: name, Entity: child})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// HasChildren reports whether a directory has any visible entry.
func (t *Tree) HasChildren(parent uint64) bool {
	return len(t.edges[parent]) > 0
}

// Rename moves e from oldParent to newParent under a new base name. The
// duplicate policy applies in the destination.
func (t *Tree) Rename(e *Entity, oldParent, newParent uint64, newName string) error {
	dir, ok := t.entities[newParent]
	if !ok {
		return fserr.E(fserr.KindNotFound, "no such target directory").WithOp("tree.Rename")
	}
	if !dir.IsDir() {
		return fserr.E(fserr.KindNotADirectory, "target is not a directory").WithOp("tree.Rename")
	}

	t.Detach(e, oldParent)
	e.Name = newName
	if _, err := t.Attach(e, newParent); err != nil {
		return err
	}
	return nil
}

// CheckInvariants verifies the structural guarantees of the tree: a single
// root without parents, every edge resolving to a live entity, every
// non-root entity's recorded parents matching the edge index, and
// acyclicity of the parent relation. Violations are programming errors.
func (t *Tree) CheckInvariants() error {
	root, ok := t.entities[RootHandle]
	if !ok || len(root.Parents) != 0 {
		return fserr.E(fserr.KindIO, "root missing or parented").WithOp("tree.CheckInvariants")
	}

	for parent, entries := range t.edges {
		for name, handle := range entries {
			child, ok := t.entities[handle]
			if !ok {
				return fserr.E(fserr.KindIO, "edge to retired entity "+name).WithOp("tree.CheckInvariants")
			}
			if _, ok := child.Parents[parent]; !ok {
				return fserr.E(fserr.KindIO, "edge not mirrored in parent set").WithOp("tree.CheckInvariants")
			}
		}
	}
	for _, e := range t.entities {
		for parent := range e.Parents {
			if _, ok := t.VisibleName(e, parent); !ok {
				return fserr.E(fserr.KindIO, "parent set entry without an edge").WithOp("tree.CheckInvariants")
			}
		}
	}

	// Color DFS over the parent relation. Multi-parent diamonds are legal;
	// a grey node reappearing on the current path is not.
	const (
		white = iota
		grey
		black
	)
	color := make(map[uint64]int, len(t.entities))
	var visit func(h uint64) bool
	visit = func(h uint64) bool {
		color[h] = grey
		if e, ok := t.entities[h]; ok {
			for p := range e.Parents {
				switch color[p] {
				case grey:
					return true
				case white:
					if visit(p) {
						return true
					}
				}
			}
		}
		color[h] = black
		return false
	}
	for h := range t.entities {
		if color[h] == white && visit(h) {
			return fserr.E(fserr.KindIO, "cycle in parent relation").WithOp("tree.CheckInvariants")
		}
	}
	return nil
}
