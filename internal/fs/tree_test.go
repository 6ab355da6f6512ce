package fs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harababurel/gcsf/pkg/fserr"
)

func newTestEntity(t *Tree, name, remoteID string) *Entity {
	return &Entity{
		Handle:   t.Alloc(),
		RemoteID: remoteID,
		Kind:     RegularFile,
		Name:     name,
		Mode:     0o644,
		Crtime:   time.Unix(1500000000, 0),
		Parents:  make(map[uint64]struct{}),
	}
}

func newTestDir(t *Tree, name, remoteID string) *Entity {
	e := newTestEntity(t, name, remoteID)
	e.Kind = Directory
	e.Mode = 0o755
	return e
}

func TestNewTreeContainers(t *testing.T) {
	tree := NewTree("root-id", false)

	root, ok := tree.Get(RootHandle)
	require.True(t, ok)
	assert.Empty(t, root.Parents)
	assert.Equal(t, "root-id", root.RemoteID)

	trash, err := tree.Resolve(RootHandle, "Trash")
	require.NoError(t, err)
	assert.Equal(t, TrashHandle, trash.Handle)

	shared, err := tree.Resolve(RootHandle, "Shared with me")
	require.NoError(t, err)
	assert.Equal(t, SharedHandle, shared.Handle)

	byRemote, ok := tree.ByRemoteID("root-id")
	require.True(t, ok)
	assert.Equal(t, RootHandle, byRemote.Handle)

	require.NoError(t, tree.CheckInvariants())
}

func TestTreeAttachResolveDetach(t *testing.T) {
	tree := NewTree("root-id", false)
	e := newTestEntity(tree, "f.txt", "r1")
	tree.Register(e)

	visible, err := tree.Attach(e, RootHandle)
	require.NoError(t, err)
	assert.True(t, visible)

	got, err := tree.Resolve(RootHandle, "f.txt")
	require.NoError(t, err)
	assert.Same(t, e, got)

	tree.Detach(e, RootHandle)
	_, err = tree.Resolve(RootHandle, "f.txt")
	assert.True(t, fserr.IsKind(err, fserr.KindNotFound))
	assert.Empty(t, e.Parents)
}

func TestTreeResolveErrors(t *testing.T) {
	tree := NewTree("root-id", false)
	file := newTestEntity(tree, "f.txt", "r1")
	tree.Register(file)
	_, err := tree.Attach(file, RootHandle)
	require.NoError(t, err)

	_, err = tree.Resolve(999, "x")
	assert.True(t, fserr.IsKind(err, fserr.KindNotFound))

	_, err = tree.Resolve(file.Handle, "x")
	assert.True(t, fserr.IsKind(err, fserr.KindNotADirectory))
}

func TestTreeHidePolicy(t *testing.T) {
	tree := NewTree("root-id", false)

	first := newTestEntity(tree, "dup.txt", "r1")
	tree.Register(first)
	visible, err := tree.Attach(first, RootHandle)
	require.NoError(t, err)
	assert.True(t, visible)

	second := newTestEntity(tree, "dup.txt", "r2")
	tree.Register(second)
	visible, err = tree.Attach(second, RootHandle)
	require.NoError(t, err)
	assert.False(t, visible, "second duplicate must be hidden")

	// First insert wins the name.
	got, err := tree.Resolve(RootHandle, "dup.txt")
	require.NoError(t, err)
	assert.Same(t, first, got)

	// The hidden entity stays reachable by remote ID.
	hidden, ok := tree.ByRemoteID("r2")
	require.True(t, ok)
	assert.Same(t, second, hidden)
	require.NoError(t, tree.CheckInvariants())
}

func TestTreeSuffixPolicy(t *testing.T) {
	tree := NewTree("root-id", true)

	for i, id := range []string{"r1", "r2", "r3"} {
		e := newTestEntity(tree, "photo.jpg", id)
		e.Crtime = e.Crtime.Add(time.Duration(i) * time.Second)
		tree.Register(e)
		visible, err := tree.Attach(e, RootHandle)
		require.NoError(t, err)
		assert.True(t, visible)
	}

	for _, name := range []string{"photo.jpg", "photo.1.jpg", "photo.2.jpg"} {
		_, err := tree.Resolve(RootHandle, name)
		assert.NoError(t, err, name)
	}
}

func TestTreeSuffixOnlyWithinOneParent(t *testing.T) {
	tree := NewTree("root-id", true)

	d1 := newTestDir(tree, "d1", "rd1")
	d2 := newTestDir(tree, "d2", "rd2")
	for _, d := range []*Entity{d1, d2} {
		tree.Register(d)
		_, err := tree.Attach(d, RootHandle)
		require.NoError(t, err)
	}

	a := newTestEntity(tree, "p.jpg", "ra")
	tree.Register(a)
	_, err := tree.Attach(a, d1.Handle)
	require.NoError(t, err)

	b := newTestEntity(tree, "p.jpg", "rb")
	tree.Register(b)
	_, err = tree.Attach(b, d2.Handle)
	require.NoError(t, err)

	// Neither file gets a suffix: they live in different parents.
	_, err = tree.Resolve(d1.Handle, "p.jpg")
	assert.NoError(t, err)
	_, err = tree.Resolve(d2.Handle, "p.jpg")
	assert.NoError(t, err)
}

func TestTreeMultiParent(t *testing.T) {
	tree := NewTree("root-id", false)

	d1 := newTestDir(tree, "d1", "rd1")
	d2 := newTestDir(tree, "d2", "rd2")
	for _, d := range []*Entity{d1, d2} {
		tree.Register(d)
		_, err := tree.Attach(d, RootHandle)
		require.NoError(t, err)
	}

	shared := newTestEntity(tree, "shared.txt", "rs")
	tree.Register(shared)
	_, err := tree.Attach(shared, d1.Handle)
	require.NoError(t, err)
	_, err = tree.Attach(shared, d2.Handle)
	require.NoError(t, err)

	// Both paths resolve to the same handle.
	viaD1, err := tree.Resolve(d1.Handle, "shared.txt")
	require.NoError(t, err)
	viaD2, err := tree.Resolve(d2.Handle, "shared.txt")
	require.NoError(t, err)
	assert.Equal(t, viaD1.Handle, viaD2.Handle)
	assert.Len(t, shared.Parents, 2)

	// Removing one edge leaves the other.
	tree.Detach(shared, d1.Handle)
	_, err = tree.Resolve(d1.Handle, "shared.txt")
	assert.Error(t, err)
	_, err = tree.Resolve(d2.Handle, "shared.txt")
	assert.NoError(t, err)

	require.NoError(t, tree.CheckInvariants())
}

func TestTreeChildrenSorted(t *testing.T) {
	tree := NewTree("root-id", false)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		e := newTestEntity(tree, name, "r-"+name)
		tree.Register(e)
		_, err := tree.Attach(e, RootHandle)
		require.NoError(t, err)
	}

	children, err := tree.Children(RootHandle)
	require.NoError(t, err)
	var names []string
	for _, c := range children {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"Shared with me", "Trash", "alpha", "mid", "zeta"}, names)
}

func TestTreeRename(t *testing.T) {
	tree := NewTree("root-id", false)
	dir := newTestDir(tree, "dir", "rd")
	tree.Register(dir)
	_, err := tree.Attach(dir, RootHandle)
	require.NoError(t, err)

	e := newTestEntity(tree, "old.txt", "r1")
	tree.Register(e)
	_, err = tree.Attach(e, RootHandle)
	require.NoError(t, err)

	require.NoError(t, tree.Rename(e, RootHandle, dir.Handle, "new.txt"))

	_, err = tree.Resolve(RootHandle, "old.txt")
	assert.Error(t, err)
	got, err := tree.Resolve(dir.Handle, "new.txt")
	require.NoError(t, err)
	assert.Same(t, e, got)
	require.NoError(t, tree.CheckInvariants())
}

func TestTreeRemoveRetiresHandle(t *testing.T) {
	tree := NewTree("root-id", false)
	e := newTestEntity(tree, "f", "r1")
	handle := e.Handle
	tree.Register(e)
	_, err := tree.Attach(e, RootHandle)
	require.NoError(t, err)

	tree.Remove(e)
	_, ok := tree.Get(handle)
	assert.False(t, ok)
	_, ok = tree.ByRemoteID("r1")
	assert.False(t, ok)

	// A fresh allocation never reuses the retired handle.
	assert.Greater(t, tree.Alloc(), handle)
}

func TestAllocatorRebindPanics(t *testing.T) {
	a := newAllocator()
	h := a.alloc()
	a.bind(h, "r1")
	a.bind(h, "r1") // same binding is fine
	assert.Panics(t, func() { a.bind(h, "r2") })
}
