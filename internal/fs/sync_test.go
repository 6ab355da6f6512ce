package fs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harababurel/gcsf/internal/drive"
	"github.com/harababurel/gcsf/pkg/fserr"
)

func TestSyncPicksUpNewRemoteFile(t *testing.T) {
	ctx := context.Background()
	fsys, m := newTestFS(t, nil, nil)

	id := m.Seed("late.txt", "text/plain", drive.MemRootID, []byte("late"))

	applied, err := fsys.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	e, err := fsys.Lookup(RootHandle, "late.txt")
	require.NoError(t, err)
	assert.Equal(t, id, e.RemoteID)

	// A second sync has nothing left to apply.
	applied, err = fsys.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestSyncAppliesRemoteRename(t *testing.T) {
	ctx := context.Background()
	var id string
	fsys, m := newTestFS(t, func(m *drive.MemDrive) {
		id = m.Seed("old.txt", "text/plain", drive.MemRootID, []byte("x"))
	}, nil)

	before, err := fsys.Lookup(RootHandle, "old.txt")
	require.NoError(t, err)

	m.RenameRemote(id, "new.txt")
	_, err = fsys.SyncOnce(ctx)
	require.NoError(t, err)

	_, err = fsys.Lookup(RootHandle, "old.txt")
	assert.True(t, fserr.IsKind(err, fserr.KindNotFound))

	after, err := fsys.Lookup(RootHandle, "new.txt")
	require.NoError(t, err)
	assert.Equal(t, before.Handle, after.Handle, "rename must not rebind the handle")
}

func TestSyncAppliesRemoteMove(t *testing.T) {
	ctx := context.Background()
	var dir, id string
	fsys, m := newTestFS(t, func(m *drive.MemDrive) {
		dir = m.Seed("dir", drive.MimeFolder, drive.MemRootID, nil)
		id = m.Seed("f.txt", "text/plain", drive.MemRootID, []byte("x"))
	}, nil)

	require.NoError(t, m.PatchMetadata(ctx, id, drive.MetadataPatch{
		AddParents:    []string{dir},
		RemoveParents: []string{drive.MemRootID},
	}))
	_, err := fsys.SyncOnce(ctx)
	require.NoError(t, err)

	_, err = fsys.Lookup(RootHandle, "f.txt")
	assert.True(t, fserr.IsKind(err, fserr.KindNotFound))

	d, err := fsys.Lookup(RootHandle, "dir")
	require.NoError(t, err)
	_, err = fsys.Lookup(d.Handle, "f.txt")
	assert.NoError(t, err)
}

func TestSyncRemoteTrashMovesUnderTrash(t *testing.T) {
	ctx := context.Background()
	var id string
	fsys, m := newTestFS(t, func(m *drive.MemDrive) {
		id = m.Seed("f.txt", "text/plain", drive.MemRootID, []byte("x"))
	}, nil)

	require.NoError(t, m.Trash(ctx, id))
	_, err := fsys.SyncOnce(ctx)
	require.NoError(t, err)

	_, err = fsys.Lookup(RootHandle, "f.txt")
	assert.True(t, fserr.IsKind(err, fserr.KindNotFound))
	e, err := fsys.Lookup(TrashHandle, "f.txt")
	require.NoError(t, err)
	assert.True(t, e.Trashed)
}

func TestSyncRemovedRetiresEntity(t *testing.T) {
	ctx := context.Background()
	var id string
	fsys, m := newTestFS(t, func(m *drive.MemDrive) {
		id = m.Seed("gone.txt", "text/plain", drive.MemRootID, []byte("x"))
	}, nil)

	e, err := fsys.Lookup(RootHandle, "gone.txt")
	require.NoError(t, err)
	handle := e.Handle

	m.RemoveRemote(id)
	_, err = fsys.SyncOnce(ctx)
	require.NoError(t, err)

	_, err = fsys.GetAttr(handle)
	assert.True(t, fserr.IsKind(err, fserr.KindNotFound))
	_, ok := fsys.Tree().ByRemoteID(id)
	assert.False(t, ok)
}

func TestSyncRemovedWhileOpenBecomesZombie(t *testing.T) {
	ctx := context.Background()
	var id string
	fsys, m := newTestFS(t, func(m *drive.MemDrive) {
		id = m.Seed("held.txt", "text/plain", drive.MemRootID, []byte("first body"))
	}, nil)

	e, err := fsys.Lookup(RootHandle, "held.txt")
	require.NoError(t, err)
	require.NoError(t, fsys.Open(e.Handle, true, false))

	// Pull the body into the cache and write something locally.
	_, err = fsys.Read(ctx, e.Handle, 0, 100)
	require.NoError(t, err)
	_, err = fsys.Write(ctx, e.Handle, 0, []byte("LOCAL"))
	require.NoError(t, err)

	m.RemoveRemote(id)
	_, err = fsys.SyncOnce(ctx)
	require.NoError(t, err)

	// Gone from the namespace, no new opens.
	_, err = fsys.Lookup(RootHandle, "held.txt")
	assert.True(t, fserr.IsKind(err, fserr.KindNotFound))
	assert.True(t, e.Zombie())
	err = fsys.Open(e.Handle, false, false)
	assert.True(t, fserr.IsKind(err, fserr.KindNotFound))

	// The open descriptor keeps reading the cached content.
	data, err := fsys.Read(ctx, e.Handle, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "LOCAL body", string(data))

	// Flush succeeds without recreating the entity remotely.
	require.NoError(t, fsys.Flush(ctx, e.Handle))
	_, ok := m.Lookup(id)
	assert.False(t, ok, "flush must not resurrect a removed entity")

	// The last release retires the handle for good.
	require.NoError(t, fsys.Release(ctx, e.Handle))
	_, err = fsys.GetAttr(e.Handle)
	assert.True(t, fserr.IsKind(err, fserr.KindNotFound))
}

func TestSyncLocalDirtyBodyWins(t *testing.T) {
	ctx := context.Background()
	var id string
	fsys, m := newTestFS(t, func(m *drive.MemDrive) {
		id = m.Seed("contested.txt", "text/plain", drive.MemRootID, []byte("remote v1"))
	}, nil)

	e, err := fsys.Lookup(RootHandle, "contested.txt")
	require.NoError(t, err)
	require.NoError(t, fsys.Open(e.Handle, true, false))
	_, err = fsys.Write(ctx, e.Handle, 0, []byte("local v2 "))
	require.NoError(t, err)

	// A remote writer updates the same file.
	require.NoError(t, m.Update(ctx, id, []byte("remote v3")))
	_, err = fsys.SyncOnce(ctx)
	require.NoError(t, err)

	// The unflushed local mutation wins until the flush reconciles.
	data, err := fsys.Read(ctx, e.Handle, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "local v2 ", string(data))

	require.NoError(t, fsys.Release(ctx, e.Handle))
	body, ok := m.Body(id)
	require.True(t, ok)
	assert.Equal(t, "local v2 ", string(body))
}

func TestSyncCleanBodyInvalidated(t *testing.T) {
	ctx := context.Background()
	var id string
	fsys, m := newTestFS(t, func(m *drive.MemDrive) {
		id = m.Seed("f.txt", "text/plain", drive.MemRootID, []byte("v1"))
	}, nil)

	e, err := fsys.Lookup(RootHandle, "f.txt")
	require.NoError(t, err)
	_, err = fsys.Read(ctx, e.Handle, 0, 100)
	require.NoError(t, err)

	require.NoError(t, m.Update(ctx, id, []byte("v2")))
	_, err = fsys.SyncOnce(ctx)
	require.NoError(t, err)

	data, err := fsys.Read(ctx, e.Handle, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

// Convergence: after arbitrary remote churn, syncing to fixpoint leaves the
// local remote-ID mapping identical to a fresh full listing.
func TestSyncConvergesToGetAll(t *testing.T) {
	ctx := context.Background()
	fsys, m := newTestFS(t, func(m *drive.MemDrive) {
		m.Seed("a.txt", "text/plain", drive.MemRootID, []byte("a"))
		m.Seed("dir", drive.MimeFolder, drive.MemRootID, nil)
	}, nil)

	// Remote churn: creates, renames, moves, deletes.
	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, m.Seed(fmt.Sprintf("file%d.txt", i), "text/plain", drive.MemRootID, []byte{byte(i)}))
	}
	m.RenameRemote(ids[0], "renamed0.txt")
	m.RemoveRemote(ids[1])
	m.RemoveRemote(ids[2])
	dir, _ := fsys.Lookup(RootHandle, "dir")
	require.NoError(t, m.PatchMetadata(ctx, ids[3], drive.MetadataPatch{
		AddParents:    []string{dir.RemoteID},
		RemoveParents: []string{drive.MemRootID},
	}))

	// Run to fixpoint.
	for {
		applied, err := fsys.SyncOnce(ctx)
		require.NoError(t, err)
		if applied == 0 {
			break
		}
	}

	remote, err := m.GetAll(ctx, false)
	require.NoError(t, err)
	for _, want := range remote {
		got, ok := fsys.Tree().ByRemoteID(want.ID)
		require.True(t, ok, "missing %s (%s)", want.ID, want.Name)
		assert.Equal(t, sanitizeName(want.Name), got.Name)
	}
	// Nothing extra: every local non-synthetic entity exists remotely.
	count := 0
	for _, e := range remoteEntities(fsys.Tree()) {
		if _, ok := m.Lookup(e.RemoteID); !ok {
			t.Errorf("local entity %q (%s) has no remote counterpart", e.Name, e.RemoteID)
		}
		count++
	}
	assert.Equal(t, len(remote), count)
	require.NoError(t, fsys.Tree().CheckInvariants())
}

func remoteEntities(t *Tree) []*Entity {
	var out []*Entity
	for _, e := range t.entities {
		if e.RemoteID != "" && e.Handle != RootHandle {
			out = append(out, e)
		}
	}
	return out
}

func TestSyncerRunsOnInterval(t *testing.T) {
	ctx := context.Background()
	fsys, m := newTestFS(t, nil, nil)

	syncer := NewSyncer(fsys, 10*time.Millisecond, nil, nil)
	syncer.Start(ctx)
	defer syncer.Stop()

	m.Seed("ticked.txt", "text/plain", drive.MemRootID, []byte("x"))

	require.Eventually(t, func() bool {
		_, err := fsys.Lookup(RootHandle, "ticked.txt")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSyncChangesFailureKeepsToken(t *testing.T) {
	ctx := context.Background()
	fsys, m := newTestFS(t, nil, nil)

	m.Seed("f.txt", "text/plain", drive.MemRootID, nil)
	m.FailNext("Changes", fserr.E(fserr.KindTransport, "injected"))

	_, err := fsys.SyncOnce(ctx)
	require.Error(t, err)

	// The failed poll consumed nothing: the next one sees the change.
	applied, err := fsys.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

// Concurrent writers: several goroutines each create and write their own
// file through the shared dispatcher; after a bounded sync everything is
// visible with the right contents.
func TestConcurrentIndependentWriters(t *testing.T) {
	ctx := context.Background()
	fsys, m := newTestFS(t, nil, nil)

	const writers = 10
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			name := fmt.Sprintf("file%d", i)
			f, err := fsys.Create(ctx, RootHandle, name, 0o644)
			if err != nil {
				errs <- err
				return
			}
			if _, err := fsys.Write(ctx, f.Handle, 0, []byte(name)); err != nil {
				errs <- err
				return
			}
			errs <- fsys.Release(ctx, f.Handle)
		}(i)
	}
	for i := 0; i < writers; i++ {
		require.NoError(t, <-errs)
	}

	// Drain the change log (our own echoes) and verify every file.
	for {
		applied, err := fsys.SyncOnce(ctx)
		require.NoError(t, err)
		if applied == 0 {
			break
		}
	}
	for i := 0; i < writers; i++ {
		name := fmt.Sprintf("file%d", i)
		e, err := fsys.Lookup(RootHandle, name)
		require.NoError(t, err)
		data, err := fsys.Read(ctx, e.Handle, 0, 100)
		require.NoError(t, err)
		assert.Equal(t, name, string(data), name)

		body, ok := m.Body(e.RemoteID)
		require.True(t, ok)
		assert.Equal(t, name, string(body))
	}
	require.NoError(t, fsys.Tree().CheckInvariants())
}
