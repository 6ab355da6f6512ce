package fuse

import (
	"context"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/harababurel/gcsf/internal/fs"
	"github.com/harababurel/gcsf/internal/metrics"
	"github.com/harababurel/gcsf/pkg/fserr"
)

// attrTTL is how long the kernel may cache entries and attributes. Kept
// short: the delta synchroniser can change the tree underneath the kernel.
const attrTTL = time.Second

// renameNoReplace is the RENAME_NOREPLACE rename flag.
const renameNoReplace = 0x1

// Bridge implements the raw kernel callback surface by delegating to the
// dispatcher. Everything not implemented here inherits ENOSYS from the
// embedded default.
type Bridge struct {
	gofuse.RawFileSystem

	fs        *fs.Filesystem
	collector *metrics.Collector
	log       *zap.SugaredLogger
}

// NewBridge wraps a dispatcher for registration with the kernel.
func NewBridge(fsys *fs.Filesystem, collector *metrics.Collector, log *zap.SugaredLogger) *Bridge {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Bridge{
		RawFileSystem: gofuse.NewDefaultRawFileSystem(),
		fs:            fsys,
		collector:     collector,
		log:           log.Named("fuse"),
	}
}

func (b *Bridge) String() string {
	return "gcsf"
}

// status converts a dispatcher error into a kernel status, counting the
// operation on the way out.
func (b *Bridge) status(op string, err error) gofuse.Status {
	b.collector.RecordFuseOp(op, err == nil)
	if err == nil {
		return gofuse.OK
	}
	if !fserr.IsKind(err, fserr.KindNotFound) {
		b.log.Debugf("%s: %v", op, err)
	}
	return gofuse.Status(fserr.Errno(err))
}

func fillAttr(e *fs.Entity, attr *gofuse.Attr) {
	attr.Ino = e.Handle
	attr.Size = uint64(e.Size)
	attr.Blocks = (uint64(e.Size) + 511) / 512
	attr.Blksize = 512
	atime, mtime, ctime := e.Atime, e.Mtime, e.Ctime
	attr.SetTimes(&atime, &mtime, &ctime)
	attr.Owner = gofuse.Owner{Uid: e.UID, Gid: e.GID}
	if e.IsDir() {
		attr.Mode = gofuse.S_IFDIR | e.Mode
		attr.Nlink = 2
	} else {
		attr.Mode = gofuse.S_IFREG | e.Mode
		attr.Nlink = 1
	}
}

func fillEntryOut(e *fs.Entity, out *gofuse.EntryOut) {
	out.NodeId = e.Handle
	fillAttr(e, &out.Attr)
	out.SetEntryTimeout(attrTTL)
	out.SetAttrTimeout(attrTTL)
}

func entryMode(e *fs.Entity) uint32 {
	if e.IsDir() {
		return gofuse.S_IFDIR
	}
	return gofuse.S_IFREG
}

func (b *Bridge) Lookup(cancel <-chan struct{}, header *gofuse.InHeader, name string, out *gofuse.EntryOut) gofuse.Status {
	e, err := b.fs.Lookup(header.NodeId, name)
	if err != nil {
		return b.status("lookup", err)
	}
	fillEntryOut(e, out)
	return b.status("lookup", nil)
}

func (b *Bridge) Forget(nodeid, nlookup uint64) {
	// Handles are stable for the lifetime of the mount.
}

func (b *Bridge) GetAttr(cancel <-chan struct{}, input *gofuse.GetAttrIn, out *gofuse.AttrOut) gofuse.Status {
	e, err := b.fs.GetAttr(input.NodeId)
	if err != nil {
		return b.status("getattr", err)
	}
	fillAttr(e, &out.Attr)
	out.SetTimeout(attrTTL)
	return b.status("getattr", nil)
}

func (b *Bridge) SetAttr(cancel <-chan struct{}, input *gofuse.SetAttrIn, out *gofuse.AttrOut) gofuse.Status {
	var req fs.SetAttrRequest
	if mode, ok := input.GetMode(); ok {
		req.Mode = &mode
	}
	if uid, ok := input.GetUID(); ok {
		req.UID = &uid
	}
	if gid, ok := input.GetGID(); ok {
		req.GID = &gid
	}
	if size, ok := input.GetSize(); ok {
		s := int64(size)
		req.Size = &s
	}
	if atime, ok := input.GetATime(); ok {
		req.Atime = &atime
	}
	if mtime, ok := input.GetMTime(); ok {
		req.Mtime = &mtime
	}

	e, err := b.fs.SetAttr(context.Background(), input.NodeId, req)
	if err != nil {
		return b.status("setattr", err)
	}
	fillAttr(e, &out.Attr)
	out.SetTimeout(attrTTL)
	return b.status("setattr", nil)
}

func (b *Bridge) Mkdir(cancel <-chan struct{}, input *gofuse.MkdirIn, name string, out *gofuse.EntryOut) gofuse.Status {
	e, err := b.fs.Mkdir(context.Background(), input.NodeId, name, input.Mode&0o777)
	if err != nil {
		return b.status("mkdir", err)
	}
	fillEntryOut(e, out)
	return b.status("mkdir", nil)
}

func (b *Bridge) Unlink(cancel <-chan struct{}, header *gofuse.InHeader, name string) gofuse.Status {
	return b.status("unlink", b.fs.Unlink(context.Background(), header.NodeId, name))
}

func (b *Bridge) Rmdir(cancel <-chan struct{}, header *gofuse.InHeader, name string) gofuse.Status {
	return b.status("rmdir", b.fs.Rmdir(context.Background(), header.NodeId, name))
}

func (b *Bridge) Rename(cancel <-chan struct{}, input *gofuse.RenameIn, oldName string, newName string) gofuse.Status {
	noReplace := input.Flags&renameNoReplace != 0
	err := b.fs.Rename(context.Background(), input.NodeId, oldName, input.Newdir, newName, noReplace)
	return b.status("rename", err)
}

func (b *Bridge) Create(cancel <-chan struct{}, input *gofuse.CreateIn, name string, out *gofuse.CreateOut) gofuse.Status {
	e, err := b.fs.Create(context.Background(), input.NodeId, name, input.Mode&0o777)
	if err != nil {
		return b.status("create", err)
	}
	fillEntryOut(e, &out.EntryOut)
	out.Fh = e.Handle
	return b.status("create", nil)
}

func (b *Bridge) Open(cancel <-chan struct{}, input *gofuse.OpenIn, out *gofuse.OpenOut) gofuse.Status {
	write := input.Flags&uint32(syscall.O_WRONLY|syscall.O_RDWR) != 0
	truncate := input.Flags&uint32(syscall.O_TRUNC) != 0
	if err := b.fs.Open(input.NodeId, write, truncate); err != nil {
		return b.status("open", err)
	}
	out.Fh = input.NodeId
	return b.status("open", nil)
}

func (b *Bridge) Read(cancel <-chan struct{}, input *gofuse.ReadIn, buf []byte) (gofuse.ReadResult, gofuse.Status) {
	data, err := b.fs.Read(context.Background(), input.NodeId, int64(input.Offset), int(input.Size))
	if err != nil {
		return nil, b.status("read", err)
	}
	return gofuse.ReadResultData(data), b.status("read", nil)
}

func (b *Bridge) Write(cancel <-chan struct{}, input *gofuse.WriteIn, data []byte) (uint32, gofuse.Status) {
	n, err := b.fs.Write(context.Background(), input.NodeId, int64(input.Offset), data)
	if err != nil {
		return 0, b.status("write", err)
	}
	return uint32(n), b.status("write", nil)
}

func (b *Bridge) Flush(cancel <-chan struct{}, input *gofuse.FlushIn) gofuse.Status {
	return b.status("flush", b.fs.Flush(context.Background(), input.NodeId))
}

func (b *Bridge) Fsync(cancel <-chan struct{}, input *gofuse.FsyncIn) gofuse.Status {
	return b.status("fsync", b.fs.Flush(context.Background(), input.NodeId))
}

func (b *Bridge) Release(cancel <-chan struct{}, input *gofuse.ReleaseIn) {
	if err := b.fs.Release(context.Background(), input.NodeId); err != nil {
		b.log.Errorf("release: deferred flush failed: %v", err)
	}
	b.collector.RecordFuseOp("release", true)
}

func (b *Bridge) OpenDir(cancel <-chan struct{}, input *gofuse.OpenIn, out *gofuse.OpenOut) gofuse.Status {
	if _, err := b.fs.GetAttr(input.NodeId); err != nil {
		return b.status("opendir", err)
	}
	out.Fh = input.NodeId
	return b.status("opendir", nil)
}

func (b *Bridge) ReadDir(cancel <-chan struct{}, input *gofuse.ReadIn, out *gofuse.DirEntryList) gofuse.Status {
	entries, err := b.fs.ReadDir(input.NodeId)
	if err != nil {
		return b.status("readdir", err)
	}
	if input.Offset > uint64(len(entries)) {
		return b.status("readdir", nil)
	}
	for _, entry := range entries[input.Offset:] {
		ok := out.AddDirEntry(gofuse.DirEntry{
			Name: entry.Name,
			Mode: entryMode(entry.Entity),
			Ino:  entry.Entity.Handle,
		})
		if !ok {
			break
		}
	}
	return b.status("readdir", nil)
}

func (b *Bridge) ReadDirPlus(cancel <-chan struct{}, input *gofuse.ReadIn, out *gofuse.DirEntryList) gofuse.Status {
	entries, err := b.fs.ReadDir(input.NodeId)
	if err != nil {
		return b.status("readdirplus", err)
	}
	if input.Offset > uint64(len(entries)) {
		return b.status("readdirplus", nil)
	}
	for _, entry := range entries[input.Offset:] {
		entryOut := out.AddDirLookupEntry(gofuse.DirEntry{
			Name: entry.Name,
			Mode: entryMode(entry.Entity),
			Ino:  entry.Entity.Handle,
		})
		if entryOut == nil {
			break
		}
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		fillEntryOut(entry.Entity, entryOut)
	}
	return b.status("readdirplus", nil)
}

func (b *Bridge) ReleaseDir(input *gofuse.ReleaseIn) {
	b.collector.RecordFuseOp("releasedir", true)
}

func (b *Bridge) StatFs(cancel <-chan struct{}, input *gofuse.InHeader, out *gofuse.StatfsOut) gofuse.Status {
	info, err := b.fs.StatFS(context.Background())
	if err != nil {
		return b.status("statfs", err)
	}
	out.Blocks = info.TotalBytes
	out.Bfree = info.TotalBytes - info.UsedBytes
	out.Bavail = out.Bfree
	out.Files = ^uint64(0)
	out.Ffree = ^uint64(0) - info.Entities
	out.Bsize = 1
	out.Frsize = 1
	out.NameLen = 1024
	return b.status("statfs", nil)
}
