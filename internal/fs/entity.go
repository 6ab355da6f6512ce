package fs

import (
	"fmt"
	"strings"
	"time"

	"github.com/harababurel/gcsf/internal/drive"
)

// Kind distinguishes the three shapes an entity can take.
type Kind int

const (
	// Directory is a Drive folder.
	Directory Kind = iota
	// RegularFile has a binary body of its own.
	RegularFile
	// SpecialDocument is a Drive-native document with no binary body;
	// reads serve an exported rendering.
	SpecialDocument
)

// Reserved handles. Regular entities are allocated above the reserved
// range.
const (
	// RootHandle is the mount root.
	RootHandle uint64 = 1
	// TrashHandle is the synthetic container mirroring the Drive trash.
	TrashHandle uint64 = 2
	// SharedHandle is the synthetic "Shared with me" container.
	SharedHandle uint64 = 3

	// firstDynamicHandle is where the allocator starts.
	firstDynamicHandle uint64 = 16
)

// exportFormat describes how a Drive-native MIME type is rendered as a
// readable file.
type exportFormat struct {
	mime string
	ext  string
}

// exportFormats maps Drive-native document types to their exported
// rendering and the extension appended to displayed names when
// add_extensions_to_special_files is set.
var exportFormats = map[string]exportFormat{
	drive.MimeDocument:     {mime: "application/vnd.oasis.opendocument.text", ext: "#.odt"},
	drive.MimeSpreadsheet:  {mime: "application/vnd.oasis.opendocument.spreadsheet", ext: "#.ods"},
	drive.MimePresentation: {mime: "application/vnd.oasis.opendocument.presentation", ext: "#.odp"},
	drive.MimeDrawing:      {mime: "image/png", ext: "#.png"},
	drive.MimeSite:         {mime: "text/plain", ext: "#.txt"},
}

// Entity is one node of the filesystem: a directory, a regular file or a
// special document.
type Entity struct {
	Handle   uint64
	RemoteID string
	Kind     Kind

	// Name is the POSIX base name. The visible name in a given parent may
	// additionally carry a duplicate suffix; edges store the visible name.
	Name string

	Size  int64
	Mode  uint32
	UID   uint32
	GID   uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	// Crtime is the creation time, used to order duplicate siblings.
	Crtime time.Time

	// Parents holds the handles of every directory containing this entity.
	Parents map[uint64]struct{}

	Trashed bool

	// ExportMime is set for special documents: the MIME type their body
	// is exported as.
	ExportMime string

	// openCount tracks open file descriptors; zombie marks an entity the
	// server already destroyed but which is still held open.
	openCount int
	zombie    bool
}

// posixForbidden are the characters filtered from remote names.
const posixForbidden = "*/:<>?\\|"

// sanitizeName drops characters a POSIX name cannot contain.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(posixForbidden, r) {
			return -1
		}
		return r
	}, name)
}

// newEntityFromRemote converts the remote store's view of an object into a
// local entity. addExtensions controls whether special documents carry an
// export-format extension in their displayed name.
func newEntityFromRemote(handle uint64, remote *drive.Entity, addExtensions bool) *Entity {
	e := &Entity{
		Handle:   handle,
		RemoteID: remote.ID,
		Name:     sanitizeName(remote.Name),
		Size:     remote.Size,
		Mode:     0o644,
		Atime:    remote.Viewed,
		Mtime:    remote.Modified,
		Ctime:    remote.Modified,
		Crtime:   remote.Created,
		Parents:  make(map[uint64]struct{}),
		Trashed:  remote.Trashed,
	}

	switch {
	case remote.IsFolder():
		e.Kind = Directory
		e.Mode = 0o755
		e.Size = dirSize
	default:
		if format, ok := exportFormats[remote.MimeType]; ok {
			e.Kind = SpecialDocument
			e.ExportMime = format.mime
			// The remote store reports no stable byte size before export.
			e.Size = 0
			if addExtensions {
				e.Name += format.ext
			}
		} else {
			e.Kind = RegularFile
		}
	}
	return e
}

// dirSize is the nominal size reported for directories.
const dirSize = 512

// newSyntheticDir builds a container that does not exist remotely (the
// trash and shared-with-me folders).
func newSyntheticDir(handle uint64, name string) *Entity {
	return &Entity{
		Handle:  handle,
		Kind:    Directory,
		Name:    name,
		Size:    dirSize,
		Mode:    0o755,
		Parents: make(map[uint64]struct{}),
	}
}

// IsDir reports whether the entity is a directory.
func (e *Entity) IsDir() bool {
	return e.Kind == Directory
}

// Synthetic reports whether the entity exists only locally.
func (e *Entity) Synthetic() bool {
	return e.RemoteID == ""
}

// Zombie reports whether the server destroyed the entity while it was held
// open locally.
func (e *Entity) Zombie() bool {
	return e.zombie
}

// applyRemote refreshes metadata from a change-log entry, leaving local
// identity (handle, parents, open state) untouched. keepSize is set while
// unflushed local writes exist, in which case the local size wins.
func (e *Entity) applyRemote(remote *drive.Entity, addExtensions, keepSize bool) {
	name := sanitizeName(remote.Name)
	if format, ok := exportFormats[remote.MimeType]; ok && addExtensions {
		name += format.ext
	}
	e.Name = name
	e.Trashed = remote.Trashed
	e.Mtime = remote.Modified
	e.Ctime = remote.Modified
	if !keepSize && e.Kind == RegularFile {
		e.Size = remote.Size
	}
}

// suffixedName inserts a duplicate index before the final extension:
// photo.jpg -> photo.1.jpg, report -> report.1. Only the last extension
// counts, and a leading dot does not start one.
func suffixedName(name string, index int) string {
	if index == 0 {
		return name
	}
	dot := strings.LastIndex(name, ".")
	if dot <= 0 {
		return fmt.Sprintf("%s.%d", name, index)
	}
	return fmt.Sprintf("%s.%d%s", name[:dot], index, name[dot:])
}
