package drive

import (
	"context"
	"time"
)

// MIME types with special meaning on Drive.
const (
	MimeFolder       = "application/vnd.google-apps.folder"
	MimeDocument     = "application/vnd.google-apps.document"
	MimeSpreadsheet  = "application/vnd.google-apps.spreadsheet"
	MimePresentation = "application/vnd.google-apps.presentation"
	MimeDrawing      = "application/vnd.google-apps.drawing"
	MimeSite         = "application/vnd.google-apps.site"
	MimeOctetStream  = "application/octet-stream"
)

// Entity is the remote store's view of one object.
type Entity struct {
	ID       string
	Name     string
	MimeType string
	Size     int64
	Parents  []string
	Trashed  bool
	Created  time.Time
	Modified time.Time
	Viewed   time.Time
}

// IsFolder reports whether the entity is a Drive folder.
func (e *Entity) IsFolder() bool {
	return e.MimeType == MimeFolder
}

// Change is one entry of the remote change log, in server order.
type Change struct {
	ID      string
	Removed bool
	// Entity carries the post-change state; nil when Removed.
	Entity *Entity
}

// MetadataPatch describes a partial metadata update. Nil/empty fields are
// left untouched.
type MetadataPatch struct {
	Name          *string
	AddParents    []string
	RemoveParents []string
	Trashed       *bool
}

// Adapter is the remote API surface the core depends on. Every call is
// synchronous and may fail with a fserr error of kind Transport, Auth,
// QuotaExceeded, NotFound, PermissionDenied or IO. Implementations retry
// transient failures internally, bounded.
type Adapter interface {
	// RootID returns the remote ID of the account's root folder.
	RootID(ctx context.Context) (string, error)

	// GetAll lists every entity, trashed or not depending on the flag.
	// Used once for initial population.
	GetAll(ctx context.Context, trashed bool) ([]*Entity, error)

	// StartToken obtains the cursor from which Changes begins.
	StartToken(ctx context.Context) (string, error)

	// Changes returns the change log entries after the given token,
	// in server order, plus the token for the next poll.
	Changes(ctx context.Context, since string) ([]Change, string, error)

	// Download fetches the full body. A non-empty exportMime requests an
	// exported rendering, as required for Drive-native documents.
	Download(ctx context.Context, id, exportMime string) ([]byte, error)

	// Upload creates an entity under parentID and returns its remote ID.
	Upload(ctx context.Context, parentID, name, mime string, body []byte) (string, error)

	// Update replaces the body of an existing entity.
	Update(ctx context.Context, id string, body []byte) error

	// PatchMetadata renames, moves or trashes an entity.
	PatchMetadata(ctx context.Context, id string, patch MetadataPatch) error

	// Trash moves an entity to the Drive trash.
	Trash(ctx context.Context, id string) error

	// Delete removes an entity permanently, bypassing the trash.
	Delete(ctx context.Context, id string) error

	// StatFS reports total and used bytes of the account.
	StatFS(ctx context.Context) (total, used uint64, err error)
}
