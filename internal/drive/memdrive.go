package drive

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/harababurel/gcsf/pkg/fserr"
)

// MemDrive is an in-memory Adapter. It keeps a change log so that the
// delta synchroniser can be exercised exactly as against the real store.
type MemDrive struct {
	mu       sync.Mutex
	entities map[string]*Entity
	bodies   map[string][]byte
	log      []Change
	nextID   int
	clock    time.Time

	// failures maps an operation name to the error its next invocation
	// returns. Consumed on use.
	failures map[string]error
}

// MemRootID is the remote ID MemDrive uses for the root folder.
const MemRootID = "root"

// NewMemDrive returns an empty in-memory store containing only the root
// folder.
func NewMemDrive() *MemDrive {
	m := &MemDrive{
		entities: make(map[string]*Entity),
		bodies:   make(map[string][]byte),
		failures: make(map[string]error),
		clock:    time.Unix(1500000000, 0).UTC(),
	}
	m.entities[MemRootID] = &Entity{
		ID:       MemRootID,
		Name:     "My Drive",
		MimeType: MimeFolder,
		Created:  m.clock,
		Modified: m.clock,
	}
	return m
}

// FailNext makes the next invocation of op return err. Op names match the
// Adapter method names ("Download", "Upload", ...). Trash goes through
// PatchMetadata, so it fails on a "PatchMetadata" entry, not on "Trash".
func (m *MemDrive) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

func (m *MemDrive) takeFailure(op string) error {
	if err, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return err
	}
	return nil
}

// tick advances the fake clock so that successive mutations get distinct
// creation times.
func (m *MemDrive) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *MemDrive) allocID() string {
	m.nextID++
	return fmt.Sprintf("mem-%04d", m.nextID)
}

func copyEntity(e *Entity) *Entity {
	dup := *e
	dup.Parents = append([]string(nil), e.Parents...)
	return &dup
}

func (m *MemDrive) record(id string, removed bool) {
	ch := Change{ID: id, Removed: removed}
	if !removed {
		ch.Entity = copyEntity(m.entities[id])
	}
	m.log = append(m.log, ch)
}

// Seed installs an entity directly, as if it had always existed remotely.
// Returns the allocated remote ID. Test helper.
func (m *MemDrive) Seed(name, mime, parentID string, body []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.allocID()
	now := m.tick()
	m.entities[id] = &Entity{
		ID:       id,
		Name:     name,
		MimeType: mime,
		Size:     int64(len(body)),
		Parents:  []string{parentID},
		Created:  now,
		Modified: now,
	}
	m.bodies[id] = append([]byte(nil), body...)
	m.record(id, false)
	return id
}

// SeedWithParents installs an entity with multiple parents. Test helper.
func (m *MemDrive) SeedWithParents(name, mime string, parents []string, body []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.allocID()
	now := m.tick()
	m.entities[id] = &Entity{
		ID:       id,
		Name:     name,
		MimeType: mime,
		Size:     int64(len(body)),
		Parents:  append([]string(nil), parents...),
		Created:  now,
		Modified: now,
	}
	m.bodies[id] = append([]byte(nil), body...)
	m.record(id, false)
	return id
}

// RemoveRemote deletes an entity server-side, recording the removal in the
// change log. Test helper.
func (m *MemDrive) RemoveRemote(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[id]; !ok {
		return
	}
	delete(m.entities, id)
	delete(m.bodies, id)
	m.record(id, true)
}

// RenameRemote renames an entity server-side. Test helper.
func (m *MemDrive) RenameRemote(id, newName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return
	}
	e.Name = newName
	e.Modified = m.tick()
	m.record(id, false)
}

// Body returns a copy of the stored body. Test helper.
func (m *MemDrive) Body(id string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bodies[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

// Lookup returns a copy of the stored entity. Test helper.
func (m *MemDrive) Lookup(id string) (*Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, false
	}
	return copyEntity(e), true
}

func (m *MemDrive) RootID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("RootID"); err != nil {
		return "", err
	}
	return MemRootID, nil
}

func (m *MemDrive) GetAll(ctx context.Context, trashed bool) ([]*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("GetAll"); err != nil {
		return nil, err
	}
	var out []*Entity
	for id, e := range m.entities {
		if id == MemRootID {
			continue
		}
		if e.Trashed == trashed {
			out = append(out, copyEntity(e))
		}
	}
	return out, nil
}

func (m *MemDrive) StartToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("StartToken"); err != nil {
		return "", err
	}
	return strconv.Itoa(len(m.log)), nil
}

func (m *MemDrive) Changes(ctx context.Context, since string) ([]Change, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("Changes"); err != nil {
		return nil, since, err
	}
	idx, err := strconv.Atoi(since)
	if err != nil || idx < 0 || idx > len(m.log) {
		return nil, since, fserr.E(fserr.KindIO, "invalid change token").WithOp("MemDrive.Changes")
	}
	out := make([]Change, len(m.log)-idx)
	copy(out, m.log[idx:])
	return out, strconv.Itoa(len(m.log)), nil
}

func (m *MemDrive) Download(ctx context.Context, id, exportMime string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("Download"); err != nil {
		return nil, err
	}
	body, ok := m.bodies[id]
	if !ok {
		if _, exists := m.entities[id]; !exists {
			return nil, fserr.E(fserr.KindNotFound, "no such remote entity").WithOp("MemDrive.Download")
		}
		body = nil
	}
	if exportMime != "" {
		// Exported renderings are synthesized deterministically so that
		// tests can assert on them.
		return []byte(fmt.Sprintf("export(%s,%s)", id, exportMime)), nil
	}
	return append([]byte(nil), body...), nil
}

func (m *MemDrive) Upload(ctx context.Context, parentID, name, mime string, body []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("Upload"); err != nil {
		return "", err
	}
	if _, ok := m.entities[parentID]; !ok {
		return "", fserr.E(fserr.KindNotFound, "no such parent").WithOp("MemDrive.Upload")
	}
	id := m.allocID()
	now := m.tick()
	m.entities[id] = &Entity{
		ID:       id,
		Name:     name,
		MimeType: mime,
		Size:     int64(len(body)),
		Parents:  []string{parentID},
		Created:  now,
		Modified: now,
	}
	m.bodies[id] = append([]byte(nil), body...)
	m.record(id, false)
	return id, nil
}

func (m *MemDrive) Update(ctx context.Context, id string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("Update"); err != nil {
		return err
	}
	e, ok := m.entities[id]
	if !ok {
		return fserr.E(fserr.KindNotFound, "no such remote entity").WithOp("MemDrive.Update")
	}
	m.bodies[id] = append([]byte(nil), body...)
	e.Size = int64(len(body))
	e.Modified = m.tick()
	m.record(id, false)
	return nil
}

func (m *MemDrive) PatchMetadata(ctx context.Context, id string, patch MetadataPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("PatchMetadata"); err != nil {
		return err
	}
	e, ok := m.entities[id]
	if !ok {
		return fserr.E(fserr.KindNotFound, "no such remote entity").WithOp("MemDrive.PatchMetadata")
	}
	if patch.Name != nil {
		e.Name = *patch.Name
	}
	if patch.Trashed != nil {
		e.Trashed = *patch.Trashed
	}
	for _, rm := range patch.RemoveParents {
		for i, p := range e.Parents {
			if p == rm {
				e.Parents = append(e.Parents[:i], e.Parents[i+1:]...)
				break
			}
		}
	}
	e.Parents = append(e.Parents, patch.AddParents...)
	e.Modified = m.tick()
	m.record(id, false)
	return nil
}

func (m *MemDrive) Trash(ctx context.Context, id string) error {
	trashed := true
	return m.PatchMetadata(ctx, id, MetadataPatch{Trashed: &trashed})
}

func (m *MemDrive) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("Delete"); err != nil {
		return err
	}
	if _, ok := m.entities[id]; !ok {
		return fserr.E(fserr.KindNotFound, "no such remote entity").WithOp("MemDrive.Delete")
	}
	delete(m.entities, id)
	delete(m.bodies, id)
	m.record(id, true)
	return nil
}

func (m *MemDrive) StatFS(ctx context.Context) (uint64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("StatFS"); err != nil {
		return 0, 0, err
	}
	var used uint64
	for _, b := range m.bodies {
		used += uint64(len(b))
	}
	return 15 << 30, used, nil
}

var _ Adapter = (*MemDrive)(nil)
