package fs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/harababurel/gcsf/internal/drive"
	"github.com/harababurel/gcsf/internal/metrics"
)

// SyncOnce pulls the remote change log and applies it to the tree under
// the exclusive lock. It returns the number of changes applied.
func (fs *Filesystem) SyncOnce(ctx context.Context) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	changes, next, err := fs.adapter.Changes(ctx, fs.token)
	if err != nil {
		return 0, err
	}
	for _, ch := range changes {
		fs.applyChangeLocked(ch)
	}
	fs.token = next
	if len(changes) > 0 {
		fs.log.Debugf("applied %d remote changes", len(changes))
	}
	return len(changes), nil
}

// applyChangeLocked reconciles one change-log entry, in server order.
func (fs *Filesystem) applyChangeLocked(ch drive.Change) {
	if ch.Removed {
		e, ok := fs.tree.ByRemoteID(ch.ID)
		if !ok {
			return
		}
		fs.retireLocked(e)
		return
	}
	if ch.Entity == nil {
		return
	}
	remote := ch.Entity

	if e, ok := fs.tree.ByRemoteID(remote.ID); ok {
		fs.updateFromRemoteLocked(e, remote)
		return
	}

	// New remote object: allocate a handle and insert.
	e := newEntityFromRemote(fs.tree.Alloc(), remote, fs.addExtensions)
	e.UID, e.GID = fs.uid, fs.gid
	fs.tree.Register(e)
	fs.attachByRemoteParentsLocked(e, remote)
}

// updateFromRemoteLocked refreshes an entity from its post-change state.
// Unflushed local writes win over the remote body and size until the next
// flush reconciles them.
func (fs *Filesystem) updateFromRemoteLocked(e *Entity, remote *drive.Entity) {
	dirty := fs.bodies.Dirty(e.RemoteID)
	e.applyRemote(remote, fs.addExtensions, dirty)
	if !dirty {
		// The remote body may have changed; drop the stale copy.
		fs.bodies.Evict(e.RemoteID)
	}

	// Re-effect name and parent placement by rebuilding the edges.
	fs.tree.DetachAll(e)
	fs.attachByRemoteParentsLocked(e, remote)
}

// attachByRemoteParentsLocked links an entity under every resolvable
// remote parent; trashed entities go under the trash container, orphans
// under shared-with-me.
func (fs *Filesystem) attachByRemoteParentsLocked(e *Entity, remote *drive.Entity) {
	if remote.Trashed {
		if _, err := fs.tree.Attach(e, TrashHandle); err != nil {
			fs.log.Errorf("attaching %q to trash: %v", e.Name, err)
		}
		return
	}
	attached := false
	for _, parentID := range remote.Parents {
		parent, ok := fs.tree.ByRemoteID(parentID)
		if !ok {
			continue
		}
		if _, err := fs.tree.Attach(e, parent.Handle); err != nil {
			fs.log.Errorf("attaching %q under %q: %v", e.Name, parent.Name, err)
			continue
		}
		attached = true
	}
	if !attached {
		if _, err := fs.tree.Attach(e, SharedHandle); err != nil {
			fs.log.Errorf("attaching %q to shared: %v", e.Name, err)
		}
	}
}

// Syncer drives SyncOnce on a fixed interval from its own goroutine.
type Syncer struct {
	fs        *Filesystem
	interval  time.Duration
	collector *metrics.Collector
	log       *zap.SugaredLogger

	stop chan struct{}
	done chan struct{}

	lastHits, lastMisses, lastEvictions uint64
}

// NewSyncer builds a synchroniser for fs.
func NewSyncer(fs *Filesystem, interval time.Duration, collector *metrics.Collector, log *zap.SugaredLogger) *Syncer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Syncer{
		fs:        fs,
		interval:  interval,
		collector: collector,
		log:       log.Named("sync"),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the timer goroutine.
func (s *Syncer) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				applied, err := s.fs.SyncOnce(ctx)
				if err != nil {
					s.log.Errorf("sync failed: %v", err)
					continue
				}
				s.collector.RecordSyncCycle(applied)
				s.publishCacheStats()
			}
		}
	}()
}

// publishCacheStats forwards content-cache counter deltas to Prometheus.
func (s *Syncer) publishCacheStats() {
	hits, misses, evictions := s.fs.CacheStats()
	s.collector.RecordCacheEvent("hit", hits-s.lastHits)
	s.collector.RecordCacheEvent("miss", misses-s.lastMisses)
	s.collector.RecordCacheEvent("eviction", evictions-s.lastEvictions)
	s.lastHits, s.lastMisses, s.lastEvictions = hits, misses, evictions
}

// Stop halts the timer goroutine and waits for it to exit.
func (s *Syncer) Stop() {
	close(s.stop)
	<-s.done
}
