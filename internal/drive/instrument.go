package drive

import (
	"context"
	"time"

	"github.com/harababurel/gcsf/internal/metrics"
)

// instrumented decorates an Adapter with call counters and latency
// histograms.
type instrumented struct {
	inner     Adapter
	collector *metrics.Collector
}

// NewInstrumented wraps an adapter with metrics collection. A nil
// collector returns the adapter unchanged.
func NewInstrumented(inner Adapter, collector *metrics.Collector) Adapter {
	if collector == nil {
		return inner
	}
	return &instrumented{inner: inner, collector: collector}
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	i.collector.RecordAdapterCall(op, time.Since(start), err)
}

func (i *instrumented) RootID(ctx context.Context) (string, error) {
	start := time.Now()
	id, err := i.inner.RootID(ctx)
	i.observe("RootID", start, err)
	return id, err
}

func (i *instrumented) GetAll(ctx context.Context, trashed bool) ([]*Entity, error) {
	start := time.Now()
	out, err := i.inner.GetAll(ctx, trashed)
	i.observe("GetAll", start, err)
	return out, err
}

func (i *instrumented) StartToken(ctx context.Context) (string, error) {
	start := time.Now()
	token, err := i.inner.StartToken(ctx)
	i.observe("StartToken", start, err)
	return token, err
}

func (i *instrumented) Changes(ctx context.Context, since string) ([]Change, string, error) {
	start := time.Now()
	changes, next, err := i.inner.Changes(ctx, since)
	i.observe("Changes", start, err)
	return changes, next, err
}

func (i *instrumented) Download(ctx context.Context, id, exportMime string) ([]byte, error) {
	start := time.Now()
	body, err := i.inner.Download(ctx, id, exportMime)
	i.observe("Download", start, err)
	return body, err
}

func (i *instrumented) Upload(ctx context.Context, parentID, name, mime string, body []byte) (string, error) {
	start := time.Now()
	id, err := i.inner.Upload(ctx, parentID, name, mime, body)
	i.observe("Upload", start, err)
	return id, err
}

func (i *instrumented) Update(ctx context.Context, id string, body []byte) error {
	start := time.Now()
	err := i.inner.Update(ctx, id, body)
	i.observe("Update", start, err)
	return err
}

func (i *instrumented) PatchMetadata(ctx context.Context, id string, patch MetadataPatch) error {
	start := time.Now()
	err := i.inner.PatchMetadata(ctx, id, patch)
	i.observe("PatchMetadata", start, err)
	return err
}

func (i *instrumented) Trash(ctx context.Context, id string) error {
	start := time.Now()
	err := i.inner.Trash(ctx, id)
	i.observe("Trash", start, err)
	return err
}

func (i *instrumented) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := i.inner.Delete(ctx, id)
	i.observe("Delete", start, err)
	return err
}

func (i *instrumented) StatFS(ctx context.Context) (uint64, uint64, error) {
	start := time.Now()
	total, used, err := i.inner.StatFS(ctx)
	i.observe("StatFS", start, err)
	return total, used, err
}

var _ Adapter = (*instrumented)(nil)
