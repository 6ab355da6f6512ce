package drive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/harababurel/gcsf/pkg/fserr"
	"github.com/harababurel/gcsf/pkg/retry"
)

const (
	pageSize = 1000

	fileFields   = "id,name,mimeType,size,parents,trashed,createdTime,modifiedTime,viewedByMeTime"
	listFields   = "nextPageToken,files(" + fileFields + ")"
	changeFields = "nextPageToken,newStartPageToken,changes(fileId,removed,file(" + fileFields + "))"
)

// Client implements Adapter against the Google Drive v3 API.
type Client struct {
	svc     *drive.Service
	retryer *retry.Retryer
	log     *zap.SugaredLogger

	rootID string
}

// NewClient builds a Client from an authenticated HTTP client.
func NewClient(ctx context.Context, httpClient *http.Client, log *zap.SugaredLogger) (*Client, error) {
	svc, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fserr.E(fserr.KindAuth, "building drive service").WithOp("drive.NewClient").WithCause(err)
	}
	return &Client{
		svc:     svc,
		retryer: retry.New(retry.DefaultConfig()),
		log:     log.Named("drive"),
	}, nil
}

// translate classifies a drive API failure into a fserr kind.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound:
			return fserr.E(fserr.KindNotFound, "remote entity not found").WithOp(op).WithCause(err)
		case gerr.Code == http.StatusUnauthorized:
			return fserr.E(fserr.KindAuth, "session rejected").WithOp(op).WithCause(err)
		case gerr.Code == http.StatusForbidden:
			for _, e := range gerr.Errors {
				if strings.Contains(e.Reason, "storageQuotaExceeded") {
					return fserr.E(fserr.KindQuotaExceeded, "storage quota exceeded").WithOp(op).WithCause(err)
				}
				if strings.Contains(e.Reason, "rateLimitExceeded") || strings.Contains(e.Reason, "userRateLimitExceeded") {
					return fserr.E(fserr.KindTransport, "rate limited").WithOp(op).WithCause(err)
				}
			}
			return fserr.E(fserr.KindPermissionDenied, "remote store forbids operation").WithOp(op).WithCause(err)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError:
			return fserr.E(fserr.KindTransport, "remote store unavailable").WithOp(op).WithCause(err)
		default:
			return fserr.E(fserr.KindIO, "remote store error").WithOp(op).WithCause(err)
		}
	}
	// No HTTP status at all: the request never made it. Retryable.
	return fserr.E(fserr.KindTransport, "transport failure").WithOp(op).WithCause(err)
}

func fromDriveFile(f *drive.File) *Entity {
	parse := func(s string) time.Time {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
		return t
	}
	return &Entity{
		ID:       f.Id,
		Name:     f.Name,
		MimeType: f.MimeType,
		Size:     f.Size,
		Parents:  f.Parents,
		Trashed:  f.Trashed,
		Created:  parse(f.CreatedTime),
		Modified: parse(f.ModifiedTime),
		Viewed:   parse(f.ViewedByMeTime),
	}
}

// RootID resolves and memoizes the remote ID of the root folder.
func (c *Client) RootID(ctx context.Context) (string, error) {
	if c.rootID != "" {
		return c.rootID, nil
	}
	var f *drive.File
	err := c.retryer.Do(ctx, "drive.RootID", func() error {
		var err error
		f, err = c.svc.Files.Get("root").Fields("id").Context(ctx).Do()
		return translate("drive.RootID", err)
	})
	if err != nil {
		return "", err
	}
	c.rootID = f.Id
	return c.rootID, nil
}

// GetAll lists every entity in the account, paging through the full set.
func (c *Client) GetAll(ctx context.Context, trashed bool) ([]*Entity, error) {
	query := "trashed = false"
	if trashed {
		query = "trashed = true"
	}

	var out []*Entity
	pageToken := ""
	for {
		var page *drive.FileList
		err := c.retryer.Do(ctx, "drive.GetAll", func() error {
			var err error
			page, err = c.svc.Files.List().
				Q(query).
				Fields(googleapi.Field(listFields)).
				PageSize(pageSize).
				PageToken(pageToken).
				Context(ctx).
				Do()
			return translate("drive.GetAll", err)
		})
		if err != nil {
			return nil, err
		}
		for _, f := range page.Files {
			out = append(out, fromDriveFile(f))
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	c.log.Debugf("listed %d remote entities (trashed=%v)", len(out), trashed)
	return out, nil
}

// StartToken obtains the change cursor for "now".
func (c *Client) StartToken(ctx context.Context) (string, error) {
	var resp *drive.StartPageToken
	err := c.retryer.Do(ctx, "drive.StartToken", func() error {
		var err error
		resp, err = c.svc.Changes.GetStartPageToken().Context(ctx).Do()
		return translate("drive.StartToken", err)
	})
	if err != nil {
		return "", err
	}
	return resp.StartPageToken, nil
}

// Changes drains the change log after the given token.
func (c *Client) Changes(ctx context.Context, since string) ([]Change, string, error) {
	var out []Change
	token := since
	next := since
	for {
		var page *drive.ChangeList
		err := c.retryer.Do(ctx, "drive.Changes", func() error {
			var err error
			page, err = c.svc.Changes.List(token).
				Fields(googleapi.Field(changeFields)).
				PageSize(pageSize).
				IncludeRemoved(true).
				Context(ctx).
				Do()
			return translate("drive.Changes", err)
		})
		if err != nil {
			return nil, since, err
		}
		for _, ch := range page.Changes {
			change := Change{ID: ch.FileId, Removed: ch.Removed}
			if ch.File != nil {
				change.Entity = fromDriveFile(ch.File)
			}
			out = append(out, change)
		}
		if page.NewStartPageToken != "" {
			next = page.NewStartPageToken
			break
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	return out, next, nil
}

// Download fetches a full body, exporting when an export MIME is given.
func (c *Client) Download(ctx context.Context, id, exportMime string) ([]byte, error) {
	var body []byte
	err := c.retryer.Do(ctx, "drive.Download", func() error {
		var resp *http.Response
		var err error
		if exportMime != "" {
			resp, err = c.svc.Files.Export(id, exportMime).Context(ctx).Download()
		} else {
			resp, err = c.svc.Files.Get(id).Context(ctx).Download()
		}
		if err != nil {
			return translate("drive.Download", err)
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fserr.E(fserr.KindTransport, "reading body").WithOp("drive.Download").WithCause(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Upload creates an entity and returns its remote ID.
func (c *Client) Upload(ctx context.Context, parentID, name, mime string, body []byte) (string, error) {
	meta := &drive.File{
		Name:     name,
		MimeType: mime,
		Parents:  []string{parentID},
	}
	var created *drive.File
	err := c.retryer.Do(ctx, "drive.Upload", func() error {
		call := c.svc.Files.Create(meta).Fields("id").Context(ctx)
		if mime != MimeFolder {
			call = call.Media(bytes.NewReader(body))
		}
		var err error
		created, err = call.Do()
		return translate("drive.Upload", err)
	})
	if err != nil {
		return "", err
	}
	return created.Id, nil
}

// Update replaces the body of an existing entity.
func (c *Client) Update(ctx context.Context, id string, body []byte) error {
	return c.retryer.Do(ctx, "drive.Update", func() error {
		_, err := c.svc.Files.Update(id, &drive.File{}).
			Media(bytes.NewReader(body)).
			Context(ctx).
			Do()
		return translate("drive.Update", err)
	})
}

// PatchMetadata renames, moves or trashes an entity in one call.
func (c *Client) PatchMetadata(ctx context.Context, id string, patch MetadataPatch) error {
	meta := &drive.File{}
	if patch.Name != nil {
		meta.Name = *patch.Name
	}
	if patch.Trashed != nil {
		meta.Trashed = *patch.Trashed
		meta.ForceSendFields = append(meta.ForceSendFields, "Trashed")
	}
	return c.retryer.Do(ctx, "drive.PatchMetadata", func() error {
		call := c.svc.Files.Update(id, meta).Context(ctx)
		if len(patch.AddParents) > 0 {
			call = call.AddParents(strings.Join(patch.AddParents, ","))
		}
		if len(patch.RemoveParents) > 0 {
			call = call.RemoveParents(strings.Join(patch.RemoveParents, ","))
		}
		_, err := call.Do()
		return translate("drive.PatchMetadata", err)
	})
}

// Trash moves an entity to the Drive trash.
func (c *Client) Trash(ctx context.Context, id string) error {
	trashed := true
	return c.PatchMetadata(ctx, id, MetadataPatch{Trashed: &trashed})
}

// Delete removes an entity permanently.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.retryer.Do(ctx, "drive.Delete", func() error {
		return translate("drive.Delete", c.svc.Files.Delete(id).Context(ctx).Do())
	})
}

// StatFS reports the account's quota. Accounts without a limit report a
// very large total.
func (c *Client) StatFS(ctx context.Context) (uint64, uint64, error) {
	var about *drive.About
	err := c.retryer.Do(ctx, "drive.StatFS", func() error {
		var err error
		about, err = c.svc.About.Get().Fields("storageQuota").Context(ctx).Do()
		return translate("drive.StatFS", err)
	})
	if err != nil {
		return 0, 0, err
	}
	quota := about.StorageQuota
	total := uint64(quota.Limit)
	if quota.Limit <= 0 {
		total = 1 << 50
	}
	return total, uint64(quota.Usage), nil
}

var _ Adapter = (*Client)(nil)
