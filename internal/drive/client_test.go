package drive

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"github.com/harababurel/gcsf/pkg/fserr"
)

func TestTranslateStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind fserr.Kind
	}{
		{"nil passes", nil, ""},
		{"404", &googleapi.Error{Code: 404}, fserr.KindNotFound},
		{"401", &googleapi.Error{Code: 401}, fserr.KindAuth},
		{"403 plain", &googleapi.Error{Code: 403}, fserr.KindPermissionDenied},
		{
			"403 quota",
			&googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "storageQuotaExceeded"}}},
			fserr.KindQuotaExceeded,
		},
		{
			"403 rate limit",
			&googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}},
			fserr.KindTransport,
		},
		{"429", &googleapi.Error{Code: 429}, fserr.KindTransport},
		{"500", &googleapi.Error{Code: 500}, fserr.KindTransport},
		{"503", &googleapi.Error{Code: 503}, fserr.KindTransport},
		{"400", &googleapi.Error{Code: 400}, fserr.KindIO},
		{"no response at all", errors.New("dial tcp: connection refused"), fserr.KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translate("drive.Test", tt.err)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, fserr.IsKind(err, tt.kind), "want %s, got %v", tt.kind, err)
		})
	}
}

func TestFromDriveFile(t *testing.T) {
	f := &drive.File{
		Id:             "abc",
		Name:           "report.pdf",
		MimeType:       "application/pdf",
		Size:           1234,
		Parents:        []string{"p1", "p2"},
		Trashed:        true,
		CreatedTime:    "2018-03-04T05:06:07Z",
		ModifiedTime:   "2019-08-09T10:11:12Z",
		ViewedByMeTime: "not-a-timestamp",
	}

	e := fromDriveFile(f)
	assert.Equal(t, "abc", e.ID)
	assert.Equal(t, "report.pdf", e.Name)
	assert.Equal(t, int64(1234), e.Size)
	assert.Equal(t, []string{"p1", "p2"}, e.Parents)
	assert.True(t, e.Trashed)
	assert.Equal(t, 2018, e.Created.Year())
	assert.Equal(t, time.August, e.Modified.Month())
	// Unparseable times degrade to the zero value.
	assert.True(t, e.Viewed.IsZero())
	assert.False(t, e.IsFolder())
}

func TestIsFolder(t *testing.T) {
	assert.True(t, (&Entity{MimeType: MimeFolder}).IsFolder())
	assert.False(t, (&Entity{MimeType: "text/plain"}).IsFolder())
}
