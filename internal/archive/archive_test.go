package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyIsContentAddressed(t *testing.T) {
	k := Key([]byte("%PDF-1.7"))
	require.True(t, strings.HasPrefix(k, "pdfs/"))
	require.True(t, strings.HasSuffix(k, ".pdf"))
	require.Equal(t, k, Key([]byte("%PDF-1.7")))
	require.NotEqual(t, k, Key([]byte("%PDF-1.6")))
}

func TestS3ArchiverPutsObject(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.Path
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := NewS3Archiver(context.Background(), S3Config{
		Bucket: "papers", Region: "us-east-1", Endpoint: srv.URL, KeyID: "k", Secret: "s",
	})
	require.NoError(t, err)

	loc, err := a.Archive(context.Background(), []byte("%PDF-1.7"))
	require.NoError(t, err)
	require.Equal(t, "s3://papers/"+Key([]byte("%PDF-1.7")), loc)
	require.Equal(t, "/papers/"+Key([]byte("%PDF-1.7")), gotPath)
}

func TestS3ArchiverRequiresBucket(t *testing.T) {
	_, err := NewS3Archiver(context.Background(), S3Config{})
	require.Error(t, err)
}
