package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadgen/internal/config"
)

func TestSnapshotKey(t *testing.T) {
	assert.Equal(t, "audits/lead-1/audit-9.html", SnapshotKey("lead-1", "audit-9"))
	assert.Equal(t, "audits/x.html", sanitizeKey("/../audits/x.html"))
}

func TestNewDisabled(t *testing.T) {
	up, err := New(context.Background(), config.Config{SnapshotDestination: "none"})
	require.NoError(t, err)
	assert.Nil(t, up)

	_, err = New(context.Background(), config.Config{SnapshotDestination: "s3"})
	assert.Error(t, err)

	_, err = New(context.Background(), config.Config{SnapshotDestination: "ftp"})
	assert.Error(t, err)
}

func TestLocalUploader(t *testing.T) {
	dir := t.TempDir()
	up, err := New(context.Background(), config.Config{SnapshotDestination: "local", SnapshotDir: dir})
	require.NoError(t, err)

	loc, err := up.Upload(context.Background(), SnapshotKey("lead-1", "audit-1"), []byte("<html></html>"), "text/html")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "audits", "lead-1", "audit-1.html"), loc)

	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(data))
}

func TestS3UploaderAgainstEndpoint(t *testing.T) {
	var gotPath, gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := config.Config{
		SnapshotDestination: "s3",
		SnapshotS3Bucket:    "snapshots",
		SnapshotS3Region:    "us-east-1",
		SnapshotS3Endpoint:  srv.URL,
		SnapshotS3PathStyle: true,
	}
	up, err := New(context.Background(), cfg)
	require.NoError(t, err)

	loc, err := up.Upload(context.Background(), SnapshotKey("lead-1", "audit-1"), []byte("<html>hi</html>"), "text/html")
	require.NoError(t, err)
	assert.Equal(t, "s3://snapshots/audits/lead-1/audit-1.html", loc)
	assert.Equal(t, "/snapshots/audits/lead-1/audit-1.html", gotPath)
	assert.Equal(t, "text/html", gotType)
	assert.True(t, strings.Contains(gotBody, "<html>hi</html>"))
}
