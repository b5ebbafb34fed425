package objectstore

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 accepts object PUTs and bucket HEADs, recording request paths.
type fakeS3 struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.puts[r.URL.Path] = body
		f.mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestMirror(t *testing.T, endpoint, prefix string) *Mirror {
	t.Helper()
	m, err := NewMirror(Config{
		Endpoint:  endpoint,
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "wrfout",
		Region:    "us-east-1",
		Prefix:    prefix,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return m
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "wrfout"}
	require.NoError(t, valid.Validate())

	missing := valid
	missing.Bucket = " "
	assert.ErrorContains(t, missing.Validate(), "S3_BUCKET")

	missing = valid
	missing.SecretKey = ""
	assert.ErrorContains(t, missing.Validate(), "S3_SECRET_KEY")

	missing = valid
	missing.Endpoint = ""
	assert.ErrorContains(t, missing.Validate(), "S3_ENDPOINT")
}

func TestMirror_ObjectName(t *testing.T) {
	m := newTestMirror(t, "localhost:9000", "runs/2024-03-01/")
	assert.Equal(t, "runs/2024-03-01/wrfout_d01_2024-03-01_12:00:00", m.objectName("/data/WRFOUT/wrfout_d01_2024-03-01_12:00:00"))

	m = newTestMirror(t, "localhost:9000", "")
	assert.Equal(t, "wrfout_d01", m.objectName("/data/WRFOUT/wrfout_d01"))
}

func TestMirror_Upload(t *testing.T) {
	s3 := &fakeS3{puts: make(map[string][]byte)}
	ts := httptest.NewServer(s3)
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	m := newTestMirror(t, u.Host, "")

	path := filepath.Join(t.TempDir(), "wrfout_d01_a")
	require.NoError(t, os.WriteFile(path, []byte("CDF\x01"), 0o644))

	require.NoError(t, m.EnsureBucket(context.Background()))
	require.NoError(t, m.Upload(context.Background(), path))

	s3.mu.Lock()
	defer s3.mu.Unlock()
	// The body may arrive aws-chunked over plain HTTP, so only its presence is checked.
	body, ok := s3.puts["/wrfout/wrfout_d01_a"]
	require.True(t, ok, "expected object PUT, got %v", s3.puts)
	assert.NotEmpty(t, body)
}
