package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)

	store, err := New(client, Config{Bucket: "raw-archive"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutObjectUploadsToBucket(t *testing.T) {
	objectName := "raw/src-1/page-1/abc.html"
	payload := []byte("<html>archived</html>")

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/raw-archive/o")
		assert.Equal(t, objectName, r.URL.Query().Get("name"))
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(payload))

		_, _ = fmt.Fprintln(w, `{ "name": "`+objectName+`", "bucket": "raw-archive" }`)
	}))

	uri, err := store.PutObject(context.Background(), objectName, "text/html", payload)
	require.NoError(t, err)
	assert.Equal(t, "gs://raw-archive/"+objectName, uri)
}

func TestPutObjectKeepsExistingArchive(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		_, _ = fmt.Fprintln(w, `{"error":{"code":412,"message":"conditionNotMet"}}`)
	}))

	uri, err := store.PutObject(context.Background(), "/raw/a.html", "text/html", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "gs://raw-archive/raw/a.html", uri)
}

func TestPutObjectSurfacesServerErrors(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"forbidden"}}`, http.StatusForbidden)
	}))

	_, err := store.PutObject(context.Background(), "a.html", "text/html", []byte("x"))
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", nil)
	require.Error(t, err)
}
