package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>content</html>")
	uri, err := store.PutObject(context.Background(), "raw/src-1/page-1/abc.html", "text/html", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://raw/src-1/page-1/abc.html", uri)

	payload[0] = 'X'
	stored, ok := store.Object("raw/src-1/page-1/abc.html")
	require.True(t, ok)
	require.Equal(t, "<html>content</html>", string(stored))
	require.Equal(t, []string{"raw/src-1/page-1/abc.html"}, store.Keys())

	_, err = store.PutObject(context.Background(), "", "text/html", payload)
	require.Error(t, err)
}

func TestBlobStoreKeepsFirstWrite(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, body := range []string{"first", "second"} {
		_, err := store.PutObject(context.Background(), "src/page/digest.html", "text/html", []byte(body))
		require.NoError(t, err)
	}
	got, ok := store.Object("src/page/digest.html")
	require.True(t, ok)
	require.Equal(t, "first", string(got))

	_, ok = store.Object("missing")
	require.False(t, ok)
}
