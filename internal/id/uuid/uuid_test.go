package uuid

import (
	"sync"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
	_, err = goUUID.Parse(id2)
	require.NoError(t, err)
}

func TestSequenceIsOrderedAndSafe(t *testing.T) {
	t.Parallel()

	seq := NewSequence("job")
	first, err := seq.NewID()
	require.NoError(t, err)
	require.Equal(t, "job-1", first)

	var wg sync.WaitGroup
	seen := sync.Map{}
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := seq.NewID()
			require.NoError(t, err)
			_, dup := seen.LoadOrStore(id, true)
			require.False(t, dup)
		}()
	}
	wg.Wait()

	last, err := seq.NewID()
	require.NoError(t, err)
	require.Equal(t, "job-52", last)
}
