package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/oddfrontier/internal/crawler"
)

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	uri, err := store.Save(ctx, "frontier", []byte("blob"))
	require.NoError(t, err)
	require.Equal(t, "mem://frontier", uri)

	data, err := store.Load(ctx, "frontier")
	require.NoError(t, err)
	require.Equal(t, []byte("blob"), data)

	// Returned slice is a copy.
	data[0] = 'x'
	again, err := store.Load(ctx, "frontier")
	require.NoError(t, err)
	require.Equal(t, []byte("blob"), again)

	_, err = store.Load(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrSnapshotNotFound)

	_, err = store.Save(ctx, "", nil)
	require.Error(t, err)
}
