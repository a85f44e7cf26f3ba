package localfs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaledger/blob/localfs"
)

func TestDeleteBlob(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audio", "job-1.wav")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))

	s := localfs.New(dir)
	require.NoError(t, s.DeleteBlob(context.Background(), "audio/job-1.wav"))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Already gone.
	require.NoError(t, s.DeleteBlob(context.Background(), "audio/job-1.wav"))
}

func TestDeleteBlob_OutsideRoot(t *testing.T) {
	dir := t.TempDir()
	s := localfs.New(dir)

	for _, p := range []string{"../keep.txt", "..", "", "a/../../keep.txt"} {
		err := s.DeleteBlob(context.Background(), p)
		assert.ErrorIs(t, err, localfs.ErrOutsideRoot, p)
	}
}

func TestDeleteBlob_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := localfs.New(t.TempDir()).DeleteBlob(ctx, "x")
	require.ErrorIs(t, err, context.Canceled)
}
