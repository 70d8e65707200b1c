package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAndRemove(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	path, err := store.Write(context.Background(), OutputKey("gen-1", 2, "image/jpeg"), []byte("jpeg"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(store.BasePath(), "gen-1", "002.jpg"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "jpeg", string(data))

	require.NoError(t, store.Remove(path))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	// already gone
	require.NoError(t, store.Remove(path))
	require.NoError(t, store.Remove(""))
}

func TestRemoveRefusesPathsOutsideBase(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	outside := filepath.Join(t.TempDir(), "keep.png")
	require.NoError(t, os.WriteFile(outside, []byte("png"), 0o600))

	for _, path := range []string{
		outside,
		filepath.Join(store.BasePath(), "..", filepath.Base(filepath.Dir(outside)), "keep.png"),
		"relative/keep.png",
		store.BasePath(),
	} {
		require.ErrorIs(t, store.Remove(path), ErrOutsideRoot, path)
	}

	_, err = os.Stat(outside)
	require.NoError(t, err)
}

func TestWithin(t *testing.T) {
	root := filepath.Join(t.TempDir(), "inputs")

	path, err := Within(root, "a/b.png")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "a", "b.png"), path)

	path, err = Within(root, filepath.Join(root, "c.png"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "c.png"), path)

	for _, bad := range []string{
		"../secret.png",
		"a/../../secret.png",
		filepath.Join(root, "..", "secret.png"),
		root + "-sibling/x.png",
		"/etc/passwd",
		".",
	} {
		_, err := Within(root, bad)
		require.ErrorIs(t, err, ErrOutsideRoot, bad)
	}

	_, err = Within(root, " ")
	require.Error(t, err)
}

func TestWriteRejectsTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Write(context.Background(), "../../etc/passwd", []byte("x"))
	require.Error(t, err)

	_, err = store.Write(context.Background(), "  ", []byte("x"))
	require.Error(t, err)
}

func TestWriteHonoursCancelledContext(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.Write(ctx, "a.png", []byte("x"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestExtension(t *testing.T) {
	require.Equal(t, ".png", Extension(""))
	require.Equal(t, ".jpg", Extension("IMAGE/JPEG"))
	require.Equal(t, ".webp", Extension("image/webp"))
}
