package sys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateOpenRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.dat")

	f, err := Create(path)
	require.NoError(t, err)
	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	renamed := filepath.Join(dir, "b.dat")
	require.NoError(t, Rename(path, renamed))

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	r, err := Open(renamed)
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 7)
	_, err = r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "payload", string(buf))
}
