package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Ripolin/segrep/core"
	"github.com/Ripolin/segrep/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint_WriteAndRead_Successful(t *testing.T) {
	tempDir := t.TempDir()
	cp := core.Checkpoint{LastSafeGeneration: 123}

	err := Write(tempDir, cp)
	require.NoError(t, err, "Write should succeed")

	// The final file exists and the temp file is gone.
	_, err = os.Stat(filepath.Join(tempDir, core.CheckpointFileName))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(tempDir, core.CheckpointFileName+".tmp"))
	require.True(t, os.IsNotExist(err))

	readCp, found, err := Read(tempDir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, cp.LastSafeGeneration, readCp.LastSafeGeneration)
}

func TestCheckpoint_Read_NonExistent(t *testing.T) {
	cp, found, err := Read(t.TempDir())
	require.NoError(t, err, "reading a directory without a checkpoint is not an error")
	assert.False(t, found)
	assert.Equal(t, uint64(0), cp.LastSafeGeneration)
}

func TestCheckpoint_Write_Overwrite(t *testing.T) {
	tempDir := t.TempDir()

	require.NoError(t, Write(tempDir, core.Checkpoint{LastSafeGeneration: 10}))
	require.NoError(t, Write(tempDir, core.Checkpoint{LastSafeGeneration: 20}))

	readCp, found, err := Read(tempDir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(20), readCp.LastSafeGeneration)
}

func TestCheckpoint_Read_BadMagic(t *testing.T) {
	tempDir := t.TempDir()
	badData := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, core.CheckpointFileName), badData, 0644))

	_, found, err := Read(tempDir)
	require.Error(t, err)
	assert.True(t, found, "found should be true since the file exists")
}

func TestCheckpoint_Read_Truncated(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, core.CheckpointFileName), []byte{0x43}, 0644))

	_, found, err := Read(tempDir)
	require.Error(t, err)
	assert.True(t, found)
}

func TestCheckpoint_Write_FailedRenameRemovesTempFile(t *testing.T) {
	tempDir := t.TempDir()

	original := sys.Rename
	sys.Rename = func(oldpath, newpath string) error {
		return errors.New("injected rename failure")
	}
	t.Cleanup(func() { sys.Rename = original })

	err := Write(tempDir, core.Checkpoint{LastSafeGeneration: 7})
	require.Error(t, err)

	_, err = os.Stat(filepath.Join(tempDir, core.CheckpointFileName+".tmp"))
	assert.True(t, os.IsNotExist(err), "a failed write must not leave the temp file behind")
}
