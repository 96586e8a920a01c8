package checkpoint

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Ripolin/segrep/core"
	"github.com/Ripolin/segrep/sys"
)

// Write atomically persists the checkpoint data to a file in the given
// directory using the write-and-rename strategy, so a crash mid-write never
// leaves a torn checkpoint behind.
func Write(dir string, cp core.Checkpoint) error {
	tempPath := filepath.Join(dir, core.CheckpointFileName+".tmp")
	file, err := sys.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}

	if err := binary.Write(file, binary.LittleEndian, core.CheckpointMagicNumber); err != nil {
		file.Close()
		sys.Remove(tempPath)
		return fmt.Errorf("failed to write checkpoint magic number: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, cp.LastSafeGeneration); err != nil {
		file.Close()
		sys.Remove(tempPath)
		return fmt.Errorf("failed to write last safe generation: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		sys.Remove(tempPath)
		return fmt.Errorf("failed to sync temp checkpoint file: %w", err)
	}

	// Close before rename for Windows compatibility.
	if err := file.Close(); err != nil {
		sys.Remove(tempPath)
		return fmt.Errorf("failed to close temp checkpoint file before rename: %w", err)
	}

	finalPath := filepath.Join(dir, core.CheckpointFileName)
	if err := sys.Rename(tempPath, finalPath); err != nil {
		sys.Remove(tempPath)
		return fmt.Errorf("failed to rename temp checkpoint file to final name: %w", err)
	}

	return nil
}

// Read reads the checkpoint data from the file in the given directory.
// It returns the checkpoint and a boolean indicating whether the file existed;
// a missing file is not an error, it just means no checkpoint was ever written.
func Read(dir string) (core.Checkpoint, bool, error) {
	path := filepath.Join(dir, core.CheckpointFileName)
	file, err := sys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return core.Checkpoint{}, false, nil
		}
		return core.Checkpoint{}, false, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var magic uint32
	if err := binary.Read(file, binary.LittleEndian, &magic); err != nil {
		return core.Checkpoint{}, true, fmt.Errorf("failed to read checkpoint magic number: %w", err)
	}
	if magic != core.CheckpointMagicNumber {
		return core.Checkpoint{}, true, fmt.Errorf("invalid checkpoint magic number: got %x, want %x", magic, core.CheckpointMagicNumber)
	}

	var cp core.Checkpoint
	if err := binary.Read(file, binary.LittleEndian, &cp.LastSafeGeneration); err != nil {
		return core.Checkpoint{}, true, fmt.Errorf("failed to read last safe generation: %w", err)
	}

	return cp, true, nil
}
