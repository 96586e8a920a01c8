package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Ripolin/segrep/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManifest(generation uint64) *Manifest {
	return &Manifest{
		Generation: generation,
		Segments: []SegmentInfo{
			{Name: "seg_0001.dat", SizeBytes: 1024, DocCount: 100},
			{Name: "seg_0002.dat", SizeBytes: 2048, DocCount: 50},
		},
		Metadata: map[string]string{
			core.WALIdentityKey:     "abc",
			core.MaxSeqNoKey:        "10",
			core.LocalCheckpointKey: "10",
		},
	}
}

func TestManifest_Metadata(t *testing.T) {
	m := testManifest(1)

	id, err := m.WALIdentity()
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	info, err := m.SeqNos()
	require.NoError(t, err)
	assert.Equal(t, SeqNoInfo{MaxSeqNo: 10, LocalCheckpoint: 10}, info)

	assert.Equal(t, int64(150), m.TotalDocs())
}

func TestManifest_MissingMetadata(t *testing.T) {
	m := &Manifest{Generation: 1, Metadata: map[string]string{}}

	_, err := m.WALIdentity()
	require.Error(t, err, "a manifest without a WAL identity is unusable")

	_, err = m.SeqNos()
	require.Error(t, err)
}

func TestManifest_MalformedSeqNo(t *testing.T) {
	m := testManifest(1)
	m.Metadata[core.MaxSeqNoKey] = "not-a-number"

	_, err := m.SeqNos()
	require.Error(t, err)
}

func TestManifest_Clone(t *testing.T) {
	m := testManifest(3)
	c := m.Clone()
	c.Metadata[core.MaxSeqNoKey] = "99"
	c.Segments[0].Name = "changed"

	assert.Equal(t, "10", m.Metadata[core.MaxSeqNoKey], "mutating a clone must not touch the original")
	assert.Equal(t, "seg_0001.dat", m.Segments[0].Name)
}

func TestStore_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	m := testManifest(1)
	require.NoError(t, store.Save(m))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, m, loaded)

	// A higher-generation save becomes the new commit point; the older
	// manifest file remains on disk untouched.
	m2 := testManifest(2)
	require.NoError(t, store.Save(m2))

	loaded, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), loaded.Generation)

	_, err = os.Stat(filepath.Join(dir, FileName(1)))
	require.NoError(t, err)
}

func TestStore_LoadWithoutCurrent(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Load()
	require.Error(t, err)
}

func TestStore_LoadCorruptManifest(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Save(testManifest(1)))

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName(1)), []byte("{broken"), 0644))

	_, err := store.Load()
	require.Error(t, err)
}
