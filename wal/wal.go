// Package wal implements the generation-rotated, append-only write-ahead log
// and the manager abstraction the replication engine drives it through.
package wal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Ripolin/segrep/compressors"
	"github.com/Ripolin/segrep/core"
	"github.com/Ripolin/segrep/hooks"
	"github.com/google/uuid"
)

// SyncMode defines how frequently the WAL is synced to disk.
type SyncMode string

const (
	SyncAlways   SyncMode = "always"   // sync after every append (highest durability)
	SyncManual   SyncMode = "manual"   // sync only when the caller asks
	SyncDisabled SyncMode = "disabled" // no sync (testing/benchmarking only)
)

// Stats is a point-in-time summary of the log.
type Stats struct {
	UUID             string
	ActiveGeneration uint64
	GenerationCount  int
	EntriesWritten   int64
	BytesWritten     int64
	Compression      core.CompressionType
}

// Options holds configuration for the WAL.
type Options struct {
	Dir string
	// UUID is the identity token this log must carry. Opening a directory
	// whose existing generations carry a different identity is an error.
	UUID           string
	SyncMode       SyncMode
	MaxGenSize     int64
	Compressor     core.Compressor
	Logger         *slog.Logger
	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
	HookManager    hooks.HookManager
	// OnPersisted is invoked, if set, with the highest appended sequence
	// number each time appended records become durable.
	OnPersisted func(seqNo uint64)
}

// WAL is the generation-rotated, append-only log of tagged operations.
// Exactly one generation is the write target at a time.
type WAL struct {
	dir  string
	uuid string
	mu   sync.Mutex
	opts Options

	active      *generationWriter
	generations []uint64

	lastWriteLoc   core.WALLocation
	syncedLoc      core.WALLocation
	maxAppendedSeq uint64
	// genMaxSeq records the highest sequence number appended to each
	// generation. Generations written by an earlier process are scanned on
	// first use and cached here.
	genMaxSeq map[uint64]uint64

	pendingRotate []hooks.WALRotatePayload

	entriesWritten int64
	bytesWritten   int64

	compressor  core.Compressor
	logger      *slog.Logger
	hookManager hooks.HookManager
}

// Open creates or opens the WAL directory, verifies that any existing
// generations carry the expected identity token, and opens a fresh generation
// for appending. Appending to a possibly torn generation after a crash is
// avoided by always starting a new one.
func Open(opts Options) (*WAL, error) {
	if opts.UUID == "" {
		return nil, errors.New("wal identity token must be provided")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "WAL")
	} else {
		opts.Logger = opts.Logger.With("component", "WAL")
	}
	if opts.MaxGenSize == 0 {
		opts.MaxGenSize = MaxGenerationSize
	}
	if opts.Compressor == nil {
		opts.Compressor = &compressors.NoCompressionCompressor{}
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	w := &WAL{
		dir:         opts.Dir,
		uuid:        opts.UUID,
		opts:        opts,
		compressor:  opts.Compressor,
		logger:      opts.Logger,
		hookManager: opts.HookManager,
		genMaxSeq:   make(map[uint64]uint64),
	}

	if err := w.loadGenerations(); err != nil {
		return nil, fmt.Errorf("failed to load WAL generations: %w", err)
	}
	if err := w.verifyIdentity(); err != nil {
		return nil, err
	}
	if err := w.rotateLocked(); err != nil {
		return nil, fmt.Errorf("failed to open WAL for appending: %w", err)
	}
	return w, nil
}

// NewUUID returns a fresh log identity token.
func NewUUID() string {
	return uuid.NewString()
}

// loadGenerations scans the WAL directory and populates the generation list.
func (w *WAL) loadGenerations() error {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory %s: %w", w.dir, err)
	}

	w.generations = make([]uint64, 0, len(files))
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		index, err := parseGenerationFileName(file.Name())
		if err == nil {
			w.generations = append(w.generations, index)
		}
	}
	sort.Slice(w.generations, func(i, j int) bool {
		return w.generations[i] < w.generations[j]
	})
	return nil
}

// verifyIdentity checks the newest existing generation against the expected
// identity token. An identity mismatch means this directory belongs to a
// different shard lineage and must not be appended to.
func (w *WAL) verifyIdentity() error {
	if len(w.generations) == 0 {
		return nil
	}
	newest := w.generations[len(w.generations)-1]
	path := filepath.Join(w.dir, formatGenerationFileName(newest))
	reader, err := openGenerationForRead(path)
	if err != nil {
		return fmt.Errorf("failed to verify WAL identity: %w", err)
	}
	defer reader.Close()
	if reader.Identity() != w.uuid {
		return fmt.Errorf("wal identity mismatch in %s: found %q, expected %q", w.dir, reader.Identity(), w.uuid)
	}
	return nil
}

// Append encodes the operation, writes it to the active generation and
// returns the durable location assigned to it.
func (w *WAL) Append(op core.Operation) (core.WALLocation, error) {
	defer w.fireRotateHooks()
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active == nil {
		return core.WALLocation{}, errors.New("wal is closed or not open for writing")
	}

	var payload bytes.Buffer
	if err := encodeOperation(&payload, &op); err != nil {
		return core.WALLocation{}, fmt.Errorf("failed to encode operation seq=%d: %w", op.SeqNo, err)
	}
	data, err := w.compressor.Compress(payload.Bytes())
	if err != nil {
		return core.WALLocation{}, fmt.Errorf("failed to compress operation seq=%d: %w", op.SeqNo, err)
	}

	// Rotate before writing if the active generation already holds records
	// and this one would push it past the size limit. A single oversized
	// record is still allowed into an empty generation.
	newRecordSize := int64(len(data) + recordOverhead)
	headerSize := int64((&core.FileHeader{}).Size()) + identitySize(w.uuid)
	if w.active.Size() > headerSize && w.active.Size()+newRecordSize > w.opts.MaxGenSize {
		w.logger.Debug("Rotating WAL generation due to size",
			"current_size", w.active.Size(), "new_record_size", newRecordSize, "max_size", w.opts.MaxGenSize)
		if err := w.rotateLocked(); err != nil {
			return core.WALLocation{}, fmt.Errorf("failed to rotate WAL generation: %w", err)
		}
	}

	offset, size, err := w.active.WriteRecord(data)
	if err != nil {
		return core.WALLocation{}, err
	}

	loc := core.WALLocation{
		Generation: w.active.index,
		Offset:     offset,
		Size:       size,
	}
	w.lastWriteLoc = loc
	if op.SeqNo != core.UnassignedSeqNo {
		if op.SeqNo > w.maxAppendedSeq {
			w.maxAppendedSeq = op.SeqNo
		}
		if op.SeqNo > w.genMaxSeq[loc.Generation] {
			w.genMaxSeq[loc.Generation] = op.SeqNo
		}
	}
	w.entriesWritten++
	w.bytesWritten += size
	if w.opts.BytesWritten != nil {
		w.opts.BytesWritten.Add(size)
	}
	if w.opts.EntriesWritten != nil {
		w.opts.EntriesWritten.Add(1)
	}

	if w.opts.SyncMode == SyncAlways {
		if err := w.syncLocked(); err != nil {
			return core.WALLocation{}, err
		}
	}
	return loc, nil
}

// Sync flushes buffered records to stable storage. It reports whether any
// work was performed.
func (w *WAL) Sync() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active == nil {
		return false, errors.New("wal is closed")
	}
	if w.syncedLoc == w.lastWriteLoc {
		return false, nil
	}
	if err := w.syncLocked(); err != nil {
		return false, fmt.Errorf("failed to sync WAL: %w", err)
	}
	return true, nil
}

func (w *WAL) syncLocked() error {
	if w.opts.SyncMode != SyncDisabled {
		if err := w.active.Sync(); err != nil {
			return err
		}
	}
	w.syncedLoc = w.lastWriteLoc
	if w.opts.OnPersisted != nil && w.maxAppendedSeq > 0 {
		w.opts.OnPersisted(w.maxAppendedSeq)
	}
	return nil
}

// IsSyncNeeded reports whether appended records are still awaiting a sync.
func (w *WAL) IsSyncNeeded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active != nil && w.syncedLoc != w.lastWriteLoc
}

// EnsureSynced syncs the log if the given location has not yet been made
// durable. It reports whether a sync was performed.
func (w *WAL) EnsureSynced(loc core.WALLocation) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active == nil {
		return false, errors.New("wal is closed")
	}
	if loc.Compare(w.syncedLoc) <= 0 {
		return false, nil
	}
	if err := w.syncLocked(); err != nil {
		return false, fmt.Errorf("failed to sync WAL: %w", err)
	}
	return true, nil
}

// Rotate closes the active generation and opens the next one for writing.
func (w *WAL) Rotate() error {
	defer w.fireRotateHooks()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

func (w *WAL) rotateLocked() error {
	var nextIndex uint64 = 1
	if len(w.generations) > 0 {
		nextIndex = w.generations[len(w.generations)-1] + 1
	}

	newGen, err := createGeneration(w.dir, nextIndex, w.uuid, w.compressor.Type())
	if err != nil {
		return err
	}

	var oldIndex uint64
	if w.active != nil {
		oldIndex = w.active.index
		if err := w.active.Close(); err != nil {
			w.logger.Error("failed to close active generation during rotation", "path", w.active.path, "error", err)
			// Continue anyway, a new generation is required.
		}
	}

	w.active = newGen
	w.generations = append(w.generations, nextIndex)
	w.logger.Info("Rotated to new WAL generation", "generation", nextIndex, "path", newGen.path)

	// Queued rather than triggered: synchronous listeners may call back into
	// the log, so events must fire after w.mu is released.
	if w.hookManager != nil && oldIndex > 0 {
		w.pendingRotate = append(w.pendingRotate, hooks.WALRotatePayload{
			OldGeneration: oldIndex,
			NewGeneration: newGen.index,
			NewPath:       newGen.path,
		})
	}
	return nil
}

// fireRotateHooks delivers queued rotation events. Must be called with w.mu
// released.
func (w *WAL) fireRotateHooks() {
	w.mu.Lock()
	pending := w.pendingRotate
	w.pendingRotate = nil
	w.mu.Unlock()
	for _, payload := range pending {
		w.hookManager.Trigger(context.Background(), hooks.NewPostWALRotateEvent(payload))
	}
}

// Purge deletes generation files with an index less than or equal to the
// given index. The active generation is never deleted.
func (w *WAL) Purge(upToIndex uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var remaining []uint64
	var purged int
	for _, index := range w.generations {
		if index <= upToIndex {
			if w.active != nil && w.active.index == index {
				w.logger.Warn("Skipping purge of active WAL generation", "generation", index)
				remaining = append(remaining, index)
				continue
			}
			path := filepath.Join(w.dir, formatGenerationFileName(index))
			if err := os.Remove(path); err != nil {
				w.logger.Error("Failed to purge WAL generation", "path", path, "error", err)
			} else {
				delete(w.genMaxSeq, index)
				purged++
			}
		} else {
			remaining = append(remaining, index)
		}
	}
	w.generations = remaining
	if purged > 0 {
		w.logger.Info("Purged WAL generations", "count", purged, "up_to_generation", upToIndex)
	}
	return nil
}

// SafeGeneration returns the highest generation that, together with every
// earlier retained generation, contains no operation with a sequence number
// above maxSeqNo. Generations above it may still hold operations that are not
// represented in committed segments, so only the returned prefix is safe to
// purge. The active generation is never reported safe. Returns 0 when no
// generation qualifies.
func (w *WAL) SafeGeneration(maxSeqNo uint64) (uint64, error) {
	w.mu.Lock()
	generations := make([]uint64, len(w.generations))
	copy(generations, w.generations)
	var active uint64
	if w.active != nil {
		active = w.active.index
	}
	w.mu.Unlock()

	var safe uint64
	for _, index := range generations {
		if active != 0 && index >= active {
			break
		}
		genMax, err := w.generationMaxSeq(index)
		if err != nil {
			return safe, err
		}
		if genMax > maxSeqNo {
			break
		}
		safe = index
	}
	return safe, nil
}

// generationMaxSeq returns the highest sequence number recorded in the given
// generation, scanning the file when this process did not write it.
func (w *WAL) generationMaxSeq(index uint64) (uint64, error) {
	w.mu.Lock()
	if genMax, ok := w.genMaxSeq[index]; ok {
		w.mu.Unlock()
		return genMax, nil
	}
	w.mu.Unlock()

	path := filepath.Join(w.dir, formatGenerationFileName(index))
	ops, err := readGeneration(path)
	if err != nil {
		return 0, fmt.Errorf("failed to scan generation %d: %w", index, err)
	}
	var genMax uint64
	for _, op := range ops {
		if op.SeqNo != core.UnassignedSeqNo && op.SeqNo > genMax {
			genMax = op.SeqNo
		}
	}
	w.mu.Lock()
	w.genMaxSeq[index] = genMax
	w.mu.Unlock()
	return genMax, nil
}

// ActiveGeneration returns the index of the current write target, or 0 if the
// log is closed.
func (w *WAL) ActiveGeneration() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil {
		return 0
	}
	return w.active.index
}

// LastWriteLocation returns the location of the most recently appended record.
func (w *WAL) LastWriteLocation() core.WALLocation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastWriteLoc
}

// Stats returns a point-in-time summary of the log.
func (w *WAL) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	var active uint64
	if w.active != nil {
		active = w.active.index
	}
	return Stats{
		UUID:             w.uuid,
		ActiveGeneration: active,
		GenerationCount:  len(w.generations),
		EntriesWritten:   w.entriesWritten,
		BytesWritten:     w.bytesWritten,
		Compression:      w.compressor.Type(),
	}
}

// Path returns the directory path of the WAL.
func (w *WAL) Path() string {
	return w.dir
}

// UUID returns the log identity token.
func (w *WAL) UUID() string {
	return w.uuid
}

// NewSnapshot reads back every recorded operation with a sequence number in
// [fromSeqNo, toSeqNo], across all retained generations in append order.
func (w *WAL) NewSnapshot(fromSeqNo, toSeqNo uint64) (Snapshot, error) {
	w.mu.Lock()
	if w.active != nil {
		// Flush so buffered records are visible to the read path.
		if err := w.active.writer.Flush(); err != nil {
			w.mu.Unlock()
			return nil, fmt.Errorf("failed to flush active generation for snapshot: %w", err)
		}
	}
	generations := make([]uint64, len(w.generations))
	copy(generations, w.generations)
	w.mu.Unlock()

	var ops []core.Operation
	for _, index := range generations {
		path := filepath.Join(w.dir, formatGenerationFileName(index))
		genOps, err := readGeneration(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read generation %d: %w", index, err)
		}
		for _, op := range genOps {
			if op.SeqNo >= fromSeqNo && op.SeqNo <= toSeqNo {
				ops = append(ops, op)
			}
		}
	}
	return newMemorySnapshot(ops), nil
}

// readGeneration decodes every record of one generation file.
func readGeneration(path string) ([]core.Operation, error) {
	reader, err := openGenerationForRead(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer reader.Close()

	compressor, err := compressors.ForType(reader.compression)
	if err != nil {
		return nil, err
	}

	var ops []core.Operation
	for {
		data, err := reader.ReadRecord()
		if err != nil {
			if err == io.EOF {
				return ops, nil
			}
			return ops, err
		}
		rc, err := compressor.Decompress(data)
		if err != nil {
			return ops, err
		}
		decoded, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return ops, err
		}
		op, err := decodeOperation(bytes.NewReader(decoded))
		if err != nil {
			return ops, err
		}
		ops = append(ops, *op)
	}
}

// Close closes the active generation. Further appends fail.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active == nil {
		return nil // Already closed
	}

	closeErr := w.active.Close()
	w.active = nil

	if closeErr != nil {
		w.logger.Error("Error during WAL close.", "error", closeErr)
	} else {
		w.logger.Info("WAL closed.")
	}
	return closeErr
}

// encodeOperation serializes a single operation into a writer.
func encodeOperation(w io.Writer, op *core.Operation) error {
	if err := binary.Write(w, binary.LittleEndian, op.Type); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, op.SeqNo); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, op.PrimaryTerm); err != nil {
		return err
	}
	if err := writeUvarintBytes(w, []byte(op.DocID)); err != nil {
		return err
	}
	if err := writeUvarintBytes(w, op.Payload); err != nil {
		return err
	}
	return writeUvarintBytes(w, []byte(op.Reason))
}

// decodeOperation deserializes a single operation from a reader.
func decodeOperation(r io.Reader) (*core.Operation, error) {
	op := &core.Operation{}
	if err := binary.Read(r, binary.LittleEndian, &op.Type); err != nil {
		return nil, fmt.Errorf("failed to read operation type: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &op.SeqNo); err != nil {
		return nil, fmt.Errorf("failed to read sequence number: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &op.PrimaryTerm); err != nil {
		return nil, fmt.Errorf("failed to read primary term: %w", err)
	}

	br, ok := r.(io.ByteReader)
	if !ok {
		return nil, errors.New("decodeOperation requires an io.ByteReader")
	}
	docID, err := readUvarintBytes(r, br)
	if err != nil {
		return nil, fmt.Errorf("failed to read doc id: %w", err)
	}
	op.DocID = string(docID)

	payload, err := readUvarintBytes(r, br)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	op.Payload = payload

	reason, err := readUvarintBytes(r, br)
	if err != nil {
		return nil, fmt.Errorf("failed to read reason: %w", err)
	}
	op.Reason = string(reason)

	return op, nil
}

func writeUvarintBytes(w io.Writer, b []byte) error {
	lenBuf := make([]byte, binary.MaxVarintLen32)
	n := binary.PutUvarint(lenBuf, uint64(len(b)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readUvarintBytes(r io.Reader, br io.ByteReader) ([]byte, error) {
	length, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
