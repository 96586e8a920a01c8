package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Ripolin/segrep/core"
	"github.com/Ripolin/segrep/sys"
)

const (
	// MaxGenerationSize is the default maximum size for a WAL generation file.
	MaxGenerationSize = 128 * 1024 * 1024 // 128 MB

	recordOverhead = 8 // 4 bytes length + 4 bytes checksum
)

// generation represents a single on-disk generation file of the log.
type generation struct {
	file  sys.FileHandle
	path  string
	index uint64
}

// generationWriter handles appending records to the active generation.
type generationWriter struct {
	*generation
	writer *bufio.Writer
	offset int64
}

// generationReader handles reading records back from a generation file.
type generationReader struct {
	*generation
	reader      *bufio.Reader
	identity    string
	compression core.CompressionType
}

// formatGenerationFileName creates a generation file name from its index.
func formatGenerationFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, core.WALFileSuffix)
}

// parseGenerationFileName extracts the index from a generation file name.
func parseGenerationFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, core.WALFileSuffix) {
		return 0, fmt.Errorf("file %s is not a WAL generation file", name)
	}
	name = strings.TrimSuffix(name, core.WALFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}

// createGeneration creates a new generation file carrying the log's identity
// token in its header.
func createGeneration(dir string, index uint64, identity string, compression core.CompressionType) (*generationWriter, error) {
	path := filepath.Join(dir, formatGenerationFileName(index))
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation file %s: %w", path, err)
	}

	header := core.NewFileHeader(core.WALMagicNumber, compression)
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write generation header to %s: %w", path, err)
	}
	if err := writeIdentity(file, identity); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write identity to %s: %w", path, err)
	}

	gen := &generation{
		file:  file,
		path:  path,
		index: index,
	}
	return &generationWriter{
		generation: gen,
		writer:     bufio.NewWriter(file),
		offset:     int64(header.Size()) + identitySize(identity),
	}, nil
}

// openGenerationForRead opens an existing generation file and verifies its header.
func openGenerationForRead(path string) (*generationReader, error) {
	file, err := sys.OpenFile(path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open generation file for reading %s: %w", path, err)
	}

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		if err == io.EOF {
			return nil, fmt.Errorf("generation file %s is empty or truncated at header", path)
		}
		return nil, fmt.Errorf("failed to read generation header from %s: %w", path, err)
	}
	if header.Magic != core.WALMagicNumber {
		file.Close()
		return nil, fmt.Errorf("invalid magic number in generation %s: got %x, want %x", path, header.Magic, core.WALMagicNumber)
	}
	identity, err := readIdentity(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read identity from %s: %w", path, err)
	}

	index, err := parseGenerationFileName(filepath.Base(path))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("could not parse generation index from path %s: %w", path, err)
	}

	gen := &generation{
		file:  file,
		path:  path,
		index: index,
	}
	return &generationReader{
		generation:  gen,
		reader:      bufio.NewReader(file),
		identity:    identity,
		compression: header.CompressorType,
	}, nil
}

// WriteRecord writes a single record and returns its byte offset and total
// size within the generation file.
// Format: length (4 bytes) | data (variable) | checksum (4 bytes)
func (gw *generationWriter) WriteRecord(data []byte) (offset, size int64, err error) {
	if gw.file == nil {
		return 0, 0, os.ErrClosed
	}

	offset = gw.offset
	if err := binary.Write(gw.writer, binary.LittleEndian, uint32(len(data))); err != nil {
		return 0, 0, fmt.Errorf("failed to write record length: %w", err)
	}
	if _, err := gw.writer.Write(data); err != nil {
		return 0, 0, fmt.Errorf("failed to write record data: %w", err)
	}
	checksum := crc32.ChecksumIEEE(data)
	if err := binary.Write(gw.writer, binary.LittleEndian, checksum); err != nil {
		return 0, 0, fmt.Errorf("failed to write record checksum: %w", err)
	}

	size = int64(len(data) + recordOverhead)
	gw.offset += size
	return offset, size, nil
}

// ReadRecord reads a single record and verifies its checksum.
func (gr *generationReader) ReadRecord() ([]byte, error) {
	var length uint32
	if err := binary.Read(gr.reader, binary.LittleEndian, &length); err != nil {
		// io.EOF here is a clean end of the generation.
		return nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(gr.reader, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read record data: %w", err)
	}
	var checksum uint32
	if err := binary.Read(gr.reader, binary.LittleEndian, &checksum); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read record checksum: %w", err)
	}
	if crc32.ChecksumIEEE(data) != checksum {
		return nil, fmt.Errorf("checksum mismatch in generation %s", gr.path)
	}
	return data, nil
}

// Identity returns the log identity token recorded in the generation header.
func (gr *generationReader) Identity() string {
	return gr.identity
}

// Sync flushes the buffered writer and syncs the file to disk.
func (gw *generationWriter) Sync() error {
	if err := gw.writer.Flush(); err != nil {
		return err
	}
	return gw.file.Sync()
}

// Close flushes and closes the generation file.
func (gw *generationWriter) Close() error {
	if gw.file == nil {
		return nil
	}
	err := gw.Sync()
	closeErr := gw.file.Close()
	gw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Close closes the generation file.
func (gr *generationReader) Close() error {
	if gr.file == nil {
		return nil
	}
	err := gr.file.Close()
	gr.file = nil
	return err
}

// Size returns the current on-disk size of the generation file, including any
// buffered bytes not yet flushed.
func (gw *generationWriter) Size() int64 {
	return gw.offset
}

func writeIdentity(w io.Writer, identity string) error {
	if err := binary.Write(w, binary.LittleEndian, uint16(len(identity))); err != nil {
		return err
	}
	_, err := io.WriteString(w, identity)
	return err
}

func readIdentity(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func identitySize(identity string) int64 {
	return int64(2 + len(identity))
}
