package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
)

const (
	// Magic bytes to identify our file format
	MagicBytes = "GODB"
	// Current version
	FormatVersion = 2
	// File extension for snapshot files
	FileExtension = ".godb"

	snapshotFile = "snapshot" + FileExtension
	walFile      = "wal.log"
)

// FileHeader represents the header of a snapshot file
type FileHeader struct {
	Magic    [4]byte // "GODB"
	Version  uint8   // Format version
	Flags    uint8   // Reserved for future use
	Reserved [2]byte // Reserved for future use
}

// WriteHeader writes the file header to the given writer
func WriteHeader(w io.Writer) error {
	header := FileHeader{
		Magic:   [4]byte{'G', 'O', 'D', 'B'},
		Version: FormatVersion,
	}
	return binary.Write(w, binary.LittleEndian, header)
}

// ReadHeader reads and validates the file header
func ReadHeader(r io.Reader) (*FileHeader, error) {
	var header FileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if string(header.Magic[:]) != MagicBytes {
		return nil, fmt.Errorf("invalid file format: expected %s, got %s", MagicBytes, string(header.Magic[:]))
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported file version: %d", header.Version)
	}
	return &header, nil
}

// Snapshot is the checkpointed state of one tenant. LSN is the last WAL record
// folded into it.
type Snapshot struct {
	LSN     uint64                     `msgpack:"lsn"`
	Domains map[string][]domain.Layout `msgpack:"domains"`
}

// writeSnapshot writes snap to path through a temporary file and an atomic rename.
func writeSnapshot(path string, snap *Snapshot, sync bool) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}

	if err := encodeSnapshot(file, snap); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if sync {
		if err := file.Sync(); err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to sync snapshot: %w", err)
		}
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	if sync {
		return syncDir(filepath.Dir(path))
	}
	return nil
}

func encodeSnapshot(w io.Writer, snap *Snapshot) error {
	if err := WriteHeader(w); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	zw := lz4.NewWriter(w)
	if err := msgpack.NewEncoder(zw).Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress snapshot: %w", err)
	}
	return nil
}

// readSnapshot returns nil without error when no snapshot exists yet.
func readSnapshot(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer file.Close()
	return decodeSnapshot(file)
}

func decodeSnapshot(r io.Reader) (*Snapshot, error) {
	if _, err := ReadHeader(r); err != nil {
		return nil, fmt.Errorf("invalid snapshot header: %w", err)
	}
	var snap Snapshot
	if err := msgpack.NewDecoder(lz4.NewReader(r)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Domains == nil {
		snap.Domains = make(map[string][]domain.Layout)
	}
	return &snap, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}
