package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
	"github.com/adfharrison1/go-syncdb/pkg/metrics"
)

// recordKind is the type of a WAL record
type recordKind uint8

const (
	recordAppend recordKind = iota + 1
	recordRemove
)

// frameHeaderSize is the length prefix plus the CRC32 of the payload.
const frameHeaderSize = 8

// maxRecordSize bounds a single record; larger lengths are treated as corruption.
const maxRecordSize = 256 << 20

// record is one durable operation on a single domain.
type record struct {
	LSN    uint64          `msgpack:"lsn"`
	Kind   recordKind      `msgpack:"kind"`
	Domain string          `msgpack:"domain"`
	Docs   []domain.Layout `msgpack:"docs,omitempty"`
	IDs    []string        `msgpack:"ids,omitempty"`
}

// wal appends framed msgpack records to a single log file. Callers serialize access.
type wal struct {
	path       string
	file       *os.File
	durability DurabilityLevel
	lsn        uint64
	size       int64
}

func openWAL(path string, durability DurabilityLevel, lsn uint64) (*wal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}
	return &wal{
		path:       path,
		file:       file,
		durability: durability,
		lsn:        lsn,
		size:       info.Size(),
	}, nil
}

// write assigns the next LSN to rec and appends it.
func (w *wal) write(rec *record) error {
	w.lsn++
	rec.LSN = w.lsn
	if w.durability == DurabilityNone {
		return nil
	}

	payload, err := msgpack.Marshal(rec)
	if err != nil {
		w.lsn--
		return fmt.Errorf("failed to marshal WAL record: %w", err)
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderSize:], payload)

	n, err := w.file.Write(frame)
	if err != nil {
		w.lsn--
		if n > 0 {
			// drop the partial frame so later records stay readable
			w.file.Truncate(w.size)
		}
		return fmt.Errorf("failed to write to WAL file: %w", err)
	}
	w.size += int64(n)
	metrics.WALBytes.Add(float64(n))

	if w.durability == DurabilityFull {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL file: %w", err)
		}
	}
	return nil
}

// reset empties the log after its records were folded into a snapshot.
func (w *wal) reset() error {
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate WAL file: %w", err)
	}
	w.size = 0
	if w.durability == DurabilityFull {
		return w.file.Sync()
	}
	return nil
}

func (w *wal) close() error {
	return w.file.Close()
}

// readWAL decodes every intact record in path. valid is the offset just past the
// last intact record; anything after it is a torn or corrupt tail.
func readWAL(path string) (records []*record, valid int64, err error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open WAL file: %w", err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return records, valid, nil
			}
			return nil, 0, fmt.Errorf("error reading WAL file: %w", err)
		}
		size := binary.LittleEndian.Uint32(header[0:4])
		sum := binary.LittleEndian.Uint32(header[4:8])
		if size > maxRecordSize {
			return records, valid, nil
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return records, valid, nil
			}
			return nil, 0, fmt.Errorf("error reading WAL file: %w", err)
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return records, valid, nil
		}
		var rec record
		if err := msgpack.Unmarshal(payload, &rec); err != nil {
			return records, valid, nil
		}
		records = append(records, &rec)
		valid += int64(frameHeaderSize) + int64(size)
	}
}
