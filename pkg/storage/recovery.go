package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// recover restores the tenant from its snapshot, replays the WAL records written
// after it and cuts off any torn tail. It returns the last applied LSN.
func (ts *tenantStore) recover() (uint64, error) {
	start := time.Now()

	snap, err := readSnapshot(filepath.Join(ts.dir, snapshotFile))
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var lsn uint64
	if snap != nil {
		lsn = snap.LSN
		for name, layouts := range snap.Domains {
			c := newCollection()
			for _, l := range layouts {
				c.add(l)
			}
			ts.domains[name] = c
		}
	}

	path := filepath.Join(ts.dir, walFile)
	records, valid, err := readWAL(path)
	if err != nil {
		return 0, fmt.Errorf("failed to replay WAL entries: %w", err)
	}
	replayed := 0
	for _, rec := range records {
		if rec.LSN <= lsn {
			continue
		}
		ts.apply(rec)
		lsn = rec.LSN
		replayed++
	}
	if replayed > 0 {
		ts.dirty = true
	}

	if info, err := os.Stat(path); err == nil && info.Size() > valid {
		ts.logger.Warnf("discarding %d bytes of torn WAL tail", info.Size()-valid)
		if err := os.Truncate(path, valid); err != nil {
			return 0, fmt.Errorf("failed to truncate WAL file: %w", err)
		}
	}

	ts.logger.Infof("Recovery completed in %v, %d WAL records replayed", time.Since(start), replayed)
	return lsn, nil
}
