package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
)

// collection holds one domain's layouts in insertion order.
type collection struct {
	ids  []string
	docs map[string]domain.Layout
}

func newCollection() *collection {
	return &collection{docs: make(map[string]domain.Layout)}
}

func (c *collection) add(l domain.Layout) {
	id, _ := l[domain.FieldID].(string)
	if _, exists := c.docs[id]; !exists {
		c.ids = append(c.ids, id)
	}
	c.docs[id] = l
}

func (c *collection) remove(ids []string) {
	removed := false
	for _, id := range ids {
		if _, ok := c.docs[id]; ok {
			delete(c.docs, id)
			removed = true
		}
	}
	if !removed {
		return
	}
	kept := c.ids[:0]
	for _, id := range c.ids {
		if _, ok := c.docs[id]; ok {
			kept = append(kept, id)
		}
	}
	c.ids = kept
}

func (c *collection) layouts() []domain.Layout {
	result := make([]domain.Layout, 0, len(c.ids))
	for _, id := range c.ids {
		result = append(result, copyLayout(c.docs[id]))
	}
	return result
}

// tenantStore is the recovered state of one tenant plus its open WAL.
type tenantStore struct {
	engine *Engine
	name   string
	dir    string
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	domains map[string]*collection
	wal     *wal
	dirty   bool
	closed  bool
	refs    int

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func openTenant(e *Engine, name string) (*tenantStore, error) {
	ts := &tenantStore{
		engine:   e,
		name:     name,
		dir:      e.tenantDir(name),
		logger:   e.logger.With("tenant", name),
		domains:  make(map[string]*collection),
		stopChan: make(chan struct{}),
	}
	if err := os.MkdirAll(ts.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tenant directory: %w", err)
	}
	lsn, err := ts.recover()
	if err != nil {
		return nil, fmt.Errorf("failed to recover tenant %s: %w", name, err)
	}
	ts.wal, err = openWAL(filepath.Join(ts.dir, walFile), e.durability, lsn)
	if err != nil {
		return nil, err
	}
	if e.checkpointInterval > 0 {
		ts.wg.Add(1)
		go ts.runCheckpoints(e.checkpointInterval)
	}
	return ts, nil
}

// log writes rec to the WAL and applies it. Callers hold mu.
func (ts *tenantStore) log(rec *record) error {
	if ts.closed {
		return fmt.Errorf("storage for %s is closed", ts.name)
	}
	if err := ts.wal.write(rec); err != nil {
		return err
	}
	ts.apply(rec)
	ts.dirty = true
	if ts.engine.maxWALSize > 0 && ts.wal.size >= ts.engine.maxWALSize {
		if err := ts.checkpointLocked(); err != nil {
			ts.logger.Warnf("size triggered checkpoint failed: %v", err)
		}
	}
	return nil
}

func (ts *tenantStore) apply(rec *record) {
	switch rec.Kind {
	case recordAppend:
		c, ok := ts.domains[rec.Domain]
		if !ok {
			c = newCollection()
			ts.domains[rec.Domain] = c
		}
		for _, l := range rec.Docs {
			c.add(l)
		}
	case recordRemove:
		if c, ok := ts.domains[rec.Domain]; ok {
			c.remove(rec.IDs)
		}
	}
}

func (ts *tenantStore) close() error {
	ts.closeOnce.Do(func() {
		close(ts.stopChan)
		ts.wg.Wait()

		ts.mu.Lock()
		defer ts.mu.Unlock()
		if err := ts.checkpointLocked(); err != nil {
			ts.closeErr = err
		}
		if err := ts.wal.close(); err != nil && ts.closeErr == nil {
			ts.closeErr = fmt.Errorf("failed to close WAL file: %w", err)
		}
		ts.closed = true
	})
	return ts.closeErr
}

// Handle is a tenant's domain.Storage.
type Handle struct {
	tenant    *tenantStore
	closeOnce sync.Once
	closeErr  error
}

var _ domain.Storage = (*Handle)(nil)

// LoadModel returns the schema documents.
func (h *Handle) LoadModel(ctx context.Context) ([]domain.Layout, error) {
	return h.Load(ctx, domain.ModelDomain)
}

// Domains lists the stored data domains, sorted, without the model collection.
func (h *Handle) Domains(ctx context.Context) ([]string, error) {
	ts := h.tenant
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	names := make([]string, 0, len(ts.domains))
	for name := range ts.domains {
		if name != domain.ModelDomain {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Load returns every layout stored in d in insertion order.
func (h *Handle) Load(ctx context.Context, d string) ([]domain.Layout, error) {
	ts := h.tenant
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	c, ok := ts.domains[d]
	if !ok {
		return []domain.Layout{}, nil
	}
	return c.layouts(), nil
}

// Append stores docs in d as a single WAL record.
func (h *Handle) Append(ctx context.Context, d string, docs []domain.Layout) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ts := h.tenant
	ts.mu.Lock()
	defer ts.mu.Unlock()

	c := ts.domains[d]
	stored := make([]domain.Layout, 0, len(docs))
	seen := make(map[string]bool, len(docs))
	for _, l := range docs {
		id, _ := l[domain.FieldID].(string)
		if id == "" {
			return domain.Errorf(domain.CodeProtocolError, "document without %s", domain.FieldID)
		}
		if seen[id] {
			return domain.Errorf(domain.CodeDuplicateID, "document added already %s", id)
		}
		if c != nil {
			if _, exists := c.docs[id]; exists {
				return domain.Errorf(domain.CodeDuplicateID, "document added already %s", id)
			}
		}
		seen[id] = true
		stored = append(stored, copyLayout(l))
	}
	if len(stored) == 0 {
		return nil
	}
	return ts.log(&record{Kind: recordAppend, Domain: d, Docs: stored})
}

// Find returns the layouts in d whose class is one of classes and that match filter.
func (h *Handle) Find(ctx context.Context, d string, classes []domain.Ref, filter domain.Layout) ([]domain.Layout, error) {
	ts := h.tenant
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	result := []domain.Layout{}
	c, ok := ts.domains[d]
	if !ok {
		return result, nil
	}
	for _, id := range c.ids {
		l := c.docs[id]
		if domain.InClasses(l, classes) && domain.Matches(l, filter) {
			result = append(result, copyLayout(l))
		}
	}
	return result, nil
}

// Delete removes the layouts Find would return and reports their ids.
func (h *Handle) Delete(ctx context.Context, d string, classes []domain.Ref, filter domain.Layout) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ts := h.tenant
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ids := []string{}
	c, ok := ts.domains[d]
	if !ok {
		return ids, nil
	}
	for _, id := range c.ids {
		l := c.docs[id]
		if domain.InClasses(l, classes) && domain.Matches(l, filter) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ids, nil
	}
	if err := ts.log(&record{Kind: recordRemove, Domain: d, IDs: ids}); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove deletes ids from d. Unknown ids are ignored.
func (h *Handle) Remove(ctx context.Context, d string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ts := h.tenant
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.log(&record{Kind: recordRemove, Domain: d, IDs: append([]string(nil), ids...)})
}

// Checkpoint folds the WAL into a new snapshot now.
func (h *Handle) Checkpoint() error {
	ts := h.tenant
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.checkpointLocked()
}

// Close releases the handle. The last handle of a tenant checkpoints it.
func (h *Handle) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.closeErr = h.tenant.engine.release(h.tenant)
	})
	return h.closeErr
}

func copyLayout(l domain.Layout) domain.Layout {
	c := make(domain.Layout, len(l))
	for k, v := range l {
		c[k] = v
	}
	return c
}
