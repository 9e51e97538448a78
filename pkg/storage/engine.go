package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
)

// Engine is the embedded durable storage backend. Each tenant gets its own
// directory under the data dir holding a snapshot and a write-ahead log.
type Engine struct {
	dataDir            string
	durability         DurabilityLevel
	checkpointInterval time.Duration
	maxWALSize         int64
	logger             *zap.SugaredLogger

	mu      sync.Mutex
	tenants map[string]*tenantStore
}

var _ domain.Backend = (*Engine)(nil)

// NewEngine creates the data directory if needed and returns an engine rooted there.
func NewEngine(dataDir string, options ...Option) (*Engine, error) {
	engine := &Engine{
		dataDir:            dataDir,
		durability:         DurabilityOS,
		checkpointInterval: 30 * time.Second,
		maxWALSize:         64 * 1024 * 1024,
		logger:             zap.NewNop().Sugar(),
		tenants:            make(map[string]*tenantStore),
	}
	for _, option := range options {
		option(engine)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return engine, nil
}

// Open recovers the tenant's state on first use and returns a handle to it.
// Handles to the same tenant share state; it is checkpointed and released when
// the last handle closes.
func (e *Engine) Open(ctx context.Context, tenant string) (domain.Storage, error) {
	if err := validTenant(tenant); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ts, ok := e.tenants[tenant]
	if !ok {
		var err error
		ts, err = openTenant(e, tenant)
		if err != nil {
			return nil, err
		}
		e.tenants[tenant] = ts
	}
	ts.refs++
	return &Handle{tenant: ts}, nil
}

func (e *Engine) release(ts *tenantStore) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts.refs--
	if ts.refs > 0 {
		return nil
	}
	delete(e.tenants, ts.name)
	return ts.close()
}

// Close checkpoints and closes every open tenant.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for name, ts := range e.tenants {
		if err := ts.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.tenants, name)
	}
	return firstErr
}

func validTenant(tenant string) error {
	if tenant == "" || tenant == "." || tenant == ".." || strings.ContainsAny(tenant, `/\`) {
		return fmt.Errorf("invalid tenant name %q", tenant)
	}
	return nil
}

func (e *Engine) tenantDir(tenant string) string {
	return filepath.Join(e.dataDir, tenant)
}
