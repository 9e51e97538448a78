package server

import (
	"context"
	"errors"
	"sort"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
	"github.com/adfharrison1/go-syncdb/pkg/metrics"
	"github.com/adfharrison1/go-syncdb/pkg/session"
)

var errShuttingDown = domain.Errorf(domain.CodeInternal, "server is shutting down")

// tenantEntry is a loaded tenant: its Session and the connections bound to it.
type tenantEntry struct {
	name    string
	session *session.Session

	// conns is guarded by Registry.mu.
	conns map[string]*conn
}

// attach binds c to its tenant's Session, creating the Session if c is the
// tenant's first connection.
func (r *Registry) attach(ctx context.Context, c *conn) (*tenantEntry, error) {
	e, err := r.entryFor(ctx, c.tenant)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errShuttingDown
	}
	if r.tenants[c.tenant] != e {
		return nil, domain.Errorf(domain.CodeInternal, "tenant %s was closed", c.tenant)
	}
	c.entry = e
	e.conns[c.id] = c
	r.conns.Add(1)
	metrics.ConnectionsActive.Inc()
	return e, nil
}

// entryFor returns the loaded tenant, opening its Session once however many
// connections ask concurrently. A failed open is not remembered, so the next
// connection retries.
func (r *Registry) entryFor(ctx context.Context, tenant string) (*tenantEntry, error) {
	r.mu.Lock()
	e, ok := r.tenants[tenant]
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, errShuttingDown
	}
	if ok {
		return e, nil
	}

	v, err, _ := r.opening.Do(tenant, func() (interface{}, error) {
		r.mu.Lock()
		if e, ok := r.tenants[tenant]; ok {
			r.mu.Unlock()
			return e, nil
		}
		r.mu.Unlock()

		s, err := session.Connect(ctx, r.backend, tenant, r.sessionOptions...)
		if err != nil {
			r.logger.Errorw("failed to open session", "tenant", tenant, "error", err)
			return nil, err
		}
		e := &tenantEntry{name: tenant, session: s, conns: make(map[string]*conn)}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			s.Shutdown(ctx)
			return nil, errShuttingDown
		}
		r.tenants[tenant] = e
		r.mu.Unlock()
		r.logger.Infow("session opened", "tenant", tenant)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tenantEntry), nil
}

// detach forgets c. The Session stays loaded for the tenant's next connection.
func (r *Registry) detach(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := c.entry.conns[c.id]; !ok {
		return
	}
	delete(c.entry.conns, c.id)
	metrics.ConnectionsActive.Dec()
}

// CloseTenant disconnects every connection of tenant and shuts its Session down.
func (r *Registry) CloseTenant(ctx context.Context, tenant string) error {
	r.mu.Lock()
	e, ok := r.tenants[tenant]
	if ok {
		delete(r.tenants, tenant)
	}
	r.mu.Unlock()
	if !ok {
		return domain.Errorf(domain.CodeNotFound, "tenant %s is not loaded", tenant)
	}
	return r.closeEntry(ctx, e)
}

// closeEntry closes the tenant's connections, waits for their in-flight calls
// and then shuts the Session down.
func (r *Registry) closeEntry(ctx context.Context, e *tenantEntry) error {
	conns := r.connsOf(e)
	for _, c := range conns {
		c.close()
	}
	for _, c := range conns {
		select {
		case <-c.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := e.session.Shutdown(ctx); err != nil {
		return err
	}
	r.logger.Infow("session closed", "tenant", e.name)
	return nil
}

func (r *Registry) connsOf(e *tenantEntry) []*conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*conn, 0, len(e.conns))
	for _, c := range e.conns {
		result = append(result, c)
	}
	return result
}

// Shutdown refuses new connections, closes the open ones and shuts every Session
// down. It returns ctx's error if in-flight calls do not finish in time.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := make([]*tenantEntry, 0, len(r.tenants))
	for _, e := range r.tenants {
		entries = append(entries, e)
	}
	r.tenants = make(map[string]*tenantEntry)
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	var errs []error
	for _, e := range entries {
		if err := r.closeEntry(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// Tenants lists the tenants with a loaded Session.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]string, 0, len(r.tenants))
	for name := range r.tenants {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

func (r *Registry) stats() (tenants, conns int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.tenants {
		conns += len(e.conns)
	}
	return len(r.tenants), conns
}
