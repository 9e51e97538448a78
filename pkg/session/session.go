package session

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
	"github.com/adfharrison1/go-syncdb/pkg/memdb"
	"github.com/adfharrison1/go-syncdb/pkg/metrics"
)

// Service is the operation set a client may invoke on a tenant.
type Service interface {
	Find(ctx context.Context, class domain.Ref, filter domain.Layout) ([]*domain.Doc, error)
	FindOne(ctx context.Context, class domain.Ref, filter domain.Layout) (*domain.Doc, error)
	Commit(ctx context.Context, batch domain.CommitBatch) (*CommitAck, error)
	Delete(ctx context.Context, class domain.Ref, filter domain.Layout) (*DeleteAck, error)
	Load(ctx context.Context, domains ...string) ([]*domain.Doc, error)
	Ping(ctx context.Context) error
}

// CommitAck acknowledges a persisted commit.
type CommitAck struct {
	Created int `json:"created"`
}

// DeleteAck acknowledges a delete.
type DeleteAck struct {
	Deleted []domain.Ref `json:"deleted"`
}

// Session binds one tenant to its in-memory store and its durable storage.
type Session struct {
	tenant  string
	storage domain.Storage
	store   *memdb.Store
	hub     *hub

	// durable lists domains that are not memory resident; they are queried
	// against storage directly.
	durable map[string]bool
	// model holds the ids loaded from the model collection.
	model map[domain.Ref]bool

	commitMu  sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	logger    *zap.SugaredLogger
}

var _ Service = (*Session)(nil)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithDurableDomains keeps the given domains out of memory; find and delete go
// to durable storage for them.
func WithDurableDomains(domains ...string) Option {
	return func(s *Session) {
		for _, d := range domains {
			s.durable[d] = true
		}
	}
}

// Connect opens the tenant's durable storage and loads the model and every
// memory-resident domain into a new store.
func Connect(ctx context.Context, backend domain.Backend, tenant string, options ...Option) (*Session, error) {
	s := &Session{
		tenant:  tenant,
		durable: make(map[string]bool),
		model:   make(map[domain.Ref]bool),
		logger:  zap.NewNop().Sugar(),
	}
	for _, option := range options {
		option(s)
	}
	s.logger = s.logger.With("tenant", tenant)
	s.store = memdb.New(memdb.WithLogger(s.logger))
	s.hub = newHub(s.logger)

	storage, err := backend.Open(ctx, tenant)
	if err != nil {
		return nil, domain.Wrap(domain.CodePersistenceFailure, err, "open storage for %s", tenant)
	}
	s.storage = storage

	if err := s.load(ctx); err != nil {
		if cerr := storage.Close(ctx); cerr != nil {
			s.logger.Warnf("failed to close storage after load error: %v", cerr)
		}
		return nil, err
	}
	metrics.SessionsActive.Inc()
	s.logger.Infof("session ready with %d documents", s.store.Len())
	return s, nil
}

func (s *Session) load(ctx context.Context) error {
	model, err := s.storage.LoadModel(ctx)
	if err != nil {
		return domain.Wrap(domain.CodePersistenceFailure, err, "load model")
	}
	docs := s.parse(model, domain.ModelDomain)
	for _, doc := range docs {
		s.model[doc.ID] = true
	}

	domains, err := s.storage.Domains(ctx)
	if err != nil {
		return domain.Wrap(domain.CodePersistenceFailure, err, "list domains")
	}
	for _, d := range domains {
		if s.durable[d] {
			continue
		}
		layouts, err := s.storage.Load(ctx, d)
		if err != nil {
			return domain.Wrap(domain.CodePersistenceFailure, err, "load domain %s", d)
		}
		docs = append(docs, s.parse(layouts, d)...)
	}
	return s.store.LoadModel(docs)
}

func (s *Session) parse(layouts []domain.Layout, from string) []*domain.Doc {
	docs := make([]*domain.Doc, 0, len(layouts))
	for _, l := range layouts {
		doc, err := domain.DocFromLayout(l)
		if err != nil {
			s.logger.Warnf("skipping stored document in %s: %v", from, err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

// Tenant returns the tenant this session serves.
func (s *Session) Tenant() string {
	return s.tenant
}

// Store exposes the in-memory store, mainly for tests and tooling.
func (s *Session) Store() *memdb.Store {
	return s.store
}

// Subscribe registers for commit and delete events.
func (s *Session) Subscribe(buffer int) *Subscription {
	return s.hub.subscribe(buffer)
}

func (s *Session) checkOpen() error {
	if s.closed.Load() {
		return domain.Errorf(domain.CodeInternal, "session for %s is shut down", s.tenant)
	}
	return nil
}

// Find queries the store, or durable storage for non-resident domains.
func (s *Session) Find(ctx context.Context, class domain.Ref, filter domain.Layout) ([]*domain.Doc, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	groups, err := s.durableGroups(class)
	if err != nil {
		return nil, err
	}
	result, err := s.store.Find(class, filter)
	if err != nil || len(groups) == 0 {
		return result, err
	}

	qualified, err := s.store.Qualify(class, filter)
	if err != nil {
		return nil, err
	}
	for d, classes := range groups {
		layouts, err := s.storage.Find(ctx, d, classes, qualified)
		if err != nil {
			return nil, domain.Wrap(domain.CodePersistenceFailure, err, "find in %s", d)
		}
		result = append(result, s.parse(layouts, d)...)
	}
	return result, nil
}

// durableGroups returns, per non-resident domain, the classes under class stored there.
func (s *Session) durableGroups(class domain.Ref) (map[string][]domain.Ref, error) {
	if len(s.durable) == 0 {
		return nil, nil
	}
	groups, err := s.groupByDomain(class)
	if err != nil {
		return nil, err
	}
	for d := range groups {
		if !s.durable[d] {
			delete(groups, d)
		}
	}
	return groups, nil
}

func (s *Session) groupByDomain(class domain.Ref) (map[string][]domain.Ref, error) {
	classes, err := s.store.Descendants(class)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]domain.Ref)
	for _, c := range classes {
		d, err := s.store.DomainOf(c)
		if err != nil {
			return nil, err
		}
		groups[d] = append(groups[d], c)
	}
	return groups, nil
}

// FindOne returns the first match or nil.
func (s *Session) FindOne(ctx context.Context, class domain.Ref, filter domain.Layout) (*domain.Doc, error) {
	result, err := s.Find(ctx, class, filter)
	if err != nil || len(result) == 0 {
		return nil, err
	}
	return result[0], nil
}

// Load returns a snapshot of the memory-resident documents, optionally limited to domains.
func (s *Session) Load(ctx context.Context, domains ...string) ([]*domain.Doc, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	dump := s.store.Dump()
	if len(domains) == 0 {
		return dump, nil
	}
	wanted := make(map[string]bool, len(domains))
	for _, d := range domains {
		wanted[d] = true
	}
	result := make([]*domain.Doc, 0, len(dump))
	for _, doc := range dump {
		d := domain.ModelDomain
		if !s.model[doc.ID] {
			var err error
			if d, err = s.store.PartitionOf(doc); err != nil {
				continue
			}
		}
		if wanted[d] {
			result = append(result, doc)
		}
	}
	return result, nil
}

// Ping is a liveness check.
func (s *Session) Ping(ctx context.Context) error {
	return s.checkOpen()
}

// Shutdown closes the durable storage and every subscription. Later calls return
// the first call's result.
func (s *Session) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.hub.close()
		s.closeErr = s.storage.Close(ctx)
		metrics.SessionsActive.Dec()
		s.logger.Info("session shut down")
	})
	return s.closeErr
}
