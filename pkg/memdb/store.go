package memdb

import (
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
	"github.com/adfharrison1/go-syncdb/pkg/indexing"
)

// Store holds all documents of one tenant in memory. The class index is built
// lazily on the first query and maintained incrementally afterwards.
type Store struct {
	mu      sync.RWMutex
	objects map[domain.Ref]*domain.Doc
	order   []domain.Ref
	index   *indexing.ClassIndex
	logger  *zap.SugaredLogger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for index diagnostics.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates an empty store.
func New(options ...Option) *Store {
	s := &Store{
		objects: make(map[domain.Ref]*domain.Doc),
		logger:  zap.NewNop().Sugar(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Insert stores a copy of doc. It fails with DuplicateId if the id is taken.
func (s *Store) Insert(doc *domain.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(doc)
}

// InsertAll inserts every document or none of them.
func (s *Store) InsertAll(docs []*domain.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[domain.Ref]bool, len(docs))
	for _, doc := range docs {
		if _, exists := s.objects[doc.ID]; exists || seen[doc.ID] {
			return domain.Errorf(domain.CodeDuplicateID, "document added already %s", doc.ID)
		}
		seen[doc.ID] = true
	}
	for _, doc := range docs {
		if err := s.insertLocked(doc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertLocked(doc *domain.Doc) error {
	if _, exists := s.objects[doc.ID]; exists {
		return domain.Errorf(domain.CodeDuplicateID, "document added already %s", doc.ID)
	}
	stored := doc.Clone()
	s.objects[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	if s.index != nil {
		s.index.Add(stored, s.lineageLocked(stored.Class))
	}
	return nil
}

// LoadModel bulk-inserts an initial document set. The index is left unbuilt.
func (s *Store) LoadModel(docs []*domain.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range docs {
		if err := s.insertLocked(doc); err != nil {
			return err
		}
	}
	s.logger.Debugf("loaded %d documents", len(docs))
	return nil
}

// NewID returns a fresh document id. Ids sort by creation time.
func NewID() domain.Ref {
	return domain.Ref(ulid.Make().String())
}

// CreateDocument qualifies values against class and inserts a new document.
// An id is generated when none is given.
func (s *Store) CreateDocument(class domain.Ref, values domain.Layout, id domain.Ref) (*domain.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.classLocked(class); err != nil {
		return nil, err
	}
	if id == "" {
		id = NewID()
	}
	doc := &domain.Doc{ID: id, Class: class, Values: make(domain.Layout)}
	if err := s.assignLocked(doc.Values, class, values); err != nil {
		return nil, err
	}
	if err := s.insertLocked(doc); err != nil {
		return nil, err
	}
	return doc.Clone(), nil
}

// GetByID returns a copy of the document with the given id.
func (s *Store) GetByID(id domain.Ref) (*domain.Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	return doc.Clone(), nil
}

// Has reports whether a document with the given id exists.
func (s *Store) Has(id domain.Ref) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[id]
	return ok
}

func (s *Store) getLocked(id domain.Ref) (*domain.Doc, error) {
	doc, ok := s.objects[id]
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, "document not found %s", id)
	}
	return doc, nil
}

// Remove deletes a document from the store and from every bucket it was indexed in.
func (s *Store) Remove(id domain.Ref) (*domain.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	delete(s.objects, id)
	for i, ref := range s.order {
		if ref == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	if s.index != nil {
		s.index.Remove(id, s.lineageLocked(doc.Class))
	}
	return doc, nil
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Dump returns a snapshot of every document in insertion order.
func (s *Store) Dump() []*domain.Doc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*domain.Doc, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.objects[id].Clone())
	}
	return result
}
