package memdb

import (
	"github.com/adfharrison1/go-syncdb/pkg/domain"
	"github.com/adfharrison1/go-syncdb/pkg/indexing"
)

// BuildIndex indexes every stored document along its class hierarchy. It does
// nothing once the index exists.
func (s *Store) BuildIndex() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildIndexLocked()
}

func (s *Store) buildIndexLocked() {
	if s.index != nil {
		return
	}
	s.logger.Debugf("indexing %d documents", len(s.order))
	idx := indexing.NewClassIndex()
	for _, id := range s.order {
		doc := s.objects[id]
		idx.Add(doc, s.lineageLocked(doc.Class))
	}
	s.index = idx
}

// Indexed reports whether the class index has been built.
func (s *Store) Indexed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index != nil
}

// Find returns copies of the documents of class (or any subclass) whose attributes
// equal every filter value. The result is a fresh slice.
func (s *Store) Find(class domain.Ref, filter domain.Layout) ([]*domain.Doc, error) {
	if !s.Indexed() {
		s.BuildIndex()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.classLocked(class); err != nil {
		return nil, err
	}
	var qualified domain.Layout
	if len(filter) > 0 {
		var err error
		if qualified, err = s.qualifyLocked(class, filter); err != nil {
			return nil, err
		}
	}
	bucket := s.index.Bucket(class)
	result := make([]*domain.Doc, 0, len(bucket))
	for _, doc := range bucket {
		if doc.Matches(qualified) {
			result = append(result, doc.Clone())
		}
	}
	return result, nil
}

// FindOne returns the first match, or nil when nothing matches.
func (s *Store) FindOne(class domain.Ref, filter domain.Layout) (*domain.Doc, error) {
	result, err := s.Find(class, filter)
	if err != nil || len(result) == 0 {
		return nil, err
	}
	return result[0], nil
}
