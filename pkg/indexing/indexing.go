package indexing

import (
	"github.com/adfharrison1/go-syncdb/pkg/domain"
)

// ClassIndex buckets documents by every class along their hierarchy, so a query
// against a base class sees documents of all of its subclasses.
type ClassIndex struct {
	byClass map[domain.Ref][]*domain.Doc
}

// NewClassIndex creates an empty index.
func NewClassIndex() *ClassIndex {
	return &ClassIndex{
		byClass: make(map[domain.Ref][]*domain.Doc),
	}
}

// Add appends doc to the bucket of each class in hierarchy.
func (ci *ClassIndex) Add(doc *domain.Doc, hierarchy []domain.Ref) {
	for _, class := range hierarchy {
		ci.byClass[class] = append(ci.byClass[class], doc)
	}
}

// Remove drops the document with the given id from the buckets of hierarchy.
func (ci *ClassIndex) Remove(id domain.Ref, hierarchy []domain.Ref) {
	for _, class := range hierarchy {
		bucket := ci.byClass[class]
		for i, doc := range bucket {
			if doc.ID == id {
				// copy so slices handed out earlier are never rewritten
				next := make([]*domain.Doc, 0, len(bucket)-1)
				next = append(next, bucket[:i]...)
				next = append(next, bucket[i+1:]...)
				bucket = next
				break
			}
		}
		if len(bucket) == 0 {
			delete(ci.byClass, class)
		} else {
			ci.byClass[class] = bucket
		}
	}
}

// Bucket returns the live bucket for class. Callers must not modify it.
func (ci *ClassIndex) Bucket(class domain.Ref) []*domain.Doc {
	return ci.byClass[class]
}

// Count returns the number of documents indexed under class.
func (ci *ClassIndex) Count(class domain.Ref) int {
	return len(ci.byClass[class])
}

// Classes returns every class that has at least one document.
func (ci *ClassIndex) Classes() []domain.Ref {
	classes := make([]domain.Ref, 0, len(ci.byClass))
	for class := range ci.byClass {
		classes = append(classes, class)
	}
	return classes
}
