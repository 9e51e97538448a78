package memdb

import (
	"github.com/adfharrison1/go-syncdb/pkg/domain"
)

// Class returns the class definition stored under ref.
func (s *Store) Class(ref domain.Ref) (*domain.Class, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.classLocked(ref)
}

func (s *Store) classLocked(ref domain.Ref) (*domain.Class, error) {
	doc, ok := s.objects[ref]
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, "class not found %s", ref)
	}
	return domain.ClassOf(doc), nil
}

// HierarchyOf returns class followed by its ancestors, most specific first.
func (s *Store) HierarchyOf(class domain.Ref) ([]domain.Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hierarchyLocked(class)
}

func (s *Store) hierarchyLocked(class domain.Ref) ([]domain.Ref, error) {
	var result []domain.Ref
	seen := make(map[domain.Ref]bool)
	for current := class; current != ""; {
		if seen[current] {
			return nil, domain.Errorf(domain.CodeInternal, "class hierarchy of %s has a cycle at %s", class, current)
		}
		seen[current] = true
		c, err := s.classLocked(current)
		if err != nil {
			return nil, err
		}
		result = append(result, current)
		current = c.Extends
	}
	return result, nil
}

// lineageLocked is hierarchyLocked without failure: it stops at the first
// unknown class or cycle, and always contains class itself.
func (s *Store) lineageLocked(class domain.Ref) []domain.Ref {
	result := []domain.Ref{class}
	seen := map[domain.Ref]bool{class: true}
	current := class
	for {
		doc, ok := s.objects[current]
		if !ok {
			if current != class {
				s.logger.Warnf("class %s in hierarchy of %s not found", current, class)
			}
			return result
		}
		next := domain.ClassOf(doc).Extends
		if next == "" || seen[next] {
			return result
		}
		seen[next] = true
		result = append(result, next)
		current = next
	}
}

// DomainOf resolves the durable-storage partition of class: the nearest `_domain`
// along the hierarchy, otherwise the class's plugin segment.
func (s *Store) DomainOf(class domain.Ref) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.domainLocked(class)
}

func (s *Store) domainLocked(class domain.Ref) (string, error) {
	hierarchy, err := s.hierarchyLocked(class)
	if err != nil {
		return "", err
	}
	for _, ref := range hierarchy {
		if c, _ := s.classLocked(ref); c != nil && c.Domain != "" {
			return c.Domain, nil
		}
	}
	if plugin := class.Plugin(); plugin != "" {
		return plugin, nil
	}
	if ns := class.Namespace(); ns != "" {
		return ns, nil
	}
	return "default", nil
}

// Descendants returns class and every known class that extends it, directly or not.
func (s *Store) Descendants(class domain.Ref) ([]domain.Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.classLocked(class); err != nil {
		return nil, err
	}
	result := []domain.Ref{class}
	for _, id := range s.order {
		doc := s.objects[id]
		if doc.ID == class || !s.isClassLocked(doc) {
			continue
		}
		for _, ancestor := range s.lineageLocked(doc.ID)[1:] {
			if ancestor == class {
				result = append(result, doc.ID)
				break
			}
		}
	}
	return result, nil
}

func (s *Store) isClassLocked(doc *domain.Doc) bool {
	for _, ref := range s.lineageLocked(doc.Class) {
		if ref == domain.ClassClass || ref == domain.ClassMixin {
			return true
		}
	}
	return false
}

// PartitionOf returns the storage domain doc belongs in. Classes and mixins live
// in the model collection; every other document follows DomainOf its class.
func (s *Store) PartitionOf(doc *domain.Doc) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.isClassLocked(doc) {
		return domain.ModelDomain, nil
	}
	return s.domainLocked(doc.Class)
}
