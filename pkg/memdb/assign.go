package memdb

import (
	"errors"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
)

// AttributeKey qualifies an attribute name with the plugin and local name of the
// class that owns it, so equally named attributes of different classes never collide.
func AttributeKey(class domain.Ref, name string) string {
	return class.Plugin() + "|" + class.LocalName() + "|" + name
}

// ResolveAttributeOwner walks the hierarchy of class upwards until a class declares name.
func (s *Store) ResolveAttributeOwner(class domain.Ref, name string) (domain.Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ownerLocked(class, name)
}

func (s *Store) ownerLocked(class domain.Ref, name string) (domain.Ref, error) {
	seen := make(map[domain.Ref]bool)
	for current := class; current != "" && !seen[current]; {
		seen[current] = true
		c, err := s.classLocked(current)
		if err != nil {
			return "", err
		}
		if c.Declares(name) {
			return current, nil
		}
		current = c.Extends
	}
	return "", domain.Errorf(domain.CodeAttributeNotFound, "attribute not found: %s on %s", name, class)
}

// Qualify maps values onto their storage keys. System keys and keys that are already
// qualified pass through; every other key is stored under the class that declares it.
func (s *Store) Qualify(class domain.Ref, values domain.Layout) (domain.Layout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qualifyLocked(class, values)
}

func (s *Store) qualifyLocked(class domain.Ref, values domain.Layout, fallback ...domain.Ref) (domain.Layout, error) {
	out := make(domain.Layout, len(values))
	for key, value := range values {
		if domain.IsSystemKey(key) || domain.IsQualifiedKey(key) {
			out[key] = value
			continue
		}
		owner, err := s.ownerLocked(class, key)
		for i := 0; err != nil && errors.Is(err, domain.ErrAttributeNotFound) && i < len(fallback); i++ {
			owner, err = s.ownerLocked(fallback[i], key)
		}
		if err != nil {
			return nil, err
		}
		out[AttributeKey(owner, key)] = value
	}
	return out, nil
}

// Assign writes values into target under their qualified keys. Nothing is written
// if any key fails to resolve.
func (s *Store) Assign(target domain.Layout, class domain.Ref, values domain.Layout) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assignLocked(target, class, values)
}

func (s *Store) assignLocked(target domain.Layout, class domain.Ref, values domain.Layout) error {
	qualified, err := s.qualifyLocked(class, values)
	if err != nil {
		return err
	}
	for k, v := range qualified {
		target[k] = v
	}
	return nil
}

// ApplyMixin grafts values onto an existing document under the mixin's namespace.
// Repeated application appends the mixin again.
func (s *Store) ApplyMixin(id domain.Ref, mixin domain.Ref, values domain.Layout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.getLocked(id)
	if err != nil {
		return err
	}
	qualified, err := s.qualifyLocked(mixin, values)
	if err != nil {
		return err
	}
	doc.Mixins = append(doc.Mixins, mixin)
	for k, v := range qualified {
		switch k {
		case domain.FieldID, domain.FieldClass, domain.FieldMixins:
			continue
		}
		doc.Values[k] = v
	}
	return nil
}

// Normalize validates a document about to be created: its class and mixins must
// exist, and unqualified attributes are resolved against the class and then each
// mixin. The returned document is a new value.
func (s *Store) Normalize(doc *domain.Doc) (*domain.Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.classLocked(doc.Class); err != nil {
		return nil, err
	}
	for _, mixin := range doc.Mixins {
		if _, err := s.classLocked(mixin); err != nil {
			return nil, err
		}
	}
	values, err := s.qualifyLocked(doc.Class, doc.Values, doc.Mixins...)
	if err != nil {
		return nil, err
	}
	out := doc.Clone()
	out.Values = values
	return out, nil
}
