package domain

import "sort"

// Class is a read-only view over a schema document.
type Class struct {
	Ref        Ref
	Extends    Ref
	Attributes map[string]bool
	Domain     string
}

// ClassOf interprets doc as a class definition. `_attributes` may be an object keyed
// by attribute name or a list of names.
func ClassOf(doc *Doc) *Class {
	c := &Class{Ref: doc.ID, Attributes: make(map[string]bool)}
	if s, ok := doc.Values[FieldExtends].(string); ok {
		c.Extends = Ref(s)
	}
	if s, ok := doc.Values[FieldDomain].(string); ok {
		c.Domain = s
	}
	switch attrs := doc.Values[FieldAttributes].(type) {
	case map[string]interface{}:
		for name := range attrs {
			c.Attributes[name] = true
		}
	case Layout:
		for name := range attrs {
			c.Attributes[name] = true
		}
	case []interface{}:
		for _, name := range attrs {
			if s, ok := name.(string); ok {
				c.Attributes[s] = true
			}
		}
	case []string:
		for _, name := range attrs {
			c.Attributes[name] = true
		}
	}
	return c
}

// Declares reports whether the class itself (not its ancestors) declares name.
func (c *Class) Declares(name string) bool {
	return c.Attributes[name]
}

// AttributeNames returns the declared attribute names, sorted.
func (c *Class) AttributeNames() []string {
	names := make([]string, 0, len(c.Attributes))
	for name := range c.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewClassDoc builds a schema document, mostly useful for seeding models.
func NewClassDoc(ref, extends Ref, domain string, attributes ...string) *Doc {
	attrs := make(map[string]interface{}, len(attributes))
	for _, a := range attributes {
		attrs[a] = map[string]interface{}{}
	}
	doc := &Doc{ID: ref, Class: ClassClass, Values: Layout{FieldAttributes: attrs}}
	if extends != "" {
		doc.Values[FieldExtends] = string(extends)
	}
	if domain != "" {
		doc.Values[FieldDomain] = domain
	}
	return doc
}
