package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// System field names. Keys starting with SystemPrefix are never namespaced.
const (
	SystemPrefix    = "_"
	FieldID         = "_id"
	FieldClass      = "_class"
	FieldMixins     = "_mixins"
	FieldExtends    = "_extends"
	FieldAttributes = "_attributes"
	FieldDomain     = "_domain"
)

// Layout is the untyped, flat storage form of a document: system fields plus
// qualified attribute keys. It only crosses the storage and wire boundaries.
type Layout map[string]interface{}

// Doc is a stored record.
type Doc struct {
	ID     Ref
	Class  Ref
	Mixins []Ref
	// Values holds system fields other than _id/_class/_mixins and qualified attribute values.
	Values Layout
}

// IsSystemKey reports whether key is written verbatim by assignment.
func IsSystemKey(key string) bool {
	return strings.HasPrefix(key, SystemPrefix)
}

// IsQualifiedKey reports whether key is already in `plugin|Class|attr` form.
func IsQualifiedKey(key string) bool {
	return strings.Count(key, "|") == 2
}

// Get returns the value stored under key, resolving the typed system fields.
func (d *Doc) Get(key string) (interface{}, bool) {
	switch key {
	case FieldID:
		return string(d.ID), true
	case FieldClass:
		return string(d.Class), true
	case FieldMixins:
		if len(d.Mixins) == 0 {
			return nil, false
		}
		return refsToStrings(d.Mixins), true
	}
	v, ok := d.Values[key]
	return v, ok
}

// Clone returns a copy sharing no maps or slices with d, nested values included.
func (d *Doc) Clone() *Doc {
	c := &Doc{ID: d.ID, Class: d.Class}
	if d.Mixins != nil {
		c.Mixins = append([]Ref(nil), d.Mixins...)
	}
	c.Values = make(Layout, len(d.Values))
	for k, v := range d.Values {
		c.Values[k] = copyValue(v)
	}
	return c
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Layout:
		m := make(Layout, len(t))
		for k, e := range t {
			m[k] = copyValue(e)
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = copyValue(e)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, e := range t {
			s[i] = copyValue(e)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	case []Ref:
		return append([]Ref(nil), t...)
	}
	return v
}

// ToLayout flattens the document into its storage form.
func (d *Doc) ToLayout() Layout {
	l := make(Layout, len(d.Values)+3)
	for k, v := range d.Values {
		l[k] = v
	}
	l[FieldID] = string(d.ID)
	l[FieldClass] = string(d.Class)
	if len(d.Mixins) > 0 {
		l[FieldMixins] = refsToStrings(d.Mixins)
	}
	return l
}

// DocFromLayout parses the storage form. `id` and `class` are accepted as aliases
// of `_id` and `_class`.
func DocFromLayout(l Layout) (*Doc, error) {
	d := &Doc{Values: make(Layout, len(l))}
	for k, v := range l {
		switch k {
		case FieldID, "id":
			s, ok := v.(string)
			if !ok || s == "" {
				return nil, Errorf(CodeProtocolError, "invalid document id %v", v)
			}
			d.ID = Ref(s)
		case FieldClass, "class":
			s, ok := v.(string)
			if !ok || s == "" {
				return nil, Errorf(CodeProtocolError, "invalid document class %v", v)
			}
			d.Class = Ref(s)
		case FieldMixins:
			mixins, err := toRefs(v)
			if err != nil {
				return nil, err
			}
			d.Mixins = mixins
		default:
			d.Values[k] = v
		}
	}
	if d.ID == "" {
		return nil, Errorf(CodeProtocolError, "document without %s", FieldID)
	}
	if d.Class == "" {
		return nil, Errorf(CodeProtocolError, "document %s without %s", d.ID, FieldClass)
	}
	return d, nil
}

func (d *Doc) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.ToLayout())
}

func (d *Doc) UnmarshalJSON(data []byte) error {
	var l Layout
	if err := json.Unmarshal(data, &l); err != nil {
		return err
	}
	parsed, err := DocFromLayout(l)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

// CommitBatch is a set of newly created documents submitted atomically.
type CommitBatch struct {
	Created []Layout `json:"created"`
}

func refsToStrings(refs []Ref) []interface{} {
	out := make([]interface{}, len(refs))
	for i, r := range refs {
		out[i] = string(r)
	}
	return out
}

func toRefs(v interface{}) ([]Ref, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []Ref:
		return append([]Ref(nil), list...), nil
	case []string:
		out := make([]Ref, len(list))
		for i, s := range list {
			out[i] = Ref(s)
		}
		return out, nil
	case []interface{}:
		out := make([]Ref, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, Errorf(CodeProtocolError, "invalid mixin reference %v", item)
			}
			out = append(out, Ref(s))
		}
		return out, nil
	default:
		return nil, Errorf(CodeProtocolError, "invalid %s value of type %T", FieldMixins, v)
	}
}

// String is used in log lines.
func (d *Doc) String() string {
	return fmt.Sprintf("%s(%s)", d.ID, d.Class)
}
