package domain

import "strings"

// Ref is a namespaced stable identifier of the form `namespace:Plugin.LocalName`.
type Ref string

// Well-known schema classes.
const (
	ClassClass Ref = "class:core.Class"
	ClassMixin Ref = "class:core.Mixin"
	ClassDoc   Ref = "class:core.Doc"
)

// Namespace returns the part before the first ':'.
func (r Ref) Namespace() string {
	s := string(r)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return ""
}

// Plugin returns the segment between ':' and the first '.' that follows it.
func (r Ref) Plugin() string {
	plugin, _ := r.split()
	return plugin
}

// LocalName returns the segment after the plugin.
func (r Ref) LocalName() string {
	_, local := r.split()
	return local
}

func (r Ref) split() (string, string) {
	s := string(r)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}

func (r Ref) String() string {
	return string(r)
}
