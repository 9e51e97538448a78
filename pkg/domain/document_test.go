package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoc_CloneIsDeep(t *testing.T) {
	class := NewClassDoc("task:core.Task", "class:core.Base", "tasks", "title", "tags")
	doc := &Doc{
		ID:     "t1",
		Class:  "task:core.Task",
		Mixins: []Ref{"class:planner.Priority"},
		Values: Layout{
			"core|Task|tags":  []interface{}{"a", map[string]interface{}{"k": "v"}},
			"core|Task|title": Layout{"en": "write"},
		},
	}

	tests := []struct {
		name   string
		doc    *Doc
		mutate func(c *Doc)
	}{
		{"class attributes", class, func(c *Doc) {
			c.Values[FieldAttributes].(map[string]interface{})["injected"] = map[string]interface{}{}
		}},
		{"nested layout", doc, func(c *Doc) {
			c.Values["core|Task|title"].(Layout)["en"] = "mutated"
		}},
		{"slice element", doc, func(c *Doc) {
			tags := c.Values["core|Task|tags"].([]interface{})
			tags[0] = "mutated"
			tags[1].(map[string]interface{})["k"] = "mutated"
		}},
		{"mixins", doc, func(c *Doc) {
			c.Mixins[0] = "class:core.Other"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, err := tt.doc.MarshalJSON()
			require.NoError(t, err)

			c := tt.doc.Clone()
			assert.Equal(t, tt.doc, c)
			tt.mutate(c)

			after, err := tt.doc.MarshalJSON()
			require.NoError(t, err)
			assert.JSONEq(t, string(before), string(after))
		})
	}

	assert.Equal(t, []string{"tags", "title"}, ClassOf(class.Clone()).AttributeNames())
}
