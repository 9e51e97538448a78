package indexing

import (
	"testing"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassIndex_AddBucketsAlongHierarchy(t *testing.T) {
	idx := NewClassIndex()
	task := &domain.Doc{ID: "doc:core.Task#1", Class: "class:core.Task"}
	hierarchy := []domain.Ref{"class:core.Task", "class:core.Doc"}

	idx.Add(task, hierarchy)

	for _, class := range hierarchy {
		bucket := idx.Bucket(class)
		require.Len(t, bucket, 1, class)
		assert.Same(t, task, bucket[0])
	}
	assert.Empty(t, idx.Bucket("class:core.Issue"))
	assert.ElementsMatch(t, hierarchy, idx.Classes())
}

func TestClassIndex_Remove(t *testing.T) {
	idx := NewClassIndex()
	hierarchy := []domain.Ref{"class:core.Task", "class:core.Doc"}
	first := &domain.Doc{ID: "doc:core.Task#1", Class: "class:core.Task"}
	second := &domain.Doc{ID: "doc:core.Task#2", Class: "class:core.Task"}
	idx.Add(first, hierarchy)
	idx.Add(second, hierarchy)

	before := idx.Bucket("class:core.Doc")
	idx.Remove(first.ID, hierarchy)

	assert.Equal(t, 1, idx.Count("class:core.Task"))
	assert.Equal(t, second.ID, idx.Bucket("class:core.Doc")[0].ID)
	// earlier readers keep their view
	assert.Len(t, before, 2)
	assert.Equal(t, first.ID, before[0].ID)

	idx.Remove(second.ID, hierarchy)
	assert.Empty(t, idx.Classes())
}

func TestClassIndex_RemoveUnknownIsNoop(t *testing.T) {
	idx := NewClassIndex()
	doc := &domain.Doc{ID: "doc:core.Task#1", Class: "class:core.Task"}
	idx.Add(doc, []domain.Ref{"class:core.Task"})

	idx.Remove("doc:core.Task#missing", []domain.Ref{"class:core.Task"})

	assert.Equal(t, 1, idx.Count("class:core.Task"))
}
