package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
)

func newTestEngine(t *testing.T, dir string, options ...Option) *Engine {
	t.Helper()
	options = append([]Option{
		WithCheckpointInterval(0),
		WithLogger(zaptest.NewLogger(t).Sugar()),
	}, options...)
	engine, err := NewEngine(dir, options...)
	require.NoError(t, err)
	return engine
}

func task(id, title string) domain.Layout {
	return domain.Layout{
		"_id":             id,
		"_class":          "task:core.Task",
		"core|Task|title": title,
	}
}

func bug(id, title string) domain.Layout {
	return domain.Layout{
		"_id":             id,
		"_class":          "task:tracker.Bug",
		"core|Task|title": title,
	}
}

func ids(layouts []domain.Layout) []string {
	result := make([]string, 0, len(layouts))
	for _, l := range layouts {
		result = append(result, l["_id"].(string))
	}
	return result
}

func TestEngine_AppendFindLoad(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, t.TempDir())
	defer engine.Close()

	st, err := engine.Open(ctx, "acme")
	require.NoError(t, err)

	require.NoError(t, st.Append(ctx, domain.ModelDomain, []domain.Layout{
		{"_id": "task:core.Task", "_class": "class:core.Class"},
	}))
	require.NoError(t, st.Append(ctx, "tasks", []domain.Layout{task("t1", "write"), bug("b1", "crash")}))
	require.NoError(t, st.Append(ctx, "tasks", []domain.Layout{task("t2", "write")}))

	model, err := st.LoadModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"task:core.Task"}, ids(model))

	domains, err := st.Domains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tasks"}, domains)

	all, err := st.Load(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "b1", "t2"}, ids(all))

	tests := []struct {
		name    string
		classes []domain.Ref
		filter  domain.Layout
		want    []string
	}{
		{"no constraint", nil, nil, []string{"t1", "b1", "t2"}},
		{"filter only", nil, domain.Layout{"core|Task|title": "write"}, []string{"t1", "t2"}},
		{"class only", []domain.Ref{"task:tracker.Bug"}, nil, []string{"b1"}},
		{"class and filter", []domain.Ref{"task:core.Task"}, domain.Layout{"core|Task|title": "crash"}, []string{}},
		{"by id", nil, domain.Layout{"_id": "t2"}, []string{"t2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, err := st.Find(ctx, "tasks", tt.classes, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(found))
		})
	}

	missing, err := st.Find(ctx, "nothing", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestEngine_AppendRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, t.TempDir())
	defer engine.Close()

	st, err := engine.Open(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, "tasks", []domain.Layout{task("t1", "a")}))

	err = st.Append(ctx, "tasks", []domain.Layout{task("t2", "b"), task("t1", "again")})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateID)

	err = st.Append(ctx, "tasks", []domain.Layout{task("t3", "b"), task("t3", "b")})
	assert.ErrorIs(t, err, domain.ErrDuplicateID)

	all, err := st.Load(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids(all))
}

func TestEngine_DeleteAndRemove(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, t.TempDir())
	defer engine.Close()

	st, err := engine.Open(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, "tasks", []domain.Layout{
		task("t1", "a"), bug("b1", "a"), task("t2", "b"),
	}))

	deleted, err := st.Delete(ctx, "tasks", []domain.Ref{"task:tracker.Bug"}, domain.Layout{"core|Task|title": "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, deleted)

	deleted, err = st.Delete(ctx, "tasks", nil, domain.Layout{"core|Task|title": "zzz"})
	require.NoError(t, err)
	assert.Empty(t, deleted)

	require.NoError(t, st.Remove(ctx, "tasks", []string{"t2", "unknown"}))

	all, err := st.Load(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids(all))
}

func TestEngine_RecoversFromWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// The first engine is never closed, so nothing is checkpointed.
	crashed := newTestEngine(t, dir)
	st, err := crashed.Open(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, "tasks", []domain.Layout{task("t1", "a"), task("t2", "b")}))
	require.NoError(t, st.Remove(ctx, "tasks", []string{"t1"}))
	require.NoError(t, st.Append(ctx, domain.ModelDomain, []domain.Layout{{"_id": "task:core.Task", "_class": "class:core.Class"}}))

	_, err = os.Stat(filepath.Join(dir, "acme", snapshotFile))
	assert.True(t, os.IsNotExist(err))

	restarted := newTestEngine(t, dir)
	defer restarted.Close()
	st2, err := restarted.Open(ctx, "acme")
	require.NoError(t, err)

	all, err := st2.Load(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, ids(all))
	model, err := st2.LoadModel(ctx)
	require.NoError(t, err)
	assert.Len(t, model, 1)
}

func TestEngine_CheckpointTruncatesWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	engine := newTestEngine(t, dir)
	st, err := engine.Open(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, "tasks", []domain.Layout{task("t1", "a")}))

	walPath := filepath.Join(dir, "acme", walFile)
	info, err := os.Stat(walPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	require.NoError(t, st.(*Handle).Checkpoint())

	info, err = os.Stat(walPath)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
	_, err = os.Stat(filepath.Join(dir, "acme", snapshotFile))
	require.NoError(t, err)

	// Records after the checkpoint land in the fresh WAL on top of the snapshot.
	require.NoError(t, st.Append(ctx, "tasks", []domain.Layout{task("t2", "b")}))

	restarted := newTestEngine(t, dir)
	defer restarted.Close()
	st2, err := restarted.Open(ctx, "acme")
	require.NoError(t, err)
	all, err := st2.Load(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ids(all))

	require.NoError(t, st2.Append(ctx, "tasks", []domain.Layout{task("t3", "c")}))
	records, _, err := readWAL(walPath)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Greater(t, records[len(records)-1].LSN, uint64(2))
}

func TestEngine_DiscardsTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	crashed := newTestEngine(t, dir)
	st, err := crashed.Open(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, "tasks", []domain.Layout{task("t1", "a")}))
	require.NoError(t, st.Append(ctx, "tasks", []domain.Layout{task("t2", "b")}))

	walPath := filepath.Join(dir, "acme", walFile)
	intact, err := os.Stat(walPath)
	require.NoError(t, err)

	f, err := os.OpenFile(walPath, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x20, 0, 0, 0, 1, 2, 3, 4, 0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	restarted := newTestEngine(t, dir)
	defer restarted.Close()
	st2, err := restarted.Open(ctx, "acme")
	require.NoError(t, err)

	all, err := st2.Load(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ids(all))

	info, err := os.Stat(walPath)
	require.NoError(t, err)
	assert.Equal(t, intact.Size(), info.Size())
}

func TestEngine_CloseCheckpoints(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	engine := newTestEngine(t, dir, WithDurability(DurabilityNone))
	st, err := engine.Open(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, "tasks", []domain.Layout{task("t1", "a")}))
	require.NoError(t, st.Close(ctx))
	require.NoError(t, st.Close(ctx))

	restarted := newTestEngine(t, dir)
	defer restarted.Close()
	st2, err := restarted.Open(ctx, "acme")
	require.NoError(t, err)
	all, err := st2.Load(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids(all))
}

func TestEngine_HandlesShareTenant(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, t.TempDir())
	defer engine.Close()

	first, err := engine.Open(ctx, "acme")
	require.NoError(t, err)
	second, err := engine.Open(ctx, "acme")
	require.NoError(t, err)
	other, err := engine.Open(ctx, "globex")
	require.NoError(t, err)

	require.NoError(t, first.Append(ctx, "tasks", []domain.Layout{task("t1", "a")}))

	shared, err := second.Load(ctx, "tasks")
	require.NoError(t, err)
	assert.Len(t, shared, 1)
	isolated, err := other.Load(ctx, "tasks")
	require.NoError(t, err)
	assert.Empty(t, isolated)

	require.NoError(t, first.Close(ctx))
	still, err := second.Load(ctx, "tasks")
	require.NoError(t, err)
	assert.Len(t, still, 1)
	require.NoError(t, second.Append(ctx, "tasks", []domain.Layout{task("t2", "b")}))
}

func TestEngine_InvalidTenant(t *testing.T) {
	engine := newTestEngine(t, t.TempDir())
	defer engine.Close()

	for _, tenant := range []string{"", "..", "a/b", `a\b`} {
		_, err := engine.Open(context.Background(), tenant)
		assert.Error(t, err, tenant)
	}
}

func TestParseDurability(t *testing.T) {
	tests := []struct {
		in      string
		want    DurabilityLevel
		wantErr bool
	}{
		{"", DurabilityOS, false},
		{"none", DurabilityNone, false},
		{"os", DurabilityOS, false},
		{"full", DurabilityFull, false},
		{"paranoid", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDurability(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
