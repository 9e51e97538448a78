package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
	"github.com/adfharrison1/go-syncdb/pkg/metrics"
	"github.com/adfharrison1/go-syncdb/pkg/storage"
)

const (
	classBase     domain.Ref = "class:core.Base"
	classTask     domain.Ref = "task:core.Task"
	classBug      domain.Ref = "task:tracker.Bug"
	mixinPriority domain.Ref = "class:planner.Priority"
)

func testModel() []domain.Layout {
	mixin := domain.NewClassDoc(mixinPriority, "", "", "priority", "weight")
	mixin.Class = domain.ClassMixin
	docs := []*domain.Doc{
		domain.NewClassDoc(domain.ClassClass, "", ""),
		domain.NewClassDoc(domain.ClassMixin, domain.ClassClass, ""),
		domain.NewClassDoc(classBase, "", "", "createdBy"),
		domain.NewClassDoc(classTask, classBase, "tasks", "title", "priority"),
		domain.NewClassDoc(classBug, classTask, "", "severity"),
		mixin,
	}
	layouts := make([]domain.Layout, len(docs))
	for i, doc := range docs {
		layouts[i] = doc.ToLayout()
	}
	return layouts
}

// faultyBackend fails every Append to one domain and counts opens.
type faultyBackend struct {
	domain.Backend
	failDomain string
	opens      atomic.Int32
}

func (b *faultyBackend) Open(ctx context.Context, tenant string) (domain.Storage, error) {
	b.opens.Add(1)
	st, err := b.Backend.Open(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return &faultyStorage{Storage: st, failDomain: b.failDomain}, nil
}

type faultyStorage struct {
	domain.Storage
	failDomain string
}

func (s *faultyStorage) Append(ctx context.Context, d string, docs []domain.Layout) error {
	if d == s.failDomain {
		return errors.New("disk full")
	}
	return s.Storage.Append(ctx, d, docs)
}

func newEngine(t *testing.T) *storage.Engine {
	t.Helper()
	engine, err := storage.NewEngine(t.TempDir(),
		storage.WithCheckpointInterval(0),
		storage.WithLogger(zaptest.NewLogger(t).Sugar()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	ctx := context.Background()
	st, err := engine.Open(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, domain.ModelDomain, testModel()))
	require.NoError(t, st.Close(ctx))
	return engine
}

func connect(t *testing.T, backend domain.Backend, options ...Option) *Session {
	t.Helper()
	options = append([]Option{WithLogger(zaptest.NewLogger(t).Sugar())}, options...)
	s, err := Connect(context.Background(), backend, "acme", options...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func batch(layouts ...domain.Layout) domain.CommitBatch {
	return domain.CommitBatch{Created: layouts}
}

func docIDs(docs []*domain.Doc) []domain.Ref {
	result := make([]domain.Ref, 0, len(docs))
	for _, doc := range docs {
		result = append(result, doc.ID)
	}
	return result
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return Event{}
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnect_LoadsModel(t *testing.T) {
	s := connect(t, newEngine(t))

	assert.Equal(t, "acme", s.Tenant())
	assert.Equal(t, len(testModel()), s.Store().Len())

	model, err := s.Load(context.Background(), domain.ModelDomain)
	require.NoError(t, err)
	assert.Len(t, model, len(testModel()))
}

func TestCommit_FindAndEvent(t *testing.T) {
	ctx := context.Background()
	s := connect(t, newEngine(t))
	sub := s.Subscribe(4)
	defer sub.Close()

	ack, err := s.Commit(WithOrigin(ctx, "conn-1"), batch(
		domain.Layout{"_id": "t1", "_class": string(classTask), "title": "write docs", "priority": 2},
		domain.Layout{"id": "b1", "class": string(classBug), "title": "crash", "severity": "high"},
	))
	require.NoError(t, err)
	assert.Equal(t, 2, ack.Created)

	ev := receive(t, sub)
	assert.Equal(t, EventCommit, ev.Kind)
	assert.Equal(t, "acme", ev.Tenant)
	assert.Equal(t, "conn-1", ev.Origin)
	assert.Equal(t, []domain.Ref{"t1", "b1"}, docIDs(ev.Created))

	tasks, err := s.Find(ctx, classTask, domain.Layout{"title": "write docs"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "write docs", tasks[0].Values["core|Task|title"])

	bugs, err := s.Find(ctx, classBug, domain.Layout{"severity": "high"})
	require.NoError(t, err)
	assert.Equal(t, []domain.Ref{"b1"}, docIDs(bugs))

	all, err := s.Find(ctx, classBase, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Ref{"t1", "b1"}, docIDs(all))

	one, err := s.FindOne(ctx, classTask, domain.Layout{"_id": "b1"})
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, classBug, one.Class)

	none, err := s.FindOne(ctx, classTask, domain.Layout{"title": "nothing"})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSubscribe_FullSubscriberLosesEvents(t *testing.T) {
	ctx := context.Background()
	s := connect(t, newEngine(t))
	stalled := s.Subscribe(1)
	defer stalled.Close()
	live := s.Subscribe(1)
	defer live.Close()

	dropped := metrics.BroadcastDeliveries.WithLabelValues("dropped")
	before := testutil.ToFloat64(dropped)
	for _, id := range []string{"t1", "t2", "t3"} {
		ack, err := s.Commit(ctx, batch(domain.Layout{"_id": id, "_class": string(classTask), "title": id}))
		require.NoError(t, err)
		assert.Equal(t, 1, ack.Created)
		assert.Equal(t, []domain.Ref{domain.Ref(id)}, docIDs(receive(t, live).Created))
	}

	assert.Equal(t, before+2, testutil.ToFloat64(dropped))
	assert.Equal(t, []domain.Ref{"t1"}, docIDs(receive(t, stalled).Created))
	assertNoEvent(t, stalled)
}

func TestCommit_PersistsAcrossSessions(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)

	first, err := Connect(ctx, engine, "acme")
	require.NoError(t, err)
	_, err = first.Commit(ctx, batch(
		domain.Layout{"_id": "t1", "_class": string(classTask), "title": "a"},
		domain.Layout{"_id": "base1", "_class": string(classBase), "createdBy": "joe"},
	))
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(ctx))

	second := connect(t, engine)
	found, err := second.Find(ctx, classBase, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Ref{"t1", "base1"}, docIDs(found))

	tasks, err := second.Load(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, []domain.Ref{"t1"}, docIDs(tasks))
	core, err := second.Load(ctx, "core")
	require.NoError(t, err)
	assert.Equal(t, []domain.Ref{"base1"}, docIDs(core))
}

func TestCommit_Rejections(t *testing.T) {
	ctx := context.Background()
	s := connect(t, newEngine(t))
	_, err := s.Commit(ctx, batch(domain.Layout{"_id": "t1", "_class": string(classTask), "title": "a"}))
	require.NoError(t, err)

	tests := []struct {
		name    string
		created []domain.Layout
		code    domain.Code
	}{
		{
			name:    "existing id",
			created: []domain.Layout{{"_id": "t1", "_class": string(classTask)}},
			code:    domain.CodeDuplicateID,
		},
		{
			name: "duplicate within batch",
			created: []domain.Layout{
				{"_id": "t2", "_class": string(classTask)},
				{"_id": "t2", "_class": string(classTask)},
			},
			code: domain.CodeDuplicateID,
		},
		{
			name:    "unknown class",
			created: []domain.Layout{{"_id": "x1", "_class": "task:core.Missing"}},
			code:    domain.CodeNotFound,
		},
		{
			name:    "unknown attribute",
			created: []domain.Layout{{"_id": "t3", "_class": string(classTask), "colour": "red"}},
			code:    domain.CodeAttributeNotFound,
		},
		{
			name:    "empty id",
			created: []domain.Layout{{"_id": "", "_class": string(classTask)}},
			code:    domain.CodeProtocolError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Commit(ctx, batch(tt.created...))
			require.Error(t, err)
			assert.Equal(t, tt.code, domain.CodeOf(err))
		})
	}

	found, err := s.Find(ctx, classTask, nil)
	require.NoError(t, err)
	assert.Equal(t, []domain.Ref{"t1"}, docIDs(found))
}

func TestCommit_GeneratesMissingIDs(t *testing.T) {
	ctx := context.Background()
	s := connect(t, newEngine(t))
	sub := s.Subscribe(4)
	defer sub.Close()

	created := domain.Layout{"_class": string(classTask), "title": "untitled"}
	ack, err := s.Commit(ctx, batch(
		created,
		domain.Layout{"_class": string(classTask), "title": "untitled"},
	))
	require.NoError(t, err)
	assert.Equal(t, 2, ack.Created)
	assert.NotContains(t, created, "_id", "the caller's layout is left untouched")

	ev := receive(t, sub)
	require.Len(t, ev.Created, 2)
	assert.NotEqual(t, ev.Created[0].ID, ev.Created[1].ID)
	for _, doc := range ev.Created {
		_, err := ulid.ParseStrict(string(doc.ID))
		assert.NoError(t, err)
	}

	found, err := s.Find(ctx, classTask, domain.Layout{"title": "untitled"})
	require.NoError(t, err)
	assert.ElementsMatch(t, docIDs(ev.Created), docIDs(found))
}

func TestCommit_EmptyBatch(t *testing.T) {
	s := connect(t, newEngine(t))
	sub := s.Subscribe(1)
	defer sub.Close()

	ack, err := s.Commit(context.Background(), domain.CommitBatch{})
	require.NoError(t, err)
	assert.Equal(t, 0, ack.Created)
	assertNoEvent(t, sub)
}

func TestCommit_FailedDomainRollsBackOthers(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	backend := &faultyBackend{Backend: engine, failDomain: "core"}
	s := connect(t, backend)
	sub := s.Subscribe(1)
	defer sub.Close()

	_, err := s.Commit(ctx, batch(
		domain.Layout{"_id": "t1", "_class": string(classTask), "title": "a"},
		domain.Layout{"_id": "base1", "_class": string(classBase)},
	))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersistenceFailure)

	assert.False(t, s.Store().Has("t1"))
	assert.False(t, s.Store().Has("base1"))
	assertNoEvent(t, sub)

	st, err := engine.Open(ctx, "acme")
	require.NoError(t, err)
	defer st.Close(ctx)
	tasks, err := st.Load(ctx, "tasks")
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// the same ids commit cleanly once the failing domain is left out
	_, err = s.Commit(ctx, batch(domain.Layout{"_id": "t1", "_class": string(classTask), "title": "a"}))
	require.NoError(t, err)
}

func TestCommit_ClassGoesToModel(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	s := connect(t, engine)

	feature := domain.NewClassDoc("task:core.Feature", classTask, "", "effort")
	_, err := s.Commit(ctx, batch(feature.ToLayout()))
	require.NoError(t, err)

	_, err = s.Commit(ctx, batch(domain.Layout{"_id": "f1", "_class": "task:core.Feature", "effort": 3, "title": "x"}))
	require.NoError(t, err)

	st, err := engine.Open(ctx, "acme")
	require.NoError(t, err)
	defer st.Close(ctx)
	model, err := st.LoadModel(ctx)
	require.NoError(t, err)
	assert.Len(t, model, len(testModel())+1)

	tasks, err := s.Find(ctx, classTask, domain.Layout{"title": "x"})
	require.NoError(t, err)
	assert.Equal(t, []domain.Ref{"f1"}, docIDs(tasks))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	s := connect(t, engine)
	_, err := s.Commit(ctx, batch(
		domain.Layout{"_id": "t1", "_class": string(classTask), "title": "a"},
		domain.Layout{"_id": "t2", "_class": string(classTask), "title": "b"},
		domain.Layout{"_id": "b1", "_class": string(classBug), "title": "a"},
	))
	require.NoError(t, err)

	sub := s.Subscribe(1)
	defer sub.Close()

	ack, err := s.Delete(WithOrigin(ctx, "conn-2"), classTask, domain.Layout{"title": "a"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Ref{"t1", "b1"}, ack.Deleted)

	ev := receive(t, sub)
	assert.Equal(t, EventDelete, ev.Kind)
	assert.Equal(t, "conn-2", ev.Origin)
	assert.ElementsMatch(t, []domain.Ref{"t1", "b1"}, ev.Deleted)

	left, err := s.Find(ctx, classBase, nil)
	require.NoError(t, err)
	assert.Equal(t, []domain.Ref{"t2"}, docIDs(left))
	bugs, err := s.Find(ctx, classBug, nil)
	require.NoError(t, err)
	assert.Empty(t, bugs)

	st, err := engine.Open(ctx, "acme")
	require.NoError(t, err)
	defer st.Close(ctx)
	stored, err := st.Load(ctx, "tasks")
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	ack, err = s.Delete(ctx, classTask, domain.Layout{"title": "zzz"})
	require.NoError(t, err)
	assert.Empty(t, ack.Deleted)
	assertNoEvent(t, sub)

	_, err = s.Delete(ctx, "task:core.Missing", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDurableDomain(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	s := connect(t, engine, WithDurableDomains("tasks"))

	_, err := s.Commit(ctx, batch(
		domain.Layout{"_id": "t1", "_class": string(classTask), "title": "a"},
		domain.Layout{"_id": "base1", "_class": string(classBase)},
	))
	require.NoError(t, err)

	assert.False(t, s.Store().Has("t1"))
	assert.True(t, s.Store().Has("base1"))

	found, err := s.Find(ctx, classTask, domain.Layout{"title": "a"})
	require.NoError(t, err)
	assert.Equal(t, []domain.Ref{"t1"}, docIDs(found))

	all, err := s.Find(ctx, classBase, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Ref{"t1", "base1"}, docIDs(all))

	_, err = s.Commit(ctx, batch(domain.Layout{"_id": "t1", "_class": string(classTask)}))
	assert.ErrorIs(t, err, domain.ErrDuplicateID)

	ack, err := s.Delete(ctx, classTask, nil)
	require.NoError(t, err)
	assert.Equal(t, []domain.Ref{"t1"}, ack.Deleted)
	found, err = s.Find(ctx, classTask, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestFind_UnknownClass(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)

	tests := []struct {
		name    string
		options []Option
	}{
		{"resident", nil},
		{"durable", []Option{WithDurableDomains("tasks")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := connect(t, engine, tt.options...)
			for _, filter := range []domain.Layout{nil, {"title": "a"}} {
				found, err := s.Find(ctx, "task:core.Missing", filter)
				assert.ErrorIs(t, err, domain.ErrNotFound)
				assert.Nil(t, found)

				one, err := s.FindOne(ctx, "task:core.Missing", filter)
				assert.ErrorIs(t, err, domain.ErrNotFound)
				assert.Nil(t, one)
			}
		})
	}
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	s, err := Connect(ctx, newEngine(t), "acme")
	require.NoError(t, err)
	sub := s.Subscribe(1)

	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx))

	_, open := <-sub.C
	assert.False(t, open)
	sub.Close()

	assert.Error(t, s.Ping(ctx))
	_, err = s.Find(ctx, classTask, nil)
	assert.Error(t, err)
	_, err = s.Commit(ctx, batch(domain.Layout{"_id": "t9", "_class": string(classTask)}))
	assert.Error(t, err)

	late := s.Subscribe(1)
	_, open = <-late.C
	assert.False(t, open)
}

func TestConnect_StorageFailure(t *testing.T) {
	engine := newEngine(t)
	_, err := Connect(context.Background(), engine, "../escape")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersistenceFailure)
}
