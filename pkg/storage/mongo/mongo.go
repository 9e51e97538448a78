// Package mongo stores tenants in MongoDB: one database per tenant, the schema in
// the `model` collection and one collection per data domain.
package mongo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
)

// Backend opens one client per tenant against a MongoDB deployment.
type Backend struct {
	uri      string
	dbPrefix string
	logger   *zap.SugaredLogger
}

var _ domain.Backend = (*Backend)(nil)

type Option func(*Backend)

// WithDatabasePrefix prefixes every tenant database name.
func WithDatabasePrefix(prefix string) Option {
	return func(b *Backend) {
		b.dbPrefix = prefix
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

func NewBackend(uri string, opts ...Option) *Backend {
	b := &Backend{uri: uri, logger: zap.NewNop().Sugar()}
	for _, option := range opts {
		option(b)
	}
	return b
}

// Open connects to the deployment and selects the tenant database.
func (b *Backend) Open(ctx context.Context, tenant string) (domain.Storage, error) {
	name, err := b.databaseName(tenant)
	if err != nil {
		return nil, err
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(b.uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	b.logger.Infof("use %s", name)
	return &Storage{
		client: client,
		db:     client.Database(name),
		logger: b.logger.With("database", name),
	}, nil
}

func (b *Backend) databaseName(tenant string) (string, error) {
	if tenant == "" || strings.ContainsAny(tenant, "/\\. \"$") {
		return "", fmt.Errorf("invalid tenant name %q", tenant)
	}
	return b.dbPrefix + tenant, nil
}

// Storage is one tenant database.
type Storage struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.SugaredLogger

	closeOnce sync.Once
	closeErr  error
}

var _ domain.Storage = (*Storage)(nil)

func (s *Storage) LoadModel(ctx context.Context) ([]domain.Layout, error) {
	return s.find(ctx, domain.ModelDomain, bson.M{})
}

// Domains lists the data collections, sorted, without the model and system collections.
func (s *Storage) Domains(ctx context.Context) ([]string, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	result := make([]string, 0, len(names))
	for _, name := range names {
		if name == domain.ModelDomain || strings.HasPrefix(name, "system.") {
			continue
		}
		result = append(result, name)
	}
	sort.Strings(result)
	return result, nil
}

func (s *Storage) Load(ctx context.Context, d string) ([]domain.Layout, error) {
	return s.find(ctx, d, bson.M{})
}

// Append inserts docs into the domain collection. A failed insert removes whatever
// part of the group was written.
func (s *Storage) Append(ctx context.Context, d string, docs []domain.Layout) error {
	if len(docs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(docs))
	batch := make([]interface{}, 0, len(docs))
	for _, l := range docs {
		id, _ := l[domain.FieldID].(string)
		if id == "" {
			return domain.Errorf(domain.CodeProtocolError, "document without %s", domain.FieldID)
		}
		ids = append(ids, id)
		batch = append(batch, bson.M(l))
	}

	coll := s.db.Collection(d)
	existing, err := coll.CountDocuments(ctx, idFilter(ids))
	if err != nil {
		return fmt.Errorf("failed to check ids in %s: %w", d, err)
	}
	if existing > 0 {
		return domain.Errorf(domain.CodeDuplicateID, "document added already in %s", d)
	}

	if _, err := coll.InsertMany(ctx, batch); err != nil {
		if _, derr := coll.DeleteMany(ctx, idFilter(ids)); derr != nil {
			s.logger.Errorw("failed to clean up partial insert", "domain", d, "error", derr)
		}
		if mongo.IsDuplicateKeyError(err) {
			return domain.Wrap(domain.CodeDuplicateID, err, "document added already in %s", d)
		}
		return fmt.Errorf("failed to insert into %s: %w", d, err)
	}
	return nil
}

func (s *Storage) Find(ctx context.Context, d string, classes []domain.Ref, filter domain.Layout) ([]domain.Layout, error) {
	return s.find(ctx, d, buildFilter(classes, filter))
}

// Delete removes the matching documents and reports their ids.
func (s *Storage) Delete(ctx context.Context, d string, classes []domain.Ref, filter domain.Layout) ([]string, error) {
	coll := s.db.Collection(d)
	cursor, err := coll.Find(ctx, buildFilter(classes, filter), options.Find().SetProjection(bson.M{domain.FieldID: 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", d, err)
	}
	var found []bson.M
	if err := cursor.All(ctx, &found); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", d, err)
	}

	ids := make([]string, 0, len(found))
	for _, m := range found {
		ids = append(ids, idString(m[domain.FieldID]))
	}
	if len(ids) == 0 {
		return ids, nil
	}
	if _, err := coll.DeleteMany(ctx, idFilter(ids)); err != nil {
		return nil, fmt.Errorf("failed to delete from %s: %w", d, err)
	}
	return ids, nil
}

func (s *Storage) Remove(ctx context.Context, d string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Collection(d).DeleteMany(ctx, idFilter(ids)); err != nil {
		return fmt.Errorf("failed to remove from %s: %w", d, err)
	}
	return nil
}

func (s *Storage) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Disconnect(ctx)
	})
	return s.closeErr
}

func (s *Storage) find(ctx context.Context, d string, filter bson.M) ([]domain.Layout, error) {
	cursor, err := s.db.Collection(d).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", d, err)
	}
	var found []bson.M
	if err := cursor.All(ctx, &found); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", d, err)
	}
	result := make([]domain.Layout, 0, len(found))
	for _, m := range found {
		result = append(result, toLayout(m))
	}
	return result, nil
}

// buildFilter turns an equality filter and class constraint into a query document.
func buildFilter(classes []domain.Ref, filter domain.Layout) bson.M {
	q := bson.M{}
	for k, v := range filter {
		q[k] = v
	}
	if len(classes) > 0 {
		in := make([]string, len(classes))
		for i, c := range classes {
			in[i] = string(c)
		}
		q[domain.FieldClass] = bson.M{"$in": in}
	}
	return q
}

func idFilter(ids []string) bson.M {
	return bson.M{domain.FieldID: bson.M{"$in": ids}}
}

func toLayout(m bson.M) domain.Layout {
	l := make(domain.Layout, len(m))
	for k, v := range m {
		l[k] = normalize(v)
	}
	if id, ok := m[domain.FieldID]; ok {
		l[domain.FieldID] = idString(id)
	}
	return l
}

// normalize converts driver container types into plain maps and slices.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.M:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case primitive.D:
		m := make(map[string]interface{}, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case primitive.A:
		s := make([]interface{}, len(t))
		for i, e := range t {
			s[i] = normalize(e)
		}
		return s
	case primitive.ObjectID:
		return t.Hex()
	}
	return v
}

func idString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case primitive.ObjectID:
		return t.Hex()
	}
	return fmt.Sprint(v)
}
