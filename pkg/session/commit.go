package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
	"github.com/adfharrison1/go-syncdb/pkg/memdb"
	"github.com/adfharrison1/go-syncdb/pkg/metrics"
)

// domainGroup is the part of a commit that lands in one durable domain.
type domainGroup struct {
	domain  string
	docs    []*domain.Doc
	layouts []domain.Layout
}

func (g *domainGroup) ids() []string {
	ids := make([]string, len(g.docs))
	for i, doc := range g.docs {
		ids[i] = string(doc.ID)
	}
	return ids
}

// Commit validates the batch, persists it with one append per domain and, once
// every domain group is durable, applies it to the store and emits an event.
// If any group fails, the groups already written are removed again and the
// whole commit fails with PersistenceFailure.
func (s *Session) Commit(ctx context.Context, batch domain.CommitBatch) (*CommitAck, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(batch.Created) == 0 {
		return &CommitAck{}, nil
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	groups, err := s.prepare(ctx, batch)
	if err != nil {
		metrics.Commits.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if err := s.persist(ctx, groups); err != nil {
		metrics.Commits.WithLabelValues("failed").Inc()
		return nil, err
	}

	var created, resident []*domain.Doc
	for _, g := range groups {
		created = append(created, g.docs...)
		if !s.durable[g.domain] {
			resident = append(resident, g.docs...)
		}
	}
	if err := s.store.InsertAll(resident); err != nil {
		metrics.Commits.WithLabelValues("failed").Inc()
		s.logger.Errorf("commit persisted but not applied in memory: %v", err)
		return nil, err
	}

	metrics.Commits.WithLabelValues("ok").Inc()
	s.hub.publish(Event{
		Kind:    EventCommit,
		Tenant:  s.tenant,
		Origin:  OriginFrom(ctx),
		Created: created,
	})
	return &CommitAck{Created: len(created)}, nil
}

func (s *Session) prepare(ctx context.Context, batch domain.CommitBatch) ([]*domainGroup, error) {
	var groups []*domainGroup
	byDomain := make(map[string]*domainGroup)
	seen := make(map[domain.Ref]bool, len(batch.Created))

	for i, l := range batch.Created {
		parsed, err := domain.DocFromLayout(withID(l))
		if err != nil {
			return nil, fmt.Errorf("created[%d]: %w", i, err)
		}
		doc, err := s.store.Normalize(parsed)
		if err != nil {
			return nil, fmt.Errorf("created[%d]: %w", i, err)
		}
		if seen[doc.ID] || s.store.Has(doc.ID) {
			return nil, domain.Errorf(domain.CodeDuplicateID, "document added already %s", doc.ID)
		}
		seen[doc.ID] = true

		d, err := s.store.PartitionOf(doc)
		if err != nil {
			return nil, err
		}
		if s.durable[d] {
			existing, err := s.storage.Find(ctx, d, nil, domain.Layout{domain.FieldID: string(doc.ID)})
			if err != nil {
				return nil, domain.Wrap(domain.CodePersistenceFailure, err, "check id %s", doc.ID)
			}
			if len(existing) > 0 {
				return nil, domain.Errorf(domain.CodeDuplicateID, "document added already %s", doc.ID)
			}
		}

		g, ok := byDomain[d]
		if !ok {
			g = &domainGroup{domain: d}
			byDomain[d] = g
			groups = append(groups, g)
		}
		g.docs = append(g.docs, doc)
		g.layouts = append(g.layouts, doc.ToLayout())
	}
	return groups, nil
}

// withID returns l with a generated _id when it carries no id at all.
func withID(l domain.Layout) domain.Layout {
	if _, ok := l[domain.FieldID]; ok {
		return l
	}
	if _, ok := l["id"]; ok {
		return l
	}
	result := make(domain.Layout, len(l)+1)
	for k, v := range l {
		result[k] = v
	}
	result[domain.FieldID] = string(memdb.NewID())
	return result
}

func (s *Session) persist(ctx context.Context, groups []*domainGroup) error {
	var (
		mu      sync.Mutex
		written []*domainGroup
		eg      errgroup.Group
	)
	for _, g := range groups {
		eg.Go(func() error {
			if err := s.storage.Append(ctx, g.domain, g.layouts); err != nil {
				return fmt.Errorf("append %d documents to %s: %w", len(g.docs), g.domain, err)
			}
			mu.Lock()
			written = append(written, g)
			mu.Unlock()
			return nil
		})
	}
	err := eg.Wait()
	if err == nil {
		return nil
	}

	for _, g := range written {
		if rerr := s.storage.Remove(ctx, g.domain, g.ids()); rerr != nil {
			s.logger.Errorw("failed to roll back domain group", "domain", g.domain, "error", rerr)
		}
	}
	return domain.Wrap(domain.CodePersistenceFailure, err, "commit")
}

// Delete removes the documents of class (and its subclasses) matching filter from
// durable storage and, for resident domains, from the store in the same call.
func (s *Session) Delete(ctx context.Context, class domain.Ref, filter domain.Layout) (*DeleteAck, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	groups, err := s.groupByDomain(class)
	if err != nil {
		return nil, err
	}
	qualified, err := s.store.Qualify(class, filter)
	if err != nil {
		return nil, err
	}

	domains := make([]string, 0, len(groups))
	for d := range groups {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	ack := &DeleteAck{Deleted: []domain.Ref{}}
	var failure error
	for _, d := range domains {
		ids, err := s.storage.Delete(ctx, d, groups[d], qualified)
		if err != nil {
			failure = domain.Wrap(domain.CodePersistenceFailure, err, "delete from %s", d)
			break
		}
		for _, id := range ids {
			ref := domain.Ref(id)
			if !s.durable[d] {
				if _, err := s.store.Remove(ref); err != nil {
					s.logger.Warnf("deleted %s was not resident: %v", ref, err)
				}
			}
			ack.Deleted = append(ack.Deleted, ref)
		}
	}

	if len(ack.Deleted) > 0 {
		s.hub.publish(Event{
			Kind:    EventDelete,
			Tenant:  s.tenant,
			Origin:  OriginFrom(ctx),
			Deleted: ack.Deleted,
		})
	}
	if failure != nil {
		return nil, failure
	}
	return ack, nil
}
