package domain

import "context"

// ModelDomain is the collection holding class definitions and baseline documents.
const ModelDomain = "model"

// Backend opens durable storage partitions, one per tenant.
type Backend interface {
	Open(ctx context.Context, tenant string) (Storage, error)
}

// Storage is one tenant's durable-storage connection. Documents cross this
// boundary in Layout form. Filters are equality filters over layout keys; a
// non-empty classes list additionally constrains `_class` to that set.
type Storage interface {
	// LoadModel reads the model collection.
	LoadModel(ctx context.Context) ([]Layout, error)
	// Domains lists the committed domains, excluding the model.
	Domains(ctx context.Context) ([]string, error)
	// Load reads every document of a domain.
	Load(ctx context.Context, domain string) ([]Layout, error)
	// Append persists one domain group as a single durable operation.
	Append(ctx context.Context, domain string, docs []Layout) error
	Find(ctx context.Context, domain string, classes []Ref, filter Layout) ([]Layout, error)
	// Delete removes matching documents and returns their ids.
	Delete(ctx context.Context, domain string, classes []Ref, filter Layout) ([]string, error)
	// Remove deletes documents by id; used to compensate a failed commit.
	Remove(ctx context.Context, domain string, ids []string) error
	// Close releases the connection. It is safe to call more than once.
	Close(ctx context.Context) error
}
