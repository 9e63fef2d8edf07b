package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pitabwire/opgraph/internal/stream"
	"github.com/pitabwire/opgraph/model"
)

// Source is a configured data source. Execute returns the value of the
// plan's root field; Subscribe returns a stream of root field values.
type Source interface {
	Descriptor() *Descriptor
	Execute(ctx context.Context, plan *Plan) (any, error)
	Subscribe(ctx context.Context, plan *Plan) (*stream.Stream, error)
}

// HealthChecker is implemented by sources that can report reachability.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Observer is notified after every data-source request.
type Observer func(ns Namespace, kind model.OperationKind, field string, duration time.Duration, err error)

// Catalog is the closed set of data sources known to the process. It is
// built once at startup and read-only afterwards.
type Catalog struct {
	sources   map[Namespace]Source
	observers []Observer
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithObserver adds a request observer.
func WithObserver(obs Observer) CatalogOption {
	return func(c *Catalog) { c.observers = append(c.observers, obs) }
}

// NewCatalog validates every source descriptor and indexes the sources by
// namespace. Two sources with the same namespace are an error.
func NewCatalog(sources []Source, opts ...CatalogOption) (*Catalog, error) {
	c := &Catalog{sources: make(map[Namespace]Source, len(sources))}
	for _, opt := range opts {
		opt(c)
	}
	for _, src := range sources {
		d := src.Descriptor()
		if d == nil || d.Namespace == "" {
			return nil, fmt.Errorf("graph: source without namespace")
		}
		if _, dup := c.sources[d.Namespace]; dup {
			return nil, fmt.Errorf("graph: namespace %q registered twice", d.Namespace)
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		c.sources[d.Namespace] = src
	}
	return c, nil
}

// Source returns the source for a namespace.
func (c *Catalog) Source(ns Namespace) (Source, bool) {
	if c == nil {
		return nil, false
	}
	src, ok := c.sources[ns]
	return src, ok
}

// Has reports whether the namespace is configured.
func (c *Catalog) Has(ns Namespace) bool {
	_, ok := c.Source(ns)
	return ok
}

// Namespaces returns the configured namespaces in sorted order.
func (c *Catalog) Namespaces() []Namespace {
	if c == nil {
		return nil
	}
	out := make([]Namespace, 0, len(c.sources))
	for ns := range c.sources {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Check runs the health check of every source that has one.
func (c *Catalog) Check(ctx context.Context) error {
	var errs []error
	for _, ns := range c.Namespaces() {
		hc, ok := c.sources[ns].(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.Check(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ns, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Catalog) observe(ns Namespace, kind model.OperationKind, field string, d time.Duration, err error) {
	for _, obs := range c.observers {
		obs(ns, kind, field, d, err)
	}
}

// WrapDownstream converts a source failure into a typed error tagged with
// the namespace. Validation and other typed errors keep their code.
func WrapDownstream(ns Namespace, err error) error {
	if err == nil {
		return nil
	}
	var oe *model.OperationError
	if errors.As(err, &oe) {
		if oe.Namespace != "" {
			return oe
		}
		tagged := *oe
		tagged.Namespace = string(ns)
		return &tagged
	}
	switch {
	case errors.Is(err, context.Canceled):
		return model.NewCancelledError(err)
	case errors.Is(err, context.DeadlineExceeded):
		return model.NewBackendTimeoutError(string(ns)).WithCause(err)
	}
	return model.NewDownstreamError(string(ns), 0, err.Error(), err)
}
