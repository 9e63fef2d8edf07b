package datasource

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/graph"
)

// Set is the collection of sources built from configuration.
type Set struct {
	Sources []graph.Source
	closers []func()
}

// Close releases pools and clients held by the sources.
func (s *Set) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Checkers returns the health checkers keyed by namespace.
func (s *Set) Checkers() map[string]graph.HealthChecker {
	out := make(map[string]graph.HealthChecker)
	for _, src := range s.Sources {
		if hc, ok := src.(graph.HealthChecker); ok {
			out[string(src.Descriptor().Namespace)] = hc
		}
	}
	return out
}

// Build constructs every configured data source. On error, sources built so
// far are closed.
func Build(ctx context.Context, cfg *config.Config, opts Options) (_ *Set, err error) {
	set := &Set{}
	defer func() {
		if err != nil {
			set.Close()
		}
	}()

	var errs []error
	for _, name := range cfg.Namespaces() {
		ds := cfg.DataSources[name]
		ns := graph.Namespace(name)
		src, closer, buildErr := build(ctx, ns, ds, opts)
		if buildErr != nil {
			errs = append(errs, fmt.Errorf("datasource %q: %w", name, buildErr))
			continue
		}
		set.Sources = append(set.Sources, src)
		if closer != nil {
			set.closers = append(set.closers, closer)
		}
		if opts.Metrics != nil {
			d := src.Descriptor()
			total := 0
			for _, fields := range d.Roots {
				total += len(fields)
			}
			opts.Metrics.SetRootFieldsIndexed(name, float64(total))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return set, nil
}

func build(ctx context.Context, ns graph.Namespace, ds config.DataSourceConfig, opts Options) (graph.Source, func(), error) {
	switch ds.Kind {
	case config.KindGraphQL:
		sdl, err := os.ReadFile(ds.SchemaFile)
		if err != nil {
			return nil, nil, fmt.Errorf("reading schema: %w", err)
		}
		src, err := NewGraphQL(ns, ds, string(sdl), opts)
		return src, nil, err

	case config.KindOpenAPI:
		doc, err := LoadOpenAPI(ctx, ds.SpecFile)
		if err != nil {
			return nil, nil, err
		}
		src, err := NewOpenAPI(ns, ds, doc, opts)
		return src, nil, err

	case config.KindKV:
		rdb := NewRedisClient(ds.Redis)
		src, err := NewKV(ns, ds, rdb, opts)
		if err != nil {
			rdb.Close()
			return nil, nil, err
		}
		return src, func() { rdb.Close() }, nil

	case config.KindSQL:
		pool, err := NewPostgresPool(ctx, ds.Postgres)
		if err != nil {
			return nil, nil, err
		}
		src, err := NewSQL(ns, ds, pool, opts)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return src, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported kind %q", ds.Kind)
}
