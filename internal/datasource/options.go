// Package datasource implements the data sources a catalog can address:
// remote GraphQL endpoints, OpenAPI described REST services, Redis key-value
// stores and PostgreSQL statements.
package datasource

import (
	"go.uber.org/zap"

	"github.com/pitabwire/opgraph/internal/observability"
)

// Options carries the shared dependencies of every source.
type Options struct {
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}
