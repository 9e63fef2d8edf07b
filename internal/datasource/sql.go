package datasource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/graph"
	"github.com/pitabwire/opgraph/internal/stream"
	"github.com/pitabwire/opgraph/model"
)

// Querier is the subset of *pgxpool.Pool the SQL source uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// execResultType is returned by statements without result columns.
const execResultType = "ExecResult"

// SQL exposes named PostgreSQL statements as root fields. Parameters map to
// positional placeholders in declaration order; result columns map to the
// fields of a "<Statement>Row" object type.
type SQL struct {
	desc       *graph.Descriptor
	db         Querier
	statements map[string]config.StatementConfig
	guard      *Guard
}

// NewPostgresPool opens a pool using the DSN from the configured environment
// variable.
func NewPostgresPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("datasource: environment variable %s is empty", cfg.DSNEnv)
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("datasource: parsing dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	return pgxpool.NewWithConfig(ctx, pcfg)
}

// NewSQL builds the SQL source.
func NewSQL(ns graph.Namespace, cfg config.DataSourceConfig, db Querier, opts Options) (*SQL, error) {
	s := &SQL{
		desc:       graph.NewDescriptor(ns, graph.SourceSQL),
		db:         db,
		statements: make(map[string]config.StatementConfig, len(cfg.Postgres.Statements)),
		guard:      NewGuard(ns, cfg, opts.logger(), opts.Metrics),
	}
	s.desc.AddType(&graph.Type{
		Name: execResultType,
		Kind: graph.KindObject,
		Fields: []graph.Field{
			{Name: "rowsAffected", Type: graph.NonNullNamed(graph.ScalarInt)},
		},
	})

	for _, st := range cfg.Postgres.Statements {
		if _, dup := s.statements[st.Name]; dup {
			return nil, fmt.Errorf("datasource: %s: duplicate statement %q", ns, st.Name)
		}
		s.statements[st.Name] = st

		field := graph.Field{Name: st.Name}
		for _, p := range st.Params {
			t := graph.Named(columnType(p.Type))
			if p.Required {
				t = t.NonNullable()
			}
			field.Args = append(field.Args, graph.Argument{Name: p.Name, Type: t})
		}

		if len(st.Columns) == 0 {
			field.Type = graph.NonNullNamed(execResultType)
		} else {
			row := &graph.Type{Name: typeName(st.Name) + "Row", Kind: graph.KindObject}
			for _, c := range st.Columns {
				row.Fields = append(row.Fields, graph.Field{Name: c.Name, Type: graph.Named(columnType(c.Type))})
			}
			s.desc.AddType(row)
			field.Type = graph.Named(row.Name)
			if st.Many {
				field.Type = graph.ListOf(graph.NonNullNamed(row.Name)).NonNullable()
			}
		}

		kind := model.KindQuery
		if st.Kind == "mutation" {
			kind = model.KindMutation
		}
		s.desc.AddRoot(kind, field)
	}
	if err := s.desc.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// columnType maps a configured type name onto a scalar. Unknown names fall
// back to JSON.
func columnType(t string) string {
	switch strings.ToLower(t) {
	case "", "string", "text", "varchar":
		return graph.ScalarString
	case "id", "uuid":
		return graph.ScalarID
	case "int", "integer", "bigint":
		return graph.ScalarInt
	case "float", "numeric", "double":
		return graph.ScalarFloat
	case "bool", "boolean":
		return graph.ScalarBoolean
	}
	return graph.ScalarJSON
}

// Descriptor implements graph.Source.
func (s *SQL) Descriptor() *graph.Descriptor {
	return s.desc
}

// Check pings the database.
func (s *SQL) Check(ctx context.Context) error {
	return s.guard.Do(ctx, func(ctx context.Context) error {
		return s.db.Ping(ctx)
	})
}

// Execute implements graph.Source.
func (s *SQL) Execute(ctx context.Context, plan *graph.Plan) (any, error) {
	st, ok := s.statements[plan.Field.Name]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("statement %q not found", plan.Field.Name))
	}
	args := make([]any, len(st.Params))
	for i, p := range st.Params {
		args[i] = plan.Args[p.Name]
	}

	var out any
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		if len(st.Columns) == 0 {
			tag, err := s.db.Exec(ctx, st.SQL, args...)
			if err != nil {
				return s.statementError(err)
			}
			out = map[string]any{"rowsAffected": tag.RowsAffected()}
			return nil
		}

		rows, err := s.db.Query(ctx, st.SQL, args...)
		if err != nil {
			return s.statementError(err)
		}
		records, err := pgx.CollectRows(rows, pgx.RowToMap)
		if err != nil {
			return s.statementError(err)
		}
		for _, r := range records {
			normalizeRow(r)
		}
		if st.Many {
			list := make([]any, len(records))
			for i, r := range records {
				list[i] = r
			}
			out = list
			return nil
		}
		if len(records) > 0 {
			out = records[0]
		}
		return nil
	})
	return out, err
}

// Subscribe implements graph.Source; SQL namespaces have no subscriptions.
func (s *SQL) Subscribe(ctx context.Context, plan *graph.Plan) (*stream.Stream, error) {
	return nil, model.NewBadRequestError(fmt.Sprintf("namespace %q does not support subscriptions", s.desc.Namespace))
}

// statementError classifies Postgres errors. Data and constraint errors
// are the caller's fault and do not count against the breaker.
func (s *SQL) statementError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	ns := string(s.desc.Namespace)
	switch {
	case strings.HasPrefix(pgErr.Code, "23"):
		return model.NewDownstreamError(ns, http.StatusConflict, pgErr.Message, err)
	case strings.HasPrefix(pgErr.Code, "22"):
		return model.NewDownstreamError(ns, http.StatusBadRequest, pgErr.Message, err)
	}
	return model.NewDownstreamError(ns, 0, pgErr.Message, err)
}

// normalizeRow rewrites driver values that do not encode well as JSON.
func normalizeRow(r map[string]any) {
	for k, v := range r {
		if b, ok := v.([16]byte); ok {
			r[k] = uuid.UUID(b).String()
		}
	}
}
