package datasource

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/graph"
	"github.com/pitabwire/opgraph/model"
)

// fakeRows serves a fixed result set through the pgx.Rows interface.
type fakeRows struct {
	columns []string
	data    [][]any
	pos     int
	closed  bool
}

func (r *fakeRows) Close()                        { r.closed = true }
func (r *fakeRows) Err() error                    { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.columns))
	for i, c := range r.columns {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return r.data[r.pos-1], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	if len(dest) == 1 {
		if rs, ok := dest[0].(pgx.RowScanner); ok {
			return rs.ScanRow(r)
		}
	}
	return errors.New("fakeRows: only RowScanner destinations are supported")
}

type queryCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	rows     *fakeRows
	tag      string
	err      error
	pingErr  error
	calls    []queryCall
	lastRows *fakeRows
}

func (db *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	db.calls = append(db.calls, queryCall{sql: sql, args: args})
	if db.err != nil {
		return nil, db.err
	}
	db.lastRows = db.rows
	return db.rows, nil
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.calls = append(db.calls, queryCall{sql: sql, args: args})
	if db.err != nil {
		return pgconn.CommandTag{}, db.err
	}
	return pgconn.NewCommandTag(db.tag), nil
}

func (db *fakeDB) Ping(context.Context) error {
	return db.pingErr
}

var usersConfig = config.DataSourceConfig{
	Kind: config.KindSQL,
	Postgres: config.PostgresConfig{
		Statements: []config.StatementConfig{
			{
				Name:    "userById",
				SQL:     "SELECT id, name, age FROM users WHERE id = $1",
				Params:  []config.ParamConfig{{Name: "id", Type: "uuid", Required: true}},
				Columns: []config.ColumnConfig{{Name: "id", Type: "uuid"}, {Name: "name"}, {Name: "age", Type: "int"}},
			},
			{
				Name:    "usersByAge",
				SQL:     "SELECT id, name FROM users WHERE age >= $1 ORDER BY name",
				Params:  []config.ParamConfig{{Name: "minAge", Type: "int"}},
				Columns: []config.ColumnConfig{{Name: "id", Type: "uuid"}, {Name: "name"}},
				Many:    true,
			},
			{
				Name:   "renameUser",
				Kind:   "mutation",
				SQL:    "UPDATE users SET name = $2 WHERE id = $1",
				Params: []config.ParamConfig{{Name: "id", Type: "uuid", Required: true}, {Name: "name", Required: true}},
			},
		},
	},
}

func newTestSQL(t *testing.T, db *fakeDB) (graph.Builder, *SQL) {
	t.Helper()
	src, err := NewSQL("users", usersConfig, db, Options{})
	if err != nil {
		t.Fatalf("NewSQL() error = %v", err)
	}
	cat, err := graph.NewCatalog([]graph.Source{src})
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	return graph.NewBuilder(cat), src
}

func TestNewSQL_descriptor(t *testing.T) {
	_, src := newTestSQL(t, &fakeDB{})
	d := src.Descriptor()

	f, ok := d.RootField(model.KindQuery, "userById")
	if !ok || f.Type.String() != "UserByIdRow" {
		t.Fatalf("userById = %v", f)
	}
	if a, _ := f.Arg("id"); a == nil || a.Type.String() != "ID!" {
		t.Errorf("userById(id) = %v, want ID!", a)
	}
	list, _ := d.RootField(model.KindQuery, "usersByAge")
	if list.Type.String() != "[UsersByAgeRow!]!" {
		t.Errorf("usersByAge type = %s", list.Type)
	}
	mut, ok := d.RootField(model.KindMutation, "renameUser")
	if !ok || mut.Type.String() != "ExecResult!" {
		t.Errorf("renameUser = %v", mut)
	}
}

func TestNewSQL_duplicateStatement(t *testing.T) {
	cfg := config.DataSourceConfig{Postgres: config.PostgresConfig{Statements: []config.StatementConfig{
		{Name: "a", SQL: "SELECT 1"},
		{Name: "a", SQL: "SELECT 2"},
	}}}
	if _, err := NewSQL("users", cfg, &fakeDB{}, Options{}); err == nil {
		t.Fatal("expected duplicate statement error")
	}
}

func TestSQL_singleRow(t *testing.T) {
	id := uuid.MustParse("0b9a6c1e-3f44-4a53-9d1e-2f5c7a8b9c01")
	db := &fakeDB{rows: &fakeRows{
		columns: []string{"id", "name", "age"},
		data:    [][]any{{[16]byte(id), "Ada", int64(36)}},
	}}
	b, _ := newTestSQL(t, db)

	got, err := b.From("users").Query("userById").
		Where(map[string]any{"id": id.String()}).
		Select("id", "name").
		Exec(context.Background())
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	row := got.(map[string]any)
	if row["id"] != id.String() || row["name"] != "Ada" || len(row) != 2 {
		t.Errorf("row = %#v", row)
	}
	if len(db.calls) != 1 || db.calls[0].args[0] != id.String() {
		t.Errorf("calls = %#v", db.calls)
	}
	if !db.lastRows.closed {
		t.Error("rows were not closed")
	}
}

func TestSQL_noRowsIsNull(t *testing.T) {
	db := &fakeDB{rows: &fakeRows{columns: []string{"id", "name", "age"}}}
	b, _ := newTestSQL(t, db)

	got, err := b.From("users").Query("userById").Where(map[string]any{"id": "x"}).Exec(context.Background())
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if got != nil {
		t.Errorf("result = %#v, want nil", got)
	}
}

func TestSQL_manyRows(t *testing.T) {
	db := &fakeDB{rows: &fakeRows{
		columns: []string{"id", "name"},
		data:    [][]any{{"a", "Ada"}, {"b", "Bob"}},
	}}
	b, _ := newTestSQL(t, db)

	got, err := b.From("users").Query("usersByAge").Where(map[string]any{"minAge": 30}).Select("name").Exec(context.Background())
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	list := got.([]any)
	if len(list) != 2 || list[1].(map[string]any)["name"] != "Bob" {
		t.Errorf("result = %#v", got)
	}
	if db.calls[0].args[0] != int64(30) {
		t.Errorf("minAge arg = %#v, want int64(30)", db.calls[0].args[0])
	}
}

func TestSQL_mutationReportsRowsAffected(t *testing.T) {
	db := &fakeDB{tag: "UPDATE 1"}
	b, _ := newTestSQL(t, db)

	got, err := b.From("users").Mutate("renameUser").
		Where(map[string]any{"id": "a", "name": "Ada L."}).
		Select("rowsAffected").
		Exec(context.Background())
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if got.(map[string]any)["rowsAffected"] != int64(1) {
		t.Errorf("result = %#v", got)
	}
	args := db.calls[0].args
	if args[0] != "a" || args[1] != "Ada L." {
		t.Errorf("positional args = %#v", args)
	}
}

func TestSQL_statementErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		open   bool
	}{
		{"unique violation", &pgconn.PgError{Code: "23505", Message: "duplicate key"}, http.StatusConflict, false},
		{"bad data", &pgconn.PgError{Code: "22P02", Message: "invalid input syntax"}, http.StatusBadRequest, false},
		{"server error", &pgconn.PgError{Code: "57P01", Message: "terminating connection"}, http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := usersConfig
			cfg.CircuitBreaker = config.CircuitBreakerConfig{FailureThreshold: 1}
			src, err := NewSQL("users", cfg, &fakeDB{err: tt.err}, Options{})
			if err != nil {
				t.Fatalf("NewSQL() error = %v", err)
			}
			cat, _ := graph.NewCatalog([]graph.Source{src})

			_, err = graph.NewBuilder(cat).From("users").Mutate("renameUser").
				Where(map[string]any{"id": "a", "name": "b"}).Exec(context.Background())
			oe := model.AsOperationError(err)
			if oe == nil || oe.Code != model.ErrDownstream || oe.Status() != tt.status {
				t.Fatalf("error = %v, want DOWNSTREAM_ERROR %d", err, tt.status)
			}
			if open := src.guard.Breaker().State() == BreakerOpen; open != tt.open {
				t.Errorf("breaker open = %v, want %v", open, tt.open)
			}
		})
	}
}

func TestSQL_check(t *testing.T) {
	_, src := newTestSQL(t, &fakeDB{})
	if err := src.Check(context.Background()); err != nil {
		t.Errorf("Check() error = %v", err)
	}
	_, down := newTestSQL(t, &fakeDB{pingErr: errors.New("connection refused")})
	if err := down.Check(context.Background()); err == nil {
		t.Error("Check() should fail when ping fails")
	}
}

func TestColumnType(t *testing.T) {
	tests := map[string]string{
		"":        graph.ScalarString,
		"UUID":    graph.ScalarID,
		"bigint":  graph.ScalarInt,
		"numeric": graph.ScalarFloat,
		"bool":    graph.ScalarBoolean,
		"jsonb":   graph.ScalarJSON,
	}
	for in, want := range tests {
		if got := columnType(in); got != want {
			t.Errorf("columnType(%q) = %q, want %q", in, got, want)
		}
	}
}
