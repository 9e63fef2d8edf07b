package datasource

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/internal/observability"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestBuild(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Defaults()
	cfg.DataSources = map[string]config.DataSourceConfig{
		"countries": {Kind: config.KindGraphQL, URL: "http://countries.invalid/graphql", SchemaFile: writeFile(t, "countries.graphql", countriesSDL)},
		"petstore":  {Kind: config.KindOpenAPI, SpecFile: writeFile(t, "petstore.yaml", petstoreSpec)},
		"sessions":  {Kind: config.KindKV, Redis: config.RedisConfig{Addr: mr.Addr()}},
	}
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	set, err := Build(context.Background(), cfg, Options{Metrics: metrics})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer set.Close()

	var names []string
	for _, src := range set.Sources {
		names = append(names, string(src.Descriptor().Namespace))
	}
	if got := strings.Join(names, ","); got != "countries,petstore,sessions" {
		t.Errorf("sources = %s", got)
	}
	if n := len(set.Checkers()); n != 3 {
		t.Errorf("checkers = %d, want 3", n)
	}
	if err := set.Checkers()["sessions"].Check(context.Background()); err != nil {
		t.Errorf("sessions check error = %v", err)
	}
	if v := testutil.ToFloat64(metrics.RootFieldsIndexed.WithLabelValues("petstore")); v != 3 {
		t.Errorf("petstore root fields = %v, want 3", v)
	}
}

func TestBuild_collectsErrors(t *testing.T) {
	t.Setenv("OPGRAPH_TEST_EMPTY_DSN", "")
	cfg := config.Defaults()
	cfg.DataSources = map[string]config.DataSourceConfig{
		"countries": {Kind: config.KindGraphQL, URL: "http://x", SchemaFile: filepath.Join(t.TempDir(), "missing.graphql")},
		"users":     {Kind: config.KindSQL, Postgres: config.PostgresConfig{DSNEnv: "OPGRAPH_TEST_EMPTY_DSN"}},
	}

	_, err := Build(context.Background(), cfg, Options{})
	if err == nil {
		t.Fatal("Build() should fail")
	}
	for _, want := range []string{`datasource "countries"`, `datasource "users"`, "OPGRAPH_TEST_EMPTY_DSN"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
