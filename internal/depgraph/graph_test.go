package depgraph

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/gantry/pkg/resource"
)

func container(name string, deps ...string) resource.Spec {
	s := resource.Container(name, "busybox")
	s.DependsOn = deps
	return s
}

func TestTopologicalOrderRespectsEdges(t *testing.T) {
	net := resource.Network("backend")
	db := container("db")
	db.Networks = []string{"backend", "external-net"}
	cache := container("cache")
	api := container("api", "db")
	api.Links = []string{"cache"}
	web := container("web", "api")

	g, err := Build([]resource.Spec{web, api, cache, db, net})
	require.NoError(t, err)

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 5)

	for _, e := range g.Edges() {
		assert.Less(t, slices.Index(order, e.From), slices.Index(order, e.To), "%s -> %s", e.From, e.To)
	}
}

func TestTopologicalOrderTieBreakByDeclaration(t *testing.T) {
	g, err := Build([]resource.Spec{container("c"), container("a"), container("b", "c")})
	require.NoError(t, err)

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestCycleDetected(t *testing.T) {
	g, err := Build([]resource.Spec{container("x"), container("a", "b"), container("b", "a")})
	require.NoError(t, err)

	_, err = g.TopologicalOrder()
	require.Error(t, err)
	assert.ErrorIs(t, err, resource.ErrConfiguration)
	assert.Contains(t, err.Error(), "a -> b -> a")

	var ce *resource.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.ElementsMatch(t, []string{"a", "b"}, ce.Resources)

	_, err = g.Levels()
	assert.ErrorIs(t, err, resource.ErrConfiguration)
}

func TestUnknownReferences(t *testing.T) {
	_, err := Build([]resource.Spec{container("api", "db")})
	assert.ErrorIs(t, err, resource.ErrConfiguration)

	linked := container("api")
	linked.Links = []string{"ghost"}
	_, err = Build([]resource.Spec{linked})
	assert.ErrorIs(t, err, resource.ErrConfiguration)

	notANetwork := container("api")
	notANetwork.Networks = []string{"db"}
	_, err = Build([]resource.Spec{container("db"), notANetwork})
	assert.ErrorIs(t, err, resource.ErrConfiguration)
}

func TestNetworkEdges(t *testing.T) {
	app := container("app")
	app.Networks = []string{"front", "shared-outside"}

	g, err := Build([]resource.Spec{app, resource.Network("front")})
	require.NoError(t, err)

	assert.Equal(t, []resource.DependencyEdge{{From: "front", To: "app", Reason: ReasonNetwork}}, g.Edges())
}

func TestLevels(t *testing.T) {
	g, err := Build([]resource.Spec{
		resource.Network("net"),
		container("db"),
		container("cache"),
		container("api", "db", "cache"),
		container("worker", "db"),
		container("e2e", "api", "worker"),
	})
	require.NoError(t, err)

	levels, err := g.Levels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"net", "db", "cache"},
		{"api", "worker"},
		{"e2e"},
	}, levels)
}

func TestDependents(t *testing.T) {
	g, err := Build([]resource.Spec{
		container("db"),
		container("api", "db"),
		container("web", "api"),
		container("other"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"api", "web"}, g.Dependents("db"))
	assert.Empty(t, g.Dependents("other"))
}
