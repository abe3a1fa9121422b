package graph

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestScopedID(t *testing.T) {
	t.Run("full id renders all three parts", func(t *testing.T) {
		id := ScopedID{Repository: "repo", Namespace: "ns", Name: "svc"}
		assert.Equal(t, "repo::ns::svc", id.String())
		assert.Equal(t, id, ParseScopedID("repo::ns::svc"))
	})

	t.Run("bare name when repository and namespace are empty", func(t *testing.T) {
		id := ScopedID{Name: "svc"}
		assert.Equal(t, "svc", id.String())
		assert.Equal(t, id, ParseScopedID("svc"))
	})

	t.Run("same name in different namespaces is two identities", func(t *testing.T) {
		a := ScopedID{Repository: "repo", Namespace: "ns1", Name: "svc"}
		b := ScopedID{Repository: "repo", Namespace: "ns2", Name: "svc"}
		assert.NotEqual(t, a.String(), b.String())
	})
}

func TestOntology(t *testing.T) {
	o := DefaultOntology()

	t.Run("default ontology covers the built-in kinds", func(t *testing.T) {
		for _, kind := range NodeKinds {
			assert.True(t, o.AllowsNode(kind), string(kind))
		}
		assert.True(t, o.AllowsEdge(EdgeCalls, NodeService, NodeService))
		assert.True(t, o.AllowsEdge(EdgeProduces, NodeService, NodeKafkaTopic))
	})

	t.Run("out-of-schema edges are rejected", func(t *testing.T) {
		assert.False(t, o.AllowsEdge(EdgeProduces, NodeDatabase, NodeKafkaTopic))
		assert.False(t, o.AllowsNode(NodeKind("Unknown")))
	})
}

func TestOntologyProvider(t *testing.T) {
	writeOntology := func(t *testing.T, path, body string) {
		t.Helper()
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}

	t.Run("loads from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ontology.yaml")
		writeOntology(t, path, `
node_kinds: [Service, KafkaTopic]
edge_rules:
  PRODUCES:
    - {source: Service, target: KafkaTopic}
`)
		p, err := NewWatchingOntologyProvider(path, zap.NewNop())
		require.NoError(t, err)
		defer p.Close()

		o := p.Current()
		assert.True(t, o.AllowsNode(NodeService))
		assert.False(t, o.AllowsNode(NodeDatabase))
	})

	t.Run("reloads on change and keeps previous version on bad input", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ontology.yaml")
		writeOntology(t, path, "node_kinds: [Service]\n")

		p, err := NewWatchingOntologyProvider(path, zap.NewNop())
		require.NoError(t, err)
		defer p.Close()

		writeOntology(t, path, "node_kinds: [Service, Database]\n")
		require.Eventually(t, func() bool {
			return p.Current().AllowsNode(NodeDatabase)
		}, 3*time.Second, 20*time.Millisecond)

		// Invalid content must not dislodge the loaded ontology.
		writeOntology(t, path, "node_kinds: []\n")
		time.Sleep(100 * time.Millisecond)
		assert.True(t, p.Current().AllowsNode(NodeDatabase))
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := NewWatchingOntologyProvider("/nonexistent/ontology.yaml", zap.NewNop())
		require.Error(t, err)
	})
}
