package ingest

import (
	"encoding/json"
	"io"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"lattice-backend/internal/errors"
	"lattice-backend/internal/graph"
)

// Extraction is the raw output of one document: nodes and edges before
// resolution and ACL enrichment.
type Extraction struct {
	Nodes []graph.Node
	Edges []graph.Edge
}

// Extractor turns one decoded document into graph entities.
type Extractor interface {
	Extract(doc Document, body []byte) (Extraction, error)
}

// ExtractorFor returns the extractor for a source type.
func ExtractorFor(t SourceType) (Extractor, error) {
	switch t {
	case SourceCode:
		return sourceCodeExtractor{}, nil
	case SourceK8sManifest:
		return k8sManifestExtractor{}, nil
	case SourceKafkaSchema:
		return kafkaSchemaExtractor{}, nil
	default:
		return nil, errors.Validation("UNKNOWN_SOURCE_TYPE", "no extractor for source type").
			WithResource(string(t)).Build()
	}
}

var (
	// services/<team>/<service>/... is the repository layout convention;
	// team_owner and the service name both come from it.
	servicePathPattern = regexp.MustCompile(`(?:^|/)services/([\w.-]+)/([\w.-]+)(?:/|$)`)

	httpCallPattern = regexp.MustCompile(`https?://([a-z0-9][a-z0-9-]*)`)
	producePattern  = regexp.MustCompile(`(?i)(?:produce|publish)\w*[^"'\n]{0,60}["']([\w.-]+)["']`)
	consumePattern  = regexp.MustCompile(`(?i)(?:consume|subscribe)\w*[^"'\n]{0,60}["']([\w.-]+)["']`)
	databasePattern = regexp.MustCompile(`(?i)(?:postgres|postgresql|mysql|mongodb)://(?:[^@/\s]+@)?([a-z0-9][a-z0-9.-]*)`)
)

// TeamFromPath extracts the owning team from the path convention, or "".
func TeamFromPath(filePath string) string {
	m := servicePathPattern.FindStringSubmatch(filePath)
	if m == nil {
		return ""
	}
	return m[1]
}

// serviceFromPath extracts the service name from the path convention,
// falling back to the file's directory name.
func serviceFromPath(filePath string) string {
	m := servicePathPattern.FindStringSubmatch(filePath)
	if m != nil {
		return m[2]
	}
	dir := path.Base(path.Dir(filePath))
	if dir == "." || dir == "/" {
		return strings.TrimSuffix(path.Base(filePath), path.Ext(filePath))
	}
	return dir
}

// sourceCodeExtractor scans code for outbound HTTP calls, topic
// produce/consume sites, and database DSNs. The scan is lexical: the
// repository layout names the owning service, and call targets come from
// literal URLs and topic strings.
type sourceCodeExtractor struct{}

func (sourceCodeExtractor) Extract(doc Document, body []byte) (Extraction, error) {
	service := serviceFromPath(doc.FilePath)
	if service == "" {
		return Extraction{}, errors.Validation("SERVICE_NAME_UNRESOLVED", "cannot derive service name from path").
			WithResource(doc.FilePath).Build()
	}
	text := string(body)

	out := Extraction{}
	out.Nodes = append(out.Nodes, graph.Node{Kind: graph.NodeService, Name: service})

	seen := map[string]bool{}
	for _, m := range httpCallPattern.FindAllStringSubmatch(text, -1) {
		target := m[1]
		if target == service || target == "localhost" || seen["call:"+target] {
			continue
		}
		seen["call:"+target] = true
		out.Nodes = append(out.Nodes, graph.Node{Kind: graph.NodeService, Name: target})
		out.Edges = append(out.Edges, graph.Edge{
			Kind: graph.EdgeCalls, SourceKind: graph.NodeService, TargetKind: graph.NodeService,
			SourceID: service, TargetID: target,
		})
	}
	for _, m := range producePattern.FindAllStringSubmatch(text, -1) {
		topic := m[1]
		if seen["produce:"+topic] {
			continue
		}
		seen["produce:"+topic] = true
		out.Nodes = append(out.Nodes, graph.Node{Kind: graph.NodeKafkaTopic, Name: topic})
		out.Edges = append(out.Edges, graph.Edge{
			Kind: graph.EdgeProduces, SourceKind: graph.NodeService, TargetKind: graph.NodeKafkaTopic,
			SourceID: service, TargetID: topic,
		})
	}
	for _, m := range consumePattern.FindAllStringSubmatch(text, -1) {
		topic := m[1]
		if seen["consume:"+topic] {
			continue
		}
		seen["consume:"+topic] = true
		out.Nodes = append(out.Nodes, graph.Node{Kind: graph.NodeKafkaTopic, Name: topic})
		out.Edges = append(out.Edges, graph.Edge{
			Kind: graph.EdgeConsumes, SourceKind: graph.NodeService, TargetKind: graph.NodeKafkaTopic,
			SourceID: service, TargetID: topic,
		})
	}
	for _, m := range databasePattern.FindAllStringSubmatch(text, -1) {
		db := m[1]
		if seen["db:"+db] {
			continue
		}
		seen["db:"+db] = true
		out.Nodes = append(out.Nodes, graph.Node{Kind: graph.NodeDatabase, Name: db})
		out.Edges = append(out.Edges, graph.Edge{
			Kind: graph.EdgeCalls, SourceKind: graph.NodeService, TargetKind: graph.NodeDatabase,
			SourceID: service, TargetID: db,
		})
	}
	return out, nil
}

type k8sManifest struct {
	Kind     string `yaml:"kind"`
	Metadata struct {
		Name      string            `yaml:"name"`
		Namespace string            `yaml:"namespace"`
		Labels    map[string]string `yaml:"labels"`
	} `yaml:"metadata"`
}

// k8sManifestExtractor reads Deployment/StatefulSet manifests, one node
// per workload plus a DEPLOYED_IN edge from the service named by the app
// label. Multi-document YAML streams are supported.
type k8sManifestExtractor struct{}

func (k8sManifestExtractor) Extract(doc Document, body []byte) (Extraction, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(body)))
	out := Extraction{}
	for {
		var m k8sManifest
		if err := dec.Decode(&m); err != nil {
			if err == io.EOF {
				break
			}
			return Extraction{}, errors.Validation("MANIFEST_PARSE", "k8s manifest is not valid YAML").
				WithResource(doc.FilePath).WithCause(err).Build()
		}
		if m.Kind != "Deployment" && m.Kind != "StatefulSet" {
			continue
		}
		if m.Metadata.Name == "" {
			continue
		}
		out.Nodes = append(out.Nodes, graph.Node{
			Kind: graph.NodeDeployment,
			Name: m.Metadata.Name,
			Properties: map[string]any{
				"k8s_namespace": m.Metadata.Namespace,
				"workload_kind": m.Kind,
			},
		})

		app := m.Metadata.Labels["app"]
		if app == "" {
			app = m.Metadata.Labels["app.kubernetes.io/name"]
		}
		if app == "" {
			continue
		}
		out.Nodes = append(out.Nodes, graph.Node{Kind: graph.NodeService, Name: app})
		out.Edges = append(out.Edges, graph.Edge{
			Kind: graph.EdgeDeployedIn, SourceKind: graph.NodeService, TargetKind: graph.NodeDeployment,
			SourceID: app, TargetID: m.Metadata.Name,
		})
	}
	return out, nil
}

type kafkaSchema struct {
	Topic     string   `json:"topic"`
	Producers []string `json:"producers"`
	Consumers []string `json:"consumers"`
}

// kafkaSchemaExtractor reads a topic schema declaration: the topic node
// plus PRODUCES/CONSUMES edges for each declared service.
type kafkaSchemaExtractor struct{}

func (kafkaSchemaExtractor) Extract(doc Document, body []byte) (Extraction, error) {
	var schema kafkaSchema
	if err := json.Unmarshal(body, &schema); err != nil {
		return Extraction{}, errors.Validation("SCHEMA_PARSE", "kafka schema is not valid JSON").
			WithResource(doc.FilePath).WithCause(err).Build()
	}
	if schema.Topic == "" {
		return Extraction{}, errors.Validation("SCHEMA_TOPIC_MISSING", "kafka schema has no topic name").
			WithResource(doc.FilePath).Build()
	}

	out := Extraction{}
	out.Nodes = append(out.Nodes, graph.Node{Kind: graph.NodeKafkaTopic, Name: schema.Topic})
	for _, producer := range schema.Producers {
		out.Nodes = append(out.Nodes, graph.Node{Kind: graph.NodeService, Name: producer})
		out.Edges = append(out.Edges, graph.Edge{
			Kind: graph.EdgeProduces, SourceKind: graph.NodeService, TargetKind: graph.NodeKafkaTopic,
			SourceID: producer, TargetID: schema.Topic,
		})
	}
	for _, consumer := range schema.Consumers {
		out.Nodes = append(out.Nodes, graph.Node{Kind: graph.NodeService, Name: consumer})
		out.Edges = append(out.Edges, graph.Edge{
			Kind: graph.EdgeConsumes, SourceKind: graph.NodeService, TargetKind: graph.NodeKafkaTopic,
			SourceID: consumer, TargetID: schema.Topic,
		})
	}
	return out, nil
}
