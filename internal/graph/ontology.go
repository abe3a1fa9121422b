package graph

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"lattice-backend/internal/errors"
)

// EdgeRule constrains which node kinds an edge kind may connect.
type EdgeRule struct {
	Source NodeKind `yaml:"source"`
	Target NodeKind `yaml:"target"`
}

// Ontology is the declarative schema for extracted entities: the node
// kinds the extractors may emit and the endpoint rules for each edge kind.
type Ontology struct {
	NodeKinds []NodeKind              `yaml:"node_kinds"`
	EdgeRules map[EdgeKind][]EdgeRule `yaml:"edge_rules"`
}

// DefaultOntology is used when no ontology file is configured.
func DefaultOntology() *Ontology {
	return &Ontology{
		NodeKinds: NodeKinds,
		EdgeRules: map[EdgeKind][]EdgeRule{
			EdgeCalls:      {{Source: NodeService, Target: NodeService}, {Source: NodeService, Target: NodeDatabase}},
			EdgeProduces:   {{Source: NodeService, Target: NodeKafkaTopic}},
			EdgeConsumes:   {{Source: NodeService, Target: NodeKafkaTopic}},
			EdgeDeployedIn: {{Source: NodeService, Target: NodeDeployment}},
		},
	}
}

// AllowsNode reports whether the node kind is part of the ontology.
func (o *Ontology) AllowsNode(kind NodeKind) bool {
	for _, k := range o.NodeKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// AllowsEdge reports whether the edge kind may connect the given endpoints.
func (o *Ontology) AllowsEdge(kind EdgeKind, source, target NodeKind) bool {
	for _, rule := range o.EdgeRules[kind] {
		if rule.Source == source && rule.Target == target {
			return true
		}
	}
	return false
}

// LoadOntology parses an ontology file.
func LoadOntology(path string) (*Ontology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Validation("ONTOLOGY_READ", "failed to read ontology file").
			WithResource(path).WithCause(err).Build()
	}
	var o Ontology
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, errors.Validation("ONTOLOGY_PARSE", "failed to parse ontology file").
			WithResource(path).WithCause(err).Build()
	}
	if len(o.NodeKinds) == 0 {
		return nil, errors.Validation("ONTOLOGY_EMPTY", "ontology declares no node kinds").
			WithResource(path).Build()
	}
	return &o, nil
}

// OntologyProvider holds the current ontology and swaps it atomically when
// the backing file changes. Readers take the read lock; a failed reload
// keeps the previous ontology in place.
type OntologyProvider struct {
	mu      sync.RWMutex
	current *Ontology
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	done    chan struct{}
}

// NewOntologyProvider creates a provider over a static ontology.
func NewOntologyProvider(o *Ontology, logger *zap.Logger) *OntologyProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OntologyProvider{current: o, logger: logger, done: make(chan struct{})}
}

// NewWatchingOntologyProvider loads the file and reloads it on change.
func NewWatchingOntologyProvider(path string, logger *zap.Logger) (*OntologyProvider, error) {
	o, err := LoadOntology(path)
	if err != nil {
		return nil, err
	}
	p := NewOntologyProvider(o, logger)
	p.path = path

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Internal("ONTOLOGY_WATCH", "failed to create file watcher").
			WithCause(err).Build()
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, errors.Internal("ONTOLOGY_WATCH", "failed to watch ontology file").
			WithResource(path).WithCause(err).Build()
	}
	p.watcher = watcher
	go p.watch()
	return p, nil
}

// Current returns the active ontology.
func (p *OntologyProvider) Current() *Ontology {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Close stops the watcher.
func (p *OntologyProvider) Close() {
	close(p.done)
	if p.watcher != nil {
		p.watcher.Close()
	}
}

func (p *OntologyProvider) watch() {
	for {
		select {
		case <-p.done:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			o, err := LoadOntology(p.path)
			if err != nil {
				p.logger.Warn("ontology reload failed, keeping previous version",
					zap.String("path", p.path), zap.Error(err))
				continue
			}
			p.mu.Lock()
			p.current = o
			p.mu.Unlock()
			p.logger.Info("ontology reloaded", zap.String("path", p.path))
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("ontology watcher error", zap.Error(err))
		}
	}
}
