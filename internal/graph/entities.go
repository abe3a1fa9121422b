// Package graph defines the domain entities stored in Neo4j and the
// tenant-aware client used to read and write them.
package graph

import (
	"fmt"
	"strings"
	"time"
)

// NodeKind is a node label in the graph.
type NodeKind string

const (
	NodeService    NodeKind = "Service"
	NodeDatabase   NodeKind = "Database"
	NodeKafkaTopic NodeKind = "KafkaTopic"
	NodeDeployment NodeKind = "K8sDeployment"
)

// EdgeKind is a relationship type in the graph.
type EdgeKind string

const (
	EdgeCalls      EdgeKind = "CALLS"
	EdgeProduces   EdgeKind = "PRODUCES"
	EdgeConsumes   EdgeKind = "CONSUMES"
	EdgeDeployedIn EdgeKind = "DEPLOYED_IN"
)

// NodeKinds is the closed set of allowed node labels.
var NodeKinds = []NodeKind{NodeService, NodeDatabase, NodeKafkaTopic, NodeDeployment}

// EdgeKinds is the closed set of allowed relationship types.
var EdgeKinds = []EdgeKind{EdgeCalls, EdgeProduces, EdgeConsumes, EdgeDeployedIn}

// ScopedID is the composite identity of an extracted entity. Two distinct
// names in the same namespace are always distinct entities; there is no
// fuzzy matching anywhere in the pipeline.
type ScopedID struct {
	Repository string
	Namespace  string
	Name       string
}

// String renders "{repository}::{namespace}::{name}", or the bare name
// when repository and namespace are both empty.
func (id ScopedID) String() string {
	if id.Repository == "" && id.Namespace == "" {
		return id.Name
	}
	return fmt.Sprintf("%s::%s::%s", id.Repository, id.Namespace, id.Name)
}

// ParseScopedID inverts String.
func ParseScopedID(s string) ScopedID {
	parts := strings.Split(s, "::")
	if len(parts) != 3 {
		return ScopedID{Name: s}
	}
	return ScopedID{Repository: parts[0], Namespace: parts[1], Name: parts[2]}
}

// Node is a graph node. Merge identity is (ID, TenantID) jointly; the same
// ID under two tenants is two nodes.
type Node struct {
	Kind         NodeKind
	ID           string
	Name         string
	TenantID     string
	TeamOwner    string
	NamespaceACL []string
	ReadRoles    []string
	Properties   map[string]any
}

// Edge is a relationship between two nodes of the same tenant. IngestionID
// records the batch that last wrote it; an edge whose IngestionID no longer
// matches the current batch is stale and subject to tombstoning.
type Edge struct {
	Kind        EdgeKind
	SourceID    string
	TargetID    string
	SourceKind  NodeKind
	TargetKind  NodeKind
	TenantID    string
	IngestionID string
	LastSeenAt  time.Time
	Properties  map[string]any
}

// ResultRow is one row of a read query, keyed by the RETURN aliases.
type ResultRow map[string]any
