// Package ingest turns raw source documents into tenant-scoped graph
// entities: decode, extract, resolve, enrich, commit, tombstone-sweep,
// then vector-sync and cache invalidation.
package ingest

import (
	"encoding/base64"

	"lattice-backend/internal/errors"
)

// SourceType identifies which extractor handles a document.
type SourceType string

const (
	SourceCode        SourceType = "source_code"
	SourceK8sManifest SourceType = "k8s_manifest"
	SourceKafkaSchema SourceType = "kafka_schema"
)

// Document is one file submitted for ingestion. Content is base64 per the
// transport contract; Decode returns the raw bytes.
type Document struct {
	FilePath   string     `json:"file_path" validate:"required"`
	Content    string     `json:"content" validate:"required"`
	SourceType SourceType `json:"source_type" validate:"required,oneof=source_code k8s_manifest kafka_schema"`
	Repository string     `json:"repository,omitempty"`
	CommitSHA  string     `json:"commit_sha,omitempty"`
}

// Decode returns the document body bytes.
func (d Document) Decode() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(d.Content)
	if err != nil {
		return nil, errors.Validation("DOCUMENT_DECODE", "document content is not valid base64").
			WithResource(d.FilePath).WithCause(err).Build()
	}
	return raw, nil
}
