package kafka

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lattice-backend/internal/ingest"
)

func TestDecodeMessage(t *testing.T) {
	t.Run("raw bytes with file_path header", func(t *testing.T) {
		body := []byte(`client.Get("http://billing/health")`)
		doc, err := decodeMessage(nil, body, map[string]string{
			"file_path":   "services/payments/checkout/main.go",
			"source_type": "source_code",
			"repository":  "platform-repo",
		})
		require.NoError(t, err)
		assert.Equal(t, "services/payments/checkout/main.go", doc.FilePath)
		assert.Equal(t, ingest.SourceCode, doc.SourceType)
		assert.Equal(t, "platform-repo", doc.Repository)

		decoded, err := doc.Decode()
		require.NoError(t, err)
		assert.Equal(t, body, decoded)
	})

	t.Run("record key carries the path when headers do not", func(t *testing.T) {
		doc, err := decodeMessage([]byte("services/a/b/x.go"), []byte("package b"), map[string]string{})
		require.NoError(t, err)
		assert.Equal(t, "services/a/b/x.go", doc.FilePath)
	})

	t.Run("pre-parsed json payload", func(t *testing.T) {
		payload := []byte(`{"file_path": "schemas/orders.json", "content": "` +
			base64.StdEncoding.EncodeToString([]byte(`{"topic":"orders"}`)) +
			`", "source_type": "kafka_schema"}`)
		doc, err := decodeMessage(nil, payload, map[string]string{})
		require.NoError(t, err)
		assert.Equal(t, ingest.SourceKafkaSchema, doc.SourceType)
		assert.Equal(t, "schemas/orders.json", doc.FilePath)
	})

	t.Run("json with bad base64 content is malformed", func(t *testing.T) {
		payload := []byte(`{"file_path": "x.go", "content": "%%%", "source_type": "source_code"}`)
		_, err := decodeMessage(nil, payload, map[string]string{})
		require.Error(t, err)
	})

	t.Run("empty payload is malformed", func(t *testing.T) {
		_, err := decodeMessage(nil, nil, map[string]string{})
		require.Error(t, err)
	})

	t.Run("raw bytes without any path are malformed", func(t *testing.T) {
		_, err := decodeMessage(nil, []byte("package main"), map[string]string{})
		require.Error(t, err)
	})
}
