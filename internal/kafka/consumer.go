// Package kafka consumes ingestion documents from the primary intake
// topic. HTTP ingestion exists as a secondary path; the topic is where
// repository scanners publish.
package kafka

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"lattice-backend/internal/errors"
	"lattice-backend/internal/ingest"
)

// Config connects the consumer.
type Config struct {
	Brokers       []string
	Topic         string
	GroupID       string
	DefaultTenant string
	// OnMalformed, when set, is called for every skipped message.
	OnMalformed func()
}

// DocumentHandler receives each decoded document under its tenant.
type DocumentHandler func(ctx context.Context, tenantID string, doc ingest.Document)

// Consumer is the franz-go group consumer. Malformed messages are counted
// and skipped; nothing a producer sends can crash the loop.
type Consumer struct {
	cfg       Config
	client    *kgo.Client
	handler   DocumentHandler
	malformed atomic.Int64
	logger    *zap.Logger
}

// NewConsumer connects to the brokers and joins the group.
func NewConsumer(cfg Config, handler DocumentHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, errors.Store("KAFKA_CONNECT", "failed to create kafka client").WithCause(err).Build()
	}
	return &Consumer{cfg: cfg, client: client, handler: handler, logger: logger}, nil
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
		})
		fetches.EachRecord(func(record *kgo.Record) {
			tenantID, doc, err := c.decode(record)
			if err != nil {
				c.malformed.Add(1)
				if c.cfg.OnMalformed != nil {
					c.cfg.OnMalformed()
				}
				c.logger.Warn("malformed message skipped",
					zap.String("topic", record.Topic),
					zap.Int64("offset", record.Offset),
					zap.Error(err))
				return
			}
			c.handler(ctx, tenantID, doc)
		})
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("offset commit failed", zap.Error(err))
		}
	}
}

// Malformed returns the skipped-message count.
func (c *Consumer) Malformed() int64 { return c.malformed.Load() }

// Close leaves the group and releases the client.
func (c *Consumer) Close() { c.client.Close() }

func (c *Consumer) decode(record *kgo.Record) (string, ingest.Document, error) {
	headers := map[string]string{}
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	tenantID := headers["tenant_id"]
	if tenantID == "" {
		tenantID = c.cfg.DefaultTenant
	}
	doc, err := decodeMessage(record.Key, record.Value, headers)
	return tenantID, doc, err
}

// decodeMessage accepts either a pre-parsed JSON document or raw source
// bytes whose file path rides in a header or the record key.
func decodeMessage(key, value []byte, headers map[string]string) (ingest.Document, error) {
	if len(value) == 0 {
		return ingest.Document{}, errors.Validation("MESSAGE_EMPTY", "message has no payload").Build()
	}

	if value[0] == '{' {
		var doc ingest.Document
		if err := json.Unmarshal(value, &doc); err == nil && doc.FilePath != "" && doc.Content != "" {
			if doc.SourceType == "" {
				doc.SourceType = ingest.SourceCode
			}
			if _, err := doc.Decode(); err != nil {
				return ingest.Document{}, err
			}
			return doc, nil
		}
	}

	filePath := headers["file_path"]
	if filePath == "" {
		filePath = string(key)
	}
	if filePath == "" {
		return ingest.Document{}, errors.Validation("FILE_PATH_MISSING",
			"raw message needs a file_path header or key").Build()
	}
	sourceType := ingest.SourceType(headers["source_type"])
	if sourceType == "" {
		sourceType = ingest.SourceCode
	}
	return ingest.Document{
		FilePath:   filePath,
		Content:    base64.StdEncoding.EncodeToString(value),
		SourceType: sourceType,
		Repository: headers["repository"],
		CommitSHA:  headers["commit_sha"],
	}, nil
}
