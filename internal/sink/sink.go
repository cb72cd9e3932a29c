// Package sink hands finished crawl records to blob storage and publishers.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/tubecrawler/internal/crawler"
)

// ErrInvalidID is returned for ids that would escape the kind directory.
var ErrInvalidID = errors.New("invalid record id")

const contentType = "application/json"

// Sink receives one record per successful task.
type Sink interface {
	Write(ctx context.Context, kind, id string, record any) error
}

// Event is what PublishSink sends.
type Event struct {
	Kind   string          `json:"kind"`
	ID     string          `json:"id"`
	Record json.RawMessage `json:"record"`
}

// Attributes lets publishers tag messages for filtering.
func (e Event) Attributes() map[string]string {
	return map[string]string{"kind": e.Kind, "id": e.ID}
}

// ObjectPath lays records out as <prefix>/<kind>/<id>.json. Channel ids keep
// their form prefix, so "channel/UC1" lands in a nested directory.
func ObjectPath(prefix, kind, id string) (string, error) {
	if id == "" || strings.Contains(id, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return path.Join(prefix, kind, id+".json"), nil
}

// BlobSink writes each record as a JSON object.
type BlobSink struct {
	store  crawler.BlobStore
	prefix string
	logger *zap.Logger
}

// NewBlobSink writes records into store below prefix.
func NewBlobSink(store crawler.BlobStore, prefix string, logger *zap.Logger) *BlobSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobSink{store: store, prefix: prefix, logger: logger.Named("blob_sink")}
}

// Write stores the record.
func (s *BlobSink) Write(ctx context.Context, kind, id string, record any) error {
	objectPath, err := ObjectPath(s.prefix, kind, id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", kind, id, err)
	}
	uri, err := s.store.PutObject(ctx, objectPath, contentType, data)
	if err != nil {
		return fmt.Errorf("store %s %s: %w", kind, id, err)
	}
	s.logger.Debug("record stored",
		zap.String("kind", kind),
		zap.String("id", id),
		zap.String("uri", uri),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// PublishSink publishes each record as an Event.
type PublishSink struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink publishes records to topic.
func NewPublishSink(publisher crawler.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger.Named("publish_sink")}
}

// Write publishes the record.
func (s *PublishSink) Write(ctx context.Context, kind, id string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", kind, id, err)
	}
	msgID, err := s.publisher.Publish(ctx, s.topic, Event{Kind: kind, ID: id, Record: data})
	if err != nil {
		return fmt.Errorf("publish %s %s: %w", kind, id, err)
	}
	s.logger.Debug("record published",
		zap.String("kind", kind),
		zap.String("id", id),
		zap.String("message_id", msgID),
	)
	return nil
}

// Multi writes to every sink and joins their errors.
type Multi []Sink

// Write fans the record out. A failing sink does not stop the others.
func (m Multi) Write(ctx context.Context, kind, id string, record any) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, kind, id, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
