// Package bus publishes documents to a Google Cloud Pub/Sub topic, one
// message per document.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/normalize"
	"github.com/JakeFAU/condor-spider/internal/spider"
)

// Name is the sink name used in results and metrics.
const Name = "bus"

// Message attribute keys.
const (
	AttrDocID   = "doc_id"
	AttrTS      = "ts"
	AttrDocType = "doc_type"
)

// Reject reasons.
const (
	reasonEncode  = "encode_error"
	reasonPublish = "publish_error"
)

// Config configures the sink.
type Config struct {
	ProjectID string
	Topic     string
	DocType   string
}

// Sink publishes batches through a Pub/Sub publisher.
type Sink struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	docType   string
	dates     map[string]bool
	logger    *zap.Logger
}

var _ spider.Sink = (*Sink)(nil)

func fullTopicName(projectID, topic string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topic)
}

// Dial creates a client for cfg.ProjectID and verifies that the topic is
// active before any crawl starts.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, errors.New("bus sink requires project_id and topic")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	s, err := New(ctx, client, cfg, logger)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("failed to close pubsub client", zap.Error(closeErr))
		}
		return nil, err
	}
	return s, nil
}

// New wraps an existing client. The topic must exist.
func New(ctx context.Context, client *pubsub.Client, cfg Config, logger *zap.Logger) (*Sink, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	name := fullTopicName(cfg.ProjectID, cfg.Topic)
	topic, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: name})
	if err != nil {
		return nil, fmt.Errorf("get pubsub topic %q: %w", cfg.Topic, err)
	}
	if topic.State != pubsubpb.Topic_ACTIVE && topic.State != pubsubpb.Topic_STATE_UNSPECIFIED {
		return nil, fmt.Errorf("pubsub topic %q is not active (%s)", cfg.Topic, topic.State)
	}
	docType := cfg.DocType
	if docType == "" {
		docType = "htcondor_job_info"
	}
	dates := make(map[string]bool)
	for _, f := range normalize.DateFields() {
		dates[f] = true
	}
	return &Sink{
		client:    client,
		publisher: client.Publisher(topic.Name),
		docType:   docType,
		dates:     dates,
		logger:    logger.Named("bus"),
	}, nil
}

// Name implements spider.Sink.
func (s *Sink) Name() string { return Name }

// Write publishes every document and waits for each publish result. The
// outcome is per document; Write only errors when nothing could be attempted.
func (s *Sink) Write(ctx context.Context, batch spider.Batch) (spider.SinkResult, error) {
	res := spider.SinkResult{Sink: Name}
	if s.publisher == nil {
		return res, errors.New("pubsub publisher is not configured")
	}
	pending := make([]*pubsub.PublishResult, 0, batch.Len())
	for _, item := range batch.Items {
		msg, err := s.message(ctx, item)
		if err != nil {
			res.Reject(reasonEncode, 1)
			s.logger.Warn("failed to encode document", zap.String("doc_id", string(item.ID)), zap.Error(err))
			continue
		}
		pending = append(pending, s.publisher.Publish(ctx, msg))
	}
	for _, r := range pending {
		if _, err := r.Get(ctx); err != nil {
			res.Reject(reasonPublish, 1)
			continue
		}
		res.Accepted++
	}
	return res, nil
}

func (s *Sink) message(ctx context.Context, item spider.Item) (*pubsub.Message, error) {
	data, err := json.Marshal(s.payload(item.Doc))
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			AttrDocID:   string(item.ID),
			AttrDocType: s.docType,
		},
	}
	if ts, ok := spider.AsInt(item.Doc["RecordTime"]); ok {
		msg.Attributes[AttrTS] = strconv.FormatInt(ts, 10)
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
	return msg, nil
}

// payload converts date fields from epoch seconds to milliseconds.
func (s *Sink) payload(doc spider.Document) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if s.dates[k] {
			if sec, ok := spider.AsInt(v); ok {
				out[k] = sec * 1000
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Close flushes pending messages and closes the client.
func (s *Sink) Close() error {
	s.publisher.Stop()
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
