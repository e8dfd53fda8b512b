// Package archive writes each batch as one NDJSON object to a blob store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/spider"
	"github.com/JakeFAU/condor-spider/internal/storage"
)

// Name is the sink name used in results and metrics.
const Name = "archive"

const (
	contentType  = "application/x-ndjson"
	reasonEncode = "encode_error"
)

type record struct {
	ID    spider.DocumentID `json:"id"`
	Phase spider.Phase      `json:"phase"`
	Doc   spider.Document   `json:"doc"`
}

// Sink archives batches under prefix/YYYY/MM/DD/<batch>.ndjson.
type Sink struct {
	store  storage.BlobStore
	prefix string
	logger *zap.Logger
}

var _ spider.Sink = (*Sink)(nil)

// New wraps store. An empty prefix writes date directories at the root.
func New(store storage.BlobStore, prefix string, logger *zap.Logger) (*Sink, error) {
	if store == nil {
		return nil, errors.New("archive sink requires a blob store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("archive"),
	}, nil
}

// Name implements spider.Sink.
func (s *Sink) Name() string { return Name }

// ObjectPath returns the object path for batch.
func (s *Sink) ObjectPath(batch spider.Batch) string {
	created := batch.Created.UTC()
	return path.Join(s.prefix, created.Format("2006"), created.Format("01"), created.Format("02"), batch.ID+".ndjson")
}

// Write encodes every document and uploads the batch as a single object.
// Documents that fail to encode are rejected; a failed upload fails the batch.
func (s *Sink) Write(ctx context.Context, batch spider.Batch) (spider.SinkResult, error) {
	res := spider.SinkResult{Sink: Name}
	var buf bytes.Buffer
	for _, item := range batch.Items {
		line, err := json.Marshal(record{ID: item.ID, Phase: batch.Phase, Doc: item.Doc})
		if err != nil {
			s.logger.Warn("failed to encode document", zap.String("doc_id", string(item.ID)), zap.Error(err))
			res.Reject(reasonEncode, 1)
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
		res.Accepted++
	}
	if res.Accepted == 0 {
		return res, nil
	}

	objectPath := s.ObjectPath(batch)
	uri, err := s.store.PutObject(ctx, objectPath, contentType, &buf)
	if err != nil {
		return spider.SinkResult{Sink: Name}, fmt.Errorf("put %s: %w", objectPath, err)
	}
	s.logger.Debug("archived batch",
		zap.String("batch_id", batch.ID),
		zap.String("uri", uri),
		zap.Int("documents", res.Accepted),
	)
	return res, nil
}
