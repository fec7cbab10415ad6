// Package elastic consumes envelopes from the shared queue, decodes them
// into flat documents and uploads each one to Elasticsearch, creating
// indices on first use.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"

	"github.com/c360/rtnm/config"
	"github.com/c360/rtnm/envelope"
	"github.com/c360/rtnm/errors"
	"github.com/c360/rtnm/metric"
	"github.com/c360/rtnm/pkg/retry"
)

// indexBody is applied when an index is first created. The field limit is
// raised because flattened telemetry rows are wide.
const indexBody = `{
  "settings": {"index.mapping.total_fields.limit": 2000},
  "mappings": {"properties": {"@timestamp": {"type": "date"}}}
}`

// SinkDeps carries the sink's dependencies
type SinkDeps struct {
	Config  config.Elasticsearch
	Queue   *envelope.Queue
	Metrics *metric.Metrics
	Logger  *slog.Logger

	// Transport overrides the HTTP transport, used by tests
	Transport http.RoundTripper
}

// Sink uploads decoded envelopes to Elasticsearch. Index creation happens
// at most once per distinct index name, guarded by the creation lock; this
// is the only cross-worker synchronization point in the pipeline and the
// workers themselves never touch it.
type Sink struct {
	client  *elasticsearch.Client
	queue   *envelope.Queue
	metrics *metric.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	indices map[string]struct{}
}

// NewSink creates a sink connected to the configured cluster
func NewSink(deps SinkDeps) (*Sink, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: deps.Config.Addresses,
		Username:  deps.Config.Username,
		Password:  deps.Config.Password,
		Transport: deps.Transport,
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "Sink", "NewSink", "client construction")
	}

	return &Sink{
		client:  client,
		queue:   deps.Queue,
		metrics: deps.Metrics,
		logger:  logger,
		indices: make(map[string]struct{}),
	}, nil
}

// Run consumes the queue until the context is cancelled. Decode and upload
// faults are logged and counted, never returned: a broken document must not
// stop the pipeline.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-s.queue.C():
			s.process(ctx, e)
		}
	}
}

func (s *Sink) process(ctx context.Context, e envelope.Envelope) {
	docs, err := Decode(e)
	if err != nil {
		s.logger.Error("envelope decode failed",
			"device", e.Device, "protocol", e.Protocol, "error", err)
		if s.metrics != nil {
			s.metrics.DecodeFailures.Inc()
		}
		return
	}

	for _, doc := range docs {
		if err := s.upload(ctx, doc); err != nil {
			// The payload is part of the log line so a rejected document
			// can be diagnosed without replaying the stream.
			s.logger.Error("document upload failed",
				"index", doc.Index, "error", err, "payload", doc.Body)
			if s.metrics != nil {
				s.metrics.UploadFailures.Inc()
			}
		}
	}
}

// upload ensures the target index exists, stamps the ingestion time and
// indexes the document, retrying transient backend trouble.
func (s *Sink) upload(ctx context.Context, doc Document) error {
	if err := s.ensureIndex(ctx, doc.Index); err != nil {
		return err
	}

	doc.Body["@timestamp"] = time.Now().UnixMilli()
	body, err := json.Marshal(doc.Body)
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrFormatData, err),
			"Sink", "upload", "document serialization")
	}

	start := time.Now()
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		res, err := s.client.Index(doc.Index, bytes.NewReader(body),
			s.client.Index.WithContext(ctx))
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("%w: %s", errors.ErrElasticsearchUpload, res.String())
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "Sink", "upload", "document index")
	}

	if s.metrics != nil {
		s.metrics.UploadDuration.Observe(time.Since(start).Seconds())
		s.metrics.DocumentsIndexed.WithLabelValues(doc.Index).Inc()
	}
	return nil
}

// ensureIndex creates the index on first encounter. The lock is held across
// the whole exists/create round trip so a given index is created at most
// once no matter how many documents race for it.
func (s *Sink) ensureIndex(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.indices[name]; ok {
		return nil
	}

	res, err := s.client.Indices.Exists([]string{name},
		s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrDatabaseUpload, err),
			"Sink", "ensureIndex", "index existence check")
	}
	res.Body.Close()

	if res.StatusCode != http.StatusOK {
		create, err := s.client.Indices.Create(name,
			s.client.Indices.Create.WithBody(bytes.NewReader([]byte(indexBody))),
			s.client.Indices.Create.WithContext(ctx))
		if err != nil {
			return errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrDatabaseUpload, err),
				"Sink", "ensureIndex", "index creation")
		}
		create.Body.Close()

		// 400 means someone else created it between our check and create
		if create.IsError() && create.StatusCode != http.StatusBadRequest {
			return errors.WrapTransient(
				fmt.Errorf("%w: create %s returned %s", errors.ErrDatabaseUpload, name, create.Status()),
				"Sink", "ensureIndex", "index creation")
		}
		s.logger.Info("created index", "index", name)
	}

	s.indices[name] = struct{}{}
	return nil
}
