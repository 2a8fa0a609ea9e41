// Package sink writes normalized record batches to their destination store.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	es "github.com/elastic/go-elasticsearch/v8"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/normalize"
)

// ErrBulkItems is returned when Elasticsearch rejects individual documents.
var ErrBulkItems = errors.New("bulk items rejected")

const maxReportedItemErrors = 3

// Elasticsearch bulk-indexes each batch into one index. Documents are keyed by record
// identity so a re-sent batch overwrites rather than duplicates.
type Elasticsearch struct {
	client  *es.Client
	index   string
	idField string
	log     logger.Logger
}

// NewElasticsearch returns a sink writing to index.
func NewElasticsearch(client *es.Client, index, idField string, log logger.Logger) *Elasticsearch {
	if log == nil {
		log = logger.NewNop()
	}
	return &Elasticsearch{client: client, index: index, idField: idField, log: log}
}

// Write indexes records with one bulk request.
func (s *Elasticsearch) Write(ctx context.Context, records []normalize.Record) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		id, idErr := normalize.Identity(rec, s.idField)
		if idErr != nil {
			return fmt.Errorf("record identity: %w", idErr)
		}

		meta := map[string]any{
			"index": map[string]any{
				"_index": s.index,
				"_id":    id,
			},
		}
		if err := enc.Encode(meta); err != nil {
			return fmt.Errorf("failed to encode meta: %w", err)
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
	}

	res, err := s.client.Bulk(
		bytes.NewReader(buf.Bytes()),
		s.client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return fmt.Errorf("bulk indexing error: %s", res.String())
	}

	return checkBulkItems(res.Body)
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// checkBulkItems fails the whole batch when any item was rejected.
func checkBulkItems(body io.Reader) error {
	var br bulkResponse
	if err := json.NewDecoder(body).Decode(&br); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if !br.Errors {
		return nil
	}

	failed := 0
	var reasons []string
	for _, item := range br.Items {
		for _, result := range item {
			if result.Error == nil {
				continue
			}
			failed++
			if len(reasons) < maxReportedItemErrors {
				reasons = append(reasons, fmt.Sprintf("%s: %s: %s", result.ID, result.Error.Type, result.Error.Reason))
			}
		}
	}
	return fmt.Errorf("%w: %d of %d: %v", ErrBulkItems, failed, len(br.Items), reasons)
}
