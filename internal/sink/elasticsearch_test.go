package sink_test

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/normalize"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/sink"
)

type bulkServer struct {
	mu       sync.Mutex
	lines    []map[string]any
	response string
	status   int
}

func (b *bulkServer) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	scanner := bufio.NewScanner(r.Body)
	b.mu.Lock()
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err == nil {
			b.lines = append(b.lines, line)
		}
	}
	b.mu.Unlock()

	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(b.response))
}

func (b *bulkServer) Lines() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.lines...)
}

func newESSink(t *testing.T, srv *bulkServer) *sink.Elasticsearch {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	t.Cleanup(ts.Close)

	client, err := es.NewClient(es.Config{Addresses: []string{ts.URL}, DisableRetry: true})
	require.NoError(t, err)

	return sink.NewElasticsearch(client, "api_records_products", "id", nil)
}

func TestElasticsearch_WritesBulkPairs(t *testing.T) {
	t.Parallel()

	srv := &bulkServer{response: `{"errors":false,"items":[]}`}
	s := newESSink(t, srv)

	err := s.Write(t.Context(), []normalize.Record{
		{"id": "a", "title": "first"},
		{"id": "b", "title": "second"},
	})
	require.NoError(t, err)

	lines := srv.Lines()
	require.Len(t, lines, 4)

	meta, ok := lines[0]["index"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "api_records_products", meta["_index"])
	assert.Equal(t, "a", meta["_id"])
	assert.Equal(t, "first", lines[1]["title"])
	assert.Equal(t, "b", lines[2]["index"].(map[string]any)["_id"])
}

func TestElasticsearch_EmptyBatchSkipsRequest(t *testing.T) {
	t.Parallel()

	srv := &bulkServer{response: `{"errors":false}`}
	s := newESSink(t, srv)

	require.NoError(t, s.Write(t.Context(), nil))
	assert.Empty(t, srv.Lines())
}

func TestElasticsearch_ItemErrorsFailBatch(t *testing.T) {
	t.Parallel()

	srv := &bulkServer{response: `{"errors":true,"items":[
		{"index":{"_id":"a","status":201}},
		{"index":{"_id":"b","status":400,"error":{"type":"mapper_parsing_exception","reason":"bad date"}}}
	]}`}
	s := newESSink(t, srv)

	err := s.Write(t.Context(), []normalize.Record{{"id": "a"}, {"id": "b"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sink.ErrBulkItems))
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestElasticsearch_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := &bulkServer{status: http.StatusServiceUnavailable, response: `{"error":"unavailable"}`}
	s := newESSink(t, srv)

	err := s.Write(t.Context(), []normalize.Record{{"id": "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bulk indexing error")
}
