// Package sink writes batches to an OpenSearch or Elasticsearch cluster
// through the _bulk API.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"unilog/internal/config"
	"unilog/internal/delivery"
)

// ErrNotJSON is the per-item error for payloads that are not a JSON document
var ErrNotJSON = errors.New("payload is not a JSON document")

const maxErrorBody = 4 * 1024

// OpenSearch is a bulk index client. It is safe for concurrent use.
type OpenSearch struct {
	endpoint string
	username string
	password string
	client   *http.Client

	requests atomic.Uint64
	indexed  atomic.Uint64
	rejected atomic.Uint64
}

// NewOpenSearch creates a bulk client. A nil client gets one using the
// configured timeout.
func NewOpenSearch(cfg config.SinkConfig, client *http.Client) (*OpenSearch, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("sink endpoint is required")
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenSearch{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		username: cfg.Username,
		password: cfg.Password,
		client:   client,
	}, nil
}

// Write indexes payloads into index and returns one status per payload
func (o *OpenSearch) Write(ctx context.Context, index string, payloads [][]byte) ([]error, error) {
	perItem := make([]error, len(payloads))

	// positions of the payloads actually sent, in request order
	var sent []int
	var body bytes.Buffer
	action := fmt.Sprintf(`{"index":{"_index":%q}}`, index)
	for i, p := range payloads {
		var doc bytes.Buffer
		if !gjson.ValidBytes(p) || json.Compact(&doc, p) != nil || !gjson.ParseBytes(p).IsObject() {
			perItem[i] = delivery.Permanent(0, ErrNotJSON)
			continue
		}
		body.WriteString(action)
		body.WriteByte('\n')
		body.Write(doc.Bytes())
		body.WriteByte('\n')
		sent = append(sent, i)
	}
	if len(sent) == 0 {
		o.rejected.Add(uint64(len(payloads)))
		return perItem, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/_bulk", &body)
	if err != nil {
		return nil, delivery.Permanent(0, err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if o.username != "" {
		req.SetBasicAuth(o.username, o.password)
	}

	o.requests.Add(1)
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bulk request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, delivery.Transient(resp.StatusCode, fmt.Errorf("reading bulk response: %w", err))
	}

	if err := delivery.ClassifyStatus(resp.StatusCode, errors.New(truncate(respBody))); err != nil {
		return nil, err
	}

	items := gjson.GetBytes(respBody, "items")
	if !items.IsArray() {
		return nil, delivery.Transient(resp.StatusCode, errors.New("bulk response has no items"))
	}
	results := items.Array()
	if len(results) != len(sent) {
		return nil, delivery.Transient(resp.StatusCode, fmt.Errorf("%w: got %d, sent %d", delivery.ErrStatusMismatch, len(results), len(sent)))
	}

	for n, item := range results {
		perItem[sent[n]] = itemError(item)
	}

	for _, e := range perItem {
		if e == nil {
			o.indexed.Add(1)
		} else if delivery.IsPermanent(e) {
			o.rejected.Add(1)
		}
	}
	return perItem, nil
}

// itemError classifies one entry of the bulk "items" array. Each entry is
// an object with a single action key ("index", "create", ...).
func itemError(item gjson.Result) error {
	var result gjson.Result
	item.ForEach(func(_, v gjson.Result) bool {
		result = v
		return false
	})

	status := int(result.Get("status").Int())
	reason := result.Get("error.reason").String()
	if reason == "" {
		reason = result.Get("error.type").String()
	}
	if reason == "" {
		reason = http.StatusText(status)
	}
	return delivery.ClassifyStatus(status, errors.New(reason))
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return strings.TrimSpace(string(b))
}

// Stats holds sink counters
type Stats struct {
	Requests uint64 `json:"requests"`
	Indexed  uint64 `json:"indexed"`
	Rejected uint64 `json:"rejected"`
}

// Stats returns sink counters
func (o *OpenSearch) Stats() Stats {
	return Stats{
		Requests: o.requests.Load(),
		Indexed:  o.indexed.Load(),
		Rejected: o.rejected.Load(),
	}
}

// HealthCheck queries the cluster health endpoint
func (o *OpenSearch) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"/_cluster/health", nil)
	if err != nil {
		return err
	}
	if o.username != "" {
		req.SetBasicAuth(o.username, o.password)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cluster health returned %d", resp.StatusCode)
	}
	return nil
}
