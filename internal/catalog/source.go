// Package catalog fetches the remote product catalog and normalizes its records.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"price_watcher/internal/faults"
)

// DefaultUserAgent mimics a desktop browser; the catalog rejects bare Go clients.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"

// Source returns one snapshot of raw catalog records.
// Implementations do not retry; a failed fetch skips the cycle.
type Source interface {
	FetchProducts(ctx context.Context) ([]map[string]any, error)
}

// HTTPSource reads the catalog JSON endpoint.
type HTTPSource struct {
	URL       string
	UserAgent string
	client    *http.Client
}

// NewHTTPSource builds a source for url. timeout bounds the whole request.
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		URL:       url,
		UserAgent: DefaultUserAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

// catalogResponse covers both payload shapes the catalog has served:
// {"products": [...]} and {"data": {"products": [...]}}.
type catalogResponse struct {
	Products []json.RawMessage `json:"products"`
	Data     *struct {
		Products []json.RawMessage `json:"products"`
	} `json:"data"`
}

// FetchProducts performs one GET and decodes the product list.
// Numbers are kept as json.Number so prices are not rounded through float64.
func (s *HTTPSource) FetchProducts(ctx context.Context) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, faults.Wrap(faults.Fatal, "catalog request", err)
	}
	req.Header.Set("User-Agent", s.UserAgent)
	req.Header.Set("Accept", "application/json")

	log.Printf("Catalog: requesting %s", s.URL)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.Transient, "catalog fetch", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.Transient, "catalog read", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, faults.Wrap(faults.Transient, "catalog fetch",
			fmt.Errorf("status %s: %s", resp.Status, truncate(body, 200)))
	}

	products, err := decodeProducts(body)
	if err != nil {
		return nil, faults.Wrap(faults.Malformed, "catalog decode", err)
	}
	log.Printf("Catalog: received %d products", len(products))
	return products, nil
}

func decodeProducts(body []byte) ([]map[string]any, error) {
	var payload catalogResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	items := payload.Products
	if items == nil && payload.Data != nil {
		items = payload.Data.Products
	}
	if items == nil {
		return nil, fmt.Errorf("no products array in response")
	}

	// Elements that are not objects become nil records and are rejected by Normalize.
	products := make([]map[string]any, len(items))
	for i, item := range items {
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.UseNumber()
		var rec map[string]any
		if err := dec.Decode(&rec); err == nil {
			products[i] = rec
		}
	}
	return products, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
