package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kisslabs/platform/internal/config"
	"github.com/kisslabs/platform/internal/detector"
	"github.com/kisslabs/platform/internal/store"
)

// warehouseLoader fetches detector input data products from the
// analytical warehouse service, one GET per product:
//
//	GET {base}/v1/products/{name}?branch=..&employee=..&product=..&date_from=..&date_to=..
//
// The response is {"rows": [...]}. A missing warehouse URL yields an
// empty loader so detectors run (and report zero input rows) instead of
// failing the whole tier.
type warehouseLoader struct {
	baseURL string
	token   string
	client  *http.Client
}

func newWarehouseLoader(cfg config.WarehouseConfig) detector.InputLoader {
	return &warehouseLoader{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (l *warehouseLoader) Load(ctx context.Context, products []string, scope store.Scope) (*detector.Inputs, error) {
	inputs := &detector.Inputs{Products: make(map[string][]detector.Row, len(products))}
	if l.baseURL == "" {
		for _, name := range products {
			inputs.Products[name] = nil
		}
		return inputs, nil
	}
	for _, name := range products {
		rows, err := l.fetch(ctx, name, scope)
		if err != nil {
			return nil, fmt.Errorf("warehouse: load %s: %w", name, err)
		}
		inputs.Products[name] = rows
	}
	return inputs, nil
}

func (l *warehouseLoader) fetch(ctx context.Context, product string, scope store.Scope) ([]detector.Row, error) {
	q := url.Values{}
	if scope.Branch != "" {
		q.Set("branch", scope.Branch)
	}
	if scope.Employee != "" {
		q.Set("employee", scope.Employee)
	}
	if scope.Product != "" {
		q.Set("product", scope.Product)
	}
	if scope.DateFrom != "" {
		q.Set("date_from", scope.DateFrom)
	}
	if scope.DateTo != "" {
		q.Set("date_to", scope.DateTo)
	}

	endpoint := l.baseURL + "/v1/products/" + url.PathEscape(product)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Rows []detector.Row `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return payload.Rows, nil
}
