package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ternarybob/hearth/internal/models"
)

// HealthProber checks whether a worker answers as healthy. It never returns an error.
type HealthProber interface {
	Probe(ctx context.Context, url string, schema models.HealthSchema) bool
}

// HTTPProber probes health endpoints over HTTP
type HTTPProber struct {
	Client *http.Client
}

// NewHTTPProber creates a prober; per-probe timeouts come from the caller's context
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{Client: &http.Client{}}
}

// maxHealthBody bounds how much of a health response is read
const maxHealthBody = 64 * 1024

func (p *HTTPProber) Probe(ctx context.Context, url string, schema models.HealthSchema) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		return false
	}
	return EvaluateHealth(schema, body)
}

// EvaluateHealth applies schema to a health response body. The body must be a
// JSON object; any shape mismatch means not healthy.
func EvaluateHealth(schema models.HealthSchema, body []byte) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return false
	}
	if schema.Field == "" {
		return true
	}

	raw, ok := obj[schema.Field]
	if !ok {
		return false
	}

	value, ok := scalarString(raw)
	if !ok {
		return false
	}
	for _, accepted := range schema.Accepted {
		if strings.EqualFold(value, accepted) {
			return true
		}
	}
	return false
}

// scalarString renders a JSON string, bool or number as text
func scalarString(raw json.RawMessage) (string, bool) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return fmt.Sprintf("%t", t), true
	case float64:
		return fmt.Sprintf("%v", t), true
	}
	return "", false
}
