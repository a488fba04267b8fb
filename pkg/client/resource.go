package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/Sternrassler/offline-cache/pkg/policy"
)

// Resource is a typed view of one upstream endpoint. It fetches through the
// client's policy engine and decodes the JSON body into T.
type Resource[T any] struct {
	client *Client
	path   string
	query  url.Values
	policy *policy.Policy
}

// NewResource creates a typed resource for path. A nil pol uses the client's
// default policy.
func NewResource[T any](c *Client, path string, query url.Values, pol *policy.Policy) *Resource[T] {
	return &Resource[T]{client: c, path: path, query: query, policy: pol}
}

// Get fetches and decodes the resource. The FetchResult is returned alongside
// the value so callers can show provenance ("from cache, 5 minutes old").
func (r *Resource[T]) Get(ctx context.Context) (T, *policy.FetchResult, error) {
	return r.GetWith(ctx, r.policy)
}

// GetWith fetches the resource with an explicit policy.
func (r *Resource[T]) GetWith(ctx context.Context, pol *policy.Policy) (T, *policy.FetchResult, error) {
	var value T

	res, err := r.client.Fetch(ctx, r.path, r.query, pol)
	if err != nil {
		return value, nil, err
	}
	if err := json.Unmarshal(res.Body, &value); err != nil {
		return value, res, fmt.Errorf("decode %s: %w", r.path, err)
	}
	return value, res, nil
}
