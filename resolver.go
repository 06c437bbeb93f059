package mqlight

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Resolver returns the list of service URLs published at a lookup URL.
// It is called before every pass over the service list.
type Resolver interface {
	Resolve(ctx context.Context, lookupURL string) ([]string, error)
}

// ResolverFunc is a function adapter for Resolver.
type ResolverFunc func(ctx context.Context, lookupURL string) ([]string, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, lookupURL string) ([]string, error) {
	return f(ctx, lookupURL)
}

// maxLookupBody bounds the size of a lookup response.
const maxLookupBody = 1 << 20

// HTTPResolver fetches a JSON document of the form {"service": ["amqp://...", ...]}.
type HTTPResolver struct {
	// Client is the HTTP client to use. Nil means a client with Timeout.
	Client *http.Client

	// Timeout bounds a lookup when Client is nil.
	Timeout time.Duration
}

// NewHTTPResolver creates an HTTPResolver with a 10 second timeout.
func NewHTTPResolver() *HTTPResolver {
	return &HTTPResolver{Timeout: 10 * time.Second}
}

type lookupResponse struct {
	Service []string `json:"service"`
}

// Resolve implements Resolver. Every failure is reported as a network error
// so that the client keeps retrying the lookup.
func (r *HTTPResolver) Resolve(ctx context.Context, lookupURL string) ([]string, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: r.Timeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, newNetworkError("resolve", "building lookup request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, newNetworkError("resolve", "lookup request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newNetworkError("resolve", fmt.Sprintf("lookup returned %s", resp.Status), nil)
	}

	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxLookupBody)).Decode(&body); err != nil {
		return nil, newNetworkError("resolve", "lookup returned an invalid document", err)
	}
	if len(body.Service) == 0 {
		return nil, newNetworkError("resolve", "lookup returned no services", nil)
	}

	return body.Service, nil
}
