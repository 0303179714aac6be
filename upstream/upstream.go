// Package upstream defines the provider client abstraction the pipeline
// talks to, plus model-pattern routing and retry of retryable failures.
// Provider implementations live in the subpackages.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/luthienresearch/luthien/model"
)

type (
	// Client is a single upstream provider. Implementations are
	// constructed once at startup and shared across requests.
	Client interface {
		// Complete issues a non-streaming completion.
		Complete(ctx context.Context, req *model.Request) (*model.Response, error)

		// Stream starts a streaming completion. Cancelling ctx aborts the
		// upstream request and unblocks any pending Recv.
		Stream(ctx context.Context, req *model.Request) (Streamer, error)
	}

	// Streamer yields canonical chunks from one streaming response.
	Streamer interface {
		// Recv returns the next chunk. It returns io.EOF at end of stream
		// and the context error when the stream was cancelled.
		Recv() (model.Chunk, error)

		// Close releases the stream. Safe to call more than once.
		Close() error
	}

	// Route binds a model pattern to a provider client. A pattern is
	// either an exact model name or a prefix followed by '*'.
	Route struct {
		Pattern string
		Client  Client
	}

	// Router resolves the provider for a requested model. Exact patterns
	// win over prefix patterns; among prefix patterns the longest wins.
	Router struct {
		exact  map[string]Client
		prefix []Route
	}
)

// ErrNoRoute is returned when no configured pattern matches the model.
var ErrNoRoute = errors.New("no upstream provider for model")

// NewRouter builds a router from the configured routes.
func NewRouter(routes []Route) (*Router, error) {
	r := &Router{exact: make(map[string]Client)}
	for _, route := range routes {
		if route.Pattern == "" {
			return nil, errors.New("route pattern is required")
		}
		if route.Client == nil {
			return nil, fmt.Errorf("route %q: client is required", route.Pattern)
		}
		if strings.HasSuffix(route.Pattern, "*") {
			r.prefix = append(r.prefix, route)
			continue
		}
		if _, ok := r.exact[route.Pattern]; ok {
			return nil, fmt.Errorf("duplicate route pattern %q", route.Pattern)
		}
		r.exact[route.Pattern] = route.Client
	}
	return r, nil
}

// Resolve returns the client handling the given model.
func (r *Router) Resolve(modelName string) (Client, error) {
	if c, ok := r.exact[modelName]; ok {
		return c, nil
	}
	var (
		best    Client
		bestLen = -1
	)
	for _, route := range r.prefix {
		prefix := strings.TrimSuffix(route.Pattern, "*")
		if strings.HasPrefix(modelName, prefix) && len(prefix) > bestLen {
			best = route.Client
			bestLen = len(prefix)
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoRoute, modelName)
	}
	return best, nil
}
