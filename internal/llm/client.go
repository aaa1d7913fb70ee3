// Package llm talks to reasoning model providers.
//
// The engine sees a single [Client]. A [Router] implements it by mapping
// the request's tier to a configured model and provider, rate limiting
// outbound calls on the way.
package llm

import "context"

// Client produces completions. Text in, text out.
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// Provider is one model backend.
type Provider interface {
	// Name identifies the provider in config ("ollama", "anthropic").
	Name() string
	// Complete runs req against req.Model.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Ping checks the provider is reachable.
	Ping(ctx context.Context) error
}
