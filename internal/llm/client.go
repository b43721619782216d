package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ProviderAdapter converts the neutral Request/Response types to one
// provider's wire format.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Client routes completion requests to registered provider adapters and keeps
// cumulative token accounting across all calls.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string

	mu    sync.Mutex
	usage Usage
	calls int
}

func NewClient() *Client {
	return &Client{providers: map[string]ProviderAdapter{}}
}

func (c *Client) Register(adapter ProviderAdapter) {
	if c.providers == nil {
		c.providers = map[string]ProviderAdapter{}
	}
	c.providers[adapter.Name()] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = adapter.Name()
	}
}

func (c *Client) SetDefaultProvider(name string) {
	c.defaultProvider = name
}

func (c *Client) ProviderNames() []string {
	if c == nil || len(c.providers) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.providers))
	for k := range c.providers {
		out = append(out, k)
	}
	return out
}

// TotalUsage returns the accumulated token counts and call count since the
// client was created.
func (c *Client) TotalUsage() (Usage, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage, c.calls
}

func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	prov := req.Provider
	if prov == "" {
		prov = c.defaultProvider
	}
	if prov == "" {
		return Response{}, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	prov = normalizeProviderName(prov)
	adapter, ok := c.providers[prov]
	if !ok {
		return Response{}, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", prov)}
	}
	req.Provider = prov

	resp, err := adapter.Complete(ctx, req)
	if err != nil {
		return Response{}, err
	}
	c.mu.Lock()
	c.usage = c.usage.Add(resp.Usage)
	c.calls++
	c.mu.Unlock()
	return resp, nil
}

// emptyRetryNudge is appended as a user turn when the provider returns blank
// content, before asking again.
const emptyRetryNudge = "Please provide your response. Do not return empty content."

// CompleteNonEmpty calls Complete and, when the reply is blank, re-asks with a
// nudge appended to the conversation. Blank replies are a provider quirk, not
// a generation failure, so these retries do not count against any caller-side
// attempt budget. After maxEmptyRetries blank replies it returns
// EmptyGenerationError.
func (c *Client) CompleteNonEmpty(ctx context.Context, req Request, maxEmptyRetries int) (Response, error) {
	if maxEmptyRetries < 1 {
		maxEmptyRetries = 1
	}
	msgs := req.Messages
	var resp Response
	var err error
	for attempt := 1; attempt <= maxEmptyRetries; attempt++ {
		req.Messages = msgs
		resp, err = c.Complete(ctx, req)
		if err != nil {
			return Response{}, err
		}
		if !resp.Empty() {
			return resp, nil
		}
		msgs = append(append([]Message{}, msgs...), User(emptyRetryNudge))
	}
	return Response{}, &EmptyGenerationError{ProviderName: resp.Provider, Attempts: maxEmptyRetries}
}

func normalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
