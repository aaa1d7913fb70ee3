package llm

import (
	"errors"
	"fmt"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request asks a reasoning tier for a completion. The router picks
// the model; providers receive it in Model.
type Request struct {
	Tier      string
	Model     string
	MaxTokens int
	Messages  []Message
}

// Response is a provider-neutral completion. Wire formats are
// converted at the provider boundary (ollama.go, anthropic.go).
type Response struct {
	Model        string
	Content      string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// ErrUnknownTier is returned when a request names a tier with no model
// binding.
var ErrUnknownTier = errors.New("unknown model tier")

// ProviderError is an error status returned by a provider's API.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}
