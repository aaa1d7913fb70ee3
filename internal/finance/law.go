package finance

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/prism/internal/llm"
)

// LawAnswerer answers free-form tax law questions.
type LawAnswerer interface {
	Answer(ctx context.Context, question string) (string, error)
}

const lawSystemPrompt = `You answer tax law questions for a small-business bookkeeping assistant.
Answer in at most five sentences. Name the rule you rely on. If the answer depends on facts you were not given, say which ones.
Never give filing instructions; those go through the secure channel.`

// ModelLaw answers questions with the reasoning model.
type ModelLaw struct {
	client    llm.Client
	tier      string
	maxTokens int
}

// NewModelLaw creates a LawAnswerer backed by client. Questions use the
// given model tier.
func NewModelLaw(client llm.Client, tier string, maxTokens int) *ModelLaw {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &ModelLaw{client: client, tier: tier, maxTokens: maxTokens}
}

// Answer implements LawAnswerer.
func (m *ModelLaw) Answer(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fmt.Errorf("question is empty")
	}
	resp, err := m.client.Chat(ctx, llm.Request{
		Tier:      m.tier,
		MaxTokens: m.maxTokens,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: lawSystemPrompt},
			{Role: llm.RoleUser, Content: question},
		},
	})
	if err != nil {
		return "", fmt.Errorf("tax law lookup: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
