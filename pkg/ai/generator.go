package ai

import (
	"context"
	"errors"

	"repairhub/pkg/domain"
)

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("empty response from model")

// Turn is one prior exchange given to the model as context.
type Turn struct {
	Role domain.Role
	Text string
}

// Request is a single multimodal generation call.
type Request struct {
	SystemPrompt string
	History      []Turn
	Prompt       string
	Image        []byte
	ImageMIME    string
	Temperature  float32
	// Grounding asks the provider to search the web and cite sources,
	// where supported.
	Grounding bool
}

type Response struct {
	Text    string
	Sources []domain.Source
}

// Generator produces an expert reply. Gemini, Ollama and OpenAI-compatible
// providers implement it.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}
