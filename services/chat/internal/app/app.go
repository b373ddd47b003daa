package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"repairhub/pkg/ai"
	"repairhub/pkg/domain"
	"repairhub/pkg/ledger"
)

// GeneratorConfig selects the model backend behind the expert persona.
type GeneratorConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

// Config holds runtime configuration for the chat application.
type Config struct {
	Ledger *ledger.Ledger
	// Generator overrides Provider selection when set.
	Generator  ai.Generator
	Model      GeneratorConfig
	Oracle     OracleConfig
	Booking    Policy
	Dispatcher Dispatcher
	Now        func() time.Time
}

// App wires the ledger, expert oracle and booking flow behind open sessions.
type App struct {
	ledger    *ledger.Ledger
	oracle    *ExpertAdapter
	finalizer *Finalizer
	sessions  *Manager
}

func New(cfg Config) (*App, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	gen := cfg.Generator
	if gen == nil {
		var err error
		gen, err = NewGenerator(context.Background(), cfg.Model)
		if err != nil {
			return nil, err
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	policy := cfg.Booking
	if policy.Now == nil {
		policy.Now = now
	}
	oracle := NewExpertAdapter(gen, cfg.Oracle)
	finalizer := NewFinalizer(cfg.Ledger, policy, cfg.Dispatcher)
	return &App{
		ledger:    cfg.Ledger,
		oracle:    oracle,
		finalizer: finalizer,
		sessions: newManager(sessionDeps{
			ledger:    cfg.Ledger,
			oracle:    oracle,
			finalizer: finalizer,
			now:       now,
		}),
	}, nil
}

// NewGenerator builds the configured provider. Provider "none" yields a nil
// generator so every reply is the fallback text.
func NewGenerator(ctx context.Context, cfg GeneratorConfig) (ai.Generator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "gemini"
	}
	switch provider {
	case "gemini":
		gen, err := ai.NewGeminiGenerator(ctx, ai.GeminiConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL})
		if err != nil {
			return nil, fmt.Errorf("init gemini: %w", err)
		}
		return gen, nil
	case "openai", "openai-compat":
		if strings.TrimSpace(cfg.Model) == "" {
			return nil, fmt.Errorf("model required for %s", provider)
		}
		return ai.NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	case "ollama":
		if strings.TrimSpace(cfg.Model) == "" {
			return nil, fmt.Errorf("model required for ollama")
		}
		return ai.NewOllamaGenerator(ai.NewOllamaClient(cfg.BaseURL), cfg.Model), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown model provider: %s", provider)
	}
}

// OpenThread starts or resumes the conversation with expertName.
func (a *App) OpenThread(ctx context.Context, cfg SessionConfig) (*Session, error) {
	return a.sessions.Open(ctx, cfg)
}

func (a *App) Session(userID, expertName string) (*Session, error) {
	return a.sessions.Get(userID, expertName)
}

func (a *App) Send(ctx context.Context, userID, expertName, text string, image []byte) (SendResult, error) {
	s, err := a.sessions.Get(userID, expertName)
	if err != nil {
		return SendResult{}, err
	}
	return s.Send(ctx, text, image)
}

func (a *App) Confirm(ctx context.Context, userID, expertName, messageID string) (Confirmation, error) {
	s, err := a.sessions.Get(userID, expertName)
	if err != nil {
		return Confirmation{}, err
	}
	return s.Confirm(ctx, messageID)
}

func (a *App) CloseThread(userID, expertName string) {
	a.sessions.Close(userID, expertName)
}

// Shutdown closes every open session.
func (a *App) Shutdown() {
	a.sessions.CloseAll()
}

// Messages returns the persisted thread. An open session's unsent welcome is
// included.
func (a *App) Messages(ctx context.Context, userID, expertName string) ([]domain.ChatMessage, error) {
	if s, err := a.sessions.Get(userID, expertName); err == nil {
		return s.Messages(), nil
	}
	return a.ledger.ListMessages(ctx, userID, expertName)
}

func (a *App) Experts(ctx context.Context, userID string) ([]string, error) {
	return a.ledger.ListContactedExperts(ctx, userID)
}

func (a *App) Bookings(ctx context.Context, userID string) ([]domain.Booking, error) {
	return a.ledger.ListBookings(ctx, userID)
}

func (a *App) Coins(ctx context.Context, userID string) (domain.CoinBalance, error) {
	balance, err := a.ledger.CoinBalance(ctx, userID)
	if err != nil {
		return domain.CoinBalance{}, err
	}
	return domain.CoinBalance{UserID: userID, Balance: balance}, nil
}

func (a *App) Health(ctx context.Context) ledger.RemoteHealth {
	return a.ledger.Health(ctx)
}

// SystemPrompt exposes the rendered persona for a context.
func (a *App) SystemPrompt(in ConverseInput) string {
	return a.oracle.SystemPrompt(in)
}
