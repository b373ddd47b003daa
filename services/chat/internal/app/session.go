package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"repairhub/internal/util"
	"repairhub/pkg/domain"
	"repairhub/pkg/ledger"
)

const ImageOnlyText = "Shared an image for diagnosis"

// State is the lifecycle position of a Session.
type State string

const (
	StateLoading        State = "loading"
	StateIdle           State = "idle"
	StateSending        State = "sending"
	StateAwaitingOracle State = "awaiting_oracle"
	StateBooking        State = "booking"
	StateClosed         State = "closed"
)

// SessionConfig identifies one conversation.
type SessionConfig struct {
	UserID      string
	ExpertName  string
	ServiceName string
	Context     domain.ServiceContext
}

// SendResult carries the persisted turn pair.
type SendResult struct {
	User  domain.ChatMessage `json:"user"`
	Reply domain.ChatMessage `json:"reply"`
	// Bookable is true when the reply carries a quote.
	Bookable bool `json:"bookable"`
	Fallback bool `json:"fallback"`
}

// Session is one open conversation between a user and an expert. One send or
// booking runs at a time; Close cancels the in-flight call and discards its
// reply.
type Session struct {
	cfg       SessionConfig
	ledger    *ledger.Ledger
	oracle    Oracle
	finalizer *Finalizer
	now       func() time.Time

	mu        sync.Mutex
	state     State
	messages  []domain.ChatMessage
	welcome   *domain.ChatMessage
	lastStamp time.Time
	cancel    context.CancelFunc
}

type sessionDeps struct {
	ledger    *ledger.Ledger
	oracle    Oracle
	finalizer *Finalizer
	now       func() time.Time
}

func openSession(ctx context.Context, deps sessionDeps, cfg SessionConfig) (*Session, error) {
	cfg.ExpertName = strings.TrimSpace(cfg.ExpertName)
	if cfg.ExpertName == "" {
		return nil, ErrExpertRequired
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, fmt.Errorf("%w: user id required", domain.ErrInvalidRecord)
	}
	if cfg.Context == "" {
		cfg.Context = domain.ContextPickup
	}
	s := &Session{
		cfg:       cfg,
		ledger:    deps.ledger,
		oracle:    deps.oracle,
		finalizer: deps.finalizer,
		now:       deps.now,
		state:     StateLoading,
	}
	if err := s.ledger.EnsureExpert(ctx, cfg.UserID, cfg.ExpertName); err != nil {
		return nil, fmt.Errorf("index expert: %w", err)
	}
	history, err := s.ledger.ListMessages(ctx, cfg.UserID, cfg.ExpertName)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = history
	if n := len(history); n > 0 {
		s.lastStamp = history[n-1].CreatedAt
	} else {
		// shown immediately, persisted with the first user turn
		w := domain.ChatMessage{
			ID:         util.NewID(),
			UserID:     cfg.UserID,
			ExpertName: cfg.ExpertName,
			Role:       domain.RoleExpert,
			Text:       WelcomeText(cfg.Context, cfg.ServiceName),
			CreatedAt:  s.stamp(),
		}
		s.welcome = &w
	}
	s.state = StateIdle
	return s, nil
}

// WelcomeText is the greeting shown on an empty thread.
func WelcomeText(svcCtx domain.ServiceContext, serviceName string) string {
	svc := strings.TrimSpace(serviceName)
	if svc == "" {
		svc = "your request"
	}
	if svcCtx == domain.ContextOnsite {
		return fmt.Sprintf("Hi! I'm the Field Coordinator. For %s, we'll send an expert directly to your location. What's the problem?", svc)
	}
	return fmt.Sprintf("Hello! I'm your Repair Hub coordinator. For %s, our runner is ready for express pickup. Share a photo of the item so we can diagnose!", svc)
}

func (s *Session) Config() SessionConfig { return s.cfg }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns the visible thread, including an unsent welcome.
func (s *Session) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatMessage, 0, len(s.messages)+1)
	if s.welcome != nil {
		out = append(out, *s.welcome)
	}
	return append(out, s.messages...)
}

// Send persists a user turn, asks the oracle and persists its reply.
func (s *Session) Send(ctx context.Context, text string, image []byte) (SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(image) == 0 {
		return SendResult{}, ErrEmptyMessage
	}
	callCtx, release, err := s.begin(ctx, StateSending)
	if err != nil {
		return SendResult{}, err
	}
	defer release()

	s.mu.Lock()
	welcome := s.welcome
	stored := text
	if stored == "" {
		stored = ImageOnlyText
	}
	userMsg := domain.ChatMessage{
		ID:         util.NewID(),
		UserID:     s.cfg.UserID,
		ExpertName: s.cfg.ExpertName,
		Role:       domain.RoleUser,
		Text:       stored,
		Image:      image,
		CreatedAt:  s.stamp(),
	}
	s.mu.Unlock()

	if welcome != nil {
		if err := s.ledger.AppendMessage(ctx, *welcome); err != nil {
			return SendResult{}, fmt.Errorf("persist welcome: %w", err)
		}
	}
	if err := s.ledger.AppendMessage(ctx, userMsg); err != nil {
		return SendResult{}, fmt.Errorf("persist message: %w", err)
	}

	s.mu.Lock()
	if welcome != nil {
		s.messages = append(s.messages, *welcome)
		s.welcome = nil
	}
	history := append([]domain.ChatMessage(nil), s.messages...)
	s.messages = append(s.messages, userMsg)
	if s.state == StateClosed {
		s.mu.Unlock()
		return SendResult{User: userMsg}, ErrSessionClosed
	}
	s.state = StateAwaitingOracle
	s.mu.Unlock()

	reply := s.oracle.Converse(callCtx, ConverseInput{
		ExpertName:  s.cfg.ExpertName,
		ServiceName: s.cfg.ServiceName,
		Context:     s.cfg.Context,
		Prompt:      text,
		Image:       image,
		History:     history,
	})

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		util.LoggerFromContext(ctx).Info("discarding reply for closed session", "user_id", s.cfg.UserID, "expert", s.cfg.ExpertName)
		return SendResult{User: userMsg}, ErrSessionClosed
	}
	replyMsg := domain.ChatMessage{
		ID:         util.NewID(),
		UserID:     s.cfg.UserID,
		ExpertName: s.cfg.ExpertName,
		Role:       domain.RoleExpert,
		Text:       reply.Text,
		Sources:    reply.Sources,
		CreatedAt:  s.stamp(),
	}
	s.mu.Unlock()

	if err := s.ledger.AppendMessage(ctx, replyMsg); err != nil {
		return SendResult{User: userMsg}, fmt.Errorf("persist reply: %w", err)
	}
	s.mu.Lock()
	if s.state != StateClosed {
		s.messages = append(s.messages, replyMsg)
	}
	s.mu.Unlock()
	return SendResult{User: userMsg, Reply: replyMsg, Bookable: replyMsg.HasQuote(), Fallback: reply.Fallback}, nil
}

// Confirm books the quote in messageID, or the latest quote when empty.
func (s *Session) Confirm(ctx context.Context, messageID string) (Confirmation, error) {
	s.mu.Lock()
	target, err := s.findQuote(messageID)
	s.mu.Unlock()
	if err != nil {
		return Confirmation{}, err
	}
	_, release, err := s.begin(ctx, StateBooking)
	if err != nil {
		return Confirmation{}, err
	}
	defer release()

	s.mu.Lock()
	at := s.stamp()
	s.mu.Unlock()
	conf, err := s.finalizer.Finalize(ctx, ConfirmRequest{
		UserID:      s.cfg.UserID,
		ExpertName:  s.cfg.ExpertName,
		ServiceName: s.cfg.ServiceName,
		Context:     s.cfg.Context,
		Quote:       target,
		At:          at,
	})
	if conf.Message.ID != "" {
		s.mu.Lock()
		if s.state != StateClosed {
			s.messages = append(s.messages, conf.Message)
		}
		s.mu.Unlock()
	}
	return conf, err
}

// Close ends the session. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// begin moves an idle session into state and returns a context that Close
// cancels. release returns the session to idle.
func (s *Session) begin(ctx context.Context, state State) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return nil, nil, ErrSessionClosed
	case StateIdle:
	default:
		return nil, nil, ErrSessionBusy
	}
	callCtx, cancel := context.WithCancel(ctx)
	s.state = state
	s.cancel = cancel
	release := func() {
		cancel()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != StateClosed {
			s.state = StateIdle
			s.cancel = nil
		}
	}
	return callCtx, release, nil
}

func (s *Session) findQuote(messageID string) (domain.ChatMessage, error) {
	if s.state == StateClosed {
		return domain.ChatMessage{}, ErrSessionClosed
	}
	if messageID == "" {
		for i := len(s.messages) - 1; i >= 0; i-- {
			if s.messages[i].HasQuote() {
				return s.messages[i], nil
			}
		}
		return domain.ChatMessage{}, ErrNoQuote
	}
	for _, m := range s.messages {
		if m.ID != messageID {
			continue
		}
		if !m.HasQuote() {
			return domain.ChatMessage{}, ErrNoQuote
		}
		return m, nil
	}
	return domain.ChatMessage{}, ErrMessageNotFound
}

// stamp returns a timestamp strictly after the previous one so thread order
// survives stores with microsecond precision. Caller holds mu.
func (s *Session) stamp() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = t
	return t
}

// Manager tracks the open session per (user, expert).
type Manager struct {
	deps sessionDeps

	mu       sync.Mutex
	sessions map[string]*Session
}

func newManager(deps sessionDeps) *Manager {
	return &Manager{deps: deps, sessions: make(map[string]*Session)}
}

func sessionKey(userID, expertName string) string {
	return userID + "\x00" + strings.TrimSpace(expertName)
}

// Open returns the live session for the pair, replacing it when the service
// context or name changed. Empty fields keep the live session's values.
func (m *Manager) Open(ctx context.Context, cfg SessionConfig) (*Session, error) {
	key := sessionKey(cfg.UserID, cfg.ExpertName)
	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok {
		same := (existing.cfg.ServiceName == cfg.ServiceName || cfg.ServiceName == "") &&
			(existing.cfg.Context == cfg.Context || cfg.Context == "")
		if same && existing.State() != StateClosed {
			m.mu.Unlock()
			return existing, nil
		}
		existing.Close()
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	s, err := openSession(ctx, m.deps, cfg)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.sessions[key]; ok && prev != s {
		prev.Close()
	}
	m.sessions[key] = s
	return s, nil
}

func (m *Manager) Get(userID, expertName string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(userID, expertName)]
	if !ok || s.State() == StateClosed {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close ends and forgets the pair's session. Closing an unknown session is
// not an error.
func (m *Manager) Close(userID, expertName string) {
	key := sessionKey(userID, expertName)
	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// IsSessionGone reports errors that mean the caller should reopen.
func IsSessionGone(err error) bool {
	return errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrSessionNotFound)
}
