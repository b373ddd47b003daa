package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"repairhub/internal/ratelimit"
	"repairhub/internal/usertoken"
	"repairhub/internal/util"
	"repairhub/pkg/domain"
	"repairhub/pkg/ledger"
	"repairhub/services/chat/internal/app"
)

const defaultMaxImageBytes = 10 << 20

// SendLimiter caps message sends per user.
type SendLimiter interface {
	Allow(ctx context.Context, key string) ratelimit.Decision
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  *usertoken.Verifier
	SendLimiter    SendLimiter
	AllowedOrigins []string
	MaxImageBytes  int64
}

// Server exposes HTTP endpoints for the repair chat service.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	sendLimiter    SendLimiter
	allowedOrigins []string
	maxImageBytes  int64
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxImage := cfg.MaxImageBytes
	if maxImage <= 0 {
		maxImage = defaultMaxImageBytes
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		sendLimiter:    cfg.SendLimiter,
		allowedOrigins: cfg.AllowedOrigins,
		maxImageBytes:  maxImage,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /experts", s.withUser(s.handleExperts))
	s.mux.Handle("POST /threads/{expert}/open", s.withUser(s.handleOpen))
	s.mux.Handle("GET /threads/{expert}/messages", s.withUser(s.handleMessages))
	s.mux.Handle("POST /threads/{expert}/messages", s.withUser(s.handleSend))
	s.mux.Handle("POST /threads/{expert}/confirm", s.withUser(s.handleConfirm))
	s.mux.Handle("DELETE /threads/{expert}", s.withUser(s.handleClose))
	s.mux.Handle("GET /bookings", s.withUser(s.handleBookings))
	s.mux.Handle("GET /coins", s.withUser(s.handleCoins))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"remote": s.app.Health(r.Context()),
	})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

// withUser resolves the caller's user id from a bearer access token.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Info("rejected access token", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", userID))
		next(w, r.WithContext(ctx), userID)
	})
}

func (s *Server) handleExperts(w http.ResponseWriter, r *http.Request, userID string) {
	experts, err := s.app.Experts(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if experts == nil {
		experts = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"experts": experts})
}

type openRequest struct {
	Context     string `json:"context"`
	ServiceName string `json:"serviceName"`
}

type threadResponse struct {
	Expert   string                `json:"expert"`
	Context  domain.ServiceContext `json:"context"`
	State    app.State             `json:"state"`
	Messages []domain.ChatMessage  `json:"messages"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request, userID string) {
	var req openRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	// an empty context keeps the one of a live thread
	var svcCtx domain.ServiceContext
	if strings.TrimSpace(req.Context) != "" {
		parsed, err := domain.ParseServiceContext(req.Context)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		svcCtx = parsed
	}
	session, err := s.app.OpenThread(r.Context(), app.SessionConfig{
		UserID:      userID,
		ExpertName:  r.PathValue("expert"),
		ServiceName: strings.TrimSpace(req.ServiceName),
		Context:     svcCtx,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, threadResponse{
		Expert:   session.Config().ExpertName,
		Context:  session.Config().Context,
		State:    session.State(),
		Messages: session.Messages(),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, userID string) {
	msgs, err := s.app.Messages(r.Context(), userID, r.PathValue("expert"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type sendRequest struct {
	Text  string `json:"text"`
	Image []byte `json:"image"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, userID string) {
	if !s.allowSend(w, r, userID) {
		return
	}
	var req sendRequest
	// base64 inflates the image by a third
	limit := s.maxImageBytes*4/3 + 1<<16
	if err := json.NewDecoder(io.LimitReader(r.Body, limit)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if int64(len(req.Image)) > s.maxImageBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "image too large")
		return
	}
	res, err := s.app.Send(r.Context(), userID, r.PathValue("expert"), req.Text, req.Image)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type confirmRequest struct {
	MessageID string `json:"messageId"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request, userID string) {
	var req confirmRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	conf, err := s.app.Confirm(r.Context(), userID, r.PathValue("expert"), strings.TrimSpace(req.MessageID))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, conf)
	case errors.Is(err, ledger.ErrAlreadyBooked):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "booking": conf.Booking})
	case conf.Booking.ID != "" || conf.Message.ID != "":
		// partially applied, nothing is rolled back
		util.LoggerFromContext(r.Context()).Error("booking partially applied", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "booking partially applied", "confirmation": conf})
	default:
		writeAppError(w, r, err)
	}
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request, userID string) {
	s.app.CloseThread(userID, r.PathValue("expert"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBookings(w http.ResponseWriter, r *http.Request, userID string) {
	bookings, err := s.app.Bookings(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if bookings == nil {
		bookings = []domain.Booking{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": bookings})
}

func (s *Server) handleCoins(w http.ResponseWriter, r *http.Request, userID string) {
	balance, err := s.app.Coins(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) allowSend(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.sendLimiter == nil {
		return true
	}
	decision := s.sendLimiter.Allow(r.Context(), "send:"+userID)
	if decision.Allowed {
		return true
	}
	if decision.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
	}
	writeError(w, http.StatusTooManyRequests, "too many messages, slow down")
	return false
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrEmptyMessage), errors.Is(err, app.ErrExpertRequired), errors.Is(err, domain.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "thread not open")
	case errors.Is(err, app.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrSessionBusy), errors.Is(err, app.ErrSessionClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrNoQuote):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
