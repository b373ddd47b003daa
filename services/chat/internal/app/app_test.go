package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
	"repairhub/pkg/ai"
	"repairhub/pkg/domain"
	"repairhub/pkg/ledger"
)

func TestCoolCareOnsiteBookingFlow(t *testing.T) {
	dispatch := &recordingDispatcher{}
	a, l := newTestApp(t, replyWith(coolCareReply), dispatch, fixedIntN(7))
	ctx := context.Background()

	s, err := a.OpenThread(ctx, SessionConfig{UserID: "u1", ExpertName: "CoolCare Tech", ServiceName: "AC Repair", Context: domain.ContextOnsite})
	if err != nil {
		t.Fatalf("open thread: %v", err)
	}
	visible := s.Messages()
	if len(visible) != 1 || !strings.HasPrefix(visible[0].Text, "Hi! I'm the Field Coordinator. For AC Repair") {
		t.Fatalf("expected onsite welcome, got %+v", visible)
	}
	if persisted, _ := l.ListMessages(ctx, "u1", "CoolCare Tech"); len(persisted) != 0 {
		t.Fatalf("welcome must not be persisted before the first send, got %d messages", len(persisted))
	}

	res, err := a.Send(ctx, "u1", "CoolCare Tech", "AC not cooling", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Bookable || res.Fallback || res.Reply.Text != coolCareReply {
		t.Fatalf("unexpected send result: %+v", res)
	}

	conf, err := a.Confirm(ctx, "u1", "CoolCare Tech", "")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	b := conf.Booking
	if b.Status != domain.StatusInProgress || b.TotalAmount != 4060 || b.TotalDisplay != "₹4060" || b.QuoteMessageID != res.Reply.ID {
		t.Fatalf("unexpected booking: %+v", b)
	}
	if conf.CoinsEarned != 406 || conf.Balance != 406 {
		t.Fatalf("coins earned=%d balance=%d, want 406", conf.CoinsEarned, conf.Balance)
	}
	if b.ArrivalAt == nil {
		t.Fatalf("booking has no arrival time")
	}
	if d := b.ArrivalAt.Sub(b.CreatedAt); d != 12*time.Minute {
		t.Fatalf("arrival offset = %v, want 12m", d)
	}
	if !strings.HasPrefix(conf.Message.Text, "✅ APPOINTMENT BOOKED!") || !strings.Contains(conf.Message.Text, "TECH_") ||
		!strings.Contains(conf.Message.Text, "₹4060") || !strings.Contains(conf.Message.Text, "406 Repair Coins") {
		t.Fatalf("unexpected confirmation text: %q", conf.Message.Text)
	}

	bookings, _ := a.Bookings(ctx, "u1")
	if len(bookings) != 1 || bookings[0].ID != b.ID {
		t.Fatalf("bookings = %+v", bookings)
	}
	coins, _ := a.Coins(ctx, "u1")
	if coins.Balance != 406 {
		t.Fatalf("balance = %d, want 406", coins.Balance)
	}
	experts, _ := a.Experts(ctx, "u1")
	if len(experts) != 1 || experts[0] != "CoolCare Tech" {
		t.Fatalf("experts = %v", experts)
	}

	thread, _ := l.ListMessages(ctx, "u1", "CoolCare Tech")
	if len(thread) != 4 {
		t.Fatalf("expected welcome, user, reply and confirmation, got %d messages", len(thread))
	}
	wantRoles := []domain.Role{domain.RoleExpert, domain.RoleUser, domain.RoleExpert, domain.RoleExpert}
	for i, m := range thread {
		if m.Role != wantRoles[i] {
			t.Fatalf("message %d role = %s, want %s", i, m.Role, wantRoles[i])
		}
		if i > 0 && !m.CreatedAt.After(thread[i-1].CreatedAt) {
			t.Fatalf("message %d not after its predecessor", i)
		}
	}
	if thread[3].ID != conf.Message.ID {
		t.Fatalf("confirmation should close the thread")
	}

	if len(dispatch.events) != 1 || dispatch.events[0].BookingID != b.ID || dispatch.events[0].TotalAmount != 4060 ||
		!strings.HasPrefix(dispatch.events[0].AssigneeRef, "TECH_") {
		t.Fatalf("unexpected dispatch events: %+v", dispatch.events)
	}

	again, err := a.Confirm(ctx, "u1", "CoolCare Tech", res.Reply.ID)
	if !errors.Is(err, ledger.ErrAlreadyBooked) || again.Booking.ID != b.ID {
		t.Fatalf("expected ErrAlreadyBooked, got %+v err=%v", again, err)
	}
	if coins, _ := a.Coins(ctx, "u1"); coins.Balance != 406 {
		t.Fatalf("double booking must not credit coins, balance = %d", coins.Balance)
	}
}

func TestPickupConfirmationWording(t *testing.T) {
	reply := "BILL_BREAKDOWN: Labor: ₹800, Delivery: ₹30, Distance: 5km, Total: ₹830"
	a, _ := newTestApp(t, replyWith(reply), nil, fixedIntN(0))
	ctx := context.Background()
	if _, err := a.OpenThread(ctx, SessionConfig{UserID: "u2", ExpertName: "Sharma Mobiles", Context: domain.ContextPickup}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := a.Send(ctx, "u2", "Sharma Mobiles", "cracked screen", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	conf, err := a.Confirm(ctx, "u2", "Sharma Mobiles", "")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if conf.CoinsEarned != 83 {
		t.Fatalf("coins = %d, want 83", conf.CoinsEarned)
	}
	if !strings.HasPrefix(conf.Message.Text, "✅ EXPRESS PICKUP CONFIRMED! Runner RUN_") || !strings.Contains(conf.Message.Text, "10:05 AM") {
		t.Fatalf("unexpected pickup confirmation: %q", conf.Message.Text)
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	a, l := newTestApp(t, replyWith("ok"), nil, nil)
	ctx := context.Background()
	if _, err := a.OpenThread(ctx, SessionConfig{UserID: "u1", ExpertName: "CoolCare Tech"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := a.Send(ctx, "u1", "CoolCare Tech", "   ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if msgs, _ := l.ListMessages(ctx, "u1", "CoolCare Tech"); len(msgs) != 0 {
		t.Fatalf("empty send must not write, got %d messages", len(msgs))
	}
}

func TestImageOnlySend(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	var got ai.Request
	gen := generatorFunc(func(_ context.Context, req ai.Request) (ai.Response, error) {
		got = req
		return ai.Response{Text: "I can see a cracked hinge."}, nil
	})
	a, _ := newTestApp(t, gen, nil, nil)
	ctx := context.Background()
	if _, err := a.OpenThread(ctx, SessionConfig{UserID: "u1", ExpertName: "Laptop Doctor"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	res, err := a.Send(ctx, "u1", "Laptop Doctor", "", png)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.User.Text != ImageOnlyText || len(res.User.Image) != len(png) {
		t.Fatalf("unexpected stored user message: %+v", res.User)
	}
	if got.Prompt != ImageOnlyPrompt || got.ImageMIME != "image/png" || len(got.Image) != len(png) {
		t.Fatalf("unexpected generator request: prompt=%q mime=%q", got.Prompt, got.ImageMIME)
	}
	if len(got.History) != 1 || got.History[0].Role != domain.RoleExpert {
		t.Fatalf("expected the welcome as history, got %+v", got.History)
	}
}

func TestCloseDiscardsLateReply(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	gen := generatorFunc(func(ctx context.Context, _ ai.Request) (ai.Response, error) {
		close(started)
		<-ctx.Done()
		return ai.Response{Text: "too late"}, ctx.Err()
	})
	l := newTestLedger(t)
	a, err := New(Config{Ledger: l, Generator: gen, Now: func() time.Time { return t0 }})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx := context.Background()
	s, err := a.OpenThread(ctx, SessionConfig{UserID: "u1", ExpertName: "CoolCare Tech"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, "AC not cooling", nil)
		done <- err
	}()
	<-started
	if _, err := s.Send(ctx, "hello?", nil); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy during an in-flight call, got %v", err)
	}
	a.CloseThread("u1", "CoolCare Tech")

	if err := <-done; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
	msgs, _ := l.ListMessages(ctx, "u1", "CoolCare Tech")
	if len(msgs) != 2 {
		t.Fatalf("expected welcome and user message only, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.Text == "too late" || m.Text == FallbackReplyText {
			t.Fatalf("late reply was persisted: %+v", m)
		}
	}
	if _, err := s.Send(ctx, "again", nil); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("send after close: %v", err)
	}
	if _, err := a.Send(ctx, "u1", "CoolCare Tech", "again", nil); !IsSessionGone(err) {
		t.Fatalf("expected session gone, got %v", err)
	}
}

func TestOpenThreadResumesHistory(t *testing.T) {
	a, _ := newTestApp(t, replyWith("Tell me more."), nil, nil)
	ctx := context.Background()
	if _, err := a.OpenThread(ctx, SessionConfig{UserID: "u1", ExpertName: "CoolCare Tech", Context: domain.ContextOnsite}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := a.Send(ctx, "u1", "CoolCare Tech", "noise from the fan", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	a.CloseThread("u1", "CoolCare Tech")

	s, err := a.OpenThread(ctx, SessionConfig{UserID: "u1", ExpertName: "CoolCare Tech", Context: domain.ContextOnsite})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	msgs := s.Messages()
	if len(msgs) != 3 || msgs[1].Text != "noise from the fan" {
		t.Fatalf("expected persisted thread without a fresh welcome, got %+v", msgs)
	}
	if _, err := s.Confirm(ctx, ""); !errors.Is(err, ErrNoQuote) {
		t.Fatalf("expected ErrNoQuote, got %v", err)
	}
	if _, err := s.Confirm(ctx, msgs[1].ID); !errors.Is(err, ErrNoQuote) {
		t.Fatalf("confirming a user message: %v", err)
	}
	if _, err := s.Confirm(ctx, "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestOpenThreadRequiresExpert(t *testing.T) {
	a, _ := newTestApp(t, replyWith("ok"), nil, nil)
	if _, err := a.OpenThread(context.Background(), SessionConfig{UserID: "u1", ExpertName: "  "}); !errors.Is(err, ErrExpertRequired) {
		t.Fatalf("expected ErrExpertRequired, got %v", err)
	}
}

func TestNewGeneratorProviders(t *testing.T) {
	if _, err := NewGenerator(context.Background(), GeneratorConfig{Provider: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
	if _, err := NewGenerator(context.Background(), GeneratorConfig{Provider: "ollama"}); err == nil {
		t.Fatalf("expected model required error")
	}
	gen, err := NewGenerator(context.Background(), GeneratorConfig{Provider: "none"})
	if err != nil || gen != nil {
		t.Fatalf("provider none: gen=%v err=%v", gen, err)
	}
	gen, err = NewGenerator(context.Background(), GeneratorConfig{Provider: "openai", Model: "gpt-4o-mini", BaseURL: "http://localhost:1"})
	if err != nil || gen == nil {
		t.Fatalf("openai provider: err=%v", err)
	}
}

func TestSendFallsBackWhenProviderFails(t *testing.T) {
	gen := generatorFunc(func(context.Context, ai.Request) (ai.Response, error) {
		return ai.Response{}, errors.New("quota exceeded")
	})
	a, l := newTestApp(t, gen, nil, fixedIntN(0))
	ctx := context.Background()
	s, err := a.OpenThread(ctx, SessionConfig{UserID: "u1", ExpertName: "Sharma Electronics", ServiceName: "TV Repair"})
	if err != nil {
		t.Fatalf("open thread: %v", err)
	}

	res, err := s.Send(ctx, "TV shows no picture", nil)
	if err != nil {
		t.Fatalf("send must not fail when the provider does: %v", err)
	}
	if !res.Fallback || res.Bookable || res.Reply.Text != FallbackReplyText {
		t.Fatalf("unexpected send result: %+v", res)
	}
	if got := s.State(); got != StateIdle {
		t.Fatalf("state = %q, want %q", got, StateIdle)
	}

	thread, _ := l.ListMessages(ctx, "u1", "Sharma Electronics")
	if len(thread) != 3 {
		t.Fatalf("expected welcome, user and fallback reply, got %d messages", len(thread))
	}
	var fallbacks int
	for _, m := range thread {
		if m.Text == FallbackReplyText {
			fallbacks++
			if m.Role != domain.RoleExpert {
				t.Fatalf("fallback reply has role %q", m.Role)
			}
		}
	}
	if fallbacks != 1 {
		t.Fatalf("expected exactly one fallback reply, got %d", fallbacks)
	}
	if last := thread[2]; last.ID != res.Reply.ID {
		t.Fatalf("last persisted message %q is not the reply %q", last.ID, res.Reply.ID)
	}
}

func TestOpenThreadWithoutParamsKeepsLiveSession(t *testing.T) {
	a, _ := newTestApp(t, replyWith("ok"), nil, fixedIntN(0))
	ctx := context.Background()
	first, err := a.OpenThread(ctx, SessionConfig{UserID: "u1", ExpertName: "CoolCare Tech", ServiceName: "AC Repair", Context: domain.ContextOnsite})
	if err != nil {
		t.Fatalf("open thread: %v", err)
	}
	again, err := a.OpenThread(ctx, SessionConfig{UserID: "u1", ExpertName: "CoolCare Tech"})
	if err != nil {
		t.Fatalf("reopen thread: %v", err)
	}
	if again != first || again.Config().Context != domain.ContextOnsite || again.Config().ServiceName != "AC Repair" {
		t.Fatalf("bare reopen replaced the session: %+v", again.Config())
	}

	switched, err := a.OpenThread(ctx, SessionConfig{UserID: "u1", ExpertName: "CoolCare Tech", Context: domain.ContextPickup})
	if err != nil {
		t.Fatalf("switch context: %v", err)
	}
	if switched == first || first.State() != StateClosed || switched.Config().Context != domain.ContextPickup {
		t.Fatalf("context change must replace the session")
	}
}
