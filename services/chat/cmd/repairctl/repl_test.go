package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"repairhub/pkg/ai"
	"repairhub/pkg/domain"
	"repairhub/pkg/ledger"
	"repairhub/pkg/store"
	"repairhub/services/chat/internal/app"
)

type scripted struct {
	text    string
	sources []domain.Source
}

func (s scripted) Generate(context.Context, ai.Request) (ai.Response, error) {
	return ai.Response{Text: s.text, Sources: s.sources}, nil
}

func openTestThread(t *testing.T, gen ai.Generator) *app.Session {
	t.Helper()
	l, err := ledger.New(ledger.Config{Local: store.NewMemoryStore()})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	a, err := app.New(app.Config{Ledger: l, Generator: gen, Booking: app.Policy{Location: time.UTC}})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(a.Shutdown)
	s, err := a.OpenThread(context.Background(), app.SessionConfig{UserID: "u1", ExpertName: "CoolCare Tech", Context: domain.ContextOnsite})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestREPLBooksQuote(t *testing.T) {
	gen := scripted{
		text:    "BILL_BREAKDOWN: Labor: ₹4000, Delivery: ₹60, Distance: 7km, Total: ₹4060",
		sources: []domain.Source{{Title: "CoolCare Service Centre", URI: "https://coolcare.example"}},
	}
	s := openTestThread(t, gen)
	var out bytes.Buffer
	in := strings.NewReader("AC not cooling\n/confirm\n/confirm\n/quit\n")
	if err := runREPL(context.Background(), s, in, &out, nil); err != nil {
		t.Fatalf("repl: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"CoolCare Tech: Hi! I'm the Field Coordinator.",
		"Verified Local Hubs Found:",
		"(type /confirm to book this quote)",
		"✅ APPOINTMENT BOOKED!",
		"balance: 406 Repair Coins",
		"! already booked as",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestREPLPhotoAndMissingQuote(t *testing.T) {
	s := openTestThread(t, scripted{text: "Looks like a cracked hinge. How old is the laptop?"})
	files := map[string][]byte{"hinge.jpg": {0xFF, 0xD8, 0xFF, 0xE0}}
	readFile := func(path string) ([]byte, error) {
		if b, ok := files[path]; ok {
			return b, nil
		}
		return nil, context.DeadlineExceeded
	}
	var out bytes.Buffer
	in := strings.NewReader("/photo missing.jpg\n/photo hinge.jpg\n/confirm\n")
	if err := runREPL(context.Background(), s, in, &out, readFile); err != nil {
		t.Fatalf("repl: %v", err)
	}
	got := out.String()
	for _, want := range []string{"! cannot read photo", "cracked hinge", "! no quote to book yet"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	msgs := s.Messages()
	if len(msgs) != 3 || msgs[1].Text != app.ImageOnlyText || len(msgs[1].Image) != 4 {
		t.Fatalf("unexpected thread: %+v", msgs)
	}
}
