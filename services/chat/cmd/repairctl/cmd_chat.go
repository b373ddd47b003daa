package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"repairhub/pkg/domain"
	"repairhub/pkg/ledger"
	"repairhub/services/chat/internal/app"
)

var (
	chatExpert  string
	chatContext string
	chatService string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive thread with an expert",
	Long: `Open an interactive thread with an expert.

Type a message and press enter. Commands:
  /photo <path> [text]  send a photo, optionally with text
  /confirm [messageId]  book the latest (or given) quote
  /quit                 close the thread`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svcCtx, err := domain.ParseServiceContext(chatContext)
		if err != nil {
			return err
		}
		session, err := rt.App.OpenThread(cmd.Context(), app.SessionConfig{
			UserID:      userID,
			ExpertName:  chatExpert,
			ServiceName: chatService,
			Context:     svcCtx,
		})
		if err != nil {
			return err
		}
		defer session.Close()
		return runREPL(cmd.Context(), session, cmd.InOrStdin(), cmd.OutOrStdout(), os.ReadFile)
	},
}

func init() {
	chatCmd.Flags().StringVarP(&chatExpert, "expert", "e", "", "Expert or shop name (required)")
	chatCmd.Flags().StringVar(&chatContext, "context", "pickup", "Service context: pickup or onsite")
	chatCmd.Flags().StringVar(&chatService, "service", "", "Service being requested")
	_ = chatCmd.MarkFlagRequired("expert")
}

// thread is the part of a session the REPL drives.
type thread interface {
	Messages() []domain.ChatMessage
	Send(ctx context.Context, text string, image []byte) (app.SendResult, error)
	Confirm(ctx context.Context, messageID string) (app.Confirmation, error)
}

func runREPL(ctx context.Context, t thread, in io.Reader, out io.Writer, readFile func(string) ([]byte, error)) error {
	for _, m := range t.Messages() {
		printMessage(out, m)
	}
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case line == "/quit" || line == "/exit":
			return nil
		case strings.HasPrefix(line, "/confirm"):
			conf, err := t.Confirm(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/confirm")))
			switch {
			case errors.Is(err, ledger.ErrAlreadyBooked):
				fmt.Fprintf(out, "! already booked as %s\n", conf.Booking.ID)
				continue
			case errors.Is(err, app.ErrNoQuote), errors.Is(err, app.ErrMessageNotFound):
				fmt.Fprintln(out, "! no quote to book yet")
				continue
			case err != nil && conf.Message.ID == "":
				return err
			case err != nil:
				fmt.Fprintf(out, "! booking partially saved: %v\n", err)
			}
			printMessage(out, conf.Message)
			fmt.Fprintf(out, "  balance: %d Repair Coins\n", conf.Balance)
		case strings.HasPrefix(line, "/photo "):
			fields := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(line, "/photo ")), " ", 2)
			image, err := readFile(fields[0])
			if err != nil {
				fmt.Fprintf(out, "! cannot read photo: %v\n", err)
				continue
			}
			text := ""
			if len(fields) == 2 {
				text = fields[1]
			}
			if err := send(ctx, t, out, text, image); err != nil {
				return err
			}
		default:
			if err := send(ctx, t, out, line, nil); err != nil {
				return err
			}
		}
	}
}

func send(ctx context.Context, t thread, out io.Writer, text string, image []byte) error {
	res, err := t.Send(ctx, text, image)
	switch {
	case errors.Is(err, app.ErrEmptyMessage), errors.Is(err, app.ErrSessionBusy):
		fmt.Fprintf(out, "! %v\n", err)
		return nil
	case err != nil:
		return err
	}
	printMessage(out, res.Reply)
	if res.Bookable {
		fmt.Fprintln(out, "  (type /confirm to book this quote)")
	}
	return nil
}

func printMessage(out io.Writer, m domain.ChatMessage) {
	who := "you"
	if m.Role == domain.RoleExpert {
		who = m.ExpertName
	}
	text := m.Text
	if len(m.Image) > 0 {
		text += " [photo]"
	}
	fmt.Fprintf(out, "%s: %s\n", who, text)
	if len(m.Sources) > 0 {
		fmt.Fprintln(out, "  Verified Local Hubs Found:")
		for _, s := range m.Sources {
			fmt.Fprintf(out, "  - %s %s\n", s.Title, s.URI)
		}
	}
}
